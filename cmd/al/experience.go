package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"agentline/internal/draft"
	"agentline/internal/engine"
	"agentline/internal/engine/auth"
	"agentline/internal/orchestrate"
)

type experienceFlags struct {
	payload        string
	text           string
	playbook       string
	conversation   string
	idempotencyKey string
	strategy       string
	failFast       bool
}

func (f *experienceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.payload, "payload", "", "payload JSON, or @file")
	cmd.Flags().StringVar(&f.text, "text", "", "free text describing the experience")
	cmd.Flags().StringVar(&f.playbook, "playbook", "event", "playbook name")
	cmd.Flags().StringVar(&f.conversation, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&f.idempotencyKey, "idempotency-key", "", "explicit idempotency key")
	cmd.Flags().StringVar(&f.strategy, "strategy", orchestrate.ReuseExisting, "duplicate strategy: reuse_existing or fail_on_duplicate")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", false, "stop at the first failed step")
}

func (f *experienceFlags) request(sc scope) (engine.ExperienceRequest, error) {
	raw, err := readJSONArg(f.payload)
	if err != nil {
		return engine.ExperienceRequest{}, err
	}
	payload, err := draft.Decode(raw)
	if err != nil {
		return engine.ExperienceRequest{}, err
	}
	if f.text != "" {
		payload.Text = f.text
	}
	return engine.ExperienceRequest{
		OrganizationID: sc.OrgID,
		UserID:         sc.UserID,
		ConversationID: f.conversation,
		Playbook:       f.playbook,
		Payload:        payload,
		IdempotencyKey: f.idempotencyKey,
		Options:        orchestrate.Options{DuplicateStrategy: f.strategy, FailFast: f.failFast},
	}, nil
}

func experienceCmd() *cobra.Command {
	exp := &cobra.Command{
		Use:   "experience",
		Short: "Turn a payload into event, ticket, form and checkout records",
		Long: `preview derives the draft and plans the playbook without writing records; the plan is stored on a work item.
Run 'al workitem execute <id>' to apply exactly what was previewed, or 'al experience create' to do both at once (admin).`,
	}

	var pf experienceFlags
	preview := &cobra.Command{
		Use:   "preview",
		Short: "Plan an experience and store it on a preview work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermWrite); err != nil {
					return err
				}
				req, err := pf.request(sc)
				if err != nil {
					return err
				}
				out, err := e.PreviewExperience(ctx, req)
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(out)
				}
				fmt.Printf("work item %s (%s): %s\n", out.WorkItem.ID, out.WorkItem.Status, out.Draft.Name)
				printStepLog(out.Plan)
				for _, u := range out.UnsupportedItems {
					fmt.Printf("unsupported %s: %s\n", u.Type, u.Reason)
				}
				return nil
			})
		},
	}
	pf.register(preview)
	exp.AddCommand(preview)

	var cf experienceFlags
	create := &cobra.Command{
		Use:   "create",
		Short: "Preview and execute an experience in one step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermAdmin); err != nil {
					return err
				}
				req, err := cf.request(sc)
				if err != nil {
					return err
				}
				out, err := e.CreateExperience(ctx, req)
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(out)
				}
				printStepLog(out.Result)
				return nil
			})
		},
	}
	cf.register(create)
	exp.AddCommand(create)
	return exp
}

func printStepLog(res orchestrate.Result) {
	tw := newTable("Step", "Type", "Name", "Status", "Record", "Reason")
	for _, s := range res.StepLog {
		tw.AppendRow([]any{s.StepKey, s.ArtifactType, s.Name, s.Status, s.RecordID, s.Reason})
	}
	tw.AppendFooter([]any{"", "", "", fmt.Sprintf("created %d, reused %d", res.Summary.Created, res.Summary.Reused),
		fmt.Sprintf("skipped %d, failed %d", res.Summary.Skipped, res.Summary.Failed), ""})
	tw.Render()
}
