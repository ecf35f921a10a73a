package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"agentline/internal/connect"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/engine/auth"
)

func appCmd() *cobra.Command {
	apps := &cobra.Command{
		Use:   "app",
		Short: "Register generated apps and connect their placeholders to records",
		Long: `An app is a section schema plus optional source files. 'al app detect' lists the placeholders
(events, tickets, forms, contacts) with candidate records; 'al app connect' applies create/link/skip decisions.`,
	}

	var name, schema string
	var files []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register an app",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readJSONArg(schema)
			if err != nil {
				return err
			}
			appFiles := make([]domain.AppFile, 0, len(files))
			for _, path := range files {
				content, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				appFiles = append(appFiles, domain.AppFile{Path: path, Content: string(content)})
			}
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermWrite); err != nil {
					return err
				}
				app, err := e.CreateApp(ctx, engine.NewApp{
					OrganizationID: sc.OrgID,
					Name:           name,
					Schema:         json.RawMessage(raw),
					Files:          appFiles,
				}, sc.UserID)
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(app)
				}
				fmt.Println("app", app.ID, "registered")
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "app name")
	create.Flags().StringVar(&schema, "schema", "", "section schema JSON, or @file")
	create.Flags().StringSliceVar(&files, "file", nil, "source file to attach (repeatable)")
	apps.AddCommand(create)

	apps.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List apps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermRead); err != nil {
					return err
				}
				items, err := e.ListApps(ctx, sc.OrgID)
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Connections", "Updated")
				for _, a := range items {
					tw.AppendRow([]any{a.ID, a.Name, a.ConnectionStatus, a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})

	apps.AddCommand(&cobra.Command{
		Use:   "detect <app-id>",
		Short: "Detect placeholders and candidate records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermRead); err != nil {
					return err
				}
				det, err := e.DetectConnections(ctx, sc.OrgID, args[0])
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(det)
				}
				tw := newTable("Item", "Type", "Section", "Matches")
				for _, sec := range det.Sections {
					for _, it := range sec.DetectedItems {
						ids := make([]string, 0, len(it.ExistingMatches))
						for _, m := range it.ExistingMatches {
							ids = append(ids, m.ID)
						}
						tw.AppendRow([]any{it.ID, it.Type, sec.ID, strings.Join(ids, ", ")})
					}
				}
				tw.Render()
				return nil
			})
		},
	})

	apps.AddCommand(&cobra.Command{
		Use:   "links <app-id>",
		Short: "List records linked to an app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermRead); err != nil {
					return err
				}
				links, err := e.ListAppLinks(ctx, sc.OrgID, args[0])
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(links)
				}
				tw := newTable("Record", "Type", "Kind", "Created")
				for _, l := range links {
					tw.AppendRow([]any{l.RecordID, l.RecordType, l.LinkKind, l.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})

	apps.AddCommand(connectCmd())
	return apps
}

func connectCmd() *cobra.Command {
	conn := &cobra.Command{
		Use:   "connect",
		Short: "Apply create/link/skip decisions to detected items",
	}

	var previewDecisions, conversation string
	preview := &cobra.Command{
		Use:   "preview <app-id>",
		Short: "Validate decisions and store them on a preview work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decisions, err := parseDecisions(previewDecisions)
			if err != nil {
				return err
			}
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermWrite); err != nil {
					return err
				}
				out, err := e.PreviewConnections(ctx, engine.ConnectionsRequest{
					OrganizationID: sc.OrgID,
					UserID:         sc.UserID,
					ConversationID: conversation,
					AppID:          args[0],
					Decisions:      decisions,
				})
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(out)
				}
				fmt.Printf("work item %s: create %d, link %d, skip %d\n", out.WorkItem.ID,
					out.Actions[connect.ActionCreate], out.Actions[connect.ActionLink], out.Actions[connect.ActionSkip])
				return nil
			})
		},
	}
	preview.Flags().StringVar(&previewDecisions, "decisions", "", "decisions JSON array, or @file")
	preview.Flags().StringVar(&conversation, "conversation", "", "conversation id")
	conn.AddCommand(preview)

	var executeDecisions string
	execute := &cobra.Command{
		Use:   "execute <app-id>",
		Short: "Apply decisions directly without a preview (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decisions, err := parseDecisions(executeDecisions)
			if err != nil {
				return err
			}
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermAdmin); err != nil {
					return err
				}
				out, err := e.ExecuteConnections(ctx, engine.ConnectionsRequest{
					OrganizationID: sc.OrgID,
					UserID:         sc.UserID,
					AppID:          args[0],
					Decisions:      decisions,
				})
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(out)
				}
				printConnections(out.Result)
				return nil
			})
		},
	}
	execute.Flags().StringVar(&executeDecisions, "decisions", "", "decisions JSON array, or @file")
	conn.AddCommand(execute)
	return conn
}

func parseDecisions(value string) ([]connect.Decision, error) {
	raw, err := readJSONArg(value)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("--decisions required")
	}
	var decisions []connect.Decision
	if err := json.Unmarshal(raw, &decisions); err != nil {
		return nil, fmt.Errorf("decode decisions: %w", err)
	}
	return decisions, nil
}

func printConnections(res connect.Result) {
	tw := newTable("Item", "Type", "Outcome", "Record", "Detail")
	for _, c := range res.Created {
		tw.AppendRow([]any{c.ItemID, c.Type, "created", c.RecordID, c.Name})
	}
	for _, l := range res.Linked {
		tw.AppendRow([]any{l.ItemID, l.Type, "linked", l.RecordID, ""})
	}
	for _, s := range res.Skipped {
		tw.AppendRow([]any{s.ItemID, s.Type, "skipped", "", s.Reason})
	}
	for _, e := range res.Errors {
		tw.AppendRow([]any{e.ItemID, e.Type, "error", "", e.Code + ": " + e.Error})
	}
	tw.Render()
	fmt.Println("connection status:", res.ConnectionStatus)
}
