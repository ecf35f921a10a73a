package main

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/engine/auth"
	"agentline/internal/repo"
)

func workItemCmd() *cobra.Command {
	wi := &cobra.Command{
		Use:     "workitem",
		Aliases: []string{"wi"},
		Short:   "Review, approve and execute previewed mutations",
	}

	var f repo.WorkItemFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermRead); err != nil {
					return err
				}
				f.OrganizationID = sc.OrgID
				items, err := e.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(items)
				}
				tw := newTable("ID", "Type", "Name", "Status", "User", "Updated")
				for _, w := range items {
					tw.AppendRow([]any{w.ID, w.Type, w.Name, w.Status, w.UserID, w.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Type, "type", "", "work item type")
	list.Flags().StringVar(&f.Status, "status", "", "preview, approved, completed or failed")
	list.Flags().StringVar(&f.UserID, "owner", "", "creating user")
	list.Flags().StringVar(&f.ConversationID, "conversation", "", "conversation id")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max items")
	wi.AddCommand(list)

	wi.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a work item with its preview data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermRead); err != nil {
					return err
				}
				item, err := e.GetWorkItem(ctx, sc.OrgID, args[0])
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	})

	wi.AddCommand(&cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a preview work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermApprove); err != nil {
					return err
				}
				item, err := e.ApproveWorkItem(ctx, sc.OrgID, sc.UserID, args[0])
				if err != nil {
					return err
				}
				return printWorkItemStatus(item)
			})
		},
	})

	wi.AddCommand(&cobra.Command{
		Use:   "execute <id>",
		Short: "Execute exactly what a work item previewed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermApprove); err != nil {
					return err
				}
				out, err := e.ExecuteWorkItem(ctx, sc.OrgID, sc.UserID, args[0])
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(out)
				}
				switch {
				case out.Experience != nil:
					printStepLog(*out.Experience)
				case out.Connections != nil:
					printConnections(*out.Connections)
				}
				if out.WorkItem != nil {
					return printWorkItemStatus(*out.WorkItem)
				}
				return nil
			})
		},
	})

	var status, results string
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Move a work item to a new status, optionally recording results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if results != "" {
				b, err := readJSONArg(results)
				if err != nil {
					return err
				}
				raw = b
			}
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermWrite); err != nil {
					return err
				}
				item, err := e.UpdateWorkItem(ctx, sc.OrgID, sc.UserID, args[0], status, raw, nil)
				if err != nil {
					return err
				}
				return printWorkItemStatus(item)
			})
		},
	}
	update.Flags().StringVar(&status, "status", "", "new status")
	update.Flags().StringVar(&results, "results", "", "results JSON, or @file")
	wi.AddCommand(update)
	return wi
}

func printWorkItemStatus(item domain.WorkItem) error {
	if settingsJSON() {
		return printJSON(item)
	}
	fmt.Printf("work item %s is %s\n", item.ID, item.Status)
	return nil
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "record",
		Short: "Inspect business records",
	}

	var f repo.RecordFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermRead); err != nil {
					return err
				}
				f.OrganizationID = sc.OrgID
				items, err := e.ListRecords(ctx, f)
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(items)
				}
				tw := newTable("ID", "Type", "Subtype", "Name", "Status", "Updated")
				for _, r := range items {
					tw.AppendRow([]any{r.ID, r.Type, r.Subtype, r.Name, r.Status, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Type, "type", "", "event, product, form or checkout")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max records")
	rec.AddCommand(list)

	rec.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermRead); err != nil {
					return err
				}
				r, err := e.GetRecord(ctx, sc.OrgID, args[0])
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	})
	rec.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Count records per type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermRead); err != nil {
					return err
				}
				counts, err := e.CountRecords(ctx, sc.OrgID)
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(counts)
				}
				tw := newTable("Type", "Records")
				for _, typ := range slices.Sorted(maps.Keys(counts)) {
					tw.AppendRow([]any{typ, counts[typ]})
				}
				tw.Render()
				return nil
			})
		},
	})
	return rec
}
