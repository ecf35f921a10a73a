package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/engine"
	"agentline/internal/engine/auth"
	"agentline/internal/migrate"
	"agentline/internal/repo"
	"agentline/internal/server"
)

func initCmd() *cobra.Command {
	var orgID, orgName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, database and default agentline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := currentSettings()
			path := config.Path(s.Workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Println("database ready at", db.Path(s.Workspace))
				if orgID == "" {
					return nil
				}
				org, err := e.CreateOrganization(ctx, orgID, orgName, s.User)
				if err != nil {
					return err
				}
				fmt.Printf("organization %s created with %s as owner\n", org.ID, s.User)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "create-org", "", "also create this organization owned by --user")
	cmd.Flags().StringVar(&orgName, "org-name", "", "display name of the created organization")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and report the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				applied, latest, err := migrate.Status(ctx, e.DB)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"applied": applied, "latest": latest})
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "agentline.yml declares playbooks (ordered steps and supported item types), draft defaults, matching thresholds and webhooks.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(currentSettings().Workspace)
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate agentline.yml, or the file at path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if len(args) == 1 {
				_, err = config.FromFile(args[0])
			} else {
				_, err = config.Load(currentSettings().Workspace)
			}
			if settingsJSON() {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Print the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	return cfg
}

func settingsJSON() bool {
	return settings.GetBool("json")
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organizations"}
	var id, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an organization owned by --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateOrganization(ctx, id, name, currentSettings().User)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "organization id")
	create.Flags().StringVar(&name, "name", "", "display name")
	org.AddCommand(create)
	org.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List organizations of --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				orgs, err := e.Repo.ListOrganizations(ctx, currentSettings().User)
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(orgs)
				}
				tw := newTable("ID", "Name", "Created")
				for _, o := range orgs {
					tw.AppendRow([]any{o.ID, o.Name, o.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return org
}

func memberCmd() *cobra.Command {
	member := &cobra.Command{Use: "member", Short: "Manage organization memberships"}
	var target, role string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role in the organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--target and --role required")
			}
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermAdmin); err != nil {
					return err
				}
				return e.GrantMembership(ctx, sc.OrgID, target, role, sc.UserID)
			})
		},
	}
	grant.Flags().StringVar(&target, "target", "", "user to grant")
	grant.Flags().StringVar(&role, "role", "", "owner, admin, member or viewer")
	member.AddCommand(grant)
	member.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermRead); err != nil {
					return err
				}
				items, err := e.Repo.ListMemberships(ctx, sc.OrgID)
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(items)
				}
				tw := newTable("User", "Role")
				for _, m := range items {
					tw.AppendRow([]any{m.UserID, m.Role})
				}
				tw.Render()
				return nil
			})
		},
	})
	return member
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --user in the organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermWrite); err != nil {
					return err
				}
				secret, key, err := e.CreateAPIKey(ctx, sc.OrgID, sc.UserID, name)
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(map[string]any{"key": secret, "id": key.ID, "organization_id": key.OrganizationID})
				}
				fmt.Printf("API key %s created. Store it now; it is not shown again:\n%s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(create)
	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermAdmin); err != nil {
					return err
				}
				items, err := e.ListAPIKeys(ctx, sc.OrgID)
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(items)
				}
				tw := newTable("ID", "User", "Name", "Created")
				for _, k := range items {
					tw.AppendRow([]any{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	keys.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermAdmin); err != nil {
					return err
				}
				return e.RevokeAPIKey(ctx, sc.OrgID, args[0])
			})
		},
	})
	return keys
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --user, pinned to --org when set",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := currentSettings()
			token, err := server.SignToken(s.JWTSecret, s.User, s.Organization, ttl)
			if err != nil {
				return fmt.Errorf("%w (set AGENTLINE_JWT_SECRET or --jwt-secret)", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.Flags().String("jwt-secret", "", "HS256 signing secret")
	bindSettings(cmd, "jwt-secret")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change: records, apps, work items, memberships and keys.",
	}
	var n int
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, sc scope) error {
				if err := authorize(ctx, e, sc, auth.PermRead); err != nil {
					return err
				}
				f.OrganizationID = sc.OrgID
				f.Limit = n
				events, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if settingsJSON() {
					return printJSON(events)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor")
				for _, evt := range events {
					tw.AppendRow([]any{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}
