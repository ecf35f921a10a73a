package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"agentline/internal/app"
	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/engine"
	"agentline/internal/engine/auth"
	"agentline/internal/logging"
	"agentline/internal/migrate"
)

var settings = config.NewViper()

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Agentline CLI",
	Long: `Agentline turns conversational input into business records.
Core concepts:
- Workspace: the .agentline directory holding the SQLite database, plus an optional agentline.yml.
- Organization: the tenant every record, app and work item belongs to. Users act through memberships (owner, admin, member, viewer).
- Experience: an event playbook run that creates an event, tickets, a registration form and a checkout in dependency order. Runs are idempotent.
- App: a generated site whose placeholders (events, tickets, forms, contacts) can be linked to existing records or backed by new ones.
- Work item: the preview of a mutation. Preview first, then execute exactly what was previewed.
- Event log: every change, view with 'al log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.LoadSettings(settings)
		if err != nil {
			return err
		}
		logging.SetupWriter(os.Stderr, s.LogLevel, s.LogFormat)
		_, err = db.EnsureWorkspace(s.Workspace)
		return err
	},
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("user", "local-user", "acting user id")
	flags.String("org", "", "organization id (defaults to the user's only organization)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	for _, name := range []string{"workspace", "json", "user", "org", "log-level", "log-format"} {
		_ = settings.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(experienceCmd())
	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(workItemCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- helpers ---

func currentSettings() config.Settings {
	s, _ := config.LoadSettings(settings)
	return s
}

// withEngine opens the workspace database without resolving an organization.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	s := currentSettings()
	conn, err := db.Open(db.Config{Workspace: s.Workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(s.Workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

// scope is the resolved organization and user a command acts as.
type scope struct {
	OrgID  string
	UserID string
}

// withOrg opens the workspace and resolves the acting organization.
func withOrg(ctx context.Context, fn func(context.Context, engine.Engine, scope) error) error {
	s := currentSettings()
	conn, err := db.Open(db.Config{Workspace: s.Workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	boot := engine.New(conn, nil)
	orgID, cfg, err := app.ResolveOrganizationAndConfig(ctx, s.Workspace, s.Organization, s.User, boot)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg), scope{OrgID: orgID, UserID: s.User})
}

// authorize checks that the acting user holds perm in the resolved
// organization.
func authorize(ctx context.Context, e engine.Engine, sc scope, perm string) error {
	return auth.Service{Repo: e.Repo}.Authorize(ctx, sc.OrgID, sc.UserID, perm)
}

func printJSONOrTable(v any) error {
	if settings.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

// readJSONArg returns inline JSON, or the contents of a file when the value
// starts with @.
func readJSONArg(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "@") {
		return os.ReadFile(strings.TrimPrefix(value, "@"))
	}
	return []byte(value), nil
}

// bindSettings binds command-local flags to the settings of the same name
// when cmd runs. Several commands share a setting, so binding at construction
// would let the last registered flag win.
func bindSettings(cmd *cobra.Command, names ...string) {
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		for _, name := range names {
			if err := settings.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
				return err
			}
		}
		return nil
	}
}
