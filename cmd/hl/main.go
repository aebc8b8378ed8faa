package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hypoline/internal/app"
	"hypoline/internal/config"
	"hypoline/internal/db"
	"hypoline/internal/repo"
	"hypoline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "hl",
	Short: "Hypoline CLI",
	Long: `Hypoline tracks mortgage cases through the fixed workflow of a brokerage office.
- Workspace: the .hypoline directory with the database and local attachments; the config is stored in the database and imported explicitly.
- Case: one client's mortgage application, with intake, proposal and bank choice followed by eleven tracked stages.
- Stages: completed in order; each keeps a deadline, a note, reminders, attachments and its own change history.
- Undo/redo: every change to a case can be undone and redone, per case.
- Event log: diary of changes, view with 'hl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", defaultActor(), "name recorded in change history")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON")
	for _, name := range []string{"workspace", "json", "actor", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local-user"
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(caseUndoCmd(true))
	rootCmd.AddCommand(caseUndoCmd(false))
	rootCmd.AddCommand(upcomingCmd())
	rootCmd.AddCommand(remindersCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace with a default hypoline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				fmt.Println("workspace ready:", db.Path(workspace))
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configSetEnvCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if viper.GetBool("json") {
					return printJSON(ws.Config)
				}
				data, err := ws.Config.YAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a YAML file, the workspace hypoline.yml, or the stored config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			switch {
			case len(args) == 1:
				_, err = config.FromFile(args[0])
			default:
				var cfg *config.Config
				cfg, err = config.LoadOptional(viper.GetString("workspace"))
				if err == nil && cfg == nil {
					err = withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
						return ws.Config.Validate()
					})
				}
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the stored config with a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				cfg, err := app.ImportConfig(ctx, repo.KV{Repo: ws.Engine.Repo}, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(cfg, "config imported")
			})
		},
	}
}

func configSetEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-env <KEY> <VALUE>",
		Short: "Set a variable in the workspace .env",
		Long:  "Secrets such as S3 keys or HYPOLINE_JWT_SECRET live in .env and are referenced from the config as ${VAR}.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SetEnvValue(viper.GetString("workspace"), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("updated", config.EnvPath(viper.GetString("workspace")))
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: case and stage changes, undo/redo, imports and due reminders.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				events, err := ws.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Time", "Type", "Case", "Stage", "Actor")
				for _, evt := range events {
					stage := ""
					if evt.StageIdx != nil {
						stage = strconv.Itoa(*evt.StageIdx)
					}
					tw.AppendRow([]any{evt.ID, evt.TS, evt.Type, caseRef(evt.CaseID), stage, evt.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().IntVar(&f.CaseID, "case", 0, "case id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the case API with OpenAPI at <base>/openapi.json, Swagger UI at /docs and Prometheus metrics at /metrics. Webhooks and the daily reminder sweep run alongside.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				logger := ws.Engine.Logger
				authCfg := server.AuthConfig{
					JWTSecret:        os.Getenv(config.EnvPrefix + "_JWT_SECRET"),
					AllowActorHeader: allowActorHeader,
					DevLogin:         devLogin,
					Logger:           logger,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
					return fmt.Errorf("%s_JWT_SECRET is required unless --allow-actor-header is set", config.EnvPrefix)
				}
				handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				server.StartBackground(ctx, ws.Engine, logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving hypoline API", "addr", "http://"+addr+basePath, "docs", "/docs", "metrics", "/metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept the X-Actor header without a token")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose <base>/auth/dev/login, which mints a token for any actor (local development only)")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if viper.GetBool("log-json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	logger := newLogger()
	slog.SetDefault(logger)
	ws, err := app.Open(ctx, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func actor() string {
	return viper.GetString("actor")
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid case id %q", s)
	}
	return id, nil
}

func parseCaseStage(args []string) (int, int, error) {
	id, err := parseID(args[0])
	if err != nil {
		return 0, 0, err
	}
	idx, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stage index %q", args[1])
	}
	return id, idx, nil
}

func caseRef(id int) string {
	if id == 0 {
		return ""
	}
	return strconv.Itoa(id)
}
