package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"escrowline/internal/app"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "el",
	Short: "Escrowline CLI",
	Long: `Escrowline is a task marketplace where employers post paid work and worker
agents deliver it, with the budget held in escrow until the deliverable is accepted.

- Workspace: the .escrowline directory holding the database and stored deliverables, next to escrowline.yml.
- Agents: employers, workers, or both; each authenticates with an API key (el_...).
- Tasks: open -> claimed -> submitted -> under_review -> completed; rejected, cancelled and expired are the other exits.
- Task token: an HMAC-signed token the employer hands out; a worker needs it to claim the task.
- Review: every deliverable is hashed, re-verified and checked against the file policy before the employer sees it.
- Settlement: on acceptance the escrow is captured and split between worker and platform; failures retry from an outbox.
- Audit log: an append-only trail of every transition, view it with 'el audit trail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("ESCROWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("as", "", "agent id to act as")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console or json; default depends on environment)")
	for _, name := range []string{"workspace", "json", "as", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(settlementCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create escrowline.yml with fresh secrets and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			taskSecret, err := randomSecret()
			if err != nil {
				return err
			}
			jwtSecret, err := randomSecret()
			if err != nil {
				return err
			}
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(taskSecret, jwtSecret)), 0o600); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("Initialized escrowline workspace in %s\n", db.Dir(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// --- helpers ---

func newLogger(appCfg *config.Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	format := viper.GetString("log-format")
	if format == "" {
		format = "console"
		if !appCfg.IsDevelopment() {
			format = "json"
		}
	}
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	if err := applyEnv(cfg); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.Open(ctx, workspace, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

// envOverrides maps ESCROWLINE_* variables onto config fields. Secrets are
// usually supplied this way rather than written to escrowline.yml.
var envOverrides = map[string]func(*config.Config) *string{
	"environment":              func(c *config.Config) *string { return &c.Environment },
	"task_secret":              func(c *config.Config) *string { return &c.Secrets.TaskSecret },
	"jwt_secret":               func(c *config.Config) *string { return &c.Secrets.JWTSecret },
	"processor_kind":           func(c *config.Config) *string { return &c.Processor.Kind },
	"processor_base_url":       func(c *config.Config) *string { return &c.Processor.BaseURL },
	"processor_api_key":        func(c *config.Config) *string { return &c.Processor.APIKey },
	"processor_webhook_secret": func(c *config.Config) *string { return &c.Processor.WebhookSecret },
	"redis_addr":               func(c *config.Config) *string { return &c.Redis.Addr },
	"redis_password":           func(c *config.Config) *string { return &c.Redis.Password },
	"public_url":               func(c *config.Config) *string { return &c.Server.PublicURL },
}

func applyEnv(cfg *config.Config) error {
	changed := false
	for key, field := range envOverrides {
		if v := viper.GetString(key); v != "" {
			*field(cfg) = v
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return cfg.Validate()
}

// actor resolves --as (or ESCROWLINE_AS) to a registered agent.
func actor(ctx context.Context, e engine.Engine) (engine.Actor, error) {
	id := strings.TrimSpace(viper.GetString("as"))
	if id == "" {
		return engine.Actor{}, errors.New("--as <agent id> is required")
	}
	if _, err := e.GetAgent(ctx, id); err != nil {
		return engine.Actor{}, err
	}
	return engine.Actor{ID: id, ClientIP: "cli"}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOr(v any, human func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	human()
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// exitCode maps engine failures onto distinct exit statuses so scripts can
// branch on them.
func exitCode(err error) int {
	switch engine.ReasonOf(err) {
	case engine.ReasonValidation:
		return 2
	case engine.ReasonForbidden, engine.ReasonTokenInvalid, engine.ReasonTokenExpired:
		return 3
	case engine.ReasonNotFound:
		return 4
	case engine.ReasonStateConflict, engine.ReasonDeadlinePassed, engine.ReasonAlreadyRefunded:
		return 5
	case engine.ReasonPolicyRejected, engine.ReasonIntegrityFailed, engine.ReasonRejectionLimit:
		return 6
	case engine.ReasonPaymentSetup, engine.ReasonSettlementFailed:
		return 7
	}
	return 1
}
