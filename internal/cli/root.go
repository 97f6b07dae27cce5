// Package cli implements the admission command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/toolink/admission/config"
	"github.com/toolink/admission/limiter"
)

// globalFlags override values loaded from the environment.
type globalFlags struct {
	redisAddr string
	backend   string
	logLevel  string
	logFormat string
}

// NewRootCmd creates the root admission command.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "admission",
		Short: "Per-identity request admission with token buckets",
		Long: `admission decides whether a caller may make a request, how many requests
remain in its allowance and how long to wait when rejected.

Configuration comes from the environment (and a .env file); flags override it.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.redisAddr, "redis-addr", "", "redis address, comma separated for cluster (REDIS_ADDR)")
	pf.StringVar(&g.backend, "store-backend", "", "bucket and policy backend: memory or redis (STORE_BACKEND)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (LOG_LEVEL)")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: json or console (LOG_FORMAT)")

	root.AddCommand(
		newServeCmd(g),
		newCheckCmd(g),
		newStatusCmd(g),
		newResetCmd(g),
		newPolicyCmd(g),
	)
	return root
}

// load reads the configuration, applies flag overrides and configures logging.
func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if g.redisAddr != "" {
		cfg.Redis.Addr = g.redisAddr
	}
	if g.backend != "" {
		b := strings.ToLower(g.backend)
		if b != config.BackendMemory && b != config.BackendRedis {
			return config.Config{}, fmt.Errorf("invalid --store-backend %q", g.backend)
		}
		cfg.Admission.Backend = b
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if err := setupLogging(cfg.Log, os.Stderr); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig, out io.Writer) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "console":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	case "json", "":
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q, want json or console", cfg.Format)
	}
	return nil
}

// identityFlags are shared by the commands that act on one caller.
type identityFlags struct {
	user string
	ip   string
	role string
}

func (f *identityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "authenticated user id")
	cmd.Flags().StringVar(&f.ip, "ip", "", "client ip, used when no user is given")
	cmd.Flags().StringVar(&f.role, "role", "", "role id of the user")
}

func (f *identityFlags) identity() (limiter.Identity, error) {
	id := limiter.Identity{UserID: f.user, IP: f.ip, RoleID: f.role}
	if id.String() == "" {
		return id, fmt.Errorf("one of --user or --ip is required")
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
