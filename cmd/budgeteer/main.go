package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/manenim/budgeteer/pkg/budgeteer"
	"github.com/manenim/budgeteer/pkg/config"
)

var (
	configPath     string
	logLevel       string
	storeKind      string
	policyName     string
	tokensPerDay   float64
	maxBalance     float64
	maxDelayDays   float64
	commandTimeout time.Duration
)

// rootCmd is the base command for the budgeteer CLI
var rootCmd = &cobra.Command{
	Use:   "budgeteer",
	Short: "Per-key token budgets for retried jobs",
	Long: `budgeteer throttles repeated execution of the same logical job.
Each key holds a token balance that recharges at tokens_per_day up to
max_balance. Checks report whether a job may run now, is a duplicate,
or should be retried after a delay.

Examples:
  budgeteer check webhook:42 --policy webhook
  budgeteer scheduled webhook:42 --policy webhook
  budgeteer success webhook:42 --policy webhook --start 1760000000000
  budgeteer serve --config budgeteer.yaml`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to YAML configuration (default: built-in defaults)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error), overrides config")
	pf.StringVar(&storeKind, "store", "", "Store kind (memory|redis|sqlite|postgres), overrides config")
	pf.StringVar(&policyName, "policy", "", "Named policy from the configuration")
	pf.Float64Var(&tokensPerDay, "tokens-per-day", 0, "Recharge rate, overrides the named policy")
	pf.Float64Var(&maxBalance, "max-balance", -1, "Balance cap, overrides the named policy")
	pf.Float64Var(&maxDelayDays, "max-delay-days", 0, "Backoff cap in days, overrides the named policy")
	pf.DurationVar(&commandTimeout, "timeout", 10*time.Second, "Timeout for one-shot commands")
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles what every subcommand needs.
type app struct {
	cfg    *config.Config
	b      *budgeteer.Budgeteer
	logger zerolog.Logger
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if storeKind != "" {
		cfg.Store.Kind = storeKind
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

func newApp(ctx context.Context, opts ...budgeteer.Option) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger.With().Str("store", cfg.Store.Kind).Logger()

	store, err := config.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	b, err := budgeteer.New(store, append([]budgeteer.Option{budgeteer.WithLogger(logger)}, opts...)...)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &app{cfg: cfg, b: b, logger: logger}, nil
}

// policy resolves --policy and applies the numeric overrides.
func (rt *app) policy() (budgeteer.Policy, error) {
	var p budgeteer.Policy
	if policyName != "" {
		named, err := rt.cfg.Policy(policyName)
		if err != nil {
			return budgeteer.Policy{}, err
		}
		p = named
	}
	if tokensPerDay > 0 {
		p.TokensPerDay = tokensPerDay
	}
	if maxBalance >= 0 {
		p.MaxBalance = maxBalance
	}
	if maxDelayDays > 0 {
		p.MaxDelayDays = maxDelayDays
	}
	return p, p.Validate()
}
