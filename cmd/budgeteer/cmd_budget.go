package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/manenim/budgeteer/pkg/budgeteer"
	"github.com/manenim/budgeteer/pkg/httpapi"
)

var (
	checkAt      string
	checkCost    float64
	successStart string
	successCost  float64
	schedCost    float64
)

var checkCmd = &cobra.Command{
	Use:   "check KEY",
	Short: "Ask whether a job for KEY may run now",
	Long: `Check the budget of KEY without changing it. Prints is_duplicate and
delay_seconds as JSON; a positive delay is the time recharge needs to
bring the balance back to zero.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

var successCmd = &cobra.Command{
	Use:   "success KEY",
	Short: "Record a successful run of KEY",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuccess,
}

var scheduledCmd = &cobra.Command{
	Use:   "scheduled KEY",
	Short: "Record that a retry of KEY has been scheduled",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduled,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect KEY",
	Short: "Print the stored state of KEY",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(checkCmd, successCmd, scheduledCmd, inspectCmd)

	checkCmd.Flags().StringVar(&checkAt, "at", "", "Event time, RFC 3339 or epoch millis (default: now)")
	checkCmd.Flags().Float64Var(&checkCost, "cost", 0, "Tokens the job would consume")
	successCmd.Flags().StringVar(&successStart, "start", "", "Job start time, RFC 3339 or epoch millis (default: now)")
	successCmd.Flags().Float64Var(&successCost, "cost", budgeteer.DefaultSuccessCost, "Tokens consumed by the run")
	scheduledCmd.Flags().Float64Var(&schedCost, "cost", budgeteer.DefaultScheduledCost, "Tokens charged for scheduling")
}

// withApp runs fn with a ready Budgeteer and policy, closing the store afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app, p budgeteer.Policy) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.b.Close()

	p, err := a.policy()
	if err != nil {
		return err
	}
	return fn(ctx, a, p)
}

func runCheck(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app, p budgeteer.Policy) error {
		at, err := timeFlag(checkAt)
		if err != nil {
			return err
		}
		dec, err := a.b.CheckEvent(ctx, args[0], p, at, checkCost)
		if err != nil {
			return err
		}
		a.logger.Debug().Str("key", args[0]).Bool("duplicate", dec.IsDuplicate).Dur("delay", dec.Delay).Msg("checked")
		return printJSON(map[string]interface{}{
			"key":           args[0],
			"is_duplicate":  dec.IsDuplicate,
			"delay_seconds": dec.Delay.Seconds(),
		})
	})
}

func runSuccess(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app, p budgeteer.Policy) error {
		start, err := timeFlag(successStart)
		if err != nil {
			return err
		}
		if err := a.b.ReportSuccess(ctx, args[0], p, start, successCost); err != nil {
			return err
		}
		a.logger.Info().Str("key", args[0]).Float64("cost", successCost).Msg("success recorded")
		return nil
	})
}

func runScheduled(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app, p budgeteer.Policy) error {
		if err := a.b.ReportScheduled(ctx, args[0], p, schedCost); err != nil {
			return err
		}
		a.logger.Info().Str("key", args[0]).Float64("cost", schedCost).Msg("retry recorded")
		return nil
	})
}

func runInspect(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app, p budgeteer.Policy) error {
		st, err := a.b.State(ctx, args[0], p)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"key":           args[0],
			"last_success":  st.LastSuccess,
			"is_scheduled":  st.IsScheduled,
			"token_balance": st.TokenBalance,
		})
	})
}

func timeFlag(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now(), nil
	}
	return httpapi.ParseTime(raw)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
