package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/services"
	"github.com/irfndi/celebrum-patterns/internal/telemetry"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

const dateLayout = "2006-01-02"

type setupFunc func(ctx context.Context) (*app, error)

func newRootCmd(setup setupFunc) *cobra.Command {
	var pretty bool
	root := &cobra.Command{
		Use:           "analyzer",
		Short:         "Cycle, regime and pattern analysis of event histories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&pretty, "pretty", false, "indent JSON output")

	root.AddCommand(analyzeCmd(setup, &pretty))
	root.AddCommand(compareCmd(setup, &pretty))
	root.AddCommand(cacheCmd(setup, &pretty))
	return root
}

// withApp wires the dependencies for one command and releases them afterwards.
func withApp(setup setupFunc, run func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		a.logger.LogStartup(telemetry.ServiceName, telemetry.ServiceVersion, cmd.CommandPath())

		reason := "completed"
		defer func() {
			a.logger.LogShutdown(telemetry.ServiceName, reason)
			a.Close()
		}()

		if err := run(cmd, args, a); err != nil {
			reason = "failed"
			return err
		}
		return nil
	}
}

func analyzeCmd(setup setupFunc, pretty *bool) *cobra.Command {
	var fromFlag, toFlag string
	cmd := &cobra.Command{
		Use:   "analyze <subject>",
		Short: "Run every detector on one subject",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(setup, func(cmd *cobra.Command, args []string, a *app) error {
			subjectID := args[0]
			from, to, err := a.resolveRange(cmd.Context(), subjectID, fromFlag, toFlag)
			if err != nil {
				return err
			}

			start := time.Now()
			result, err := a.analyzer.AnalyzeSubject(cmd.Context(), subjectID, from, to)
			if err != nil {
				return err
			}
			a.logger.LogAnalysisCompleted(subjectID, result.RunID, result.Partial, len(result.KeyInsights), time.Since(start).Milliseconds())
			return writeJSON(cmd.OutOrStdout(), result, *pretty)
		}),
	}
	cmd.Flags().StringVar(&fromFlag, "from", "", "first day (YYYY-MM-DD), defaults to the subject's first event")
	cmd.Flags().StringVar(&toFlag, "to", "", "last day (YYYY-MM-DD, inclusive), defaults to the subject's last event")
	return cmd
}

func compareCmd(setup setupFunc, pretty *bool) *cobra.Command {
	var fromFlag, toFlag, analysisType string
	cmd := &cobra.Command{
		Use:   "compare <subject> <subject>...",
		Short: "Compare the cycles or regimes of several subjects",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(setup, func(cmd *cobra.Command, args []string, a *app) error {
			from, err := parseDate("from", fromFlag)
			if err != nil {
				return err
			}
			if from.IsZero() {
				return utils.NewValidationError("--from is required for compare")
			}
			to, err := parseEndDate("to", toFlag)
			if err != nil {
				return err
			}
			if to.IsZero() {
				to = endOfDay(today())
			}

			a.logger.LogResourceStats(telemetry.ServiceName, map[string]interface{}{
				"parallel_limit": a.analyzer.ParallelLimit(),
				"goroutines":     runtime.NumGoroutine(),
				"subjects":       len(args),
			})

			start := time.Now()
			result, err := a.analyzer.CompareSubjects(cmd.Context(), args, from, to, analysisType)
			if err != nil {
				return err
			}
			a.logger.LogComparisonCompleted(analysisType, len(result.Subjects), len(result.Pairs), time.Since(start).Milliseconds())
			return writeJSON(cmd.OutOrStdout(), result, *pretty)
		}),
	}
	cmd.Flags().StringVar(&fromFlag, "from", "", "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toFlag, "to", "", "last day (YYYY-MM-DD, inclusive), defaults to today")
	cmd.Flags().StringVar(&analysisType, "type", models.CompareCycles, "comparison type: cycles or regimes")
	return cmd
}

func cacheCmd(setup setupFunc, pretty *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear cached analyses",
	}

	var subjectID string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cached analyses, optionally for one subject",
		Args:  cobra.NoArgs,
		RunE: withApp(setup, func(cmd *cobra.Command, args []string, a *app) error {
			if a.cache == nil {
				return errCacheDisabled
			}
			var deleted int
			var err error
			if subjectID != "" {
				deleted, err = a.cache.InvalidateSubject(cmd.Context(), subjectID)
			} else {
				deleted, err = a.cache.Clear(cmd.Context())
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int{"deleted": deleted}, *pretty)
		}),
	}
	clearCmd.Flags().StringVar(&subjectID, "subject", "", "only clear this subject")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List subjects with cached analyses",
		Args:  cobra.NoArgs,
		RunE: withApp(setup, func(cmd *cobra.Command, args []string, a *app) error {
			if a.cache == nil {
				return errCacheDisabled
			}
			subjects, err := a.cache.GetCachedSubjects(cmd.Context())
			if err != nil {
				return err
			}
			if subjects == nil {
				subjects = []string{}
			}
			return writeJSON(cmd.OutOrStdout(), map[string][]string{"subjects": subjects}, *pretty)
		}),
	}

	var lookbackDays int
	warmCmd := &cobra.Command{
		Use:   "warm <subject>...",
		Short: "Precompute analyses of the most recent history of each subject",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(setup, func(cmd *cobra.Command, args []string, a *app) error {
			if a.cache == nil {
				return errCacheDisabled
			}
			if a.ranges == nil {
				return errors.New("event ranges are unavailable")
			}
			warmer := services.NewCacheWarmingService(a.analyzer, a.ranges, a.analyzer.ParallelLimit(), a.logger.WithComponent("cache_warming"))
			results, err := warmer.WarmCache(cmd.Context(), args, lookbackDays)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string][]services.WarmResult{"results": results}, *pretty)
		}),
	}
	warmCmd.Flags().IntVar(&lookbackDays, "days", 365, "days of history before the last event, 0 for all")

	cmd.AddCommand(clearCmd, listCmd, warmCmd)
	return cmd
}

var errCacheDisabled = errors.New("analysis cache is disabled or unreachable")

// resolveRange fills a missing --from or --to from the subject's stored event range.
func (a *app) resolveRange(ctx context.Context, subjectID, fromFlag, toFlag string) (time.Time, time.Time, error) {
	from, err := parseDate("from", fromFlag)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseEndDate("to", toFlag)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	if (from.IsZero() || to.IsZero()) && a.ranges != nil {
		r, err := a.ranges.GetEventRange(ctx, subjectID)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if from.IsZero() {
			from = r.First.Truncate(24 * time.Hour)
		}
		if to.IsZero() {
			to = r.Last
		}
	}
	if from.IsZero() {
		return time.Time{}, time.Time{}, utils.NewValidationError("--from is required when the event range is unavailable")
	}
	if to.IsZero() {
		to = endOfDay(today())
	}
	return from, to, nil
}

// parseDate parses a YYYY-MM-DD flag value. An empty value yields the zero time.
func parseDate(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, utils.NewValidationErrorf("invalid --%s %q, expected YYYY-MM-DD", name, value)
	}
	return t, nil
}

// parseEndDate is parseDate for an inclusive upper bound: the whole named day is in range.
func parseEndDate(name, value string) (time.Time, error) {
	t, err := parseDate(name, value)
	if err != nil || t.IsZero() {
		return t, err
	}
	return endOfDay(t), nil
}

// endOfDay returns the last instant of the UTC day starting at midnight t.
func endOfDay(t time.Time) time.Time {
	return t.Add(24*time.Hour - time.Nanosecond)
}

func today() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}

func writeJSON(w io.Writer, v interface{}, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
