package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sankurisyam/face-reco-student/internal/gate"
	"github.com/sankurisyam/face-reco-student/internal/logger"
	"github.com/sankurisyam/face-reco-student/internal/utils"
	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run a headless session at each configured period time",
	Long: "Starts a session for each period at its time of day and finishes it after --duration.\n" +
		"Stop with Ctrl+C; a session interrupted this way is not saved.",
	Annotations: map[string]string{needsLedger: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSchedule(cmd.Context())
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&opts.PeriodTimes, "period-times", opts.PeriodTimes, `Start time per period, e.g. "1=10:00,2=11:00"`)
	scheduleCmd.Flags().DurationVar(&scheduleDuration, "duration", scheduleDuration, "How long each scheduled session runs")
	addSessionFlags(scheduleCmd)
	rootCmd.AddCommand(scheduleCmd)
}

var scheduleDuration = 5 * time.Minute

var errNoPeriodTimes = errors.New("no --period-times configured")

func runSchedule(ctx context.Context) error {
	times, err := gate.ParsePeriodTimes(opts.PeriodTimes)
	if err != nil {
		return err
	}
	if len(times) == 0 {
		return errNoPeriodTimes
	}
	if scheduleDuration <= 0 {
		return fmt.Errorf("--duration must be positive for scheduled sessions, got %s", scheduleDuration)
	}

	for _, pt := range times {
		if pt.Period > opts.Periods {
			return fmt.Errorf("period %d exceeds --periods %d", pt.Period, opts.Periods)
		}
	}

	r, err := newRunner(ctx, opts, Ledger)
	if err != nil {
		utils.ShowError("Failed to start AI engine", err, nil)
		return err
	}
	defer r.Close()

	log := logger.Named("schedule")
	s := &scheduler{runner: r, duration: scheduleDuration, log: log}

	c := cron.New()
	for _, pt := range times {
		if _, err := c.AddFunc(pt.Spec(), s.job(ctx, pt.Period)); err != nil {
			return fmt.Errorf("schedule period %d: %w", pt.Period, err)
		}
		fmt.Fprintf(os.Stderr, "⏰ Period %d at %02d:%02d\n", pt.Period, int(pt.At.Hours()), int(pt.At.Minutes())%60)
	}

	c.Start()
	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "🛑 Stopping scheduler...")
	<-c.Stop().Done()
	return nil
}

// scheduler runs at most one session at a time; the camera is exclusive.
type scheduler struct {
	runner   *runner
	duration time.Duration
	mu       sync.Mutex
	log      *logger.Logger
}

func (s *scheduler) job(ctx context.Context, period int) func() {
	return func() {
		if !s.mu.TryLock() {
			s.log.Warn().Int("period", period).Msg("previous session still running; skipping")
			return
		}
		defer s.mu.Unlock()

		date, err := s.runner.opts.SessionDate(time.Now())
		if err != nil {
			s.log.Error().Err(err).Msg("invalid session date")
			return
		}
		s.log.Info().Int("period", period).Msg("starting scheduled session")
		res := s.runner.run(ctx, s.runner.newSession(period, date, s.duration, nil, nil))
		s.log.Info().Int("period", period).Str("outcome", string(res.Outcome)).Int("present", len(res.Recognized)).
			Msg("scheduled session ended")
	}
}
