package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/sankurisyam/face-reco-student/internal/cache"
	"github.com/sankurisyam/face-reco-student/internal/camera"
	"github.com/sankurisyam/face-reco-student/internal/config"
	"github.com/sankurisyam/face-reco-student/internal/engine"
	"github.com/sankurisyam/face-reco-student/internal/gate"
	"github.com/sankurisyam/face-reco-student/internal/ledger"
	"github.com/sankurisyam/face-reco-student/internal/logger"
	"github.com/sankurisyam/face-reco-student/internal/notify"
	"github.com/sankurisyam/face-reco-student/internal/recognition"
	"github.com/sankurisyam/face-reco-student/internal/roster"
	"github.com/sankurisyam/face-reco-student/internal/session"
	"github.com/sankurisyam/face-reco-student/internal/spoof"
	"github.com/sankurisyam/face-reco-student/internal/state"
	"github.com/sankurisyam/face-reco-student/internal/types"
	"github.com/sankurisyam/face-reco-student/internal/utils"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run one live attendance session for a period",
	Long: "Opens the camera, waits for a blink, recognizes enrolled students and records the period on exit.\n" +
		"Press Enter to finish and save, or type q and Enter to quit without saving.",
	Annotations: map[string]string{needsLedger: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		quit, finish := readControls(os.Stdin)
		return runSession(cmd.Context(), opts, quit, finish)
	},
}

func init() {
	sessionCmd.Flags().IntVarP(&opts.Period, "period", "p", opts.Period, "Period number to mark")
	sessionCmd.Flags().StringVar(&opts.Date, "date", opts.Date, "Session date as dd/mm/yyyy (default: today)")
	sessionCmd.Flags().DurationVar(&opts.Duration, "duration", opts.Duration, "Finish and save after this long (default: run until Enter)")
	addSessionFlags(sessionCmd)
	rootCmd.AddCommand(sessionCmd)
}

// addSessionFlags registers the capture and detection flags shared by session and schedule.
func addSessionFlags(c *cobra.Command) {
	f := c.Flags()
	f.StringVarP(&opts.Camera.Source, "source", "s", opts.Camera.Source, "Camera index, device path or stream URL")
	f.IntVar(&opts.Decimation, "process-every", opts.Decimation, "Run liveness on every Nth frame")
	f.BoolVar(&opts.Classifiers, "classifiers", opts.Classifiers, "Try the engine's knn/svm models before distance matching")
	f.Float64VarP(&opts.Recognition.Tolerance, "tolerance", "t", opts.Recognition.Tolerance, "Face distance tolerance (lower is stricter)")
	f.Float64Var(&opts.Recognition.ClassifierConfidence, "classifier-confidence", opts.Recognition.ClassifierConfidence, "Minimum classifier confidence")
	f.Float64Var(&opts.Liveness.EARThreshold, "ear-threshold", opts.Liveness.EARThreshold, "Eye aspect ratio under which eyes count as closed")
	f.DurationVar(&opts.Liveness.BlinkTimeout, "blink-timeout", opts.Liveness.BlinkTimeout, "Time allowed for a blink before a warning")
	f.Float64Var(&opts.Spoof.PhoneConfidence, "phone-confidence", opts.Spoof.PhoneConfidence, "Minimum phone detection confidence")
	f.Float64Var(&opts.LowAttendance, "low-attendance", opts.LowAttendance, "Daily percentage under which a low attendance notice is sent")
	f.StringVar(&opts.Windows, "windows", opts.Windows, `Allowed time per period, e.g. "1=09:00-10:00,2=10:00-11:00"`)
	f.StringVar(&opts.StatusAddr, "status-addr", opts.StatusAddr, "Serve GET /status on this address, e.g. 127.0.0.1:8090")
	f.StringVarP(&opts.DebugFrames, "debug-frames", "d", opts.DebugFrames, "Write annotated frames to this directory")
	f.StringVar(&opts.RedisAddr, "redis", opts.RedisAddr, "Redis address for queued notifications (disabled when empty)")
	f.StringVar(&opts.Queue, "queue", opts.Queue, "Queue name for notification tasks")
}

// readControls turns stdin lines into session controls: an empty line
// finishes and saves, "q" quits without saving.
func readControls(r io.Reader) (quit, finish <-chan struct{}) {
	q, f := make(chan struct{}), make(chan struct{})
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			switch strings.ToLower(strings.TrimSpace(sc.Text())) {
			case "":
				close(f)
				return
			case "q", "quit":
				close(q)
				return
			}
		}
	}()
	return q, f
}

// runner owns the collaborators that outlive a single session: two engine
// processes, the encoding cache, the notifiers and the gate.
type runner struct {
	opts       config.Options
	detector   *engine.Client
	recognizer *engine.Client
	cache      *cache.Cache
	ledger     ledger.Ledger
	notifier   notify.Notifier
	gate       gate.Gate
	models     []string
	queue      *notify.Queue
	log        *logger.Logger
}

func newRunner(ctx context.Context, o config.Options, l ledger.Ledger) (*runner, error) {
	r := &runner{opts: o, ledger: l, log: logger.Named("cmd")}

	windows, err := gate.ParseWindows(o.Windows)
	if err != nil {
		return nil, err
	}
	r.gate = gate.TimeWindows{Windows: windows}

	if r.cache, err = cache.Open(o.CacheDir); err != nil {
		return nil, fmt.Errorf("failed to open encoding cache: %w", err)
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engines...")
	if r.detector, err = engine.Start(ctx, "detector", o.Python, o.EngineScript); err != nil {
		return nil, err
	}
	if r.recognizer, err = engine.Start(ctx, "recognizer", o.Python, o.EngineScript); err != nil {
		r.Close()
		return nil, err
	}

	if o.Classifiers {
		loaded, err := r.recognizer.Models(ctx)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to list classifier models: %w", err)
		}
		r.models = pickModels(loaded)
		if len(r.models) == 0 {
			fmt.Fprintln(os.Stderr, "⚠️  No classifier models loaded; using distance matching only")
		}
	}

	multi := notify.Multi{notify.NewLog()}
	if o.RedisAddr != "" {
		qc := notify.DefaultQueueConfig()
		qc.RedisAddr, qc.RedisPassword, qc.Queue = o.RedisAddr, o.RedisPassword, o.Queue
		r.queue = notify.NewQueue(qc)
		multi = append(multi, r.queue)
	}
	r.notifier = multi
	return r, nil
}

// pickModels keeps the supported classifier models in priority order.
func pickModels(loaded []string) []string {
	var out []string
	for _, m := range []string{"knn", "svm"} {
		if slices.Contains(loaded, m) {
			out = append(out, m)
		}
	}
	return out
}

func (r *runner) Close() {
	for _, c := range []*engine.Client{r.detector, r.recognizer} {
		if c != nil {
			_ = c.Close()
		}
	}
	if r.queue != nil {
		_ = r.queue.Close()
	}
}

// loadRoster scans the enrollment folder and encodes cache misses.
func (r *runner) loadRoster(ctx context.Context) (*roster.Roster, error) {
	students, rejected, err := roster.Scan(r.opts.Roster.ImagesRoot, r.opts.Rules, r.opts.Roster.Branches)
	if err != nil {
		return nil, err
	}
	for _, rej := range rejected {
		r.log.Warn().Str("path", rej.Path).Err(rej.Err).Msg("skipping enrollment image")
	}

	loader := roster.Loader{Cache: r.cache, Encoder: r.recognizer, Config: r.opts.Roster, Progress: os.Stderr}
	ro, stats, err := loader.Load(ctx, students)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "📦 Loaded %d students (%d cached, %d encoded, %d without a face)\n",
		ro.Len(), stats.Cached, stats.Encoded, stats.NoFace)
	return ro, nil
}

// newSession wires one session for period on date.
func (r *runner) newSession(period int, date time.Time, duration time.Duration, quit, finish <-chan struct{}) *session.Session {
	cfg := session.Config{
		Period:        period,
		Date:          date,
		Decimation:    r.opts.Decimation,
		Duration:      duration,
		LowAttendance: r.opts.LowAttendance,
		DebugFrames:   r.opts.DebugFrames,
		Liveness:      r.opts.Liveness,
	}

	marked := func(ctx context.Context, branch string) (map[string]bool, error) {
		return ledger.PresentFor(ctx, r.ledger, branch, date, period)
	}

	return session.New(cfg, session.Deps{
		Gate:       r.gate,
		LoadRoster: r.loadRoster,
		NewWorker: func(ro *roster.Roster, st *state.SessionState) session.Recognizer {
			chain := recognition.NewChain(ro, r.recognizer, r.models, r.opts.Recognition)
			return recognition.NewWorker(r.opts.Recognition, r.recognizer, chain, st, marked)
		},
		OpenCamera: func(ctx context.Context) (camera.Source, error) {
			cam, err := camera.Open(ctx, r.opts.Camera)
			if err != nil {
				return nil, err
			}
			return cam, nil
		},
		Landmarks: r.detector,
		Spoof:     spoof.New(r.opts.Spoof, r.detector, r.detector, r.detector),
		Ledger:    r.ledger,
		Notifier:  r.notifier,
		Quit:      quit,
		Finish:    finish,
	})
}

// run executes one session, serving its status while it runs, and reports the result.
func (r *runner) run(ctx context.Context, s *session.Session) session.Result {
	if r.opts.StatusAddr != "" {
		srvCtx, stop := context.WithCancel(ctx)
		defer stop()
		srv := session.NewStatusServer(r.opts.StatusAddr, s)
		go func() {
			if err := srv.Run(srvCtx); err != nil {
				r.log.Error().Err(err).Msg("status endpoint failed")
			}
		}()
	}

	res := s.Run(ctx)
	report(res, r.recognizer)
	return res
}

// report prints the session's terminal message and any persistence failures.
func report(res session.Result, eng *engine.Client) {
	if res.Outcome == types.OutcomeInitializationFailed {
		var cmd *utils.SafeCommand
		if eng != nil {
			cmd = eng.Cmd
		}
		utils.ShowError("Session could not start", res.Reason, cmd)
		return
	}

	fmt.Fprintf(os.Stderr, "\n%s\n", res.Message())
	for _, s := range res.Recognized {
		fmt.Fprintf(os.Stderr, "   👤 %s | %s | %s\n", s.RollNo, s.Name, s.Branch)
	}
	if res.LedgerErr != nil {
		utils.ShowError("Failed to save attendance", res.LedgerErr, nil)
	}
	if res.NotifyErr != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Some notifications failed: %v\n", res.NotifyErr)
	}
}

func runSession(ctx context.Context, o config.Options, quit, finish <-chan struct{}) error {
	date, err := o.SessionDate(time.Now())
	if err != nil {
		return err
	}

	r, err := newRunner(ctx, o, Ledger)
	if err != nil {
		utils.ShowError("Failed to start AI engine", err, nil)
		return err
	}
	defer r.Close()

	fmt.Fprintf(os.Stderr, "📅 Period %d on %s. Blink to be recognized; press Enter to finish, q to quit.\n",
		o.Period, ledger.FormatDate(date))

	res := r.run(ctx, r.newSession(o.Period, date, o.Duration, quit, finish))
	switch {
	case res.Outcome == types.OutcomeInitializationFailed:
		return res.Reason
	case res.LedgerErr != nil:
		return res.LedgerErr
	}
	return nil
}
