package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sankurisyam/face-reco-student/internal/camera"
	"github.com/sankurisyam/face-reco-student/internal/gate"
	"github.com/sankurisyam/face-reco-student/internal/ledger"
	"github.com/sankurisyam/face-reco-student/internal/liveness"
	"github.com/sankurisyam/face-reco-student/internal/recognition"
	"github.com/sankurisyam/face-reco-student/internal/roster"
	"github.com/sankurisyam/face-reco-student/internal/spoof"
)

// Options is the full configuration of the CLI.
type Options struct {
	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogFormat string `validate:"oneof=console json"`

	Python       string `validate:"required"`
	EngineScript string `validate:"required"`
	// Classifiers enables the engine's knn/svm models ahead of distance matching.
	Classifiers bool

	CacheDir  string `validate:"required"`
	LedgerDir string `validate:"required_if=Backend csv"`
	Backend   string `validate:"oneof=csv postgres"`
	DBURL     string `validate:"required_if=Backend postgres"`

	RedisAddr     string `validate:"omitempty,hostname_port"`
	RedisPassword string
	Queue         string `validate:"required_with=RedisAddr"`

	Period        int    `validate:"gte=1,ltefield=Periods"`
	Periods       int    `validate:"gte=1,lte=12"`
	Date          string
	Duration      time.Duration
	Decimation    int     `validate:"gte=1"`
	LowAttendance float64 `validate:"gte=0,lte=100"`
	StatusAddr    string  `validate:"omitempty,hostname_port"`
	DebugFrames   string
	// Windows restricts when each period may run, "1=09:00-10:00,...".
	Windows string
	// PeriodTimes drives the scheduler, "1=10:00,2=11:00,...".
	PeriodTimes string

	Camera      camera.Config
	Roster      roster.Config
	Rules       roster.Rules
	Liveness    liveness.Config
	Spoof       spoof.Config
	Recognition recognition.Config
}

// Defaults returns the tuned defaults of every component.
func Defaults() Options {
	return Options{
		LogLevel:      "info",
		LogFormat:     "console",
		Python:        "python3",
		EngineScript:  "python/engine.py",
		CacheDir:      "encodings_cache",
		LedgerDir:     "Attendance",
		Backend:       "csv",
		Queue:         "default",
		Period:        1,
		Periods:       ledger.DefaultPeriods,
		Decimation:    3,
		LowAttendance: 75,
		Camera:        camera.DefaultConfig(),
		Roster:        roster.DefaultConfig(),
		Rules:         roster.DefaultRules(),
		Liveness:      liveness.DefaultConfig(),
		Spoof:         spoof.DefaultConfig(),
		Recognition:   recognition.DefaultConfig(),
	}
}

// binding ties an environment key to the flag that overrides it.
type binding struct {
	env, flag string
	apply     func(c Conf, o *Options)
}

var bindings = []binding{
	{"LOG_LEVEL", "log-level", func(c Conf, o *Options) { o.LogLevel = c.MayString("LOG_LEVEL", o.LogLevel) }},
	{"LOG_FORMAT", "log-format", func(c Conf, o *Options) { o.LogFormat = c.MayString("LOG_FORMAT", o.LogFormat) }},
	{"PYTHON", "python", func(c Conf, o *Options) { o.Python = c.MayString("PYTHON", o.Python) }},
	{"ENGINE_SCRIPT", "engine", func(c Conf, o *Options) { o.EngineScript = c.MayString("ENGINE_SCRIPT", o.EngineScript) }},
	{"CLASSIFIERS", "classifiers", func(c Conf, o *Options) { o.Classifiers = c.MayBool("CLASSIFIERS", o.Classifiers) }},
	{"CACHE_DIR", "cache-dir", func(c Conf, o *Options) { o.CacheDir = c.MayString("CACHE_DIR", o.CacheDir) }},
	{"LEDGER_DIR", "ledger-dir", func(c Conf, o *Options) { o.LedgerDir = c.MayString("LEDGER_DIR", o.LedgerDir) }},
	{"BACKEND", "backend", func(c Conf, o *Options) { o.Backend = c.MayString("BACKEND", o.Backend) }},
	{"DB_URL", "db", func(c Conf, o *Options) { o.DBURL = c.MayString("DB_URL", o.DBURL) }},
	{"REDIS_ADDR", "redis", func(c Conf, o *Options) { o.RedisAddr = c.MayString("REDIS_ADDR", o.RedisAddr) }},
	{"REDIS_PASSWORD", "", func(c Conf, o *Options) { o.RedisPassword = c.MayString("REDIS_PASSWORD", o.RedisPassword) }},
	{"QUEUE", "queue", func(c Conf, o *Options) { o.Queue = c.MayString("QUEUE", o.Queue) }},
	{"PERIODS", "periods", func(c Conf, o *Options) { o.Periods = c.MayInt("PERIODS", o.Periods) }},
	{"DECIMATION", "process-every", func(c Conf, o *Options) { o.Decimation = c.MayInt("DECIMATION", o.Decimation) }},
	{"LOW_ATTENDANCE", "low-attendance", func(c Conf, o *Options) {
		o.LowAttendance = c.MayFloat64("LOW_ATTENDANCE", o.LowAttendance)
	}},
	{"STATUS_ADDR", "status-addr", func(c Conf, o *Options) { o.StatusAddr = c.MayString("STATUS_ADDR", o.StatusAddr) }},
	{"WINDOWS", "windows", func(c Conf, o *Options) { o.Windows = c.MayString("WINDOWS", o.Windows) }},
	{"PERIOD_TIMES", "period-times", func(c Conf, o *Options) { o.PeriodTimes = c.MayString("PERIOD_TIMES", o.PeriodTimes) }},
	{"SOURCE", "source", func(c Conf, o *Options) { o.Camera.Source = c.MayString("SOURCE", o.Camera.Source) }},
	{"IMAGES", "images", func(c Conf, o *Options) { o.Roster.ImagesRoot = c.MayString("IMAGES", o.Roster.ImagesRoot) }},
	{"BRANCHES", "branches", func(c Conf, o *Options) { o.Roster.Branches = c.MayList("BRANCHES", o.Roster.Branches) }},
	{"ROLL_PREFIXES", "roll-prefixes", func(c Conf, o *Options) { o.Rules.Prefixes = c.MayList("ROLL_PREFIXES", o.Rules.Prefixes) }},
	{"TOLERANCE", "tolerance", func(c Conf, o *Options) {
		o.Recognition.Tolerance = c.MayFloat64("TOLERANCE", o.Recognition.Tolerance)
	}},
	{"CLASSIFIER_CONFIDENCE", "classifier-confidence", func(c Conf, o *Options) {
		o.Recognition.ClassifierConfidence = c.MayFloat64("CLASSIFIER_CONFIDENCE", o.Recognition.ClassifierConfidence)
	}},
	{"EAR_THRESHOLD", "ear-threshold", func(c Conf, o *Options) {
		o.Liveness.EARThreshold = c.MayFloat64("EAR_THRESHOLD", o.Liveness.EARThreshold)
	}},
	{"BLINK_TIMEOUT", "blink-timeout", func(c Conf, o *Options) {
		o.Liveness.BlinkTimeout = c.MayDuration("BLINK_TIMEOUT", o.Liveness.BlinkTimeout)
	}},
	{"PHONE_CONFIDENCE", "phone-confidence", func(c Conf, o *Options) {
		o.Spoof.PhoneConfidence = c.MayFloat64("PHONE_CONFIDENCE", o.Spoof.PhoneConfidence)
	}},
}

// ApplyEnv overlays ROLLCALL_* variables onto o, skipping any setting whose
// flag was given explicitly. changed may be nil.
func (o *Options) ApplyEnv(c Conf, changed func(flag string) bool) {
	for _, b := range bindings {
		if b.flag != "" && changed != nil && changed(b.flag) {
			continue
		}
		if c.Has(b.env) {
			b.apply(c, o)
		}
	}
}

// Validate checks struct tags and the free-form settings.
func (o Options) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(o); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := o.SessionDate(time.Now()); err != nil {
		return err
	}
	if _, err := gate.ParseWindows(o.Windows); err != nil {
		return fmt.Errorf("invalid --windows: %w", err)
	}
	if _, err := gate.ParsePeriodTimes(o.PeriodTimes); err != nil {
		return fmt.Errorf("invalid --period-times: %w", err)
	}
	for _, b := range o.Roster.Branches {
		if _, ok := o.Rules.BranchCodes[strings.ToUpper(b)]; !ok {
			return fmt.Errorf("unknown branch %q, want one of %s", b, strings.Join(o.Rules.Branches(), ", "))
		}
	}
	return nil
}

// SessionDate returns the --date override, or today.
func (o Options) SessionDate(now time.Time) (time.Time, error) {
	if o.Date == "" {
		return now, nil
	}
	d, err := ledger.ParseDate(o.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q, want dd/mm/yyyy", o.Date)
	}
	return d, nil
}
