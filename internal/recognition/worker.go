package recognition

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/sankurisyam/face-reco-student/internal/logger"
	"github.com/sankurisyam/face-reco-student/internal/state"
	"github.com/sankurisyam/face-reco-student/internal/types"
	"golang.org/x/image/draw"
)

// Config holds the recognition cut points.
type Config struct {
	// Tolerance is the embedding distance a nearest-neighbour match must stay under.
	Tolerance float64 `validate:"gt=0"`
	// ClassifierConfidence is the minimum model confidence for a classifier label.
	ClassifierConfidence float64 `validate:"gte=0,lte=1"`
	// Downscale is the factor applied before face detection; 1 disables it.
	Downscale   float64 `validate:"gt=0,lte=1"`
	JPEGQuality int     `validate:"gte=1,lte=100"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{Tolerance: 0.6, ClassifierConfidence: 0.65, Downscale: 0.5, JPEGQuality: 85}
}

// Engine detects and embeds faces.
type Engine interface {
	Faces(ctx context.Context, img []byte) ([]types.Box, error)
	Encode(ctx context.Context, img []byte, boxes []types.Box) ([][]float64, error)
}

// MarkedSource reports which roll numbers of a branch are already Present
// for the session's date and period in the persisted ledger.
type MarkedSource func(ctx context.Context, branch string) (map[string]bool, error)

// Worker runs at most one recognition job at a time, gated by the session's
// busy flag. It never writes the ledger.
type Worker struct {
	cfg     Config
	engine  Engine
	matcher Matcher
	state   *state.SessionState
	marked  *markedCache
	now     func() time.Time

	wg  sync.WaitGroup
	log *logger.Logger
}

// NewWorker wires a worker to the session state. marked may be nil.
func NewWorker(cfg Config, eng Engine, m Matcher, st *state.SessionState, marked MarkedSource) *Worker {
	return &Worker{
		cfg:     cfg,
		engine:  eng,
		matcher: m,
		state:   st,
		marked:  &markedCache{src: marked, byBranch: map[string]map[string]bool{}},
		now:     time.Now,
		log:     logger.Named("recognition"),
	}
}

// Trigger starts a job for frame unless one is already running. It never
// blocks and reports whether a job was started.
func (w *Worker) Trigger(ctx context.Context, frame *types.Frame) bool {
	if frame == nil || !w.state.TryAcquire() {
		return false
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.state.Release()
		defer func() {
			if r := recover(); r != nil {
				w.log.Error().Interface("panic", r).Uint64("frame", frame.Seq).Msg("recognition job panicked")
			}
		}()
		if err := w.Process(ctx, frame); err != nil {
			w.log.Warn().Err(err).Uint64("frame", frame.Seq).Msg("recognition job failed")
		}
	}()
	return true
}

// Wait blocks until the in-flight job, if any, has finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Process runs one job synchronously and publishes its result. It does not
// touch the busy flag.
func (w *Worker) Process(ctx context.Context, frame *types.Frame) error {
	img := frame.Image
	if img == nil {
		decoded, err := jpeg.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			return fmt.Errorf("decode frame %d: %w", frame.Seq, err)
		}
		img = decoded
	}

	small, f, err := w.downscale(img, frame.Data)
	if err != nil {
		return err
	}
	found, err := w.engine.Faces(ctx, small)
	if err != nil {
		return fmt.Errorf("detect faces: %w", err)
	}
	if len(found) == 0 {
		w.state.Publish(nil, nil)
		return nil
	}

	bounds := img.Bounds()
	boxes := make([]types.Box, len(found))
	for i, b := range found {
		boxes[i] = clamp(b.Scale(1/f), bounds)
	}
	embeddings, err := w.engine.Encode(ctx, frame.Data, boxes)
	if err != nil {
		return fmt.Errorf("encode faces: %w", err)
	}

	at := w.now()
	var (
		students []types.Student
		overlays []types.Overlay
	)
	for i, emb := range embeddings {
		if i >= len(boxes) {
			break
		}
		m, ok, err := w.matcher.Match(ctx, emb)
		if err != nil {
			w.log.Debug().Err(err).Msg("every matcher failed")
		}
		if !ok {
			overlays = append(overlays, types.Overlay{Box: boxes[i], Label: unknownLabel(m), Kind: types.MatchUnknown, At: at})
			continue
		}

		s := m.Student
		ov := types.Overlay{Box: boxes[i], Label: s.Label(), Kind: types.MatchNew, At: at}
		if w.marked.isMarked(ctx, s) {
			ov.Label += " | ALREADY TAKEN"
			ov.Kind = types.MatchAlready
		}
		students = append(students, s)
		overlays = append(overlays, ov)
		w.log.Debug().Str("roll_no", s.RollNo).Str("strategy", m.Strategy).Float64("score", m.Score).Msg("face matched")
	}

	for _, s := range w.state.Publish(students, overlays) {
		w.log.Info().Str("roll_no", s.RollNo).Str("branch", s.Branch).Msg("student recognized")
	}
	return nil
}

// downscale returns the JPEG to run detection on and the factor applied.
func (w *Worker) downscale(img image.Image, original []byte) ([]byte, float64, error) {
	f := w.cfg.Downscale
	b := img.Bounds()
	if f <= 0 || f >= 1 || b.Dx() < 2 || b.Dy() < 2 {
		return original, 1, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, max(1, int(float64(b.Dx())*f)), max(1, int(float64(b.Dy())*f))))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	// Use the achieved ratio so boxes map back exactly.
	f = float64(dst.Bounds().Dx()) / float64(b.Dx())

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: w.cfg.JPEGQuality}); err != nil {
		return nil, 0, fmt.Errorf("encode downscaled frame: %w", err)
	}
	return buf.Bytes(), f, nil
}

func clamp(b types.Box, r image.Rectangle) types.Box {
	c := b.Rect().Intersect(r)
	return types.Box{Left: c.Min.X, Top: c.Min.Y, Right: c.Max.X, Bottom: c.Max.Y}
}

func unknownLabel(m Match) string {
	if m.Strategy == "distance" && m.Score < 1e9 {
		return fmt.Sprintf("Unknown (dist: %.2f)", m.Score)
	}
	return "Unknown"
}

// markedCache reads the ledger at most once per branch per session.
type markedCache struct {
	mu       sync.Mutex
	src      MarkedSource
	byBranch map[string]map[string]bool
}

func (c *markedCache) isMarked(ctx context.Context, s types.Student) bool {
	if c.src == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.byBranch[s.Branch]
	if !ok {
		var err error
		set, err = c.src(ctx, s.Branch)
		if err != nil {
			// Not cached; the next job retries the read.
			logger.Named("recognition").Warn().Err(err).Str("branch", s.Branch).Msg("could not read ledger")
			return false
		}
		c.byBranch[s.Branch] = set
	}
	return set[s.RollNo]
}
