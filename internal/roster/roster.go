// Package roster builds the in-memory table of enrolled students and their
// face embeddings for one session.
package roster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/sankurisyam/face-reco-student/internal/cache"
	"github.com/sankurisyam/face-reco-student/internal/logger"
	"github.com/sankurisyam/face-reco-student/internal/types"
	"github.com/schollz/progressbar/v3"
)

// ErrNoEncodings means no enrollment image produced a usable embedding.
var ErrNoEncodings = errors.New("no valid face encodings found")

// Encoder computes face embeddings. With no boxes it locates faces itself.
type Encoder interface {
	Encode(ctx context.Context, img []byte, boxes []types.Box) ([][]float64, error)
}

// EmbeddingCache is the persistence the loader consults before encoding.
type EmbeddingCache interface {
	Get(s types.Student, imagePath string) ([]float64, error)
	Put(s types.Student, imagePath string, embedding []float64) error
}

// Config controls where enrollment images live and how they are loaded.
type Config struct {
	ImagesRoot string `validate:"required"`
	// Branches restricts the session to these branches. Empty means all.
	Branches          []string
	DuplicateDistance float64 `validate:"gte=0,lt=1"`
	// ProgressEvery is how many encodings pass between progress log lines.
	ProgressEvery int `validate:"gt=0"`
}

// DefaultConfig mirrors the enrollment layout on disk.
func DefaultConfig() Config {
	return Config{ImagesRoot: "Images_Attendance", DuplicateDistance: 0.35, ProgressEvery: 50}
}

// Entry is one enrolled student with their embedding.
type Entry struct {
	Student   types.Student
	Embedding []float64
}

// Roster is read-only once built and safe to share between goroutines.
type Roster struct {
	Entries []Entry
	byKey   map[string]int
}

// New builds a roster from entries, indexing them by student key.
func New(entries []Entry) *Roster {
	r := &Roster{Entries: entries, byKey: make(map[string]int, len(entries))}
	for i, e := range entries {
		r.byKey[e.Student.Key()] = i
	}
	return r
}

// Len returns the number of enrolled entries.
func (r *Roster) Len() int { return len(r.Entries) }

// Lookup finds a student by key ("roll_name_branch") or by bare roll number.
func (r *Roster) Lookup(label string) (types.Student, bool) {
	if i, ok := r.byKey[label]; ok {
		return r.Entries[i].Student, true
	}
	for _, e := range r.Entries {
		if e.Student.RollNo == label {
			return e.Student, true
		}
	}
	return types.Student{}, false
}

// Students returns every enrolled student in roster order.
func (r *Roster) Students() []types.Student {
	out := make([]types.Student, len(r.Entries))
	for i, e := range r.Entries {
		out[i] = e.Student
	}
	return out
}

// Branches returns the distinct branches present, sorted.
func (r *Roster) Branches() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range r.Entries {
		if !seen[e.Student.Branch] {
			seen[e.Student.Branch] = true
			out = append(out, e.Student.Branch)
		}
	}
	slices.Sort(out)
	return out
}

// ByBranch returns the students of one branch in roster order.
func (r *Roster) ByBranch(branch string) []types.Student {
	var out []types.Student
	for _, e := range r.Entries {
		if e.Student.Branch == branch {
			out = append(out, e.Student)
		}
	}
	return out
}

// Distance is the euclidean distance between two embeddings.
func Distance(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Rejection records an image skipped during the scan.
type Rejection struct {
	Path string
	Err  error
}

// Scan walks root and returns every valid enrollment image in path order.
// Only branches listed in only are kept; an empty list keeps all.
func Scan(root string, rules Rules, only []string) ([]types.Student, []Rejection, error) {
	var (
		students []types.Student
		rejected []Rejection
	)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !rules.IsImage(path) {
			return nil
		}
		s, perr := rules.ParseFilename(path)
		if perr != nil {
			rejected = append(rejected, Rejection{Path: path, Err: perr})
			return nil
		}
		if len(only) > 0 && !slices.Contains(only, s.Branch) {
			return nil
		}
		students = append(students, s)
		return nil
	})
	if err != nil {
		return nil, rejected, fmt.Errorf("scan %s: %w", root, err)
	}
	return students, rejected, nil
}

// Loader turns scanned students into a roster using the cache.
type Loader struct {
	Cache   EmbeddingCache
	Encoder Encoder
	Config  Config
	// Progress receives the encoding progress bar. Nil disables it.
	Progress io.Writer
}

// LoadStats describes how a roster was built.
type LoadStats struct {
	Scanned    int
	Cached     int
	Encoded    int
	NoFace     int
	Failed     int
	Duplicates int
}

// Load returns a roster for the given students. Cache hits are used as-is;
// misses are encoded one image per engine call and written back. Near-duplicate embeddings
// are collapsed, keeping the first in input order.
func (l *Loader) Load(ctx context.Context, students []types.Student) (*Roster, LoadStats, error) {
	log := logger.Named("roster")
	stats := LoadStats{Scanned: len(students)}

	embeddings := make([][]float64, len(students))
	var missing []int
	for i, s := range students {
		emb, err := l.Cache.Get(s, s.ImagePath)
		if err == nil {
			embeddings[i] = emb
			stats.Cached++
			continue
		}
		if !errors.Is(err, cache.ErrMiss) {
			log.Warn().Err(err).Str("student", s.Key()).Msg("cache lookup failed")
		}
		missing = append(missing, i)
	}
	log.Info().Int("cached", stats.Cached).Int("missing", len(missing)).Msg("cache scan complete")

	if len(missing) > 0 {
		if err := l.encodeMissing(ctx, students, missing, embeddings, &stats); err != nil {
			return nil, stats, err
		}
	}

	var entries []Entry
	seenRoll := map[string]bool{}
	for i, s := range students {
		emb := embeddings[i]
		if emb == nil {
			continue
		}
		if seenRoll[s.RollNo] {
			log.Warn().Str("roll", s.RollNo).Str("image", s.ImagePath).Msg("roll number enrolled twice, keeping first image")
			stats.Duplicates++
			continue
		}
		if j := nearDuplicate(entries, emb, l.Config.DuplicateDistance); j >= 0 {
			log.Warn().Str("student", s.Key()).Str("kept", entries[j].Student.Key()).
				Msg("near-duplicate enrollment collapsed")
			stats.Duplicates++
			continue
		}
		seenRoll[s.RollNo] = true
		entries = append(entries, Entry{Student: s, Embedding: emb})
	}

	if len(entries) == 0 {
		return nil, stats, ErrNoEncodings
	}
	return New(entries), stats, nil
}

func (l *Loader) encodeMissing(ctx context.Context, students []types.Student, missing []int, out [][]float64, stats *LoadStats) error {
	log := logger.Named("roster")

	var bar *progressbar.ProgressBar
	if l.Progress != nil {
		bar = progressbar.NewOptions(len(missing),
			progressbar.OptionSetDescription("📦 Encoding faces"),
			progressbar.OptionSetWriter(l.Progress),
			progressbar.OptionShowCount(),
		)
		defer bar.Finish()
	}

	every := l.Config.ProgressEvery
	if every <= 0 {
		every = len(missing)
	}

	for start := 0; start < len(missing); start += every {
		end := min(start+every, len(missing))
		for _, i := range missing[start:end] {
			if err := ctx.Err(); err != nil {
				return err
			}
			s := students[i]
			emb, err := l.encodeOne(ctx, s)
			if bar != nil {
				bar.Add(1)
			}
			switch {
			case err != nil:
				stats.Failed++
				log.Warn().Err(err).Str("student", s.Key()).Msg("encoding failed")
				continue
			case emb == nil:
				stats.NoFace++
				log.Warn().Str("image", s.ImagePath).Msg("no face found in enrollment image")
				continue
			}
			out[i] = emb
			stats.Encoded++
			if err := l.Cache.Put(s, s.ImagePath, emb); err != nil {
				log.Warn().Err(err).Str("student", s.Key()).Msg("cache write failed")
			}
		}
		log.Debug().Int("done", end).Int("total", len(missing)).Msg("encoding progress")
	}
	return nil
}

func (l *Loader) encodeOne(ctx context.Context, s types.Student) ([]float64, error) {
	img, err := os.ReadFile(s.ImagePath)
	if err != nil {
		return nil, err
	}
	embs, err := l.Encoder.Encode(ctx, img, nil)
	if err != nil {
		return nil, err
	}
	if len(embs) == 0 {
		return nil, nil
	}
	return embs[0], nil
}

func nearDuplicate(entries []Entry, emb []float64, threshold float64) int {
	if threshold <= 0 {
		return -1
	}
	for j, e := range entries {
		if Distance(e.Embedding, emb) < threshold {
			return j
		}
	}
	return -1
}
