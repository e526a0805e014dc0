// Package cache persists face embeddings per enrolled identity so roster
// loading only re-encodes images whose content changed.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/sankurisyam/face-reco-student/internal/logger"
	"github.com/sankurisyam/face-reco-student/internal/types"
	"github.com/sankurisyam/face-reco-student/internal/utils"
	"github.com/vmihailenco/msgpack/v5"
)

// SchemaVersion is written into every entry. Entries with any other version are legacy.
const SchemaVersion = 1

const ext = ".enc"

// ErrMiss means no valid entry exists and the caller must recompute.
var ErrMiss = errors.New("cache miss")

// Entry is the on-disk record for one identity.
type Entry struct {
	SchemaVersion  int       `msgpack:"schema_version"`
	RollNo         string    `msgpack:"rollno"`
	Name           string    `msgpack:"name"`
	Branch         string    `msgpack:"branch"`
	Embedding      []float64 `msgpack:"embedding"`
	SourceFileHash string    `msgpack:"source_hash"`
	CreatedAt      time.Time `msgpack:"created_at"`
}

// Cache is a directory holding one file per identity.
type Cache struct {
	dir string
	log *logger.Logger
}

// Open creates the cache directory if needed.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{dir: dir, log: logger.Named("cache")}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) path(s types.Student) string {
	return filepath.Join(c.dir, s.Key()+ext)
}

// Get returns the stored embedding when the entry's hash matches the current
// content of imagePath. Every failure, I/O included, is reported as ErrMiss.
func (c *Cache) Get(s types.Student, imagePath string) ([]float64, error) {
	hash, err := utils.HashFile(imagePath)
	if err != nil {
		c.log.Warn().Err(err).Str("image", imagePath).Msg("cannot hash image")
		return nil, ErrMiss
	}

	e, err := c.read(c.path(s))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn().Err(err).Str("student", s.Key()).Msg("unreadable cache entry")
		}
		return nil, ErrMiss
	}

	switch {
	case e.SchemaVersion != SchemaVersion:
		c.log.Debug().Str("student", s.Key()).Int("version", e.SchemaVersion).Msg("legacy entry")
		return nil, ErrMiss
	case e.SourceFileHash != hash:
		c.log.Debug().Str("student", s.Key()).Msg("image changed since encode")
		return nil, ErrMiss
	case e.RollNo != s.RollNo || e.Name != s.Name || e.Branch != s.Branch:
		return nil, ErrMiss
	case len(e.Embedding) == 0:
		return nil, ErrMiss
	}
	return e.Embedding, nil
}

// Put stores an embedding for the identity. The file is replaced atomically,
// so readers see either the previous entry or the new one.
func (c *Cache) Put(s types.Student, imagePath string, embedding []float64) error {
	hash, err := utils.HashFile(imagePath)
	if err != nil {
		return fmt.Errorf("hash %s: %w", imagePath, err)
	}

	body, err := msgpack.Marshal(&Entry{
		SchemaVersion:  SchemaVersion,
		RollNo:         s.RollNo,
		Name:           s.Name,
		Branch:         s.Branch,
		Embedding:      embedding,
		SourceFileHash: hash,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	if err := renameio.WriteFile(c.path(s), body, 0644); err != nil {
		return fmt.Errorf("write cache entry %s: %w", s.Key(), err)
	}
	return nil
}

func (c *Cache) read(path string) (*Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &e, nil
}

// Stats summarizes the cache directory.
type Stats struct {
	Entries  int
	Valid    int
	Legacy   int
	Corrupt  int
	Bytes    int64
	Branches map[string]int
}

// Stats walks every entry. It does not check image hashes.
func (c *Cache) Stats() (Stats, error) {
	st := Stats{Branches: map[string]int{}}
	files, err := c.files()
	if err != nil {
		return st, err
	}

	for _, f := range files {
		st.Entries++
		if info, err := os.Stat(f); err == nil {
			st.Bytes += info.Size()
		}
		e, err := c.read(f)
		switch {
		case err != nil:
			st.Corrupt++
		case e.SchemaVersion != SchemaVersion:
			st.Legacy++
		default:
			st.Valid++
			st.Branches[e.Branch]++
		}
	}
	return st, nil
}

// Clear deletes every entry and returns how many were removed.
func (c *Cache) Clear() (int, error) {
	files, err := c.files()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return n, fmt.Errorf("remove %s: %w", filepath.Base(f), err)
		}
		n++
	}
	return n, nil
}

func (c *Cache) files() ([]string, error) {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read cache dir: %w", err)
	}
	var out []string
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ext) {
			continue
		}
		out = append(out, filepath.Join(c.dir, d.Name()))
	}
	return out, nil
}
