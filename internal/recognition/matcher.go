// Package recognition turns a frame into identified students. Identification
// tries a fixed priority list of Matchers; the first confident answer wins.
package recognition

import (
	"context"
	"errors"
	"math"

	"github.com/sankurisyam/face-reco-student/internal/roster"
	"github.com/sankurisyam/face-reco-student/internal/types"
)

// Match is an accepted identity.
type Match struct {
	Student types.Student
	// Score is a classifier confidence or an embedding distance, see Matcher.
	Score    float64
	Strategy string
}

// Matcher maps one embedding to a student. ok is false when the strategy has
// no confident answer; an error means the strategy itself failed and the
// next matcher should be tried.
type Matcher interface {
	Name() string
	Match(ctx context.Context, embedding []float64) (m Match, ok bool, err error)
}

// Classifier is a trained closed-set model served by the engine.
type Classifier interface {
	Classify(ctx context.Context, model string, embedding []float64) (label string, confidence float64, err error)
}

// ClassifierMatcher accepts a model label at or above MinConfidence that
// resolves to an enrolled student.
type ClassifierMatcher struct {
	Model         string
	Client        Classifier
	Roster        *roster.Roster
	MinConfidence float64
}

func (c *ClassifierMatcher) Name() string { return c.Model }

func (c *ClassifierMatcher) Match(ctx context.Context, emb []float64) (Match, bool, error) {
	label, conf, err := c.Client.Classify(ctx, c.Model, emb)
	if err != nil {
		return Match{}, false, err
	}
	if label == "" || conf < c.MinConfidence {
		return Match{}, false, nil
	}
	s, ok := c.Roster.Lookup(label)
	if !ok {
		return Match{}, false, nil
	}
	return Match{Student: s, Score: conf, Strategy: c.Model}, true, nil
}

// DistanceMatcher is nearest neighbour over the roster embeddings.
type DistanceMatcher struct {
	Roster    *roster.Roster
	Tolerance float64
}

func (d *DistanceMatcher) Name() string { return "distance" }

// Match returns the closest entry when its distance is below Tolerance. On a
// miss Score still carries the best distance seen, or +Inf for an empty roster.
func (d *DistanceMatcher) Match(_ context.Context, emb []float64) (Match, bool, error) {
	best, idx := math.Inf(1), -1
	for i, e := range d.Roster.Entries {
		if dist := roster.Distance(e.Embedding, emb); dist < best {
			best, idx = dist, i
		}
	}
	if idx < 0 || best >= d.Tolerance {
		return Match{Score: best, Strategy: d.Name()}, false, nil
	}
	return Match{Student: d.Roster.Entries[idx].Student, Score: best, Strategy: d.Name()}, true, nil
}

// errNoMatchers guards against an empty chain.
var errNoMatchers = errors.New("no matchers configured")

// Chain tries matchers in order. It returns the distance matcher's best
// distance on a total miss so Unknown labels can show it.
type Chain []Matcher

func (c Chain) Name() string { return "chain" }

func (c Chain) Match(ctx context.Context, emb []float64) (Match, bool, error) {
	if len(c) == 0 {
		return Match{}, false, errNoMatchers
	}
	var (
		miss Match
		errs []error
	)
	for _, m := range c {
		got, ok, err := m.Match(ctx, emb)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return got, true, nil
		}
		if got.Strategy != "" {
			miss = got
		}
	}
	if len(errs) == len(c) {
		return miss, false, errors.Join(errs...)
	}
	return miss, false, nil
}

// NewChain builds the priority list: each loaded classifier model first, then
// the distance fallback, which is always present.
func NewChain(r *roster.Roster, client Classifier, models []string, cfg Config) Chain {
	var c Chain
	if client != nil {
		for _, m := range models {
			c = append(c, &ClassifierMatcher{Model: m, Client: client, Roster: r, MinConfidence: cfg.ClassifierConfidence})
		}
	}
	return append(c, &DistanceMatcher{Roster: r, Tolerance: cfg.Tolerance})
}
