package classifier

import (
	"context"
	"image"
	"sync"
)

// Fixture replays scripted predictions, one entry per Classify call, cycling
// when the script runs out. An empty script always answers with no labels.
type Fixture struct {
	mu     sync.Mutex
	script [][]Prediction
	next   int
	loaded bool

	// LoadErr, when set, is returned by Load.
	LoadErr error
}

func NewFixture(script [][]Prediction) *Fixture {
	return &Fixture{script: script}
}

func (f *Fixture) Load(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LoadErr != nil {
		return f.LoadErr
	}
	f.loaded = true
	return nil
}

func (f *Fixture) Classify(ctx context.Context, _ image.Image) ([]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		return nil, ErrNotLoaded
	}
	if len(f.script) == 0 {
		return []Prediction{}, nil
	}
	entry := f.script[f.next%len(f.script)]
	f.next++
	out := make([]Prediction, len(entry))
	copy(out, entry)
	return out, nil
}

func (f *Fixture) Close() error { return nil }
