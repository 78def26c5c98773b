package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"sort"
	"strings"
)

type failClosed struct {
	inner  Classifier
	name   string
	cap    int
	logger *log.Logger
}

// FailClosed wraps c so that Classify never fails: backend errors and panics
// are logged and reported as an empty result. Results are cleaned, sorted by
// confidence and capped to resultCap labels. Load failures come back as
// *ModelLoadError.
func FailClosed(c Classifier, name string, resultCap int, logger *log.Logger) Classifier {
	if resultCap <= 0 {
		resultCap = DefaultResultCap
	}
	return &failClosed{inner: c, name: name, cap: resultCap, logger: logger}
}

func (f *failClosed) Load(ctx context.Context) error {
	err := f.inner.Load(ctx)
	if err == nil {
		logf(f.logger, "[Classifier] %s backend loaded", f.name)
		return nil
	}
	logf(f.logger, "[Classifier] %s backend failed to load: %v", f.name, err)
	var mle *ModelLoadError
	if errors.As(err, &mle) {
		return err
	}
	return &ModelLoadError{Backend: f.name, Err: err}
}

func (f *failClosed) Classify(ctx context.Context, img image.Image) (preds []Prediction, rerr error) {
	defer func() {
		if rec := recover(); rec != nil {
			logf(f.logger, "[Classifier] panic during classification: %v", rec)
			preds, rerr = []Prediction{}, nil
		}
	}()
	if img == nil {
		logf(f.logger, "[Classifier] classification skipped: %v", fmt.Errorf("nil image"))
		return []Prediction{}, nil
	}
	raw, err := f.inner.Classify(ctx, img)
	if err != nil {
		logf(f.logger, "[Classifier] classification failed: %v", err)
		return []Prediction{}, nil
	}
	return Sanitize(raw, f.cap), nil
}

func (f *failClosed) Close() error {
	return f.inner.Close()
}

// Sanitize drops unlabeled entries, clamps confidences into [0,1], orders by
// descending confidence (stable, so backend order breaks ties) and keeps at
// most limit entries.
func Sanitize(preds []Prediction, limit int) []Prediction {
	out := make([]Prediction, 0, len(preds))
	for _, p := range preds {
		label := strings.TrimSpace(p.Label)
		if label == "" {
			continue
		}
		conf := p.Confidence
		switch {
		case math.IsNaN(conf) || conf < 0:
			conf = 0
		case conf > 1:
			conf = 1
		}
		out = append(out, Prediction{Label: label, Confidence: conf})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
