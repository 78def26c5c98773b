// Package match resolves classifier labels against the open objectives of a
// salvage checklist.
//
// A label hits an objective when the objective's match token appears inside
// the label after Unicode normalisation and case folding. Classifier labels
// often carry comma-separated synonyms ("water bottle, pop bottle"); each
// synonym is tested separately and the first one is used for display.
package match

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"rustdrone/internal/classifier"
)

type Objective struct {
	ID         string `json:"id"`
	MatchToken string `json:"match_token"`
	Found      bool   `json:"found"`
}

// Candidate is a (label, objective) pair that passed the threshold.
type Candidate struct {
	Objective  Objective `json:"objective"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	// Rank is the label's position in the ranked scan results.
	Rank int `json:"rank"`

	order int
}

func normalize(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

// Contains reports whether token appears in any synonym of label.
func Contains(label, token string) bool {
	t := normalize(token)
	if t == "" {
		return false
	}
	for _, syn := range strings.Split(label, ",") {
		if strings.Contains(normalize(syn), t) {
			return true
		}
	}
	return false
}

// DisplayLabel returns the first synonym of a classifier label.
func DisplayLabel(label string) string {
	first, _, _ := strings.Cut(label, ",")
	return strings.TrimSpace(first)
}

// All returns every qualifying candidate, at most one per objective (its best
// label), ordered best first. Found objectives and labels whose confidence
// does not exceed threshold are ignored.
func All(results []classifier.Prediction, objectives []Objective, threshold float64) []Candidate {
	best := make(map[string]Candidate)
	for _, c := range pairs(results, objectives, threshold) {
		cur, ok := best[c.Objective.ID]
		if !ok || better(c, cur) {
			best[c.Objective.ID] = c
		}
	}
	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

// Best picks the single strongest candidate: highest confidence, then the
// earliest label in the ranked results, then checklist order.
func Best(results []classifier.Prediction, objectives []Objective, threshold float64) (Candidate, bool) {
	var (
		best  Candidate
		found bool
	)
	for _, c := range pairs(results, objectives, threshold) {
		if !found || better(c, best) {
			best, found = c, true
		}
	}
	return best, found
}

// Resolve returns the first open objective (checklist order) that pred
// qualifies for.
func Resolve(pred classifier.Prediction, objectives []Objective, threshold float64) (Objective, bool) {
	if pred.Confidence <= threshold {
		return Objective{}, false
	}
	for _, o := range objectives {
		if !o.Found && Contains(pred.Label, o.MatchToken) {
			return o, true
		}
	}
	return Objective{}, false
}

func pairs(results []classifier.Prediction, objectives []Objective, threshold float64) []Candidate {
	var out []Candidate
	for rank, p := range results {
		if p.Confidence <= threshold {
			continue
		}
		for order, o := range objectives {
			if o.Found || !Contains(p.Label, o.MatchToken) {
				continue
			}
			out = append(out, Candidate{
				Objective:  o,
				Label:      p.Label,
				Confidence: p.Confidence,
				Rank:       rank,
				order:      order,
			})
		}
	}
	return out
}

func better(a, b Candidate) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	return a.order < b.order
}
