package session

import (
	"errors"
	"slices"

	"rustdrone/internal/match"
)

// Snapshot is a read-only copy of the session handed to presenters.
//
// Observers run outside the session mutex, so snapshots of concurrent
// transitions may reach a presenter out of order. Version grows with every
// notified transition; a presenter keeps the highest one it has seen.
type Snapshot struct {
	Version         uint64            `json:"version"`
	Phase           Phase             `json:"phase"`
	Objectives      []match.Objective `json:"objectives"`
	Inventory       []string          `json:"inventory"`
	Battery         float64           `json:"battery"`
	ScanInProgress  bool              `json:"scan_in_progress"`
	MissionComplete bool              `json:"mission_complete"`
	Results         []ResultRow       `json:"results"`
	Candidates      []match.Candidate `json:"candidates,omitempty"`
	Outcome         Outcome           `json:"outcome,omitempty"`
	LogLine         string            `json:"log_line"`
	Scans           int               `json:"scans"`
	Policy          Policy            `json:"policy"`
}

// Found counts the salvaged objectives.
func (s Snapshot) Found() int {
	n := 0
	for _, o := range s.Objectives {
		if o.Found {
			n++
		}
	}
	return n
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Version:         s.version,
		Phase:           s.phase,
		Objectives:      append([]match.Objective(nil), s.objectives...),
		Inventory:       append([]string(nil), s.inventory...),
		Battery:         s.battery,
		ScanInProgress:  s.scanInProgress,
		MissionComplete: s.missionComplete,
		Results:         append([]ResultRow(nil), s.results...),
		Candidates:      append([]match.Candidate(nil), s.candidates...),
		Outcome:         s.outcome,
		LogLine:         s.logLine,
		Scans:           s.scans,
		Policy:          s.settings.Policy,
	}
}

// errNoChange tells transition that nothing happened: no error for the
// caller and no notification.
var errNoChange = errors.New("no change")

// rejection carries a guard failure that left the state untouched.
type rejection struct {
	err error
}

func (r rejection) Error() string { return r.err.Error() }

func errRejected(err error) error { return rejection{err: err} }

// transition runs fn under the session mutex and notifies observers when fn
// changed the state. Errors other than rejections and errNoChange are
// returned after the notification, since the state (at least the log line)
// moved.
func (s *Session) transition(fn func() error) error {
	s.mu.Lock()
	err := fn()

	var rej rejection
	if errors.As(err, &rej) {
		s.mu.Unlock()
		return rej.err
	}
	if errors.Is(err, errNoChange) {
		s.mu.Unlock()
		return nil
	}
	s.version++
	snap := s.snapshotLocked()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	for _, notify := range observers {
		notify(snap)
	}
	return err
}
