// Package session holds the authoritative state of one salvage run: the
// checklist, the inventory, the battery gauge and the scan lock, together with
// the rules that move the run between phases.
//
// Every transition runs under the session mutex and applies all of its side
// effects (lock, charge, inventory, log line) before returning. Observers are
// notified with a snapshot once the mutex is released.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"rustdrone/internal/classifier"
	"rustdrone/internal/match"
)

type Phase string

const (
	PhaseBooting            Phase = "BOOTING"
	PhaseAwaitingPermission Phase = "AWAITING_PERMISSION"
	PhaseReady              Phase = "READY"
	PhaseScanning           Phase = "SCANNING"
	PhaseMissionComplete    Phase = "MISSION_COMPLETE"
	PhaseDisconnected       Phase = "DISCONNECTED"
)

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseMissionComplete || p == PhaseDisconnected
}

type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeMatched Outcome = "MATCHED"
	OutcomeNoMatch Outcome = "NO_MATCH"
)

type Policy string

const (
	// PolicyAutoApply salvages the best candidate of a scan immediately.
	PolicyAutoApply Policy = "auto-apply"
	// PolicyManualSelect surfaces the candidates and waits for Salvage.
	PolicyManualSelect Policy = "manual-select"
)

const MaxBattery = 100.0

var (
	ErrDisconnected     = errors.New("drone disconnected")
	ErrMissionComplete  = errors.New("mission already complete")
	ErrNotReady         = errors.New("drone not ready")
	ErrScanInProgress   = errors.New("scan already in progress")
	ErrBatteryLow       = errors.New("battery too low")
	ErrNoScanInProgress = errors.New("no matching scan in progress")
	ErrUnknownObjective = errors.New("unknown objective")
	ErrNotSalvageable   = errors.New("objective not identified by the last scan")
)

// Log lines shown to the player.
const (
	msgReady        = "Drone operational. Find the objects on the checklist."
	msgAnalyzing    = "Analyzing frame..."
	msgBatteryLow   = "Battery too low to scan."
	msgNoObjects    = "Analysis complete. No objects detected."
	msgNoMatch      = "Analysis complete. No objective identified."
	msgSelect       = "Analysis complete. Select a highlighted target to salvage."
	msgDepleted     = "Battery depleted. Signal lost."
	msgMissionDone  = "ALL OBJECTIVES RECOVERED. MISSION ACCOMPLISHED, SCAVENGER."
	msgSalvagedTmpl = "OBJECTIVE [%s] RECOVERED."
)

type Settings struct {
	Battery        float64
	ScanCost       float64
	MatchThreshold float64
	ResultCap      int
	Policy         Policy
}

type ObjectiveSpec struct {
	ID         string `json:"id" yaml:"id"`
	MatchToken string `json:"match_token" yaml:"match_token"`
}

// Ticket identifies the scan started by BeginScan.
type Ticket struct {
	seq uint64
}

// ResultRow is one ranked label of the latest scan as the player sees it.
type ResultRow struct {
	Label      string  `json:"label"`
	Display    string  `json:"display"`
	Confidence float64 `json:"confidence"`
	// ObjectiveID is set when the label qualified for an open objective at
	// the time of the scan.
	ObjectiveID string `json:"objective_id,omitempty"`
}

type Session struct {
	mu sync.Mutex

	settings Settings

	phase           Phase
	objectives      []match.Objective
	inventory       []string
	battery         float64
	scanInProgress  bool
	missionComplete bool

	scanSeq      uint64
	scans        int
	pendingDrain float64

	results    []ResultRow
	candidates []match.Candidate
	outcome    Outcome
	logLine    string

	// version counts notified transitions.
	version   uint64
	observers []func(Snapshot)
}

func New(settings Settings, objectives []ObjectiveSpec) (*Session, error) {
	if err := validate(settings, objectives); err != nil {
		return nil, err
	}
	objs := make([]match.Objective, len(objectives))
	for i, o := range objectives {
		objs[i] = match.Objective{ID: strings.TrimSpace(o.ID), MatchToken: strings.TrimSpace(o.MatchToken)}
	}
	return &Session{
		settings:   settings,
		phase:      PhaseBooting,
		objectives: objs,
		battery:    settings.Battery,
	}, nil
}

func validate(s Settings, objectives []ObjectiveSpec) error {
	if s.Battery <= 0 || s.Battery > MaxBattery {
		return fmt.Errorf("battery must be in (0, %.0f], got %v", MaxBattery, s.Battery)
	}
	if s.ScanCost <= 0 {
		return fmt.Errorf("scan cost must be positive, got %v", s.ScanCost)
	}
	if s.MatchThreshold < 0 || s.MatchThreshold >= 1 {
		return fmt.Errorf("match threshold must be in [0, 1), got %v", s.MatchThreshold)
	}
	if s.ResultCap <= 0 {
		return fmt.Errorf("result cap must be positive, got %d", s.ResultCap)
	}
	switch s.Policy {
	case PolicyAutoApply, PolicyManualSelect:
	default:
		return fmt.Errorf("unknown match policy %q", s.Policy)
	}
	if len(objectives) == 0 {
		return errors.New("at least one objective is required")
	}
	seen := make(map[string]struct{}, len(objectives))
	for _, o := range objectives {
		id := strings.TrimSpace(o.ID)
		if id == "" {
			return errors.New("objective id must not be empty")
		}
		if strings.TrimSpace(o.MatchToken) == "" {
			return fmt.Errorf("objective %q has an empty match token", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate objective id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Subscribe registers fn to receive a snapshot after every transition.
func (s *Session) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// AwaitPermission moves a booting session to AwaitingPermission.
func (s *Session) AwaitPermission() error {
	return s.transition(func() error {
		if s.phase != PhaseBooting {
			return errRejected(fmt.Errorf("await permission from %s: %w", s.phase, ErrNotReady))
		}
		s.phase = PhaseAwaitingPermission
		return nil
	})
}

// Ready marks frame source and classifier as acquired.
func (s *Session) Ready() error {
	return s.transition(func() error {
		if s.phase != PhaseAwaitingPermission {
			return errRejected(fmt.Errorf("ready from %s: %w", s.phase, ErrNotReady))
		}
		s.phase = PhaseReady
		s.logLine = msgReady
		return nil
	})
}

// Disconnect forces the degraded terminal phase. It is a no-op once the
// session is terminal, so a failure is reported only once.
func (s *Session) Disconnect(reason string) {
	_ = s.transition(func() error {
		if s.phase.Terminal() {
			return errNoChange
		}
		s.disconnectLocked(reason)
		return nil
	})
}

func (s *Session) disconnectLocked(reason string) {
	s.phase = PhaseDisconnected
	s.scanInProgress = false
	s.candidates = nil
	s.pendingDrain = 0
	s.logLine = reason
}

// BeginScan validates the scan preconditions, takes the scan lock and charges
// the scan cost up front. The charge is kept even if the scan later fails.
func (s *Session) BeginScan() (Ticket, error) {
	var t Ticket
	err := s.transition(func() error {
		switch {
		case s.phase == PhaseDisconnected:
			return errRejected(ErrDisconnected)
		case s.missionComplete:
			return errRejected(ErrMissionComplete)
		case s.scanInProgress:
			return errRejected(ErrScanInProgress)
		case s.phase != PhaseReady:
			return errRejected(ErrNotReady)
		case s.battery <= s.settings.ScanCost:
			s.logLine = msgBatteryLow
			return ErrBatteryLow
		}
		s.scanSeq++
		t = Ticket{seq: s.scanSeq}
		s.scanInProgress = true
		s.phase = PhaseScanning
		s.battery = clamp(s.battery - s.settings.ScanCost)
		s.candidates = nil
		s.outcome = OutcomeNone
		s.logLine = msgAnalyzing
		return nil
	})
	return t, err
}

// CompleteScan applies the classifier output of the scan identified by t,
// releases the scan lock and applies any drain deferred while it ran.
func (s *Session) CompleteScan(t Ticket, results []classifier.Prediction) (Outcome, error) {
	var outcome Outcome
	err := s.transition(func() error {
		if err := s.checkTicketLocked(t); err != nil {
			return errRejected(err)
		}
		if len(results) > s.settings.ResultCap {
			results = results[:s.settings.ResultCap]
		}
		s.results = s.buildRowsLocked(results)
		s.scans++
		s.scanInProgress = false
		s.phase = PhaseReady

		switch s.settings.Policy {
		case PolicyManualSelect:
			s.candidates = match.All(results, s.objectives, s.settings.MatchThreshold)
			if len(s.candidates) > 0 {
				outcome = OutcomeMatched
				s.logLine = msgSelect
			}
		default:
			if best, ok := match.Best(results, s.objectives, s.settings.MatchThreshold); ok {
				outcome = OutcomeMatched
				s.salvageLocked(best.Objective.ID)
			}
		}
		if outcome == OutcomeNone {
			outcome = OutcomeNoMatch
			s.logLine = msgNoMatch
			if len(results) == 0 {
				s.logLine = msgNoObjects
			}
		}
		s.outcome = outcome

		if s.pendingDrain > 0 {
			drain := s.pendingDrain
			s.pendingDrain = 0
			s.drainLocked(drain)
		}
		return nil
	})
	return outcome, err
}

// AbortScan releases the scan lock after a failure that produced no
// classifier output (e.g. the frame could not be captured).
func (s *Session) AbortScan(t Ticket, reason string) error {
	return s.transition(func() error {
		if err := s.checkTicketLocked(t); err != nil {
			return errRejected(err)
		}
		s.scanInProgress = false
		s.phase = PhaseReady
		s.outcome = OutcomeNoMatch
		s.logLine = reason
		if s.pendingDrain > 0 {
			drain := s.pendingDrain
			s.pendingDrain = 0
			s.drainLocked(drain)
		}
		return nil
	})
}

func (s *Session) checkTicketLocked(t Ticket) error {
	if s.phase == PhaseDisconnected {
		return ErrDisconnected
	}
	if !s.scanInProgress || t.seq == 0 || t.seq != s.scanSeq {
		return ErrNoScanInProgress
	}
	return nil
}

// Salvage marks a candidate of the latest scan as found. Salvaging an
// objective that is already found is a no-op and reports false.
func (s *Session) Salvage(objectiveID string) (bool, error) {
	var salvaged bool
	err := s.transition(func() error {
		idx := s.indexLocked(objectiveID)
		if idx < 0 {
			return errRejected(fmt.Errorf("%w: %s", ErrUnknownObjective, objectiveID))
		}
		if s.objectives[idx].Found {
			return errNoChange
		}
		if s.phase == PhaseDisconnected {
			return errRejected(ErrDisconnected)
		}
		if !s.isCandidateLocked(objectiveID) {
			return errRejected(fmt.Errorf("%w: %s", ErrNotSalvageable, objectiveID))
		}
		s.salvageLocked(objectiveID)
		salvaged = true
		return nil
	})
	return salvaged, err
}

func (s *Session) salvageLocked(objectiveID string) {
	idx := s.indexLocked(objectiveID)
	if idx < 0 || s.objectives[idx].Found {
		return
	}
	s.objectives[idx].Found = true
	s.inventory = append(s.inventory, objectiveID)
	s.logLine = fmt.Sprintf(msgSalvagedTmpl, strings.ToUpper(objectiveID))

	remaining := s.candidates[:0]
	for _, c := range s.candidates {
		if c.Objective.ID != objectiveID {
			remaining = append(remaining, c)
		}
	}
	s.candidates = remaining

	for _, o := range s.objectives {
		if !o.Found {
			return
		}
	}
	s.missionComplete = true
	s.phase = PhaseMissionComplete
	s.candidates = nil
	s.logLine = msgMissionDone
}

// Drain lowers the battery by amount. Drain is ignored before the session is
// ready and after it is terminal; while a scan is in flight it is deferred
// until that scan completes.
func (s *Session) Drain(amount float64) {
	_ = s.transition(func() error {
		if amount <= 0 {
			return errNoChange
		}
		switch s.phase {
		case PhaseReady:
		case PhaseScanning:
			s.pendingDrain += amount
			return errNoChange
		default:
			return errNoChange
		}
		s.drainLocked(amount)
		return nil
	})
}

func (s *Session) drainLocked(amount float64) {
	s.battery = clamp(s.battery - amount)
	if s.battery == 0 && !s.missionComplete && s.phase != PhaseDisconnected {
		s.disconnectLocked(msgDepleted)
	}
}

func (s *Session) buildRowsLocked(results []classifier.Prediction) []ResultRow {
	rows := make([]ResultRow, len(results))
	for i, p := range results {
		rows[i] = ResultRow{
			Label:      p.Label,
			Display:    match.DisplayLabel(p.Label),
			Confidence: p.Confidence,
		}
		if o, ok := match.Resolve(p, s.objectives, s.settings.MatchThreshold); ok {
			rows[i].ObjectiveID = o.ID
		}
	}
	return rows
}

func (s *Session) indexLocked(id string) int {
	for i, o := range s.objectives {
		if o.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) isCandidateLocked(id string) bool {
	for _, c := range s.candidates {
		if c.Objective.ID == id {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > MaxBattery {
		return MaxBattery
	}
	return v
}
