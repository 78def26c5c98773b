package hud

import (
	"fmt"
	"math"
	"sync"

	"rustdrone/internal/session"
)

// Printer is the part of the console the terminal HUD writes to.
type Printer interface {
	AsyncPrintln(s string)
}

type prompter interface {
	SetPrompt(p string)
}

// batteryWarnings are the levels announced once when the gauge drops
// below them.
var batteryWarnings = []float64{50, 20, 10}

// Terminal prints what changed between snapshots: new log lines, the
// results of a new scan and battery warnings. If the printer also has a
// prompt, the prompt carries the battery gauge. Snapshots older than the
// last one rendered are dropped.
type Terminal struct {
	out Printer

	mu     sync.Mutex
	primed bool
	last   session.Snapshot
	prompt string
	warned map[float64]bool
}

func NewTerminal(out Printer) *Terminal {
	return &Terminal{out: out, warned: make(map[float64]bool)}
}

func (t *Terminal) BootLine(line string) {
	t.out.AsyncPrintln(line)
}

func (t *Terminal) Render(snap session.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.primed && snap.Version < t.last.Version {
		return
	}
	prev := t.last
	first := !t.primed
	t.last, t.primed = snap, true

	if snap.Scans != prev.Scans && !snap.ScanInProgress {
		t.out.AsyncPrintln(FormatResults(snap))
	}
	if first || snap.LogLine != prev.LogLine {
		if snap.LogLine != "" {
			t.out.AsyncPrintln("> " + snap.LogLine)
		}
	}
	for _, level := range batteryWarnings {
		if snap.Battery < level && snap.Battery > 0 && !t.warned[level] {
			t.warned[level] = true
			t.out.AsyncPrintln(fmt.Sprintf("[ WARNING: BATTERY BELOW %.0f%% ]", level))
		}
	}
	if first || snap.Phase != prev.Phase {
		switch snap.Phase {
		case session.PhaseMissionComplete, session.PhaseDisconnected:
			t.out.AsyncPrintln(FormatHUD(snap))
		}
	}
	t.updatePromptLocked(snap)
}

func (t *Terminal) updatePromptLocked(snap session.Snapshot) {
	p, ok := t.out.(prompter)
	if !ok {
		return
	}
	var prompt string
	switch snap.Phase {
	case session.PhaseDisconnected:
		prompt = "[NO SIGNAL] > "
	case session.PhaseScanning:
		prompt = fmt.Sprintf("[BAT %3.0f%% | SCANNING] > ", math.Floor(snap.Battery))
	default:
		prompt = fmt.Sprintf("[BAT %3.0f%%] > ", math.Floor(snap.Battery))
	}
	if prompt != t.prompt {
		t.prompt = prompt
		p.SetPrompt(prompt)
	}
}
