// Package hud renders session snapshots for the operator: on the terminal
// and, optionally, to an MQTT broker for remote displays.
package hud

import (
	"rustdrone/internal/session"
)

// Presenter consumes boot lines and session snapshots. Implementations must
// not block the caller for long; Render is called after every transition.
type Presenter interface {
	BootLine(line string)
	Render(snap session.Snapshot)
}

// Multi fans out to several presenters in order.
type Multi []Presenter

func (m Multi) BootLine(line string) {
	for _, p := range m {
		p.BootLine(line)
	}
}

func (m Multi) Render(snap session.Snapshot) {
	for _, p := range m {
		p.Render(snap)
	}
}
