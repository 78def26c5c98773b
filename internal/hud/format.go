package hud

import (
	"fmt"
	"math"
	"strings"

	"rustdrone/internal/metrics"
	"rustdrone/internal/session"
)

const (
	msgInterference = ">> INTERFERENCE. NO CLEAR OBJECT."
	maxLabelWidth   = 28
)

// truncateLabel shortens label to at most width runes, marking the cut with
// an ellipsis.
func truncateLabel(label string, width int) string {
	runes := []rune(label)
	if len(runes) <= width {
		return label
	}
	return string(runes[:width-3]) + "..."
}

// Percent renders a [0,1] confidence as a rounded percentage.
func Percent(confidence float64) int {
	return int(math.Round(confidence * 100))
}

// FormatHUD renders the status panel.
func FormatHUD(snap session.Snapshot) string {
	var sb strings.Builder
	sb.WriteString("--------------------------------------------------\n")
	sb.WriteString(fmt.Sprintf("[ BATTERY %3.0f%% ] [ OBJECTIVES %d/%d ] [ SCANS %d ]\n",
		math.Floor(snap.Battery), snap.Found(), len(snap.Objectives), snap.Scans))
	sb.WriteString("CHECKLIST:")
	for _, o := range snap.Objectives {
		mark := " "
		if o.Found {
			mark = "x"
		}
		sb.WriteString(fmt.Sprintf(" [%s] %s", mark, strings.ToUpper(o.ID)))
	}
	sb.WriteString("\n")
	if len(snap.Inventory) > 0 {
		sb.WriteString("INVENTORY: " + strings.ToUpper(strings.Join(snap.Inventory, ", ")) + "\n")
	}
	sb.WriteString(fmt.Sprintf("STATUS: %s\n", snap.Phase))
	if snap.LogLine != "" {
		sb.WriteString("> " + snap.LogLine + "\n")
	}
	sb.WriteString("--------------------------------------------------")
	return sb.String()
}

// FormatResults renders the ranked labels of the latest scan. Rows that can
// still be salvaged are numbered for the salvage command.
func FormatResults(snap session.Snapshot) string {
	if len(snap.Results) == 0 {
		return msgInterference
	}
	candidates := make(map[string]bool, len(snap.Candidates))
	for _, c := range snap.Candidates {
		candidates[c.Objective.ID] = true
	}
	found := make(map[string]bool, len(snap.Objectives))
	for _, o := range snap.Objectives {
		found[o.ID] = o.Found
	}

	var sb strings.Builder
	sb.WriteString("SCAN RESULTS:")
	for i, r := range snap.Results {
		label := truncateLabel(r.Display, maxLabelWidth)
		sb.WriteString(fmt.Sprintf("\n %d. %-*s %3d%%", i+1, maxLabelWidth, label, Percent(r.Confidence)))
		switch {
		case r.ObjectiveID == "":
		case candidates[r.ObjectiveID]:
			sb.WriteString(fmt.Sprintf("  << SALVAGEABLE [%s]", strings.ToUpper(r.ObjectiveID)))
		case found[r.ObjectiveID]:
			sb.WriteString(fmt.Sprintf("  [%s]", strings.ToUpper(r.ObjectiveID)))
		}
	}
	return sb.String()
}

func FormatScanMetrics(m *metrics.ScanMetrics) string {
	if m == nil {
		return "No metrics available."
	}
	s := fmt.Sprintf("Scan %s: %d ms (capture %d ms, classify %d ms), %d label(s), %s, battery %.1f%%",
		m.ScanID, m.DurationMs, m.CaptureMs, m.ClassifyMs, m.Labels, m.Outcome, m.BatteryAfter)
	if m.Err != "" {
		s += " [" + m.Err + "]"
	}
	return s
}
