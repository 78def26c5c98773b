package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"rustdrone/internal/hud"
	"rustdrone/internal/match"
	"rustdrone/internal/metrics"
	"rustdrone/internal/session"
)

const helpText = `Commands:
  scan               scan the current frame (costs battery)
  salvage <n|id>     recover a highlighted target by result row or objective id
  status             show the HUD
  results            show the latest scan results
  metrics            show timings of the latest scan
  help               show this help
  exit               abort the run and quit`

type operator interface {
	RequestScan(ctx context.Context) (session.Outcome, *metrics.ScanMetrics, error)
	Salvage(objectiveID string) (bool, error)
	Snapshot() session.Snapshot
}

type terminal interface {
	ReadLine() (string, error)
	AsyncPrintln(s string)
	AskYesNo(question string) bool
}

type repl struct {
	term   terminal
	drone  operator
	logger *log.Logger

	scans sync.WaitGroup

	mu   sync.Mutex
	last *metrics.ScanMetrics
}

func newREPL(term terminal, d operator, logger *log.Logger) *repl {
	return &repl{term: term, drone: d, logger: logger}
}

// run reads commands until exit, end of input or ctx is done. In-flight
// scans are awaited before it returns.
func (r *repl) run(ctx context.Context) error {
	defer r.scans.Wait()

	r.term.AsyncPrintln("Type 'help' for commands, 'exit' to quit.")
	for ctx.Err() == nil {
		line, err := r.term.ReadLine()
		if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
			break
		}
		if err != nil {
			return err
		}
		if r.handle(ctx, line) {
			break
		}
	}
	r.term.AsyncPrintln("Goodbye!")
	return nil
}

// handle executes one command line and reports whether the operator asked
// to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "scan", "s":
		r.scan(ctx)
	case "salvage", "pick":
		r.salvage(fields[1:])
	case "status", "hud":
		r.term.AsyncPrintln(hud.FormatHUD(r.drone.Snapshot()))
	case "results":
		r.term.AsyncPrintln(hud.FormatResults(r.drone.Snapshot()))
	case "metrics":
		r.mu.Lock()
		m := r.last
		r.mu.Unlock()
		r.term.AsyncPrintln(hud.FormatScanMetrics(m))
	case "help", "?":
		r.term.AsyncPrintln(helpText)
	case "exit", "quit":
		if r.drone.Snapshot().Phase.Terminal() {
			return true
		}
		return r.term.AskYesNo("Abort the salvage run and exit?")
	default:
		r.term.AsyncPrintln(fmt.Sprintf("Unknown command %q. Type 'help' for commands.", fields[0]))
	}
	return false
}

// scan runs in the background so the prompt stays usable while the model
// works. Results reach the screen through the HUD.
func (r *repl) scan(ctx context.Context) {
	r.scans.Add(1)
	go func() {
		defer r.scans.Done()
		_, m, err := r.drone.RequestScan(ctx)
		if m != nil {
			r.mu.Lock()
			r.last = m
			r.mu.Unlock()
		}
		if err != nil {
			r.logger.Printf("[CLI] Scan request failed: %v", err)
			r.term.AsyncPrintln(scanError(err))
		}
	}()
}

func scanError(err error) string {
	for _, guard := range []error{
		session.ErrBatteryLow,
		session.ErrScanInProgress,
		session.ErrNotReady,
		session.ErrDisconnected,
		session.ErrMissionComplete,
	} {
		if errors.Is(err, guard) {
			return fmt.Sprintf("[SCAN REJECTED] %v", err)
		}
	}
	return fmt.Sprintf("[SCAN FAILED] %v", err)
}

func (r *repl) salvage(args []string) {
	if len(args) != 1 {
		r.term.AsyncPrintln("Usage: salvage <row|objective>")
		return
	}
	snap := r.drone.Snapshot()
	id := resolveObjective(args[0], snap.Objectives)
	if n, err := strconv.Atoi(id); err == nil {
		results := snap.Results
		if n < 1 || n > len(results) || results[n-1].ObjectiveID == "" {
			r.term.AsyncPrintln(fmt.Sprintf("Row %d is not a salvageable target.", n))
			return
		}
		id = results[n-1].ObjectiveID
	}

	ok, err := r.drone.Salvage(id)
	switch {
	case err != nil:
		r.term.AsyncPrintln(fmt.Sprintf("[SALVAGE FAILED] %v", err))
	case !ok:
		r.term.AsyncPrintln(fmt.Sprintf("Objective [%s] already recovered.", strings.ToUpper(id)))
	}
}

// resolveObjective maps what the operator typed to a checklist id. An exact
// id wins over a case-insensitive one; anything else is returned unchanged.
func resolveObjective(arg string, objectives []match.Objective) string {
	for _, o := range objectives {
		if o.ID == arg {
			return o.ID
		}
	}
	for _, o := range objectives {
		if strings.EqualFold(o.ID, arg) {
			return o.ID
		}
	}
	return arg
}
