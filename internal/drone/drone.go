// Package drone wires the session to its collaborators: it boots the frame
// source and the classifier, runs the battery drain and executes scans on
// request.
package drone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rustdrone/internal/classifier"
	"rustdrone/internal/frame"
	"rustdrone/internal/hud"
	"rustdrone/internal/metrics"
	"rustdrone/internal/session"
)

// Boot log lines.
const (
	BootBanner      = "R.U.S.T. OS v1.3a"
	BootRule        = "===================="
	BootChecking    = "CHECKING DRONE CONNECTION..."
	BootSignal      = "SIGNAL ACQUIRED. VISUAL FEED ESTABLISHED."
	BootLoading     = "LOADING AI COGNITIVE MODEL..."
	BootReady       = "AI MODEL LOADED. SYSTEM READY."
	BootModelFailed = "AI MODEL FAILED TO LOAD. SYSTEM DEGRADED."

	bootSourceFailedTmpl = "ERROR: %s. PERMISSION DENIED OR CAMERA NOT AVAILABLE."
	msgCaptureFailed     = "FRAME CAPTURE FAILED. NO VISUAL."
)

type Options struct {
	Session    *session.Session
	Source     frame.Source
	Classifier classifier.Classifier
	// ClassifierName labels the backend in logs and load errors.
	ClassifierName string
	Filter         frame.Filter
	Presenter      hud.Presenter
	Logger         *log.Logger

	ResultCap int
	ScanCost  float64
	// ClassifyFiltered feeds the filtered frame to the classifier instead
	// of the raw capture.
	ClassifyFiltered bool
	ScanTimeout      time.Duration

	TickInterval time.Duration
	TickDrain    float64

	BootLineDelay  time.Duration
	BootReadyPause time.Duration
}

type Drone struct {
	opts       Options
	session    *session.Session
	source     frame.Source
	classifier classifier.Classifier
	filter     frame.Filter
	presenter  hud.Presenter
	logger     *log.Logger

	mu      sync.Mutex
	bootLog []string
}

func New(opts Options) (*Drone, error) {
	switch {
	case opts.Session == nil:
		return nil, errors.New("drone: session is required")
	case opts.Source == nil:
		return nil, errors.New("drone: frame source is required")
	case opts.Classifier == nil:
		return nil, errors.New("drone: classifier is required")
	}
	if opts.Filter == nil {
		opts.Filter = frame.NoFilter{}
	}
	if opts.Presenter == nil {
		opts.Presenter = hud.Multi{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.ClassifierName == "" {
		opts.ClassifierName = "classifier"
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}

	d := &Drone{
		opts:       opts,
		session:    opts.Session,
		source:     opts.Source,
		classifier: classifier.FailClosed(opts.Classifier, opts.ClassifierName, opts.ResultCap, opts.Logger),
		filter:     opts.Filter,
		presenter:  opts.Presenter,
		logger:     opts.Logger,
	}
	d.session.Subscribe(d.presenter.Render)
	return d, nil
}

// Start boots the drone and runs the drain loop until the session ends or
// ctx is cancelled. Boot failures leave the session disconnected and are
// returned.
func (d *Drone) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Boot(gctx)
	})
	g.Go(func() error {
		return d.Run(gctx)
	})
	return g.Wait()
}

// Boot runs the boot sequence: acquire the frame source, load the model,
// then mark the session ready. Either failure disconnects the session.
func (d *Drone) Boot(ctx context.Context) error {
	d.logger.Printf("[Drone] Boot sequence started (source=%s, classifier=%s)", d.source.Name(), d.opts.ClassifierName)
	for _, line := range []string{BootBanner, BootRule, BootChecking} {
		if err := d.bootLine(ctx, line); err != nil {
			return err
		}
	}
	if err := d.session.AwaitPermission(); err != nil {
		return err
	}

	if err := d.source.Acquire(ctx); err != nil {
		reason := err.Error()
		var acqErr *frame.AcquisitionError
		if errors.As(err, &acqErr) {
			reason = acqErr.Reason()
		}
		line := fmt.Sprintf(bootSourceFailedTmpl, reason)
		d.emit(line)
		d.session.Disconnect(line)
		d.logger.Printf("[Drone] Frame source failed: %v", err)
		return err
	}

	for _, line := range []string{BootSignal, BootLoading} {
		if err := d.bootLine(ctx, line); err != nil {
			return err
		}
	}

	if err := d.classifier.Load(ctx); err != nil {
		d.emit(BootModelFailed)
		d.session.Disconnect(BootModelFailed)
		d.logger.Printf("[Drone] Model load failed: %v", err)
		return err
	}

	if err := d.bootLine(ctx, BootReady); err != nil {
		return err
	}
	if err := sleep(ctx, d.opts.BootReadyPause); err != nil {
		return err
	}
	if err := d.session.Ready(); err != nil {
		return err
	}
	d.logger.Printf("[Drone] Ready")
	return nil
}

func (d *Drone) bootLine(ctx context.Context, line string) error {
	d.emit(line)
	return sleep(ctx, d.opts.BootLineDelay)
}

func (d *Drone) emit(line string) {
	d.mu.Lock()
	d.bootLog = append(d.bootLog, line)
	d.mu.Unlock()
	d.presenter.BootLine(line)
}

// BootLog returns the boot lines emitted so far.
func (d *Drone) BootLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.bootLog...)
}

// Run drains the battery every tick until the session reaches a terminal
// phase or ctx is done.
func (d *Drone) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.session.Drain(d.opts.TickDrain)
			if phase := d.session.Snapshot().Phase; phase.Terminal() {
				d.logger.Printf("[Drone] Drain loop stopped: %s", phase)
				return nil
			}
		}
	}
}

// RequestScan runs one full scan: charge, capture, classify, resolve. It
// fails fast with the session's guard error when a scan is not allowed.
func (d *Drone) RequestScan(ctx context.Context) (session.Outcome, *metrics.ScanMetrics, error) {
	ticket, err := d.session.BeginScan()
	if err != nil {
		return session.OutcomeNone, nil, err
	}

	m := &metrics.ScanMetrics{
		ScanID: uuid.New().String()[:8],
		Start:  time.Now(),
		Cost:   d.opts.ScanCost,
	}
	defer func() {
		m.End = time.Now()
		m.Finalize()
		m.BatteryAfter = d.session.Snapshot().Battery
		d.logger.Printf("[Drone] Scan %s: %s in %d ms (%d labels, battery %.1f)",
			m.ScanID, m.Outcome, m.DurationMs, m.Labels, m.BatteryAfter)
	}()

	captureStart := time.Now()
	f, err := d.source.Capture()
	m.CaptureMs = time.Since(captureStart).Milliseconds()
	if err != nil {
		m.Outcome = string(session.OutcomeNoMatch)
		m.Err = err.Error()
		if abortErr := d.session.AbortScan(ticket, msgCaptureFailed); abortErr != nil {
			return session.OutcomeNone, m, abortErr
		}
		return session.OutcomeNoMatch, m, fmt.Errorf("capture frame: %w", err)
	}
	m.FrameSeq, m.TraceID = f.Seq, f.TraceID

	input := f.Image
	if d.opts.ClassifyFiltered {
		input = d.filter.Apply(f.Image)
	}

	cctx := ctx
	if d.opts.ScanTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, d.opts.ScanTimeout)
		defer cancel()
	}
	classifyStart := time.Now()
	preds, _ := d.classifier.Classify(cctx, input)
	m.ClassifyMs = time.Since(classifyStart).Milliseconds()
	m.Labels = len(preds)

	outcome, err := d.session.CompleteScan(ticket, preds)
	m.Outcome = string(outcome)
	if err != nil {
		m.Err = err.Error()
		return session.OutcomeNone, m, err
	}
	return outcome, m, nil
}

// Salvage picks a candidate of the latest scan (manual-select policy).
func (d *Drone) Salvage(objectiveID string) (bool, error) {
	ok, err := d.session.Salvage(objectiveID)
	if err == nil && ok {
		d.logger.Printf("[Drone] Salvaged %s", objectiveID)
	}
	return ok, err
}

func (d *Drone) Snapshot() session.Snapshot {
	return d.session.Snapshot()
}

func (d *Drone) Close() error {
	return errors.Join(d.source.Close(), d.classifier.Close())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
