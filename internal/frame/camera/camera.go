// Package camera feeds the drone from a live video device through a
// GStreamer pipeline:
//
//	<device src> → videoconvert → videoscale → capsfilter (RGB) → appsink
//
// Only the most recent frame is kept; older frames are overwritten.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"rustdrone/internal/frame"
)

const (
	defaultWidth          = 640
	defaultHeight         = 480
	defaultAcquireTimeout = 10 * time.Second

	busPollInterval = 50 * time.Millisecond
)

var errNoSignal = errors.New("no video signal")

type Config struct {
	// Device is a v4l2 device path such as /dev/video0. Empty selects the
	// platform's automatic video source.
	Device string
	Width  int
	Height int

	// AcquireTimeout bounds the wait for the first frame.
	AcquireTimeout time.Duration
}

type Source struct {
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	pipeline *gst.Pipeline
	latest   *frame.Frame
	first    chan struct{}
	once     sync.Once

	seq     uint64
	dropped uint64
}

func New(cfg Config, logger *log.Logger) *Source {
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = defaultHeight
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	return &Source{cfg: cfg, logger: logger, first: make(chan struct{})}
}

func (s *Source) Name() string { return frame.KindCamera }

// Acquire starts the pipeline and waits for the first frame. It fails when
// the pipeline reports an error or end of stream, when no frame arrives
// within the acquire timeout, or when ctx is done.
func (s *Source) Acquire(ctx context.Context) error {
	pipeline, sink, err := s.build()
	if err != nil {
		return &frame.AcquisitionError{Source: frame.KindCamera, Err: err}
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return &frame.AcquisitionError{Source: frame.KindCamera, Err: fmt.Errorf("start pipeline: %w", err)}
	}
	s.mu.Lock()
	s.pipeline = pipeline
	s.mu.Unlock()
	s.logf("[Camera] pipeline playing (%s %dx%d)", s.deviceName(), s.cfg.Width, s.cfg.Height)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	failed := make(chan error, 1)
	go s.watchBus(watchCtx, pipeline, failed)

	if err := awaitFirstFrame(ctx, s.first, failed, s.cfg.AcquireTimeout); err != nil {
		_ = s.Close()
		return &frame.AcquisitionError{Source: frame.KindCamera, Err: err}
	}
	s.logf("[Camera] first frame received")
	return nil
}

// awaitFirstFrame blocks until first is closed, the pipeline fails, the
// timeout elapses or ctx is done.
func awaitFirstFrame(ctx context.Context, first <-chan struct{}, failed <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-first:
		return nil
	case err := <-failed:
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %s", errNoSignal, timeout)
	case <-ctx.Done():
		return errNoSignal
	}
}

// watchBus reports the first error or end of stream posted on the pipeline
// bus until ctx is done.
func (s *Source) watchBus(ctx context.Context, pipeline *gst.Pipeline, failed chan<- error) {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.logf("[Camera] end of stream before first frame")
			failed <- errors.New("end of stream")
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			s.logf("[Camera] pipeline error: %s (%s)", gerr.Error(), gerr.DebugString())
			failed <- fmt.Errorf("pipeline error: %s", gerr.Error())
			return
		}
	}
}

func (s *Source) build() (*gst.Pipeline, *app.Sink, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("create pipeline: %w", err)
	}

	var src *gst.Element
	if s.cfg.Device != "" {
		src, err = gst.NewElement("v4l2src")
		if err == nil {
			src.SetProperty("device", s.cfg.Device)
		}
	} else {
		src, err = gst.NewElement("autovideosrc")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create video source: %w", err)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, fmt.Errorf("create videoscale: %w", err)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("create capsfilter: %w", err)
	}
	caps := fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", s.cfg.Width, s.cfg.Height)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(caps))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, converter, scaler, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, converter, scaler, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("link elements: %w", err)
	}
	return pipeline, sink, nil
}

func (s *Source) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	img, err := frame.FromRGB24(data, s.cfg.Width, s.cfg.Height, frame.RGB24Stride(s.cfg.Width))
	buffer.Unmap()
	if err != nil {
		atomic.AddUint64(&s.dropped, 1)
		return gst.FlowOK
	}

	f := &frame.Frame{
		Seq:       atomic.AddUint64(&s.seq, 1),
		Timestamp: time.Now(),
		Image:     img,
		Source:    frame.KindCamera,
		TraceID:   uuid.New().String(),
	}
	s.mu.Lock()
	s.latest = f
	s.mu.Unlock()
	s.once.Do(func() { close(s.first) })
	return gst.FlowOK
}

// Capture returns the latest frame.
func (s *Source) Capture() (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil, frame.ErrNotAcquired
	}
	return s.latest, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	pipeline := s.pipeline
	s.pipeline = nil
	s.latest = nil
	s.mu.Unlock()
	if pipeline == nil {
		return nil
	}
	if dropped := atomic.LoadUint64(&s.dropped); dropped > 0 {
		s.logf("[Camera] %d malformed frame(s) dropped", dropped)
	}
	return pipeline.SetState(gst.StateNull)
}

func (s *Source) deviceName() string {
	if strings.TrimSpace(s.cfg.Device) == "" {
		return "auto"
	}
	return s.cfg.Device
}

func (s *Source) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
