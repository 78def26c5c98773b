// Package frame provides the drone's visual feed: sources that yield still
// frames on demand and the decorative filters applied to them.
package frame

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	KindScene  = "scene"
	KindWeb    = "web"
	KindCamera = "camera"
)

var ErrNotAcquired = errors.New("frame source not acquired")

type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
	Source    string
	TraceID   string
}

// Source yields frames. Acquire may block; Capture never does.
type Source interface {
	Name() string
	Acquire(ctx context.Context) error
	Capture() (*Frame, error)
	Close() error
}

// AcquisitionError reports a source that could not be opened.
type AcquisitionError struct {
	Source string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Source, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Reason is the short message shown to the player.
func (e *AcquisitionError) Reason() string {
	return strings.ToUpper(e.Err.Error())
}

// reel serves a fixed list of images in rotation.
type reel struct {
	mu     sync.Mutex
	name   string
	images []image.Image
	next   int
	seq    uint64
}

func (r *reel) load(images []image.Image) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images = images
	r.next = 0
}

func (r *reel) capture() (*Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.images) == 0 {
		return nil, ErrNotAcquired
	}
	img := r.images[r.next]
	r.next = (r.next + 1) % len(r.images)
	r.seq++
	return &Frame{
		Seq:       r.seq,
		Timestamp: time.Now(),
		Image:     img,
		Source:    r.name,
		TraceID:   uuid.New().String(),
	}, nil
}

func (r *reel) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images = nil
}

// RGB24Stride is the row length of an RGB frame from a raw video
// pipeline. Rows are padded to a multiple of four bytes.
func RGB24Stride(width int) int {
	return (width*3 + 3) &^ 3
}

// FromRGB24 wraps RGB bytes, as delivered by a raw video pipeline, in an
// RGBA image. stride is the byte length of one row including padding.
func FromRGB24(data []byte, width, height, stride int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if stride < width*3 {
		return nil, fmt.Errorf("stride %d too small for width %d", stride, width)
	}
	if len(data) < stride*(height-1)+width*3 {
		return nil, fmt.Errorf("short frame: %d bytes for %dx%d", len(data), width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		row := data[y*stride : y*stride+width*3]
		pix := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			pix[x*4] = row[x*3]
			pix[x*4+1] = row[x*3+1]
			pix[x*4+2] = row[x*3+2]
			pix[x*4+3] = 0xff
		}
	}
	return img, nil
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
