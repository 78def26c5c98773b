package frame

import (
	"fmt"
	"image"
	"image/draw"
	"math/rand/v2"
	"strings"
	"sync"
)

const (
	FilterAmber = "amber"
	FilterNone  = "none"
)

// Filter transforms a captured frame for display (and, by default, for
// classification).
type Filter interface {
	Apply(img image.Image) image.Image
}

type NoFilter struct{}

func (NoFilter) Apply(img image.Image) image.Image { return img }

// AmberFilter gives the feed its monochrome amber look: each pixel becomes
// its grey level shifted towards orange, plus uniform noise.
type AmberFilter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

const amberNoise = 25.0

func NewAmberFilter(seed uint64) *AmberFilter {
	return &AmberFilter{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (f *AmberFilter) Apply(img image.Image) image.Image {
	if img == nil {
		return nil
	}
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i+3 < len(out.Pix); i += 4 {
		avg := (float64(out.Pix[i]) + float64(out.Pix[i+1]) + float64(out.Pix[i+2])) / 3
		noise := (f.rng.Float64() - 0.5) * amberNoise
		out.Pix[i] = clampByte(avg + 40 + noise)
		out.Pix[i+1] = clampByte(avg + 20 + noise)
		out.Pix[i+2] = clampByte(avg + noise)
	}
	return out
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v)
	}
}

// FilterByName returns the filter configured by name; an empty name means
// amber.
func FilterByName(name string, seed uint64) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", FilterAmber:
		return NewAmberFilter(seed), nil
	case FilterNone:
		return NoFilter{}, nil
	default:
		return nil, fmt.Errorf("unknown filter %q", name)
	}
}
