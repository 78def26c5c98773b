package frame

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
)

// SceneSource plays a fixed set of image files.
type SceneSource struct {
	paths  []string
	logger *log.Logger
	reel   reel
}

func NewSceneSource(paths []string, logger *log.Logger) *SceneSource {
	return &SceneSource{
		paths:  paths,
		logger: logger,
		reel:   reel{name: KindScene},
	}
}

func (s *SceneSource) Name() string { return KindScene }

func (s *SceneSource) Acquire(ctx context.Context) error {
	if len(s.paths) == 0 {
		return &AcquisitionError{Source: KindScene, Err: errors.New("no scenes configured")}
	}
	images := make([]image.Image, 0, len(s.paths))
	for _, p := range s.paths {
		if err := ctx.Err(); err != nil {
			return &AcquisitionError{Source: KindScene, Err: err}
		}
		img, err := decodeFile(p)
		if err != nil {
			return &AcquisitionError{Source: KindScene, Err: err}
		}
		images = append(images, img)
	}
	s.reel.load(images)
	logf(s.logger, "[Frame] %d scene(s) loaded", len(images))
	return nil
}

func (s *SceneSource) Capture() (*Frame, error) { return s.reel.capture() }

func (s *SceneSource) Close() error {
	s.reel.release()
	return nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
