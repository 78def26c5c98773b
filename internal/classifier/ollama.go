package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const ollamaDefault = "llava:latest"

type ollamaBackend struct {
	cfg    Config
	client *api.Client
	model  string
	logger *log.Logger
}

func newOllamaBackend(cfg Config, logger *log.Logger) *ollamaBackend {
	return &ollamaBackend{cfg: cfg, logger: logger}
}

func (o *ollamaBackend) Load(ctx context.Context) error {
	var c *api.Client
	if host := strings.TrimSpace(o.cfg.OllamaHost); host != "" {
		u, err := url.Parse(host)
		if err != nil {
			return fmt.Errorf("ollama: bad host %q: %w", host, err)
		}
		c = api.NewClient(u, nil)
	} else {
		var err error
		c, err = api.ClientFromEnvironment()
		if err != nil {
			return fmt.Errorf("ollama client init: %w", err)
		}
	}
	if err := c.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	o.client = c
	o.model = strings.TrimSpace(o.cfg.Model)
	if o.model == "" {
		o.model = ollamaDefault
	}
	logf(o.logger, "[Classifier] ollama model %s", o.model)
	return nil
}

func (o *ollamaBackend) Classify(ctx context.Context, img image.Image) ([]Prediction, error) {
	if o.client == nil {
		return nil, ErrNotLoaded
	}
	data, err := encodeJPEG(img)
	if err != nil {
		return nil, err
	}
	format, err := json.Marshal(predictionSchema)
	if err != nil {
		return nil, fmt.Errorf("ollama marshal schema: %w", err)
	}

	stream := false
	req := &api.GenerateRequest{
		Model:  o.model,
		Prompt: buildVisionPrompt(o.cfg.topK()),
		Images: []api.ImageData{data},
		Format: format,
		Stream: &stream,
	}
	var out strings.Builder
	if err := o.client.Generate(ctx, req, func(gr api.GenerateResponse) error {
		out.WriteString(gr.Response)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("ollama classify: %w", err)
	}
	return parseVisionPredictions(out.String(), o.cfg.topK())
}

func (o *ollamaBackend) Close() error {
	o.client = nil
	return nil
}
