package classifier

import (
	"context"
	"fmt"
	"image"
	"log"
	"os"
	"strings"

	"google.golang.org/genai"
)

const geminiDefault = "gemini-2.0-flash"

type geminiBackend struct {
	cfg    Config
	client *genai.Client
	model  string
	logger *log.Logger
}

func newGeminiBackend(cfg Config, logger *log.Logger) *geminiBackend {
	return &geminiBackend{cfg: cfg, logger: logger}
}

func (g *geminiBackend) Load(ctx context.Context) error {
	apiKey := strings.TrimSpace(g.cfg.APIKey)
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is not set")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("gemini client init: %w", err)
	}
	g.client = c
	g.model = allowedGeminiModel(g.cfg.Model)
	logf(g.logger, "[Classifier] gemini model %s", g.model)
	return nil
}

func allowedGeminiModel(model string) string {
	m := strings.TrimSpace(model)
	if m == "" || !strings.HasPrefix(strings.ToLower(m), "gemini-") {
		return geminiDefault
	}
	return m
}

func (g *geminiBackend) Classify(ctx context.Context, img image.Image) ([]Prediction, error) {
	if g.client == nil {
		return nil, ErrNotLoaded
	}
	data, err := encodeJPEG(img)
	if err != nil {
		return nil, err
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(buildVisionPrompt(g.cfg.topK())),
			genai.NewPartFromBytes(data, "image/jpeg"),
		}, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType:   "application/json",
		ResponseJsonSchema: predictionSchema,
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini classify: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini: empty response")
	}
	return parseVisionPredictions(resp.Candidates[0].Content.Parts[0].Text, g.cfg.topK())
}

func (g *geminiBackend) Close() error {
	g.client = nil
	return nil
}
