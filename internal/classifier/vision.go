package classifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"sort"
	"strings"
)

const visionPrompt = "You are the object recognition unit of a scavenger drone. " +
	"List the distinct physical objects visible in the image, most prominent first. " +
	"Use short common English nouns as labels (for example \"bottle\", \"cup\", \"book\"). " +
	"Give each a confidence between 0 and 1. Return at most %d objects as strict JSON: " +
	"{\"predictions\": [{\"label\": \"<noun>\", \"confidence\": <number>}]}. No extra text."

// predictionSchema is the JSON schema both LLM backends ask the model to follow.
var predictionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"predictions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"label":      map[string]any{"type": "string"},
					"confidence": map[string]any{"type": "number"},
				},
				"required": []string{"label", "confidence"},
			},
		},
	},
	"required": []string{"predictions"},
}

func buildVisionPrompt(limit int) string {
	if limit <= 0 {
		limit = DefaultResultCap
	}
	return fmt.Sprintf(visionPrompt, limit)
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// parseVisionPredictions accepts either {"predictions": [...]} or a bare array,
// optionally wrapped in a markdown code fence. When limit is positive only the
// limit most confident predictions are kept.
func parseVisionPredictions(raw string, limit int) ([]Prediction, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty vision response")
	}

	var preds []Prediction
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &preds); err != nil {
			return nil, fmt.Errorf("decode vision response: %w", err)
		}
	} else {
		var wrapped struct {
			Predictions []Prediction `json:"predictions"`
		}
		if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
			return nil, fmt.Errorf("decode vision response: %w", err)
		}
		preds = wrapped.Predictions
	}
	if limit > 0 && len(preds) > limit {
		sort.SliceStable(preds, func(i, j int) bool {
			return preds[i].Confidence > preds[j].Confidence
		})
		preds = preds[:limit]
	}
	return preds, nil
}
