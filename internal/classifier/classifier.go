package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"strings"
)

// DefaultResultCap is how many ranked labels a scan keeps.
const DefaultResultCap = 5

const (
	BackendONNX    = "onnx"
	BackendGemini  = "gemini"
	BackendOllama  = "ollama"
	BackendFixture = "fixture"
)

var ErrNotLoaded = errors.New("classifier: model not loaded")

// Prediction is one ranked label produced by a classifier.
type Prediction struct {
	Label      string  `json:"label" yaml:"label"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// Classifier turns an image into ranked labels.
//
// Load is called once during boot and is never retried. Classify may block on
// model inference; implementations must honour ctx where the backend allows it.
type Classifier interface {
	Load(ctx context.Context) error
	Classify(ctx context.Context, img image.Image) ([]Prediction, error)
	Close() error
}

// ModelLoadError reports that a backend could not be initialised.
type ModelLoadError struct {
	Backend string
	Err     error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("model load (%s): %v", e.Backend, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

type Config struct {
	Backend string `yaml:"backend"`
	Model   string `yaml:"model"`

	// TopK is how many ranked labels a backend returns. Zero selects
	// DefaultResultCap.
	TopK int `yaml:"top_k"`

	// onnx
	ORTLibrary string `yaml:"ort_library"`
	ModelPath  string `yaml:"model_path"`
	LabelsPath string `yaml:"labels_path"`
	InputName  string `yaml:"input_name"`
	OutputName string `yaml:"output_name"`
	InputSize  int    `yaml:"input_size"`

	// OutputProbabilities marks a model whose output is already normalised,
	// so scores are used as they are instead of through softmax.
	OutputProbabilities bool `yaml:"output_probabilities"`

	// gemini / ollama
	APIKey     string `yaml:"-"`
	OllamaHost string `yaml:"ollama_host"`

	// fixture: each entry answers one scan, cycling.
	Fixtures [][]Prediction `yaml:"fixtures"`
}

// New builds the backend named by cfg.Backend. The returned classifier is not
// loaded yet.
func New(cfg Config, logger *log.Logger) (Classifier, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendONNX
	}
	switch backend {
	case BackendONNX:
		return newONNXBackend(cfg, logger), nil
	case BackendGemini:
		return newGeminiBackend(cfg, logger), nil
	case BackendOllama:
		return newOllamaBackend(cfg, logger), nil
	case BackendFixture:
		return NewFixture(cfg.Fixtures), nil
	default:
		return nil, fmt.Errorf("unsupported classifier backend: %s", backend)
	}
}

func (c Config) topK() int {
	if c.TopK > 0 {
		return c.TopK
	}
	return DefaultResultCap
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
