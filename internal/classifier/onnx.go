package classifier

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"log"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"
)

const (
	defaultInputSize  = 224
	defaultInputName  = "input"
	defaultOutputName = "output"
)

// ImageNet normalisation used by MobileNet-family exports.
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// onnxBackend runs an image classification model through ONNX Runtime. The
// model takes a [1,3,S,S] float tensor and yields one score per label.
type onnxBackend struct {
	cfg    Config
	logger *log.Logger

	mu          sync.Mutex
	labels      []string
	size        int
	input       *ort.Tensor[float32]
	output      *ort.Tensor[float32]
	session     *ort.AdvancedSession
	ownsRuntime bool
}

func newONNXBackend(cfg Config, logger *log.Logger) *onnxBackend {
	return &onnxBackend{cfg: cfg, logger: logger}
}

func (o *onnxBackend) Load(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if strings.TrimSpace(o.cfg.ModelPath) == "" {
		return fmt.Errorf("onnx: model_path is required")
	}
	labels, err := readLabels(o.cfg.LabelsPath)
	if err != nil {
		return err
	}
	if o.cfg.ORTLibrary != "" {
		ort.SetSharedLibraryPath(o.cfg.ORTLibrary)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("onnx runtime init: %w", err)
		}
		o.ownsRuntime = true
	}

	size := o.cfg.InputSize
	if size <= 0 {
		size = defaultInputSize
	}
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return fmt.Errorf("onnx input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(labels))))
	if err != nil {
		_ = input.Destroy()
		return fmt.Errorf("onnx output tensor: %w", err)
	}
	inName := firstNonEmpty(o.cfg.InputName, defaultInputName)
	outName := firstNonEmpty(o.cfg.OutputName, defaultOutputName)
	session, err := ort.NewAdvancedSession(o.cfg.ModelPath,
		[]string{inName}, []string{outName},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		_ = input.Destroy()
		_ = output.Destroy()
		return fmt.Errorf("onnx session: %w", err)
	}

	o.labels = labels
	o.size = size
	o.input = input
	o.output = output
	o.session = session
	logf(o.logger, "[Classifier] onnx model %s loaded (%d labels, input %dx%d)", o.cfg.ModelPath, len(labels), size, size)
	return nil
}

func (o *onnxBackend) Classify(ctx context.Context, img image.Image) ([]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil, ErrNotLoaded
	}
	fillInputTensor(img, o.size, o.input.GetData())
	if err := o.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	probs := scoresToProbabilities(o.output.GetData(), o.cfg.OutputProbabilities)
	return topPredictions(o.labels, probs, o.cfg.topK()), nil
}

func (o *onnxBackend) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil {
		_ = o.session.Destroy()
		o.session = nil
	}
	if o.input != nil {
		_ = o.input.Destroy()
		o.input = nil
	}
	if o.output != nil {
		_ = o.output.Destroy()
		o.output = nil
	}
	if o.ownsRuntime {
		o.ownsRuntime = false
		return ort.DestroyEnvironment()
	}
	return nil
}

func readLabels(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("onnx: labels_path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		labels = append(labels, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return labels, nil
}

// fillInputTensor scales img to size×size and writes it into dst in CHW order
// with per-channel normalisation. dst must hold 3*size*size values.
func fillInputTensor(img image.Image, size int, dst []float32) {
	scaled := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := scaled.PixOffset(x, y)
			idx := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(scaled.Pix[off+c]) / 255
				dst[c*plane+idx] = (v - channelMean[c]) / channelStd[c]
			}
		}
	}
}

// scoresToProbabilities maps raw model output to confidences in [0, 1].
// Logits go through softmax; normalised output is only clamped.
func scoresToProbabilities(scores []float32, normalised bool) []float64 {
	if !normalised {
		return softmax(scores)
	}
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = math.Min(math.Max(float64(s), 0), 1)
	}
	return out
}

func softmax(scores []float32) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	maxScore := float64(scores[0])
	for _, s := range scores[1:] {
		maxScore = math.Max(maxScore, float64(s))
	}
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(float64(s) - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func topPredictions(labels []string, probs []float64, k int) []Prediction {
	n := len(labels)
	if len(probs) < n {
		n = len(probs)
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return probs[idx[a]] > probs[idx[b]]
	})
	if k > 0 && len(idx) > k {
		idx = idx[:k]
	}
	out := make([]Prediction, len(idx))
	for i, j := range idx {
		out[i] = Prediction{Label: labels[j], Confidence: probs[j]}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
