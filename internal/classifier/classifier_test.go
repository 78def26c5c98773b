package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClassifier struct {
	preds   []Prediction
	err     error
	loadErr error
	panics  bool
}

func (s *stubClassifier) Load(context.Context) error { return s.loadErr }

func (s *stubClassifier) Classify(context.Context, image.Image) ([]Prediction, error) {
	if s.panics {
		panic("inference exploded")
	}
	return s.preds, s.err
}

func (s *stubClassifier) Close() error { return nil }

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}

func TestFailClosed_Classify(t *testing.T) {
	testCases := []struct {
		name  string
		inner *stubClassifier
		want  []Prediction
	}{
		{
			name:  "backend error becomes empty result",
			inner: &stubClassifier{err: errors.New("model crashed")},
			want:  []Prediction{},
		},
		{
			name:  "panic becomes empty result",
			inner: &stubClassifier{panics: true},
			want:  []Prediction{},
		},
		{
			name: "results are sorted, clamped and capped",
			inner: &stubClassifier{preds: []Prediction{
				{Label: "cup", Confidence: 0.2},
				{Label: "bottle", Confidence: 1.7},
				{Label: "  ", Confidence: 0.9},
				{Label: "book", Confidence: -0.1},
				{Label: "lamp", Confidence: 0.5},
				{Label: "desk", Confidence: 0.4},
				{Label: "pen", Confidence: 0.3},
			}},
			want: []Prediction{
				{Label: "bottle", Confidence: 1},
				{Label: "lamp", Confidence: 0.5},
				{Label: "desk", Confidence: 0.4},
				{Label: "pen", Confidence: 0.3},
				{Label: "cup", Confidence: 0.2},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := FailClosed(tc.inner, "stub", 5, nil)
			got, err := c.Classify(context.Background(), testImage())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFailClosed_NilImage(t *testing.T) {
	c := FailClosed(&stubClassifier{preds: []Prediction{{Label: "cup", Confidence: 0.9}}}, "stub", 5, nil)
	got, err := c.Classify(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFailClosed_LoadWrapsModelLoadError(t *testing.T) {
	c := FailClosed(&stubClassifier{loadErr: errors.New("no weights")}, "stub", 5, nil)
	err := c.Load(context.Background())
	require.Error(t, err)

	var mle *ModelLoadError
	require.True(t, errors.As(err, &mle))
	assert.Equal(t, "stub", mle.Backend)
	assert.Contains(t, err.Error(), "no weights")
}

func TestSanitize_StableOnTies(t *testing.T) {
	got := Sanitize([]Prediction{
		{Label: "a", Confidence: 0.5},
		{Label: "b", Confidence: 0.5},
		{Label: "c", Confidence: math.NaN()},
	}, 0)
	assert.Equal(t, []Prediction{
		{Label: "a", Confidence: 0.5},
		{Label: "b", Confidence: 0.5},
		{Label: "c", Confidence: 0},
	}, got)
}

func TestFixture_CyclesScript(t *testing.T) {
	f := NewFixture([][]Prediction{
		{{Label: "bottle", Confidence: 0.8}},
		{},
	})
	ctx := context.Background()

	_, err := f.Classify(ctx, testImage())
	assert.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, f.Load(ctx))
	first, err := f.Classify(ctx, testImage())
	require.NoError(t, err)
	assert.Equal(t, []Prediction{{Label: "bottle", Confidence: 0.8}}, first)

	second, err := f.Classify(ctx, testImage())
	require.NoError(t, err)
	assert.Empty(t, second)

	third, err := f.Classify(ctx, testImage())
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "tensorflow"}, nil)
	assert.Error(t, err)

	c, err := New(Config{Backend: "Fixture"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Fixture{}, c)
}

func TestParseVisionPredictions(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		limit   int
		want    []Prediction
		wantErr bool
	}{
		{
			name: "wrapped object",
			raw:  `{"predictions":[{"label":"cup","confidence":0.7}]}`,
			want: []Prediction{{Label: "cup", Confidence: 0.7}},
		},
		{
			name: "bare array in code fence",
			raw:  "```json\n[{\"label\":\"book\",\"confidence\":0.55}]\n```",
			want: []Prediction{{Label: "book", Confidence: 0.55}},
		},
		{
			name:  "keeps the most confident up to the limit",
			raw:   `[{"label":"desk","confidence":0.2},{"label":"cup","confidence":0.9},{"label":"book","confidence":0.5}]`,
			limit: 2,
			want:  []Prediction{{Label: "cup", Confidence: 0.9}, {Label: "book", Confidence: 0.5}},
		},
		{
			name:    "empty",
			raw:     "   ",
			wantErr: true,
		},
		{
			name:    "prose",
			raw:     "I can see a bottle.",
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseVisionPredictions(tc.raw, tc.limit)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAllowedGeminiModel(t *testing.T) {
	assert.Equal(t, geminiDefault, allowedGeminiModel(""))
	assert.Equal(t, geminiDefault, allowedGeminiModel("gpt-4o"))
	assert.Equal(t, "gemini-2.5-pro", allowedGeminiModel(" gemini-2.5-pro "))
}

func TestSoftmaxAndTopPredictions(t *testing.T) {
	probs := softmax([]float32{1, 3, 2})
	var sum float64
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, probs[1], probs[2])
	assert.Greater(t, probs[2], probs[0])

	top := topPredictions([]string{"cup", "water bottle", "book"}, probs, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "water bottle", top[0].Label)
	assert.Equal(t, "book", top[1].Label)
}

func TestScoresToProbabilities(t *testing.T) {
	testCases := []struct {
		name       string
		scores     []float32
		normalised bool
		want       []float64
	}{
		{name: "normalised output kept", scores: []float32{0.5, 0.25, 0.25}, normalised: true, want: []float64{0.5, 0.25, 0.25}},
		{name: "normalised output clamped", scores: []float32{1.5, -0.5}, normalised: true, want: []float64{1, 0}},
		{name: "equal logits", scores: []float32{2, 2}, want: []float64{0.5, 0.5}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := scoresToProbabilities(tc.scores, tc.normalised)
			require.Len(t, got, len(tc.want))
			for i := range tc.want {
				assert.InDelta(t, tc.want[i], got[i], 1e-6)
			}
		})
	}
}

func TestConfigTopK(t *testing.T) {
	testCases := []struct {
		topK int
		want int
	}{
		{topK: 0, want: DefaultResultCap},
		{topK: -1, want: DefaultResultCap},
		{topK: 3, want: 3},
		{topK: 10, want: 10},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprint(tc.topK), func(t *testing.T) {
			assert.Equal(t, tc.want, Config{TopK: tc.topK}.topK())
			assert.Contains(t, buildVisionPrompt(Config{TopK: tc.topK}.topK()), fmt.Sprintf("at most %d objects", tc.want))
		})
	}
}

func TestFillInputTensor(t *testing.T) {
	const size = 2
	dst := make([]float32, 3*size*size)
	fillInputTensor(testImage(), size, dst)

	plane := size * size
	wantR := (float32(200)/255 - channelMean[0]) / channelStd[0]
	wantB := (float32(50)/255 - channelMean[2]) / channelStd[2]
	for i := 0; i < plane; i++ {
		assert.InDelta(t, wantR, dst[i], 1e-4)
		assert.InDelta(t, wantB, dst[2*plane+i], 1e-4)
	}
}
