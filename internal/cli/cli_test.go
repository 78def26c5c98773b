package cli

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rustdrone/internal/classifier"
	"rustdrone/internal/config"
	"rustdrone/internal/drone"
	"rustdrone/internal/frame"
	"rustdrone/internal/frame/camera"
	"rustdrone/internal/hud"
	"rustdrone/internal/listener"
	"rustdrone/internal/match"
	"rustdrone/internal/session"
)

func writePNG(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		img.Set(x, x, color.RGBA{R: 200, G: 100, B: 50, A: 255})
	}
	p := filepath.Join(dir, "scene.png")
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return p
}

func testConfig(t *testing.T, script [][]classifier.Prediction) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Source.Kind = frame.KindScene
	cfg.Source.Scenes = []string{writePNG(t, t.TempDir())}
	cfg.Classifier.Backend = classifier.BackendFixture
	cfg.Classifier.Fixtures = script
	cfg.Boot.LineDelay = 0
	cfg.Boot.ReadyPause = 0
	cfg.TickInterval = time.Hour
	cfg.LogFile = ""
	return cfg
}

func bootDrone(t *testing.T, cfg *config.Config) *drone.Drone {
	t.Helper()
	d, err := buildDrone(cfg, hud.Multi{}, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	require.NoError(t, d.Boot(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

type fakeTerm struct {
	mu      sync.Mutex
	input   []string
	answers []bool
	lines   []string
}

func (f *fakeTerm) ReadLine() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.input) == 0 {
		return "", io.EOF
	}
	line := f.input[0]
	f.input = f.input[1:]
	return line, nil
}

func (f *fakeTerm) AsyncPrintln(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, s)
}

func (f *fakeTerm) AskYesNo(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return false
	}
	ans := f.answers[0]
	f.answers = f.answers[1:]
	return ans
}

func (f *fakeTerm) output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.lines, "\n")
}

func TestREPL_ScanAndSalvage(t *testing.T) {
	cfg := testConfig(t, [][]classifier.Prediction{
		{{Label: "coffee cup", Confidence: 0.7}, {Label: "book jacket", Confidence: 0.6}, {Label: "desk", Confidence: 0.2}},
	})
	cfg.MatchPolicy = string(session.PolicyManualSelect)
	d := bootDrone(t, cfg)
	term := &fakeTerm{}
	r := newREPL(term, d, log.New(io.Discard, "", 0))
	ctx := context.Background()

	r.handle(ctx, "scan")
	r.scans.Wait()
	snap := d.Snapshot()
	require.Len(t, snap.Candidates, 2)
	assert.Equal(t, 90.0, snap.Battery)

	r.handle(ctx, "salvage 1")
	assert.Equal(t, []string{"cup"}, d.Snapshot().Inventory)

	r.handle(ctx, "salvage 3")
	assert.Contains(t, term.output(), "Row 3 is not a salvageable target.")

	r.handle(ctx, "salvage CUP")
	assert.Contains(t, term.output(), "Objective [CUP] already recovered.")

	r.handle(ctx, "salvage bottle")
	assert.Contains(t, term.output(), "[SALVAGE FAILED]")

	r.handle(ctx, "salvage")
	assert.Contains(t, term.output(), "Usage: salvage")

	r.handle(ctx, "pick book")
	assert.Equal(t, []string{"cup", "book"}, d.Snapshot().Inventory)

	r.handle(ctx, "metrics")
	assert.Contains(t, term.output(), "MATCHED")
}

func TestREPL_SalvageMixedCaseObjective(t *testing.T) {
	cfg := testConfig(t, [][]classifier.Prediction{{{Label: "water bottle", Confidence: 0.8}}})
	cfg.MatchPolicy = string(session.PolicyManualSelect)
	cfg.Objectives = []session.ObjectiveSpec{
		{ID: "Bottle", MatchToken: "bottle"},
		{ID: "cup", MatchToken: "cup"},
	}
	d := bootDrone(t, cfg)
	term := &fakeTerm{}
	r := newREPL(term, d, log.New(io.Discard, "", 0))
	ctx := context.Background()

	r.handle(ctx, "scan")
	r.scans.Wait()
	require.Len(t, d.Snapshot().Candidates, 1)

	r.handle(ctx, "salvage bottle")
	assert.Equal(t, []string{"Bottle"}, d.Snapshot().Inventory)
	assert.NotContains(t, term.output(), "[SALVAGE FAILED]")

	r.handle(ctx, "salvage BOTTLE")
	assert.Contains(t, term.output(), "Objective [BOTTLE] already recovered.")
}

func TestResolveObjective(t *testing.T) {
	objectives := []match.Objective{{ID: "Cup"}, {ID: "cup"}, {ID: "Book"}}

	testCases := []struct {
		arg  string
		want string
	}{
		{arg: "cup", want: "cup"},
		{arg: "Cup", want: "Cup"},
		{arg: "CUP", want: "Cup"},
		{arg: "book", want: "Book"},
		{arg: "2", want: "2"},
		{arg: "lamp", want: "lamp"},
	}
	for _, tc := range testCases {
		t.Run(tc.arg, func(t *testing.T) {
			assert.Equal(t, tc.want, resolveObjective(tc.arg, objectives))
		})
	}
}

func TestREPL_ScanRejectedOnLowBattery(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Battery = 10
	d := bootDrone(t, cfg)
	term := &fakeTerm{}
	r := newREPL(term, d, log.New(io.Discard, "", 0))

	r.handle(context.Background(), "scan")
	r.scans.Wait()

	assert.Contains(t, term.output(), "[SCAN REJECTED] battery too low")
	assert.Equal(t, 10.0, d.Snapshot().Battery)
}

func TestREPL_Exit(t *testing.T) {
	testCases := []struct {
		name     string
		answers  []bool
		terminal bool
		want     bool
	}{
		{name: "confirmed", answers: []bool{true}, want: true},
		{name: "declined", answers: []bool{false}, want: false},
		{name: "no confirmation once disconnected", terminal: true, want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := bootDrone(t, testConfig(t, nil))
			if tc.terminal {
				cfg := testConfig(t, nil)
				cfg.Source.Scenes = []string{filepath.Join(t.TempDir(), "missing.png")}
				var err error
				d, err = buildDrone(cfg, hud.Multi{}, log.New(io.Discard, "", 0))
				require.NoError(t, err)
				require.Error(t, d.Boot(context.Background()))
			}
			term := &fakeTerm{answers: tc.answers}
			r := newREPL(term, d, log.New(io.Discard, "", 0))
			assert.Equal(t, tc.want, r.handle(context.Background(), "exit"))
		})
	}
}

func TestREPL_Run(t *testing.T) {
	d := bootDrone(t, testConfig(t, nil))
	term := &fakeTerm{
		input:   []string{"", "help", "dance", "status", "exit"},
		answers: []bool{true},
	}
	r := newREPL(term, d, log.New(io.Discard, "", 0))

	require.NoError(t, r.run(context.Background()))
	out := term.output()
	assert.Contains(t, out, helpText)
	assert.Contains(t, out, `Unknown command "dance"`)
	assert.Contains(t, out, "STATUS: READY")
	assert.True(t, strings.HasSuffix(out, "Goodbye!"))
}

func TestREPL_RunWithPlainConsole(t *testing.T) {
	cfg := testConfig(t, [][]classifier.Prediction{{{Label: "water bottle", Confidence: 0.9}}})
	d := bootDrone(t, cfg)
	var out bytes.Buffer
	console := listener.NewPlain(strings.NewReader("scan\nexit\nmaybe\ny\n"), &out)
	r := newREPL(console, d, log.New(io.Discard, "", 0))

	require.NoError(t, r.run(context.Background()))
	assert.Contains(t, out.String(), "Please answer y/n.")
	assert.Contains(t, out.String(), "Goodbye!")
	assert.Equal(t, []string{"bottle"}, d.Snapshot().Inventory)
}

func TestScanError(t *testing.T) {
	testCases := []struct {
		err  error
		want string
	}{
		{err: session.ErrBatteryLow, want: "[SCAN REJECTED] battery too low"},
		{err: session.ErrScanInProgress, want: "[SCAN REJECTED] scan already in progress"},
		{err: session.ErrDisconnected, want: "[SCAN REJECTED] drone disconnected"},
		{err: frame.ErrNotAcquired, want: "[SCAN FAILED] frame source not acquired"},
	}
	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, scanError(tc.err))
		})
	}
}

func TestNewSource(t *testing.T) {
	testCases := []struct {
		kind    string
		check   func(t *testing.T, src frame.Source)
		wantErr bool
	}{
		{kind: frame.KindScene, check: func(t *testing.T, src frame.Source) { assert.IsType(t, &frame.SceneSource{}, src) }},
		{kind: frame.KindWeb, check: func(t *testing.T, src frame.Source) { assert.IsType(t, &frame.WebSource{}, src) }},
		{kind: frame.KindCamera, check: func(t *testing.T, src frame.Source) { assert.IsType(t, &camera.Source{}, src) }},
		{kind: "satellite", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.kind, func(t *testing.T) {
			cfg := config.Default()
			cfg.Source.Kind = tc.kind
			src, err := newSource(cfg, log.New(io.Discard, "", 0))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, src.Name())
			tc.check(t, src)
		})
	}
}

type closeCountingSource struct {
	frame.Source
	closed int
}

func (c *closeCountingSource) Close() error {
	c.closed++
	return c.Source.Close()
}

func TestBuildDrone_ClosesSourceOnFailure(t *testing.T) {
	testCases := []struct {
		name       string
		mutate     func(*config.Config)
		wantErr    bool
		wantClosed int
	}{
		{name: "assembled", mutate: func(*config.Config) {}},
		{name: "unknown backend", mutate: func(c *config.Config) { c.Classifier.Backend = "tensorflow" }, wantErr: true, wantClosed: 1},
		{name: "unknown filter", mutate: func(c *config.Config) { c.Filter = "sepia" }, wantErr: true, wantClosed: 1},
		{name: "invalid session", mutate: func(c *config.Config) { c.Objectives = nil }, wantErr: true, wantClosed: 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, nil)
			tc.mutate(cfg)
			src := &closeCountingSource{Source: frame.NewSceneSource(cfg.Source.Scenes, nil)}

			d, err := buildDroneWithSource(cfg, src, hud.Multi{}, log.New(io.Discard, "", 0))
			if tc.wantErr {
				assert.Error(t, err)
				assert.Nil(t, d)
			} else {
				require.NoError(t, err)
				require.NotNil(t, d)
			}
			assert.Equal(t, tc.wantClosed, src.closed)
		})
	}
}

func TestFormatPredictions(t *testing.T) {
	specs := []session.ObjectiveSpec{{ID: "bottle", MatchToken: "bottle"}}

	assert.Equal(t, "No objects detected.", formatPredictions(nil, specs, 0.4))

	out := formatPredictions([]classifier.Prediction{
		{Label: "water bottle, pop bottle", Confidence: 0.81},
		{Label: "beer bottle", Confidence: 0.4},
	}, specs, 0.4)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "LABELS:", lines[0])
	assert.Contains(t, lines[1], "1. water bottle")
	assert.True(t, strings.HasSuffix(lines[1], " 81%  -> [BOTTLE]"))
	assert.True(t, strings.HasSuffix(lines[2], " 40%"), "threshold is exclusive")
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "drone.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestClassifyCommand(t *testing.T) {
	img := writePNG(t, t.TempDir())
	cfgPath := writeYAML(t, `
log_file: ""
classifier:
  backend: fixture
  fixtures:
    - - label: water bottle, pop bottle
        confidence: 0.81
      - label: cup
        confidence: 0.35
`)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", cfgPath, "classify", img})
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "1. water bottle")
	assert.Contains(t, out.String(), "-> [BOTTLE]")
	assert.Contains(t, out.String(), "2. cup")
}

func TestObjectivesCommand(t *testing.T) {
	cfgPath := writeYAML(t, `
log_file: ""
objectives:
  - id: mug
    match_token: cup
  - id: book
    match_token: book
`)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", cfgPath, "objectives"})
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "CHECKLIST (2):")
	assert.Contains(t, out.String(), `[ ] MUG          matches "cup"`)
}
