// Package config loads the drone configuration from YAML, a .env file and
// environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"rustdrone/internal/classifier"
	"rustdrone/internal/frame"
	"rustdrone/internal/hud"
	"rustdrone/internal/session"
)

type Config struct {
	Battery        float64                 `yaml:"battery"`
	ScanCost       float64                 `yaml:"scan_cost"`
	MatchThreshold float64                 `yaml:"match_threshold"`
	ResultCap      int                     `yaml:"result_cap"`
	TickInterval   time.Duration           `yaml:"tick_interval"`
	TickDrain      float64                 `yaml:"tick_drain"`
	MatchPolicy    string                  `yaml:"match_policy"`
	Objectives     []session.ObjectiveSpec `yaml:"objectives"`

	Filter           string `yaml:"filter"`
	FilterSeed       uint64 `yaml:"filter_seed"`
	ClassifyFiltered bool   `yaml:"classify_filtered"`

	// ScanTimeout bounds classification; zero disables it.
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	Boot       BootConfig        `yaml:"boot"`
	Source     SourceConfig      `yaml:"source"`
	Classifier classifier.Config `yaml:"classifier"`
	HUD        HUDConfig         `yaml:"hud"`

	LogFile string `yaml:"log_file"`
}

type BootConfig struct {
	LineDelay  time.Duration `yaml:"line_delay"`
	ReadyPause time.Duration `yaml:"ready_pause"`
}

type SourceConfig struct {
	Kind     string   `yaml:"kind"`
	Scenes   []string `yaml:"scenes"`
	PageURL  string   `yaml:"page_url"`
	Selector string   `yaml:"selector"`
	Device   string   `yaml:"device"`
	Width    int      `yaml:"width"`
	Height   int      `yaml:"height"`

	// AcquireTimeout bounds the wait for the first camera frame.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

type HUDConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Format      string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Battery:        session.MaxBattery,
		ScanCost:       10,
		MatchThreshold: 0.4,
		ResultCap:      classifier.DefaultResultCap,
		TickInterval:   time.Second,
		TickDrain:      0.5,
		MatchPolicy:    string(session.PolicyAutoApply),
		Objectives: []session.ObjectiveSpec{
			{ID: "bottle", MatchToken: "bottle"},
			{ID: "cup", MatchToken: "cup"},
			{ID: "book", MatchToken: "book"},
		},
		Filter:           frame.FilterAmber,
		ClassifyFiltered: true,
		Boot: BootConfig{
			LineDelay:  200 * time.Millisecond,
			ReadyPause: 500 * time.Millisecond,
		},
		Source: SourceConfig{
			Kind:     frame.KindCamera,
			Selector: "img",
			Width:    640,
			Height:   480,

			AcquireTimeout: 10 * time.Second,
		},
		Classifier: classifier.Config{
			Backend:   classifier.BackendONNX,
			InputSize: 224,
		},
		HUD: HUDConfig{MQTT: MQTTConfig{
			ClientID:    "rust-drone",
			TopicPrefix: "rustdrone",
			Format:      hud.FormatJSON,
		}},
		LogFile: "drone.log",
	}
}

// LoadDotEnv loads .env files into the environment. Missing files are
// ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("DRONE_CLASSIFIER", &c.Classifier.Backend)
	set("DRONE_MODEL", &c.Classifier.Model)
	set("GEMINI_API_KEY", &c.Classifier.APIKey)
	set("OLLAMA_HOST", &c.Classifier.OllamaHost)
	set("DRONE_SOURCE", &c.Source.Kind)
	if v, ok := lookup("DRONE_MQTT_BROKER"); ok && strings.TrimSpace(v) != "" {
		c.HUD.MQTT.Broker = strings.TrimSpace(v)
		c.HUD.MQTT.Enabled = true
	}
}

// ApplyDefaults fills zero values left by a partial config file.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Battery == 0 {
		c.Battery = d.Battery
	}
	if c.ScanCost == 0 {
		c.ScanCost = d.ScanCost
	}
	if c.ResultCap == 0 {
		c.ResultCap = d.ResultCap
	}
	if c.TickInterval == 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MatchPolicy == "" {
		c.MatchPolicy = d.MatchPolicy
	}
	if len(c.Objectives) == 0 {
		c.Objectives = d.Objectives
	}
	if c.Filter == "" {
		c.Filter = d.Filter
	}
	if c.Source.Kind == "" {
		c.Source.Kind = d.Source.Kind
	}
	if c.Source.Selector == "" {
		c.Source.Selector = d.Source.Selector
	}
	if c.Source.Width == 0 {
		c.Source.Width = d.Source.Width
	}
	if c.Source.Height == 0 {
		c.Source.Height = d.Source.Height
	}
	if c.Source.AcquireTimeout == 0 {
		c.Source.AcquireTimeout = d.Source.AcquireTimeout
	}
	if c.Classifier.Backend == "" {
		c.Classifier.Backend = d.Classifier.Backend
	}
	if c.Classifier.InputSize == 0 {
		c.Classifier.InputSize = d.Classifier.InputSize
	}
	if c.HUD.MQTT.ClientID == "" {
		c.HUD.MQTT.ClientID = d.HUD.MQTT.ClientID
	}
	if c.HUD.MQTT.TopicPrefix == "" {
		c.HUD.MQTT.TopicPrefix = d.HUD.MQTT.TopicPrefix
	}
	if c.HUD.MQTT.Format == "" {
		c.HUD.MQTT.Format = d.HUD.MQTT.Format
	}
	c.Source.Kind = strings.ToLower(c.Source.Kind)
	c.Classifier.Backend = strings.ToLower(c.Classifier.Backend)
	c.HUD.MQTT.Format = strings.ToLower(c.HUD.MQTT.Format)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Battery <= 0 || c.Battery > session.MaxBattery {
		errs = append(errs, fmt.Errorf("battery must be in (0, %.0f]", session.MaxBattery))
	}
	if c.ScanCost <= 0 {
		errs = append(errs, errors.New("scan_cost must be positive"))
	}
	if c.MatchThreshold < 0 || c.MatchThreshold >= 1 {
		errs = append(errs, errors.New("match_threshold must be in [0, 1)"))
	}
	if c.ResultCap <= 0 {
		errs = append(errs, errors.New("result_cap must be positive"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be positive"))
	}
	if c.TickDrain < 0 {
		errs = append(errs, errors.New("tick_drain must not be negative"))
	}
	if c.ScanTimeout < 0 {
		errs = append(errs, errors.New("scan_timeout must not be negative"))
	}
	switch session.Policy(c.MatchPolicy) {
	case session.PolicyAutoApply, session.PolicyManualSelect:
	default:
		errs = append(errs, fmt.Errorf("unknown match_policy %q", c.MatchPolicy))
	}
	if _, err := frame.FilterByName(c.Filter, 0); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool, len(c.Objectives))
	for i, o := range c.Objectives {
		id := strings.TrimSpace(o.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("objectives[%d]: empty id", i))
		case strings.TrimSpace(o.MatchToken) == "":
			errs = append(errs, fmt.Errorf("objectives[%d]: empty match_token", i))
		case seen[id]:
			errs = append(errs, fmt.Errorf("objectives[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
	}

	switch c.Source.Kind {
	case frame.KindScene:
		if len(c.Source.Scenes) == 0 {
			errs = append(errs, errors.New("source.scenes is required for scene sources"))
		}
	case frame.KindWeb:
		if strings.TrimSpace(c.Source.PageURL) == "" {
			errs = append(errs, errors.New("source.page_url is required for web sources"))
		}
	case frame.KindCamera:
		if c.Source.Width <= 0 || c.Source.Height <= 0 {
			errs = append(errs, errors.New("source width and height must be positive"))
		}
		if c.Source.AcquireTimeout <= 0 {
			errs = append(errs, errors.New("source.acquire_timeout must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.kind %q", c.Source.Kind))
	}

	switch c.Classifier.Backend {
	case classifier.BackendONNX, classifier.BackendGemini, classifier.BackendOllama, classifier.BackendFixture:
	default:
		errs = append(errs, fmt.Errorf("unknown classifier.backend %q", c.Classifier.Backend))
	}
	if c.Classifier.TopK < 0 {
		errs = append(errs, errors.New("classifier.top_k must not be negative"))
	}

	if m := c.HUD.MQTT; m.Enabled {
		if strings.TrimSpace(m.Broker) == "" {
			errs = append(errs, errors.New("hud.mqtt.broker is required when mqtt is enabled"))
		}
		if m.QoS > 2 {
			errs = append(errs, fmt.Errorf("hud.mqtt.qos must be 0, 1 or 2, got %d", m.QoS))
		}
		if m.Format != hud.FormatJSON && m.Format != hud.FormatMsgpack {
			errs = append(errs, fmt.Errorf("unknown hud.mqtt.format %q", m.Format))
		}
	}
	return errors.Join(errs...)
}

// Settings returns the session rules of the configuration.
func (c *Config) Settings() session.Settings {
	return session.Settings{
		Battery:        c.Battery,
		ScanCost:       c.ScanCost,
		MatchThreshold: c.MatchThreshold,
		ResultCap:      c.ResultCap,
		Policy:         session.Policy(c.MatchPolicy),
	}
}

// ClassifierConfig returns the backend configuration. A backend returns
// result_cap labels unless classifier.top_k overrides it.
func (c *Config) ClassifierConfig() classifier.Config {
	cc := c.Classifier
	if cc.TopK == 0 {
		cc.TopK = c.ResultCap
	}
	return cc
}

// resolvePaths makes file references relative to the config file's
// directory.
func (c *Config) resolvePaths(dir string) {
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	for i, s := range c.Source.Scenes {
		c.Source.Scenes[i] = rel(s)
	}
	c.Classifier.ModelPath = rel(c.Classifier.ModelPath)
	c.Classifier.LabelsPath = rel(c.Classifier.LabelsPath)
}
