package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewManagerCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	cfg := m.Get()
	if cfg.ServerPort != 8080 || len(cfg.Sources) != 1 || cfg.Sources[0].URI != "synthetic://" {
		t.Errorf("defaults = %+v", cfg)
	}
	if m.Path() != path || m.Dir() != filepath.Dir(path) {
		t.Errorf("Path() = %s, Dir() = %s", m.Path(), m.Dir())
	}
}

const sample = `server_port: 9000
log_level: debug
sources:
  - name: cam
    uri: v4l2:///dev/video0?width=320&height=240
    fps: 25
    orientation: 1
    backoff: 20ms
stages:
  - name: spot
    source: cam
    analyzer: bright
    threshold: 200
    notify: true
preview:
  quality: 70
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	m, err := NewManager(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	cfg := m.Get()
	if cfg.ServerPort != 9000 || cfg.LogLevel != "debug" {
		t.Errorf("globals = %d %s", cfg.ServerPort, cfg.LogLevel)
	}
	src := cfg.Sources[0]
	if src.Name != "cam" || src.FPS != 25 || src.Orientation != 1 || src.Backoff != 20*time.Millisecond {
		t.Errorf("source = %+v", src)
	}
	if st := cfg.Stages[0]; st.Source != "cam" || !st.Notify || st.Threshold != 200 {
		t.Errorf("stage = %+v", st)
	}
	// unset preview keys fall back to defaults
	if cfg.Preview.Quality != 70 || !cfg.Preview.Enabled || !cfg.Preview.Stamp {
		t.Errorf("preview = %+v", cfg.Preview)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FRAMEGRAB_SERVER_PORT", "7070")
	t.Setenv("FRAMEGRAB_PREVIEW_QUALITY", "50")
	m, err := NewManager(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	cfg := m.Get()
	if cfg.ServerPort != 7070 || cfg.Preview.Quality != 50 {
		t.Errorf("port %d quality %d, want env overrides", cfg.ServerPort, cfg.Preview.Quality)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"port", func(c *Config) { c.ServerPort = 0 }, "server_port"},
		{"level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"quality", func(c *Config) { c.Preview.Quality = 101 }, "quality"},
		{"corner", func(c *Config) { c.Preview.Corner = "middle" }, "corner"},
		{"orientation", func(c *Config) { c.Sources[0].Orientation = 7 }, "camera"},
		{"unnamed source", func(c *Config) { c.Sources[0].Name = "" }, "name is required"},
		{"duplicate", func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) }, "duplicate"},
		{"dangling stage", func(c *Config) { c.Stages = []Stage{{Name: "s", Source: "nope"}} }, "unknown source"},
		{"stage analyzer", func(c *Config) { c.Stages = []Stage{{Name: "s", Source: "camera", Analyzer: "faces"}} }, "faces"},
		{"display object", func(c *Config) { c.Display = DisplayConfig{Enabled: true, Object: "nope", Width: 1, Height: 1} }, "display.object"},
		{"display size", func(c *Config) { c.Display = DisplayConfig{Enabled: true, Object: "camera"} }, "display"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	c := Defaults()
	c.Stages = []Stage{{Name: "a", Source: "camera"}, {Name: "b", Source: "a", Analyzer: "motion"}}
	if err := c.Validate(); err != nil {
		t.Errorf("chained stages rejected: %v", err)
	}
	c.Display = DisplayConfig{Enabled: true, Object: "b", Width: 320, Height: 240}
	if err := c.Validate(); err != nil {
		t.Errorf("display on a stage rejected: %v", err)
	}
}

func TestInvalidFile(t *testing.T) {
	if _, err := NewManager(writeConfig(t, "server_port: 99999\n")); err == nil {
		t.Error("NewManager() accepted an out-of-range port")
	}
}

func TestSetKey(t *testing.T) {
	path := writeConfig(t, sample)
	m, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.SetKey("server_port", "9191"); err != nil {
		t.Fatal(err)
	}
	if got := m.Get().ServerPort; got != 9191 {
		t.Errorf("ServerPort = %d", got)
	}
	if err := m.SetKey("preview.quality", "0"); err == nil {
		t.Error("SetKey() accepted quality 0")
	}
	if got := m.Get().Preview.Quality; got != 70 {
		t.Errorf("quality after rejected set = %d", got)
	}
	if _, err := m.GetKey("no.such.key"); err == nil {
		t.Error("GetKey() of unknown key succeeded")
	}

	// the change is persisted
	m2, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := m2.Get().ServerPort; got != 9191 {
		t.Errorf("reloaded ServerPort = %d", got)
	}
	if src := m2.Get().Sources[0]; src.Backoff != 20*time.Millisecond {
		t.Errorf("reloaded backoff = %v", src.Backoff)
	}
}

func TestMarshal(t *testing.T) {
	m, err := NewManager(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	out, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"server_port: 9000", "name: spot", "quality: 70"} {
		if !strings.Contains(string(out), want) {
			t.Errorf("Marshal() missing %q:\n%s", want, out)
		}
	}
}
