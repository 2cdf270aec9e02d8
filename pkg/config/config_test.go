package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"riskgate/pkg/policy"
)

const minimalYAML = `
listen_addr: ":9000"
vector:
  dimension: 90
  max_per_user: 500
  min_for_search: 5
  top_k: 10
similarity:
  high: 0.85
  medium: 0.70
  low: 0.50
drift:
  window_size: 20
  drift_threshold: 0.15
  adaptation_threshold: 0.3
  smoothing: 0.1
phases:
  learning_sessions: 5
  gradual_sessions: 15
fusion:
  similarity_layer: 0.4
  model_layer: 0.6
policy:
  default_level: level_2
  high_value_threshold: 10000
  max_failures_per_hour: 5
  levels:
    level_2:
      allow: 0.75
      challenge: 0.55
      block: 0.35
scorers:
  context_url: "http://localhost:8101"
  graph_url: "http://localhost:8102"
  timeout_ms: 800
limits:
  max_concurrent_sessions: 128
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "riskgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %s", cfg.ListenAddr)
	}
	if cfg.Vector.MaxPerUser != 500 {
		t.Errorf("max_per_user = %d", cfg.Vector.MaxPerUser)
	}
	if cfg.Limits.MaxConcurrentSessions != 128 {
		t.Errorf("max_concurrent_sessions = %d", cfg.Limits.MaxConcurrentSessions)
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestValidateRejectsBadThresholdOrder(t *testing.T) {
	cfg := Default()
	cfg.Policy.Levels["level_2"] = policy.Thresholds{Allow: 0.35, Challenge: 0.55, Block: 0.75}
	if err := cfg.Validate(); err == nil {
		t.Error("inverted policy thresholds accepted")
	}
}

func TestValidateRejectsBadWeightSum(t *testing.T) {
	cfg := Default()
	cfg.Fusion.SimilarityLayer = 0.5
	cfg.Fusion.ModelLayer = 0.7
	if err := cfg.Validate(); err == nil {
		t.Error("weights summing to 1.2 accepted")
	}
}

func TestValidateRejectsBadPhaseOrder(t *testing.T) {
	cfg := Default()
	cfg.Phases.GradualSessions = 3
	if err := cfg.Validate(); err == nil {
		t.Error("gradual below learning accepted")
	}
}

func TestWeightsDerivation(t *testing.T) {
	cfg := Default()
	w := cfg.Weights()
	if w.Similarity != 0.2 || w.Drift != 0.2 || w.Context != 0.3 || w.Graph != 0.3 {
		t.Errorf("weights = %+v", w)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RISKGATE_LISTEN_ADDR", ":7777")
	t.Setenv("RISKGATE_CONTEXT_SCORER_URL", "http://ctx:9999")

	path := writeConfig(t, t.TempDir(), minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Errorf("env override ignored, listen_addr = %s", cfg.ListenAddr)
	}
	if cfg.Scorers.ContextURL != "http://ctx:9999" {
		t.Errorf("env override ignored, context_url = %s", cfg.Scorers.ContextURL)
	}
}

func TestManagerHotReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalYAML)

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer m.Close()

	if got := m.Current().ListenAddr; got != ":9000" {
		t.Fatalf("initial listen_addr = %s", got)
	}

	updated := strings.Replace(minimalYAML, `listen_addr: ":9000"`, `listen_addr: ":9001"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current().ListenAddr == ":9001" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("config not reloaded, listen_addr = %s", m.Current().ListenAddr)
}

func TestManagerKeepsSnapshotOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalYAML)

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer m.Close()

	if err := os.WriteFile(path, []byte("vector:\n  dimension: -1\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	// Give the watcher time to see the bad write, then confirm the old
	// snapshot survived.
	time.Sleep(300 * time.Millisecond)
	if got := m.Current().Vector.Dimension; got != 90 {
		t.Errorf("bad reload replaced snapshot, dimension = %d", got)
	}
}
