package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/computex/market-engine/internal/matching"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	l, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := l.Config()
	if cfg.Port != "8080" || len(cfg.Lanes) != 2 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	g := l.Governance()
	if g.LaneCaps["standard"] != 10000 {
		t.Errorf("expected default cap 10000, got %d", g.LaneCaps["standard"])
	}
	if err := g.MatchingParams().Validate(); err != nil {
		t.Errorf("default matching params should validate: %v", err)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	writeFile(t, path, `
port: "9000"
lanes: [standard, bulk, gpu]
governance:
  fairness_window_matches: 8
  batch_sleep: 5ms
  price_composition: additive
  lane_caps:
    gpu: 50
`)
	t.Setenv("COMPUTEX_PORT", "9100")
	t.Setenv("COMPUTEX_GOVERNANCE_BATCH_MAX_MATCHES", "64")

	l, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := l.Config()
	if cfg.Port != "9100" {
		t.Errorf("env should override the file, got port %s", cfg.Port)
	}
	g := l.Governance()
	if g.FairnessWindowMatches != 8 || g.BatchSleep != 5*time.Millisecond {
		t.Errorf("file values not applied: %+v", g)
	}
	if g.BatchMaxMatches != 64 {
		t.Errorf("nested env override not applied, got %d", g.BatchMaxMatches)
	}
	if g.LaneCaps["gpu"] != 50 || g.LaneCaps["standard"] != 10000 {
		t.Errorf("lane caps should merge with defaults: %v", g.LaneCaps)
	}
	if g.MatchingParams().Composition != matching.Additive {
		t.Errorf("expected additive composition")
	}
	specs := g.LaneSpecs(cfg.Lanes)
	if len(specs) != 3 || specs[2].Name != "gpu" || specs[2].Cap != 50 {
		t.Errorf("unexpected lane specs: %+v", specs)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	writeFile(t, path, `
governance:
  batch_max_matches: 0
`)
	if _, err := Load(path, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestReload_KeepsLastGoodOnInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	writeFile(t, path, `
governance:
  fairness_window_matches: 8
`)
	l, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var seen []Governance
	l.OnGovernanceChange(func(g Governance) { seen = append(seen, g) })

	writeFile(t, path, `
governance:
  fairness_window_matches: 8
  reputation_weight: 7
`)
	if err := l.reload(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid reload to fail, got %v", err)
	}
	if l.Governance().ReputationWeight == 7 || len(seen) != 0 {
		t.Error("invalid reload must not replace the snapshot")
	}

	writeFile(t, path, `
governance:
  fairness_window_matches: 16
  sla_sweep_interval: 2s
`)
	if err := l.reload(); err != nil {
		t.Fatalf("valid reload: %v", err)
	}
	g := l.Governance()
	if g.FairnessWindowMatches != 16 || g.SLASweepInterval != 2*time.Second {
		t.Errorf("reload not applied: %+v", g)
	}
	if len(seen) != 1 || seen[0].FairnessWindowMatches != 16 {
		t.Errorf("listener not notified: %+v", seen)
	}
}
