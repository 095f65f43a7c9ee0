package params

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestValidateRejectsUnevenSplits(t *testing.T) {
	cases := map[string]func(c *Config){
		"dim/heads":    func(c *Config) { c.Model.Dim = 10; c.Model.Heads = 4 },
		"heads/shards": func(c *Config) { c.Model.Heads = 6; c.Mesh.Shards = 4 },
		"vocab/shards": func(c *Config) { c.Model.Vocab = 255 },
		"zero mesh":    func(c *Config) { c.Mesh.Replicas = 0 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrShapeMismatch) {
			t.Fatalf("%s: expected ErrShapeMismatch, got %v", name, err)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	body := `{"Mesh":{"Replicas":2,"Shards":4},"Model":{"Dim":64,"Heads":8,"Layers":2,"Vocab":256,"SeqLen":32}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Mesh.Devices() != 8 || cfg.Model.DimPerHead() != 8 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Optimizer.AdamEps != DefaultConfig().Optimizer.AdamEps {
		t.Fatalf("defaults not kept: %+v", cfg.Optimizer)
	}
}
