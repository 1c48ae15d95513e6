package river

import (
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lirancohen/keel/contract"
	"github.com/lirancohen/keel/event/memory"
	graphmem "github.com/lirancohen/keel/graph/memory"
	"github.com/lirancohen/keel/lifecycle"
	snapmem "github.com/lirancohen/keel/snapshot/memory"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	store := memory.New()
	engine, err := lifecycle.New(lifecycle.Config{Events: store, Edges: graphmem.New()})
	if err != nil {
		t.Fatalf("lifecycle.New failed: %v", err)
	}
	return Config{
		Pool:   &pgxpool.Pool{},
		Events: store,
		Ledger: contract.NewLedger(store),
		Engine: engine,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing pool", func(c *Config) { c.Pool = nil }, true},
		{"missing events", func(c *Config) { c.Events = nil }, true},
		{"missing ledger", func(c *Config) { c.Ledger = nil }, true},
		{"missing engine", func(c *Config) { c.Engine = nil }, true},
		{"snapshots without folds", func(c *Config) { c.Snapshots = snapmem.New() }, true},
		{"snapshots with folds", func(c *Config) {
			c.Snapshots = snapmem.New()
			c.Folds = Folds{}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := validConfig(t)
	cfg.Workers = -1

	got := cfg.withDefaults()
	if got.Workers != runtime.NumCPU() {
		t.Errorf("Workers = %d, want NumCPU()=%d", got.Workers, runtime.NumCPU())
	}
	if got.JobTimeout != DefaultJobTimeout {
		t.Errorf("JobTimeout = %v, want %v", got.JobTimeout, DefaultJobTimeout)
	}
	if got.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v, want %v", got.ShutdownTimeout, DefaultShutdownTimeout)
	}
	if got.Logger == nil {
		t.Error("Logger should default to noop, not nil")
	}
}

func TestConfigWithDefaultsPreservesInsertOnly(t *testing.T) {
	cfg := validConfig(t)
	cfg.Workers = 0
	cfg.JobTimeout = 5 * time.Second

	got := cfg.withDefaults()
	if got.Workers != 0 {
		t.Errorf("Workers = %d, insert-only mode should be preserved", got.Workers)
	}
	if got.JobTimeout != 5*time.Second {
		t.Errorf("JobTimeout = %v, explicit value should be preserved", got.JobTimeout)
	}
}
