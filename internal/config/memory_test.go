package config

import (
	"context"
	"testing"

	"github.com/drsoft-oss/proxypoolsvc/pkg/errs"
)

func TestMemoryRepository_LoadMissingIsNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.Load(context.Background(), Key{Market: "hk", Mode: ModeLive})
	if !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestMemoryRepository_SaveThenLoad(t *testing.T) {
	repo := NewMemoryRepository()
	key := Key{Market: "hk", Mode: ModeLive}
	cfg := Default()
	cfg.TargetSize = 42

	if err := repo.Save(context.Background(), key, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := repo.Load(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if got.TargetSize != 42 {
		t.Fatalf("expected target_size 42, got %d", got.TargetSize)
	}
}

func TestMemoryRepository_StatusDefaultsWhenMissing(t *testing.T) {
	repo := NewMemoryRepository()
	st, err := repo.LoadStatus(context.Background(), Key{Market: "cn", Mode: ModeLive})
	if err != nil {
		t.Fatal(err)
	}
	if st.IsRunning {
		t.Fatal("expected default status to report not running")
	}
}

func TestMemoryRepository_All(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Save(context.Background(), Key{Market: "hk", Mode: ModeLive}, Default())
	repo.Save(context.Background(), Key{Market: "us", Mode: ModeBackfill}, Default())

	all, err := repo.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(all))
	}
}
