package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fisirc/nur-worker/internal/config"
	"github.com/fisirc/nur-worker/internal/logger"
	"github.com/fisirc/nur-worker/internal/repository/memory"
	"github.com/fisirc/nur-worker/internal/storage"
)

func TestOpenStoreWithoutDatabaseUsesMemory(t *testing.T) {
	store, closeStore, err := openStore(context.Background(), config.Config{}, logger.Discard())
	if err != nil {
		t.Fatalf("openStore returned error: %v", err)
	}
	defer closeStore()
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected in-memory store, got %T", store)
	}
}

func TestOpenUploaderWithoutBucketWritesLocally(t *testing.T) {
	dir := t.TempDir()
	up, bucket, err := openUploader(context.Background(), config.StorageConfig{}, dir, logger.Discard())
	if err != nil {
		t.Fatalf("openUploader returned error: %v", err)
	}
	if _, ok := up.(*storage.Dir); !ok {
		t.Fatalf("expected local directory uploader, got %T", up)
	}
	if err := up.Put(context.Background(), bucket, "builds/fn.zst", strings.NewReader("x")); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, bucket, "builds", "fn.zst")); err != nil {
		t.Fatalf("expected artifact on disk: %v", err)
	}
}
