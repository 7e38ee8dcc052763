package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fisirc/nur-worker/internal/config"
)

func TestDirPutWritesObject(t *testing.T) {
	root := t.TempDir()
	d := NewDir(root)

	if err := d.Put(context.Background(), "artifacts", "builds/fn-1.zst", strings.NewReader("blob")); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "artifacts", "builds", "fn-1.zst"))
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(got) != "blob" {
		t.Fatalf("unexpected object content %q", got)
	}
}

func TestDirPutRejectsEscapingKey(t *testing.T) {
	d := NewDir(t.TempDir())
	err := d.Put(context.Background(), "artifacts", "../../etc/passwd", strings.NewReader("x"))
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("expected ErrUpload, got %v", err)
	}
}

type recordedPut struct {
	method string
	path   string
}

func newFakeS3(t *testing.T, status int, body string) (*httptest.Server, *[]recordedPut) {
	t.Helper()
	var (
		mu   sync.Mutex
		puts []recordedPut
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		mu.Lock()
		puts = append(puts, recordedPut{method: r.Method, path: r.URL.Path})
		mu.Unlock()
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(status)
			io.WriteString(w, body)
			return
		}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, &puts
}

func testStorageConfig(endpoint string) config.StorageConfig {
	return config.StorageConfig{
		Bucket:       "nur-builds",
		Endpoint:     endpoint,
		Region:       "us-west-2",
		UsePathStyle: true,
		AccessKey:    "test",
		SecretKey:    "secret",
	}
}

func TestS3PutUploadsToBucketKey(t *testing.T) {
	server, puts := newFakeS3(t, http.StatusOK, "")
	s, err := NewS3(context.Background(), testStorageConfig(server.URL))
	if err != nil {
		t.Fatalf("NewS3 returned error: %v", err)
	}

	if err := s.Put(context.Background(), "nur-builds", "builds/fn-1.zst", bytes.NewReader([]byte("zstd"))); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if len(*puts) != 1 {
		t.Fatalf("expected one request, got %d", len(*puts))
	}
	got := (*puts)[0]
	if got.method != http.MethodPut || got.path != "/nur-builds/builds/fn-1.zst" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
}

func TestS3PutMapsAPIError(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`
	server, _ := newFakeS3(t, http.StatusForbidden, body)
	s, err := NewS3(context.Background(), testStorageConfig(server.URL))
	if err != nil {
		t.Fatalf("NewS3 returned error: %v", err)
	}

	err = s.Put(context.Background(), "nur-builds", "builds/fn-1.zst", bytes.NewReader([]byte("zstd")))
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("expected ErrUpload, got %v", err)
	}
	if !strings.Contains(err.Error(), "AccessDenied") {
		t.Fatalf("expected error code in message, got %v", err)
	}
}
