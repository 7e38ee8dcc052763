// Package storage uploads packaged artifacts to object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrUpload wraps every failed Put.
var ErrUpload = errors.New("artifact upload failed")

// Uploader stores one object.
type Uploader interface {
	Put(ctx context.Context, bucket, key string, body io.Reader) error
}

// Dir stores objects on the local filesystem under root/<bucket>/<key>.
type Dir struct {
	root string
}

// NewDir returns a Dir rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Root returns the directory objects are written under.
func (d *Dir) Root() string {
	return d.root
}

// Put implements Uploader.
func (d *Dir) Put(ctx context.Context, bucket, key string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}
	rel := filepath.FromSlash(filepath.Join(bucket, key))
	if bucket == "" || key == "" || !filepath.IsLocal(rel) {
		return fmt.Errorf("%w: invalid object path %q/%q", ErrUpload, bucket, key)
	}
	target := filepath.Join(d.root, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}
	return nil
}
