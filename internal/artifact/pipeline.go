// Package artifact turns a build output into a compressed, uploadable blob.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/fisirc/nur-worker/internal/domain"
	"github.com/fisirc/nur-worker/internal/logger"
)

// Extension is appended to every packaged artifact.
const Extension = ".zst"

var (
	ErrOutputMissing = errors.New("build output missing")
	ErrCompression   = errors.New("artifact compression failed")
)

// Ref points at a packaged artifact on local disk.
type Ref struct {
	Path string
	Size int64
}

// Key is the object storage key for the artifact of functionID.
func (r Ref) Key(functionID string) string {
	return "builds/" + functionID + Extension
}

// UnlinkedKey is used when the artifact cannot be tied to a function row.
func UnlinkedKey(scope, function string) string {
	return "builds/unlinked/" + scope + "/" + function + Extension
}

// Pipeline packages build outputs.
type Pipeline struct {
	level  zstd.EncoderLevel
	logger *slog.Logger
}

// New returns a Pipeline using the default zstd level.
func New(log *slog.Logger) *Pipeline {
	if log == nil {
		log = logger.Discard()
	}
	return &Pipeline{level: zstd.SpeedDefault, logger: log}
}

// Package locates spec's declared output under workRoot, copies it into
// buildsDir/<name>/<name><ext>, compresses the copy and removes the
// intermediate. Each function gets its own directory, so names that differ
// only by a dotted suffix never share a file.
func (p *Pipeline) Package(spec domain.FunctionSpec, workRoot, buildsDir string) (Ref, error) {
	source := filepath.Join(workRoot, spec.Directory, spec.OutputPath)
	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Ref{}, fmt.Errorf("%w: %s", ErrOutputMissing, spec.OutputPath)
		}
		return Ref{}, fmt.Errorf("%w: stat %s: %v", ErrOutputMissing, spec.OutputPath, err)
	}
	if !info.Mode().IsRegular() {
		return Ref{}, fmt.Errorf("%w: %s is not a regular file", ErrOutputMissing, spec.OutputPath)
	}

	functionDir := filepath.Join(buildsDir, spec.Name)
	if err := os.MkdirAll(functionDir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("create builds dir: %w", err)
	}

	copyPath := filepath.Join(functionDir, spec.Name+filepath.Ext(spec.OutputPath))
	if err := copyFile(source, copyPath); err != nil {
		return Ref{}, fmt.Errorf("copy build output: %w", err)
	}
	defer func() {
		if err := os.Remove(copyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("remove uncompressed artifact failed", "function", spec.Name, "path", copyPath, "error", err)
		}
	}()

	target := copyPath + Extension
	size, err := p.compress(copyPath, target)
	if err != nil {
		_ = os.Remove(target)
		return Ref{}, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	return Ref{Path: target, Size: size}, nil
}

func (p *Pipeline) compress(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(p.level))
	if err != nil {
		out.Close()
		return 0, err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
