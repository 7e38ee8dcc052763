package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fisirc/nur-worker/internal/artifact"
	"github.com/fisirc/nur-worker/internal/config"
	"github.com/fisirc/nur-worker/internal/docker"
	"github.com/fisirc/nur-worker/internal/domain"
	"github.com/fisirc/nur-worker/internal/executor"
	"github.com/fisirc/nur-worker/internal/ledger"
	"github.com/fisirc/nur-worker/internal/repository"
	"github.com/fisirc/nur-worker/internal/repository/memory"
	"github.com/fisirc/nur-worker/internal/storage"
)

// behavior scripts what the build command of one function does.
type behavior struct {
	exitCode int
	block    bool
	panics   bool
}

type scriptedRuntime struct {
	mu        sync.Mutex
	behaviors map[string]behavior
	owners    map[string]string
	creates   atomic.Int32
	removes   atomic.Int32
}

func newScriptedRuntime(behaviors map[string]behavior) *scriptedRuntime {
	return &scriptedRuntime{behaviors: behaviors, owners: make(map[string]string)}
}

func (r *scriptedRuntime) EnsureImage(context.Context, string) error { return nil }

func (r *scriptedRuntime) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	n := r.creates.Add(1)
	id := fmt.Sprintf("ctr-%d", n)
	r.mu.Lock()
	r.owners[id] = spec.Labels["nur.function"]
	r.mu.Unlock()
	return id, nil
}

func (r *scriptedRuntime) StartContainer(context.Context, string) error { return nil }

func (r *scriptedRuntime) Exec(ctx context.Context, id string, _ docker.ExecSpec, out io.Writer) (int, error) {
	r.mu.Lock()
	b := r.behaviors[r.owners[id]]
	r.mu.Unlock()
	if b.panics {
		panic("runtime exploded")
	}
	if b.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return b.exitCode, nil
}

func (r *scriptedRuntime) RemoveContainer(context.Context, string) error {
	r.removes.Add(1)
	return nil
}

type harness struct {
	dispatcher *Dispatcher
	runtime    *scriptedRuntime
	store      *memory.Store
	objects    string
	tree       string
}

type harnessOption func(*harnessSettings)

type harnessSettings struct {
	timeout     time.Duration
	maxParallel int
	metrics     *Metrics
}

func newHarness(t *testing.T, behaviors map[string]behavior, wrap func(*memory.Store) ledgerStore, opts ...harnessOption) *harness {
	t.Helper()
	settings := harnessSettings{timeout: time.Second}
	for _, opt := range opts {
		opt(&settings)
	}

	rt := newScriptedRuntime(behaviors)
	exec := executor.New(rt, executor.Options{
		Images: config.ImageConfig{Rust: "rust-builder", Node: "node-builder", Go: "go-builder"},
	}, nil)

	mem := memory.New()
	var store ledgerStore = mem
	if wrap != nil {
		store = wrap(mem)
	}
	objects := t.TempDir()
	d := New(Config{
		Bucket:      "nur-builds",
		BuildsDir:   t.TempDir(),
		Limits:      executor.Limits{Timeout: settings.timeout, MemoryBytes: 1 << 30},
		Identity:    executor.Identity{UID: 1000, GID: 1000},
		MaxParallel: settings.maxParallel,
	}, exec, artifact.New(nil), ledger.New(store, time.Second, nil), storage.NewDir(objects), settings.metrics, nil)

	return &harness{dispatcher: d, runtime: rt, store: mem, objects: objects, tree: t.TempDir()}
}

func withTimeout(d time.Duration) harnessOption {
	return func(s *harnessSettings) { s.timeout = d }
}

func withMaxParallel(n int) harnessOption {
	return func(s *harnessSettings) { s.maxParallel = n }
}

func withMetrics(m *Metrics) harnessOption {
	return func(s *harnessSettings) { s.metrics = m }
}

func (h *harness) writeOutput(t *testing.T, spec domain.FunctionSpec) {
	t.Helper()
	path := filepath.Join(h.tree, spec.Directory, spec.OutputPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("artifact of "+spec.Name), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
}

func (h *harness) job() domain.BuildJob {
	return domain.BuildJob{
		WorkingTreePath: h.tree,
		RepoID:          "996942708",
		CommitSHA:       "2344c05c8136",
		Branch:          "main",
		CommitMessage:   "nur test",
	}
}

func (h *harness) functionID(t *testing.T, name string) string {
	t.Helper()
	l := ledger.New(h.store, time.Second, nil)
	projectID, err := l.EnsureProject(context.Background(), h.job().RepoID)
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	id, err := l.LookupFunctionID(context.Background(), projectID, name)
	if err != nil {
		t.Fatalf("LookupFunctionID(%s): %v", name, err)
	}
	return id
}

func fnSpec(name string, template domain.Template) domain.FunctionSpec {
	return domain.FunctionSpec{
		Name:         name,
		Directory:    filepath.Join("fn", name),
		Template:     template,
		BuildCommand: "make",
		OutputPath:   filepath.Join("out", name+".bin"),
	}
}

func resultFor(t *testing.T, out domain.BuildOutcome, name string) domain.FunctionBuildResult {
	t.Helper()
	for _, r := range out.Results {
		if r.FunctionName == name {
			return r
		}
	}
	t.Fatalf("no result for %s in %+v", name, out.Results)
	return domain.FunctionBuildResult{}
}

func TestDispatchPartialFailure(t *testing.T) {
	h := newHarness(t, map[string]behavior{"a": {exitCode: 0}, "b": {exitCode: 1}}, nil)
	a, b := fnSpec("a", domain.TemplateRust), fnSpec("b", domain.TemplateNode)
	h.writeOutput(t, a)

	out := h.dispatcher.Dispatch(context.Background(), h.job(), domain.BuildManifest{Functions: []domain.FunctionSpec{a, b}})

	if out.OverallStatus != domain.StatusPartialFailure {
		t.Fatalf("expected partial failure, got %s", out.OverallStatus)
	}
	if out.BuildID == "" {
		t.Fatal("expected a build id")
	}
	if out.Results[0].FunctionName != "a" || out.Results[1].FunctionName != "b" {
		t.Fatalf("expected results in manifest order, got %+v", out.Results)
	}

	ra := resultFor(t, out, "a")
	wantKey := "builds/" + h.functionID(t, "a") + ".zst"
	if !ra.Succeeded() || ra.ArtifactKey != wantKey {
		t.Fatalf("unexpected result for a: %+v (want key %s)", ra, wantKey)
	}
	if _, err := os.Stat(filepath.Join(h.objects, "nur-builds", filepath.FromSlash(wantKey))); err != nil {
		t.Fatalf("expected uploaded object: %v", err)
	}

	rb := resultFor(t, out, "b")
	if rb.Outcome != domain.OutcomeFailed || rb.Reason != ReasonBuildFailed {
		t.Fatalf("unexpected result for b: %+v", rb)
	}
	if rb.ExitCode == nil || *rb.ExitCode != 1 {
		t.Fatalf("expected exit code 1 for b, got %v", rb.ExitCode)
	}

	if n := len(h.store.Builds()); n != 1 {
		t.Fatalf("expected exactly one build row, got %d", n)
	}
	statuses := map[string]domain.DeploymentStatus{}
	for _, dep := range h.store.Deployments() {
		if dep.BuildID != out.BuildID {
			t.Fatalf("deployment linked to %s, want %s", dep.BuildID, out.BuildID)
		}
		statuses[dep.FunctionID] = dep.Status
	}
	if len(statuses) != 2 {
		t.Fatalf("expected one deployment per function, got %+v", h.store.Deployments())
	}
	if statuses[h.functionID(t, "a")] != domain.DeploymentSuccess || statuses[h.functionID(t, "b")] != domain.DeploymentFailure {
		t.Fatalf("unexpected deployment statuses %+v", statuses)
	}
	if h.runtime.creates.Load() != h.runtime.removes.Load() {
		t.Fatalf("containers leaked: %d created, %d removed", h.runtime.creates.Load(), h.runtime.removes.Load())
	}
}

func TestDispatchUnsupportedTemplate(t *testing.T) {
	h := newHarness(t, map[string]behavior{"api": {}}, nil)
	py := fnSpec("py", domain.ParseTemplate("python"))
	api := fnSpec("api", domain.TemplateGo)
	h.writeOutput(t, api)

	out := h.dispatcher.Dispatch(context.Background(), h.job(), domain.BuildManifest{Functions: []domain.FunctionSpec{py, api}})

	if out.OverallStatus != domain.StatusPartialFailure {
		t.Fatalf("expected partial failure, got %s", out.OverallStatus)
	}
	rp := resultFor(t, out, "py")
	if rp.Outcome != domain.OutcomeFailed || rp.Reason != ReasonUnsupportedTemplate {
		t.Fatalf("unexpected python result %+v", rp)
	}
	if !errors.Is(rp.Err, executor.ErrUnsupportedTemplate) {
		t.Fatalf("expected ErrUnsupportedTemplate, got %v", rp.Err)
	}
	if !resultFor(t, out, "api").Succeeded() {
		t.Fatal("expected the go function to succeed")
	}
	if h.runtime.creates.Load() != 1 {
		t.Fatalf("expected a container only for the supported function, got %d", h.runtime.creates.Load())
	}
}

func TestDispatchTimeoutIsIsolated(t *testing.T) {
	h := newHarness(t, map[string]behavior{"slow": {block: true}, "fast": {}}, nil, withTimeout(50*time.Millisecond))
	slow, fast := fnSpec("slow", domain.TemplateRust), fnSpec("fast", domain.TemplateGo)
	h.writeOutput(t, fast)

	out := h.dispatcher.Dispatch(context.Background(), h.job(), domain.BuildManifest{Functions: []domain.FunctionSpec{slow, fast}})

	if out.OverallStatus != domain.StatusPartialFailure {
		t.Fatalf("expected partial failure, got %s", out.OverallStatus)
	}
	rs := resultFor(t, out, "slow")
	if rs.Outcome != domain.OutcomeTimedOut || rs.Reason != ReasonTimeout {
		t.Fatalf("unexpected slow result %+v", rs)
	}
	if !resultFor(t, out, "fast").Succeeded() {
		t.Fatal("expected fast function to succeed")
	}
	if h.runtime.removes.Load() != 2 {
		t.Fatalf("expected both containers removed, got %d", h.runtime.removes.Load())
	}
}

func TestDispatchZeroFunctions(t *testing.T) {
	h := newHarness(t, nil, nil)
	out := h.dispatcher.Dispatch(context.Background(), h.job(), domain.BuildManifest{})

	if out.OverallStatus != domain.StatusFailure || len(out.Results) != 0 {
		t.Fatalf("expected failure with no results, got %+v", out)
	}
	if len(h.store.Builds()) != 0 || h.runtime.creates.Load() != 0 {
		t.Fatal("expected nothing to be recorded or run")
	}
}

func TestDispatchMissingOutput(t *testing.T) {
	h := newHarness(t, map[string]behavior{"a": {}}, nil)
	out := h.dispatcher.Dispatch(context.Background(), h.job(), domain.BuildManifest{Functions: []domain.FunctionSpec{fnSpec("a", domain.TemplateGo)}})

	r := resultFor(t, out, "a")
	if r.Outcome != domain.OutcomeFailed || r.Reason != ReasonOutputMissing {
		t.Fatalf("expected output missing, got %+v", r)
	}
	if !errors.Is(r.Err, artifact.ErrOutputMissing) {
		t.Fatalf("expected ErrOutputMissing, got %v", r.Err)
	}
	if out.OverallStatus != domain.StatusFailure {
		t.Fatalf("expected failure, got %s", out.OverallStatus)
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	h := newHarness(t, map[string]behavior{"boom": {panics: true}, "ok": {}}, nil)
	boom, ok := fnSpec("boom", domain.TemplateGo), fnSpec("ok", domain.TemplateGo)
	h.writeOutput(t, ok)

	out := h.dispatcher.Dispatch(context.Background(), h.job(), domain.BuildManifest{Functions: []domain.FunctionSpec{boom, ok}})

	r := resultFor(t, out, "boom")
	if r.Outcome != domain.OutcomeFailed || r.Reason != ReasonPanic {
		t.Fatalf("expected panic to become a failed result, got %+v", r)
	}
	if !resultFor(t, out, "ok").Succeeded() {
		t.Fatal("expected sibling function to succeed")
	}
	if h.runtime.creates.Load() != h.runtime.removes.Load() {
		t.Fatalf("containers leaked: %d created, %d removed", h.runtime.creates.Load(), h.runtime.removes.Load())
	}
}

type ledgerStore = repository.Store

type failingBuildStore struct {
	*memory.Store
}

func (failingBuildStore) InsertBuild(context.Context, *domain.BuildRecord) error {
	return errors.New("connection refused")
}

type failingLookupStore struct {
	*memory.Store
}

func (failingLookupStore) GetFunctionID(context.Context, string, string) (string, error) {
	return "", errors.New("connection reset")
}

func TestDispatchContinuesWithoutBuildRecord(t *testing.T) {
	h := newHarness(t, map[string]behavior{"a": {}}, func(m *memory.Store) ledgerStore { return failingBuildStore{m} })
	a := fnSpec("a", domain.TemplateGo)
	h.writeOutput(t, a)

	out := h.dispatcher.Dispatch(context.Background(), h.job(), domain.BuildManifest{Functions: []domain.FunctionSpec{a}})

	if out.OverallStatus != domain.StatusSuccess {
		t.Fatalf("bookkeeping failure must not change the outcome, got %s", out.OverallStatus)
	}
	if out.BuildID != "" {
		t.Fatalf("expected empty build id, got %q", out.BuildID)
	}
	if want := "builds/" + h.functionID(t, "a") + ".zst"; out.Results[0].ArtifactKey != want {
		t.Fatalf("expected key %s, got %s", want, out.Results[0].ArtifactKey)
	}
}

func TestDispatchUploadsUnlinkedArtifactWhenLookupFails(t *testing.T) {
	h := newHarness(t, map[string]behavior{"a": {}}, func(m *memory.Store) ledgerStore { return failingLookupStore{m} })
	a := fnSpec("a", domain.TemplateGo)
	h.writeOutput(t, a)

	out := h.dispatcher.Dispatch(context.Background(), h.job(), domain.BuildManifest{Functions: []domain.FunctionSpec{a}})

	r := out.Results[0]
	if !r.Succeeded() {
		t.Fatalf("expected success, got %+v", r)
	}
	want := artifact.UnlinkedKey(out.BuildID, "a")
	if r.ArtifactKey != want {
		t.Fatalf("expected unlinked key %s, got %s", want, r.ArtifactKey)
	}
	if len(h.store.Deployments()) != 0 {
		t.Fatal("expected no deployment row without a function id")
	}
}

func TestDispatchHonoursParallelismCap(t *testing.T) {
	behaviors := map[string]behavior{}
	specs := make([]domain.FunctionSpec, 0, 5)
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("fn%d", i)
		behaviors[name] = behavior{}
		specs = append(specs, fnSpec(name, domain.TemplateGo))
	}
	h := newHarness(t, behaviors, nil, withMaxParallel(1))
	for _, s := range specs {
		h.writeOutput(t, s)
	}

	out := h.dispatcher.Dispatch(context.Background(), h.job(), domain.BuildManifest{Functions: specs})
	if out.OverallStatus != domain.StatusSuccess || len(out.Results) != 5 {
		t.Fatalf("expected all five to succeed, got %+v", out)
	}
}

func TestDispatchRecordsMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, map[string]behavior{"a": {}, "b": {exitCode: 2}}, nil, withMetrics(metrics))
	a, b := fnSpec("a", domain.TemplateGo), fnSpec("b", domain.TemplateGo)
	h.writeOutput(t, a)

	h.dispatcher.Dispatch(context.Background(), h.job(), domain.BuildManifest{Functions: []domain.FunctionSpec{a, b}})

	if got := testutil.ToFloat64(metrics.functionResults.WithLabelValues("go", "succeeded")); got != 1 {
		t.Fatalf("expected one succeeded go build, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.functionResults.WithLabelValues("go", "failed")); got != 1 {
		t.Fatalf("expected one failed go build, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.dispatchResults.WithLabelValues("partial_failure")); got != 1 {
		t.Fatalf("expected one partial dispatch, got %v", got)
	}
}

func decodeObject(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open object: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decode object: %v", err)
	}
	return string(data)
}

func TestDispatchDottedNamesUploadOwnArtifacts(t *testing.T) {
	h := newHarness(t, map[string]behavior{"a": {}, "a.bin": {}}, nil)
	a := fnSpec("a", domain.TemplateRust)
	dotted := domain.FunctionSpec{
		Name:         "a.bin",
		Directory:    filepath.Join("fn", "dotted"),
		Template:     domain.TemplateNode,
		BuildCommand: "make",
		OutputPath:   "out/x",
	}
	h.writeOutput(t, a)
	h.writeOutput(t, dotted)

	out := h.dispatcher.Dispatch(context.Background(), h.job(), domain.BuildManifest{Functions: []domain.FunctionSpec{a, dotted}})
	if out.OverallStatus != domain.StatusSuccess {
		t.Fatalf("expected success, got %s: %+v", out.OverallStatus, out.Results)
	}

	for _, name := range []string{"a", "a.bin"} {
		r := resultFor(t, out, name)
		want := "builds/" + h.functionID(t, name) + ".zst"
		if r.ArtifactKey != want {
			t.Fatalf("%s: expected key %s, got %s", name, want, r.ArtifactKey)
		}
		got := decodeObject(t, filepath.Join(h.objects, "nur-builds", filepath.FromSlash(want)))
		if got != "artifact of "+name {
			t.Fatalf("%s: uploaded object holds %q", name, got)
		}
	}
}
