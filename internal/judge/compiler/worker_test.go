package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"

	"arbiter/internal/common/mq"
	"arbiter/internal/judge/artifact"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/verdict"
)

type fakeRecorder struct {
	mu      sync.Mutex
	states  map[string]model.State
	logs    map[string]string
	failGet bool
}

func newFakeRecorder(initial map[string]model.State) *fakeRecorder {
	return &fakeRecorder{states: initial, logs: map[string]string{}}
}

func (r *fakeRecorder) GetState(ctx context.Context, id string) (model.State, error) {
	if r.failGet {
		return "", errors.New("db down")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[id], nil
}

func (r *fakeRecorder) TransitionState(ctx context.Context, id string, from, to model.State) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[id] != from {
		return false, nil
	}
	r.states[id] = to
	return true, nil
}

func (r *fakeRecorder) MarkCompiled(ctx context.Context, id string, from model.State) (bool, error) {
	return r.TransitionState(ctx, id, from, model.StateCompiled)
}

func (r *fakeRecorder) SetCompilationLog(ctx context.Context, id, log string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[id] = log
	return nil
}

func (r *fakeRecorder) InsertCaseResult(ctx context.Context, id string, c verdict.CaseResult) error {
	return nil
}

func (r *fakeRecorder) Finalize(ctx context.Context, id string, from model.State, s verdict.Summary) (bool, error) {
	return r.TransitionState(ctx, id, from, model.StateAccepted)
}

func (r *fakeRecorder) state(id string) model.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[id]
}

type fakeProblems struct{}

func (fakeProblems) GetRunSpec(ctx context.Context, submissionID string) (model.RunJob, error) {
	return model.RunJob{
		ProblemID:     "p1",
		TimeLimitMs:   2000,
		MemoryLimitKB: 65536,
		MaxThreads:    1,
		NumCases:      1,
	}, nil
}

// fakeCompileDriver emulates the Compile profile run.
type fakeCompileDriver struct {
	exitCode   int
	stderr     string
	sandboxErr bool
	binaryName string // file dropped into the build dir on success
}

func (d *fakeCompileDriver) Execute(ctx context.Context, req sandbox.Request) (sandbox.Outcome, error) {
	if d.sandboxErr {
		return sandbox.Outcome{Kind: sandbox.SandboxError, Reason: "helper missing"}, nil
	}
	if d.exitCode == 0 && d.binaryName != "" {
		path := filepath.Join(req.WorkDir, d.binaryName)
		if err := os.WriteFile(path, []byte("ELF"), 0755); err != nil {
			return sandbox.Outcome{}, err
		}
	}
	return sandbox.Outcome{Kind: sandbox.Exited, ExitCode: d.exitCode, Stderr: d.stderr}, nil
}

type fakeProducer struct {
	mu       sync.Mutex
	messages []*mq.Message
	streams  []string
	fail     bool
}

func (p *fakeProducer) Publish(ctx context.Context, stream string, msg *mq.Message) error {
	if p.fail {
		return errors.New("broker unreachable")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, stream)
	p.messages = append(p.messages, msg)
	return nil
}

func buildArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range entries {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("create entry: %v", err)
		}
		if _, err := fw.Write([]byte(body)); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	path := filepath.Join(t.TempDir(), "s1.archive")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func validArchive(t *testing.T) string {
	return buildArchive(t, map[string]string{
		"compile.sh": "#!/bin/sh\ngcc -O2 -o main main.c\n",
		"run.sh":     "#!/bin/sh\n./main\n",
		"main.c":     "int main(){return 0;}\n",
	})
}

func newTestWorker(t *testing.T, recorder *fakeRecorder, driver sandbox.Driver, producer *fakeProducer) (*Worker, *artifact.Store) {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	worker, err := NewWorker(Config{
		Recorder:  recorder,
		Problems:  fakeProblems{},
		Driver:    driver,
		Store:     store,
		Producer:  producer,
		RunStream: "run",
		Limits:    sandbox.DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return worker, store
}

func compileMessage(t *testing.T, job model.CompileJob) *mq.Message {
	t.Helper()
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return &mq.Message{ID: "1-0", Body: payload}
}

func TestCompileHappyPath(t *testing.T) {
	recorder := newFakeRecorder(map[string]model.State{"s1": model.StatePending})
	driver := &fakeCompileDriver{binaryName: "main"}
	producer := &fakeProducer{}
	worker, store := newTestWorker(t, recorder, driver, producer)

	msg := compileMessage(t, model.CompileJob{SubmissionID: "s1", ArchivePath: validArchive(t)})
	if err := worker.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := recorder.state("s1"); got != model.StateCompiled {
		t.Fatalf("expected compiled, got %s", got)
	}
	if _, err := os.Stat(store.UserBinaryPath("s1")); err != nil {
		t.Fatalf("binary not staged: %v", err)
	}
	if len(producer.messages) != 1 || producer.streams[0] != "run" {
		t.Fatalf("expected one run job, got %d", len(producer.messages))
	}

	var job model.RunJob
	if err := json.Unmarshal(producer.messages[0].Body, &job); err != nil {
		t.Fatalf("decode run job: %v", err)
	}
	if job.SubmissionID != "s1" || job.ProblemID != "p1" {
		t.Fatalf("run job misses identities: %+v", job)
	}
	if job.TimeLimitMs != 2000 || job.MemoryLimitKB != 65536 || job.MaxThreads != 1 {
		t.Fatalf("run job misses limits: %+v", job)
	}
}

func TestCompileRejectsBrokenArchive(t *testing.T) {
	recorder := newFakeRecorder(map[string]model.State{"s1": model.StatePending})
	producer := &fakeProducer{}
	worker, _ := newTestWorker(t, recorder, &fakeCompileDriver{binaryName: "main"}, producer)

	archivePath := buildArchive(t, map[string]string{
		"run.sh": "#!/bin/sh\n./main\n",
		"main.c": "int main(){return 0;}\n",
	})
	msg := compileMessage(t, model.CompileJob{SubmissionID: "s1", ArchivePath: archivePath})
	if err := worker.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := recorder.state("s1"); got != model.StateCompilationError {
		t.Fatalf("expected compilation_error, got %s", got)
	}
	if recorder.logs["s1"] == "" {
		t.Fatalf("violation must be logged for the user")
	}
	if len(producer.messages) != 0 {
		t.Fatalf("no run job for a rejected archive")
	}
}

func TestCompileFailureCarriesStderr(t *testing.T) {
	recorder := newFakeRecorder(map[string]model.State{"s1": model.StatePending})
	driver := &fakeCompileDriver{exitCode: 1, stderr: "main.c:1: error: expected ';'"}
	producer := &fakeProducer{}
	worker, _ := newTestWorker(t, recorder, driver, producer)

	msg := compileMessage(t, model.CompileJob{SubmissionID: "s1", ArchivePath: validArchive(t)})
	if err := worker.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := recorder.state("s1"); got != model.StateCompilationError {
		t.Fatalf("expected compilation_error, got %s", got)
	}
	if recorder.logs["s1"] != "main.c:1: error: expected ';'" {
		t.Fatalf("unexpected log: %q", recorder.logs["s1"])
	}
}

func TestCompileNoBinaryProduced(t *testing.T) {
	recorder := newFakeRecorder(map[string]model.State{"s1": model.StatePending})
	producer := &fakeProducer{}
	worker, _ := newTestWorker(t, recorder, &scrubbingDriver{}, producer)

	msg := compileMessage(t, model.CompileJob{SubmissionID: "s1", ArchivePath: validArchive(t)})
	if err := worker.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := recorder.state("s1"); got != model.StateCompilationError {
		t.Fatalf("expected compilation_error, got %s", got)
	}
	if len(producer.messages) != 0 {
		t.Fatalf("no run job without a staged binary")
	}
}

// scrubbingDriver exits clean but deletes the run script, leaving no
// stageable product at all: no conventional binary and no interpreted
// directory fallback.
type scrubbingDriver struct{}

func (scrubbingDriver) Execute(ctx context.Context, req sandbox.Request) (sandbox.Outcome, error) {
	_ = os.Remove(filepath.Join(req.WorkDir, "run.sh"))
	return sandbox.Outcome{Kind: sandbox.Exited, ExitCode: 0}, nil
}

func TestCompileStagesInterpretedDirectory(t *testing.T) {
	recorder := newFakeRecorder(map[string]model.State{"s1": model.StatePending})
	producer := &fakeProducer{}
	// Clean exit, no conventional binary: the run.sh fallback stages the
	// whole build directory.
	worker, store := newTestWorker(t, recorder, &fakeCompileDriver{exitCode: 0}, producer)

	msg := compileMessage(t, model.CompileJob{SubmissionID: "s1", ArchivePath: validArchive(t), Language: "python"})
	if err := worker.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	info, err := os.Stat(store.UserBinaryPath("s1"))
	if err != nil {
		t.Fatalf("staged artifact missing: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("interpreted submission must stage a directory")
	}
	if _, err := os.Stat(filepath.Join(store.UserBinaryPath("s1"), "run.sh")); err != nil {
		t.Fatalf("run.sh missing in staged directory: %v", err)
	}
	if got := recorder.state("s1"); got != model.StateCompiled {
		t.Fatalf("expected compiled, got %s", got)
	}
}

func TestCompileSandboxFaultIsSystemError(t *testing.T) {
	recorder := newFakeRecorder(map[string]model.State{"s1": model.StatePending})
	producer := &fakeProducer{}
	worker, _ := newTestWorker(t, recorder, &fakeCompileDriver{sandboxErr: true}, producer)

	msg := compileMessage(t, model.CompileJob{SubmissionID: "s1", ArchivePath: validArchive(t)})
	if err := worker.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := recorder.state("s1"); got != model.StateSystemError {
		t.Fatalf("expected system_error, got %s", got)
	}
}

func TestCompileDuplicateDeliveryTerminal(t *testing.T) {
	recorder := newFakeRecorder(map[string]model.State{"s1": model.StateAccepted})
	producer := &fakeProducer{}
	worker, _ := newTestWorker(t, recorder, &fakeCompileDriver{binaryName: "main"}, producer)

	msg := compileMessage(t, model.CompileJob{SubmissionID: "s1", ArchivePath: validArchive(t)})
	if err := worker.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := recorder.state("s1"); got != model.StateAccepted {
		t.Fatalf("terminal state must not regress, got %s", got)
	}
	if len(producer.messages) != 0 {
		t.Fatalf("no run job for a finished submission")
	}
}

func TestCompileDuplicateDeliveryCompiledReenqueues(t *testing.T) {
	recorder := newFakeRecorder(map[string]model.State{"s1": model.StateCompiled})
	producer := &fakeProducer{}
	worker, _ := newTestWorker(t, recorder, &fakeCompileDriver{binaryName: "main"}, producer)

	msg := compileMessage(t, model.CompileJob{SubmissionID: "s1", ArchivePath: validArchive(t)})
	if err := worker.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// A crash between staging and enqueueing is recovered by re-enqueueing
	// on redelivery; the judge dedups on state.
	if len(producer.messages) != 1 {
		t.Fatalf("expected one re-enqueued run job, got %d", len(producer.messages))
	}
	if got := recorder.state("s1"); got != model.StateCompiled {
		t.Fatalf("state must stay compiled, got %s", got)
	}
}

func TestCompileInfraErrorLeavesUnacked(t *testing.T) {
	recorder := newFakeRecorder(map[string]model.State{"s1": model.StatePending})
	recorder.failGet = true
	producer := &fakeProducer{}
	worker, _ := newTestWorker(t, recorder, &fakeCompileDriver{binaryName: "main"}, producer)

	msg := compileMessage(t, model.CompileJob{SubmissionID: "s1", ArchivePath: validArchive(t)})
	if err := worker.HandleMessage(context.Background(), msg); err == nil {
		t.Fatalf("recorder outage must propagate for redelivery")
	}
}

func TestCompilePoisonMessageAcked(t *testing.T) {
	recorder := newFakeRecorder(map[string]model.State{})
	producer := &fakeProducer{}
	worker, _ := newTestWorker(t, recorder, &fakeCompileDriver{binaryName: "main"}, producer)

	msg := &mq.Message{ID: "1-0", Body: []byte("{not json")}
	if err := worker.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("poison message must be dropped, got %v", err)
	}
}
