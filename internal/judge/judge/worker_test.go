package judge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"arbiter/internal/common/mq"
	"arbiter/internal/judge/artifact"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/testcase"
	"arbiter/internal/judge/verdict"
)

type fakeRecorder struct {
	mu      sync.Mutex
	states  map[string]model.State
	rows    map[string][]verdict.CaseResult
	summary map[string]verdict.Summary
}

func newFakeRecorder(initial map[string]model.State) *fakeRecorder {
	return &fakeRecorder{
		states:  initial,
		rows:    map[string][]verdict.CaseResult{},
		summary: map[string]verdict.Summary{},
	}
}

func (r *fakeRecorder) GetState(ctx context.Context, id string) (model.State, error) {
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
	return nil
}

func (r *fakeRecorder) InsertCaseResult(ctx context.Context, id string, c verdict.CaseResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows[id] {
		if existing.Ordinal == c.Ordinal {
			return nil // write-once
		}
	}
	r.rows[id] = append(r.rows[id], c)
	return nil
}

func (r *fakeRecorder) Finalize(ctx context.Context, id string, from model.State, s verdict.Summary) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[id] != from {
		return false, nil
	}
	r.summary[id] = s
	switch s.Verdict {
	case verdict.Accepted, verdict.PartialCredit:
		r.states[id] = model.StateAccepted
	case verdict.WrongAnswer:
		r.states[id] = model.StateWrongAnswer
	case verdict.TimeLimit:
		r.states[id] = model.StateTimeLimit
	case verdict.MemoryLimit:
		r.states[id] = model.StateMemoryLimit
	case verdict.RuntimeError:
		r.states[id] = model.StateRuntimeError
	case verdict.OutputLimit:
		r.states[id] = model.StateOutputLimit
	default:
		r.states[id] = model.StateSystemError
	}
	return true, nil
}

func (r *fakeRecorder) state(id string) model.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[id]
}

func (r *fakeRecorder) cases(id string) []verdict.CaseResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]verdict.CaseResult(nil), r.rows[id]...)
}

// scriptedDriver plays the three judge-side profiles: the generator emits a fixed
// input, the run produces a scripted output (or outcome) per case, the
// checker accepts outputs equal to the expected string.
type scriptedDriver struct {
	generatorInput string
	runOutputs     map[int]string          // case ordinal -> stdout content
	runOutcomes    map[int]sandbox.Outcome // overrides for non-exit outcomes
	expected       string
	checkerExit    map[int]int // overrides checker exit per case
	checkerStderr  string
}

func ordinalFromTask(taskID string) int {
	parts := strings.Split(taskID, "-")
	n, _ := strconv.Atoi(parts[len(parts)-1])
	return n
}

func (d *scriptedDriver) Execute(ctx context.Context, req sandbox.Request) (sandbox.Outcome, error) {
	switch req.Profile.Kind {
	case sandbox.ProfileGenerate:
		if err := os.WriteFile(req.StdoutPath, []byte(d.generatorInput), 0644); err != nil {
			return sandbox.Outcome{}, err
		}
		return sandbox.Outcome{Kind: sandbox.Exited}, nil

	case sandbox.ProfileRun:
		k := ordinalFromTask(req.TaskID)
		if outcome, ok := d.runOutcomes[k]; ok {
			return outcome, nil
		}
		output := d.runOutputs[k]
		if err := os.WriteFile(req.StdoutPath, []byte(output), 0644); err != nil {
			return sandbox.Outcome{}, err
		}
		return sandbox.Outcome{Kind: sandbox.Exited, WallTimeMs: 42, MemoryKB: 1024}, nil

	case sandbox.ProfileCheck:
		k := ordinalFromTask(req.TaskID)
		if code, ok := d.checkerExit[k]; ok {
			return sandbox.Outcome{Kind: sandbox.Exited, ExitCode: code, Stderr: d.checkerStderr}, nil
		}
		// Args are (input, output, answer); compare the produced output
		// against the expected string.
		data, err := os.ReadFile(req.Command[2])
		if err != nil {
			return sandbox.Outcome{}, err
		}
		if strings.TrimSpace(string(data)) == d.expected {
			return sandbox.Outcome{Kind: sandbox.Exited, ExitCode: 0, Stderr: "ok\n"}, nil
		}
		return sandbox.Outcome{Kind: sandbox.Exited, ExitCode: 1, Stderr: "wrong answer\n"}, nil

	default:
		return sandbox.Outcome{Kind: sandbox.SandboxError, Reason: "unexpected profile"}, nil
	}
}

type testEnv struct {
	worker   *Worker
	recorder *fakeRecorder
	store    *artifact.Store
}

func setupJudge(t *testing.T, recorder *fakeRecorder, driver sandbox.Driver) testEnv {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	// Problem binaries installed.
	for _, path := range []string{store.GeneratorPath("p1"), store.CheckerPath("p1")} {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("bin"), 0755); err != nil {
			t.Fatalf("write binary: %v", err)
		}
	}

	// Compiled user binary staged.
	binPath := store.UserBinaryPath("s1")
	if err := os.MkdirAll(filepath.Dir(binPath), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(binPath, []byte("ELF"), 0755); err != nil {
		t.Fatalf("write user binary: %v", err)
	}

	limits := sandbox.DefaultLimits()
	worker, err := NewWorker(Config{
		Recorder: recorder,
		Driver:   driver,
		Store:    store,
		Cases:    testcase.NewCache(store, driver, limits, nil, 0),
		Limits:   limits,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return testEnv{worker: worker, recorder: recorder, store: store}
}

func runMessage(t *testing.T, job model.RunJob) *mq.Message {
	t.Helper()
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal run job: %v", err)
	}
	return &mq.Message{ID: "1-0", Body: payload}
}

func baseJob(numCases int) model.RunJob {
	return model.RunJob{
		SubmissionID:  "s1",
		ProblemID:     "p1",
		TimeLimitMs:   2000,
		MemoryLimitKB: 65536,
		MaxThreads:    1,
		NumCases:      numCases,
	}
}

func TestJudgeHappyPathOneCase(t *testing.T) {
	driver := &scriptedDriver{
		generatorInput: "2 3\n",
		runOutputs:     map[int]string{1: "5\n"},
		expected:       "5",
	}
	env := setupJudge(t, newFakeRecorder(map[string]model.State{"s1": model.StateCompiled}), driver)

	if err := env.worker.HandleMessage(context.Background(), runMessage(t, baseJob(1))); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := env.recorder.state("s1"); got != model.StateAccepted {
		t.Fatalf("expected accepted, got %s", got)
	}
	summary := env.recorder.summary["s1"]
	if summary.Score != 100 {
		t.Fatalf("expected score 100, got %d", summary.Score)
	}
	rows := env.recorder.cases("s1")
	if len(rows) != 1 || rows[0].Verdict != verdict.Accepted {
		t.Fatalf("expected one accepted row, got %+v", rows)
	}
	if rows[0].Comment != "ok" {
		t.Fatalf("checker comment missing, got %q", rows[0].Comment)
	}
	if _, err := os.Stat(env.store.ScratchDir("s1")); !os.IsNotExist(err) {
		t.Fatalf("scratch dir must be deleted on finalization")
	}
}

func TestJudgeStopOnFirstFailure(t *testing.T) {
	driver := &scriptedDriver{
		generatorInput: "2 3\n",
		runOutputs:     map[int]string{1: "5\n", 2: "WRONG\n", 3: "5\n"},
		expected:       "5",
	}
	env := setupJudge(t, newFakeRecorder(map[string]model.State{"s1": model.StateCompiled}), driver)

	if err := env.worker.HandleMessage(context.Background(), runMessage(t, baseJob(3))); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := env.recorder.state("s1"); got != model.StateWrongAnswer {
		t.Fatalf("expected wrong_answer, got %s", got)
	}
	rows := env.recorder.cases("s1")
	if len(rows) != 2 {
		t.Fatalf("expected rows for cases 1 and 2 only, got %d", len(rows))
	}
	if rows[0].Verdict != verdict.Accepted || rows[1].Verdict != verdict.WrongAnswer {
		t.Fatalf("unexpected row verdicts: %+v", rows)
	}
	if env.recorder.summary["s1"].Score != 0 {
		t.Fatalf("failed submission must score 0")
	}
}

func TestJudgeTimeout(t *testing.T) {
	driver := &scriptedDriver{
		generatorInput: "2 3\n",
		runOutcomes: map[int]sandbox.Outcome{
			1: {Kind: sandbox.WallTimeExceeded, WallTimeMs: 2000},
		},
	}
	env := setupJudge(t, newFakeRecorder(map[string]model.State{"s1": model.StateCompiled}), driver)

	if err := env.worker.HandleMessage(context.Background(), runMessage(t, baseJob(1))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := env.recorder.state("s1"); got != model.StateTimeLimit {
		t.Fatalf("expected time_limit, got %s", got)
	}
	rows := env.recorder.cases("s1")
	if len(rows) != 1 || rows[0].Verdict != verdict.TimeLimit {
		t.Fatalf("expected one time_limit row, got %+v", rows)
	}
	if rows[0].TimeMs < 2000 {
		t.Fatalf("reported wall time must cover the limit, got %d", rows[0].TimeMs)
	}
}

func TestJudgeMemoryExceeded(t *testing.T) {
	driver := &scriptedDriver{
		generatorInput: "2 3\n",
		runOutcomes: map[int]sandbox.Outcome{
			1: {Kind: sandbox.MemoryExceeded, WallTimeMs: 10, MemoryKB: 4096},
		},
	}
	env := setupJudge(t, newFakeRecorder(map[string]model.State{"s1": model.StateCompiled}), driver)

	if err := env.worker.HandleMessage(context.Background(), runMessage(t, baseJob(1))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := env.recorder.state("s1"); got != model.StateMemoryLimit {
		t.Fatalf("expected memory_limit, got %s", got)
	}
}

func TestJudgeParksOnMissingBinaries(t *testing.T) {
	driver := &scriptedDriver{generatorInput: "2 3\n"}
	env := setupJudge(t, newFakeRecorder(map[string]model.State{"s1": model.StateCompiled}), driver)

	// Remove the checker: the problem is no longer ready.
	if err := os.Remove(env.store.CheckerPath("p1")); err != nil {
		t.Fatalf("remove checker: %v", err)
	}

	if err := env.worker.HandleMessage(context.Background(), runMessage(t, baseJob(1))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := env.recorder.state("s1"); got != model.StateQueuePending {
		t.Fatalf("expected queue_pending, got %s", got)
	}
	if rows := env.recorder.cases("s1"); len(rows) != 0 {
		t.Fatalf("parked submission must have no rows, got %d", len(rows))
	}
}

func TestJudgeDuplicateDeliveryIsNoop(t *testing.T) {
	driver := &scriptedDriver{
		generatorInput: "2 3\n",
		runOutputs:     map[int]string{1: "5\n"},
		expected:       "5",
	}
	recorder := newFakeRecorder(map[string]model.State{"s1": model.StateCompiled})
	env := setupJudge(t, recorder, driver)
	msg := runMessage(t, baseJob(1))

	if err := env.worker.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	rowsBefore := env.recorder.cases("s1")

	if err := env.worker.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if got := env.recorder.state("s1"); got != model.StateAccepted {
		t.Fatalf("state changed on duplicate: %s", got)
	}
	if rowsAfter := env.recorder.cases("s1"); len(rowsAfter) != len(rowsBefore) {
		t.Fatalf("duplicate delivery added rows: %d -> %d", len(rowsBefore), len(rowsAfter))
	}
}

func TestJudgeZeroCases(t *testing.T) {
	driver := &scriptedDriver{}
	env := setupJudge(t, newFakeRecorder(map[string]model.State{"s1": model.StateCompiled}), driver)

	if err := env.worker.HandleMessage(context.Background(), runMessage(t, baseJob(0))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := env.recorder.state("s1"); got != model.StateAccepted {
		t.Fatalf("zero-case problem must be accepted, got %s", got)
	}
	if env.recorder.summary["s1"].Score != 0 {
		t.Fatalf("zero-case problem must score 0")
	}
	if rows := env.recorder.cases("s1"); len(rows) != 0 {
		t.Fatalf("zero-case problem must have no rows")
	}
}

func TestJudgeSandboxFaultAbandons(t *testing.T) {
	driver := &scriptedDriver{
		generatorInput: "2 3\n",
		runOutputs:     map[int]string{1: "5\n"},
		expected:       "5",
		runOutcomes: map[int]sandbox.Outcome{
			2: {Kind: sandbox.SandboxError, Reason: "helper crashed"},
		},
	}
	env := setupJudge(t, newFakeRecorder(map[string]model.State{"s1": model.StateCompiled}), driver)

	if err := env.worker.HandleMessage(context.Background(), runMessage(t, baseJob(3))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := env.recorder.state("s1"); got != model.StateSystemError {
		t.Fatalf("expected system_error, got %s", got)
	}
	// Only the case before the fault is recorded; nothing after.
	rows := env.recorder.cases("s1")
	if len(rows) != 1 || rows[0].Ordinal != 1 {
		t.Fatalf("expected only case 1 recorded, got %+v", rows)
	}
}

func TestJudgePartialCredit(t *testing.T) {
	driver := &scriptedDriver{
		generatorInput: "2 3\n",
		runOutputs:     map[int]string{1: "5\n", 2: "4\n"},
		expected:       "5",
		checkerExit:    map[int]int{2: 7},
	}
	env := setupJudge(t, newFakeRecorder(map[string]model.State{"s1": model.StateCompiled}), driver)

	job := baseJob(2)
	job.PartialScoring = true
	job.MaxScore = 100

	if err := env.worker.HandleMessage(context.Background(), runMessage(t, job)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := env.recorder.state("s1"); got != model.StateAccepted {
		t.Fatalf("partial submission finalizes as accepted-with-score, got %s", got)
	}
	rows := env.recorder.cases("s1")
	if len(rows) != 2 {
		t.Fatalf("partial credit must not stop the loop, got %d rows", len(rows))
	}
	if rows[1].Verdict != verdict.PartialCredit {
		t.Fatalf("expected partial_credit row, got %s", rows[1].Verdict)
	}
}

func TestJudgeCheckerExit7WithoutPartialScoring(t *testing.T) {
	driver := &scriptedDriver{
		generatorInput: "2 3\n",
		runOutputs:     map[int]string{1: "5\n"},
		expected:       "5",
		checkerExit:    map[int]int{1: 7},
	}
	env := setupJudge(t, newFakeRecorder(map[string]model.State{"s1": model.StateCompiled}), driver)

	if err := env.worker.HandleMessage(context.Background(), runMessage(t, baseJob(1))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := env.recorder.state("s1"); got != model.StateSystemError {
		t.Fatalf("exit 7 without partial scoring is a system error, got %s", got)
	}
}

func TestJudgeCheckerExit3IsSystemError(t *testing.T) {
	driver := &scriptedDriver{
		generatorInput: "2 3\n",
		runOutputs:     map[int]string{1: "5\n"},
		expected:       "5",
		checkerExit:    map[int]int{1: 3},
		checkerStderr:  "internal assertion failed\n",
	}
	env := setupJudge(t, newFakeRecorder(map[string]model.State{"s1": model.StateCompiled}), driver)

	if err := env.worker.HandleMessage(context.Background(), runMessage(t, baseJob(1))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := env.recorder.state("s1"); got != model.StateSystemError {
		t.Fatalf("checker exit 3 must be a system error, got %s", got)
	}
}

func TestJudgeChecksCheckerArgs(t *testing.T) {
	var captured []string
	driver := &argCaptureDriver{inner: &scriptedDriver{
		generatorInput: "2 3\n",
		runOutputs:     map[int]string{1: "5\n"},
		expected:       "5",
	}, captured: &captured}
	env := setupJudge(t, newFakeRecorder(map[string]model.State{"s1": model.StateCompiled}), driver)

	if err := env.worker.HandleMessage(context.Background(), runMessage(t, baseJob(1))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// checker <input> <output> <answer>; no expected outputs exist, so the
	// answer argument is the input path again.
	if len(captured) != 4 {
		t.Fatalf("checker must receive three arguments, got %v", captured)
	}
	if captured[1] != captured[3] {
		t.Fatalf("answer argument must repeat the input path: %v", captured)
	}
	if !strings.Contains(captured[2], "output_001.txt") {
		t.Fatalf("second argument must be the user output: %v", captured)
	}
}

type argCaptureDriver struct {
	inner    sandbox.Driver
	captured *[]string
}

func (d *argCaptureDriver) Execute(ctx context.Context, req sandbox.Request) (sandbox.Outcome, error) {
	if req.Profile.Kind == sandbox.ProfileCheck {
		*d.captured = append([]string(nil), req.Command...)
	}
	return d.inner.Execute(ctx, req)
}

func TestJudgeRunProfileCarriesProblemLimits(t *testing.T) {
	var runProfile sandbox.Profile
	driver := &profileCaptureDriver{inner: &scriptedDriver{
		generatorInput: "2 3\n",
		runOutputs:     map[int]string{1: "5\n"},
		expected:       "5",
	}, profile: &runProfile}
	env := setupJudge(t, newFakeRecorder(map[string]model.State{"s1": model.StateCompiled}), driver)

	job := baseJob(1)
	job.TimeLimitMs = 1234
	job.MemoryLimitKB = 4321
	if err := env.worker.HandleMessage(context.Background(), runMessage(t, job)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if runProfile.WallTimeMs != 1234 || runProfile.MemoryKB != 4321 {
		t.Fatalf("run profile misses overrides: %+v", runProfile)
	}
	if runProfile.PIDLimit != 1 {
		t.Fatalf("single-threaded problem must cap pids at 1, got %d", runProfile.PIDLimit)
	}
	if runProfile.Syscalls.DefaultAllow {
		t.Fatalf("run profile must use a strict allow-list")
	}
}

type profileCaptureDriver struct {
	inner   sandbox.Driver
	profile *sandbox.Profile
}

func (d *profileCaptureDriver) Execute(ctx context.Context, req sandbox.Request) (sandbox.Outcome, error) {
	if req.Profile.Kind == sandbox.ProfileRun {
		*d.profile = req.Profile
	}
	return d.inner.Execute(ctx, req)
}

func TestJudgeCachedInputsByteIdentical(t *testing.T) {
	driver := &scriptedDriver{
		generatorInput: "2 3\n",
		runOutputs:     map[int]string{1: "5\n"},
		expected:       "5",
	}
	recorder := newFakeRecorder(map[string]model.State{
		"s1": model.StateCompiled,
	})
	env := setupJudge(t, recorder, driver)

	if err := env.worker.HandleMessage(context.Background(), runMessage(t, baseJob(1))); err != nil {
		t.Fatalf("handle: %v", err)
	}

	data, err := os.ReadFile(env.store.InputPath("p1", 1))
	if err != nil {
		t.Fatalf("cached input missing: %v", err)
	}
	if string(data) != "2 3\n" {
		t.Fatalf("cached input differs from generator output: %q", data)
	}
	if _, err := os.Stat(env.store.InputPath("p1", 2)); !os.IsNotExist(err) {
		t.Fatalf("cache must stay prefix-closed")
	}
}
