package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/makeasinger/studio/internal/artifact"
	"github.com/makeasinger/studio/internal/engine"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/process"
)

type fakeRunner struct {
	mu         sync.Mutex
	specs      []process.Spec
	output     string
	err        error
	progress   []float64
	gate       chan struct{}
	panicFirst bool
}

func (r *fakeRunner) Run(ctx context.Context, spec process.Spec, onProgress process.ProgressFunc) (*process.Output, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	call := len(r.specs)
	r.mu.Unlock()

	if r.gate != nil {
		<-r.gate
	}
	if r.panicFirst && call == 1 {
		panic("engine exploded")
	}
	for _, p := range r.progress {
		p := p
		onProgress(&p, "")
	}
	if r.err != nil {
		return nil, r.err
	}

	line := r.output
	if line == "" {
		line = `{"success":true,"audio_paths":["out.mp3"],"elapsed_seconds":1.5}`
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, err
	}
	return &process.Output{Line: []byte(line), Raw: raw}, nil
}

func (r *fakeRunner) calls() []process.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]process.Spec(nil), r.specs...)
}

type fakeFetcher struct {
	mu    sync.Mutex
	descs []artifact.Descriptor
	dests []string
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, d artifact.Descriptor, dest string) error {
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dest, []byte("audio"), 0o644); err != nil {
		return err
	}
	f.mu.Lock()
	f.descs = append(f.descs, d)
	f.dests = append(f.dests, dest)
	f.mu.Unlock()
	return nil
}

type fakeProber struct{ duration float64 }

func (p fakeProber) Duration(ctx context.Context, path string) float64 { return p.duration }

type fakeRemote struct {
	mu         sync.Mutex
	available  bool
	availCalls int
	predicts   int
	resets     int
	data       []json.RawMessage
	err        error
}

func (r *fakeRemote) Available(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.availCalls++
	return r.available
}

func (r *fakeRemote) Predict(ctx context.Context, endpoint string, args []interface{}) (*engine.PredictResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicts++
	if len(args) != engine.ArgCount {
		return nil, errors.New("bad arity")
	}
	if r.err != nil {
		return nil, r.err
	}
	return &engine.PredictResponse{Data: r.data}, nil
}

func (r *fakeRemote) Reset() {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
}

func (r *fakeRemote) counts() (avail, predicts, resets int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availCalls, r.predicts, r.resets
}

type fakeTasks struct {
	mu        sync.Mutex
	available bool
	submitted []map[string]interface{}
	status    *engine.TaskStatus
	query     *engine.TaskStatus
}

func (f *fakeTasks) Available(ctx context.Context) bool { return f.available }

func (f *fakeTasks) Submit(ctx context.Context, params map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, params)
	return "task-1", nil
}

func (f *fakeTasks) Query(ctx context.Context, taskID string) (*engine.TaskStatus, error) {
	if f.query == nil {
		return nil, errors.New("not found")
	}
	return f.query, nil
}

func (f *fakeTasks) Wait(ctx context.Context, taskID string, onProgress func(engine.TaskStatus)) (*engine.TaskStatus, error) {
	p := 50.0
	onProgress(engine.TaskStatus{TaskID: taskID, Status: engine.TaskRunning, Progress: &p, Stage: "Diffusion"})
	return f.status, nil
}

func (f *fakeTasks) AudioURL(path string) string { return "http://engine/v1/audio?path=" + path }

func (f *fakeTasks) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type recorder struct {
	mu     sync.Mutex
	events []model.Job
}

func (r *recorder) JobUpdated(ctx context.Context, job model.Job) {
	r.mu.Lock()
	r.events = append(r.events, job)
	r.mu.Unlock()
}

func (r *recorder) queuedPositions(id string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var positions []int
	for _, e := range r.events {
		if e.ID == id && e.Status == model.JobStatusQueued {
			positions = append(positions, e.QueuePosition)
		}
	}
	return positions
}

func newTestOrchestrator(t *testing.T, cfg Config, deps Deps, opts ...Option) *Orchestrator {
	t.Helper()
	if deps.Runner == nil {
		deps.Runner = &fakeRunner{}
	}
	if deps.Fetcher == nil {
		deps.Fetcher = &fakeFetcher{}
	}
	if deps.Prober == nil {
		deps.Prober = fakeProber{}
	}
	if deps.Paths == nil {
		deps.Paths = artifact.NewPaths(t.TempDir(), "/audio")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	if cfg.PythonPath == "" {
		cfg.PythonPath = "python3"
		cfg.ScriptPath = "scripts/simple_generate.py"
	}
	o := New(cfg, deps, opts...)
	t.Cleanup(o.Close)
	return o
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) model.JobStatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := o.Status(context.Background(), id)
		if st.Status == model.JobStatusSucceeded || st.Status == model.JobStatusFailed {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return model.JobStatusResponse{}
}

func waitStatus(t *testing.T, o *Orchestrator, id string, want model.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if o.Status(context.Background(), id).Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }
func int64Ptr(v int64) *int64     { return &v }

func TestSubmit_QueuePositions(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	rec := &recorder{}
	o := newTestOrchestrator(t, Config{}, Deps{Runner: runner}, WithObserver(rec))

	a := o.Submit(&model.GenerationRequest{Prompt: "a"}, "user-1")
	b := o.Submit(&model.GenerationRequest{Prompt: "b"}, "user-1")
	c := o.Submit(&model.GenerationRequest{Prompt: "c"}, "user-1")

	if got := rec.queuedPositions(a); len(got) == 0 || got[0] != 1 {
		t.Errorf("expected A at position 1, got %v", got)
	}
	if got := rec.queuedPositions(b); len(got) == 0 || got[0] != 2 {
		t.Errorf("expected B at position 2, got %v", got)
	}
	if got := rec.queuedPositions(c); len(got) == 0 || got[0] != 3 {
		t.Errorf("expected C at position 3, got %v", got)
	}

	waitStatus(t, o, a, model.JobStatusRunning)
	if st := o.Status(context.Background(), c); st.QueuePosition == nil || *st.QueuePosition != 3 {
		t.Errorf("expected C still at 3 while A runs, got %v", st.QueuePosition)
	}

	runner.gate <- struct{}{}
	waitTerminal(t, o, a)
	waitStatus(t, o, b, model.JobStatusRunning)

	if got := rec.queuedPositions(b); got[len(got)-1] != 1 {
		t.Errorf("expected B moved to position 1, got %v", got)
	}
	if got := rec.queuedPositions(c); got[len(got)-1] != 2 {
		t.Errorf("expected C moved to position 2, got %v", got)
	}
	if st := o.Status(context.Background(), c); st.QueuePosition == nil || *st.QueuePosition != 2 {
		t.Errorf("expected C at 2, got %v", st.QueuePosition)
	}

	runner.gate <- struct{}{}
	runner.gate <- struct{}{}
	waitTerminal(t, o, c)
}

// slowRecorder stalls on queued snapshots of every job but the first one
// it is told about, widening the gap between taking and delivering them.
type slowRecorder struct {
	recorder
	stall time.Duration

	skipMu sync.Mutex
	skip   string
}

func (s *slowRecorder) setSkip(id string) {
	s.skipMu.Lock()
	s.skip = id
	s.skipMu.Unlock()
}

func (s *slowRecorder) JobUpdated(ctx context.Context, job model.Job) {
	s.skipMu.Lock()
	stall := s.skip != "" && job.ID != s.skip && job.Status == model.JobStatusQueued
	s.skipMu.Unlock()
	if stall {
		time.Sleep(s.stall)
	}
	s.recorder.JobUpdated(ctx, job)
}

func (s *slowRecorder) statuses(id string) []model.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.JobStatus
	for _, e := range s.events {
		if e.ID == id {
			out = append(out, e.Status)
		}
	}
	return out
}

func TestSubmit_ObserversSeeQueuedBeforeRunning(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	rec := &slowRecorder{stall: 100 * time.Millisecond}
	o := newTestOrchestrator(t, Config{}, Deps{Runner: runner}, WithObserver(rec))

	a := o.Submit(&model.GenerationRequest{Prompt: "a"}, "user-1")
	waitStatus(t, o, a, model.JobStatusRunning)
	rec.setSkip(a)

	// A finishes and B starts while B's queued snapshot is still being
	// delivered.
	go func() {
		time.Sleep(20 * time.Millisecond)
		runner.gate <- struct{}{}
	}()
	b := o.Submit(&model.GenerationRequest{Prompt: "b"}, "user-1")
	runner.gate <- struct{}{}
	waitTerminal(t, o, b)

	got := rec.statuses(b)
	if len(got) == 0 || got[0] != model.JobStatusQueued {
		t.Fatalf("expected B's first event to be queued, got %v", got)
	}
	started := false
	for _, st := range got {
		switch st {
		case model.JobStatusRunning:
			started = true
		case model.JobStatusQueued:
			if started {
				t.Fatalf("queued event delivered after running: %v", got)
			}
		}
	}
	if !started || got[len(got)-1] != model.JobStatusSucceeded {
		t.Errorf("expected B to run and succeed, got %v", got)
	}
}

func TestJob_ProgressMonotonic(t *testing.T) {
	j := &job{req: &model.GenerationRequest{}, status: model.JobStatusRunning}

	var seen []float64
	for _, p := range []float64{0.1, 0.05, 0.3} {
		j.applyProgress(p, "")
		seen = append(seen, j.progress)
	}
	want := []float64{0.1, 0.1, 0.3}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected progress sequence %v, got %v", want, seen)
		}
	}

	j.applyProgress(2, "  ")
	if j.progress != 1 {
		t.Errorf("expected clamp to 1, got %v", j.progress)
	}
	if j.stage != "" {
		t.Errorf("expected blank stage ignored, got %q", j.stage)
	}

	j.status = model.JobStatusFailed
	if j.applyProgress(0.5, "late") {
		t.Error("expected terminal job to ignore progress")
	}
}

func TestExecute_CoverWithoutSource(t *testing.T) {
	remote := &fakeRemote{available: true}
	runner := &fakeRunner{}
	tasks := &fakeTasks{available: true}
	o := newTestOrchestrator(t, Config{}, Deps{Remote: remote, Tasks: tasks, Runner: runner})

	id := o.Submit(&model.GenerationRequest{Prompt: "x", TaskType: model.TaskTypeCover}, "u")
	st := waitTerminal(t, o, id)

	if st.Status != model.JobStatusFailed || !strings.Contains(st.Error, "cover") {
		t.Errorf("expected cover validation failure, got %+v", st)
	}
	avail, predicts, _ := remote.counts()
	if avail != 0 || predicts != 0 {
		t.Errorf("expected no remote calls, got available=%d predict=%d", avail, predicts)
	}
	if n := len(runner.calls()); n != 0 {
		t.Errorf("expected no spawns, got %d", n)
	}
	if tasks.submissions() != 0 {
		t.Error("expected no task submissions")
	}
}

func TestExecute_SerialSubBatchSeed(t *testing.T) {
	runner := &fakeRunner{
		output:   `{"success":true,"audio_paths":["out.mp3"],"elapsed_seconds":2,"lm_initialized":true}`,
		progress: []float64{0.5},
	}
	fetcher := &fakeFetcher{}
	o := newTestOrchestrator(t, Config{}, Deps{Runner: runner, Fetcher: fetcher})

	id := o.Submit(&model.GenerationRequest{
		Prompt:         "x",
		TaskType:       model.TaskTypeCover,
		SourceAudioURL: "https://cdn.example.com/src.mp3",
		BatchSize:      intPtr(3),
		RandomSeed:     boolPtr(false),
		Seed:           int64Ptr(42),
	}, "u")
	st := waitTerminal(t, o, id)
	if st.Status != model.JobStatusSucceeded {
		t.Fatalf("expected success, got %+v", st)
	}

	calls := runner.calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 sub-invocations, got %d", len(calls))
	}
	for i, spec := range calls {
		seed, ok := engine.FlagValue(spec.Args, "--seed")
		if i == 0 && (!ok || seed != "42") {
			t.Errorf("expected first item to carry --seed 42, got %q", seed)
		}
		if i > 0 && ok {
			t.Errorf("expected item %d without --seed, got %q", i, seed)
		}
		if v, _ := engine.FlagValue(spec.Args, "--batch-size"); v != "1" {
			t.Errorf("expected single-item batch, got %q", v)
		}
		if v, _ := engine.FlagValue(spec.Args, "--output-dir"); !strings.HasSuffix(v, "item_"+string(rune('0'+i))) {
			t.Errorf("unexpected output dir %q", v)
		}
	}

	if len(st.Result.AudioURLs) != 3 {
		t.Errorf("expected 3 aggregated files, got %v", st.Result.AudioURLs)
	}
	if st.Result.RawResponse["elapsed_seconds"] != 6.0 {
		t.Errorf("expected summed elapsed 6, got %v", st.Result.RawResponse["elapsed_seconds"])
	}
	if st.Result.RawResponse["lm_initialized"] != true {
		t.Error("expected lm_initialized to be OR-ed")
	}
}

func TestExecute_SpawnResultRoundTrip(t *testing.T) {
	runner := &fakeRunner{output: `{"success":true,"audio_paths":["a.mp3"],"elapsed_seconds":12.3}`}
	o := newTestOrchestrator(t, Config{}, Deps{Runner: runner})

	id := o.Submit(&model.GenerationRequest{Prompt: "x", Duration: floatPtr(30)}, "u")
	st := waitTerminal(t, o, id)

	if st.Status != model.JobStatusSucceeded {
		t.Fatalf("expected success, got %+v", st)
	}
	if len(st.Result.AudioURLs) != 1 || st.Result.AudioURLs[0] != "/audio/"+id+"_0.mp3" {
		t.Errorf("unexpected urls %v", st.Result.AudioURLs)
	}
	if st.Result.RawResponse["elapsed_seconds"] != 12.3 {
		t.Errorf("expected elapsed_seconds 12.3, got %v", st.Result.RawResponse["elapsed_seconds"])
	}
	if st.Result.Duration != 30 || st.Result.DurationSource != DurationRequested {
		t.Errorf("expected requested duration, got %v (%s)", st.Result.Duration, st.Result.DurationSource)
	}

	spec := runner.calls()[0]
	if spec.Command != "python3" || spec.Args[0] != "scripts/simple_generate.py" {
		t.Errorf("unexpected command %s %v", spec.Command, spec.Args)
	}
	if _, err := os.Stat(filepath.Join(o.cfg.WorkDir, id)); !os.IsNotExist(err) {
		t.Errorf("expected work dir removed, got %v", err)
	}
}

func TestExecute_SpawnDurationSource(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		probed     float64
		wantDur    float64
		wantSource string
	}{
		{
			name:       "engine source kept",
			output:     `{"success":true,"audio_paths":["a.mp3"],"resolved_duration_seconds":95.5,"duration_source":"lm_cot"}`,
			wantDur:    95.5,
			wantSource: "lm_cot",
		},
		{
			name:       "unnamed engine source",
			output:     `{"success":true,"audio_paths":["a.mp3"],"resolved_duration_seconds":95.5}`,
			wantDur:    95.5,
			wantSource: DurationMetadata,
		},
		{
			name:       "measured file beats engine",
			output:     `{"success":true,"audio_paths":["a.mp3"],"resolved_duration_seconds":95.5,"duration_source":"lm_cot"}`,
			probed:     94.9,
			wantDur:    94.9,
			wantSource: DurationProbed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(t, Config{}, Deps{
				Runner: &fakeRunner{output: tt.output},
				Prober: fakeProber{duration: tt.probed},
			})

			id := o.Submit(&model.GenerationRequest{Prompt: "x", Duration: floatPtr(30)}, "u")
			st := waitTerminal(t, o, id)
			if st.Result == nil {
				t.Fatalf("expected result, got %+v", st)
			}
			if st.Result.Duration != tt.wantDur || st.Result.DurationSource != tt.wantSource {
				t.Errorf("expected %v (%s), got %v (%s)", tt.wantDur, tt.wantSource, st.Result.Duration, st.Result.DurationSource)
			}
		})
	}
}

func TestExecute_ProcessFailure(t *testing.T) {
	runner := &fakeRunner{err: &process.ExitError{Code: 1, Message: "CUDA out of memory"}}
	o := newTestOrchestrator(t, Config{}, Deps{Runner: runner})

	id := o.Submit(&model.GenerationRequest{Prompt: "x"}, "u")
	st := waitTerminal(t, o, id)
	if st.Status != model.JobStatusFailed || !strings.Contains(st.Error, "CUDA out of memory") {
		t.Errorf("expected process failure, got %+v", st)
	}
}

func TestExecute_PanicDoesNotStopQueue(t *testing.T) {
	runner := &fakeRunner{panicFirst: true}
	o := newTestOrchestrator(t, Config{}, Deps{Runner: runner})

	first := o.Submit(&model.GenerationRequest{Prompt: "a"}, "u")
	second := o.Submit(&model.GenerationRequest{Prompt: "b"}, "u")

	if st := waitTerminal(t, o, first); st.Status != model.JobStatusFailed {
		t.Errorf("expected first job failed, got %s", st.Status)
	}
	if st := waitTerminal(t, o, second); st.Status != model.JobStatusSucceeded {
		t.Errorf("expected second job to run, got %+v", st)
	}
}

func remoteOutput(files string, details string) []json.RawMessage {
	out := make([]json.RawMessage, 11)
	for i := range out {
		out[i] = json.RawMessage("null")
	}
	out[engine.OutputAllFiles] = json.RawMessage(files)
	out[engine.OutputDetails] = json.RawMessage(details)
	out[engine.OutputStatus] = json.RawMessage(`"done"`)
	return out
}

func TestExecute_RemoteSuccess(t *testing.T) {
	remote := &fakeRemote{
		available: true,
		data:      remoteOutput(`[{"path":"/tmp/g/take.flac","orig_name":"take.flac"}]`, `"BPM: 100\nDuration: 42.5"`),
	}
	fetcher := &fakeFetcher{}
	runner := &fakeRunner{}
	o := newTestOrchestrator(t, Config{}, Deps{Remote: remote, Runner: runner, Fetcher: fetcher})

	id := o.Submit(&model.GenerationRequest{Prompt: "x", KeyScale: "A minor"}, "u")
	st := waitTerminal(t, o, id)

	if st.Status != model.JobStatusSucceeded {
		t.Fatalf("expected success, got %+v", st)
	}
	if st.Result.AudioURLs[0] != "/audio/"+id+"_0.flac" {
		t.Errorf("expected flac name, got %v", st.Result.AudioURLs)
	}
	if st.Result.BPM == nil || *st.Result.BPM != 100 {
		t.Errorf("expected parsed bpm, got %v", st.Result.BPM)
	}
	if st.Result.KeyScale != "A minor" {
		t.Errorf("expected requested key fallback, got %q", st.Result.KeyScale)
	}
	if st.Result.Duration != 42.5 || st.Result.DurationSource != DurationMetadata {
		t.Errorf("expected metadata duration, got %v (%s)", st.Result.Duration, st.Result.DurationSource)
	}
	if len(runner.calls()) != 0 {
		t.Error("expected no local spawn")
	}
}

func TestExecute_ProbedDurationWins(t *testing.T) {
	remote := &fakeRemote{
		available: true,
		data:      remoteOutput(`[{"path":"/tmp/g/a.mp3"}]`, `"duration: 42"`),
	}
	o := newTestOrchestrator(t, Config{}, Deps{Remote: remote, Prober: fakeProber{duration: 41.7}})

	id := o.Submit(&model.GenerationRequest{Prompt: "x"}, "u")
	st := waitTerminal(t, o, id)
	if st.Result == nil || st.Result.Duration != 41.7 || st.Result.DurationSource != DurationProbed {
		t.Errorf("expected probed duration, got %+v", st.Result)
	}
}

func TestExecute_RemoteFailureFallsBack(t *testing.T) {
	remote := &fakeRemote{available: true, err: errors.New("connection reset")}
	runner := &fakeRunner{}
	o := newTestOrchestrator(t, Config{}, Deps{Remote: remote, Runner: runner})

	id := o.Submit(&model.GenerationRequest{Prompt: "x"}, "u")
	st := waitTerminal(t, o, id)

	if st.Status != model.JobStatusSucceeded {
		t.Fatalf("expected local fallback success, got %+v", st)
	}
	_, predicts, resets := remote.counts()
	if predicts != 1 || resets != 1 {
		t.Errorf("expected one predict and one reset, got %d/%d", predicts, resets)
	}
	if len(runner.calls()) != 1 {
		t.Errorf("expected one local spawn, got %d", len(runner.calls()))
	}
}

func TestExecute_EmptyRemoteOutputFallsBack(t *testing.T) {
	remote := &fakeRemote{available: true, data: remoteOutput(`[]`, `"nothing"`)}
	runner := &fakeRunner{}
	o := newTestOrchestrator(t, Config{}, Deps{Remote: remote, Runner: runner})

	id := o.Submit(&model.GenerationRequest{Prompt: "x"}, "u")
	if st := waitTerminal(t, o, id); st.Status != model.JobStatusSucceeded {
		t.Fatalf("expected fallback success, got %+v", st)
	}
	if len(runner.calls()) != 1 {
		t.Error("expected local spawn after empty remote output")
	}
}

func TestExecute_LocalREST(t *testing.T) {
	bpm := 128
	tasks := &fakeTasks{
		available: true,
		status: &engine.TaskStatus{
			TaskID:         "task-1",
			Status:         engine.TaskSucceeded,
			AudioPaths:     []string{"/engine/out/a.mp3", "/engine/out/b.mp3"},
			Metas:          engine.TaskMetas{BPM: &bpm, KeyScale: "E minor"},
			ElapsedSeconds: 20,
		},
	}
	runner := &fakeRunner{}
	fetcher := &fakeFetcher{}
	rec := &recorder{}
	o := newTestOrchestrator(t, Config{}, Deps{Tasks: tasks, Runner: runner, Fetcher: fetcher}, WithObserver(rec))

	id := o.Submit(&model.GenerationRequest{Prompt: "x"}, "u")
	st := waitTerminal(t, o, id)

	if st.Status != model.JobStatusSucceeded {
		t.Fatalf("expected success, got %+v", st)
	}
	if len(st.Result.AudioURLs) != 2 || st.Result.KeyScale != "E minor" || *st.Result.BPM != 128 {
		t.Errorf("unexpected result %+v", st.Result)
	}
	if len(runner.calls()) != 0 {
		t.Error("expected no spawn when the task API is reachable")
	}
	if fetcher.descs[0].URL != "http://engine/v1/audio?path=/engine/out/a.mp3" {
		t.Errorf("unexpected descriptor %+v", fetcher.descs[0])
	}
	job, _ := o.Job(id)
	if job.TaskID != "task-1" {
		t.Errorf("expected task id recorded, got %q", job.TaskID)
	}

	sawHalf := false
	rec.mu.Lock()
	for _, e := range rec.events {
		if e.ID == id && e.Progress == 0.5 && e.Stage == "Diffusion" {
			sawHalf = true
		}
	}
	rec.mu.Unlock()
	if !sawHalf {
		t.Error("expected normalized task progress 0.5")
	}
}

func TestExecute_LoraForcesSpawn(t *testing.T) {
	tasks := &fakeTasks{available: true}
	runner := &fakeRunner{}
	o := newTestOrchestrator(t, Config{LoraConfig: "/models/lora.json"}, Deps{Tasks: tasks, Runner: runner})

	id := o.Submit(&model.GenerationRequest{Prompt: "x"}, "u")
	if st := waitTerminal(t, o, id); st.Status != model.JobStatusSucceeded {
		t.Fatalf("expected success, got %+v", st)
	}
	if tasks.submissions() != 0 {
		t.Error("expected task API bypassed")
	}
	calls := runner.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one spawn, got %d", len(calls))
	}
	found := false
	for _, kv := range calls[0].Env {
		if kv == "ACESTEP_LORA_CONFIG=/models/lora.json" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected lora env, got %v", calls[0].Env)
	}
}

func TestExecute_FetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: &artifact.Error{Kind: artifact.KindEmpty, Source: "out.mp3"}}
	o := newTestOrchestrator(t, Config{}, Deps{Fetcher: fetcher})

	id := o.Submit(&model.GenerationRequest{Prompt: "x"}, "u")
	if st := waitTerminal(t, o, id); st.Status != model.JobStatusFailed {
		t.Errorf("expected artifact failure, got %+v", st)
	}
}

func TestEstimateETA(t *testing.T) {
	estimate := 180 * time.Second
	if got := EstimateETA(60*time.Second, 0.5, estimate); got != 60 {
		t.Errorf("expected 60, got %v", got)
	}
	if got := EstimateETA(60*time.Second, 0, estimate); got != 180 {
		t.Errorf("expected fallback 180 at 0, got %v", got)
	}
	if got := EstimateETA(60*time.Second, 1, estimate); got != 180 {
		t.Errorf("expected fallback 180 at 1, got %v", got)
	}
}

func TestStatus_QueuedETA(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	o := newTestOrchestrator(t, Config{PerJobEstimate: 100 * time.Second}, Deps{Runner: runner})

	a := o.Submit(&model.GenerationRequest{Prompt: "a"}, "u")
	b := o.Submit(&model.GenerationRequest{Prompt: "b"}, "u")
	waitStatus(t, o, a, model.JobStatusRunning)

	st := o.Status(context.Background(), b)
	if st.Status != model.JobStatusQueued || st.EtaSeconds == nil || *st.EtaSeconds != 200 {
		t.Errorf("expected eta 200 at position 2, got %+v", st)
	}

	runner.gate <- struct{}{}
	runner.gate <- struct{}{}
	waitTerminal(t, o, b)
}

func TestStatus_RunningRefreshesTaskProgress(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tasks := &fakeTasks{query: &engine.TaskStatus{TaskID: "task-1", Status: engine.TaskRunning, Progress: floatPtr(50)}}
	o := newTestOrchestrator(t, Config{}, Deps{Tasks: tasks}, WithClock(func() time.Time { return now }))

	j := &job{id: "j1", req: &model.GenerationRequest{}, status: model.JobStatusRunning, taskID: "task-1", createdAt: now.Add(-60 * time.Second)}
	o.mu.Lock()
	o.jobs[j.id] = j
	o.mu.Unlock()

	st := o.Status(context.Background(), "j1")
	if st.Progress == nil || *st.Progress != 0.5 {
		t.Fatalf("expected refreshed progress 0.5, got %v", st.Progress)
	}
	if st.EtaSeconds == nil || *st.EtaSeconds != 60 {
		t.Errorf("expected eta 60, got %v", st.EtaSeconds)
	}

	tasks.query = &engine.TaskStatus{TaskID: "task-1", Status: engine.TaskRunning, Progress: floatPtr(0.2)}
	st = o.Status(context.Background(), "j1")
	if *st.Progress != 0.5 {
		t.Errorf("expected progress to stay at 0.5, got %v", *st.Progress)
	}
}

func TestStatus_UnknownJob(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{})
	st := o.Status(context.Background(), "missing")
	if st.Status != model.JobStatusFailed || st.Error != "Job not found" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestCleanup_Idempotent(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, Deps{})
	id := o.Submit(&model.GenerationRequest{Prompt: "x"}, "u")
	waitTerminal(t, o, id)

	if !o.Cleanup(id) {
		t.Error("expected first cleanup to remove the job")
	}
	if o.Cleanup(id) {
		t.Error("expected second cleanup to be a no-op")
	}
	if st := o.Status(context.Background(), id); st.Error != "Job not found" {
		t.Errorf("expected job gone, got %+v", st)
	}
}

func TestCleanup_QueuedJobNeverRuns(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	o := newTestOrchestrator(t, Config{}, Deps{Runner: runner})

	a := o.Submit(&model.GenerationRequest{Prompt: "a"}, "u")
	b := o.Submit(&model.GenerationRequest{Prompt: "b"}, "u")
	c := o.Submit(&model.GenerationRequest{Prompt: "c"}, "u")
	waitStatus(t, o, a, model.JobStatusRunning)

	o.Cleanup(b)
	if st := o.Status(context.Background(), c); st.QueuePosition == nil || *st.QueuePosition != 2 {
		t.Errorf("expected C at 2 after B removed, got %v", st.QueuePosition)
	}

	runner.gate <- struct{}{}
	runner.gate <- struct{}{}
	waitTerminal(t, o, c)
	if n := len(runner.calls()); n != 2 {
		t.Errorf("expected 2 spawns, got %d", n)
	}
}

func TestSweep_RemovesExpiredFinishedJobs(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	o := newTestOrchestrator(t, Config{JobTTL: time.Hour}, Deps{}, WithClock(clock))

	o.mu.Lock()
	o.jobs["old"] = &job{id: "old", req: &model.GenerationRequest{}, status: model.JobStatusSucceeded, createdAt: now.Add(-2 * time.Hour)}
	o.jobs["fresh"] = &job{id: "fresh", req: &model.GenerationRequest{}, status: model.JobStatusFailed, createdAt: now.Add(-time.Minute)}
	o.jobs["stuck"] = &job{id: "stuck", req: &model.GenerationRequest{}, status: model.JobStatusRunning, createdAt: now.Add(-3 * time.Hour)}
	o.mu.Unlock()

	if n := o.Sweep(); n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}
	if _, ok := o.Job("old"); ok {
		t.Error("expected old job removed")
	}
	if _, ok := o.Job("stuck"); !ok {
		t.Error("expected running job kept")
	}
}
