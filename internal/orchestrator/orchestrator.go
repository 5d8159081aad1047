package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/makeasinger/studio/internal/artifact"
	"github.com/makeasinger/studio/internal/config"
	"github.com/makeasinger/studio/internal/engine"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/process"
)

// RemoteEngine is the hosted engine reachable over RPC.
type RemoteEngine interface {
	Available(ctx context.Context) bool
	Predict(ctx context.Context, endpoint string, args []interface{}) (*engine.PredictResponse, error)
	Reset()
}

// TaskEngine is the engine's local REST task API.
type TaskEngine interface {
	Available(ctx context.Context) bool
	Submit(ctx context.Context, params map[string]interface{}) (string, error)
	Query(ctx context.Context, taskID string) (*engine.TaskStatus, error)
	Wait(ctx context.Context, taskID string, onProgress func(engine.TaskStatus)) (*engine.TaskStatus, error)
	AudioURL(path string) string
}

// ProcessRunner spawns the local generation script.
type ProcessRunner interface {
	Run(ctx context.Context, spec process.Spec, onProgress process.ProgressFunc) (*process.Output, error)
}

// ArtifactFetcher copies or downloads a produced file to durable storage.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, d artifact.Descriptor, dest string) error
}

// DurationProber measures an audio file. It returns 0 when it cannot.
type DurationProber interface {
	Duration(ctx context.Context, path string) float64
}

// Observer is notified with a fresh snapshot after every job change.
type Observer interface {
	JobUpdated(ctx context.Context, job model.Job)
}

// Config holds the orchestrator's tunables.
type Config struct {
	Endpoint       string
	PythonPath     string
	ScriptPath     string
	EnginePath     string
	LoraConfig     string
	WorkDir        string
	PerJobEstimate time.Duration
	ProcessTimeout time.Duration
	JobTTL         time.Duration
	SweepInterval  time.Duration
}

// NewConfig derives the orchestrator config from the application config.
func NewConfig(cfg *config.Config) Config {
	return Config{
		Endpoint:       cfg.Engine.Endpoint,
		PythonPath:     cfg.Engine.PythonPath,
		ScriptPath:     cfg.Engine.ScriptPath,
		EnginePath:     cfg.Engine.EnginePath,
		LoraConfig:     cfg.Engine.LoraConfig,
		WorkDir:        cfg.Storage.WorkDir,
		PerJobEstimate: cfg.Orchestrator.PerJobEstimateDuration(),
		ProcessTimeout: cfg.Orchestrator.ProcessTimeoutDuration(),
		JobTTL:         cfg.Orchestrator.JobTTLDuration(),
		SweepInterval:  cfg.Orchestrator.SweepIntervalDuration(),
	}
}

// ForceLocal reports whether a LoRA adapter pins generation to the spawned
// script.
func (c Config) ForceLocal() bool {
	return c.LoraConfig != ""
}

// Deps are the collaborators the orchestrator drives. Remote and Tasks may
// be nil when that path is not configured.
type Deps struct {
	Remote  RemoteEngine
	Tasks   TaskEngine
	Runner  ProcessRunner
	Fetcher ArtifactFetcher
	Prober  DurationProber
	Paths   *artifact.Paths
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers observers for job updates.
func WithObserver(obs ...Observer) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, obs...)
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator owns the job table and the FIFO queue. Jobs run one at a
// time on a single drain goroutine.
type Orchestrator struct {
	cfg       Config
	remote    RemoteEngine
	tasks     TaskEngine
	runner    ProcessRunner
	fetcher   ArtifactFetcher
	prober    DurationProber
	paths     *artifact.Paths
	builder   *engine.Builder
	observers []Observer
	now       func() time.Time

	mu       sync.Mutex
	emitMu   sync.Mutex
	jobs     map[string]*job
	queue    []string
	current  string
	draining bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps, opts ...Option) *Orchestrator {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "generation_wrapper"
	}
	if cfg.PerJobEstimate <= 0 {
		cfg.PerJobEstimate = 180 * time.Second
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = process.DefaultTimeout
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}

	o := &Orchestrator{
		cfg:     cfg,
		remote:  deps.Remote,
		tasks:   deps.Tasks,
		runner:  deps.Runner,
		fetcher: deps.Fetcher,
		prober:  deps.Prober,
		paths:   deps.Paths,
		builder: engine.NewBuilder(deps.Paths),
		now:     time.Now,
		jobs:    make(map[string]*job),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit enqueues a generation request and returns its job id without
// waiting for execution.
func (o *Orchestrator) Submit(req *model.GenerationRequest, ownerID string) string {
	owned := *req
	id := uuid.New().String()

	o.mu.Lock()
	j := &job{
		id:        id,
		ownerID:   ownerID,
		req:       &owned,
		status:    model.JobStatusQueued,
		position:  len(o.queue) + 1,
		createdAt: o.now(),
	}
	o.jobs[id] = j
	o.queue = append(o.queue, id)
	snap := j.snapshot()
	start := !o.draining
	if start {
		o.draining = true
	}
	log.Printf("[Orchestrator] → job %s queued (position %d, task %s)", id, snap.QueuePosition, owned.EffectiveTaskType())
	o.emitUnlock(snap)

	if start {
		o.wg.Add(1)
		go o.drain()
	}
	return id
}

// Job returns a snapshot of a job.
func (o *Orchestrator) Job(id string) (model.Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return j.snapshot(), true
}

// Cleanup forgets a job. A queued job is dropped from the queue; a running
// job finishes but is no longer reported. Unknown ids are a no-op.
func (o *Orchestrator) Cleanup(id string) bool {
	o.mu.Lock()
	_, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return false
	}
	delete(o.jobs, id)
	var updates []model.Job
	if id != o.current && o.removeQueued(id) {
		updates = o.recomputePositions()
	}
	log.Printf("[Orchestrator] Job %s cleaned up", id)
	o.emitUnlock(updates...)
	return true
}

// Start launches the periodic sweep of expired jobs.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			case <-ticker.C:
				if n := o.Sweep(); n > 0 {
					log.Printf("[Orchestrator] Swept %d expired jobs", n)
				}
			}
		}
	}()
}

// Sweep removes finished jobs older than the TTL and returns how many.
func (o *Orchestrator) Sweep() int {
	cutoff := o.now().Add(-o.cfg.JobTTL)

	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for id, j := range o.jobs {
		if !j.terminal() || j.createdAt.After(cutoff) {
			continue
		}
		delete(o.jobs, id)
		removed++
	}
	return removed
}

// Close stops the sweep and waits for the current job to finish.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() { close(o.stop) })
	o.wg.Wait()
}

// drain executes queued jobs in order until the queue is empty.
func (o *Orchestrator) drain() {
	defer o.wg.Done()
	ctx := context.Background()

	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.draining = false
			o.current = ""
			o.mu.Unlock()
			return
		}
		id := o.queue[0]
		j := o.jobs[id]
		o.current = id
		o.mu.Unlock()

		if j != nil {
			o.runSafely(ctx, j)
		}

		o.mu.Lock()
		o.removeQueued(id)
		o.current = ""
		o.emitUnlock(o.recomputePositions()...)
	}
}

func (o *Orchestrator) runSafely(ctx context.Context, j *job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Orchestrator] ✗ job %s panicked: %v", j.id, r)
			o.fail(j, fmt.Sprintf("internal error: %v", r))
		}
	}()
	o.execute(ctx, j)
}

// removeQueued drops id from the queue. Callers hold mu.
func (o *Orchestrator) removeQueued(id string) bool {
	if len(o.queue) > 0 && o.queue[0] == id {
		o.queue = o.queue[1:]
		return true
	}
	for i, qid := range o.queue {
		if qid == id {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return true
		}
	}
	return false
}

// recomputePositions renumbers queued jobs from 1 and returns snapshots of
// the ones that moved. Callers hold mu.
func (o *Orchestrator) recomputePositions() []model.Job {
	var updates []model.Job
	for i, id := range o.queue {
		j, ok := o.jobs[id]
		if !ok || j.status != model.JobStatusQueued {
			continue
		}
		if j.position != i+1 {
			j.position = i + 1
			updates = append(updates, j.snapshot())
		}
	}
	return updates
}

func (o *Orchestrator) markRunning(j *job) {
	o.mu.Lock()
	now := o.now()
	j.status = model.JobStatusRunning
	j.position = 0
	j.startedAt = &now
	j.stage = "Starting"
	log.Printf("[Orchestrator] Job %s running", j.id)
	o.emitUnlock(j.snapshot())
}

// setProgress raises the job's progress. Lower values are ignored, the
// stage changes only when non-blank and finished jobs are left alone.
func (o *Orchestrator) setProgress(j *job, progress float64, stage string) {
	o.mu.Lock()
	if !j.applyProgress(progress, stage) {
		o.mu.Unlock()
		return
	}
	o.emitUnlock(j.snapshot())
}

func (o *Orchestrator) setTaskID(j *job, taskID string) {
	o.mu.Lock()
	j.taskID = taskID
	o.mu.Unlock()
}

func (o *Orchestrator) succeed(j *job, result *model.GenerationResult) {
	o.mu.Lock()
	if j.terminal() {
		o.mu.Unlock()
		return
	}
	now := o.now()
	j.status = model.JobStatusSucceeded
	j.progress = 1
	j.stage = "Completed"
	j.result = result
	j.completedAt = &now
	log.Printf("[Orchestrator] ← job %s succeeded (%d files, %.1fs)", j.id, len(result.AudioURLs), result.Duration)
	o.emitUnlock(j.snapshot())
}

func (o *Orchestrator) fail(j *job, msg string) {
	o.mu.Lock()
	if j.terminal() {
		o.mu.Unlock()
		return
	}
	now := o.now()
	j.status = model.JobStatusFailed
	j.err = msg
	j.completedAt = &now
	log.Printf("[Orchestrator] ✗ job %s failed: %s", j.id, msg)
	o.emitUnlock(j.snapshot())
}

// emitUnlock releases mu and delivers snaps to the observers. emitMu is
// taken before mu is released, so observers see snapshots in the order
// they were taken. Observers must not call back into the orchestrator.
// Callers hold mu.
func (o *Orchestrator) emitUnlock(snaps ...model.Job) {
	o.emitMu.Lock()
	o.mu.Unlock()
	defer o.emitMu.Unlock()

	ctx := context.Background()
	for _, snap := range snaps {
		for _, obs := range o.observers {
			obs.JobUpdated(ctx, snap)
		}
	}
}
