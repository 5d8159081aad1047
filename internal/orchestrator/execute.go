package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/makeasinger/studio/internal/artifact"
	"github.com/makeasinger/studio/internal/engine"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/process"
)

const defaultDurationSeconds = 60.0

// Duration sources reported on results.
const (
	DurationProbed    = "probed"
	DurationMetadata  = "metadata"
	DurationRequested = "requested"
	DurationDefault   = "default"
)

// errNext tells the stage loop to move on to the next stage.
var errNext = errors.New("stage not applicable")

// stage is one step of the execution pipeline. A stage either produces
// the result, returns errNext, or fails. Errors from a fallible stage are
// logged and the pipeline continues.
type stage struct {
	name     string
	run      func(ctx context.Context, j *job) (*model.GenerationResult, error)
	fallible bool
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{name: "validate", run: o.validate},
		{name: "remote", run: o.attemptRemote, fallible: true},
		{name: "local-rest", run: o.attemptLocalREST},
		{name: "local-spawn", run: o.attemptLocalSpawn},
	}
}

// execute runs the pipeline and records a single terminal outcome.
func (o *Orchestrator) execute(ctx context.Context, j *job) {
	o.markRunning(j)

	for _, s := range o.stages() {
		result, err := s.run(ctx, j)
		switch {
		case err == nil:
			o.succeed(j, result)
			return
		case errors.Is(err, errNext):
			continue
		case s.fallible:
			log.Printf("[Orchestrator] ✗ job %s %s stage failed, falling back: %v", j.id, s.name, err)
			continue
		default:
			o.fail(j, err.Error())
			return
		}
	}
	o.fail(j, "no generation backend available")
}

// validate rejects source-dependent tasks that carry no source audio.
func (o *Orchestrator) validate(_ context.Context, j *job) (*model.GenerationResult, error) {
	taskType := j.req.EffectiveTaskType()
	if !model.IsSourceDependent(taskType) {
		return nil, errNext
	}
	if strings.TrimSpace(j.req.SourceAudioURL) == "" && strings.TrimSpace(j.req.AudioCodes) == "" {
		return nil, fmt.Errorf("task type %q requires sourceAudioUrl or audioCodes", taskType)
	}
	return nil, errNext
}

func (o *Orchestrator) attemptRemote(ctx context.Context, j *job) (*model.GenerationResult, error) {
	if o.remote == nil || !o.remote.Available(ctx) {
		return nil, errNext
	}

	o.setProgress(j, 0.05, "Generating on engine")
	args := o.builder.BuildArgs(j.req)

	resp, err := o.remote.Predict(ctx, o.cfg.Endpoint, args)
	if err != nil {
		o.remote.Reset()
		return nil, fmt.Errorf("remote predict failed: %w", err)
	}

	out, err := engine.ParseGenerationOutput(resp.Data)
	if err != nil {
		o.remote.Reset()
		return nil, err
	}

	files := out.AudioFiles()
	if len(files) == 0 {
		return nil, fmt.Errorf("engine returned no audio files (status: %q, details: %q)", out.Status, out.Details)
	}

	o.setProgress(j, 0.9, "Saving audio")
	descs := make([]artifact.Descriptor, len(files))
	for i, f := range files {
		descs[i] = f.Descriptor()
	}
	urls, probed, err := o.persist(ctx, j, descs)
	if err != nil {
		return nil, err
	}

	result := o.buildResult(j.req, urls, probed, engine.ParseDetails(out.Details))
	result.Status = out.Status
	result.Details = out.Details
	return result, nil
}

func (o *Orchestrator) attemptLocalREST(ctx context.Context, j *job) (*model.GenerationResult, error) {
	if o.tasks == nil || o.cfg.ForceLocal() || !o.tasks.Available(ctx) {
		return nil, errNext
	}

	o.setProgress(j, 0.02, "Submitting task")
	params := engine.BuildTaskParams(j.req, o.localAudio(j.req.ReferenceAudioURL), o.localAudio(j.req.SourceAudioURL))

	taskID, err := o.tasks.Submit(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to submit generation task: %w", err)
	}
	o.setTaskID(j, taskID)
	log.Printf("[Orchestrator] Job %s submitted as task %s", j.id, taskID)

	status, err := o.tasks.Wait(ctx, taskID, func(s engine.TaskStatus) {
		progress := 0.0
		if s.Progress != nil {
			progress = engine.NormalizeProgress(*s.Progress)
		}
		o.setProgress(j, progress, s.Stage)
	})
	if err != nil {
		return nil, err
	}
	if len(status.AudioPaths) == 0 {
		return nil, fmt.Errorf("task %s returned no audio files", taskID)
	}

	o.setProgress(j, 0.95, "Saving audio")
	descs := make([]artifact.Descriptor, len(status.AudioPaths))
	for i, p := range status.AudioPaths {
		descs[i] = artifact.Descriptor{Path: p, URL: o.tasks.AudioURL(p), OrigName: filepath.Base(p)}
	}
	urls, probed, err := o.persist(ctx, j, descs)
	if err != nil {
		return nil, err
	}

	result := o.buildResult(j.req, urls, probed, engine.Metadata{
		BPM:           status.Metas.BPM,
		Duration:      status.Metas.Duration,
		KeyScale:      status.Metas.KeyScale,
		TimeSignature: status.Metas.TimeSignature,
	})
	result.Status = status.Status
	result.RawResponse = map[string]interface{}{
		"task_id":         taskID,
		"audio_paths":     status.AudioPaths,
		"elapsed_seconds": status.ElapsedSeconds,
	}
	return result, nil
}

func (o *Orchestrator) attemptLocalSpawn(ctx context.Context, j *job) (*model.GenerationResult, error) {
	workDir := filepath.Join(o.cfg.WorkDir, j.id)
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Printf("[Orchestrator] Warning: failed to remove work dir %s: %v", workDir, err)
		}
	}()
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	opts := engine.CLIOptions{
		OutputDir:      workDir,
		ReferenceAudio: o.localAudio(j.req.ReferenceAudioURL),
		SourceAudio:    o.localAudio(j.req.SourceAudioURL),
	}

	batch := engine.ClampBatchSize(j.req.BatchSize)

	var (
		res *process.Result
		err error
	)
	if model.IsSourceDependent(j.req.EffectiveTaskType()) && batch > 1 {
		res, err = o.spawnSerial(ctx, j, opts, batch)
	} else {
		o.setProgress(j, 0, "Generating locally")
		res, err = o.spawn(ctx, engine.BuildCLIArgs(j.req, opts), func(p *float64, s string) {
			progress := 0.0
			if p != nil {
				progress = *p
			}
			o.setProgress(j, progress, s)
		})
	}
	if err != nil {
		return nil, err
	}
	if len(res.AudioPaths) == 0 {
		return nil, errors.New("local generation produced no audio files")
	}

	descs := make([]artifact.Descriptor, len(res.AudioPaths))
	for i, p := range res.AudioPaths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(workDir, p)
		}
		descs[i] = artifact.Descriptor{Path: p, OrigName: filepath.Base(p)}
	}
	urls, probed, err := o.persist(ctx, j, descs)
	if err != nil {
		return nil, err
	}

	result := o.buildResult(j.req, urls, probed, engine.Metadata{
		Duration:       res.ResolvedDurationSeconds,
		DurationSource: res.DurationSource,
	})
	result.RawResponse = res.Raw
	return result, nil
}

// spawnSerial runs one single-item process per requested variation. Only
// the first item keeps a pinned seed so the rest are sampled freshly.
func (o *Orchestrator) spawnSerial(ctx context.Context, j *job, opts engine.CLIOptions, batch int) (*process.Result, error) {
	agg := &process.Result{Success: true, Raw: map[string]interface{}{}}
	var elapsed float64

	for i := 0; i < batch; i++ {
		item := *j.req
		one := 1
		item.BatchSize = &one

		itemOpts := opts
		itemOpts.OutputDir = filepath.Join(opts.OutputDir, fmt.Sprintf("item_%d", i))
		if err := os.MkdirAll(itemOpts.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}

		args := engine.BuildCLIArgs(&item, itemOpts)
		if i > 0 {
			args = engine.StripFlag(args, "--seed")
		}

		label := fmt.Sprintf("Variation %d/%d", i+1, batch)
		o.setProgress(j, float64(i)/float64(batch), label)

		done := float64(i)
		res, err := o.spawn(ctx, args, func(p *float64, s string) {
			frac := 0.0
			if p != nil {
				frac = clamp01(*p)
			}
			st := label
			if s = strings.TrimSpace(s); s != "" {
				st = label + ": " + s
			}
			o.setProgress(j, (done+frac)/float64(batch), st)
		})
		if err != nil {
			return nil, fmt.Errorf("%s failed: %w", strings.ToLower(label), err)
		}

		for _, p := range res.AudioPaths {
			if !filepath.IsAbs(p) {
				p = filepath.Join(itemOpts.OutputDir, p)
			}
			agg.AudioPaths = append(agg.AudioPaths, p)
		}
		elapsed += res.ElapsedSeconds
		if agg.ResolvedDurationSeconds == nil && res.ResolvedDurationSeconds != nil {
			agg.ResolvedDurationSeconds = res.ResolvedDurationSeconds
			agg.DurationSource = res.DurationSource
		}
		agg.LMInitialized = agg.LMInitialized || res.LMInitialized
	}

	agg.ElapsedSeconds = elapsed
	agg.Raw["success"] = true
	agg.Raw["audio_paths"] = agg.AudioPaths
	agg.Raw["elapsed_seconds"] = elapsed
	agg.Raw["lm_initialized"] = agg.LMInitialized
	agg.Raw["batch_items"] = batch
	if agg.ResolvedDurationSeconds != nil {
		agg.Raw["resolved_duration_seconds"] = *agg.ResolvedDurationSeconds
		agg.Raw["duration_source"] = agg.DurationSource
	}
	return agg, nil
}

func (o *Orchestrator) spawn(ctx context.Context, args []string, onProgress process.ProgressFunc) (*process.Result, error) {
	spec := process.Spec{
		Command: o.cfg.PythonPath,
		Args:    append([]string{o.cfg.ScriptPath}, args...),
		Env:     o.processEnv(),
		Timeout: o.cfg.ProcessTimeout,
	}
	out, err := o.runner.Run(ctx, spec, onProgress)
	if err != nil {
		return nil, err
	}
	return out.Result()
}

func (o *Orchestrator) processEnv() []string {
	var env []string
	if o.cfg.EnginePath != "" {
		env = append(env, "ACESTEP_PATH="+o.cfg.EnginePath)
	}
	if o.cfg.LoraConfig != "" {
		env = append(env, "ACESTEP_LORA_CONFIG="+o.cfg.LoraConfig)
	}
	return env
}

// localAudio resolves an audio reference for the co-located engine: a file
// in the audio directory when it exists, an http(s) URL as given.
func (o *Orchestrator) localAudio(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if o.paths != nil {
		if p, ok := o.paths.LocalPath(ref); ok {
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	if engine.IsHTTPURL(ref) {
		return ref
	}
	return ""
}

// persist stores every artifact as {jobId}_{i}.{ext} and probes the first
// one. It returns the public URLs and the probed duration.
func (o *Orchestrator) persist(ctx context.Context, j *job, descs []artifact.Descriptor) ([]string, float64, error) {
	format := engine.AudioFormat(j.req)
	urls := make([]string, 0, len(descs))
	var first string

	for i, d := range descs {
		name := fmt.Sprintf("%s_%d.%s", j.id, i, extensionFor(d.Name(), format))
		dest := o.paths.Destination(name)
		if err := o.fetcher.Fetch(ctx, d, dest); err != nil {
			return nil, 0, fmt.Errorf("failed to save %s: %w", d.Name(), err)
		}
		if i == 0 {
			first = dest
		}
		urls = append(urls, o.paths.PublicURL(name))
	}

	var probed float64
	if first != "" && o.prober != nil {
		probed = o.prober.Duration(ctx, first)
	}
	return urls, probed, nil
}

// buildResult resolves duration and musical metadata. Duration prefers the
// probed file, then engine metadata, then the request, then 60 seconds. An
// engine-reported duration keeps the source the engine gave for it.
func (o *Orchestrator) buildResult(req *model.GenerationRequest, urls []string, probed float64, meta engine.Metadata) *model.GenerationResult {
	result := &model.GenerationResult{AudioURLs: urls}

	switch {
	case probed > 0:
		result.Duration, result.DurationSource = probed, DurationProbed
	case meta.Duration != nil && *meta.Duration > 0:
		result.Duration, result.DurationSource = *meta.Duration, firstNonBlank(meta.DurationSource, DurationMetadata)
	case req.Duration != nil && *req.Duration > 0:
		result.Duration, result.DurationSource = *req.Duration, DurationRequested
	default:
		result.Duration, result.DurationSource = defaultDurationSeconds, DurationDefault
	}

	result.BPM = meta.BPM
	if result.BPM == nil && req.BPM != nil && *req.BPM > 0 {
		bpm := *req.BPM
		result.BPM = &bpm
	}
	result.KeyScale = firstNonBlank(meta.KeyScale, req.KeyScale)
	result.TimeSignature = firstNonBlank(meta.TimeSignature, req.TimeSignature)
	return result
}

func extensionFor(name, format string) string {
	if strings.Contains(strings.ToLower(name), "flac") {
		return "flac"
	}
	return format
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
