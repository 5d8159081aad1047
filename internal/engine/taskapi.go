package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/makeasinger/studio/internal/config"
	"github.com/makeasinger/studio/internal/model"
)

// Task states reported by the engine's task API.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

const maxConsecutiveQueryErrors = 5

// TaskMetas is the musical metadata the task API reports for a result.
type TaskMetas struct {
	BPM           *int     `json:"bpm,omitempty"`
	Duration      *float64 `json:"duration,omitempty"`
	KeyScale      string   `json:"keyscale,omitempty"`
	TimeSignature string   `json:"timesignature,omitempty"`
}

// TaskStatus is one task's state as reported by the task API.
type TaskStatus struct {
	TaskID         string    `json:"task_id"`
	Status         string    `json:"status"`
	Progress       *float64  `json:"progress,omitempty"`
	Stage          string    `json:"stage,omitempty"`
	AudioPaths     []string  `json:"audio_paths,omitempty"`
	Metas          TaskMetas `json:"metas"`
	ElapsedSeconds float64   `json:"elapsed_seconds,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Terminal reports whether the task has finished.
func (s *TaskStatus) Terminal() bool {
	return s.Status == TaskSucceeded || s.Status == TaskFailed
}

// NormalizeProgress maps a progress value reported as either a fraction or
// a percentage onto [0, 1].
func NormalizeProgress(p float64) float64 {
	if p > 1 {
		p = p / 100
	}
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

type taskEnvelope struct {
	Code  int             `json:"code"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// TaskClient talks to the engine's REST task API: submit a job, then poll
// its state until it finishes.
type TaskClient struct {
	httpClient   *http.Client
	baseURL      string
	pollInterval time.Duration
	maxWait      time.Duration
}

// NewTaskClient creates a task API client.
func NewTaskClient(cfg *config.EngineConfig, maxWait time.Duration) *TaskClient {
	interval := time.Duration(cfg.PollInterval) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 10 * time.Minute
	}
	return &TaskClient{
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		baseURL:      strings.TrimRight(cfg.TaskAPIURL, "/"),
		pollInterval: interval,
		maxWait:      maxWait,
	}
}

// IsConfigured returns true if the client has a base URL
func (c *TaskClient) IsConfigured() bool {
	return c.baseURL != ""
}

// Available reports whether the task API answers its health check.
func (c *TaskClient) Available(ctx context.Context) bool {
	if !c.IsConfigured() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Submit releases a generation task and returns its id.
func (c *TaskClient) Submit(ctx context.Context, params map[string]interface{}) (string, error) {
	var result struct {
		TaskID string `json:"task_id"`
	}
	if err := c.post(ctx, "/release_task", params, &result); err != nil {
		return "", err
	}
	if result.TaskID == "" {
		return "", errors.New("task API returned no task id")
	}
	return result.TaskID, nil
}

// Query returns the current state of a task.
func (c *TaskClient) Query(ctx context.Context, taskID string) (*TaskStatus, error) {
	var results []TaskStatus
	body := map[string]interface{}{"task_id_list": []string{taskID}}
	if err := c.post(ctx, "/query_result", body, &results); err != nil {
		return nil, err
	}
	for i := range results {
		if results[i].TaskID == taskID {
			return &results[i], nil
		}
	}
	return nil, fmt.Errorf("task %s not found", taskID)
}

// pollBackOff ticks at a fixed interval and stops once maxWait has elapsed.
func pollBackOff(interval, maxWait time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = interval
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.MaxElapsedTime = maxWait
	b.Reset()
	return b
}

// Wait polls the task every poll interval until it succeeds, fails or the
// maximum wait elapses.
func (c *TaskClient) Wait(ctx context.Context, taskID string, onProgress func(TaskStatus)) (*TaskStatus, error) {
	b := pollBackOff(c.pollInterval, c.maxWait)

	attempt := 0
	failures := 0
	for {
		attempt++
		status, err := c.Query(ctx, taskID)
		if err != nil {
			failures++
			log.Printf("[TaskAPI] Poll #%d (task=%s) — error: %v", attempt, taskID, err)
			if failures >= maxConsecutiveQueryErrors {
				return nil, fmt.Errorf("failed to poll task %s: %w", taskID, err)
			}
		} else {
			failures = 0
			log.Printf("[TaskAPI] Poll #%d (task=%s) — status: %s", attempt, taskID, status.Status)
			if onProgress != nil {
				onProgress(*status)
			}
			switch status.Status {
			case TaskSucceeded:
				return status, nil
			case TaskFailed:
				msg := status.Error
				if msg == "" {
					msg = "unknown error"
				}
				return nil, fmt.Errorf("generation task failed: %s", msg)
			}
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return nil, fmt.Errorf("generation task timed out after %v", c.maxWait)
		}

		select {
		case <-ctx.Done():
			log.Printf("[TaskAPI] Poll (task=%s) — context cancelled", taskID)
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// AudioURL returns the download URL for an audio path reported by a task.
func (c *TaskClient) AudioURL(path string) string {
	if IsHTTPURL(path) {
		return path
	}
	return c.baseURL + "/v1/audio?path=" + url.QueryEscape(path)
}

func (c *TaskClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("task API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var env taskEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if env.Error != "" || (env.Code != 0 && env.Code != http.StatusOK) {
		return fmt.Errorf("task API error (code %d): %s", env.Code, env.Error)
	}
	if err := json.Unmarshal(env.Data, result); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}

// BuildTaskParams maps a request onto the task API's parameter names with
// the same defaults as BuildArgs. Audio references are passed as given.
func BuildTaskParams(req *model.GenerationRequest, referenceAudio, sourceAudio string) map[string]interface{} {
	useCoT := req.Enhance || req.Thinking
	seed, pinned := req.PinnedSeed()
	if !pinned {
		seed = DefaultSeed
	}

	params := map[string]interface{}{
		"prompt":               req.Prompt,
		"lyrics":               req.Lyrics,
		"instrumental":         req.Instrumental,
		"vocal_language":       stringOr(req.VocalLanguage, DefaultVocalLanguage),
		"audio_duration":       floatOr(req.Duration, DefaultDuration),
		"inference_steps":      intOr(req.InferenceSteps, DefaultInferenceSteps),
		"guidance_scale":       floatOr(req.GuidanceScale, DefaultGuidanceScale),
		"use_random_seed":      !pinned,
		"seed":                 seed,
		"batch_size":           ClampBatchSize(req.BatchSize),
		"audio_format":         AudioFormat(req),
		"shift":                floatOr(req.Shift, DefaultShift),
		"infer_method":         stringOr(req.InferMethod, DefaultInferMethod),
		"task_type":            req.EffectiveTaskType(),
		"audio_code_string":    req.AudioCodes,
		"repainting_start":     floatOr(req.RepaintingStart, DefaultRepaintingStart),
		"repainting_end":       floatOr(req.RepaintingEnd, DefaultRepaintingEnd),
		"instruction":          stringOr(req.Instruction, DefaultInstruction),
		"audio_cover_strength": floatOr(req.AudioCoverStrength, DefaultAudioCoverStrength),
		"use_adg":              req.UseADG,
		"cfg_interval_start":   floatOr(req.CfgIntervalStart, DefaultCfgIntervalStart),
		"cfg_interval_end":     floatOr(req.CfgIntervalEnd, DefaultCfgIntervalEnd),
		"thinking":             useCoT,
		"lm_temperature":       floatOr(req.LMTemperature, DefaultLMTemperature),
		"lm_cfg_scale":         floatOr(req.LMCfgScale, DefaultLMCfgScale),
		"lm_top_k":             intOr(req.LMTopK, DefaultLMTopK),
		"lm_top_p":             floatOr(req.LMTopP, DefaultLMTopP),
		"lm_negative_prompt":   stringOr(req.LMNegativePrompt, DefaultLMNegativePrompt),
		"use_cot_metas":        useCoT && boolOr(req.UseCotMetas, true),
		"use_cot_caption":      useCoT && boolOr(req.UseCotCaption, true),
		"use_cot_language":     useCoT && boolOr(req.UseCotLanguage, true),
	}

	if req.BPM != nil && *req.BPM > 0 {
		params["bpm"] = *req.BPM
	}
	if v := strings.TrimSpace(req.KeyScale); v != "" {
		params["key_scale"] = v
	}
	if v := strings.TrimSpace(req.TimeSignature); v != "" {
		params["time_signature"] = v
	}
	if referenceAudio != "" {
		params["reference_audio_path"] = referenceAudio
	}
	if sourceAudio != "" {
		params["src_audio_path"] = sourceAudio
	}
	if v := strings.TrimSpace(req.CustomTimesteps); v != "" {
		params["timesteps"] = v
	}

	return params
}
