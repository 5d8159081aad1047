package model

import "strings"

// Task types understood by the generation engine
const (
	TaskTypeText2Music  = "text2music"
	TaskTypeCover       = "cover"
	TaskTypeAudio2Audio = "audio2audio"
	TaskTypeRepaint     = "repaint"
	TaskTypeLego        = "lego"
	TaskTypeExtract     = "extract"
	TaskTypeComplete    = "complete"
)

// IsSourceDependent reports whether a task type operates on existing audio
// and therefore needs a source track or explicit audio codes.
func IsSourceDependent(taskType string) bool {
	switch strings.ToLower(strings.TrimSpace(taskType)) {
	case TaskTypeCover, TaskTypeAudio2Audio, TaskTypeRepaint, TaskTypeLego, TaskTypeExtract, TaskTypeComplete:
		return true
	}
	return false
}

// GenerationRequest carries every parameter a caller may set for one
// generation. Unset optional values stay nil; defaults are applied when the
// engine arguments are built.
type GenerationRequest struct {
	Title        string `json:"title,omitempty" validate:"max=200"`
	Prompt       string `json:"prompt" validate:"max=4000"`
	Lyrics       string `json:"lyrics,omitempty" validate:"max=10000"`
	Instrumental bool   `json:"instrumental,omitempty"`
	Enhance      bool   `json:"enhance,omitempty"`
	Thinking     bool   `json:"thinking,omitempty"`

	// Musical attributes
	BPM           *int     `json:"bpm,omitempty" validate:"omitempty,min=0,max=300"`
	KeyScale      string   `json:"keyScale,omitempty" validate:"max=32"`
	TimeSignature string   `json:"timeSignature,omitempty" validate:"max=8"`
	VocalLanguage string   `json:"vocalLanguage,omitempty" validate:"max=16"`
	Duration      *float64 `json:"duration,omitempty" validate:"omitempty,min=-1,max=600"`

	// Sampling and inference
	InferenceSteps  *int     `json:"inferenceSteps,omitempty" validate:"omitempty,min=1,max=200"`
	GuidanceScale   *float64 `json:"guidanceScale,omitempty" validate:"omitempty,min=0,max=30"`
	RandomSeed      *bool    `json:"randomSeed,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`
	BatchSize       *int     `json:"batchSize,omitempty"`
	AudioFormat     string   `json:"audioFormat,omitempty" validate:"omitempty,oneof=mp3 flac wav"`
	Shift           *float64 `json:"shift,omitempty" validate:"omitempty,min=1,max=5"`
	InferMethod     string   `json:"inferMethod,omitempty" validate:"omitempty,oneof=ode sde"`
	CustomTimesteps string   `json:"customTimesteps,omitempty"`

	// Task and file references
	TaskType           string   `json:"taskType,omitempty" validate:"omitempty,oneof=text2music cover audio2audio repaint lego extract complete"`
	ReferenceAudioURL  string   `json:"referenceAudioUrl,omitempty"`
	SourceAudioURL     string   `json:"sourceAudioUrl,omitempty"`
	AudioCodes         string   `json:"audioCodes,omitempty"`
	RepaintingStart    *float64 `json:"repaintingStart,omitempty"`
	RepaintingEnd      *float64 `json:"repaintingEnd,omitempty"`
	Instruction        string   `json:"instruction,omitempty" validate:"max=1000"`
	AudioCoverStrength *float64 `json:"audioCoverStrength,omitempty" validate:"omitempty,min=0,max=1"`

	// Expert controls
	UseADG           bool     `json:"useAdg,omitempty"`
	CfgIntervalStart *float64 `json:"cfgIntervalStart,omitempty" validate:"omitempty,min=0,max=1"`
	CfgIntervalEnd   *float64 `json:"cfgIntervalEnd,omitempty" validate:"omitempty,min=0,max=1"`

	// Language model controls
	LMTemperature            *float64 `json:"lmTemperature,omitempty" validate:"omitempty,min=0,max=2"`
	LMCfgScale               *float64 `json:"lmCfgScale,omitempty" validate:"omitempty,min=0,max=10"`
	LMTopK                   *int     `json:"lmTopK,omitempty" validate:"omitempty,min=0,max=500"`
	LMTopP                   *float64 `json:"lmTopP,omitempty" validate:"omitempty,min=0,max=1"`
	LMNegativePrompt         string   `json:"lmNegativePrompt,omitempty"`
	UseCotMetas              *bool    `json:"useCotMetas,omitempty"`
	UseCotCaption            *bool    `json:"useCotCaption,omitempty"`
	UseCotLanguage           *bool    `json:"useCotLanguage,omitempty"`
	IsFormatCaption          bool     `json:"isFormatCaption,omitempty"`
	ConstrainedDecodingDebug bool     `json:"constrainedDecodingDebug,omitempty"`
	AllowLMBatch             *bool    `json:"allowLmBatch,omitempty"`
	AutoScore                bool     `json:"autoScore,omitempty"`
	AutoLRC                  bool     `json:"autoLrc,omitempty"`
	ScoreScale               *float64 `json:"scoreScale,omitempty"`
	LMBatchChunkSize         *int     `json:"lmBatchChunkSize,omitempty" validate:"omitempty,min=1,max=32"`
	TrackName                string   `json:"trackName,omitempty"`
	CompleteTrackClasses     []string `json:"completeTrackClasses,omitempty"`
	Autogen                  bool     `json:"autogen,omitempty"`
}

// EffectiveTaskType returns the task type, defaulting to text2music.
func (r *GenerationRequest) EffectiveTaskType() string {
	if t := strings.TrimSpace(r.TaskType); t != "" {
		return strings.ToLower(t)
	}
	return TaskTypeText2Music
}

// PinnedSeed returns the caller's explicit seed when random seeding is off.
func (r *GenerationRequest) PinnedSeed() (int64, bool) {
	if r.RandomSeed == nil || *r.RandomSeed || r.Seed == nil || *r.Seed < 0 {
		return 0, false
	}
	return *r.Seed, true
}

// GenerationResult is the outcome of a succeeded generation job.
type GenerationResult struct {
	AudioURLs      []string               `json:"audioUrls"`
	Duration       float64                `json:"duration"`
	DurationSource string                 `json:"durationSource,omitempty"`
	BPM            *int                   `json:"bpm,omitempty"`
	KeyScale       string                 `json:"keyScale,omitempty"`
	TimeSignature  string                 `json:"timeSignature,omitempty"`
	Status         string                 `json:"status,omitempty"`
	Details        string                 `json:"generationInfo,omitempty"`
	RawResponse    map[string]interface{} `json:"rawResponse,omitempty"`
}

// GenerateResponse is returned when a generation job is accepted.
type GenerateResponse struct {
	JobID         string    `json:"jobId"`
	Status        JobStatus `json:"status"`
	QueuePosition int       `json:"queuePosition"`
}

// JobStatusResponse is the polling view of a generation job.
type JobStatusResponse struct {
	JobID         string            `json:"jobId,omitempty"`
	Status        JobStatus         `json:"status"`
	QueuePosition *int              `json:"queuePosition,omitempty"`
	EtaSeconds    *float64          `json:"etaSeconds,omitempty"`
	Progress      *float64          `json:"progress,omitempty"`
	Stage         string            `json:"stage,omitempty"`
	Result        *GenerationResult `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
}
