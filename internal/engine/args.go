package engine

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/makeasinger/studio/internal/artifact"
	"github.com/makeasinger/studio/internal/model"
)

// Positions of the generation endpoint's argument vector. The order is the
// engine's wire protocol and must not change.
const (
	ArgCaption = iota
	ArgLyrics
	ArgBPM
	ArgKeyScale
	ArgTimeSignature
	ArgVocalLanguage
	ArgInferenceSteps
	ArgGuidanceScale
	ArgRandomSeed
	ArgSeed
	ArgReferenceAudio
	ArgAudioDuration
	ArgBatchSize
	ArgSourceAudio
	ArgAudioCodes
	ArgRepaintingStart
	ArgRepaintingEnd
	ArgInstruction
	ArgAudioCoverStrength
	ArgTaskType
	ArgUseADG
	ArgCfgIntervalStart
	ArgCfgIntervalEnd
	ArgShift
	ArgInferMethod
	ArgCustomTimesteps
	ArgAudioFormat
	ArgLMTemperature
	ArgLMTopK
	ArgLMTopP
	ArgLMNegativePrompt
	ArgLMCfgScale
	ArgThink
	ArgUseCotMetas
	ArgUseCotCaption
	ArgUseCotLanguage
	ArgIsFormatCaption
	ArgConstrainedDecodingDebug
	ArgAllowLMBatch
	ArgAutoScore
	ArgAutoLRC
	ArgScoreScale
	ArgLMBatchChunkSize
	ArgTrackName
	ArgCompleteTrackClasses
	ArgAutogen
	ArgCurrentBatchIndex
	ArgTotalBatches
	ArgBatchQueue
	ArgGenerationParams

	ArgCount
)

// Defaults applied when a request leaves a field unset.
const (
	DefaultInferenceSteps     = 8
	DefaultGuidanceScale      = 7.0
	DefaultBatchSize          = 1
	MaxBatchSize              = 16
	DefaultAudioFormat        = "mp3"
	DefaultSeed               = -1
	DefaultDuration           = -1.0
	DefaultShift              = 3.0
	DefaultInferMethod        = "ode"
	DefaultVocalLanguage      = "unknown"
	DefaultRepaintingStart    = 0.0
	DefaultRepaintingEnd      = -1.0
	DefaultAudioCoverStrength = 1.0
	DefaultInstruction        = "Fill the audio semantic mask based on the given conditions:"
	DefaultLMTemperature      = 0.85
	DefaultLMCfgScale         = 2.0
	DefaultLMTopK             = 0
	DefaultLMTopP             = 0.9
	DefaultLMNegativePrompt   = "NO USER INPUT"
	DefaultCfgIntervalStart   = 0.0
	DefaultCfgIntervalEnd     = 1.0
	DefaultScoreScale         = 0.5
	DefaultLMBatchChunkSize   = 8
)

// FileUpload is a file argument. With Data set the bytes are uploaded to
// the engine before the call; with only URL set the engine fetches it.
type FileUpload struct {
	Name     string
	MimeType string
	Data     []byte
	URL      string
}

// PathResolver maps public audio references onto local files.
type PathResolver interface {
	LocalPath(ref string) (string, bool)
}

// Builder turns generation requests into engine arguments.
type Builder struct {
	paths PathResolver
}

// NewBuilder creates a Builder resolving audio references through paths.
func NewBuilder(paths PathResolver) *Builder {
	return &Builder{paths: paths}
}

// BuildArgs returns a fresh argument vector of length ArgCount with every
// default applied. It never fails; unreadable audio degrades to its URL
// or nil.
func (b *Builder) BuildArgs(req *model.GenerationRequest) []interface{} {
	args := make([]interface{}, ArgCount)

	useCoT := req.Enhance || req.Thinking

	args[ArgCaption] = req.Prompt
	args[ArgLyrics] = req.Lyrics
	if req.Instrumental && strings.TrimSpace(req.Lyrics) == "" {
		args[ArgLyrics] = "[Instrumental]"
	}
	args[ArgBPM] = nil
	if req.BPM != nil && *req.BPM > 0 {
		args[ArgBPM] = *req.BPM
	}
	args[ArgKeyScale] = req.KeyScale
	args[ArgTimeSignature] = req.TimeSignature
	args[ArgVocalLanguage] = stringOr(req.VocalLanguage, DefaultVocalLanguage)
	args[ArgInferenceSteps] = intOr(req.InferenceSteps, DefaultInferenceSteps)
	args[ArgGuidanceScale] = floatOr(req.GuidanceScale, DefaultGuidanceScale)

	seed, pinned := req.PinnedSeed()
	args[ArgRandomSeed] = !pinned
	args[ArgSeed] = strconv.Itoa(DefaultSeed)
	if pinned {
		args[ArgSeed] = strconv.FormatInt(seed, 10)
	}

	args[ArgReferenceAudio] = b.resolveAudio(req.ReferenceAudioURL)
	args[ArgAudioDuration] = floatOr(req.Duration, DefaultDuration)
	args[ArgBatchSize] = ClampBatchSize(req.BatchSize)
	args[ArgSourceAudio] = b.resolveAudio(req.SourceAudioURL)
	args[ArgAudioCodes] = req.AudioCodes
	args[ArgRepaintingStart] = floatOr(req.RepaintingStart, DefaultRepaintingStart)
	args[ArgRepaintingEnd] = floatOr(req.RepaintingEnd, DefaultRepaintingEnd)
	args[ArgInstruction] = stringOr(req.Instruction, DefaultInstruction)
	args[ArgAudioCoverStrength] = floatOr(req.AudioCoverStrength, DefaultAudioCoverStrength)
	args[ArgTaskType] = req.EffectiveTaskType()
	args[ArgUseADG] = req.UseADG
	args[ArgCfgIntervalStart] = floatOr(req.CfgIntervalStart, DefaultCfgIntervalStart)
	args[ArgCfgIntervalEnd] = floatOr(req.CfgIntervalEnd, DefaultCfgIntervalEnd)
	args[ArgShift] = floatOr(req.Shift, DefaultShift)
	args[ArgInferMethod] = stringOr(req.InferMethod, DefaultInferMethod)
	args[ArgCustomTimesteps] = req.CustomTimesteps
	args[ArgAudioFormat] = AudioFormat(req)

	args[ArgLMTemperature] = floatOr(req.LMTemperature, DefaultLMTemperature)
	args[ArgLMTopK] = intOr(req.LMTopK, DefaultLMTopK)
	args[ArgLMTopP] = floatOr(req.LMTopP, DefaultLMTopP)
	args[ArgLMNegativePrompt] = stringOr(req.LMNegativePrompt, DefaultLMNegativePrompt)
	args[ArgLMCfgScale] = floatOr(req.LMCfgScale, DefaultLMCfgScale)
	args[ArgThink] = useCoT
	args[ArgUseCotMetas] = useCoT && boolOr(req.UseCotMetas, true)
	args[ArgUseCotCaption] = useCoT && boolOr(req.UseCotCaption, true)
	args[ArgUseCotLanguage] = useCoT && boolOr(req.UseCotLanguage, true)
	args[ArgIsFormatCaption] = req.IsFormatCaption
	args[ArgConstrainedDecodingDebug] = req.ConstrainedDecodingDebug
	args[ArgAllowLMBatch] = boolOr(req.AllowLMBatch, true)
	args[ArgAutoScore] = req.AutoScore
	args[ArgAutoLRC] = req.AutoLRC
	args[ArgScoreScale] = floatOr(req.ScoreScale, DefaultScoreScale)
	args[ArgLMBatchChunkSize] = intOr(req.LMBatchChunkSize, DefaultLMBatchChunkSize)
	args[ArgTrackName] = req.TrackName
	args[ArgCompleteTrackClasses] = trackClasses(req.CompleteTrackClasses)
	args[ArgAutogen] = req.Autogen

	args[ArgCurrentBatchIndex] = 0
	args[ArgTotalBatches] = 1
	args[ArgBatchQueue] = map[string]interface{}{}
	args[ArgGenerationParams] = map[string]interface{}{}

	return args
}

// resolveAudio reads a local audio reference into an upload. When the file
// cannot be read an http(s) reference is passed through as a URL.
func (b *Builder) resolveAudio(ref string) interface{} {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}

	if b.paths != nil {
		if path, ok := b.paths.LocalPath(ref); ok {
			data, err := os.ReadFile(path)
			if err == nil {
				return &FileUpload{
					Name:     filepath.Base(path),
					MimeType: artifact.MimeType(path),
					Data:     data,
				}
			}
			log.Printf("[Engine] Warning: failed to read audio %s: %v", path, err)
		}
	}

	if IsHTTPURL(ref) {
		return &FileUpload{Name: filepath.Base(stripQuery(ref)), MimeType: artifact.MimeType(stripQuery(ref)), URL: ref}
	}
	return nil
}

// ClampBatchSize returns the batch size limited to [1, MaxBatchSize].
func ClampBatchSize(n *int) int {
	if n == nil {
		return DefaultBatchSize
	}
	if *n < 1 {
		return 1
	}
	if *n > MaxBatchSize {
		return MaxBatchSize
	}
	return *n
}

// AudioFormat returns the requested output format or the default.
func AudioFormat(req *model.GenerationRequest) string {
	return strings.ToLower(stringOr(req.AudioFormat, DefaultAudioFormat))
}

// IsHTTPURL reports whether s is an absolute http or https URL.
func IsHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func trackClasses(classes []string) []string {
	out := make([]string, 0, len(classes))
	for _, c := range classes {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func stripQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}

func stringOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
