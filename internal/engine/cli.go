package engine

import (
	"math"
	"strconv"
	"strings"

	"github.com/makeasinger/studio/internal/model"
)

// CLIOptions carries the local-only inputs of a script invocation.
type CLIOptions struct {
	OutputDir      string
	ReferenceAudio string // filesystem path or URL
	SourceAudio    string // filesystem path or URL
}

// BuildCLIArgs returns the flag list for the local generation script. It
// applies the same defaults as BuildArgs.
func BuildCLIArgs(req *model.GenerationRequest, opts CLIOptions) []string {
	duration := 0
	if req.Duration != nil && *req.Duration > 0 {
		duration = int(math.Round(*req.Duration))
	}

	args := []string{
		"--prompt", req.Prompt,
		"--duration", strconv.Itoa(duration),
		"--batch-size", strconv.Itoa(ClampBatchSize(req.BatchSize)),
		"--infer-steps", strconv.Itoa(intOr(req.InferenceSteps, DefaultInferenceSteps)),
		"--guidance-scale", formatFloat(floatOr(req.GuidanceScale, DefaultGuidanceScale)),
		"--audio-format", AudioFormat(req),
	}

	if strings.TrimSpace(req.Lyrics) != "" {
		args = append(args, "--lyrics", req.Lyrics)
	}
	if req.Instrumental {
		args = append(args, "--instrumental")
	}
	if req.BPM != nil && *req.BPM > 0 {
		args = append(args, "--bpm", strconv.Itoa(*req.BPM))
	}
	if v := strings.TrimSpace(req.KeyScale); v != "" {
		args = append(args, "--key-scale", v)
	}
	if v := strings.TrimSpace(req.TimeSignature); v != "" {
		args = append(args, "--time-signature", v)
	}
	if v := strings.TrimSpace(req.VocalLanguage); v != "" {
		args = append(args, "--vocal-language", v)
	}
	if seed, ok := req.PinnedSeed(); ok {
		args = append(args, "--seed", strconv.FormatInt(seed, 10))
	}
	if req.Shift != nil {
		args = append(args, "--shift", formatFloat(*req.Shift))
	}

	taskType := req.EffectiveTaskType()
	if taskType != model.TaskTypeText2Music {
		args = append(args, "--task-type", scriptTaskType(taskType))
	}
	if opts.ReferenceAudio != "" {
		args = append(args, "--reference-audio", opts.ReferenceAudio)
	}
	if opts.SourceAudio != "" {
		args = append(args, "--src-audio", opts.SourceAudio)
	}
	if v := strings.TrimSpace(req.AudioCodes); v != "" {
		args = append(args, "--audio-codes", v)
	}
	if req.RepaintingStart != nil {
		args = append(args, "--repainting-start", formatFloat(*req.RepaintingStart))
	}
	if req.RepaintingEnd != nil {
		args = append(args, "--repainting-end", formatFloat(*req.RepaintingEnd))
	}
	if req.AudioCoverStrength != nil {
		args = append(args, "--audio-cover-strength", formatFloat(*req.AudioCoverStrength))
	}
	if v := strings.TrimSpace(req.Instruction); v != "" {
		args = append(args, "--instruction", v)
	}

	if req.Thinking {
		args = append(args, "--thinking")
	}
	if req.LMTemperature != nil {
		args = append(args, "--lm-temperature", formatFloat(*req.LMTemperature))
	}
	if req.LMCfgScale != nil {
		args = append(args, "--lm-cfg-scale", formatFloat(*req.LMCfgScale))
	}
	if req.LMTopK != nil {
		args = append(args, "--lm-top-k", strconv.Itoa(*req.LMTopK))
	}
	if req.LMTopP != nil {
		args = append(args, "--lm-top-p", formatFloat(*req.LMTopP))
	}
	if v := strings.TrimSpace(req.LMNegativePrompt); v != "" {
		args = append(args, "--lm-negative-prompt", v)
	}

	useCoT := req.Enhance || req.Thinking
	if !useCoT || !boolOr(req.UseCotMetas, true) {
		args = append(args, "--no-cot-metas")
	}
	if !useCoT || !boolOr(req.UseCotCaption, true) {
		args = append(args, "--no-cot-caption")
	}
	if !useCoT || !boolOr(req.UseCotLanguage, true) {
		args = append(args, "--no-cot-language")
	}

	if req.UseADG {
		args = append(args, "--use-adg")
	}
	if req.CfgIntervalStart != nil {
		args = append(args, "--cfg-interval-start", formatFloat(*req.CfgIntervalStart))
	}
	if req.CfgIntervalEnd != nil {
		args = append(args, "--cfg-interval-end", formatFloat(*req.CfgIntervalEnd))
	}

	args = append(args, "--output-dir", opts.OutputDir, "--json")
	return args
}

// StripFlag removes every occurrence of flag and its value from args.
func StripFlag(args []string, flag string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == flag {
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				i++
			}
			continue
		}
		out = append(out, args[i])
	}
	return out
}

// FlagValue returns the value following flag in args.
func FlagValue(args []string, flag string) (string, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

// scriptTaskType maps request task types onto the script's choices.
func scriptTaskType(taskType string) string {
	if taskType == model.TaskTypeAudio2Audio {
		return model.TaskTypeCover
	}
	return taskType
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
