package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/makeasinger/studio/internal/artifact"
	"github.com/makeasinger/studio/internal/model"
)

func intPtr(v int) *int           { return &v }
func int64Ptr(v int64) *int64     { return &v }
func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

func TestBuildArgs_Defaults(t *testing.T) {
	b := NewBuilder(nil)
	args := b.BuildArgs(&model.GenerationRequest{Prompt: "lofi beat"})

	if len(args) != ArgCount {
		t.Fatalf("expected %d args, got %d", ArgCount, len(args))
	}

	checks := map[int]interface{}{
		ArgCaption:            "lofi beat",
		ArgVocalLanguage:      DefaultVocalLanguage,
		ArgInferenceSteps:     DefaultInferenceSteps,
		ArgGuidanceScale:      DefaultGuidanceScale,
		ArgRandomSeed:         true,
		ArgSeed:               "-1",
		ArgAudioDuration:      DefaultDuration,
		ArgBatchSize:          1,
		ArgRepaintingEnd:      DefaultRepaintingEnd,
		ArgInstruction:        DefaultInstruction,
		ArgAudioCoverStrength: DefaultAudioCoverStrength,
		ArgTaskType:           model.TaskTypeText2Music,
		ArgShift:              DefaultShift,
		ArgInferMethod:        DefaultInferMethod,
		ArgAudioFormat:        "mp3",
		ArgLMTemperature:      DefaultLMTemperature,
		ArgLMTopP:             DefaultLMTopP,
		ArgLMNegativePrompt:   DefaultLMNegativePrompt,
		ArgLMCfgScale:         DefaultLMCfgScale,
		ArgThink:              false,
		ArgAllowLMBatch:       true,
		ArgScoreScale:         DefaultScoreScale,
		ArgLMBatchChunkSize:   DefaultLMBatchChunkSize,
		ArgCurrentBatchIndex:  0,
		ArgTotalBatches:       1,
	}
	for idx, want := range checks {
		if args[idx] != want {
			t.Errorf("arg %d: expected %v (%T), got %v (%T)", idx, want, want, args[idx], args[idx])
		}
	}

	if args[ArgBPM] != nil {
		t.Errorf("expected nil bpm, got %v", args[ArgBPM])
	}
	if args[ArgReferenceAudio] != nil || args[ArgSourceAudio] != nil {
		t.Error("expected nil audio slots without references")
	}
}

func TestBuildArgs_FreshVector(t *testing.T) {
	b := NewBuilder(nil)
	req := &model.GenerationRequest{Prompt: "a"}
	first := b.BuildArgs(req)
	first[ArgCaption] = "mutated"
	second := b.BuildArgs(req)
	if second[ArgCaption] != "a" {
		t.Errorf("expected independent vectors, got %v", second[ArgCaption])
	}
}

func TestBuildArgs_PinnedSeed(t *testing.T) {
	b := NewBuilder(nil)
	args := b.BuildArgs(&model.GenerationRequest{
		Prompt:     "x",
		RandomSeed: boolPtr(false),
		Seed:       int64Ptr(42),
	})
	if args[ArgRandomSeed] != false {
		t.Errorf("expected random seed off, got %v", args[ArgRandomSeed])
	}
	if args[ArgSeed] != "42" {
		t.Errorf("expected seed \"42\", got %v", args[ArgSeed])
	}
}

func TestBuildArgs_SeedWithoutRandomFlag(t *testing.T) {
	b := NewBuilder(nil)
	args := b.BuildArgs(&model.GenerationRequest{Prompt: "x", Seed: int64Ptr(42)})
	if args[ArgRandomSeed] != true || args[ArgSeed] != "-1" {
		t.Errorf("expected random seed, got %v / %v", args[ArgRandomSeed], args[ArgSeed])
	}
}

func TestBuildArgs_BatchClamp(t *testing.T) {
	b := NewBuilder(nil)
	tests := []struct {
		in   *int
		want int
	}{
		{nil, 1},
		{intPtr(0), 1},
		{intPtr(-3), 1},
		{intPtr(4), 4},
		{intPtr(99), MaxBatchSize},
	}
	for _, tt := range tests {
		args := b.BuildArgs(&model.GenerationRequest{Prompt: "x", BatchSize: tt.in})
		if args[ArgBatchSize] != tt.want {
			t.Errorf("batch %v: expected %d, got %v", tt.in, tt.want, args[ArgBatchSize])
		}
	}
}

func TestBuildArgs_CoTGating(t *testing.T) {
	b := NewBuilder(nil)

	args := b.BuildArgs(&model.GenerationRequest{Prompt: "x", UseCotMetas: boolPtr(true)})
	if args[ArgUseCotMetas] != false || args[ArgUseCotCaption] != false || args[ArgUseCotLanguage] != false {
		t.Error("expected CoT flags off without enhance or thinking")
	}

	args = b.BuildArgs(&model.GenerationRequest{Prompt: "x", Enhance: true, UseCotCaption: boolPtr(false)})
	if args[ArgThink] != true {
		t.Error("expected think on with enhance")
	}
	if args[ArgUseCotMetas] != true || args[ArgUseCotCaption] != false || args[ArgUseCotLanguage] != true {
		t.Errorf("unexpected CoT flags: %v %v %v", args[ArgUseCotMetas], args[ArgUseCotCaption], args[ArgUseCotLanguage])
	}
}

func TestBuildArgs_InstrumentalLyrics(t *testing.T) {
	b := NewBuilder(nil)
	args := b.BuildArgs(&model.GenerationRequest{Prompt: "x", Instrumental: true})
	if args[ArgLyrics] != "[Instrumental]" {
		t.Errorf("expected instrumental marker, got %v", args[ArgLyrics])
	}
}

func TestBuildArgs_LocalReference(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ref.wav"), []byte("RIFFdata"), 0o644); err != nil {
		t.Fatal(err)
	}
	b := NewBuilder(artifact.NewPaths(dir, "/audio"))

	args := b.BuildArgs(&model.GenerationRequest{Prompt: "x", ReferenceAudioURL: "/audio/ref.wav"})
	f, ok := args[ArgReferenceAudio].(*FileUpload)
	if !ok {
		t.Fatalf("expected *FileUpload, got %T", args[ArgReferenceAudio])
	}
	if f.Name != "ref.wav" || string(f.Data) != "RIFFdata" || f.MimeType != "audio/wav" {
		t.Errorf("unexpected upload: %+v", f)
	}
}

func TestBuildArgs_MissingLocalReference(t *testing.T) {
	b := NewBuilder(artifact.NewPaths(t.TempDir(), "/audio"))
	args := b.BuildArgs(&model.GenerationRequest{Prompt: "x", SourceAudioURL: "/audio/missing.mp3"})
	if args[ArgSourceAudio] != nil {
		t.Errorf("expected nil for unreadable local audio, got %v", args[ArgSourceAudio])
	}
}

func TestBuildArgs_RemoteReference(t *testing.T) {
	b := NewBuilder(artifact.NewPaths(t.TempDir(), "/audio"))
	args := b.BuildArgs(&model.GenerationRequest{Prompt: "x", SourceAudioURL: "https://cdn.example.com/s/track.flac?sig=1"})
	f, ok := args[ArgSourceAudio].(*FileUpload)
	if !ok {
		t.Fatalf("expected *FileUpload, got %T", args[ArgSourceAudio])
	}
	if f.URL != "https://cdn.example.com/s/track.flac?sig=1" || f.Name != "track.flac" || len(f.Data) != 0 {
		t.Errorf("unexpected upload: %+v", f)
	}
}

func TestBuildArgs_TrackClasses(t *testing.T) {
	b := NewBuilder(nil)
	args := b.BuildArgs(&model.GenerationRequest{Prompt: "x", CompleteTrackClasses: []string{" drums ", "", "bass"}})
	classes := args[ArgCompleteTrackClasses].([]string)
	if len(classes) != 2 || classes[0] != "drums" || classes[1] != "bass" {
		t.Errorf("unexpected classes %v", classes)
	}
}

func TestBuildTaskParams(t *testing.T) {
	params := BuildTaskParams(&model.GenerationRequest{
		Prompt:     "x",
		BPM:        intPtr(120),
		RandomSeed: boolPtr(false),
		Seed:       int64Ptr(7),
		TaskType:   "Cover",
	}, "", "/data/src.mp3")

	if params["bpm"] != 120 {
		t.Errorf("expected bpm 120, got %v", params["bpm"])
	}
	if params["use_random_seed"] != false || params["seed"] != int64(7) {
		t.Errorf("unexpected seed params %v / %v", params["use_random_seed"], params["seed"])
	}
	if params["task_type"] != model.TaskTypeCover {
		t.Errorf("expected cover, got %v", params["task_type"])
	}
	if params["src_audio_path"] != "/data/src.mp3" {
		t.Errorf("unexpected source %v", params["src_audio_path"])
	}
	if _, ok := params["reference_audio_path"]; ok {
		t.Error("expected no reference path")
	}
}
