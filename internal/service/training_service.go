package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/process"
)

const (
	preprocessTimeout     = 60 * time.Minute
	defaultPreprocessSecs = 240.0
)

// ScriptRunner runs an engine script to completion.
type ScriptRunner interface {
	Run(ctx context.Context, spec process.Spec, onProgress process.ProgressFunc) (*process.Output, error)
}

// PreprocessError carries the script's own failure message.
type PreprocessError struct {
	Message string
	Err     error
}

func (e *PreprocessError) Error() string { return e.Message }

func (e *PreprocessError) Unwrap() error { return e.Err }

// ErrOutsideDatasetDir is returned for dataset or output paths that leave
// the dataset directory.
var ErrOutsideDatasetDir = errors.New("path is outside the dataset directory")

// PathError names the request field whose path was refused.
type PathError struct {
	Field string
	Path  string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Field, e.Path, ErrOutsideDatasetDir)
}

func (e *PathError) Unwrap() error { return ErrOutsideDatasetDir }

// TrainingService turns labeled datasets into training tensors. Every path
// handed to the script resolves inside datasetDir.
type TrainingService struct {
	runner     ScriptRunner
	pythonPath string
	scriptPath string
	datasetDir string
	env        []string
}

func NewTrainingService(runner ScriptRunner, pythonPath, scriptPath, datasetDir string, env []string) *TrainingService {
	if pythonPath == "" {
		pythonPath = "python3"
	}
	if abs, err := filepath.Abs(datasetDir); err == nil {
		datasetDir = abs
	}
	return &TrainingService{
		runner:     runner,
		pythonPath: pythonPath,
		scriptPath: scriptPath,
		datasetDir: filepath.Clean(datasetDir),
		env:        env,
	}
}

// resolve maps a request path onto the dataset directory. Relative paths
// are joined to it; absolute ones must already lie below it. Any ".."
// segment is refused outright.
func (s *TrainingService) resolve(field, p string) (string, error) {
	refused := &PathError{Field: field, Path: p}
	p = strings.TrimSpace(p)
	if p == "" {
		return "", refused
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return "", refused
		}
	}

	full := filepath.Clean(p)
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.datasetDir, full)
	}
	rel, err := filepath.Rel(s.datasetDir, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", refused
	}
	return full, nil
}

// Preprocess runs the dataset preprocessing script and returns its summary.
func (s *TrainingService) Preprocess(ctx context.Context, req *model.PreprocessRequest) (*model.PreprocessResponse, error) {
	maxDuration := defaultPreprocessSecs
	if req.MaxDuration != nil {
		maxDuration = *req.MaxDuration
	}

	dataset, err := s.resolve("dataset", req.Dataset)
	if err != nil {
		log.Printf("[Training] ✗ Refused dataset path %q", req.Dataset)
		return nil, err
	}
	output, err := s.resolve("output", req.Output)
	if err != nil {
		log.Printf("[Training] ✗ Refused output path %q", req.Output)
		return nil, err
	}

	args := []string{
		s.scriptPath,
		"--dataset", dataset,
		"--output", output,
		"--max-duration", strconv.FormatFloat(maxDuration, 'f', -1, 64),
		"--json",
	}

	log.Printf("[Training] → Preprocessing dataset %s into %s", dataset, output)
	out, err := s.runner.Run(ctx, process.Spec{
		Command: s.pythonPath,
		Args:    args,
		Env:     s.env,
		Timeout: preprocessTimeout,
	}, nil)
	if err != nil {
		var exitErr *process.ExitError
		if errors.As(err, &exitErr) && exitErr.Message != "" {
			return nil, &PreprocessError{Message: exitErr.Message, Err: err}
		}
		return nil, fmt.Errorf("preprocess failed: %w", err)
	}

	var summary struct {
		Status      string `json:"status"`
		Message     string `json:"message"`
		OutputFiles int    `json:"output_files"`
		OutputDir   string `json:"output_dir"`
		Labeled     int    `json:"labeled"`
		Total       int    `json:"total"`
	}
	if err := out.Decode(&summary); err != nil {
		return nil, fmt.Errorf("failed to decode preprocess summary: %w", err)
	}
	if summary.Status == "error" {
		return nil, &PreprocessError{Message: summary.Message}
	}

	log.Printf("[Training] ← %d tensor files written (%d/%d labeled)", summary.OutputFiles, summary.Labeled, summary.Total)
	return &model.PreprocessResponse{
		Status:      summary.Status,
		Message:     summary.Message,
		OutputFiles: summary.OutputFiles,
		OutputDir:   summary.OutputDir,
		Labeled:     summary.Labeled,
		Total:       summary.Total,
	}, nil
}
