package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/makeasinger/studio/internal/artifact"
)

// Positions in the generation endpoint's result array.
const (
	OutputFirstSample = 0
	OutputLastSample  = 7
	OutputAllFiles    = 8
	OutputDetails     = 9
	OutputStatus      = 10

	outputMinLength = OutputStatus + 1
)

// FileData is a file descriptor returned by the remote engine.
type FileData struct {
	Path     string `json:"path"`
	URL      string `json:"url,omitempty"`
	OrigName string `json:"orig_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Name returns the original file name, falling back to the path or URL.
func (f FileData) Name() string {
	return f.Descriptor().Name()
}

// Descriptor converts the file into an artifact descriptor.
func (f FileData) Descriptor() artifact.Descriptor {
	return artifact.Descriptor{Path: f.Path, URL: f.URL, OrigName: f.OrigName}
}

// GenerationOutput is the typed view of the engine's positional result.
type GenerationOutput struct {
	Samples []FileData
	Files   []FileData
	Details string
	Status  string
}

// AudioFiles returns the files to persist: the aggregate list filtered to
// audio names, or the per-sample slots when that list is empty.
func (o *GenerationOutput) AudioFiles() []FileData {
	var files []FileData
	for _, f := range o.Files {
		if artifact.IsAudioName(f.Name()) {
			files = append(files, f)
		}
	}
	if len(files) > 0 {
		return files
	}
	return o.Samples
}

// ParseGenerationOutput validates and decodes the result array. Any slot of
// an unexpected type is an error rather than a silent misread.
func ParseGenerationOutput(data []json.RawMessage) (*GenerationOutput, error) {
	if len(data) < outputMinLength {
		return nil, fmt.Errorf("unexpected engine output: %d values, want at least %d", len(data), outputMinLength)
	}

	out := &GenerationOutput{}

	for i := OutputFirstSample; i <= OutputLastSample; i++ {
		f, ok, err := decodeFile(data[i])
		if err != nil {
			return nil, fmt.Errorf("unexpected engine output at position %d: %w", i, err)
		}
		if ok {
			out.Samples = append(out.Samples, f)
		}
	}

	files, err := decodeFileList(data[OutputAllFiles])
	if err != nil {
		return nil, fmt.Errorf("unexpected engine output at position %d: %w", OutputAllFiles, err)
	}
	out.Files = files

	if out.Details, err = decodeText(data[OutputDetails]); err != nil {
		return nil, fmt.Errorf("unexpected engine output at position %d: %w", OutputDetails, err)
	}
	if out.Status, err = decodeText(data[OutputStatus]); err != nil {
		return nil, fmt.Errorf("unexpected engine output at position %d: %w", OutputStatus, err)
	}

	return out, nil
}

// unwrapUpdate returns the value of a component update object
// ({"__type__": "update", "value": ...}) or raw unchanged.
func unwrapUpdate(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var update struct {
		Type  string          `json:"__type__"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(trimmed, &update); err == nil && update.Type == "update" {
		return bytes.TrimSpace(update.Value)
	}
	return trimmed
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func decodeFile(raw json.RawMessage) (FileData, bool, error) {
	raw = unwrapUpdate(raw)
	if isNull(raw) {
		return FileData{}, false, nil
	}
	switch raw[0] {
	case '{':
		var f FileData
		if err := json.Unmarshal(raw, &f); err != nil {
			return FileData{}, false, err
		}
		if f.Path == "" && f.URL == "" {
			return FileData{}, false, nil
		}
		return f, true, nil
	case '"':
		var p string
		if err := json.Unmarshal(raw, &p); err != nil {
			return FileData{}, false, err
		}
		if p == "" {
			return FileData{}, false, nil
		}
		if IsHTTPURL(p) {
			return FileData{URL: p, OrigName: filepath.Base(stripQuery(p))}, true, nil
		}
		return FileData{Path: p}, true, nil
	}
	return FileData{}, false, fmt.Errorf("expected a file, got %s", truncate(raw, 40))
}

func decodeFileList(raw json.RawMessage) ([]FileData, error) {
	raw = unwrapUpdate(raw)
	if isNull(raw) {
		return nil, nil
	}
	if raw[0] != '[' {
		return nil, fmt.Errorf("expected a file list, got %s", truncate(raw, 40))
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	files := make([]FileData, 0, len(items))
	for _, item := range items {
		f, ok, err := decodeFile(item)
		if err != nil {
			return nil, err
		}
		if ok {
			files = append(files, f)
		}
	}
	return files, nil
}

func decodeText(raw json.RawMessage) (string, error) {
	raw = unwrapUpdate(raw)
	if isNull(raw) {
		return "", nil
	}
	if raw[0] != '"' {
		return "", fmt.Errorf("expected text, got %s", truncate(raw, 40))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
