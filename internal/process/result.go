package process

import (
	"errors"
	"strings"
)

// Result is the final JSON document printed by the generation script.
type Result struct {
	Success                 bool     `json:"success"`
	AudioPaths              []string `json:"audio_paths"`
	ElapsedSeconds          float64  `json:"elapsed_seconds"`
	OutputDir               string   `json:"output_dir,omitempty"`
	ResolvedDurationSeconds *float64 `json:"resolved_duration_seconds,omitempty"`
	DurationSource          string   `json:"duration_source,omitempty"`
	LMInitialized           bool     `json:"lm_initialized"`
	Error                   string   `json:"error,omitempty"`

	Raw map[string]interface{} `json:"-"`
}

// Result decodes the output as a generation result. A result reporting
// failure is returned together with an error carrying its message.
func (o *Output) Result() (*Result, error) {
	var res Result
	if err := o.Decode(&res); err != nil {
		return nil, err
	}
	res.Raw = o.Raw

	if !res.Success {
		msg := strings.TrimSpace(res.Error)
		if msg == "" {
			msg = "generation reported failure"
		}
		return &res, errors.New(msg)
	}
	return &res, nil
}
