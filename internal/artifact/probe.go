package artifact

import (
	"context"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Prober reads audio durations with ffprobe.
type Prober struct {
	command string
	timeout time.Duration
}

// NewProber returns a Prober running the given ffprobe binary.
func NewProber(command string) *Prober {
	if command == "" {
		command = "ffprobe"
	}
	return &Prober{command: command, timeout: 30 * time.Second}
}

// Duration returns the length of the audio file in seconds, or 0 when it
// cannot be determined.
func (p *Prober) Duration(ctx context.Context, path string) float64 {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.command,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		log.Printf("[Artifact] ffprobe failed for %s: %v", path, err)
		return 0
	}

	return parseDuration(string(output))
}

func parseDuration(output string) float64 {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "duration=") {
			line = strings.TrimPrefix(line, "duration=")
		}
		if d, err := strconv.ParseFloat(line, 64); err == nil && d > 0 {
			return d
		}
	}
	return 0
}
