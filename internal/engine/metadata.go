package engine

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	bpmPattern           = regexp.MustCompile(`(?i)\bbpm\b\s*[:=]?\s*(\d+(?:\.\d+)?)`)
	durationPattern      = regexp.MustCompile(`(?i)\bduration\b\s*[:=]?\s*(\d+(?:\.\d+)?)`)
	keyScalePattern      = regexp.MustCompile(`(?i)\bkey(?:[\s_]*scale)?\s*[:=]\s*([A-G][#b♯♭]?(?:\s*(?:major|minor|maj|min))?)`)
	timeSignaturePattern = regexp.MustCompile(`(?i)\btime[\s_]*signature\s*[:=]\s*(\d+(?:/\d+)?)`)
)

// Metadata holds musical attributes recovered from the engine's free-text
// generation details. Missing fields stay zero.
type Metadata struct {
	BPM           *int
	Duration      *float64
	KeyScale      string
	TimeSignature string

	// DurationSource is where the engine says Duration came from, if it
	// says at all.
	DurationSource string
}

// ParseDetails extracts BPM, duration, key and time signature from text.
func ParseDetails(text string) Metadata {
	var meta Metadata

	if m := bpmPattern.FindStringSubmatch(text); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil && f > 0 {
			bpm := int(f + 0.5)
			meta.BPM = &bpm
		}
	}
	if m := durationPattern.FindStringSubmatch(text); m != nil {
		if d, err := strconv.ParseFloat(m[1], 64); err == nil && d > 0 {
			meta.Duration = &d
		}
	}
	if m := keyScalePattern.FindStringSubmatch(text); m != nil {
		meta.KeyScale = normalizeKey(m[1])
	}
	if m := timeSignaturePattern.FindStringSubmatch(text); m != nil {
		meta.TimeSignature = m[1]
	}

	return meta
}

func normalizeKey(key string) string {
	key = strings.Join(strings.Fields(key), " ")
	if key == "" {
		return ""
	}
	return strings.ToUpper(key[:1]) + key[1:]
}
