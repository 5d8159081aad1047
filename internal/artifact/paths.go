package artifact

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Paths maps public audio URLs such as /audio/abc_0.mp3 onto files in the
// durable audio directory and back.
type Paths struct {
	AudioDir     string
	PublicPrefix string
}

// NewPaths returns a Paths rooted at audioDir, served under prefix.
func NewPaths(audioDir, prefix string) *Paths {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = "/audio"
	}
	return &Paths{AudioDir: audioDir, PublicPrefix: prefix}
}

// LocalPath translates a public audio path into a filesystem path. Absolute
// URLs with a scheme and paths escaping the audio directory are rejected.
func (p *Paths) LocalPath(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	rel, ok := p.relative(u.Path)
	if !ok {
		return "", false
	}
	return filepath.Join(p.AudioDir, filepath.FromSlash(rel)), true
}

// Relative returns the path below the public prefix, cleaned.
func (p *Paths) Relative(publicPath string) (string, bool) {
	return p.relative(publicPath)
}

func (p *Paths) relative(publicPath string) (string, bool) {
	if !strings.HasPrefix(publicPath, p.PublicPrefix+"/") {
		return "", false
	}
	rel := strings.TrimPrefix(publicPath, p.PublicPrefix+"/")
	if rel == "" {
		return "", false
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", false
		}
	}
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if rel == "" || rel == "." {
		return "", false
	}
	return rel, true
}

// PublicURL returns the public path for a file name in the audio directory.
func (p *Paths) PublicURL(name string) string {
	return p.PublicPrefix + "/" + strings.TrimPrefix(filepath.ToSlash(name), "/")
}

// Destination returns the durable filesystem path for a file name.
func (p *Paths) Destination(name string) string {
	return filepath.Join(p.AudioDir, filepath.Base(name))
}

var audioExtensions = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".webm": "audio/webm",
}

// MimeType sniffs an audio MIME type from a file name extension.
func MimeType(name string) string {
	if m, ok := audioExtensions[strings.ToLower(filepath.Ext(name))]; ok {
		return m
	}
	return "application/octet-stream"
}

// IsAudioName reports whether a file name carries a known audio extension.
func IsAudioName(name string) bool {
	_, ok := audioExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}
