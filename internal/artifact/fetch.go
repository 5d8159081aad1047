package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Descriptor identifies a produced artifact by local path, remote URL, or both.
type Descriptor struct {
	Path     string
	URL      string
	OrigName string
}

// Name returns the best available file name for the artifact.
func (d Descriptor) Name() string {
	if d.OrigName != "" {
		return d.OrigName
	}
	if d.Path != "" {
		return filepath.Base(d.Path)
	}
	if d.URL != "" {
		u := d.URL
		if i := strings.IndexAny(u, "?#"); i >= 0 {
			u = u[:i]
		}
		return filepath.Base(u)
	}
	return ""
}

// ErrorKind classifies artifact transfer failures.
type ErrorKind string

const (
	KindUnreachable ErrorKind = "unreachable"
	KindBadStatus   ErrorKind = "bad_status"
	KindEmpty       ErrorKind = "empty"
	KindIO          ErrorKind = "io"
)

// Error is returned for every failed transfer.
type Error struct {
	Kind   ErrorKind
	Source string
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindBadStatus:
		return fmt.Sprintf("failed to download %s: status %d", e.Source, e.Status)
	case KindEmpty:
		return fmt.Sprintf("downloaded artifact %s is empty", e.Source)
	case KindUnreachable:
		if e.Err != nil {
			return fmt.Sprintf("artifact %s is unreachable: %v", e.Source, e.Err)
		}
		return "artifact has neither a local path nor a URL"
	default:
		return fmt.Sprintf("failed to store artifact %s: %v", e.Source, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher copies or downloads artifacts into durable storage. Bytes are
// always written to a temporary file next to the destination and renamed
// into place, so readers never see a partial file under the final name.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a Fetcher. A nil client gets a 5 minute timeout.
func NewFetcher(httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Fetcher{httpClient: httpClient}
}

// Fetch places the artifact's bytes at dest. A path that exists on this
// host is copied; otherwise the URL is downloaded.
func (f *Fetcher) Fetch(ctx context.Context, d Descriptor, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &Error{Kind: KindIO, Source: dest, Err: err}
	}

	if d.Path != "" {
		if info, err := os.Stat(d.Path); err == nil && info.Mode().IsRegular() {
			return f.copyLocal(d.Path, dest)
		}
	}

	if d.URL != "" {
		return f.download(ctx, d.URL, dest)
	}

	if d.Path != "" {
		return &Error{Kind: KindUnreachable, Source: d.Path, Err: os.ErrNotExist}
	}
	return &Error{Kind: KindUnreachable}
}

func (f *Fetcher) copyLocal(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return &Error{Kind: KindIO, Source: src, Err: err}
	}
	defer in.Close()

	n, err := writeAtomic(dest, in)
	if err != nil {
		return &Error{Kind: KindIO, Source: src, Err: err}
	}
	if n == 0 {
		return &Error{Kind: KindEmpty, Source: src}
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &Error{Kind: KindUnreachable, Source: rawURL, Err: err}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindUnreachable, Source: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &Error{Kind: KindBadStatus, Source: rawURL, Status: resp.StatusCode}
	}

	n, err := writeAtomic(dest, resp.Body)
	if err != nil {
		return &Error{Kind: KindIO, Source: rawURL, Err: err}
	}
	if n == 0 {
		return &Error{Kind: KindEmpty, Source: rawURL}
	}

	log.Printf("[Artifact] Downloaded %s (%d bytes) to %s", rawURL, n, dest)
	return nil
}

// writeAtomic streams r into a temp file beside dest and renames it over
// dest once complete. Empty payloads are discarded without touching dest.
func writeAtomic(dest string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return n, err
	}
	committed = true
	return n, nil
}

// IsNotFound reports whether err means the artifact could not be located.
func IsNotFound(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && (ae.Kind == KindUnreachable || ae.Status == http.StatusNotFound)
}
