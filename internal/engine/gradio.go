package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/makeasinger/studio/internal/config"
)

const defaultAPIPrefix = "/gradio_api"

// PredictResponse is the ordered result of a remote call.
type PredictResponse struct {
	Data []json.RawMessage `json:"data"`
}

// GradioClient calls the hosted engine's generation endpoint. The session
// handle is created on first use and cached until Reset.
type GradioClient struct {
	baseURL     string
	httpClient  *http.Client
	probeClient *http.Client

	group   singleflight.Group
	mu      sync.Mutex
	session *gradioSession
}

type gradioSession struct {
	apiPrefix string
	version   string
}

// NewGradioClient creates a client for the hosted engine.
func NewGradioClient(cfg *config.EngineConfig) *GradioClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &GradioClient{
		baseURL:     strings.TrimRight(cfg.GradioURL, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		probeClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// IsConfigured returns true if the client has a base URL
func (c *GradioClient) IsConfigured() bool {
	return c.baseURL != ""
}

// Available reports whether the engine answers at all.
func (c *GradioClient) Available(ctx context.Context) bool {
	if !c.IsConfigured() {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config", nil)
	if err != nil {
		return false
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		log.Printf("[Gradio] Engine unreachable: %v", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < http.StatusInternalServerError
}

// Reset drops the cached session so the next call reconnects.
func (c *GradioClient) Reset() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// connect returns the cached session, establishing it once even under
// concurrent callers.
func (c *GradioClient) connect(ctx context.Context) (*gradioSession, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil {
		return s, nil
	}

	v, err, _ := c.group.Do("connect", func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := c.probeClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to engine: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("engine config returned status %d", resp.StatusCode)
		}

		var cfg struct {
			APIPrefix string `json:"api_prefix"`
			Version   string `json:"version"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode engine config: %w", err)
		}

		session := &gradioSession{apiPrefix: cfg.APIPrefix, version: cfg.Version}
		if session.apiPrefix == "" {
			session.apiPrefix = defaultAPIPrefix
		}
		session.apiPrefix = "/" + strings.Trim(session.apiPrefix, "/")

		c.mu.Lock()
		c.session = session
		c.mu.Unlock()

		log.Printf("[Gradio] Connected to %s (version %s)", c.baseURL, session.version)
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*gradioSession), nil
}

// Predict uploads any file arguments, calls the named endpoint and waits
// for its result.
func (c *GradioClient) Predict(ctx context.Context, endpoint string, args []interface{}) (*PredictResponse, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	data := make([]interface{}, len(args))
	for i, arg := range args {
		f, ok := arg.(*FileUpload)
		if !ok {
			data[i] = arg
			continue
		}
		fd, err := c.prepareFile(ctx, session, f)
		if err != nil {
			return nil, err
		}
		data[i] = fd
	}

	endpoint = strings.TrimPrefix(endpoint, "/")
	callURL := fmt.Sprintf("%s%s/call/%s", c.baseURL, session.apiPrefix, endpoint)

	body, err := json.Marshal(map[string]interface{}{"data": data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Printf("[Gradio] → POST %s", callURL)

	var call struct {
		EventID string `json:"event_id"`
	}
	if err := c.doJSON(req, &call); err != nil {
		return nil, err
	}
	if call.EventID == "" {
		return nil, errors.New("engine returned no event id")
	}

	return c.awaitResult(ctx, callURL+"/"+call.EventID)
}

// awaitResult reads the server-sent event stream of a call until it
// completes or fails.
func (c *GradioClient) awaitResult(ctx context.Context, streamURL string) (*PredictResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read result stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("engine result stream returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "complete":
				var data []json.RawMessage
				if err := json.Unmarshal([]byte(payload), &data); err != nil {
					return nil, fmt.Errorf("failed to decode engine result: %w", err)
				}
				log.Printf("[Gradio] ← complete (%d values)", len(data))
				return &PredictResponse{Data: data}, nil
			case "error":
				msg := payload
				if msg == "" || msg == "null" {
					msg = "unknown error"
				}
				return nil, fmt.Errorf("engine call failed: %s", msg)
			}
		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read result stream: %w", err)
	}
	return nil, errors.New("engine result stream ended without a result")
}

// prepareFile turns a FileUpload into the engine's file descriptor,
// uploading the bytes when present.
func (c *GradioClient) prepareFile(ctx context.Context, session *gradioSession, f *FileUpload) (map[string]interface{}, error) {
	meta := map[string]interface{}{"_type": "gradio.FileData"}
	if len(f.Data) == 0 {
		return map[string]interface{}{
			"path":      f.URL,
			"url":       f.URL,
			"orig_name": f.Name,
			"mime_type": f.MimeType,
			"meta":      meta,
		}, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
	h.Set("Content-Type", f.MimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload part: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return nil, fmt.Errorf("failed to write upload part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish upload body: %w", err)
	}

	uploadURL := c.baseURL + session.apiPrefix + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	log.Printf("[Gradio] → POST %s (%s, %d bytes)", uploadURL, f.Name, len(f.Data))

	var paths []string
	if err := c.doJSON(req, &paths); err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", f.Name, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("failed to upload %s: no path returned", f.Name)
	}

	return map[string]interface{}{
		"path":      paths[0],
		"orig_name": f.Name,
		"mime_type": f.MimeType,
		"size":      len(f.Data),
		"meta":      meta,
	}, nil
}

func (c *GradioClient) doJSON(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("engine error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
