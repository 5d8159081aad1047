package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/studio/internal/artifact"
	"github.com/makeasinger/studio/internal/auth"
	"github.com/makeasinger/studio/internal/config"
	"github.com/makeasinger/studio/internal/engine"
	"github.com/makeasinger/studio/internal/handler"
	"github.com/makeasinger/studio/internal/middleware"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/orchestrator"
	"github.com/makeasinger/studio/internal/process"
	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/internal/store"
	ws "github.com/makeasinger/studio/internal/websocket"
	"github.com/makeasinger/studio/pkg/response"
)

const (
	testJWTSecret  = "test-secret-for-e2e"
	testUserID     = "test-user-123"
	generateScript = "generate.py"
	preprocessPath = "preprocess.py"
)

// testApp holds all components needed for testing
type testApp struct {
	app        *fiber.App
	runner     *scriptRunner
	songs      *store.SongStore
	audioDir   string
	datasetDir string
}

// scriptRunner stands in for the engine scripts. The generation script
// writes one mp3 into its output directory; the preprocess script prints a
// summary.
type scriptRunner struct {
	mu    sync.Mutex
	gate  chan struct{}
	fail  string
	calls []process.Spec
}

func (r *scriptRunner) Run(ctx context.Context, spec process.Spec, onProgress process.ProgressFunc) (*process.Output, error) {
	r.mu.Lock()
	r.calls = append(r.calls, spec)
	gate, fail := r.gate, r.fail
	r.mu.Unlock()

	if len(spec.Args) > 0 && spec.Args[0] == preprocessPath {
		return output(`{"status":"success","message":"done","output_files":3,"output_dir":"/tmp/tensors","labeled":3,"total":4}`)
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != "" {
		return nil, &process.ExitError{Code: 1, Message: fail}
	}

	if onProgress != nil {
		half := 0.5
		onProgress(&half, "Diffusion")
	}
	dir, _ := engine.FlagValue(spec.Args, "--output-dir")
	if err := os.WriteFile(filepath.Join(dir, "out.mp3"), []byte("ID3 fake audio"), 0o644); err != nil {
		return nil, err
	}
	return output(`{"success":true,"audio_paths":["out.mp3"],"elapsed_seconds":0.1,"resolved_duration_seconds":12.5,"duration_source":"metadata"}`)
}

func output(line string) (*process.Output, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, err
	}
	return &process.Output{Line: []byte(line), Raw: raw}, nil
}

type noProbe struct{}

func (noProbe) Duration(context.Context, string) float64 { return 0 }

// setupApp wires the same routes as main.go over a real orchestrator, with
// the engine scripts replaced and no remote engine, Redis or object storage.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	dir := t.TempDir()
	audioDir := filepath.Join(dir, "audio")
	workDir := filepath.Join(dir, "work")
	datasetDir := filepath.Join(dir, "datasets")
	for _, d := range []string{audioDir, workDir, datasetDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("failed to create %s: %v", d, err)
		}
	}

	songs, err := store.Open(context.Background(), &config.DatabaseConfig{
		Driver: store.DriverSQLite,
		DSN:    "file:" + filepath.Join(dir, "songs.db"),
	})
	if err != nil {
		t.Fatalf("failed to open song store: %v", err)
	}

	hub := ws.NewHub()
	go hub.Run()

	runner := &scriptRunner{}
	paths := artifact.NewPaths(audioDir, "/audio")
	orch := orchestrator.New(orchestrator.Config{
		PythonPath: "python3",
		ScriptPath: generateScript,
		WorkDir:    workDir,
	}, orchestrator.Deps{
		Runner:  runner,
		Fetcher: artifact.NewFetcher(nil),
		Prober:  noProbe{},
		Paths:   paths,
	}, orchestrator.WithObserver(hub, store.NewRecorder(songs)))

	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)
	t.Cleanup(func() {
		runner.release()
		cancel()
		orch.Close()
		hub.Close()
		songs.Close()
	})

	validate := validator.New()
	verifier := auth.NewHMACVerifier(testJWTSecret)

	generationService := service.NewGenerationService(orch, nil)
	trainingService := service.NewTrainingService(runner, "python3", preprocessPath, datasetDir, nil)

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:    10 * 1024 * 1024,
		ErrorHandler: response.FromError,
	})

	// Nil Redis disables rate limiting
	rateLimiter := middleware.NewRateLimiter(nil)

	handler.Register(app, handler.Handlers{
		Generation: handler.NewGenerationHandler(generationService, validate),
		Songs:      handler.NewSongsHandler(songs),
		Training:   handler.NewTrainingHandler(trainingService, validate),
		Audio:      handler.NewAudioHandler(paths, engine.NewTaskClient(&config.EngineConfig{}, 0)),
		Auth:       handler.NewAuthHandler(verifier),
		Jobs:       handler.NewJobsSocket(hub, generationService),
		Health: handler.NewHealthHandler(map[string]handler.HealthCheck{
			"local":    func(context.Context) bool { return true },
			"database": func(ctx context.Context) bool { return songs.Ping(ctx) == nil },
		}),
	}, handler.Guards{
		Auth:            middleware.NewAuthMiddleware(verifier).Authenticate(),
		GenerateLimit:   rateLimiter.GenerateLimit(10000),
		PreprocessLimit: rateLimiter.PreprocessLimit(10000),
	})

	return &testApp{app: app, runner: runner, songs: songs, audioDir: audioDir, datasetDir: datasetDir}
}

// hold makes generation block until release is called.
func (r *scriptRunner) hold() {
	r.mu.Lock()
	r.gate = make(chan struct{})
	r.mu.Unlock()
}

func (r *scriptRunner) release() {
	r.mu.Lock()
	if r.gate != nil {
		close(r.gate)
		r.gate = nil
	}
	r.mu.Unlock()
}

func (r *scriptRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *scriptRunner) failWith(msg string) {
	r.mu.Lock()
	r.fail = msg
	r.mu.Unlock()
}

// generateToken creates an HMAC JWT for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	token, err := auth.NewHMACVerifier(testJWTSecret).Issue(testUserID, "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// submitJob posts a generation request and returns the job id.
func submitJob(t *testing.T, ta *testApp, body string) string {
	t.Helper()
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	result := parseJSON(t, resp)
	id, _ := result["jobId"].(string)
	if id == "" {
		t.Fatalf("expected jobId in response, got %v", result)
	}
	return id
}

// waitForStatus polls the status endpoint until the job reaches want.
func waitForStatus(t *testing.T, ta *testApp, jobID string, want model.JobStatus) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last map[string]interface{}
	for time.Now().Before(deadline) {
		resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/generate/status/"+jobID, "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		last = parseJSON(t, resp)
		if last["status"] == string(want) {
			return last
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %s, last status %v", jobID, want, last)
	return nil
}
