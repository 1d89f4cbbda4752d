package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/canvasrelay/internal/auth"
	"github.com/agentworkforce/canvasrelay/internal/config"
	"github.com/agentworkforce/canvasrelay/internal/docsync"
	"github.com/agentworkforce/canvasrelay/internal/gateway"
	"github.com/agentworkforce/canvasrelay/internal/membership"
	"github.com/agentworkforce/canvasrelay/internal/store"
)

// stuckSnapshots never finishes a save before its context ends.
type stuckSnapshots struct{}

func (stuckSnapshots) LoadSnapshot(ctx context.Context, id string) ([]byte, error) {
	return nil, store.ErrNotFound
}

func (stuckSnapshots) SaveSnapshot(ctx context.Context, id string, data []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("CANVASRELAY_AUTH_JWT_SECRET", "main-test-secret")
	t.Setenv("CANVASRELAY_SERVER_ADDR", "127.0.0.1:0")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestRunServesHealthAndShutsDownCleanly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.DSN = "sqlite://" + filepath.Join(t.TempDir(), "canvasrelay.db")

	ctx, cancel := context.WithCancel(context.Background())
	addrs := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zerolog.Nop(), func(addr string) { addrs <- addr }) }()

	var addr string
	select {
	case addr = <-addrs:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("shutdown did not finish")
	}
}

func TestRunFailsFastOnUnsupportedStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.DSN = "mongodb://localhost/canvas"

	err := run(context.Background(), cfg, zerolog.Nop(), nil)
	if err == nil || !strings.Contains(err.Error(), "failed to initialize store") {
		t.Fatalf("expected store initialization error, got %v", err)
	}
}

func TestRunFailsFastOnUnreachableBroker(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventLog.Brokers = []string{"127.0.0.1:1"}

	err := run(context.Background(), cfg, zerolog.Nop(), nil)
	if err == nil || !strings.Contains(err.Error(), "brokers unreachable") {
		t.Fatalf("expected broker error, got %v", err)
	}
}

func TestRunFailsOnMissingSeedFile(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.Store.DSN = "file://" + filepath.Join(dir, "state.json")
	cfg.Membership.SeedFile = filepath.Join(dir, "missing.yaml")

	err := run(context.Background(), cfg, zerolog.Nop(), nil)
	if err == nil || !strings.Contains(err.Error(), "failed to load seed file") {
		t.Fatalf("expected seed file error, got %v", err)
	}
}

func TestExecuteReportsConfigErrors(t *testing.T) {
	t.Setenv("CANVASRELAY_AUTH_JWT_SECRET", "")
	t.Setenv("JWT_SECRET", "")
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"serve"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "auth.jwt_secret is required") {
		t.Fatalf("expected config error on stderr, got %q", stderr.String())
	}
}

func TestExecuteRejectsUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := execute(context.Background(), []string{"bogus"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestShutdownReportsDeadlineExceeded(t *testing.T) {
	st := store.NewMemoryStore()
	pipeline := docsync.NewPipeline(docsync.Options{Store: stuckSnapshots{}, Debounce: time.Hour, Logger: zerolog.Nop()})
	gw, err := gateway.New(gateway.Options{
		Auth:      auth.NewAuthenticator("main-test-secret"),
		Tree:      st,
		Guard:     membership.NewGuard(st),
		Documents: pipeline,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build gateway: %v", err)
	}
	if err := pipeline.Apply(context.Background(), "layer-1", []byte("unsaved")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	consumerDone := make(chan struct{})
	close(consumerDone)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = shutdown(ctx, zerolog.Nop(), &http.Server{}, gw, nil, consumerDone, func() {})
	if !errors.Is(err, errShutdownTimeout) {
		t.Fatalf("expected shutdown timeout, got %v", err)
	}
	if pipeline.Pending() != 1 {
		t.Fatalf("expected the unsaved document to stay pending, got %d", pipeline.Pending())
	}
}

func TestExecuteExitsNonZeroWhenShutdownDeadlinePasses(t *testing.T) {
	t.Setenv("CANVASRELAY_AUTH_JWT_SECRET", "main-test-secret")
	t.Setenv("CANVASRELAY_SERVER_ADDR", "127.0.0.1:0")
	t.Setenv("CANVASRELAY_SERVER_SHUTDOWN_TIMEOUT", "1ns")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var stdout, stderr bytes.Buffer
	if code := execute(ctx, []string{"serve"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), errShutdownTimeout.Error()) {
		t.Fatalf("expected shutdown timeout on stderr, got %q", stderr.String())
	}
}
