// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func startServer(t *testing.T, checks ...ReadinessCheck) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", nil, checks...)
	if _, err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

func get(t *testing.T, server *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + server.Addr() + path)
	if err != nil {
		t.Fatalf("failed to GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServer_Metrics(t *testing.T) {
	server := startServer(t)

	status, body := get(t, server, "/metrics")
	if status != http.StatusOK {
		t.Errorf("expected status 200, got %d", status)
	}
	if !strings.Contains(body, "# HELP") || !strings.Contains(body, "# TYPE") {
		t.Error("expected Prometheus exposition format")
	}
	if !strings.Contains(body, "go_") {
		t.Error("expected go_* metrics")
	}
	if !strings.Contains(body, "process_") {
		t.Error("expected process_* metrics")
	}
}

func TestServer_MetricsIncrement(t *testing.T) {
	server := startServer(t)

	metrics := server.Metrics()
	metrics.RequestsTotal.WithLabelValues("/api/auth/signIn", "204").Inc()
	metrics.RequestsTotal.WithLabelValues("/api/auth/signIn", "204").Inc()
	RecordCeremony("authentication", "success")
	RecordSession(SessionCreated)
	RecordRateLimitRejection()

	_, body := get(t, server, "/metrics")

	for _, want := range []string{
		`authcore_http_requests_total{route="/api/auth/signIn",status="204"} 2`,
		`authcore_ceremonies_total{ceremony="authentication",outcome="success"}`,
		`authcore_sessions_total{event="created"}`,
		`authcore_ratelimit_rejections_total`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestServer_LivenessReturns200(t *testing.T) {
	server := startServer(t)

	status, body := get(t, server, "/healthz/liveness")
	if status != http.StatusOK {
		t.Errorf("expected status 200, got %d", status)
	}
	if strings.TrimSpace(body) != "ok" {
		t.Errorf("expected body 'ok', got %q", body)
	}
}

func TestServer_ReadinessWhenReady(t *testing.T) {
	server := startServer(t,
		ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return nil }},
		ReadinessCheck{Name: "redis", Check: func(context.Context) error { return nil }},
	)

	status, body := get(t, server, "/healthz/readiness")
	if status != http.StatusOK {
		t.Errorf("expected status 200, got %d", status)
	}
	if strings.TrimSpace(body) != "ok" {
		t.Errorf("expected body 'ok', got %q", body)
	}
}

func TestServer_ReadinessWhenNotReady(t *testing.T) {
	server := startServer(t,
		ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return nil }},
		ReadinessCheck{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	)

	status, body := get(t, server, "/healthz/readiness")
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", status)
	}
	if strings.TrimSpace(body) != "not ready" {
		t.Errorf("expected body 'not ready', got %q", body)
	}
}

func TestServer_ReadinessWithoutChecks(t *testing.T) {
	server := startServer(t)

	status, _ := get(t, server, "/healthz/readiness")
	if status != http.StatusOK {
		t.Errorf("expected status 200 without checks, got %d", status)
	}
}

func TestServer_ReadyNamesFailingCheck(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil,
		ReadinessCheck{Name: "redis", Check: func(context.Context) error { return errors.New("down") }},
	)

	err := server.Ready(context.Background())
	if err == nil {
		t.Fatal("expected readiness error")
	}
	if !strings.Contains(err.Error(), "down") {
		t.Errorf("expected cause in error, got %v", err)
	}
}

func TestServer_AddCheck(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil,
		ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return nil }},
	)
	if err := server.Ready(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}

	server.AddCheck(ReadinessCheck{Name: "redis", Check: func(context.Context) error { return errors.New("down") }})
	if err := server.Ready(context.Background()); err == nil {
		t.Fatal("expected the added check to fail readiness")
	}
}

func TestServer_DoubleStartFails(t *testing.T) {
	server := startServer(t)

	if _, err := server.Start(); err == nil {
		t.Error("expected error on double start, got nil")
	}
}

func TestServer_StopIdempotent(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Errorf("stop without start should not error: %v", err)
	}
}

func TestServer_ErrorChannelReportsServeErrors(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)

	errCh, err := server.Start()
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	// Closing the listener makes Serve fail.
	if server.listener != nil {
		_ = server.listener.Close()
	}

	select {
	case serveErr := <-errCh:
		if serveErr == nil {
			t.Error("expected an error from the error channel after closing listener")
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for error on error channel")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Stop(ctx)
}

func TestServer_ErrorChannelClosesOnNormalShutdown(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)

	errCh, err := server.Start()
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			t.Errorf("unexpected error on normal shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for error channel to close")
	}
}
