// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "not JSON: %s", buf.String())
	return entry
}

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Service: "authcore", Version: "1.0.0", Format: "json", Output: &buf})

	logger.Info("session created")

	entry := decode(t, &buf)
	assert.Equal(t, "session created", entry["msg"])
	assert.Equal(t, "authcore", entry["service"])
	assert.Equal(t, "1.0.0", entry["version"])
	assert.Contains(t, entry, "time")
	assert.Contains(t, entry, "level")
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Service: "authcore", Format: "text", Output: &buf})

	logger.Info("session created")

	assert.Contains(t, buf.String(), "session created")
	assert.Contains(t, buf.String(), "service=authcore")
}

func TestSetup_DefaultFormatIsJSON(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Output: &buf}).Info("hello")
	decode(t, &buf)
}

func TestSetup_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Level: slog.LevelWarn, Output: &buf})

	logger.Info("dropped")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Equal(t, "kept", decode(t, &buf)["msg"])
}

func TestSetup_RedactsSensitiveAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Output: &buf})

	logger.Info("login", "token", "abc123", "Cookie", "id=abc123", "email", "jane@example.com")

	entry := decode(t, &buf)
	assert.Equal(t, Redacted, entry["token"])
	assert.Equal(t, Redacted, entry["Cookie"])
	assert.Equal(t, "jane@example.com", entry["email"])
	assert.NotContains(t, buf.String(), "abc123")
}

func TestRedact_Keys(t *testing.T) {
	tests := []struct {
		key      string
		redacted bool
	}{
		{"token", true},
		{"session_token", true},
		{"cookie", true},
		{"password", true},
		{"Redis_Password", true},
		{"client_secret", true},
		{"database_url", true},
		{"email", false},
		{"tokens_issued", false},
		{"redis_url", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := redact(nil, slog.String(tt.key, "value"))
			if tt.redacted {
				assert.Equal(t, Redacted, got.Value.String())
			} else {
				assert.Equal(t, "value", got.Value.String())
			}
		})
	}
}

func TestHandler_TraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Output: &buf})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	logger.InfoContext(ctx, "traced")

	entry := decode(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestHandler_NoTraceContext(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Output: &buf}).Info("untraced")

	entry := decode(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
}

func TestHandler_WithAttrsKeepsIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Service: "authcore", Output: &buf}).With("component", "session").WithGroup("req")

	logger.Info("renewed", "id", "01J")

	entry := decode(t, &buf)
	assert.Equal(t, "session", entry["component"])
	assert.Equal(t, map[string]any{"id": "01J", "service": "authcore", "version": ""}, entry["req"])
}

func TestSetDefault(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	logger := SetDefault(Options{Service: "authcore"})
	assert.Same(t, logger, slog.Default())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
