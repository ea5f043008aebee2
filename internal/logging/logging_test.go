package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func captureJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := Logger
	t.Cleanup(func() {
		if prev != nil {
			InitWithHandler(prev.Handler())
		}
	})

	var buf bytes.Buffer
	InitWithHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return &buf
}

func TestFromContext(t *testing.T) {
	buf := captureJSON(t)

	ctx := WithComponent(context.Background(), "replication")
	ctx = WithRouteKey(ctx, "metrics/cpu")
	ctx = WithNodeID(ctx, "n2")
	ctx = WithOffset(ctx, 4096)
	FromContext(ctx).Warn("fetch failed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"msg":       "fetch failed",
		"component": "replication",
		"route":     "metrics/cpu",
		"node":      "n2",
		"offset":    float64(4096),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestFromContext_Empty(t *testing.T) {
	buf := captureJSON(t)

	FromContext(context.Background()).Info("plain")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"component", "route", "node", "offset"} {
		if _, ok := entry[k]; ok {
			t.Errorf("unexpected attribute %s", k)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{" WARN ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}
