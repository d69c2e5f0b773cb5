package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew_levels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		log := New(tt.level, "text")
		if !log.Enabled(context.Background(), tt.want) {
			t.Errorf("level %q: expected %v enabled", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && log.Enabled(context.Background(), tt.want-1) {
			t.Errorf("level %q: expected below %v disabled", tt.level, tt.want)
		}
	}
}

func TestNewWithWriter_service_attribute(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "json").Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["service"] != Service {
		t.Errorf("expected service %q, got %v", Service, entry["service"])
	}

	buf.Reset()
	NewWithWriter(&buf, "warning", "text").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info must be filtered at warn level, got %q", buf.String())
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	h := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
		w.(http.Flusher).Flush()
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/pot", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["path"] != "/pot" || entry["status"] != float64(http.StatusTeapot) || entry["size"] != float64(15) {
		t.Errorf("unexpected log entry %v", entry)
	}
	if _, ok := entry["aborted"]; ok {
		t.Errorf("completed request logged as aborted")
	}
}

func TestRequestLogger_aborted(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	h := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/hang", nil).WithContext(ctx))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["aborted"] != true {
		t.Errorf("expected aborted=true, got %v", entry)
	}
}
