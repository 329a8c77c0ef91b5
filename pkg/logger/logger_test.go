package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestInitWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := Init(Config{Level: "debug", OutputPaths: []string{path}, Service: "starkagentd"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("tool").Debug("invoke", slog.String("tool", "get_chain_id"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", data, err)
	}
	if entry["service"] != "starkagentd" || entry["component"] != "tool" || entry["tool"] != "get_chain_id" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestTraceHandlerAddsSpanContext(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(traceHandler{Handler: slog.NewJSONHandler(&buf, nil)})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.InfoContext(ctx, "hello")
	if !strings.Contains(buf.String(), traceID.String()) || !strings.Contains(buf.String(), spanID.String()) {
		t.Fatalf("expected trace ids in %s", buf.String())
	}
}

func TestAuditWriterAppliesLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	w, err := newAuditWriter(AuditConfig{Path: path, MaxBackups: 2})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()
	if w.MaxSize != defaultMaxSizeMB || w.MaxBackups != 2 || w.MaxAge != defaultMaxAgeDays {
		t.Fatalf("unexpected limits: size=%d backups=%d age=%d", w.MaxSize, w.MaxBackups, w.MaxAge)
	}

	if _, err := w.Write([]byte("first\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	current, _ := os.ReadFile(path)
	if string(current) != "second\n" {
		t.Fatalf("current file = %q", current)
	}
	backups, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "audit-*.log*"))
	// Compression runs in the background, the backup may be .log or .log.gz.
	if len(backups) == 0 {
		t.Fatalf("expected a rotated backup next to %s", path)
	}
}

func TestAuditWriterRequiresPath(t *testing.T) {
	if _, err := newAuditWriter(AuditConfig{Enabled: true}); err == nil {
		t.Fatal("expected error for empty audit path")
	}
}
