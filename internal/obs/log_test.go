package obs

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLoggerRestores(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := SetLogger(zap.New(core))

	LogRequest(zap.String("path", "/v1/rides"), zap.Int("status", 200))
	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Message != "request_complete" {
		t.Fatalf("unexpected msg: %s", entry.Message)
	}
	if entry.ContextMap()["path"] != "/v1/rides" {
		t.Fatalf("missing path field: %v", entry.ContextMap())
	}

	restore()
	LogRequest(zap.String("path", "/after"))
	if logs.Len() != 1 {
		t.Fatalf("logger not restored, got %d entries", logs.Len())
	}
}

func TestOrPrefersExplicitLogger(t *testing.T) {
	l := zap.NewNop()
	if Or(l) != l {
		t.Fatal("Or should return the explicit logger")
	}
	if Or(nil) == nil {
		t.Fatal("Or(nil) should fall back to the shared logger")
	}
}
