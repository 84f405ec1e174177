package tracing

import (
	"context"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if Tracer() == nil {
		t.Error("nil tracer")
	}
}

func TestSetupUnknownProtocol(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true, Protocol: "udp"})
	if err == nil || !strings.Contains(err.Error(), "udp") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewExporterHTTP(t *testing.T) {
	exp, err := newExporter(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Protocol: "http",
		Endpoint: "127.0.0.1:4318",
		Insecure: true,
		Headers:  map[string]string{"x-api-key": "k"},
	})
	if err != nil {
		t.Fatalf("newExporter: %v", err)
	}
	_ = exp.Shutdown(context.Background())
}
