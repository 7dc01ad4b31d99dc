package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/tandem-realtime/internal/auth"
	"github.com/rickgao/tandem-realtime/internal/config"
	"github.com/rickgao/tandem-realtime/internal/journal"
	"github.com/rickgao/tandem-realtime/internal/realtime"
	"github.com/rickgao/tandem-realtime/internal/router"
)

func TestParseSend(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantType string
		wantData string
		wantNil  bool
		wantErr  bool
	}{
		{name: "empty", in: "", wantNil: true},
		{name: "type only", in: "nudge", wantType: "nudge"},
		{name: "type and object", in: `nudge={"taskId":"t1"}`, wantType: "nudge", wantData: `{"taskId":"t1"}`},
		{name: "equals inside json", in: `note={"text":"a=b"}`, wantType: "note", wantData: `{"text":"a=b"}`},
		{name: "invalid json", in: `nudge={bad`, wantErr: true},
		{name: "missing type", in: `={"a":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSend(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSend: %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("got %+v, want nil", got)
				}
				return
			}
			if got.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", got.Type, tt.wantType)
			}
			if string(got.Data) != tt.wantData {
				t.Errorf("Data = %s, want %s", got.Data, tt.wantData)
			}
		})
	}
}

func TestManagerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Realtime.Host = "localhost:3000"
	cfg.Realtime.Environment = config.EnvironmentDevelopment
	cfg.Reconnect.MaxDelay = 30 * time.Second

	mc := managerConfig(cfg)

	if mc.Secure {
		t.Error("development should dial ws://")
	}
	if mc.Host != "localhost:3000" || mc.Path != "/ws" {
		t.Errorf("Host/Path = %s%s, want localhost:3000/ws", mc.Host, mc.Path)
	}
	if mc.ReconnectBaseDelay != time.Second || mc.MaxReconnectAttempts != 5 {
		t.Errorf("reconnect = %v/%d, want 1s/5", mc.ReconnectBaseDelay, mc.MaxReconnectAttempts)
	}
	if mc.ReconnectMaxDelay != 30*time.Second {
		t.Errorf("ReconnectMaxDelay = %v, want 30s", mc.ReconnectMaxDelay)
	}
	if mc.Client.PingInterval != config.DefaultPingInterval {
		t.Errorf("PingInterval = %v, want %v", mc.Client.PingInterval, config.DefaultPingInterval)
	}

	cfg.Realtime.Environment = config.EnvironmentProduction
	if !managerConfig(cfg).Secure {
		t.Error("production should dial wss://")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line logged at warn level")
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &line); err != nil {
		t.Fatalf("output is not json: %q", out)
	}
	if line["msg"] != "shown" || line["k"] != "v" {
		t.Errorf("line = %v", line)
	}
}

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	listener := logEvent(logger, true)
	err := listener(router.Message{
		Type:    router.TypeTaskCreated,
		Data:    json.RawMessage(`{"id":"t1","title":"Buy milk"}`),
		Payload: router.TaskCreated{Task: router.Task{ID: "t1", Title: "Buy milk"}},
	})
	if err != nil {
		t.Fatalf("listener: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"type=task_created", "task=t1", `title="Buy milk"`, "data="} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestHealthHandler(t *testing.T) {
	svc := realtime.New(managerConfig(config.Default()), auth.Static(""), nil)
	defer svc.Close()

	rec := httptest.NewRecorder()
	healthHandler(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Status     string         `json:"status"`
		Connection map[string]any `json:"connection"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if body.Connection["state"] != "idle" {
		t.Errorf("state = %v, want idle", body.Connection["state"])
	}

	svc.Disconnect()
	rec = httptest.NewRecorder()
	healthHandler(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status after Disconnect = %d, want 503", rec.Code)
	}
}

func TestHealthHandler_JournalMetrics(t *testing.T) {
	svc := realtime.New(managerConfig(config.Default()), auth.Static(""), nil)
	defer svc.Close()

	cfg := journal.DefaultWriterConfig()
	cfg.BufferSize = 1
	cfg.MaxBufferSize = 1
	w := journal.NewWriter(cfg, nil, nil)
	w.Record(journal.NewEvent(journal.KindState, "open", nil, time.Now()))
	w.Record(journal.NewEvent(journal.KindState, "closed", nil, time.Now()))

	rec := httptest.NewRecorder()
	healthHandler(svc, w).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body struct {
		Journal map[string]float64 `json:"journal"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.Journal == nil {
		t.Fatal("journal section missing")
	}
	if body.Journal["dropped"] != 1 || body.Journal["buffered"] != 1 {
		t.Errorf("journal = %v, want dropped=1 buffered=1", body.Journal)
	}
}
