package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openchlai/ai-sub002/internal/config"
	"github.com/openchlai/ai-sub002/internal/dispatch"
	"github.com/openchlai/ai-sub002/internal/metrics"
	"github.com/openchlai/ai-sub002/internal/queue"
	"github.com/openchlai/ai-sub002/internal/session"
	"github.com/openchlai/ai-sub002/internal/store"
)

type httpFixture struct {
	server   *httptest.Server
	registry *session.Registry
	queue    *queue.Memory
}

func newHTTPFixture(t *testing.T, completionBuffer int) *httpFixture {
	t.Helper()

	m := metrics.NewMetrics(prometheus.NewRegistry())
	registry := session.NewRegistry(session.Config{CompletionBuffer: completionBuffer},
		store.NewMemory(time.Hour), nil, m, testLogger())
	q := queue.NewMemory()
	dispatcher := dispatch.NewDispatcher(dispatch.Config{}, q, registry, nil, m, testLogger())

	appConfig := &config.Config{}
	appConfig.Queue.HTTP.APIKey = "topsecret"
	appConfig.Store.Redis.Password = "hunter2"

	h := NewHTTPServer(HTTPServerConfig{Address: "127.0.0.1"}, testLogger(), appConfig,
		registry, dispatcher, q, nil, m)

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	return &httpFixture{server: srv, registry: registry, queue: q}
}

func (f *httpFixture) startCall(t *testing.T, callID string) {
	t.Helper()
	if _, err := f.registry.Start(context.Background(), callID, session.ConnectionInfo{RemoteAddr: "10.0.0.1:5000"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func (f *httpFixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()

	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Reading body failed: %v", err)
	}
	return resp.StatusCode, string(data)
}

func TestHealthEndpoint(t *testing.T) {
	f := newHTTPFixture(t, 0)

	status, body := f.do(t, http.MethodGet, "/health", "")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}

	var resp map[string]any
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", resp["status"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	f := newHTTPFixture(t, 0)

	if status, _ := f.do(t, http.MethodGet, "/readyz", ""); status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}

	f.queue.SetError(errors.New("gateway down"))
	status, body := f.do(t, http.MethodGet, "/readyz", "")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", status)
	}
	if !strings.Contains(body, "gateway down") {
		t.Errorf("Expected queue error in body, got %s", body)
	}
}

func TestCallEndpoints(t *testing.T) {
	f := newHTTPFixture(t, 0)
	f.startCall(t, "call-1")
	f.startCall(t, "call-2")

	status, body := f.do(t, http.MethodGet, "/calls", "")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	var list struct {
		TotalCalls int                `json:"total_calls"`
		Calls      []session.Snapshot `json:"calls"`
	}
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if list.TotalCalls != 2 || list.Calls[0].CallID != "call-1" {
		t.Errorf("Unexpected call list: %+v", list)
	}

	status, body = f.do(t, http.MethodGet, "/calls/call-2", "")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if snap.CallID != "call-2" || snap.Status != session.StatusActive {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}

	if status, _ := f.do(t, http.MethodGet, "/calls/missing", ""); status != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown call, got %d", status)
	}
}

func TestCallEndEndpoint(t *testing.T) {
	f := newHTTPFixture(t, 0)
	f.startCall(t, "call-1")

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"invalid reason", "/calls/call-1/end?reason=hangup", http.StatusBadRequest},
		{"end", "/calls/call-1/end?reason=error", http.StatusOK},
		{"already ended", "/calls/call-1/end", http.StatusNotFound},
		{"unknown call", "/calls/missing/end", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := f.do(t, http.MethodPost, tt.path, ""); status != tt.wantStatus {
				t.Errorf("Expected %d, got %d: %s", tt.wantStatus, status, body)
			}
		})
	}

	if f.registry.Stats().Errored != 1 {
		t.Errorf("Expected the call to end with status error, stats %+v", f.registry.Stats())
	}
}

func TestCompletionEndpoint(t *testing.T) {
	f := newHTTPFixture(t, 1)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"malformed", `{"call_id":`, http.StatusBadRequest},
		{"missing call id", `{"job_id":"j1","job_type":"transcription"}`, http.StatusBadRequest},
		{"unknown job type", `{"call_id":"call-1","job_type":"sentiment"}`, http.StatusBadRequest},
		{"accepted", `{"call_id":"call-1","job_id":"j1","job_type":"transcription","text":"hello"}`, http.StatusAccepted},
		{"inbox full", `{"call_id":"call-1","job_id":"j2","job_type":"transcription","text":"again"}`, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := f.do(t, http.MethodPost, "/jobs/completions", tt.body); status != tt.wantStatus {
				t.Errorf("Expected %d, got %d: %s", tt.wantStatus, status, body)
			}
		})
	}

	if depth := f.registry.Stats().InboxDepth; depth != 1 {
		t.Errorf("Expected 1 queued completion, got %d", depth)
	}

	if status, _ := f.do(t, http.MethodGet, "/jobs/completions", ""); status != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", status)
	}
}

func TestCompletionStream(t *testing.T) {
	f := newHTTPFixture(t, 0)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/completions"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	send := func(msg string) completionAck {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
		var ack completionAck
		if err := conn.ReadJSON(&ack); err != nil {
			t.Fatalf("ReadJSON failed: %v", err)
		}
		return ack
	}

	ack := send(`{"call_id":"call-1","job_id":"j1","job_type":"transcription","text":"hello"}`)
	if !ack.Accepted || ack.JobID != "j1" {
		t.Errorf("Expected j1 to be accepted, got %+v", ack)
	}

	ack = send(`{"call_id":"call-1","job_id":"j2","job_type":"sentiment"}`)
	if ack.Accepted || ack.Error == "" {
		t.Errorf("Expected a rejection for an unknown job type, got %+v", ack)
	}

	// A malformed message is answered and the stream stays open
	ack = send(`not json`)
	if ack.Accepted || ack.Error == "" {
		t.Errorf("Expected a rejection for a malformed message, got %+v", ack)
	}

	ack = send(`{"call_id":"call-1","job_id":"j3","job_type":"end_of_call"}`)
	if !ack.Accepted {
		t.Errorf("Expected j3 to be accepted, got %+v", ack)
	}

	if depth := f.registry.Stats().InboxDepth; depth != 2 {
		t.Errorf("Expected 2 queued completions, got %d", depth)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newHTTPFixture(t, 0)
	f.startCall(t, "call-1")

	status, body := f.do(t, http.MethodGet, "/status", "")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}

	var resp struct {
		Pools       []dispatch.PoolStatus `json:"pools"`
		ActiveCalls int                   `json:"active_calls"`
		Calls       []CallStatus          `json:"calls"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(resp.Pools) != 2 || resp.Pools[0].Name != dispatch.PoolInteractive || resp.Pools[1].Name != dispatch.PoolBatch {
		t.Errorf("Unexpected pools: %+v", resp.Pools)
	}
	if resp.Pools[0].Available != dispatch.DefaultInteractiveCapacity {
		t.Errorf("Expected an idle interactive pool, got %+v", resp.Pools[0])
	}
	if resp.ActiveCalls != 1 || resp.Calls[0].CallID != "call-1" || resp.Calls[0].Connection != nil {
		t.Errorf("Unexpected calls: %+v", resp.Calls)
	}
}

func TestConfigEndpointRedactsSecrets(t *testing.T) {
	f := newHTTPFixture(t, 0)

	status, body := f.do(t, http.MethodGet, "/config", "")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	for _, secret := range []string{"topsecret", "hunter2"} {
		if strings.Contains(body, secret) {
			t.Errorf("Config response leaks %q", secret)
		}
	}
}
