package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/netlens/internal/capture"
	"github.com/dgnsrekt/netlens/internal/hook"
)

// fakeTransport is an in-memory debug connection. The test side plays the
// browser: it reads client frames from out and pushes browser frames into in.
type fakeTransport struct {
	in  chan []byte
	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case t.out <- data:
		return nil
	case <-t.closed:
		return fmt.Errorf("closed")
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

type fakeTargetInfo struct {
	ID   string
	Type string
	URL  string
}

// browserSim answers commands the way a debuggable browser would and records
// every command it saw.
type browserSim struct {
	t         *testing.T
	transport *fakeTransport
	targets   []fakeTargetInfo
	bodies    map[string]string // request id -> response body
	mute      map[string]bool   // methods to leave unanswered

	commands chan envelope
}

func newBrowserSim(t *testing.T, transport *fakeTransport, targets []fakeTargetInfo) *browserSim {
	s := &browserSim{
		t:         t,
		transport: transport,
		targets:   targets,
		bodies:    make(map[string]string),
		mute:      make(map[string]bool),
		commands:  make(chan envelope, 64),
	}
	go s.loop()
	return s
}

func (s *browserSim) loop() {
	for {
		select {
		case data := <-s.transport.out:
			var cmd envelope
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			select {
			case s.commands <- cmd:
			default:
			}
			if s.mute[cmd.Method] {
				continue
			}
			s.reply(cmd)
		case <-s.transport.closed:
			return
		}
	}
}

func (s *browserSim) reply(cmd envelope) {
	result := json.RawMessage(`{}`)
	switch cmd.Method {
	case "Target.getTargets":
		type info struct {
			TargetID string `json:"targetId"`
			Type     string `json:"type"`
			URL      string `json:"url"`
		}
		infos := make([]info, len(s.targets))
		for i, t := range s.targets {
			infos[i] = info{TargetID: t.ID, Type: t.Type, URL: t.URL}
		}
		result, _ = json.Marshal(map[string]any{"targetInfos": infos})
	case "Target.attachToTarget":
		var p struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(cmd.Params, &p)
		result, _ = json.Marshal(map[string]string{"sessionId": "sess-" + p.TargetID})
	case "Network.getResponseBody":
		var p struct {
			RequestID string `json:"requestId"`
		}
		_ = json.Unmarshal(cmd.Params, &p)
		body, ok := s.bodies[p.RequestID]
		if !ok {
			s.sendError(cmd, "No resource with given identifier found")
			return
		}
		result, _ = json.Marshal(map[string]any{"body": body, "base64Encoded": false})
	}

	data, _ := json.Marshal(envelope{ID: cmd.ID, SessionID: cmd.SessionID, Result: result})
	s.transport.in <- data
}

func (s *browserSim) sendError(cmd envelope, msg string) {
	data, _ := json.Marshal(envelope{ID: cmd.ID, SessionID: cmd.SessionID, Error: &rpcError{Code: -32000, Message: msg}})
	s.transport.in <- data
}

// event pushes a browser-originated domain event onto the wire.
func (s *browserSim) event(method, sessionID string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		s.t.Fatalf("marshal event params: %v", err)
	}
	data, _ := json.Marshal(envelope{Method: method, SessionID: sessionID, Params: raw})
	s.transport.in <- data
}

// waitCommand blocks until the browser sim has seen the given method.
func (s *browserSim) waitCommand(t *testing.T, method string) envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cmd := <-s.commands:
			if cmd.Method == method {
				return cmd
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s command", method)
		}
	}
}

func apiHookRegistry(t *testing.T) *hook.Registry {
	t.Helper()
	reg := hook.NewRegistry()
	if err := reg.Register(&hook.Hook{
		Name:        "api",
		URLPatterns: []string{"https://api.example.com/*", "wss://stream.example.com/*"},
		Enabled:     true,
	}); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	return reg
}

type harness struct {
	m       *Multiplexer
	sim     *browserSim
	records chan capture.Record
}

func startMux(t *testing.T, reg *hook.Registry, targets []fakeTargetInfo) *harness {
	t.Helper()
	transport := newFakeTransport()
	sim := newBrowserSim(t, transport, targets)

	records := make(chan capture.Record, 64)
	dial := func(ctx context.Context) (Transport, error) { return transport, nil }
	m := New("session1", reg, dial, func(rec capture.Record) { records <- rec })
	m.CallTimeout = 2 * time.Second

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })
	return &harness{m: m, sim: sim, records: records}
}

func waitRecord(t *testing.T, ch chan capture.Record) capture.Record {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for capture record")
		return capture.Record{}
	}
}

func assertNoRecord(t *testing.T, ch chan capture.Record, wait time.Duration) {
	t.Helper()
	select {
	case rec := <-ch:
		t.Fatalf("unexpected record emitted: %+v", rec)
	case <-time.After(wait):
	}
}

func TestStartAttachesExistingTargets(t *testing.T) {
	h := startMux(t, apiHookRegistry(t), []fakeTargetInfo{
		{ID: "t1", Type: "page", URL: "https://app.example.com/"},
		{ID: "t2", Type: "service_worker", URL: "https://app.example.com/sw.js"},
		{ID: "t3", Type: "browser", URL: ""},
	})

	if got := h.m.TargetCount(); got != 2 {
		t.Fatalf("TargetCount() = %d; want 2 (browser target skipped)", got)
	}
}

func TestAutoAttachedTargetGetsNetworkEnabled(t *testing.T) {
	h := startMux(t, apiHookRegistry(t), nil)

	h.sim.event("Target.attachedToTarget", "", map[string]any{
		"sessionId": "sess-worker9",
		"targetInfo": map[string]any{
			"targetId": "worker9",
			"type":     "service_worker",
			"url":      "https://app.example.com/sw.js",
		},
		"waitingForDebugger": false,
	})

	cmd := h.sim.waitCommand(t, "Network.enable")
	if cmd.SessionID != "sess-worker9" {
		t.Fatalf("Network.enable scoped to %q; want sess-worker9", cmd.SessionID)
	}
	if got := h.m.TargetCount(); got != 1 {
		t.Fatalf("TargetCount() = %d; want 1", got)
	}
}

func requestEvent(requestID, url, initiatorType, initiatorURL string) map[string]any {
	return map[string]any{
		"requestId": requestID,
		"request": map[string]any{
			"url":     url,
			"method":  "GET",
			"headers": map[string]string{"Accept": "application/json"},
		},
		"type":        "Fetch",
		"documentURL": "https://app.example.com/",
		"initiator":   map[string]string{"type": initiatorType, "url": initiatorURL},
	}
}

func TestRequestSourceClassification(t *testing.T) {
	h := startMux(t, apiHookRegistry(t), nil)

	cases := []struct {
		requestID     string
		initiatorType string
		initiatorURL  string
		wantSource    string
	}{
		{"r1", "script", "https://app.example.com/app.js", capture.SourceScript},
		{"r2", "other", "", capture.SourceServiceWorker},
		{"r3", "script", "chrome-extension://abcdef/bg.js", capture.SourceExtension},
		{"r4", "parser", "https://app.example.com/", capture.SourcePage},
	}
	for _, tc := range cases {
		h.sim.event("Network.requestWillBeSent", "sess-x",
			requestEvent(tc.requestID, "https://api.example.com/v1/user", tc.initiatorType, tc.initiatorURL))

		rec := waitRecord(t, h.records)
		if rec.Type != capture.TypeRequest {
			t.Fatalf("record type = %q; want request", rec.Type)
		}
		if rec.RequestID != tc.requestID {
			t.Fatalf("record request id = %q; want %q", rec.RequestID, tc.requestID)
		}
		if rec.Source != tc.wantSource {
			t.Fatalf("source for initiator (%s,%s) = %q; want %q",
				tc.initiatorType, tc.initiatorURL, rec.Source, tc.wantSource)
		}
		if rec.HookName != "api" || rec.SessionID != "session1" {
			t.Fatalf("record hook/session = %q/%q; want api/session1", rec.HookName, rec.SessionID)
		}
	}
}

func TestUnmatchedURLEmitsNothing(t *testing.T) {
	h := startMux(t, apiHookRegistry(t), nil)

	h.sim.event("Network.requestWillBeSent", "sess-x",
		requestEvent("r9", "https://unrelated.example.org/", "script", ""))
	assertNoRecord(t, h.records, 150*time.Millisecond)
}

func responseEvent(requestID, url string, status int) map[string]any {
	return map[string]any{
		"requestId": requestID,
		"response": map[string]any{
			"url":      url,
			"status":   status,
			"headers":  map[string]string{"Content-Type": "application/json"},
			"mimeType": "application/json",
		},
	}
}

func TestResponseBodyFetchAndPairing(t *testing.T) {
	h := startMux(t, apiHookRegistry(t), nil)
	h.sim.bodies["r1"] = `{"ok":true}`

	url := "https://api.example.com/v1/user"
	h.sim.event("Network.requestWillBeSent", "sess-x", requestEvent("r1", url, "script", ""))
	reqRec := waitRecord(t, h.records)

	h.sim.event("Network.responseReceived", "sess-x", responseEvent("r1", url, 200))
	h.sim.event("Network.loadingFinished", "sess-x", map[string]any{"requestId": "r1"})

	resRec := waitRecord(t, h.records)
	if resRec.Type != capture.TypeResponse {
		t.Fatalf("record type = %q; want response", resRec.Type)
	}
	if resRec.RequestID != reqRec.RequestID {
		t.Fatalf("response request id = %q; want %q (pairing)", resRec.RequestID, reqRec.RequestID)
	}
	if resRec.Source != capture.SourceGlobal {
		t.Fatalf("response source = %q; want global", resRec.Source)
	}
	if resRec.Status != 200 {
		t.Fatalf("response status = %d; want 200", resRec.Status)
	}
	if resRec.Body != `{"ok":true}` {
		t.Fatalf("response body = %q; want %q", resRec.Body, `{"ok":true}`)
	}
	if got := h.m.PendingResponses(); got != 0 {
		t.Fatalf("PendingResponses() after emit = %d; want 0", got)
	}
}

func TestResponseBodyTruncation(t *testing.T) {
	h := startMux(t, apiHookRegistry(t), nil)
	h.sim.bodies["r1"] = strings.Repeat("x", 150_000)

	url := "https://api.example.com/big"
	h.sim.event("Network.responseReceived", "sess-x", responseEvent("r1", url, 200))
	h.sim.event("Network.loadingFinished", "sess-x", map[string]any{"requestId": "r1"})

	rec := waitRecord(t, h.records)
	if rec.Body != "" {
		t.Fatalf("oversized body stored verbatim (%d chars)", len(rec.Body))
	}
	if !rec.BodyTruncated || rec.BodySize != 150_000 {
		t.Fatalf("truncation fields = (%v, %d); want (true, 150000)", rec.BodyTruncated, rec.BodySize)
	}
	if got := len([]rune(rec.BodyPreview)); got != capture.BodyPreviewChars {
		t.Fatalf("preview length = %d; want %d", got, capture.BodyPreviewChars)
	}
}

func TestResponseStatusFiltering(t *testing.T) {
	reg := hook.NewRegistry()
	if err := reg.Register(&hook.Hook{
		Name:        "api",
		URLPatterns: []string{"https://api.example.com/*"},
		Rules:       hook.CaptureRules{Methods: []string{"GET"}, StatusCodes: []int{200}},
		Enabled:     true,
	}); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	h := startMux(t, reg, nil)
	h.sim.bodies["r404"] = "not found"

	h.sim.event("Network.responseReceived", "sess-x", responseEvent("r404", "https://api.example.com/v1/user", 404))
	h.sim.event("Network.loadingFinished", "sess-x", map[string]any{"requestId": "r404"})
	assertNoRecord(t, h.records, 150*time.Millisecond)
}

func TestBodyRPCTimeoutSkipsCapture(t *testing.T) {
	transport := newFakeTransport()
	sim := newBrowserSim(t, transport, nil)
	sim.mute["Network.getResponseBody"] = true

	records := make(chan capture.Record, 16)
	m := New("session1", apiHookRegistry(t), func(ctx context.Context) (Transport, error) { return transport, nil },
		func(rec capture.Record) { records <- rec })
	m.CallTimeout = 100 * time.Millisecond
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })

	sim.event("Network.responseReceived", "sess-x", responseEvent("r1", "https://api.example.com/slow", 200))
	sim.event("Network.loadingFinished", "sess-x", map[string]any{"requestId": "r1"})

	assertNoRecord(t, records, 400*time.Millisecond)
	if got := m.PendingResponses(); got != 0 {
		t.Fatalf("PendingResponses() after timeout = %d; want 0", got)
	}
}

func TestBodyRPCErrorRecordedOnRecord(t *testing.T) {
	h := startMux(t, apiHookRegistry(t), nil)
	// No body registered for r1: the sim answers with a protocol error.

	h.sim.event("Network.responseReceived", "sess-x", responseEvent("r1", "https://api.example.com/gone", 200))
	h.sim.event("Network.loadingFinished", "sess-x", map[string]any{"requestId": "r1"})

	rec := waitRecord(t, h.records)
	if rec.BodyError == "" {
		t.Fatalf("BodyError empty; want protocol error message")
	}
	if rec.Body != "" {
		t.Fatalf("Body = %q; want empty alongside BodyError", rec.Body)
	}
}

func TestDetachPurgesPendingState(t *testing.T) {
	h := startMux(t, apiHookRegistry(t), []fakeTargetInfo{
		{ID: "t1", Type: "service_worker", URL: "https://app.example.com/sw.js"},
	})
	h.sim.bodies["r1"] = "late"

	h.sim.event("Network.responseReceived", "sess-t1", responseEvent("r1", "https://api.example.com/v1/x", 200))
	h.sim.event("Target.detachedFromTarget", "", map[string]any{"sessionId": "sess-t1"})

	deadline := time.After(2 * time.Second)
	for h.m.PendingResponses() != 0 || h.m.TargetCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("pending=%d targets=%d after detach; want 0/0", h.m.PendingResponses(), h.m.TargetCount())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A loading event referencing the purged entry must be a no-op.
	h.sim.event("Network.loadingFinished", "sess-t1", map[string]any{"requestId": "r1"})
	assertNoRecord(t, h.records, 150*time.Millisecond)
}

func TestStopIdempotentAndLateEventsNoOp(t *testing.T) {
	h := startMux(t, apiHookRegistry(t), nil)

	if err := h.m.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if err := h.m.Stop(); err != nil {
		t.Fatalf("second Stop() = %v", err)
	}

	// Late events delivered after teardown must not repopulate state.
	raw, _ := json.Marshal(responseEvent("r1", "https://api.example.com/v1/x", 200))
	h.m.handleEvent("Network.responseReceived", "sess-old", raw)
	if got := h.m.PendingResponses(); got != 0 {
		t.Fatalf("PendingResponses() after late event = %d; want 0", got)
	}
}

func TestWebSocketCreatedNonPageOrigin(t *testing.T) {
	h := startMux(t, apiHookRegistry(t), nil)

	h.sim.event("Network.webSocketCreated", "sess-x", map[string]any{
		"requestId": "ws1",
		"url":       "wss://stream.example.com/feed",
		"initiator": map[string]string{"type": "other", "url": ""},
	})
	rec := waitRecord(t, h.records)
	if rec.Type != capture.TypeWebSocket {
		t.Fatalf("record type = %q; want websocket", rec.Type)
	}
	if rec.Source != capture.SourceServiceWorker {
		t.Fatalf("record source = %q; want service_worker", rec.Source)
	}

	// Page-origin sockets belong to the page monitor.
	h.sim.event("Network.webSocketCreated", "sess-x", map[string]any{
		"requestId": "ws2",
		"url":       "wss://stream.example.com/feed",
		"initiator": map[string]string{"type": "parser", "url": "https://app.example.com/"},
	})
	assertNoRecord(t, h.records, 150*time.Millisecond)
}

func TestDialFailureSurfacesError(t *testing.T) {
	m := New("session1", apiHookRegistry(t),
		func(ctx context.Context) (Transport, error) { return nil, fmt.Errorf("no browser endpoint") },
		func(capture.Record) {})
	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("Start() = nil; want connect error for degradation")
	}
}
