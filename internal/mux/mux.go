package mux

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/netlens/internal/capture"
	"github.com/dgnsrekt/netlens/internal/hook"
)

// respKey scopes a buffered response to its sub-target, so identical request
// ids from different targets never collide.
type respKey struct {
	targetSession string
	requestID     string
}

type pendingResponse struct {
	url            string
	status         int
	headers        map[string]string
	requestMethod  string
	requestHeaders map[string]string
	mimeType       string
}

type targetSession struct {
	targetID string
	kind     string
	url      string
}

// Multiplexer discovers and attaches to sub-targets over a single debug
// connection, demultiplexes their network events, and emits hook-matched
// capture records.
type Multiplexer struct {
	sessionID string
	registry  *hook.Registry
	emit      func(capture.Record)
	dial      Dialer

	// CallTimeout overrides the per-RPC budget; zero means DefaultCallTimeout.
	CallTimeout time.Duration

	rpc *rpcClient

	mu       sync.Mutex
	targets  map[string]targetSession // target session id -> info
	pending  map[respKey]*pendingResponse
	stopped  bool
	stopOnce sync.Once
}

func New(sessionID string, registry *hook.Registry, dial Dialer, emit func(capture.Record)) *Multiplexer {
	return &Multiplexer{
		sessionID: sessionID,
		registry:  registry,
		emit:      emit,
		dial:      dial,
		targets:   make(map[string]targetSession),
		pending:   make(map[respKey]*pendingResponse),
	}
}

// Start dials the browser-level connection, turns on target discovery and
// flat auto-attach, and proactively attaches to every existing target of
// interest. A dial failure is returned so the caller can degrade to
// page-only capture.
func (m *Multiplexer) Start(ctx context.Context) error {
	transport, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("mux: connect: %w", err)
	}
	m.rpc = newRPCClient(transport, m.CallTimeout, m.handleEvent)

	if _, err := m.rpc.call(ctx, "", "Target.setDiscoverTargets", map[string]any{"discover": true}); err != nil {
		m.rpc.close()
		return fmt.Errorf("mux: enable discovery: %w", err)
	}
	if _, err := m.rpc.call(ctx, "", "Target.setAutoAttach", map[string]any{
		"autoAttach":             true,
		"waitForDebuggerOnStart": false,
		"flatten":                true,
	}); err != nil {
		m.rpc.close()
		return fmt.Errorf("mux: enable auto-attach: %w", err)
	}

	// Auto-attach only covers targets created from here on; sweep up the
	// ones that already exist.
	raw, err := m.rpc.call(ctx, "", "Target.getTargets", nil)
	if err != nil {
		m.rpc.close()
		return fmt.Errorf("mux: enumerate targets: %w", err)
	}
	var targets struct {
		TargetInfos []struct {
			TargetID string `json:"targetId"`
			Type     string `json:"type"`
			URL      string `json:"url"`
			Attached bool   `json:"attached"`
		} `json:"targetInfos"`
	}
	if err := json.Unmarshal(raw, &targets); err != nil {
		m.rpc.close()
		return fmt.Errorf("mux: decode targets: %w", err)
	}

	attached := 0
	for _, t := range targets.TargetInfos {
		if !interestingTarget(t.Type) {
			continue
		}
		if err := m.attachTarget(ctx, t.TargetID, t.Type, t.URL); err != nil {
			slog.Debug("target attach failed", "target_id", t.TargetID, "type", t.Type, "error", err)
			continue
		}
		attached++
	}

	slog.Info("target multiplexer started", "session_id", m.sessionID, "targets", attached)
	return nil
}

// interestingTarget selects the execution contexts worth attaching to.
func interestingTarget(kind string) bool {
	switch kind {
	case "page", "worker", "shared_worker", "service_worker", "background_page", "webview":
		return true
	}
	return false
}

func (m *Multiplexer) attachTarget(ctx context.Context, targetID, kind, url string) error {
	raw, err := m.rpc.call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return err
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("mux: decode attach: %w", err)
	}

	m.registerTarget(resp.SessionID, targetSession{targetID: targetID, kind: kind, url: url})
	return m.enableNetwork(ctx, resp.SessionID, false)
}

func (m *Multiplexer) registerTarget(sessionID string, info targetSession) {
	m.mu.Lock()
	m.targets[sessionID] = info
	m.mu.Unlock()
	slog.Debug("attached sub-target", "target_session", sessionID, "type", info.kind, "url", info.url)
}

// enableNetwork turns on network events inside one sub-target. The command
// travels through the parent connection scoped by the sub-session id.
func (m *Multiplexer) enableNetwork(ctx context.Context, sessionID string, waiting bool) error {
	if _, err := m.rpc.call(ctx, sessionID, "Network.enable", nil); err != nil {
		return fmt.Errorf("mux: network enable: %w", err)
	}
	if waiting {
		if _, err := m.rpc.call(ctx, sessionID, "Runtime.runIfWaitingForDebugger", nil); err != nil {
			slog.Debug("runIfWaitingForDebugger failed", "target_session", sessionID, "error", err)
		}
	}
	return nil
}

// handleEvent runs on the read loop; anything that issues an RPC of its own
// is pushed onto a separate goroutine so replies can still be read.
func (m *Multiplexer) handleEvent(method, sessionID string, params json.RawMessage) {
	switch method {
	case "Target.attachedToTarget":
		m.onAttached(params)
	case "Target.detachedFromTarget":
		m.onDetached(params)
	case "Network.requestWillBeSent":
		m.onRequest(sessionID, params)
	case "Network.responseReceived":
		m.onResponse(sessionID, params)
	case "Network.loadingFinished":
		go m.onLoadingFinished(sessionID, params)
	case "Network.loadingFailed":
		m.onLoadingFailed(sessionID, params)
	case "Network.webSocketCreated":
		m.onWebSocketCreated(sessionID, params)
	}
}

func (m *Multiplexer) onAttached(params json.RawMessage) {
	var p struct {
		SessionID  string `json:"sessionId"`
		TargetInfo struct {
			TargetID string `json:"targetId"`
			Type     string `json:"type"`
			URL      string `json:"url"`
		} `json:"targetInfo"`
		WaitingForDebugger bool `json:"waitingForDebugger"`
	}
	if json.Unmarshal(params, &p) != nil || p.SessionID == "" {
		return
	}
	if !interestingTarget(p.TargetInfo.Type) {
		return
	}
	m.registerTarget(p.SessionID, targetSession{
		targetID: p.TargetInfo.TargetID,
		kind:     p.TargetInfo.Type,
		url:      p.TargetInfo.URL,
	})
	go func() {
		if err := m.enableNetwork(context.Background(), p.SessionID, p.WaitingForDebugger); err != nil {
			slog.Debug("network enable on attach failed", "target_session", p.SessionID, "error", err)
		}
	}()
}

// onDetached purges every pending entry scoped to the gone sub-target so the
// tables cannot grow without bound.
func (m *Multiplexer) onDetached(params json.RawMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if json.Unmarshal(params, &p) != nil || p.SessionID == "" {
		return
	}

	m.mu.Lock()
	delete(m.targets, p.SessionID)
	for key := range m.pending {
		if key.targetSession == p.SessionID {
			delete(m.pending, key)
		}
	}
	m.mu.Unlock()

	m.rpc.purgeSession(p.SessionID)
	slog.Debug("sub-target detached", "target_session", p.SessionID)
}

type initiatorInfo struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// classifySource guesses the origin context from the request initiator. The
// "other" initiator type is overloaded, so the result is best-effort.
func classifySource(init initiatorInfo) string {
	if strings.HasPrefix(init.URL, "chrome-extension://") || strings.HasPrefix(init.URL, "moz-extension://") {
		return capture.SourceExtension
	}
	switch init.Type {
	case "other":
		return capture.SourceServiceWorker
	case "script":
		return capture.SourceScript
	}
	return capture.SourcePage
}

func (m *Multiplexer) onRequest(sessionID string, params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		Request   struct {
			URL      string         `json:"url"`
			Method   string         `json:"method"`
			Headers  map[string]any `json:"headers"`
			PostData string         `json:"postData"`
		} `json:"request"`
		Type        string        `json:"type"`
		DocumentURL string        `json:"documentURL"`
		Initiator   initiatorInfo `json:"initiator"`
	}
	if json.Unmarshal(params, &p) != nil || p.Request.URL == "" {
		return
	}

	hooks := m.registry.FindMatching(p.Request.URL)
	if len(hooks) == 0 {
		return
	}

	headers := headerMap(p.Request.Headers)
	req := &hook.RequestInfo{
		URL:      p.Request.URL,
		Method:   p.Request.Method,
		Headers:  headers,
		PostData: p.Request.PostData,
	}
	source := classifySource(p.Initiator)

	for _, h := range hooks {
		if !h.Enabled || !m.registry.ShouldCaptureRequest(req, h) {
			continue
		}
		rec := capture.Record{
			Timestamp:    time.Now().UTC(),
			Type:         capture.TypeRequest,
			Source:       source,
			RequestID:    p.RequestID,
			HookName:     h.Name,
			SessionID:    m.sessionID,
			URL:          p.Request.URL,
			Method:       p.Request.Method,
			Headers:      headers,
			PostData:     p.Request.PostData,
			ResourceType: p.Type,
			FrameURL:     p.DocumentURL,
			Initiator:    p.Initiator.Type,
		}
		if h.OnRequest != nil {
			rec.Custom = h.OnRequest(req)
		}
		m.emit(rec)
	}
}

// onResponse buffers response metadata; the record is not emitted yet
// because the body is unavailable until loading finishes.
func (m *Multiplexer) onResponse(sessionID string, params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		Response  struct {
			URL            string         `json:"url"`
			Status         int            `json:"status"`
			Headers        map[string]any `json:"headers"`
			MimeType       string         `json:"mimeType"`
			RequestHeaders map[string]any `json:"requestHeaders"`
		} `json:"response"`
	}
	if json.Unmarshal(params, &p) != nil || p.Response.URL == "" {
		return
	}
	if len(m.registry.FindMatching(p.Response.URL)) == 0 {
		return
	}

	m.mu.Lock()
	if !m.stopped {
		m.pending[respKey{targetSession: sessionID, requestID: p.RequestID}] = &pendingResponse{
			url:            p.Response.URL,
			status:         p.Response.Status,
			headers:        headerMap(p.Response.Headers),
			requestHeaders: headerMap(p.Response.RequestHeaders),
			mimeType:       p.Response.MimeType,
		}
	}
	m.mu.Unlock()
}

func (m *Multiplexer) onLoadingFinished(sessionID string, params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if json.Unmarshal(params, &p) != nil {
		return
	}

	m.mu.Lock()
	key := respKey{targetSession: sessionID, requestID: p.RequestID}
	pend, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	res := &hook.ResponseInfo{URL: pend.url, Status: pend.status, Headers: pend.headers}
	var passing []*hook.Hook
	wantBody := false
	for _, h := range m.registry.FindMatching(pend.url) {
		if !h.Enabled || !m.registry.ShouldCaptureResponse(res, h) {
			continue
		}
		passing = append(passing, h)
		if h.Rules.WantsResponseBody() {
			wantBody = true
		}
	}
	if len(passing) == 0 {
		return
	}

	var body string
	var bodyErr error
	if wantBody {
		body, bodyErr = m.fetchResponseBody(sessionID, p.RequestID)
		if errors.Is(bodyErr, ErrCallTimeout) {
			// One skipped capture; nothing to retry.
			slog.Debug("response body fetch timed out", "request_id", p.RequestID, "url", pend.url)
			return
		}
	}
	res.Body = body

	for _, h := range passing {
		// Exact origin context cannot be reliably attributed at the
		// response stage.
		rec := capture.Record{
			Timestamp:      time.Now().UTC(),
			Type:           capture.TypeResponse,
			Source:         capture.SourceGlobal,
			RequestID:      p.RequestID,
			HookName:       h.Name,
			SessionID:      m.sessionID,
			URL:            pend.url,
			Status:         pend.status,
			Headers:        pend.headers,
			RequestHeaders: pend.requestHeaders,
		}
		if h.Rules.WantsResponseBody() {
			if bodyErr != nil {
				rec.BodyError = bodyErr.Error()
			} else {
				capture.SetBody(&rec, body)
			}
		}
		if h.OnResponse != nil {
			rec.Custom = h.OnResponse(res)
		}
		m.emit(rec)
	}
}

// fetchResponseBody issues the body RPC scoped to the owning sub-target.
func (m *Multiplexer) fetchResponseBody(sessionID, requestID string) (string, error) {
	raw, err := m.rpc.call(context.Background(), sessionID, "Network.getResponseBody", map[string]any{
		"requestId": requestID,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("mux: decode body: %w", err)
	}
	if resp.Base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			return "", fmt.Errorf("mux: decode base64 body: %w", err)
		}
		return string(decoded), nil
	}
	return resp.Body, nil
}

func (m *Multiplexer) onLoadingFailed(sessionID string, params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if json.Unmarshal(params, &p) != nil {
		return
	}
	m.mu.Lock()
	delete(m.pending, respKey{targetSession: sessionID, requestID: p.RequestID})
	m.mu.Unlock()
}

// onWebSocketCreated records websocket connections opened outside regular
// page context; page-origin sockets are left to the page monitor.
func (m *Multiplexer) onWebSocketCreated(sessionID string, params json.RawMessage) {
	var p struct {
		RequestID string        `json:"requestId"`
		URL       string        `json:"url"`
		Initiator initiatorInfo `json:"initiator"`
	}
	if json.Unmarshal(params, &p) != nil || p.URL == "" {
		return
	}

	source := classifySource(p.Initiator)
	if source == capture.SourcePage {
		return
	}

	for _, h := range m.registry.FindMatching(p.URL) {
		if !h.Enabled {
			continue
		}
		m.emit(capture.Record{
			Timestamp: time.Now().UTC(),
			Type:      capture.TypeWebSocket,
			Source:    source,
			RequestID: p.RequestID,
			HookName:  h.Name,
			SessionID: m.sessionID,
			URL:       p.URL,
			Initiator: p.Initiator.Type,
		})
	}
}

// TargetCount reports how many sub-targets are currently attached.
func (m *Multiplexer) TargetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets)
}

// PendingResponses reports buffered responses awaiting their body.
func (m *Multiplexer) PendingResponses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stop detaches the physical connection and drops all per-target state.
// Safe to call twice and while RPCs are outstanding; late events and replies
// after Stop are silent no-ops.
func (m *Multiplexer) Stop() error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.targets = make(map[string]targetSession)
		m.pending = make(map[respKey]*pendingResponse)
		m.mu.Unlock()

		if m.rpc != nil {
			m.rpc.close()
		}
		slog.Debug("target multiplexer stopped", "session_id", m.sessionID)
	})
	return nil
}

func headerMap(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
