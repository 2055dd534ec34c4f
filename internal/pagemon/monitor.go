// Package pagemon captures page-level request/response traffic for a
// monitored session. Worker and extension traffic is invisible at this
// layer; the target multiplexer covers those contexts.
package pagemon

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/netlens/internal/capture"
	"github.com/dgnsrekt/netlens/internal/hook"
)

const bodyFetchTimeout = 10 * time.Second

type pageHandle struct {
	id     target.ID
	url    string
	ctx    context.Context
	cancel context.CancelFunc
}

// pendingExchange pairs a response with the request record already emitted
// for the same underlying network exchange.
type pendingExchange struct {
	requestID   string // generated id shared by request and response records
	url         string
	method      string
	headers     map[string]string
	respURL     string
	status      int
	respHeaders map[string]string
	hasResponse bool
	created     time.Time
}

// Monitor attaches to every page in a debuggable browser, consults the hook
// registry for each request/response, and emits capture records. Pages
// created after Start are attached automatically.
type Monitor struct {
	sessionID string
	registry  *hook.Registry
	emit      func(capture.Record)
	cdpURL    string

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu      sync.Mutex
	pages   map[target.ID]*pageHandle
	pending map[network.RequestID]*pendingExchange
	stopped bool

	reqSeq   atomic.Int64
	done     chan struct{}
	stopOnce sync.Once
}

func New(sessionID, cdpURL string, registry *hook.Registry, emit func(capture.Record)) *Monitor {
	return &Monitor{
		sessionID: sessionID,
		registry:  registry,
		emit:      emit,
		cdpURL:    cdpURL,
		pages:     make(map[target.ID]*pageHandle),
		pending:   make(map[network.RequestID]*pendingExchange),
		done:      make(chan struct{}),
	}
}

// Start connects to the browser, attaches to existing pages, and subscribes
// to page creation so later pages are attached too.
func (m *Monitor) Start(ctx context.Context) error {
	_ = ctx
	m.allocCtx, m.allocCancel = chromedp.NewRemoteAllocator(context.Background(), m.cdpURL)
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx)

	if err := chromedp.Run(m.browserCtx); err != nil {
		m.browserCancel()
		m.allocCancel()
		return fmt.Errorf("pagemon: connect to browser: %w", err)
	}

	targets, err := chromedp.Targets(m.browserCtx)
	if err != nil {
		m.browserCancel()
		m.allocCancel()
		return fmt.Errorf("pagemon: enumerate targets: %w", err)
	}
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if err := m.attachPage(t.TargetID, t.URL); err != nil {
			slog.Warn("page attach failed", "target_id", t.TargetID, "url", t.URL, "error", err)
		}
	}

	chromedp.ListenBrowser(m.browserCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *target.EventTargetCreated:
			if e.TargetInfo.Type != "page" {
				return
			}
			go func() {
				if err := m.attachPage(e.TargetInfo.TargetID, e.TargetInfo.URL); err != nil {
					slog.Warn("new page attach failed", "target_id", e.TargetInfo.TargetID, "error", err)
				}
			}()
		case *target.EventTargetDestroyed:
			m.detachPage(e.TargetID)
		}
	})

	go m.cleanupLoop()

	slog.Info("page monitor started", "session_id", m.sessionID, "pages", m.PageCount())
	return nil
}

func (m *Monitor) attachPage(targetID target.ID, url string) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	if _, dup := m.pages[targetID]; dup {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(tabCtx, network.Enable(), page.Enable()); err != nil {
		tabCancel()
		return fmt.Errorf("pagemon: enable domains: %w", err)
	}

	m.mu.Lock()
	m.pages[targetID] = &pageHandle{id: targetID, url: url, ctx: tabCtx, cancel: tabCancel}
	m.mu.Unlock()

	chromedp.ListenTarget(tabCtx, m.pageEventHandler(tabCtx))

	slog.Info("attached to page", "target_id", targetID, "url", url)
	m.OnPageAttached(url, string(targetID))
	return nil
}

func (m *Monitor) detachPage(targetID target.ID) {
	m.mu.Lock()
	h, ok := m.pages[targetID]
	if ok {
		delete(m.pages, targetID)
	}
	m.mu.Unlock()
	if ok {
		h.cancel()
		slog.Debug("page detached", "target_id", targetID)
	}
}

func (m *Monitor) pageEventHandler(tabCtx context.Context) func(ev interface{}) {
	return func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			m.OnRequestWillBeSent(e)
		case *network.EventResponseReceived:
			m.OnResponseReceived(e)
		case *network.EventLoadingFinished:
			requestID := e.RequestID
			getBody := func() (string, error) {
				bodyCtx, cancel := context.WithTimeout(tabCtx, bodyFetchTimeout)
				defer cancel()
				var body []byte
				err := chromedp.Run(bodyCtx, chromedp.ActionFunc(func(ctx context.Context) error {
					var err error
					body, err = network.GetResponseBody(requestID).Do(ctx)
					return err
				}))
				return string(body), err
			}
			go m.OnLoadingFinished(e, getBody)
		case *network.EventLoadingFailed:
			m.OnLoadingFailed(e)
		case *page.EventFrameNavigated:
			if e.Frame.ParentID == "" {
				m.OnPageAttached(e.Frame.URL, string(e.Frame.ID))
			}
		}
	}
}

func (m *Monitor) newRequestID() string {
	return fmt.Sprintf("req_%d_%d", m.reqSeq.Add(1), time.Now().UnixMilli())
}

// OnRequestWillBeSent emits one request record per enabled hook that matches
// and passes the request rules, then stashes the generated request id so the
// later response can be paired with it.
func (m *Monitor) OnRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	hooks := m.registry.FindMatching(ev.Request.URL)
	if len(hooks) == 0 {
		return
	}

	headers := headerMap(ev.Request.Headers)
	req := &hook.RequestInfo{
		URL:      ev.Request.URL,
		Method:   ev.Request.Method,
		Headers:  headers,
		PostData: decodePostData(ev.Request),
	}

	captured := false
	for _, h := range hooks {
		if !h.Enabled || !m.registry.ShouldCaptureRequest(req, h) {
			continue
		}
		if !captured {
			captured = true
			m.stashRequest(ev, req)
		}
		rec := capture.Record{
			Timestamp:    time.Now().UTC(),
			Type:         capture.TypeRequest,
			Source:       capture.SourcePage,
			RequestID:    m.stashedID(ev.RequestID),
			HookName:     h.Name,
			SessionID:    m.sessionID,
			URL:          ev.Request.URL,
			Method:       ev.Request.Method,
			Headers:      headers,
			PostData:     req.PostData,
			ResourceType: string(ev.Type),
			IsNavigation: ev.Type == network.ResourceTypeDocument,
			FrameURL:     ev.DocumentURL,
		}
		if h.OnRequest != nil {
			rec.Custom = h.OnRequest(req)
		}
		m.emit(rec)
	}
}

func (m *Monitor) stashRequest(ev *network.EventRequestWillBeSent, req *hook.RequestInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if _, dup := m.pending[ev.RequestID]; dup {
		return
	}
	m.pending[ev.RequestID] = &pendingExchange{
		requestID: m.newRequestID(),
		url:       req.URL,
		method:    req.Method,
		headers:   req.Headers,
		created:   time.Now(),
	}
}

func (m *Monitor) stashedID(id network.RequestID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[id]; ok {
		return p.requestID
	}
	return ""
}

// OnResponseReceived buffers response metadata against the stashed request;
// the record is emitted once the body is readable at loadingFinished.
func (m *Monitor) OnResponseReceived(ev *network.EventResponseReceived) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[ev.RequestID]
	if !ok {
		return
	}
	p.respURL = ev.Response.URL
	p.status = int(ev.Response.Status)
	p.respHeaders = headerMap(ev.Response.Headers)
	p.hasResponse = true
}

// OnLoadingFinished pairs the buffered response with its request, reads the
// body best-effort, and emits one response record per passing hook.
func (m *Monitor) OnLoadingFinished(ev *network.EventLoadingFinished, getBody func() (string, error)) {
	m.mu.Lock()
	p, ok := m.pending[ev.RequestID]
	if ok {
		delete(m.pending, ev.RequestID)
	}
	m.mu.Unlock()
	if !ok || !p.hasResponse {
		return
	}

	res := &hook.ResponseInfo{URL: p.respURL, Status: p.status, Headers: p.respHeaders}
	var passing []*hook.Hook
	wantBody := false
	for _, h := range m.registry.FindMatching(p.respURL) {
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
	if wantBody && getBody != nil {
		body, bodyErr = getBody()
		if bodyErr != nil {
			slog.Debug("response body read failed", "request_id", p.requestID, "url", p.respURL, "error", bodyErr)
		}
	}
	res.Body = body

	for _, h := range passing {
		rec := capture.Record{
			Timestamp:      time.Now().UTC(),
			Type:           capture.TypeResponse,
			Source:         capture.SourcePage,
			RequestID:      p.requestID,
			HookName:       h.Name,
			SessionID:      m.sessionID,
			URL:            p.respURL,
			Status:         p.status,
			Headers:        p.respHeaders,
			RequestMethod:  p.method,
			RequestHeaders: p.headers,
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

func (m *Monitor) OnLoadingFailed(ev *network.EventLoadingFailed) {
	m.mu.Lock()
	delete(m.pending, ev.RequestID)
	m.mu.Unlock()
}

// OnPageAttached emits page records for hooks that match the page URL and
// carry an OnPage callback.
func (m *Monitor) OnPageAttached(url, targetID string) {
	for _, h := range m.registry.FindMatching(url) {
		if !h.Enabled || h.OnPage == nil {
			continue
		}
		rec := capture.Record{
			Timestamp: time.Now().UTC(),
			Type:      capture.TypePage,
			Source:    capture.SourcePage,
			HookName:  h.Name,
			SessionID: m.sessionID,
			URL:       url,
		}
		rec.Custom = h.OnPage(&hook.PageInfo{URL: url, TargetID: targetID})
		m.emit(rec)
	}
}

// cleanupLoop drops exchanges whose response never arrived, so the pending
// table cannot grow forever on aborted loads.
func (m *Monitor) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			threshold := time.Now().Add(-5 * time.Minute)
			m.mu.Lock()
			for id, p := range m.pending {
				if p.created.Before(threshold) {
					delete(m.pending, id)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

// PageCount reports how many pages are attached.
func (m *Monitor) PageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// PendingCount reports in-flight exchanges awaiting a response.
func (m *Monitor) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stop detaches every page listener and drops in-flight state. Idempotent;
// events arriving after Stop are ignored.
func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		m.stopped = true
		handles := make([]*pageHandle, 0, len(m.pages))
		for _, h := range m.pages {
			handles = append(handles, h)
		}
		m.pages = make(map[target.ID]*pageHandle)
		m.pending = make(map[network.RequestID]*pendingExchange)
		m.mu.Unlock()

		for _, h := range handles {
			h.cancel()
		}
		if m.browserCancel != nil {
			m.browserCancel()
		}
		if m.allocCancel != nil {
			m.allocCancel()
		}
		slog.Debug("page monitor stopped", "session_id", m.sessionID)
	})
	return nil
}

func decodePostData(req *network.Request) string {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return ""
	}
	var decoded []byte
	for _, entry := range req.PostDataEntries {
		if entry.Bytes == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			decoded = append(decoded, []byte(entry.Bytes)...)
		} else {
			decoded = append(decoded, raw...)
		}
	}
	return string(decoded)
}

func headerMap(headers map[string]any) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
