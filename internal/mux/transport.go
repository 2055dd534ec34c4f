// Package mux attaches to every execution context a debuggable browser spins
// up (pages, workers, service workers, extension pages) over one physical
// debug connection, and captures hook-matched network traffic from each.
package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport is one physical debug connection carrying text frames. The
// websocket implementation below talks to a real browser; tests substitute
// in-memory fakes.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens the browser-level debug connection. It may fail when the
// automation layer exposes no browser-level endpoint; callers degrade to
// page-only capture in that case.
type Dialer func(ctx context.Context) (Transport, error)

type wsTransport struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	return wsutil.ReadServerText(t.conn)
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return wsutil.WriteClientText(t.conn, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// HTTPDialer returns a Dialer that resolves the browser websocket endpoint
// from the debug HTTP server's /json/version and dials it.
func HTTPDialer(httpBase string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		wsURL, err := browserWSURL(ctx, httpBase)
		if err != nil {
			return nil, fmt.Errorf("mux: browser ws url: %w", err)
		}
		conn, _, _, err := ws.Dial(ctx, wsURL)
		if err != nil {
			return nil, fmt.Errorf("mux: dial %s: %w", wsURL, err)
		}
		return &wsTransport{conn: conn}, nil
	}
}

func browserWSURL(ctx context.Context, httpBase string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("/json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
