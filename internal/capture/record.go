// Package capture defines the records emitted by the monitoring pipeline.
package capture

import "time"

// Record types.
const (
	TypeRequest   = "request"
	TypeResponse  = "response"
	TypeWebSocket = "websocket"
	TypePage      = "page"
)

// Traffic origins. Origin classification is heuristic; treat it as
// best-effort metadata, not a trust boundary.
const (
	SourcePage          = "page"
	SourceExtension     = "extension"
	SourceServiceWorker = "service_worker"
	SourceScript        = "script"
	SourceGlobal        = "global"
)

// Record is one captured observation. Records are immutable once stored.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Source    string    `json:"source,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HookName  string    `json:"hook_name"`
	SessionID string    `json:"session_id"`

	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Request-only fields.
	PostData       string            `json:"post_data,omitempty"`
	ResourceType   string            `json:"resource_type,omitempty"`
	IsNavigation   bool              `json:"is_navigation,omitempty"`
	FrameURL       string            `json:"frame_url,omitempty"`
	Initiator      string            `json:"initiator,omitempty"`
	RequestMethod  string            `json:"request_method,omitempty"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`

	// Body fields: either Body verbatim, or the truncation triple.
	Body          string `json:"body,omitempty"`
	BodySize      int    `json:"body_size,omitempty"`
	BodyTruncated bool   `json:"body_truncated,omitempty"`
	BodyPreview   string `json:"body_preview,omitempty"`
	BodySHA256    string `json:"body_sha256,omitempty"`
	BodyError     string `json:"body_error,omitempty"`

	// Extra data returned by hook callbacks.
	Custom map[string]any `json:"custom,omitempty"`
}
