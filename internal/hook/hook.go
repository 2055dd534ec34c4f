// Package hook holds the hook model and the pattern-matching registry that
// decides which traffic gets captured.
package hook

// RequestInfo is the view of a request handed to capture rules and callbacks.
type RequestInfo struct {
	URL      string
	Method   string
	Headers  map[string]string
	PostData string
}

// ResponseInfo is the view of a response handed to capture rules and callbacks.
type ResponseInfo struct {
	URL     string
	Status  int
	Headers map[string]string
	Body    string
}

// PageInfo describes a page a monitored session attached to.
type PageInfo struct {
	URL      string
	TargetID string
}

// CaptureRules narrows which matched traffic is recorded. Zero-value rules
// capture everything for a matched URL.
type CaptureRules struct {
	Methods             []string          `yaml:"methods" json:"methods,omitempty"`
	StatusCodes         []int             `yaml:"status_codes" json:"status_codes,omitempty"`
	RequestURLPatterns  []string          `yaml:"request_url_patterns" json:"request_url_patterns,omitempty"`
	ResponseURLPatterns []string          `yaml:"response_url_patterns" json:"response_url_patterns,omitempty"`
	RequestHeaders      map[string]string `yaml:"request_headers" json:"request_headers,omitempty"`
	ResponseHeaders     map[string]string `yaml:"response_headers" json:"response_headers,omitempty"`

	// CaptureResponseBody defaults to true when nil.
	CaptureResponseBody *bool `yaml:"capture_response_body" json:"capture_response_body,omitempty"`
	// CaptureResponses defaults to true when nil; false disables response
	// records for the hook entirely.
	CaptureResponses *bool `yaml:"capture_responses" json:"capture_responses,omitempty"`
}

// WantsResponseBody reports whether response bodies should be fetched.
func (r *CaptureRules) WantsResponseBody() bool {
	return r.CaptureResponseBody == nil || *r.CaptureResponseBody
}

// WantsResponses reports whether response records are enabled at all.
func (r *CaptureRules) WantsResponses() bool {
	return r.CaptureResponses == nil || *r.CaptureResponses
}

// Hook is a named URL-pattern + rule set describing what traffic to capture.
// The three callbacks are optional capabilities; hooks loaded from definition
// files have none, hooks registered from code may attach them to enrich
// records with extra data.
type Hook struct {
	Name        string       `yaml:"name" json:"name"`
	URLPatterns []string     `yaml:"url_patterns" json:"url_patterns"`
	URLRegexps  []string     `yaml:"url_regexps" json:"url_regexps,omitempty"`
	Rules       CaptureRules `yaml:"capture_rules" json:"capture_rules"`
	Enabled     bool         `yaml:"enabled" json:"enabled"`

	OnRequest  func(*RequestInfo) map[string]any  `yaml:"-" json:"-"`
	OnResponse func(*ResponseInfo) map[string]any `yaml:"-" json:"-"`
	OnPage     func(*PageInfo) map[string]any     `yaml:"-" json:"-"`
}

// Summary is the read-only view of a registered hook exposed over the API.
type Summary struct {
	Name         string   `json:"name"`
	URLPatterns  []string `json:"url_patterns"`
	URLRegexps   []string `json:"url_regexps,omitempty"`
	Enabled      bool     `json:"enabled"`
	HasCallbacks bool     `json:"has_callbacks"`
}
