package hook

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Registry indexes hooks by URL pattern and answers capture decisions.
// Each pattern maps to exactly one hook; registering a second hook with an
// already-indexed pattern overwrites the first mapping.
type Registry struct {
	mu       sync.RWMutex
	hooks    map[string]*Hook
	patterns map[string]string // literal/wildcard pattern -> hook name
	regexps  map[string]regexEntry

	cmu      sync.Mutex
	compiled map[string]*regexp.Regexp // wildcard pattern -> compiled form
}

type regexEntry struct {
	re       *regexp.Regexp
	hookName string
}

func NewRegistry() *Registry {
	return &Registry{
		hooks:    make(map[string]*Hook),
		patterns: make(map[string]string),
		regexps:  make(map[string]regexEntry),
		compiled: make(map[string]*regexp.Regexp),
	}
}

// Register validates and indexes a hook. Invalid configs are logged and
// rejected; registration of the remaining hooks continues at the caller.
func (r *Registry) Register(h *Hook) error {
	if h == nil || h.Name == "" {
		slog.Warn("skipping hook with no name")
		return fmt.Errorf("hook: missing name")
	}
	if len(h.URLPatterns) == 0 && len(h.URLRegexps) == 0 {
		slog.Warn("skipping hook with no url patterns", "hook", h.Name)
		return fmt.Errorf("hook %s: no url patterns", h.Name)
	}

	compiled := make(map[string]*regexp.Regexp, len(h.URLRegexps))
	for _, expr := range h.URLRegexps {
		re, err := regexp.Compile(expr)
		if err != nil {
			slog.Warn("skipping hook with bad url regexp", "hook", h.Name, "regexp", expr, "error", err)
			return fmt.Errorf("hook %s: compile %q: %w", h.Name, expr, err)
		}
		compiled[expr] = re
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks[h.Name] = h
	for _, p := range h.URLPatterns {
		r.patterns[p] = h.Name
	}
	for expr, re := range compiled {
		r.regexps[expr] = regexEntry{re: re, hookName: h.Name}
	}

	slog.Info("registered hook",
		"hook", h.Name,
		"patterns", len(h.URLPatterns),
		"regexps", len(h.URLRegexps),
		"enabled", h.Enabled)
	return nil
}

// Unregister removes a hook and every pattern still pointing at it.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.hooks, name)
	for p, owner := range r.patterns {
		if owner == name {
			delete(r.patterns, p)
		}
	}
	for expr, entry := range r.regexps {
		if entry.hookName == name {
			delete(r.regexps, expr)
		}
	}
}

// FindMatching returns every hook with at least one pattern matching url.
// A hook appears at most once even when several of its patterns match.
func (r *Registry) FindMatching(url string) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*Hook
	add := func(name string) {
		if _, dup := seen[name]; dup {
			return
		}
		if h, ok := r.hooks[name]; ok {
			seen[name] = struct{}{}
			out = append(out, h)
		}
	}

	for p, name := range r.patterns {
		if r.matchPattern(p, url) {
			add(name)
		}
	}
	for _, entry := range r.regexps {
		if entry.re.MatchString(url) {
			add(entry.hookName)
		}
	}
	return out
}

// MatchPattern reports whether a single pattern matches url. Patterns without
// a wildcard match exactly or as a prefix; patterns containing `*` are
// compiled to an anchored regexp with literals escaped.
func (r *Registry) MatchPattern(pattern, url string) bool {
	return r.matchPattern(pattern, url)
}

func (r *Registry) matchPattern(pattern, url string) bool {
	if !strings.Contains(pattern, "*") {
		return url == pattern || strings.HasPrefix(url, pattern)
	}

	r.cmu.Lock()
	re, ok := r.compiled[pattern]
	if !ok {
		var err error
		re, err = compileWildcard(pattern)
		if err != nil {
			r.cmu.Unlock()
			slog.Debug("wildcard pattern failed to compile", "pattern", pattern, "error", err)
			return false
		}
		r.compiled[pattern] = re
	}
	r.cmu.Unlock()

	return re.MatchString(url)
}

func compileWildcard(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	expr := "^" + strings.ReplaceAll(escaped, `\*`, ".*") + "$"
	return regexp.Compile(expr)
}

// ShouldCaptureRequest applies a hook's request-side rules.
func (r *Registry) ShouldCaptureRequest(req *RequestInfo, h *Hook) bool {
	rules := &h.Rules
	if len(rules.Methods) > 0 && !containsFold(rules.Methods, req.Method) {
		return false
	}
	if len(rules.RequestURLPatterns) > 0 && !r.anyPatternMatches(rules.RequestURLPatterns, req.URL) {
		return false
	}
	return headersMatch(req.Headers, rules.RequestHeaders)
}

// ShouldCaptureResponse applies a hook's response-side rules. An empty status
// whitelist admits every status.
func (r *Registry) ShouldCaptureResponse(res *ResponseInfo, h *Hook) bool {
	rules := &h.Rules
	if !rules.WantsResponses() {
		return false
	}
	if len(rules.StatusCodes) > 0 {
		found := false
		for _, s := range rules.StatusCodes {
			if s == res.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(rules.ResponseURLPatterns) > 0 && !r.anyPatternMatches(rules.ResponseURLPatterns, res.URL) {
		return false
	}
	return headersMatch(res.Headers, rules.ResponseHeaders)
}

func (r *Registry) anyPatternMatches(patterns []string, url string) bool {
	for _, p := range patterns {
		if r.matchPattern(p, url) {
			return true
		}
	}
	return false
}

// headersMatch requires each rule header to be present (case-insensitive
// name) with the rule value as a substring of the observed value.
func headersMatch(headers map[string]string, rules map[string]string) bool {
	for name, want := range rules {
		got, ok := lookupHeader(headers, name)
		if !ok || !strings.Contains(strings.ToLower(got), strings.ToLower(want)) {
			return false
		}
	}
	return true
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// HookCount returns the number of registered hooks.
func (r *Registry) HookCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

// PatternCount returns the number of indexed patterns, regexps included.
func (r *Registry) PatternCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.patterns) + len(r.regexps)
}

// Summaries lists registered hooks sorted by name.
func (r *Registry) Summaries() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, Summary{
			Name:         h.Name,
			URLPatterns:  h.URLPatterns,
			URLRegexps:   h.URLRegexps,
			Enabled:      h.Enabled,
			HasCallbacks: h.OnRequest != nil || h.OnResponse != nil || h.OnPage != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
