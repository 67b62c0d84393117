// Package replace rewrites domain names inside text and header values.
//
// A Replacer holds a set of aliases (fromDomain -> ordered candidate targets)
// compiled into a single alternation pattern. The pattern optionally captures a
// leading http://, https://, ws:// or wss:// so the scheme can be recomputed for
// the security of the connection currently being served rather than copied from
// the original text.
//
//	r := replace.New()
//	r.Add("localhost:3000", "app.example.com")
//	fn := r.Func("app.example.com", true)
//	fn(`<a href="http://localhost:3000/x">`) // `<a href="https://app.example.com/x">`
package replace

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Replacer substitutes registered domains with their preferred alias.
// It is safe for concurrent use; Add after the pattern was built invalidates it.
type Replacer struct {
	mu      sync.RWMutex
	order   []string
	targets map[string][]string
	re      *regexp.Regexp
}

// New creates an empty Replacer. An empty Replacer is the identity function.
func New() *Replacer {
	return &Replacer{
		targets: make(map[string][]string),
	}
}

// Add registers one substitution. Repeated fromDomain entries accumulate
// candidate targets in insertion order.
func (r *Replacer) Add(fromDomain, toDomain string) {
	if fromDomain == "" || toDomain == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.targets[fromDomain]; !ok {
		r.order = append(r.order, fromDomain)
	}
	r.targets[fromDomain] = append(r.targets[fromDomain], toDomain)
	r.re = nil
}

// Len returns the number of distinct fromDomain entries.
func (r *Replacer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Candidates returns a copy of the candidate targets registered for fromDomain.
func (r *Replacer) Candidates(fromDomain string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.targets[fromDomain]...)
}

// Build compiles the match pattern. Calling it is optional: Func builds lazily.
func (r *Replacer) Build() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buildLocked()
}

func (r *Replacer) buildLocked() {
	if r.re != nil || len(r.order) == 0 {
		return
	}

	// Longest first so that "app.local" never shadows "app.localhost".
	alts := append([]string(nil), r.order...)
	sort.SliceStable(alts, func(i, j int) bool {
		return len(alts[i]) > len(alts[j])
	})
	for i, alt := range alts {
		alts[i] = regexp.QuoteMeta(alt)
	}

	r.re = regexp.MustCompile(`((http|ws)s?://)?(` + strings.Join(alts, "|") + `)`)
}

// compiled returns the pattern and a snapshot of the candidate map, building
// the pattern on first use.
func (r *Replacer) compiled() (*regexp.Regexp, map[string][]string) {
	r.mu.RLock()
	re := r.re
	empty := len(r.order) == 0
	r.mu.RUnlock()

	if empty {
		return nil, nil
	}

	if re == nil {
		r.mu.Lock()
		r.buildLocked()
		r.mu.Unlock()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make(map[string][]string, len(r.targets))
	for from, list := range r.targets {
		targets[from] = list
	}
	return r.re, targets
}

// Func returns a pure replace function for one request. host is the Host
// header of that request: when it appears among the candidates of a domain it
// is preferred over the other candidates. secure selects https/wss for a
// matched scheme prefix.
func (r *Replacer) Func(host string, secure bool) func(string) string {
	re, targets := r.compiled()
	if re == nil {
		return identity
	}

	preferred := make(map[string]string, len(targets))
	for from, list := range targets {
		preferred[from] = promote(list, host)[0]
	}

	return func(text string) string {
		return replaceAll(re, text, preferred, secure)
	}
}

func replaceAll(re *regexp.Regexp, text string, preferred map[string]string, secure bool) string {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var sb strings.Builder
	sb.Grow(len(text))

	last := 0
	for _, m := range matches {
		sb.WriteString(text[last:m[0]])

		// m[2:4] whole scheme, m[4:6] http|ws, m[6:8] domain.
		if m[2] >= 0 {
			sb.WriteString(text[m[4]:m[5]])
			if secure {
				sb.WriteByte('s')
			}
			sb.WriteString("://")
		}
		sb.WriteString(preferred[text[m[6]:m[7]]])
		last = m[1]
	}
	sb.WriteString(text[last:])

	return sb.String()
}

// promote moves host to the front of list when present. The input is not modified.
func promote(list []string, host string) []string {
	if host == "" {
		return list
	}
	for i, candidate := range list {
		if candidate != host {
			continue
		}
		if i == 0 {
			return list
		}
		out := make([]string, 0, len(list))
		out = append(out, host)
		out = append(out, list[:i]...)
		out = append(out, list[i+1:]...)
		return out
	}
	return list
}

func identity(text string) string {
	return text
}
