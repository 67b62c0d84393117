// Package rewrite applies domain substitutions to proxied traffic.
//
// Responses travelling back to a client have every target domain replaced
// with the domain the client used (public or local). WebSocket handshakes
// travelling to a backend have Host and Origin mapped back to the target.
// The direction is chosen from the kind of the incoming domain the request
// arrived on.
package rewrite

import (
	"portless-dev/portless/pkg/config"
	"portless-dev/portless/pkg/replace"
)

// Kind tells whether an incoming domain is public (tunnelled) or local.
type Kind string

const (
	Public Kind = "public"
	Local  Kind = "local"
)

// Pair holds one Replacer per incoming domain kind.
type Pair struct {
	Public *replace.Replacer
	Local  *replace.Replacer
}

func newPair() Pair {
	return Pair{Public: replace.New(), Local: replace.New()}
}

// For returns the replacer for kind, or nil for an unknown kind.
func (p Pair) For(kind Kind) *replace.Replacer {
	switch kind {
	case Public:
		return p.Public
	case Local:
		return p.Local
	}
	return nil
}

// Rules is the full set of replacers of one project.
type Rules struct {
	// Outbound maps target (and sibling alias) domains to the incoming domain.
	Outbound Pair
	// Cookie maps parent-level cookie domains of targets to incoming ones.
	Cookie Pair
	// Inbound maps incoming domains back to targets.
	Inbound Pair
}

// NewRules builds the replacers for every domain entry of a project. Each
// handler of the project shares them, so a response from one target can link
// to another target of the same project under its public or local name.
func NewRules(domains []config.DomainConfig) *Rules {
	rules := &Rules{
		Outbound: newPair(),
		Cookie:   newPair(),
		Inbound:  newPair(),
	}

	for _, d := range domains {
		special := ""
		if d.ID != "" {
			special = d.ID + ".portless"
		}

		if d.Public != "" {
			rules.Outbound.Public.Add(d.Target, d.Public)
			if d.Local != "" {
				rules.Outbound.Public.Add(d.Local, d.Public)
			}
			rules.Outbound.Public.Add(special, d.Public)
			rules.Inbound.Public.Add(d.Public, d.Target)
			rules.Cookie.Public.Add(replace.CookieDomain(d.Target), replace.CookieDomain(d.Public))
		}

		if d.Local != "" {
			rules.Outbound.Local.Add(d.Target, d.Local)
			rules.Outbound.Local.Add(special, d.Local)
			rules.Inbound.Local.Add(d.Local, d.Target)
			rules.Cookie.Local.Add(replace.CookieDomain(d.Target), replace.CookieDomain(d.Local))
		}
	}

	for _, p := range []Pair{rules.Outbound, rules.Cookie, rules.Inbound} {
		p.Public.Build()
		p.Local.Build()
	}

	return rules
}
