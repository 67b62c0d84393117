package replace

import (
	"sync"
	"testing"
)

func TestReplacer_Func(t *testing.T) {
	tests := []struct {
		name   string
		rules  [][2]string
		host   string
		secure bool
		input  string
		want   string
	}{
		{
			name:   "secure context upgrades scheme",
			rules:  [][2]string{{"app.local", "app.example.com"}},
			secure: true,
			input:  "https://app.local/x",
			want:   "https://app.example.com/x",
		},
		{
			name:   "insecure context downgrades scheme",
			rules:  [][2]string{{"app.example.com", "app.local"}},
			secure: false,
			input:  "see https://app.example.com/docs",
			want:   "see http://app.local/docs",
		},
		{
			name:   "websocket scheme keeps its family",
			rules:  [][2]string{{"localhost:3000", "app.example.com"}},
			secure: true,
			input:  `new WebSocket("ws://localhost:3000/socket")`,
			want:   `new WebSocket("wss://app.example.com/socket")`,
		},
		{
			name:  "bare domain without scheme",
			rules: [][2]string{{"localhost:3000", "app.local"}},
			input: `{"host":"localhost:3000"}`,
			want:  `{"host":"app.local"}`,
		},
		{
			name: "multiple domains in one text",
			rules: [][2]string{
				{"localhost:3000", "app.local"},
				{"localhost:4000", "api.local"},
			},
			input: "http://localhost:3000 -> http://localhost:4000/graphql",
			want:  "http://app.local -> http://api.local/graphql",
		},
		{
			name: "longer alias wins over its prefix",
			rules: [][2]string{
				{"app.local", "a.example.com"},
				{"app.localhost", "b.example.com"},
			},
			input: "app.localhost app.local",
			want:  "b.example.com a.example.com",
		},
		{
			name:  "regex metacharacters are literal",
			rules: [][2]string{{"a.b", "c.d"}},
			input: "axb a.b",
			want:  "axb c.d",
		},
		{
			name:  "matching is case sensitive",
			rules: [][2]string{{"app.local", "app.example.com"}},
			input: "APP.LOCAL app.local",
			want:  "APP.LOCAL app.example.com",
		},
		{
			name:  "text without aliases is untouched",
			rules: [][2]string{{"app.local", "app.example.com"}},
			input: "nothing to see here",
			want:  "nothing to see here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			for _, rule := range tt.rules {
				r.Add(rule[0], rule[1])
			}

			got := r.Func(tt.host, tt.secure)(tt.input)
			if got != tt.want {
				t.Errorf("Func()(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestReplacer_HostPriority(t *testing.T) {
	r := New()
	r.Add("app.example.com", "id123.portless")
	r.Add("app.example.com", "app.local")

	t.Run("current host is promoted", func(t *testing.T) {
		got := r.Func("app.local", false)("http://app.example.com/page")
		if got != "http://app.local/page" {
			t.Errorf("got %q, want http://app.local/page", got)
		}
	})

	t.Run("first candidate without matching host", func(t *testing.T) {
		got := r.Func("other.local", false)("app.example.com")
		if got != "id123.portless" {
			t.Errorf("got %q, want id123.portless", got)
		}
	})

	t.Run("promotion does not leak into the rule set", func(t *testing.T) {
		_ = r.Func("app.local", false)
		candidates := r.Candidates("app.example.com")
		if len(candidates) != 2 || candidates[0] != "id123.portless" {
			t.Errorf("candidates mutated: %v", candidates)
		}
	})
}

func TestReplacer_Empty(t *testing.T) {
	r := New()
	r.Build()

	input := "http://anything.local/ and more"
	if got := r.Func("anything.local", true)(input); got != input {
		t.Errorf("empty replacer changed text: %q", got)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestReplacer_RoundTrip(t *testing.T) {
	forward := New()
	forward.Add("app.local", "app.example.com")
	backward := New()
	backward.Add("app.example.com", "app.local")

	original := "https://app.local/x"
	there := forward.Func("", true)(original)
	if there != "https://app.example.com/x" {
		t.Fatalf("forward = %q", there)
	}
	back := backward.Func("", true)(there)
	if back != original {
		t.Fatalf("backward = %q, want %q", back, original)
	}

	plain := "no aliases at all"
	if got := backward.Func("", true)(forward.Func("", true)(plain)); got != plain {
		t.Errorf("composition changed alias-free text: %q", got)
	}
}

func TestReplacer_AddAfterBuild(t *testing.T) {
	r := New()
	r.Add("a.local", "a.example.com")
	r.Build()
	r.Add("b.local", "b.example.com")

	got := r.Func("", false)("a.local b.local")
	if got != "a.example.com b.example.com" {
		t.Errorf("got %q", got)
	}
}

func TestReplacer_ConcurrentFunc(t *testing.T) {
	r := New()
	r.Add("app.local", "app.example.com")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := r.Func("", true)("app.local"); got != "app.example.com" {
				t.Errorf("got %q", got)
			}
		}()
	}
	wg.Wait()
}

func TestParentDomain(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"app.example.com", "example.com"},
		{"https://app.example.com:8443/path", "example.com"},
		{"example.com", "com"},
		{"app.local", "local"},
		{"localhost:3000", "localhost"},
		{"localhost", "localhost"},
		{"127.0.0.1:3000", "127.0.0.1"},
		{"a.b.c.d.example.org", "b.c.d.example.org"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParentDomain(tt.input); got != tt.want {
				t.Errorf("ParentDomain(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	if got := CookieDomain("app.example.com"); got != ".example.com" {
		t.Errorf("CookieDomain() = %q", got)
	}
}

func BenchmarkReplacer_Func(b *testing.B) {
	r := New()
	r.Add("localhost:3000", "app.example.com")
	r.Add("localhost:4000", "api.example.com")
	body := `<html><a href="http://localhost:3000/a">a</a><script src="http://localhost:4000/b.js"></script></html>`

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = r.Func("app.example.com", true)(body)
	}
}
