package watch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"portless-dev/portless/pkg/telemetry/logging"
)

func TestDebouncer(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	var a, b atomic.Int32
	for i := 0; i < 5; i++ {
		d.Trigger("a", func() { a.Add(1) })
		time.Sleep(5 * time.Millisecond)
	}
	d.Trigger("b", func() { b.Add(1) })
	d.Trigger("c", func() { t.Error("cancelled call ran") })
	d.Cancel("c")

	time.Sleep(300 * time.Millisecond)
	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("calls a=%d b=%d, want one each", a.Load(), b.Load())
	}

	d.Stop()
	d.Trigger("a", func() { a.Add(1) })
	time.Sleep(100 * time.Millisecond)
	if a.Load() != 1 {
		t.Error("trigger after Stop ran")
	}
}

type changes struct {
	mu    sync.Mutex
	files []string
	ch    chan string
}

func (c *changes) record(file string) {
	c.mu.Lock()
	c.files = append(c.files, file)
	c.mu.Unlock()
	c.ch <- file
}

func startWatcher(t *testing.T) (*Watcher, *changes) {
	t.Helper()
	c := &changes{ch: make(chan string, 16)}
	w, err := New(50*time.Millisecond, logging.Discard(), c.record)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, c
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "portless.yaml")
	other := filepath.Join(dir, "notes.yaml")
	for _, f := range []string{watched, other} {
		if err := os.WriteFile(f, []byte("project_name: a\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	w, c := startWatcher(t)
	if err := w.Add(watched); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(watched); err != nil {
		t.Errorf("second Add() error = %v", err)
	}

	// A burst of writes is reported once.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(watched, []byte("project_name: b\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(other, []byte("x: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-c.ch:
		if got != watched {
			t.Errorf("changed = %q, want %q", got, watched)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	time.Sleep(200 * time.Millisecond)
	c.mu.Lock()
	n := len(c.files)
	c.mu.Unlock()
	if n != 1 {
		t.Errorf("reported %d changes, want 1", n)
	}

	w.Remove(watched)
	if len(w.Files()) != 0 {
		t.Errorf("Files() = %v after Remove", w.Files())
	}
	if err := os.WriteFile(watched, []byte("project_name: c\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-c.ch:
		t.Errorf("removed file reported: %s", got)
	case <-time.After(200 * time.Millisecond):
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollow(t *testing.T) {
	tests := []struct {
		name string
		skip bool
		want string
	}{
		{"from start", false, "first\nsecond\n"},
		{"skip existing", true, "second\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "daemon.log")
			if err := os.WriteFile(path, []byte("first\n"), 0o644); err != nil {
				t.Fatal(err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			out := &syncBuffer{}
			done := make(chan error, 1)
			go func() { done <- Follow(ctx, path, out, tt.skip) }()

			// Give Follow time to install its watch.
			time.Sleep(100 * time.Millisecond)
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				t.Fatal(err)
			}
			_, _ = f.WriteString("second\n")
			f.Close()

			deadline := time.Now().Add(5 * time.Second)
			for !strings.HasSuffix(out.String(), "second\n") && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Follow() error = %v", err)
			}
			if out.String() != tt.want {
				t.Errorf("output = %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestFollow_MissingFile(t *testing.T) {
	err := Follow(context.Background(), filepath.Join(t.TempDir(), "nope.log"), &bytes.Buffer{}, false)
	if !os.IsNotExist(err) {
		t.Errorf("Follow() error = %v, want not exist", err)
	}
}
