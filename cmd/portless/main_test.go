package main

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"portless-dev/portless/pkg/app"
	"portless-dev/portless/pkg/daemon"
)

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "start", "stop", "add", "remove", "refresh", "list", "logs", "version"}
	for _, name := range want {
		t.Run(name, func(t *testing.T) {
			cmd, _, err := rootCmd.Find([]string{name})
			if err != nil || cmd.Name() != name {
				t.Errorf("command %q not registered", name)
			}
			if cmd.Short == "" {
				t.Errorf("command %q has no short description", name)
			}
		})
	}

	for _, name := range []string{"add", "remove", "refresh"} {
		cmd, _, _ := rootCmd.Find([]string{name})
		if cmd.Flags().Lookup("cwd") == nil {
			t.Errorf("%s lacks --cwd", name)
		}
	}
}

func TestResolveCwd(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		flag string
		want string
	}{
		{"", wd},
		{"sub/dir", filepath.Join(wd, "sub", "dir")},
		{"/abs/project", filepath.Clean("/abs/project")},
	}
	for _, tt := range tests {
		got, err := resolveCwd(tt.flag)
		if err != nil || got != tt.want {
			t.Errorf("resolveCwd(%q) = %q, %v, want %q", tt.flag, got, err, tt.want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	orig := Version
	Version = "0.1.0-test"
	defer func() { Version = orig }()

	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	defer versionCmd.SetOut(nil)
	versionCmd.Run(versionCmd, nil)

	if !strings.HasPrefix(buf.String(), "portless 0.1.0-test\n") {
		t.Errorf("output = %q", buf.String())
	}
	for _, want := range []string{"Git Commit:", "Go Version:", "OS/Arch:"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output lacks %q", want)
		}
	}
}

func TestListCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/apps" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    []app.Info{{Cwd: "/src/shop", ProjectName: "shop", State: app.StateRunning}},
		})
	}))
	defer srv.Close()

	home := t.TempDir()
	t.Setenv("PORTLESS_HOME", home)
	port := srv.Listener.Addr().(*net.TCPAddr).Port
	if err := daemon.WritePortFile(home, daemon.PortFile{Port: port}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		output string
		want   string
	}{
		{"text", "shop"},
		{"json", `"project_name": "shop"`},
	}
	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			var buf bytes.Buffer
			rootCmd.SetOut(&buf)
			rootCmd.SetArgs([]string{"list", "--output", tt.output})
			defer rootCmd.SetOut(nil)

			if err := rootCmd.Execute(); err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(buf.String(), tt.want) || !strings.Contains(buf.String(), "running") {
				t.Errorf("output = %q", buf.String())
			}
		})
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	t.Setenv("PORTLESS_HOME", t.TempDir())

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"stop"})
	defer rootCmd.SetOut(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Daemon is not running") {
		t.Errorf("output = %q", buf.String())
	}
}
