package cli

import (
	"errors"
	"testing"
)

func TestConfigError(t *testing.T) {
	tests := []struct {
		name string
		err  *ConfigError
		want string
	}{
		{"with field", NewConfigError("daemon.port", "must be between 1 and 65534"), "config error in daemon.port: must be between 1 and 65534"},
		{"without field", NewConfigError("", "failed to load"), "config error: failed to load"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := NewCommandError("add", underlying)

	if err.Error() != "command add failed: underlying error" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is() should see the wrapped error")
	}
}

func TestAPIError(t *testing.T) {
	var err error = NewCommandError("remove", &APIError{Status: 404, Message: "App not found"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 404 {
		t.Fatalf("errors.As() did not find the APIError in %v", err)
	}
	if apiErr.Error() != "daemon returned 404: App not found" {
		t.Errorf("Error() = %q", apiErr.Error())
	}
}
