package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"portless-dev/portless/pkg/app"
	"portless-dev/portless/pkg/daemon"
	"portless-dev/portless/pkg/proxy"

	"github.com/cenkalti/backoff/v5"
)

// Client calls the control API of a running daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the daemon listening on port.
func NewClient(port int) *Client {
	return &Client{
		baseURL: "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// ClientFromHome returns a client for the port announced in home.
func ClientFromHome(home string) (*Client, error) {
	pf, err := daemon.ReadPortFile(home)
	if err != nil {
		return nil, err
	}
	if pf.Port == 0 {
		return nil, ErrDaemonNotRunning
	}
	return NewClient(pf.Port), nil
}

// WaitForPort polls the port file in home until the daemon marks
// requestVersion live, and returns the announced port.
func WaitForPort(ctx context.Context, home, requestVersion string, timeout time.Duration) (int, error) {
	port, err := backoff.Retry(ctx, func() (int, error) {
		pf, err := daemon.ReadPortFile(home)
		if err != nil {
			return 0, err
		}
		if pf.LiveVersion != requestVersion || pf.Port == 0 {
			return 0, errors.New("daemon has not announced its port yet")
		}
		return pf.Port, nil
	},
		backoff.WithBackOff(pollBackOff()),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		return 0, fmt.Errorf("daemon did not start within %s: %w", timeout, err)
	}
	return port, nil
}

func pollBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.Reset()
	return b
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type cwdBody struct {
	Cwd string `json:"cwd"`
}

// Status checks that the daemon is live.
func (c *Client) Status(ctx context.Context) error {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/.well-known/status", nil, &status, false); err != nil {
		return err
	}
	if status.Status != "live" {
		return fmt.Errorf("daemon status is %q", status.Status)
	}
	return nil
}

// Apps lists the apps of the daemon.
func (c *Client) Apps(ctx context.Context) ([]app.Info, error) {
	var apps []app.Info
	err := c.do(ctx, http.MethodGet, "/api/apps", nil, &apps, true)
	return apps, err
}

// Routes lists the domain bindings of the daemon.
func (c *Client) Routes(ctx context.Context) ([]proxy.Route, error) {
	var routes []proxy.Route
	err := c.do(ctx, http.MethodGet, "/api/routes", nil, &routes, true)
	return routes, err
}

// Add starts the project found from cwd.
func (c *Client) Add(ctx context.Context, cwd string) (app.Info, error) {
	var info app.Info
	err := c.do(ctx, http.MethodPost, "/api/apps", cwdBody{Cwd: cwd}, &info, true)
	return info, err
}

// Remove stops the app of cwd.
func (c *Client) Remove(ctx context.Context, cwd string) error {
	return c.do(ctx, http.MethodDelete, "/api/apps", cwdBody{Cwd: cwd}, nil, true)
}

// Restart reloads the configuration of the app of cwd.
func (c *Client) Restart(ctx context.Context, cwd string) error {
	return c.do(ctx, http.MethodPost, "/api/apps/restart", cwdBody{Cwd: cwd}, nil, true)
}

// Stop stops every app and shuts the daemon down.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/stop", nil, nil, true)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, wrapped bool) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
		}
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	if !wrapped {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return json.Unmarshal(data, out)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: "unexpected response from daemon"}
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode daemon response: %w", err)
		}
	}
	return nil
}
