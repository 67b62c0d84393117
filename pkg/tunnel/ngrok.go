package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// tunnelPrefix marks tunnels created by portless in the agent.
const tunnelPrefix = "portless-"

// NgrokOptions configures the ngrok agent provider.
type NgrokOptions struct {
	// APIURL is the agent's local API, e.g. http://127.0.0.1:4040.
	APIURL string

	// Binary is started with "start --none" when the API is unreachable.
	// Empty disables spawning.
	Binary string

	AuthToken string
	Region    string

	// StartTimeout bounds waiting for a spawned agent.
	// Default: 15s
	StartTimeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Ngrok opens tunnels through the local API of an ngrok agent.
type Ngrok struct {
	opts   NgrokOptions
	client *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	names map[string][]string
	cmd   *exec.Cmd
}

// NewNgrok creates a provider for the agent at opts.APIURL.
func NewNgrok(opts NgrokOptions) *Ngrok {
	if opts.StartTimeout == 0 {
		opts.StartTimeout = 15 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ngrok{
		opts:   opts,
		client: client,
		logger: logger,
		names:  make(map[string][]string),
	}
}

type ngrokTunnelRequest struct {
	Name     string `json:"name"`
	Proto    string `json:"proto"`
	Addr     string `json:"addr"`
	Hostname string `json:"hostname,omitempty"`
	BindTLS  string `json:"bind_tls,omitempty"`
	Crt      string `json:"crt,omitempty"`
	Key      string `json:"key,omitempty"`
}

type ngrokTunnel struct {
	Name      string `json:"name"`
	PublicURL string `json:"public_url"`
	Proto     string `json:"proto"`
}

type ngrokTunnelList struct {
	Tunnels []ngrokTunnel `json:"tunnels"`
}

type ngrokError struct {
	Msg     string `json:"msg"`
	Details struct {
		Err string `json:"err"`
	} `json:"details"`
}

// Connect opens a tunnel and returns its public URL.
func (n *Ngrok) Connect(ctx context.Context, opts ConnectOptions) (string, error) {
	if err := n.ensureAgent(ctx, opts); err != nil {
		return "", err
	}

	req := ngrokTunnelRequest{
		Name:     tunnelPrefix + uuid.NewString()[:8],
		Proto:    string(opts.Protocol),
		Addr:     opts.LocalAddress,
		Hostname: opts.PublicHostname,
	}
	names := []string{req.Name}
	switch opts.Protocol {
	case ProtocolTLS:
		req.Crt = opts.CertFile
		req.Key = opts.KeyFile
	case ProtocolHTTP:
		req.BindTLS = "both"
		// With bind_tls both the agent adds a plain twin named "<name> (http)".
		names = append(names, req.Name+" (http)")
	default:
		return "", fmt.Errorf("unsupported tunnel protocol %q", opts.Protocol)
	}

	var created ngrokTunnel
	if err := n.do(ctx, http.MethodPost, "/api/tunnels", req, &created); err != nil {
		return "", err
	}
	if created.PublicURL == "" {
		return "", fmt.Errorf("agent returned no public URL for %s", opts.PublicHostname)
	}

	n.mu.Lock()
	n.names[created.PublicURL] = names
	n.mu.Unlock()
	return created.PublicURL, nil
}

// Disconnect closes the tunnel opened for publicURL.
func (n *Ngrok) Disconnect(ctx context.Context, publicURL string) error {
	n.mu.Lock()
	names, ok := n.names[publicURL]
	delete(n.names, publicURL)
	n.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown tunnel %s", publicURL)
	}

	var errs []error
	for i, name := range names {
		err := n.do(ctx, http.MethodDelete, "/api/tunnels/"+url.PathEscape(name), nil, nil)
		// The plain twin may not exist on agents that ignore bind_tls.
		if i > 0 && isNotFound(err) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DisconnectAll closes every portless tunnel known to the agent and stops
// an agent this provider started.
func (n *Ngrok) DisconnectAll(ctx context.Context) error {
	var errs []error

	var list ngrokTunnelList
	if err := n.do(ctx, http.MethodGet, "/api/tunnels", nil, &list); err == nil {
		for _, t := range list.Tunnels {
			if !strings.HasPrefix(t.Name, tunnelPrefix) {
				continue
			}
			err := n.do(ctx, http.MethodDelete, "/api/tunnels/"+url.PathEscape(t.Name), nil, nil)
			if err != nil && !isNotFound(err) {
				errs = append(errs, err)
			}
		}
	}

	n.mu.Lock()
	n.names = make(map[string][]string)
	cmd := n.cmd
	n.cmd = nil
	n.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop ngrok agent: %w", err))
		}
		_ = cmd.Wait()
		n.logger.Info("ngrok agent stopped")
	}
	return errors.Join(errs...)
}

// ensureAgent makes sure the agent API answers, starting the agent when
// a binary is configured.
func (n *Ngrok) ensureAgent(ctx context.Context, opts ConnectOptions) error {
	if n.ping(ctx) == nil {
		return nil
	}
	if n.opts.Binary == "" {
		return fmt.Errorf("ngrok agent API at %s is unreachable", n.opts.APIURL)
	}

	n.mu.Lock()
	if n.cmd == nil {
		authToken := firstNonEmpty(opts.AuthToken, n.opts.AuthToken)
		region := firstNonEmpty(opts.Region, n.opts.Region)

		args := []string{"start", "--none", "--log", "stdout"}
		if authToken != "" {
			args = append(args, "--authtoken", authToken)
		}
		if region != "" {
			args = append(args, "--region", region)
		}

		cmd := exec.Command(n.opts.Binary, args...)
		if err := cmd.Start(); err != nil {
			n.mu.Unlock()
			return fmt.Errorf("failed to start %s: %w", n.opts.Binary, err)
		}
		n.cmd = cmd
		n.logger.Info("ngrok agent started", "binary", n.opts.Binary, "pid", cmd.Process.Pid)
	}
	agent := n.cmd
	n.mu.Unlock()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, n.ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(n.opts.StartTimeout),
	)
	if err != nil {
		n.reap(agent)
		return fmt.Errorf("ngrok agent did not become ready: %w", err)
	}
	return nil
}

// reap kills and waits for an agent that never became ready, so the next
// Connect spawns a fresh one.
func (n *Ngrok) reap(agent *exec.Cmd) {
	n.mu.Lock()
	if n.cmd != agent {
		n.mu.Unlock()
		return
	}
	n.cmd = nil
	n.mu.Unlock()

	_ = agent.Process.Kill()
	err := agent.Wait()
	n.logger.Warn("ngrok agent discarded", "pid", agent.Process.Pid, "exit", err)
}

func (n *Ngrok) ping(ctx context.Context) error {
	return n.do(ctx, http.MethodGet, "/api/tunnels", nil, nil)
}

// apiError is a non-2xx answer of the agent API.
type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("ngrok agent returned %d: %s", e.Status, e.Msg)
}

func isNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

func (n *Ngrok) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(n.opts.APIURL, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ngrokError
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Msg != "" {
			msg = e.Msg
			if e.Details.Err != "" {
				msg += ": " + e.Details.Err
			}
		}
		return &apiError{Status: resp.StatusCode, Msg: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode agent response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
