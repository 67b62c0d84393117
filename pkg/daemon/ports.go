package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// PortFileName is the port announcement file in the portless home folder.
const PortFileName = "port.json"

// PortFile tells launchers which port the daemon listens on. A launcher
// writes a new RequestVersion before starting the daemon and waits until
// LiveVersion matches it.
type PortFile struct {
	RequestVersion string `json:"requestVersion,omitempty"`
	LiveVersion    string `json:"liveVersion,omitempty"`
	Port           int    `json:"port,omitempty"`
}

// ReadPortFile reads the port file in home. A missing file yields a zero
// PortFile and no error.
func ReadPortFile(home string) (PortFile, error) {
	var pf PortFile
	data, err := os.ReadFile(filepath.Join(home, PortFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return pf, nil
	}
	if err != nil {
		return pf, err
	}
	if err := json.Unmarshal(data, &pf); err != nil {
		return pf, fmt.Errorf("failed to parse %s: %w", PortFileName, err)
	}
	return pf, nil
}

// WritePortFile replaces the port file in home.
func WritePortFile(home string, pf PortFile) error {
	if err := os.MkdirAll(home, 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(home, PortFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// announcePort marks the pending request version as live on port.
func announcePort(home string, port int) error {
	pf, err := ReadPortFile(home)
	if err != nil {
		pf = PortFile{}
	}
	pf.LiveVersion = pf.RequestVersion
	pf.Port = port
	return WritePortFile(home, pf)
}

// listenHost maps the configured daemon host to the address to bind;
// "localhost" listens on every interface.
func listenHost(host string) string {
	if host == "" || host == "localhost" {
		return "0.0.0.0"
	}
	return host
}

// listenPair binds the first port from start (trying limit more) whose
// successor is free too. It returns the plain and TLS listeners.
func listenPair(host string, start, limit int) (net.Listener, net.Listener, error) {
	var lastErr error
	for port := start; port <= start+limit && port < 65535; port++ {
		plain, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		secure, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port+1)))
		if err != nil {
			plain.Close()
			lastErr = err
			continue
		}
		return plain, secure, nil
	}
	return nil, nil, fmt.Errorf("no free port pair from %d to %d: %w", start, start+limit, lastErr)
}

func listenerPort(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// dialAddr is the address to reach ln from this host; a wildcard bind is
// reached through loopback.
func dialAddr(ln net.Listener) string {
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return ln.Addr().String()
	}
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(addr.Port))
}
