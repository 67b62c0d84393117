package certs

import (
	"net/url"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/acme"
)

// LetsEncryptStagingURL is the staging directory of Let's Encrypt.
const LetsEncryptStagingURL = "https://acme-staging-v02.api.letsencrypt.org/directory"

// DirectoryURL returns override when set, else the Let's Encrypt production
// or staging directory.
func DirectoryURL(override string, staging bool) string {
	switch {
	case override != "":
		return override
	case staging:
		return LetsEncryptStagingURL
	default:
		return acme.LetsEncryptURL
	}
}

// AccountKeyPath is where the account key for email at directoryURL is kept.
func AccountKeyPath(configDir, directoryURL, email string) string {
	host := directoryURL
	if u, err := url.Parse(directoryURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return filepath.Join(configDir, "accounts", safeName(host), safeName(email)+".pem")
}

// CertPaths returns the certificate and key files of subject.
func CertPaths(configDir string, staging bool, subject string) (certFile, keyFile string) {
	env := "live"
	if staging {
		env = "staging"
	}
	dir := filepath.Join(configDir, env, safeName(subject))
	return filepath.Join(dir, "cert.pem"), filepath.Join(dir, "privkey.pem")
}

func safeName(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "*", "_", ":", "_").Replace(s)
}
