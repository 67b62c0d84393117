package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/crypto/acme"
)

// Issuer obtains a certificate for names. The first name is the subject.
type Issuer interface {
	Issue(ctx context.Context, names []string) (certPEM, keyPEM []byte, err error)
}

// ACMEIssuer issues certificates through an ACME directory using HTTP-01
// challenges. The challenge responses themselves are served by the proxy
// handlers, which answer with the account thumbprint.
type ACMEIssuer struct {
	client         *acme.Client
	email          string
	accountTimeout time.Duration
	logger         *slog.Logger

	mu         sync.Mutex
	registered bool
}

// NewACMEIssuer creates an issuer for the account identified by key.
func NewACMEIssuer(key crypto.Signer, directoryURL, email string, accountTimeout time.Duration, logger *slog.Logger) *ACMEIssuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ACMEIssuer{
		client: &acme.Client{
			Key:          key,
			DirectoryURL: directoryURL,
			UserAgent:    "portless",
		},
		email:          email,
		accountTimeout: accountTimeout,
		logger:         logger,
	}
}

// register makes sure the account exists, retrying transient failures with
// exponential backoff for at most accountTimeout.
func (a *ACMEIssuer) register(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.registered {
		return nil
	}

	account := &acme.Account{Contact: []string{"mailto:" + a.email}}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := a.client.Register(ctx, account, acme.AcceptTOS)
		if err == nil || errors.Is(err, acme.ErrAccountAlreadyExists) {
			return struct{}{}, nil
		}

		var acmeErr *acme.Error
		if errors.As(err, &acmeErr) && acmeErr.StatusCode >= 400 && acmeErr.StatusCode < 500 &&
			acmeErr.StatusCode != http.StatusTooManyRequests {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(a.accountTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Warn("ACME account not ready, retrying",
				"email", a.email,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		return &CertificateError{Op: "account registration", Err: err}
	}

	a.registered = true
	a.logger.Info("ACME account ready", "email", a.email, "directory", a.client.DirectoryURL)
	return nil
}

// Issue runs one order for names to completion.
func (a *ACMEIssuer) Issue(ctx context.Context, names []string) ([]byte, []byte, error) {
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("no names to issue for")
	}
	if err := a.register(ctx); err != nil {
		return nil, nil, err
	}

	order, err := a.client.AuthorizeOrder(ctx, acme.DomainIDs(names...))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create order: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := a.authorize(ctx, authzURL); err != nil {
			return nil, nil, err
		}
	}

	if _, err := a.client.WaitOrder(ctx, order.URI); err != nil {
		return nil, nil, fmt.Errorf("order did not become ready: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate certificate key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: names[0]},
		DNSNames: names,
	}, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CSR: %w", err)
	}

	chain, _, err := a.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to finalize order: %w", err)
	}

	var certPEM []byte
	for _, der := range chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode certificate key: %w", err)
	}
	return certPEM, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), nil
}

func (a *ACMEIssuer) authorize(ctx context.Context, authzURL string) error {
	authz, err := a.client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("failed to fetch authorization: %w", err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var challenge *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			challenge = c
			break
		}
	}
	if challenge == nil {
		return fmt.Errorf("no http-01 challenge offered for %s", authz.Identifier.Value)
	}

	a.logger.Debug("accepting http-01 challenge",
		"domain", authz.Identifier.Value,
		"token", challenge.Token,
	)
	if _, err := a.client.Accept(ctx, challenge); err != nil {
		return fmt.Errorf("failed to accept challenge for %s: %w", authz.Identifier.Value, err)
	}
	if _, err := a.client.WaitAuthorization(ctx, authz.URI); err != nil {
		return fmt.Errorf("authorization for %s failed: %w", authz.Identifier.Value, err)
	}
	return nil
}
