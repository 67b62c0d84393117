package certs

import "fmt"

// CertificateError reports a failed account, issuance or renewal step.
type CertificateError struct {
	Subject string
	Op      string
	Err     error
}

func (e *CertificateError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("certificate %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("certificate %s for %s failed: %v", e.Op, e.Subject, e.Err)
}

func (e *CertificateError) Unwrap() error {
	return e.Err
}
