// Package certs is the certificate collaborator of the app lifecycle.
//
// A Manager serves one project. Acquire returns the ACME account thumbprint
// (answered on HTTP-01 challenges by the project's proxy handlers) and
// whether the stored certificate needs renewing; missing or due
// certificates are issued in the background. Subscribers registered with
// OnIssued are called after every issuance and renewal. The daemon-wide
// Scheduler re-checks every manager on a cron schedule.
//
// Files live under the project's certificate folder:
//
//	<config_dir>/accounts/<directory host>/<email>.pem
//	<config_dir>/live/<subject>/cert.pem
//	<config_dir>/live/<subject>/privkey.pem
//
// Staging certificates use "staging" instead of "live".
package certs
