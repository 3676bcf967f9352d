// Package submit implements the HTTP client that hands files and URLs to the
// conversion backend. Inputs are validated locally before any request is
// made; failed submissions are reported once and never retried.
package submit
