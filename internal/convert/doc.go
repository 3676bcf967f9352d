// Package convert defines the core job types and collaborator interfaces
// shared by the submit client, progress channel, and application wiring.
package convert
