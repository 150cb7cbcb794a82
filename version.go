// Package taky identifies the taky CoT server distribution.
package taky

// Version is the release version reported by the binaries and the
// management status endpoint.
const Version = "1.2.0"
