// Package registry is the read model over persisted backend server
// definitions. It decrypts sensitive fields on read; rows never leave this
// package with their ciphertext.
package registry

import (
	"time"
)

// Transport identifies how the gateway reaches a backend server.
type Transport string

const (
	// TransportStdio spawns the backend as a child process.
	TransportStdio Transport = "stdio"

	// TransportSSE reaches the backend over HTTP+SSE.
	TransportSSE Transport = "sse"
)

// String returns the string representation of the transport.
func (t Transport) String() string {
	return string(t)
}

// JWTPolicy is the per-server JWT requirement.
type JWTPolicy string

const (
	// JWTInherit defers to the project default.
	JWTInherit JWTPolicy = "inherit"

	// JWTRequired always requires a verified token.
	JWTRequired JWTPolicy = "required"

	// JWTDisabled never requires a token.
	JWTDisabled JWTPolicy = "disabled"
)

// BackendServer is one persisted backend definition, decrypted for use.
type BackendServer struct {
	ID        string
	ProjectID string
	Name      string
	Transport Transport
	Enabled   bool

	// DisabledUntil suppresses construction until the given instant.
	// Zero means the server is not suppressed.
	DisabledUntil time.Time

	// Timeout bounds the handshake and each request to this backend.
	Timeout time.Duration

	// AutoApproveTools lists tool names forwarded without consulting the
	// approval policy hook.
	AutoApproveTools []string

	JWTRequired JWTPolicy

	// stdio transport fields.
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	// sse transport fields.
	URL     string
	Headers map[string]string
}

// DisabledAt reports whether the server is inside its startup-disable window
// at the given instant.
func (s *BackendServer) DisabledAt(now time.Time) bool {
	return !s.DisabledUntil.IsZero() && now.Before(s.DisabledUntil)
}

// DefaultTimeout is applied when a row carries no timeout.
const DefaultTimeout = 30 * time.Second
