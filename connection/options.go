package connection

import "time"

// Role distinguishes which side of the handshake this Connection plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Payload is a request/response/error body: accumulated data and metadata
// (joined across FOLLOWS fragments per §3 "Stream").
type Payload struct {
	Data     []byte
	Metadata []byte
}

// Handler answers an inbound REQUEST_RESPONSE on a server-role Connection.
// Returning a non-nil error sends back an ERROR(APPLICATION_ERROR) frame
// unless the error is a *rserrors.ProtoError with a non-zero Code, whose
// Code is sent instead; a ProtoError's Kind alone does not change the code.
type Handler func(req Payload) (Payload, error)

// Options configures a Connection (§6 "Configuration").
type Options struct {
	Role Role

	KeepaliveInterval time.Duration
	MaxLifetime       time.Duration
	RequestTimeout    time.Duration

	MetadataEncoding string
	DataEncoding     string

	Lease  bool
	Strict bool

	SetupMetadata []byte
	SetupData     []byte

	// Handler answers inbound requests on a server-role Connection. Required
	// when Role == RoleServer.
	Handler Handler

	// DrainTimeout is a close-while-outstanding grace period kept alongside
	// the rest of the per-connection configuration. Neither Connection nor
	// decorator.DrainingSocket reads it: DrainingSocket takes its timeout as
	// a constructor argument (lb passes lb.Options.DrainTimeout).
	DrainTimeout time.Duration

	// Name labels this Connection's metrics (e.g. the owning factory or
	// remote host name). Left empty, metrics are recorded under the empty
	// label.
	Name string
}

// DefaultOptions returns the documented defaults (§6).
func DefaultOptions(role Role) Options {
	return Options{
		Role:              role,
		KeepaliveInterval: time.Second,
		MaxLifetime:       10 * time.Second,
		RequestTimeout:    30 * time.Second,
		MetadataEncoding:  "utf-8",
		DataEncoding:      "utf-8",
		DrainTimeout:      30 * time.Second,
	}
}
