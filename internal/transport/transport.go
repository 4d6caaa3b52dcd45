// Package transport defines the outward contract the broker consumes
// to speak through a proxy. The concrete SOCKS5 implementation in this
// package is a default; production callers may supply their own
// Factory (e.g. backed by a different HTTP client library) since the
// broker only depends on the Transport/Factory interfaces.
package transport

import (
	"context"
	"net/http"

	"github.com/uzzalhcse/proxybroker/internal/proxyid"
)

// Transport is one live SOCKS5-tunneled HTTP session bound to a
// single proxy identity.
type Transport interface {
	// Client returns the HTTP client callers should issue requests
	// through for the duration of their lease.
	Client() *http.Client

	// Probe performs a single GET against url and returns nil if a
	// response was received before ctx's deadline, an error otherwise.
	Probe(ctx context.Context, url string) error

	// Close idempotently releases all underlying sockets.
	Close(ctx context.Context) error
}

// Factory opens a Transport for a given proxy identity. Parsing of
// the admission string happens upstream in proxyid.Parse; the Factory
// only ever sees a fully-formed Identity.
type Factory interface {
	Open(ctx context.Context, identity proxyid.Identity) (Transport, error)
}
