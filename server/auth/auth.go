// Package auth resolves the identity of the member making a request.
package auth

import (
	"net/http"
	"strings"

	"github.com/tinode/fanout/server/store/types"
)

// AuthErr is a structure for reporting an error condition.
type AuthErr string

func (e AuthErr) Error() string {
	return string(e)
}

const (
	// ErrMissing means the request carries no credentials.
	ErrMissing = AuthErr("missing")
	// ErrMalformed means the secret cannot be parsed or otherwise wrong
	ErrMalformed = AuthErr("malformed")
	// ErrFailed means authentication failed (wrong signature, revoked serial number)
	ErrFailed = AuthErr("failed")
	// ErrExpired means the secret has expired
	ErrExpired = AuthErr("expired")
)

// Resolver returns the ID of the member making the request. A non-nil error means
// the request is unauthenticated.
type Resolver interface {
	Resolve(req *http.Request) (types.Uid, error)
}

// ResolverFunc is an adapter to allow the use of ordinary functions as resolvers.
type ResolverFunc func(req *http.Request) (types.Uid, error)

// Resolve calls f(req).
func (f ResolverFunc) Resolve(req *http.Request) (types.Uid, error) {
	return f(req)
}

// SecretFromRequest extracts the secret from the "Authorization: Token <secret>" header
// or, if the header is missing, from the 'token' query parameter. Websocket clients in
// browsers cannot set headers, they use the query parameter.
func SecretFromRequest(req *http.Request) string {
	if hdr := req.Header.Get("Authorization"); hdr != "" {
		parts := strings.SplitN(hdr, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "token") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return req.URL.Query().Get("token")
}
