package errors

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
)

// Kind is the stable, caller-facing error taxonomy for the TDS client. It is
// coarser than Code: many Codes can map to the same Kind, and Kind is what
// retry logic should branch on instead of Code.
type Kind string

const (
	KindConnectionClosed    Kind = "connection-closed"
	KindAuthenticationError Kind = "authentication-failed"
	KindProtocolError       Kind = "protocol-error"
	KindTransient           Kind = "transient"
	KindClientShutdown      Kind = "client-shutdown"
	KindTimeout             Kind = "timeout"
	KindPoolClosed          Kind = "pool-closed"
	KindInvalidArgument     Kind = "invalid-argument"
	KindUnknown             Kind = "unknown"
)

// Client-taxonomy error codes, continuing the connection/protocol range (2xxx).
const (
	ErrCodePoolClosed      Code = 2009
	ErrCodeClientShutdown  Code = 2010
	ErrCodeInvalidArgument Code = 2011
	ErrCodeTransientError  Code = 2012
	ErrCodeProtocolState   Code = 2013
	ErrCodeProtocolFraming Code = 2014
)

// Kind returns the error's taxonomy Kind, as set by the named constructors
// in this file; an error built with New or Wrap carries the empty Kind.
// Classify derives a Kind for an arbitrary error value.
func (e *Error) Kind() Kind {
	return e.kind
}

// withKind is an unexported setter used by the constructors below; Kind is
// not part of the public Builder surface because callers should reach for
// the named constructors (ConnectionClosed, Timeout, ...) instead of setting
// it by hand.
func (b *Builder) withKind(k Kind) *Builder {
	b.kind = k
	return b
}

// ConnectionClosed builds a connection-closed error.
func ConnectionClosed(detail string) *Builder {
	return Newf(ErrCodeConnectionClosed, "connection closed: %s", detail).withKind(KindConnectionClosed)
}

// AuthenticationFailed builds an authentication-failed error.
func AuthenticationFailed(detail string) *Builder {
	return Newf(ErrCodeAuthFailed, "authentication failed: %s", detail).withKind(KindAuthenticationError)
}

// ProtocolError builds a protocol-error error carrying a free-form detail.
func ProtocolError(detail string) *Builder {
	return Newf(ErrCodeProtocolError, "protocol error: %s", detail).withKind(KindProtocolError)
}

// ProtocolState builds a protocol-error for an illegal state-machine transition.
func ProtocolState(state, attempted string) *Builder {
	return Newf(ErrCodeProtocolState, "illegal packet %s in state %s", attempted, state).
		withKind(KindProtocolError).
		WithField("state", state).
		WithField("attempted", attempted)
}

// ProtocolFraming builds a protocol-error for a malformed packet header.
func ProtocolFraming(detail string) *Builder {
	return Newf(ErrCodeProtocolFraming, "packet framing error: %s", detail).withKind(KindProtocolError)
}

// TransientError builds a transient error (DNS/connect failures, routing redirects).
func TransientError(detail string) *Builder {
	return Newf(ErrCodeTransientError, "transient error: %s", detail).withKind(KindTransient)
}

// ClientShutdown builds a client-shutdown error.
func ClientShutdown() *Builder {
	return New(ErrCodeClientShutdown, "client is shutting down").withKind(KindClientShutdown)
}

// TimeoutErr builds a timeout error for a named operation.
func TimeoutErr(operation string) *Builder {
	return Newf(ErrCodeConnectionTimeout, "operation %s timed out", operation).
		withKind(KindTimeout).
		WithField("operation", operation)
}

// PoolClosed builds a pool-closed error.
func PoolClosed() *Builder {
	return New(ErrCodePoolClosed, "connection pool is closed").withKind(KindPoolClosed)
}

// InvalidArgument builds an invalid-argument error.
func InvalidArgument(field, reason string) *Builder {
	return Newf(ErrCodeInvalidArgument, "invalid %s: %s", field, reason).
		withKind(KindInvalidArgument).
		WithField("field", field)
}

// UnknownError builds a catch-all unknown error wrapping cause.
func UnknownError(cause error) *Builder {
	return Wrap(cause, ErrCodeInternal, "unclassified error").withKind(KindUnknown)
}

// GetKind extracts the Kind from an error, classifying it if it is not
// already a *Error produced by this package.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e.kind != "" {
		return e.kind
	}
	return Classify(err)
}

// Classify applies the §4.I classification rules to an arbitrary error that
// did not originate from this package's constructors: transport EOF/closed
// variants become connection-closed, TLS unclean shutdown on an active
// channel becomes connection-closed, DNS/dial errors become transient,
// context deadline/cancellation becomes timeout or client-shutdown, and
// everything else becomes unknown.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return KindConnectionClosed
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindClientShutdown
	}

	var tlsErr *tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return KindConnectionClosed
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return KindTransient
		}
		return KindConnectionClosed
	}

	msg := err.Error()
	if strings.Contains(msg, "use of closed network connection") {
		return KindConnectionClosed
	}

	return KindUnknown
}

// IsRetryable reports whether the caller-level retry policy (§4.I) permits
// retrying an error of this Kind: connection-closed, transient, and timeout
// only. protocol-error and authentication-failed are never retried.
func IsRetryable(err error) bool {
	switch GetKind(err) {
	case KindConnectionClosed, KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}
