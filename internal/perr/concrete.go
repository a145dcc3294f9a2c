package perr

import "fmt"

// AuthError covers both password/JWT validation failures and policy
// rejections (allow-list, VPC gating), plus the per-endpoint rate-limit
// rejection. It is KindAuth, KindUser or (TooManyConnections)
// KindRateLimited, and is never retried.
type AuthError struct {
	msg        string
	client     string
	userFacing bool
	kind       ErrorKind
}

func (e *AuthError) Error() string          { return e.msg }
func (e *AuthError) ErrorKind() ErrorKind    { return e.kind }
func (e *AuthError) ClientMessage() string   { return e.client }
func (e *AuthError) CouldRetry() bool        { return false }
func (e *AuthError) ShouldRetryWakeCompute() bool { return false }

// PasswordFailed builds the generic "password authentication failed"
// error. It deliberately never includes whether the role exists.
func PasswordFailed(user string) *AuthError {
	return &AuthError{
		msg:    fmt.Sprintf("password authentication failed for user %q", user),
		client: "password authentication failed for user",
		kind:   KindAuth,
	}
}

// TooManyConnections reports a per-endpoint rate-limit rejection.
func TooManyConnections(endpoint string) *AuthError {
	return &AuthError{
		msg:    fmt.Sprintf("connection attempt rate limit exceeded for endpoint %q", endpoint),
		client: "Too many connection attempts for this endpoint, please try again later.",
		kind:   KindRateLimited,
	}
}

// AllowListRejected reports an IP/VPC policy failure.
func AllowListRejected(reason string) *AuthError {
	return &AuthError{
		msg:    "connection rejected by access control: " + reason,
		client: "connection rejected by access control policy",
		kind:   KindAuth,
	}
}

// JWTInvalid wraps a structural or policy JWT validation failure.
func JWTInvalid(reason string) *AuthError {
	return &AuthError{
		msg:    "jwt validation failed: " + reason,
		client: "invalid or expired token",
		kind:   KindUser,
	}
}

// TooManyConnectionAttempts is returned when a wake or connect permit could
// not be acquired within its configured budget. Never retried.
type TooManyConnectionAttempts struct {
	Host string
}

func (e *TooManyConnectionAttempts) Error() string {
	return fmt.Sprintf("failed to acquire connect permit for host %q: too many concurrent attempts", e.Host)
}
func (e *TooManyConnectionAttempts) ErrorKind() ErrorKind { return KindRateLimited }
func (e *TooManyConnectionAttempts) ClientMessage() string {
	return "Failed to acquire permit to connect to the database. Too many database connection attempts are currently ongoing."
}
func (e *TooManyConnectionAttempts) CouldRetry() bool             { return false }
func (e *TooManyConnectionAttempts) ShouldRetryWakeCompute() bool { return false }

// WakeComputeError wraps a control-plane wake_compute failure.
type WakeComputeError struct {
	Cause     error
	Kind      ErrorKind
	Retry     bool
	WakeRetry bool
}

func (e *WakeComputeError) Error() string       { return "wake_compute: " + e.Cause.Error() }
func (e *WakeComputeError) Unwrap() error       { return e.Cause }
func (e *WakeComputeError) ErrorKind() ErrorKind { return e.Kind }
func (e *WakeComputeError) ClientMessage() string {
	return "could not wake the requested database"
}
func (e *WakeComputeError) CouldRetry() bool             { return e.Retry }
func (e *WakeComputeError) ShouldRetryWakeCompute() bool { return e.WakeRetry }

// ComputeCtlError wraps an install-extension/grant-role failure from the
// local compute-ctl sidecar. Never retried — a half-initialized extension
// state is not safe to silently retry.
type ComputeCtlError struct {
	Op    string
	Cause error
}

func (e *ComputeCtlError) Error() string {
	return fmt.Sprintf("compute-ctl %s: %v", e.Op, e.Cause)
}
func (e *ComputeCtlError) Unwrap() error       { return e.Cause }
func (e *ComputeCtlError) ErrorKind() ErrorKind { return KindService }
func (e *ComputeCtlError) ClientMessage() string {
	return "could not set up the JWT authorization database extension"
}
func (e *ComputeCtlError) CouldRetry() bool             { return false }
func (e *ComputeCtlError) ShouldRetryWakeCompute() bool { return false }

// ConnError is the unified connect-mechanism error: either the upstream
// rejected the Postgres startup (KindPostgres, carries the server's literal
// error string and is never wake-retried) or the transport itself failed
// (KindCompute, retryable with a fresh wake).
type ConnError struct {
	Kind      ErrorKind
	Cause     error
	DBPayload bool   // true when a real Postgres ErrorResponse was received
	Message   string // verbatim server message, when DBPayload is true
}

func (e *ConnError) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}
func (e *ConnError) Unwrap() error       { return e.Cause }
func (e *ConnError) ErrorKind() ErrorKind { return e.Kind }
func (e *ConnError) ClientMessage() string {
	if e.DBPayload {
		return e.Message
	}
	return "Could not establish connection to the database"
}
func (e *ConnError) CouldRetry() bool {
	// Postgres rejected startup (bad password, unknown DB): retrying the
	// same node won't help. Pure transport failures are retryable.
	return e.Kind == KindCompute
}
func (e *ConnError) ShouldRetryWakeCompute() bool {
	return e.Kind == KindCompute
}

// NewPostgresError builds a ConnError for a real backend ErrorResponse.
func NewPostgresError(message string) *ConnError {
	return &ConnError{Kind: KindPostgres, DBPayload: true, Message: message}
}

// NewComputeError builds a ConnError for a transport-level failure talking
// to the compute.
func NewComputeError(cause error) *ConnError {
	return &ConnError{Kind: KindCompute, Cause: cause}
}

// LocalProxyConnError wraps a failure connecting to the co-located HTTP/2
// local proxy. It is never retried and always surfaces a
// generic client message (it never carries a Postgres payload, since the
// local proxy speaks HTTP, not the wire protocol).
type LocalProxyConnError struct {
	Cause error
}

func (e *LocalProxyConnError) Error() string        { return "local proxy connection: " + e.Cause.Error() }
func (e *LocalProxyConnError) Unwrap() error        { return e.Cause }
func (e *LocalProxyConnError) ErrorKind() ErrorKind { return KindCompute }
func (e *LocalProxyConnError) ClientMessage() string {
	return "Could not establish HTTP connection to the database"
}
func (e *LocalProxyConnError) CouldRetry() bool             { return false }
func (e *LocalProxyConnError) ShouldRetryWakeCompute() bool { return false }
