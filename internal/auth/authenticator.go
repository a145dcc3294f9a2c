package auth

import (
	"context"
	"crypto/ed25519"
	"net"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/serverlessdb/poolproxy/internal/controlplane"
	"github.com/serverlessdb/poolproxy/internal/metrics"
	"github.com/serverlessdb/poolproxy/internal/perr"
	"github.com/serverlessdb/poolproxy/internal/ratelimit"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// Config mirrors AuthenticationConfig from the endpoint's configuration:
// whether IP/VPC policy applies, and the resolved ordering between the rate
// limiter and the role-secret fetch (see the Open Question recorded in
// the design notes below).
type Config struct {
	IPAllowlistCheckEnabled    bool
	IsVPCAccessProxy           bool
	RateLimitBeforeSecretFetch bool

	ScramWorkers    int
	ScramQueueDepth int

	// LocalJWTKey is the single Ed25519 public key local-backend JWTs (the
	// pg_session_jwt flow) are validated against. Nil disables the local
	// JWT path.
	LocalJWTKey ed25519.PublicKey

	// Metrics may be nil; attempts then go unrecorded.
	Metrics *metrics.Collector
}

// Authenticator implements the password and JWT authentication paths: rate
// limiting, access-control policy, and credential verification, producing
// the ComputeCredentialKeys the connect mechanism replays against the real
// backend.
type Authenticator struct {
	cfg     Config
	cp      controlplane.Client
	limiter *ratelimit.EndpointRateLimiter
	scram   *scramWorkerPool
	jwks    *controlplane.JWKSCache
}

// New builds an Authenticator. jwks may be nil when the deployment never
// serves the control-plane JWT path (local-only auth).
func New(cfg Config, cp controlplane.Client, limiter *ratelimit.EndpointRateLimiter, jwks *controlplane.JWKSCache) *Authenticator {
	workers, queue := cfg.ScramWorkers, cfg.ScramQueueDepth
	if workers <= 0 {
		workers = 8
	}
	if queue <= 0 {
		queue = 256
	}
	return &Authenticator{
		cfg:     cfg,
		cp:      cp,
		limiter: limiter,
		scram:   newScramWorkerPool(workers, queue),
		jwks:    jwks,
	}
}

func (a *Authenticator) checkAccessControl(ctx context.Context, info types.ComputeUserInfo, clientIP net.IP) error {
	ac, err := a.cp.GetAccessControl(ctx, info.Endpoint, info.User)
	if err != nil {
		return &perr.ComputeCtlError{Op: "access_control", Cause: err}
	}
	if a.cfg.IsVPCAccessProxy && !ac.VPCAllowed {
		return perr.AllowListRejected("endpoint does not permit VPC access")
	}
	if a.cfg.IPAllowlistCheckEnabled && len(ac.IPAllowlist) > 0 && clientIP != nil {
		if !ipInAllowlist(clientIP, ac.IPAllowlist) {
			return perr.AllowListRejected("client address not in endpoint allow-list")
		}
	}
	return nil
}

func ipInAllowlist(ip net.IP, allowlist []string) bool {
	for _, entry := range allowlist {
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if cidr.Contains(ip) {
				return true
			}
			continue
		}
		if net.ParseIP(entry).Equal(ip) {
			return true
		}
	}
	return false
}

// AuthenticateWithPassword runs the full password path: rate limit, access
// control, role-secret fetch, and SCRAM verification, in the order fixed by
// cfg.RateLimitBeforeSecretFetch.
func (a *Authenticator) AuthenticateWithPassword(ctx context.Context, info types.ComputeUserInfo, clientIP net.IP, password string) (creds types.ComputeCredentials, err error) {
	if a.cfg.Metrics != nil {
		start := time.Now()
		defer func() {
			a.cfg.Metrics.AuthAttempt("cleartext", outcomeLabel(err), time.Since(start))
		}()
	}

	checkLimit := func() error {
		if !a.limiter.Allow(info.Endpoint) {
			return perr.TooManyConnections(string(info.Endpoint))
		}
		return nil
	}

	if a.cfg.RateLimitBeforeSecretFetch {
		if err := checkLimit(); err != nil {
			return types.ComputeCredentials{}, err
		}
	}

	if err := a.checkAccessControl(ctx, info, clientIP); err != nil {
		return types.ComputeCredentials{}, err
	}

	role, err := a.cp.GetRoleSecret(ctx, info.Endpoint, info.User)
	if err != nil {
		return types.ComputeCredentials{}, &perr.ComputeCtlError{Op: "role_secret", Cause: err}
	}

	if !a.cfg.RateLimitBeforeSecretFetch {
		if err := checkLimit(); err != nil {
			return types.ComputeCredentials{}, err
		}
	}

	if role.Secret == nil {
		// Burn the same PBKDF2 cost as a real verification so a missing
		// role is indistinguishable from a wrong password by timing.
		a.scram.Verify(ctx, dummyScramSecret, password)
		return types.ComputeCredentials{}, perr.PasswordFailed(info.User)
	}

	keys, ok, err := a.scram.Verify(ctx, role.Secret, password)
	if err != nil {
		return types.ComputeCredentials{}, err
	}
	if !ok {
		return types.ComputeCredentials{}, perr.PasswordFailed(info.User)
	}

	return types.ComputeCredentials{
		Info: info,
		Keys: types.ComputeCredentialKeys{Kind: types.CredentialAuthKeys, Keys: keys},
	}, nil
}

// AuthenticateWithJWT validates a bearer token either against the local
// Ed25519 signing key (isLocal true — the pg_session_jwt loopback flow) or
// against the endpoint's control-plane JWKS. The local path returns
// CredentialKind Jwt and the control-plane path CredentialKind None; neither
// carries SCRAM keys, and the validated token's claims are not passed on.
func (a *Authenticator) AuthenticateWithJWT(ctx context.Context, info types.ComputeUserInfo, rawToken string, isLocal bool) (creds types.ComputeCredentials, err error) {
	if a.cfg.Metrics != nil {
		start := time.Now()
		defer func() {
			a.cfg.Metrics.AuthAttempt("jwt", outcomeLabel(err), time.Since(start))
		}()
	}

	if !a.limiter.Allow(info.Endpoint) {
		return types.ComputeCredentials{}, perr.TooManyConnections(string(info.Endpoint))
	}

	if isLocal {
		if err := a.verifyLocalJWT(rawToken); err != nil {
			return types.ComputeCredentials{}, err
		}
	} else {
		if a.jwks == nil {
			return types.ComputeCredentials{}, perr.JWTInvalid("control-plane JWT validation is not configured")
		}
		verifier, err := a.jwks.Verifier(ctx, info.Endpoint)
		if err != nil {
			return types.ComputeCredentials{}, perr.JWTInvalid(err.Error())
		}
		if _, err := verifier.Verify(ctx, rawToken); err != nil {
			return types.ComputeCredentials{}, perr.JWTInvalid(err.Error())
		}
	}

	kind := types.CredentialNone
	if isLocal {
		kind = types.CredentialJWT
	}
	return types.ComputeCredentials{
		Info: info,
		Keys: types.ComputeCredentialKeys{Kind: kind},
	}, nil
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (a *Authenticator) verifyLocalJWT(rawToken string) error {
	if a.cfg.LocalJWTKey == nil {
		return perr.JWTInvalid("local JWT validation is not configured")
	}
	_, err := jwt.Parse(rawToken, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.cfg.LocalJWTKey, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return perr.JWTInvalid(err.Error())
	}
	return nil
}
