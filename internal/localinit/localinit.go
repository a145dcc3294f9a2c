// Package localinit implements the Local Postgres Initializer:
// the double-checked install_extension/grant_role bootstrap for a
// ConnInfo's database, and the per-connection Ed25519 JWK bootstrap that
// binds a server-trusted public key into each new loopback session.
package localinit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"

	"github.com/go-jose/go-jose/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/serverlessdb/poolproxy/internal/computectl"
	"github.com/serverlessdb/poolproxy/internal/perr"
	"github.com/serverlessdb/poolproxy/internal/types"
)

const (
	extName    = "pg_session_jwt"
	extVersion = "1.0.0"
	extSchema  = "auth"
)

// Initializer runs install_extension + grant_role exactly once per
// ConnInfo's database and satisfies pool.LocalInitializer.
type Initializer struct {
	ComputeCtl computectl.Client
}

// NewInitializer builds an Initializer backed by cc.
func NewInitializer(cc computectl.Client) *Initializer {
	return &Initializer{ComputeCtl: cc}
}

// EnsureInitialized installs the session-JWT extension and grants the
// connecting role USAGE on its schema. pool.LocalConnPool already
// serializes concurrent callers for the same ConnInfo behind a single
// permit and re-checks its own "done" flag after acquiring it, so this
// method only needs to do the work once per call — it is never itself
// called twice for the same ConnInfo.
func (i *Initializer) EnsureInitialized(ctx context.Context, info types.ConnInfo) error {
	if err := i.ComputeCtl.InstallExtension(ctx, computectl.InstallExtensionRequest{
		Extension: extName,
		Version:   extVersion,
		Database:  info.DBName,
	}); err != nil {
		return &perr.ComputeCtlError{Op: "install_extension", Cause: err}
	}

	if err := i.ComputeCtl.GrantRole(ctx, computectl.GrantRoleRequest{
		Schema:     extSchema,
		Privileges: []string{"USAGE"},
		Database:   info.DBName,
		Role:       info.User,
	}); err != nil {
		return &perr.ComputeCtlError{Op: "grant_role", Cause: err}
	}
	return nil
}

// SigningKey is the Ed25519 key pair generated for one loopback session.
// The private half never leaves this process; only the public key (as an
// OKP JWK) is bound into the session via the startup options parameter.
type SigningKey struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func newSigningKey() (SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKey{}, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return SigningKey{Public: pub, Private: priv}, nil
}

func (k SigningKey) jwkJSON() (string, error) {
	jwk := jose.JSONWebKey{Key: k.Public}
	b, err := jwk.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encoding JWK: %w", err)
	}
	return string(b), nil
}

// LocalConn wraps a loopback pgconn.PgConn together with the per-connection
// signing key bound into its session. The key is held exclusively by the
// pool handle that owns this connection and is dropped along with it.
type LocalConn struct {
	*pgconn.PgConn
	Key SigningKey
	PID uint32
}

// Close closes the underlying Postgres connection. The signing key needs
// no separate teardown — it is never persisted or shared.
func (c *LocalConn) Close() error {
	return c.PgConn.Close(context.Background())
}

// Dialer builds loopback Postgres connections carrying a freshly minted
// per-connection JWK. It is used as the Dialer for the local pool's
// Manager; EnsureInitialized (above) must already have run for info before
// this is called — internal/pool.LocalConnPool enforces that ordering.
type Dialer struct {
	Host string // loopback address, e.g. "127.0.0.1"
	Port int
}

// Dial connects to the local Postgres over loopback, binding a fresh
// signing key into the session via the pg_session_jwt.jwk startup option,
// and runs the session bootstrap query. It is never retried: the local
// Postgres is already running in this compute, so a failure here is a hard
// error, not a transport hiccup worth another attempt.
func (d *Dialer) Dial(ctx context.Context, info types.ConnInfo) (*LocalConn, error) {
	key, err := newSigningKey()
	if err != nil {
		return nil, perr.NewComputeError(err)
	}
	jwkJSON, err := key.jwkJSON()
	if err != nil {
		return nil, perr.NewComputeError(err)
	}

	connString := fmt.Sprintf("postgres://%s@%s/%s?sslmode=disable",
		info.User, net.JoinHostPort(d.Host, strconv.Itoa(d.Port)), info.DBName)

	cfg, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, perr.NewComputeError(fmt.Errorf("parsing loopback config: %w", err))
	}
	cfg.RuntimeParams["options"] = "-c pg_session_jwt.jwk=" + jwkJSON
	for _, p := range info.Options {
		cfg.RuntimeParams[p.Key] = p.Value
	}

	pgConn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, perr.NewComputeError(fmt.Errorf("connecting to loopback postgres: %w", err))
	}

	conn := &LocalConn{PgConn: pgConn, Key: key, PID: pgConn.PID()}

	if _, err := pgConn.Exec(ctx, "select auth.init();").ReadAll(); err != nil {
		conn.Close()
		return nil, perr.NewComputeError(fmt.Errorf("auth.init(): %w", err))
	}

	return conn, nil
}
