// Package connect implements the polymorphic connect mechanisms the retry
// driver drives against a located compute node: a direct Postgres
// wire-protocol dial (RemoteMechanism) and an HTTP/2 dial to a co-located
// local proxy (HyperMechanism). The loopback dial to a local Postgres lives
// in internal/localinit — it is never retried, so it stays outside the
// Mechanism interface.
package connect

import (
	"context"

	"github.com/serverlessdb/poolproxy/internal/pool"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// Mechanism is the polymorphic connect step the retry driver (internal/retry)
// repeats against fresh wake results on failure. Each implementation owns
// exactly one transport: connect, handshake, hand off — one attempt, no
// looping of its own.
type Mechanism interface {
	ConnectOnce(ctx context.Context, node types.CachedNodeInfo, info types.ConnInfo, creds types.ComputeCredentialKeys) (pool.Backend, error)
}
