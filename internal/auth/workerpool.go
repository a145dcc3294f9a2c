package auth

import (
	"context"

	"github.com/serverlessdb/poolproxy/internal/controlplane"
	"github.com/serverlessdb/poolproxy/internal/perr"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// scramJob is one password-verification request: PBKDF2 is CPU-bound, so a
// fixed pool of workers bounds how much of that cost a burst of logins can
// impose, rather than spawning a goroutine per caller.
type scramJob struct {
	secret   *controlplane.ScramSecret
	password string
	result   chan scramResult
}

type scramResult struct {
	keys types.ScramKeys
	ok   bool
}

// scramWorkerPool runs password verification on a fixed number of
// goroutines behind a bounded queue. A full queue is reported as a
// RateLimited failure rather than applying backpressure by blocking the
// caller indefinitely.
type scramWorkerPool struct {
	jobs chan scramJob
}

func newScramWorkerPool(workers, queueDepth int) *scramWorkerPool {
	p := &scramWorkerPool{jobs: make(chan scramJob, queueDepth)}
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *scramWorkerPool) run() {
	for job := range p.jobs {
		keys, ok := verifyPassword(job.secret, job.password)
		job.result <- scramResult{keys: keys, ok: ok}
	}
}

// Verify submits a password-verification job and waits for its result,
// whichever comes first between completion and ctx cancellation. Submission
// itself never blocks: if the queue is full the call fails immediately as a
// rate-limit error, since queuing more CPU-bound work behind an already-full
// pool only adds latency without helping throughput.
func (p *scramWorkerPool) Verify(ctx context.Context, secret *controlplane.ScramSecret, password string) (types.ScramKeys, bool, error) {
	job := scramJob{secret: secret, password: password, result: make(chan scramResult, 1)}

	select {
	case p.jobs <- job:
	default:
		return types.ScramKeys{}, false, &perr.TooManyConnectionAttempts{Host: "scram-worker-pool"}
	}

	select {
	case res := <-job.result:
		return res.keys, res.ok, nil
	case <-ctx.Done():
		return types.ScramKeys{}, false, ctx.Err()
	}
}
