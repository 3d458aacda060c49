// Package cleanup is the background sweep scheduler: a thin adaptation of pkg/jobx's
// generic worker pool, periodically enqueuing sweep jobs that expire
// sessions, bearer tokens, and stale rate-limit counters.
package cleanup

import (
	"context"
	"time"

	"github.com/Abraxas-365/authcore/pkg/jobx"
	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/bearer"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/ratelimit"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/session"
)

// QueueName is the jobx queue every sweep job is enqueued on; the worker
// pool must be configured to consume it (jobx.WithQueues(cleanup.QueueName)).
const QueueName = "cleanup"

const (
	JobSweepSessions  = "sweep-sessions"
	JobSweepBearer    = "sweep-bearer-tokens"
	JobSweepRateLimit = "sweep-ratelimit"
)

// Scheduler enqueues sweep jobs on a fixed interval and runs the jobx worker
// pool that executes them.
type Scheduler struct {
	client              *jobx.Client
	interval            time.Duration
	rateLimitSweepEvery time.Duration

	sessions session.Store
	tokens   bearer.Store
	limiter  *ratelimit.Limiter
}

// New wires a Scheduler over an already-constructed jobx.Client (itself
// backed by jobxredis.RedisQueue). The caller registers no handlers of its
// own — New registers JobSweepSessions, JobSweepBearer, and (when limiter is
// non-nil) JobSweepRateLimit here. rateLimitSweepEvery is deliberately a
// separate, much coarser cadence than interval: it drives a full
// ratelimit.Limiter.ClearAll, a defensive backstop for any rl:* key that
// never picked up its window's TTL, not a routine expiry sweep — running it
// on the session/bearer cadence would reset every limiter's window long
// before it naturally expires.
func New(client *jobx.Client, interval time.Duration, sessions session.Store, tokens bearer.Store, limiter *ratelimit.Limiter, rateLimitSweepEvery time.Duration) *Scheduler {
	s := &Scheduler{
		client: client, interval: interval, rateLimitSweepEvery: rateLimitSweepEvery,
		sessions: sessions, tokens: tokens, limiter: limiter,
	}

	client.Register(JobSweepSessions, s.sweepSessions)
	client.Register(JobSweepBearer, s.sweepBearerTokens)
	if s.limiter != nil {
		client.Register(JobSweepRateLimit, s.sweepRateLimit)
	}

	return s
}

// Run starts the jobx worker pool and the periodic self-enqueue loops.
// Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	go s.enqueueLoop(ctx)
	if s.limiter != nil {
		go s.enqueueRateLimitSweepLoop(ctx)
	}
	return s.client.Start(ctx)
}

func (s *Scheduler) enqueueLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.client.Enqueue(ctx, jobx.Job{Type: JobSweepSessions, Queue: QueueName}); err != nil {
				logx.WithError(err).Warn("cleanup: failed to enqueue sweep-sessions")
			}
			if _, err := s.client.Enqueue(ctx, jobx.Job{Type: JobSweepBearer, Queue: QueueName}); err != nil {
				logx.WithError(err).Warn("cleanup: failed to enqueue sweep-bearer-tokens")
			}
		}
	}
}

func (s *Scheduler) enqueueRateLimitSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.rateLimitSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.client.Enqueue(ctx, jobx.Job{Type: JobSweepRateLimit, Queue: QueueName}); err != nil {
				logx.WithError(err).Warn("cleanup: failed to enqueue sweep-ratelimit")
			}
		}
	}
}

func (s *Scheduler) sweepSessions(ctx context.Context, job *jobx.JobInfo) error {
	n, err := s.sessions.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	logx.Infof("cleanup: swept %d expired sessions", n)
	return nil
}

func (s *Scheduler) sweepBearerTokens(ctx context.Context, job *jobx.JobInfo) error {
	n, err := s.tokens.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	logx.Infof("cleanup: swept %d expired bearer tokens", n)
	return nil
}

func (s *Scheduler) sweepRateLimit(ctx context.Context, job *jobx.JobInfo) error {
	n, err := s.limiter.ClearAll(ctx)
	if err != nil {
		return err
	}
	logx.Infof("cleanup: cleared %d rate-limit counters", n)
	return nil
}
