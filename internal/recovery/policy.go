// Package recovery decides when blocked jobs are retried and when their
// recovery is abandoned.
package recovery

import (
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

// KindPolicy bounds the recovery of one kind of failure. Zero limits mean
// unlimited.
type KindPolicy struct {
	Backoff     wait.Backoff
	MaxAttempts int
	MaxBlocked  time.Duration
}

// Policy selects a KindPolicy by activity first, then by kind, then Default.
type Policy struct {
	Default     KindPolicy
	PerKind     map[recoverable.Kind]KindPolicy
	PerActivity map[types.BlockedActivity]KindPolicy
}

// Decision is the verdict for a blocked job.
type Decision struct {
	Delay       time.Duration
	ShouldRetry bool
}

// DefaultPolicy retries with exponential backoff from 10s up to 10m, for at
// most 20 attempts or 24h. Authentication and quota problems wait longer
// between attempts.
func DefaultPolicy() Policy {
	return Policy{
		Default: KindPolicy{
			Backoff:     wait.Backoff{Duration: 10 * time.Second, Factor: 2, Jitter: 0.1, Steps: 10, Cap: 10 * time.Minute},
			MaxAttempts: 20,
			MaxBlocked:  24 * time.Hour,
		},
		PerKind: map[recoverable.Kind]KindPolicy{
			recoverable.KindSSHAuth: {
				Backoff:     wait.Backoff{Duration: time.Minute, Factor: 2, Steps: 6, Cap: 30 * time.Minute},
				MaxAttempts: 12,
				MaxBlocked:  24 * time.Hour,
			},
			recoverable.KindQuota: {
				Backoff:    wait.Backoff{Duration: 5 * time.Minute, Factor: 1.5, Steps: 8, Cap: time.Hour},
				MaxBlocked: 72 * time.Hour,
			},
		},
	}
}

// For returns the policy applying to a failure.
func (p Policy) For(activity types.BlockedActivity, kind recoverable.Kind) KindPolicy {
	if kp, ok := p.PerActivity[activity]; ok {
		return kp
	}
	if kp, ok := p.PerKind[kind]; ok {
		return kp
	}
	return p.Default
}

// Classify decides whether a job blocked in activity by a failure of kind
// should be retried. attempt is the number of retries already made and
// blockedFor the time since the job first blocked in this activity.
func (p Policy) Classify(activity types.BlockedActivity, kind recoverable.Kind, attempt int, blockedFor time.Duration) Decision {
	if kind.IsAbort() {
		return Decision{}
	}
	kp := p.For(activity, kind)
	if kp.MaxAttempts > 0 && attempt >= kp.MaxAttempts {
		return Decision{}
	}
	if kp.MaxBlocked > 0 && blockedFor >= kp.MaxBlocked {
		return Decision{}
	}

	b := kp.Backoff
	if b.Duration <= 0 {
		return Decision{ShouldRetry: true}
	}
	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = b.Step()
	}
	return Decision{Delay: delay, ShouldRetry: true}
}
