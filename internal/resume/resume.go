// Package resume provides per-instance in-flight deduplication of resume,
// with a bounded timeout, so N concurrent proxy requests against a stopped
// instance produce exactly one underlying resume() call.
//
// golang.org/x/sync/singleflight is the idiomatic fit for "join-or-create
// a keyed in-flight future" — that is exactly Group.Do's contract.
package resume

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/r44vc0rp/serverbox/internal/apierr"
	"github.com/r44vc0rp/serverbox/internal/metrics"
	"github.com/r44vc0rp/serverbox/internal/models"
)

// Manager is the subset of the lifecycle manager the coordinator depends
// on, kept as a narrow interface so tests can supply a counting fake.
type Manager interface {
	Get(ctx context.Context, id string) (models.Instance, error)
	Resume(ctx context.Context, id string, timeout time.Duration) (models.Instance, error)
}

// Coordinator owns the per-process instanceId -> in-flight resume future
// mapping.
type Coordinator struct {
	manager Manager
	group   singleflight.Group
	metrics *metrics.Metrics

	AutoResumeEnabled bool
	ResumeTimeout     time.Duration
}

// New builds a Coordinator wrapping manager. m may be nil (metrics are
// then skipped).
func New(manager Manager, m *metrics.Metrics, autoResumeEnabled bool, resumeTimeout time.Duration) *Coordinator {
	return &Coordinator{
		manager:           manager,
		metrics:           m,
		AutoResumeEnabled: autoResumeEnabled,
		ResumeTimeout:     resumeTimeout,
	}
}

// EnsureRunning returns the instance immediately if already running,
// otherwise joins (or starts) the single in-flight resume for id and
// returns once it settles.
func (c *Coordinator) EnsureRunning(ctx context.Context, id string) (models.Instance, error) {
	inst, err := c.manager.Get(ctx, id)
	if err != nil {
		return models.Instance{}, err
	}
	if inst.State == models.StateRunning {
		return inst, nil
	}
	if !c.AutoResumeEnabled {
		return models.Instance{}, apierr.New(apierr.InstanceNotRunning, "instance "+id+" is not running and auto-resume is disabled")
	}

	resultCh := c.group.DoChan(id, func() (any, error) {
		// The underlying resume runs against a fresh, un-cancellable
		// context derived from background: a caller's timeout on the
		// *join* must not cancel a resume that other joiners (or a future
		// request) may still benefit from.
		return c.manager.Resume(context.Background(), id, c.ResumeTimeout)
	})

	select {
	case res := <-resultCh:
		c.recordJoin(res.Shared)
		if res.Err != nil {
			return models.Instance{}, res.Err
		}
	case <-time.After(c.ResumeTimeout):
		return models.Instance{}, apierr.New(apierr.InstanceNotRunning, "resume of instance "+id+" timed out")
	case <-ctx.Done():
		return models.Instance{}, apierr.New(apierr.InstanceNotRunning, "resume of instance "+id+" cancelled")
	}

	return c.manager.Get(ctx, id)
}

func (c *Coordinator) recordJoin(shared bool) {
	if c.metrics == nil {
		return
	}
	outcome := "created"
	if shared {
		outcome = "joined"
	}
	c.metrics.ResumeJoinsTotal.WithLabelValues(outcome).Inc()
}
