package replication

import (
	"context"
	"sync"
	"time"

	"github.com/haukened/rr-authd/internal/dns/common/log"
	"github.com/haukened/rr-authd/internal/dns/common/metrics"
	"github.com/haukened/rr-authd/internal/dns/common/utils"
	"github.com/haukened/rr-authd/internal/dns/domain"
)

// task is the state of one replica zone.
type task struct {
	cfg     domain.MasterConfig
	logger  log.Logger
	notify  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc // nil until started
	created time.Time

	mu     sync.Mutex
	status domain.ReplicationStatus
}

// newTask creates the task for cfg. lastSuccess carries a sync recorded
// before a restart and may be zero.
func newTask(cfg domain.MasterConfig, logger log.Logger, now, lastSuccess time.Time) *task {
	t := &task{
		cfg:     cfg,
		logger:  logger,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		created: now,
		status: domain.ReplicationStatus{
			Zone:        cfg.Zone,
			Master:      cfg.Address(),
			Strategy:    cfg.Strategy,
			State:       domain.StateIdle,
			LastSuccess: lastSuccess,
		},
	}
	t.publish(domain.StateIdle)
	return t
}

// stop cancels the task and waits for its loop to exit.
func (t *task) stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

// trigger requests an immediate poll. Pending requests coalesce.
func (t *task) trigger() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *task) snapshot() domain.ReplicationStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// since is the start of the current expire window: the last success, or
// task creation if there has been none.
func (t *task) since() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.LastSuccess.IsZero() {
		return t.created
	}
	return t.status.LastSuccess
}

func (t *task) attempt(now time.Time) {
	t.mu.Lock()
	t.status.LastAttempt = now
	t.status.State = domain.StatePolling
	t.mu.Unlock()
	t.publish(domain.StatePolling)
}

func (t *task) setState(st domain.ReplicationState) {
	t.mu.Lock()
	t.status.State = st
	t.mu.Unlock()
	t.publish(st)
}

func (t *task) succeed(now time.Time) {
	t.mu.Lock()
	t.status.State = domain.StateIdle
	t.status.LastSuccess = now
	t.status.LastError = ""
	t.mu.Unlock()
	t.publish(domain.StateIdle)
}

func (t *task) fail(err error, st domain.ReplicationState) {
	t.mu.Lock()
	t.status.State = st
	t.status.LastError = err.Error()
	t.mu.Unlock()
	t.publish(st)
}

func (t *task) publish(st domain.ReplicationState) {
	metrics.ReplicationState.WithLabelValues(utils.CanonicalDNSName(t.cfg.Zone)).Set(float64(st))
}
