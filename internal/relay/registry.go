package relay

import (
	"log/slog"
	"sync"

	"pipedrop/internal/observability/metrics"
)

// pendingRendezvous tracks the partially-arrived participants on one path.
// The receiver target is fixed by whichever party arrives first.
type pendingRendezvous struct {
	nReceivers int
	sender     *participant
	receivers  []*participant
}

func (pr *pendingRendezvous) empty() bool {
	return pr.sender == nil && len(pr.receivers) == 0
}

// Established is a promoted rendezvous handed to the pipe engine: the sender
// plus the frozen, arrival-ordered receiver list.
type Established struct {
	Path      string
	Sender    *participant
	Receivers []*participant
}

// Registry is the process-wide rendezvous state. For any path it holds at
// most one of a pending rendezvous or an established marker, never both.
// Every mutation is serialised by the registry mutex; none of the streaming
// work happens under it.
type Registry struct {
	mu          sync.Mutex
	pending     map[string]*pendingRendezvous
	established map[string]struct{}

	// onEstablished receives each promoted rendezvous on its own goroutine.
	onEstablished func(*Established)

	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewRegistry constructs an empty registry. A nil logger disables logging.
func NewRegistry(logger *slog.Logger, recorder *metrics.Recorder) *Registry {
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Registry{
		pending:     make(map[string]*pendingRendezvous),
		established: make(map[string]struct{}),
		logger:      logger,
		metrics:     recorder,
	}
}

// RegisterSender attaches a sender to the path's rendezvous, creating it when
// the sender arrives first. On success the sender's status channel is opened
// and the waiting lines are emitted before promotion is attempted, so the
// sender always observes waiting, then connection notices, then start.
func (reg *Registry) RegisterSender(pathname string, nReceivers int, p *participant) error {
	if nReceivers <= 0 {
		return errBadRequest("n should be a positive integer but was %d.", nReceivers)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.established[pathname]; ok {
		return errConflict("Connection on '%s' has been established already.", pathname)
	}

	pr, ok := reg.pending[pathname]
	if ok {
		if pr.sender != nil {
			return errConflict("Another sender has been registered on '%s'.", pathname)
		}
		if pr.nReceivers != nReceivers {
			return errBadRequest("The number of receivers should be %d but %d.", pr.nReceivers, nReceivers)
		}
	} else {
		pr = &pendingRendezvous{nReceivers: nReceivers}
		reg.pending[pathname] = pr
		reg.metrics.RendezvousOpened()
	}

	pr.sender = p
	reg.arm(pathname, p)

	p.beginStatus()
	p.writeInfo("Waiting for %d receiver(s)...", pr.nReceivers)
	p.writeInfo("%d receiver(s) has/have been connected.", len(pr.receivers))
	for range pr.receivers {
		p.writeInfo("A receiver was connected.")
	}
	p.flush()

	if reg.logger != nil {
		reg.logger.Info("sender registered", "path", pathname, "n", pr.nReceivers, "receivers", len(pr.receivers))
	}

	reg.attemptPromotionLocked(pathname, pr)
	return nil
}

// RegisterReceiver appends a receiver to the path's rendezvous, creating it
// when the receiver arrives first. The receiver's response stays headerless
// until establishment; the pipe engine writes it.
func (reg *Registry) RegisterReceiver(pathname string, nReceivers int, p *participant) error {
	if nReceivers <= 0 {
		return errBadRequest("n should be a positive integer but was %d.", nReceivers)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.established[pathname]; ok {
		return errConflict("Connection on '%s' has been established already.", pathname)
	}

	pr, ok := reg.pending[pathname]
	if ok {
		if pr.nReceivers != nReceivers {
			return errBadRequest("The number of receivers should be %d but %d.", pr.nReceivers, nReceivers)
		}
		if len(pr.receivers) == pr.nReceivers {
			return errBadRequest("The number of receivers has reached limits.")
		}
	} else {
		pr = &pendingRendezvous{nReceivers: nReceivers}
		reg.pending[pathname] = pr
		reg.metrics.RendezvousOpened()
	}

	pr.receivers = append(pr.receivers, p)
	reg.arm(pathname, p)

	if pr.sender != nil {
		pr.sender.writeInfo("A receiver was connected.")
		pr.sender.flush()
	}

	if reg.logger != nil {
		reg.logger.Info("receiver registered", "path", pathname, "n", pr.nReceivers, "receivers", len(pr.receivers))
	}

	reg.attemptPromotionLocked(pathname, pr)
	return nil
}

// arm starts the abort watcher that withdraws a still-pending participant
// when its connection closes. Disarming at promotion retires the watcher.
func (reg *Registry) arm(pathname string, p *participant) {
	go func() {
		select {
		case <-p.r.Context().Done():
			reg.withdraw(pathname, p)
		case <-p.disarm:
		}
	}()
}

// withdraw removes an aborted participant from the pending rendezvous. It is
// a no-op when the path has been promoted or the participant is already gone.
func (reg *Registry) withdraw(pathname string, p *participant) {
	reg.mu.Lock()
	pr, ok := reg.pending[pathname]
	if !ok {
		reg.mu.Unlock()
		return
	}

	removed := false
	if pr.sender == p {
		pr.sender = nil
		removed = true
	} else {
		for i, rcv := range pr.receivers {
			if rcv == p {
				pr.receivers = append(pr.receivers[:i], pr.receivers[i+1:]...)
				removed = true
				break
			}
		}
	}
	if removed && pr.empty() {
		delete(reg.pending, pathname)
		reg.metrics.RendezvousClosed()
	}
	reg.mu.Unlock()

	if !removed {
		return
	}
	if reg.logger != nil {
		reg.logger.Info("participant withdrawn", "path", pathname)
	}
	p.finish(outcomeServed)
}

// attemptPromotionLocked promotes a complete rendezvous: every abort watcher
// is disarmed, the pending entry becomes an established marker, and the pipe
// engine takes over asynchronously. Disarming is the linearisation point
// between withdrawal semantics and transfer semantics.
func (reg *Registry) attemptPromotionLocked(pathname string, pr *pendingRendezvous) {
	if pr.sender == nil || len(pr.receivers) != pr.nReceivers {
		return
	}

	pr.sender.disarmAbort()
	for _, rcv := range pr.receivers {
		rcv.disarmAbort()
	}

	delete(reg.pending, pathname)
	reg.established[pathname] = struct{}{}
	reg.metrics.RendezvousClosed()

	est := &Established{
		Path:      pathname,
		Sender:    pr.sender,
		Receivers: append([]*participant(nil), pr.receivers...),
	}

	if reg.logger != nil {
		reg.logger.Info("rendezvous established", "path", pathname, "receivers", len(est.Receivers))
	}
	if reg.onEstablished != nil {
		go reg.onEstablished(est)
	}
}

// release clears the established marker so the path can host a new
// rendezvous.
func (reg *Registry) release(pathname string) {
	reg.mu.Lock()
	delete(reg.established, pathname)
	reg.mu.Unlock()
}

// Pending reports whether the path currently has a pending rendezvous.
func (reg *Registry) Pending(pathname string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.pending[pathname]
	return ok
}

// Busy reports whether the path currently streams an established transfer.
func (reg *Registry) Busy(pathname string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.established[pathname]
	return ok
}
