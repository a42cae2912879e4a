package relay

import (
	"fmt"
	"net/http"
	"sync"
)

// outcome tells a participant's handler goroutine how to end the exchange
// once the rendezvous is done with it.
type outcome int

const (
	// outcomeServed ends the response normally.
	outcomeServed outcome = iota
	// outcomeAbort destroys the connection without a clean close.
	outcomeAbort
)

// participant couples one half of a rendezvous with its HTTP exchange. The
// handler goroutine that registered the participant blocks on wait until the
// registry (before establishment) or the pipe engine (after establishment)
// finishes with it.
type participant struct {
	w http.ResponseWriter
	r *http.Request

	// disarm is closed at promotion so the abort watcher stops interpreting
	// a connection close as a withdrawal.
	disarm     chan struct{}
	disarmOnce sync.Once

	finished   chan outcome
	finishOnce sync.Once
}

func newParticipant(w http.ResponseWriter, r *http.Request) *participant {
	return &participant{
		w:        w,
		r:        r,
		disarm:   make(chan struct{}),
		finished: make(chan outcome, 1),
	}
}

// beginStatus opens the sender's status channel: a 200 response whose body
// carries informational lines for the lifetime of the rendezvous. Full duplex
// keeps the request body readable after the status header is flushed; without
// it an HTTP/1 server drains the unread body at that point.
func (p *participant) beginStatus() {
	_ = http.NewResponseController(p.w).EnableFullDuplex()
	p.w.Header().Set("Access-Control-Allow-Origin", "*")
	p.w.WriteHeader(http.StatusOK)
}

// writeInfo appends one informational line to the open response body.
func (p *participant) writeInfo(format string, args ...any) {
	fmt.Fprintf(p.w, "[INFO] "+format+"\n", args...)
}

// writeError appends one error line to the open response body.
func (p *participant) writeError(format string, args ...any) {
	fmt.Fprintf(p.w, "[ERROR] "+format+"\n", args...)
}

func (p *participant) flush() {
	if f, ok := p.w.(http.Flusher); ok {
		f.Flush()
	}
}

// disarmAbort retires the abort watcher. After this point a connection close
// is a transfer event, not a withdrawal.
func (p *participant) disarmAbort() {
	p.disarmOnce.Do(func() { close(p.disarm) })
}

// finish releases the participant's handler goroutine. The first call wins;
// later calls are no-ops so overlapping termination paths stay safe.
func (p *participant) finish(oc outcome) {
	p.finishOnce.Do(func() { p.finished <- oc })
}

// wait blocks until the rendezvous is done with this participant, then ends
// the exchange. An abort outcome tears the connection down so the peer sees
// a transport failure instead of a clean end of body.
func (p *participant) wait() {
	if <-p.finished == outcomeAbort {
		panic(http.ErrAbortHandler)
	}
}
