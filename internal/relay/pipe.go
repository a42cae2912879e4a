package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pipedrop/internal/observability/metrics"
)

const (
	// defaultCopyBufferSize bounds a single read from the source body.
	defaultCopyBufferSize = 32 * 1024

	// defaultSinkDepth bounds the per-receiver chunk queue. A slow receiver
	// stalls only itself until its queue fills, after which the source
	// observes its pace; nothing buffers without bound.
	defaultSinkDepth = 16
)

// EngineConfig tunes the pipe engine. Zero values fall back to the package
// defaults.
type EngineConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// SinkDepth is the per-receiver chunk queue length.
	SinkDepth int
	// CopyBufferSize bounds a single read from the source body.
	CopyBufferSize int
}

// Engine streams established rendezvous: it selects the source byte stream,
// composes receiver headers, fans the source out to every receiver, and
// resolves the termination events.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Recorder

	sinkDepth      int
	copyBufferSize int
}

// NewEngine wires a pipe engine to the registry so every promotion is
// streamed on its own goroutine.
func NewEngine(reg *Registry, cfg EngineConfig) *Engine {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	sinkDepth := cfg.SinkDepth
	if sinkDepth <= 0 {
		sinkDepth = defaultSinkDepth
	}
	copyBufferSize := cfg.CopyBufferSize
	if copyBufferSize <= 0 {
		copyBufferSize = defaultCopyBufferSize
	}
	e := &Engine{
		registry:       reg,
		logger:         cfg.Logger,
		metrics:        recorder,
		sinkDepth:      sinkDepth,
		copyBufferSize: copyBufferSize,
	}
	reg.onEstablished = e.Run
	return e
}

// headerField is a receiver header candidate. Presence, not value
// truthiness, decides emission: an empty value is still forwarded.
type headerField struct {
	value   string
	present bool
}

func fieldFrom(h map[string][]string, name string) headerField {
	vs, ok := h[textproto.CanonicalMIMEHeaderKey(name)]
	if !ok || len(vs) == 0 {
		return headerField{}
	}
	return headerField{value: vs[0], present: true}
}

// sourceInfo carries the header candidates of the chosen source stream.
type sourceInfo struct {
	contentLength      headerField
	contentType        headerField
	contentDisposition headerField
}

// chooseSource picks the byte stream the receivers get. A multipart sender
// body contributes its first part, parsed in streaming fashion; anything
// else streams the raw request body. Header candidates come from the same
// place the bytes do.
func chooseSource(r *http.Request) (io.Reader, sourceInfo, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
		mr, err := r.MultipartReader()
		if err != nil {
			return nil, sourceInfo{}, fmt.Errorf("open multipart body: %w", err)
		}
		part, err := mr.NextPart()
		if err != nil {
			return nil, sourceInfo{}, fmt.Errorf("read first multipart part: %w", err)
		}
		return part, sourceInfo{
			contentLength:      fieldFrom(part.Header, "Content-Length"),
			contentType:        fieldFrom(part.Header, "Content-Type"),
			contentDisposition: fieldFrom(part.Header, "Content-Disposition"),
		}, nil
	}
	return r.Body, sourceInfo{
		contentLength:      fieldFrom(r.Header, "Content-Length"),
		contentType:        fieldFrom(r.Header, "Content-Type"),
		contentDisposition: fieldFrom(r.Header, "Content-Disposition"),
	}, nil
}

// receiverSink is one receiver's buffered leg of the fan-out.
type receiverSink struct {
	p    *participant
	ctrl *http.ResponseController

	ch       chan []byte
	gone     chan struct{}
	goneOnce sync.Once

	// abort marks the sink for connection destruction rather than a clean
	// close, set when the sender disconnects or the source fails.
	abort atomic.Bool
}

// markGone detaches the sink from the fan-out; the source skips it from the
// next chunk on.
func (s *receiverSink) markGone() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// Run streams one established rendezvous to completion. It owns the sender
// response body from the start-sending line onward and every receiver
// response in full.
func (e *Engine) Run(est *Established) {
	start := time.Now()
	sender := est.Sender
	e.metrics.TransferStarted()
	defer e.registry.release(est.Path)

	sender.writeInfo("Start sending with %d receiver(s)!", len(est.Receivers))
	sender.flush()

	src, info, err := chooseSource(sender.r)
	if err != nil {
		sender.writeError("Sending failed.")
		sender.flush()
		sender.finish(outcomeServed)
		for _, rcv := range est.Receivers {
			rcv.finish(outcomeAbort)
		}
		e.metrics.TransferFinished(metrics.TransferFailed, time.Since(start))
		if e.logger != nil {
			e.logger.Error("transfer failed before streaming", "path", est.Path, "error", err)
		}
		return
	}

	sinks := make([]*receiverSink, len(est.Receivers))
	for i, rcv := range est.Receivers {
		h := rcv.w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if info.contentLength.present {
			h.Set("Content-Length", info.contentLength.value)
		}
		if info.contentType.present {
			h.Set("Content-Type", info.contentType.value)
		}
		if info.contentDisposition.present {
			h.Set("Content-Disposition", info.contentDisposition.value)
		}
		rcv.w.WriteHeader(http.StatusOK)
		rcv.flush()
		sinks[i] = &receiverSink{
			p:    rcv,
			ctrl: http.NewResponseController(rcv.w),
			ch:   make(chan []byte, e.sinkDepth),
			gone: make(chan struct{}),
		}
	}

	// The sender response ends exactly once; overlapping termination paths
	// (EOF, source error, all receivers lost) race for it.
	var senderMu sync.Mutex
	senderDone := false
	endSender := func(end func()) {
		senderMu.Lock()
		defer senderMu.Unlock()
		if senderDone {
			return
		}
		senderDone = true
		end()
	}

	var closedEarly atomic.Int32
	allGone := make(chan struct{})
	onGone := func() {
		if int(closedEarly.Add(1)) == len(sinks) {
			close(allGone)
		}
	}

	var writers errgroup.Group
	for _, sink := range sinks {
		sink := sink
		writers.Go(func() error {
			e.runReceiver(sink, onGone)
			return nil
		})
	}

	pipeDone := make(chan struct{})
	defer close(pipeDone)
	go func() {
		select {
		case <-allGone:
			// Every receiver dropped mid-stream. Tell the sender, then
			// destroy its connection so the upload stops.
			endSender(func() {
				sender.writeInfo("All receiver(s) was/were closed halfway.")
				sender.flush()
				sender.finish(outcomeAbort)
				e.metrics.TransferFinished(metrics.TransferReceiversLost, time.Since(start))
			})
			if e.logger != nil {
				e.logger.Info("all receivers closed halfway", "path", est.Path)
			}
		case <-pipeDone:
		}
	}()

	buf := make([]byte, e.copyBufferSize)
	var readErr error
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			for _, sink := range sinks {
				select {
				case sink.ch <- chunk:
				case <-sink.gone:
				}
			}
			e.metrics.AddRelayedBytes(n)
		}
		if rerr != nil {
			readErr = rerr
			break
		}
	}

	switch {
	case errors.Is(readErr, io.EOF):
		for _, sink := range sinks {
			close(sink.ch)
		}
		_ = writers.Wait()
		endSender(func() {
			sender.writeInfo("Sending successful!")
			sender.flush()
			sender.finish(outcomeServed)
			e.metrics.TransferFinished(metrics.TransferSuccess, time.Since(start))
		})
		if e.logger != nil {
			e.logger.Info("transfer completed", "path", est.Path, "receivers", len(sinks), "duration_ms", time.Since(start).Milliseconds())
		}
	case sender.r.Context().Err() != nil:
		// Sender disconnected (or was destroyed after the all-closed
		// notice): receivers must not mistake truncation for completion.
		e.destroySinks(sinks)
		_ = writers.Wait()
		endSender(func() {
			sender.finish(outcomeServed)
			e.metrics.TransferFinished(metrics.TransferSenderLost, time.Since(start))
		})
		if e.logger != nil {
			e.logger.Info("sender disconnected mid-stream", "path", est.Path)
		}
	default:
		e.destroySinks(sinks)
		_ = writers.Wait()
		endSender(func() {
			sender.writeError("Sending failed.")
			sender.flush()
			sender.finish(outcomeServed)
			e.metrics.TransferFinished(metrics.TransferFailed, time.Since(start))
		})
		if e.logger != nil {
			e.logger.Error("transfer failed", "path", est.Path, "error", readErr)
		}
	}
}

// destroySinks marks every sink for abort, interrupts in-flight writes, and
// closes the queues so the writer goroutines wind down.
func (e *Engine) destroySinks(sinks []*receiverSink) {
	for _, sink := range sinks {
		sink.abort.Store(true)
		_ = sink.ctrl.SetWriteDeadline(time.Now())
		close(sink.ch)
	}
}

// runReceiver drains one sink onto its receiver, flushing per chunk so bytes
// stream instead of pooling in the response buffer. It is the only goroutine
// touching the receiver's response writer, and it releases the receiver's
// handler as its final act.
func (e *Engine) runReceiver(sink *receiverSink, onGone func()) {
	rcv := sink.p
	for {
		select {
		case chunk, ok := <-sink.ch:
			if !ok {
				if sink.abort.Load() {
					rcv.finish(outcomeAbort)
				} else {
					rcv.finish(outcomeServed)
				}
				return
			}
			if _, err := rcv.w.Write(chunk); err != nil {
				sink.markGone()
				if sink.abort.Load() {
					rcv.finish(outcomeAbort)
					return
				}
				onGone()
				rcv.finish(outcomeServed)
				return
			}
			rcv.flush()
		case <-rcv.r.Context().Done():
			sink.markGone()
			onGone()
			rcv.finish(outcomeServed)
			return
		}
	}
}
