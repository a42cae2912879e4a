package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"pipedrop/internal/observability/metrics"
	"pipedrop/web"
)

// HandlerConfig parameterises the relay's HTTP surface.
type HandlerConfig struct {
	// Version is served at /version and shown in the help text.
	Version string
	// HTTPS marks the listener as TLS-terminated; the help text derives its
	// scheme from it.
	HTTPS bool
	// Logger enables relay logging when non-nil.
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// SinkDepth and CopyBufferSize tune the pipe engine; zero keeps the
	// engine defaults.
	SinkDepth      int
	CopyBufferSize int
}

// Handler routes every request to sender registration, receiver
// registration, the reserved informational pages, or CORS preflight.
type Handler struct {
	registry *Registry
	version  string
	https    bool
	logger   *slog.Logger
	index    []byte
}

// NewHandler builds the relay handler. Each listener gets its own handler so
// the HTTPS flag matches the transport it serves.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	index, err := web.Index()
	if err != nil {
		return nil, fmt.Errorf("load index page: %w", err)
	}
	registry := NewRegistry(cfg.Logger, cfg.Metrics)
	NewEngine(registry, EngineConfig{
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
		SinkDepth:      cfg.SinkDepth,
		CopyBufferSize: cfg.CopyBufferSize,
	})
	return &Handler{
		registry: registry,
		version:  cfg.Version,
		https:    cfg.HTTPS,
		logger:   cfg.Logger,
		index:    index,
	}, nil
}

// Registry exposes the rendezvous state, primarily for tests.
func (h *Handler) Registry() *Registry {
	return h.registry
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pathname := NormalizePath(r.URL.Path)

	switch r.Method {
	case http.MethodPost, http.MethodPut:
		if IsReserved(pathname) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "[ERROR] Cannot send to a reserved path '%s'. (e.g. '/mypath123')\n", pathname)
			return
		}
		h.handleSender(w, r, pathname)
	case http.MethodGet:
		switch pathname {
		case "/":
			h.serveIndex(w)
		case "/version":
			h.serveVersion(w)
		case "/help":
			h.serveHelp(w, r)
		case "/favicon.ico":
			w.WriteHeader(http.StatusNoContent)
		case "/robots.txt":
			w.Header().Set("Content-Length", "0")
			w.WriteHeader(http.StatusNotFound)
		default:
			h.handleReceiver(w, r, pathname)
		}
	case http.MethodOptions:
		h.servePreflight(w)
	default:
		fmt.Fprintf(w, "[ERROR] Unsupported method: %s.\n", r.Method)
	}
}

// receiverCount reads the declared receiver target from the n query
// parameter. Anything that does not parse as an integer, absence included,
// means one receiver; non-positive integers are rejected later by the
// registry.
func receiverCount(r *http.Request) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("n")))
	if err != nil {
		return 1
	}
	return n
}

func (h *Handler) handleSender(w http.ResponseWriter, r *http.Request, pathname string) {
	p := newParticipant(w, r)
	if err := h.registry.RegisterSender(pathname, receiverCount(r), p); err != nil {
		h.writeRegistrationError(w, err)
		return
	}
	p.wait()
}

func (h *Handler) handleReceiver(w http.ResponseWriter, r *http.Request, pathname string) {
	p := newParticipant(w, r)
	if err := h.registry.RegisterReceiver(pathname, receiverCount(r), p); err != nil {
		h.writeRegistrationError(w, err)
		return
	}
	p.wait()
}

func (h *Handler) writeRegistrationError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if regErr, ok := err.(*RegistrationError); ok {
		status = regErr.Status
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	fmt.Fprintf(w, "[ERROR] %s\n", err.Error())
}

func (h *Handler) serveIndex(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(h.index)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.index)
}

func (h *Handler) serveVersion(w http.ResponseWriter) {
	body := h.version + "\n"
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, body)
}

func (h *Handler) serveHelp(w http.ResponseWriter, r *http.Request) {
	body := h.helpText(r)
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, body)
}

// helpText renders usage examples against the URL the client reached us on.
func (h *Handler) helpText(r *http.Request) string {
	scheme := "http"
	if h.https || strings.Contains(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = "hostname"
	}
	base := scheme + "://" + host

	var b strings.Builder
	fmt.Fprintf(&b, "Help for pipedrop %s\n", h.version)
	b.WriteString("\n")
	b.WriteString("======= Get  =======\n")
	fmt.Fprintf(&b, "curl %s/mypath\n", base)
	b.WriteString("\n")
	b.WriteString("======= Send =======\n")
	b.WriteString("# Send a file\n")
	fmt.Fprintf(&b, "curl -T myfile %s/mypath\n", base)
	b.WriteString("\n")
	b.WriteString("# Send a text\n")
	fmt.Fprintf(&b, "echo 'hello!' | curl -T - %s/mypath\n", base)
	b.WriteString("\n")
	b.WriteString("# Send a directory (zip)\n")
	fmt.Fprintf(&b, "zip -q -r - ./mydir | curl -T - %s/mypath\n", base)
	b.WriteString("\n")
	b.WriteString("# Send to multiple receivers\n")
	fmt.Fprintf(&b, "curl -T myfile '%s/mypath?n=3'\n", base)
	return b.String()
}

func (h *Handler) servePreflight(w http.ResponseWriter) {
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type, Content-Disposition")
	header.Set("Access-Control-Max-Age", "86400")
	header.Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}
