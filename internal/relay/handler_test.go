package relay

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipedrop/internal/observability/metrics"
)

func newTestHandler(t *testing.T, cfg HandlerConfig) *Handler {
	t.Helper()
	if cfg.Version == "" {
		cfg.Version = "0.0.0-test"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	h, err := NewHandler(cfg)
	require.NoError(t, err)
	return h
}

func pendingReceiverCount(reg *Registry, pathname string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	pr, ok := reg.pending[pathname]
	if !ok {
		return 0
	}
	return len(pr.receivers)
}

func TestIndexPage(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, HandlerConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("Content-Length"))
	assert.Contains(t, rec.Body.String(), "<html")
}

func TestVersionPage(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, HandlerConfig{Version: "9.9.9"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/version", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "9.9.9\n", rec.Body.String())
}

func TestVersionPageTrailingSlash(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, HandlerConfig{Version: "9.9.9"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/version/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "9.9.9\n", rec.Body.String())
}

func TestHelpPageDerivesBaseURL(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, HandlerConfig{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/help", nil)
	req.Host = "relay.example.com"
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "curl http://relay.example.com/mypath")
}

func TestHelpPageForwardedProto(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, HandlerConfig{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/help", nil)
	req.Host = "relay.example.com"
	req.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "curl https://relay.example.com/mypath")
}

func TestHelpPageHTTPSListener(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, HandlerConfig{HTTPS: true})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/help", nil)
	req.Host = "relay.example.com"
	h.ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "curl https://relay.example.com/mypath")
}

func TestFavicon(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, HandlerConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/favicon.ico", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestRobots(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, HandlerConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/robots.txt", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestPreflight(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, HandlerConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/anything", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, HEAD, POST, PUT, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Content-Disposition", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
	assert.Equal(t, "0", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.String())
}

func TestUnsupportedMethod(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, HandlerConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("DELETE", "/foo", nil))

	assert.Equal(t, "[ERROR] Unsupported method: DELETE.\n", rec.Body.String())
}

func TestSendToReservedPathRejected(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, HandlerConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/version", strings.NewReader("x")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "[ERROR] Cannot send to a reserved path '/version'. (e.g. '/mypath123')\n", rec.Body.String())
}

func TestNonPositiveReceiverCountRejected(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, HandlerConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/x?n=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "positive integer")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("PUT", "/x?n=-2", strings.NewReader("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "positive integer")
}

func TestSenderToSingleReceiver(t *testing.T) {
	h := newTestHandler(t, HandlerConfig{})
	srv := httptest.NewServer(h)
	defer srv.Close()
	client := srv.Client()

	senderBody := make(chan string, 1)
	go func() {
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/foo", strings.NewReader("hello"))
		if err != nil {
			senderBody <- "request error: " + err.Error()
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			senderBody <- "do error: " + err.Error()
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		senderBody <- string(b)
	}()

	require.Eventually(t, func() bool { return h.Registry().Pending("/foo") }, 2*time.Second, 5*time.Millisecond)

	resp, err := client.Get(srv.URL + "/foo")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "5", resp.Header.Get("Content-Length"))

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	select {
	case body := <-senderBody:
		assert.Contains(t, body, "[INFO] Waiting for 1 receiver(s)...\n")
		assert.Contains(t, body, "[INFO] Start sending with 1 receiver(s)!\n")
		assert.Contains(t, body, "[INFO] Sending successful!\n")
	case <-time.After(5 * time.Second):
		t.Fatal("sender response did not complete")
	}

	require.Eventually(t, func() bool { return !h.Registry().Busy("/foo") }, 2*time.Second, 5*time.Millisecond)
}

func TestSenderToMultipleReceivers(t *testing.T) {
	h := newTestHandler(t, HandlerConfig{})
	srv := httptest.NewServer(h)
	defer srv.Close()
	client := srv.Client()

	type result struct {
		body string
		err  error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := client.Get(srv.URL + "/bar?n=2")
			if err != nil {
				results <- result{err: err}
				return
			}
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			results <- result{body: string(b), err: err}
		}()
	}

	require.Eventually(t, func() bool {
		return pendingReceiverCount(h.Registry(), "/bar") == 2
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := client.Post(srv.URL+"/bar?n=2", "text/plain", strings.NewReader("abc"))
	require.NoError(t, err)
	defer resp.Body.Close()
	senderBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			require.NoError(t, res.err)
			assert.Equal(t, "abc", res.body)
		case <-time.After(5 * time.Second):
			t.Fatal("receiver did not complete")
		}
	}

	body := string(senderBody)
	start := strings.Index(body, "[INFO] Start sending with 2 receiver(s)!\n")
	require.GreaterOrEqual(t, start, 0, "sender body: %q", body)
	assert.Equal(t, 2, strings.Count(body[:start], "[INFO] A receiver was connected.\n"), "sender body: %q", body)
	assert.Contains(t, body, "[INFO] Sending successful!\n")
}

func TestReceiverCountMismatchRejected(t *testing.T) {
	h := newTestHandler(t, HandlerConfig{})
	srv := httptest.NewServer(h)
	defer srv.Close()
	client := srv.Client()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/baz?n=2", strings.NewReader("abc"))
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}()

	require.Eventually(t, func() bool { return h.Registry().Pending("/baz") }, 2*time.Second, 5*time.Millisecond)

	resp, err := client.Get(srv.URL + "/baz?n=3")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "[ERROR] The number of receivers should be 2 but 3.\n", string(b))

	cancel()
	select {
	case <-senderDone:
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not unblock after cancellation")
	}
	require.Eventually(t, func() bool { return !h.Registry().Pending("/baz") }, 2*time.Second, 5*time.Millisecond)
}

func TestMalformedReceiverCountDefaultsToOne(t *testing.T) {
	h := newTestHandler(t, HandlerConfig{})
	srv := httptest.NewServer(h)
	defer srv.Close()
	client := srv.Client()

	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/nn?n=abc", strings.NewReader("x"))
		resp, err := client.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}()

	require.Eventually(t, func() bool { return h.Registry().Pending("/nn") }, 2*time.Second, 5*time.Millisecond)

	resp, err := client.Get(srv.URL + "/nn")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))

	select {
	case <-senderDone:
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not complete")
	}
}

func TestMultipartSenderPropagatesPartHeaders(t *testing.T) {
	h := newTestHandler(t, HandlerConfig{})
	srv := httptest.NewServer(h)
	defer srv.Close()
	client := srv.Client()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", "image/png")
	header.Set("Content-Disposition", `attachment; filename=x.png`)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("PNGDATA"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/m", bytes.NewReader(body.Bytes()))
		req.Header.Set("Content-Type", mw.FormDataContentType())
		resp, err := client.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}()

	require.Eventually(t, func() bool { return h.Registry().Pending("/m") }, 2*time.Second, 5*time.Millisecond)

	resp, err := client.Get(srv.URL + "/m")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename=x.png`, resp.Header.Get("Content-Disposition"))

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(got))

	select {
	case <-senderDone:
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not complete")
	}
}

func TestAllReceiversClosedHalfway(t *testing.T) {
	h := newTestHandler(t, HandlerConfig{})
	srv := httptest.NewServer(h)
	defer srv.Close()
	client := srv.Client()

	pr, pw := io.Pipe()
	defer pw.Close()

	senderBody := make(chan string, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/q", pr)
		resp, err := client.Do(req)
		if err != nil {
			senderBody <- "do error: " + err.Error()
			return
		}
		defer resp.Body.Close()
		// The connection is destroyed after the closed-halfway notice, so
		// the read ends with an error; keep whatever arrived before it.
		b, _ := io.ReadAll(resp.Body)
		senderBody <- string(b)
	}()

	require.Eventually(t, func() bool { return h.Registry().Pending("/q") }, 2*time.Second, 5*time.Millisecond)

	rctx, rcancel := context.WithCancel(context.Background())
	defer rcancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, srv.URL+"/q", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)

	_, err = pw.Write([]byte("stream"))
	require.NoError(t, err)

	buf := make([]byte, 6)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, "stream", string(buf))

	// Drop the sole receiver mid-stream.
	rcancel()
	resp.Body.Close()

	select {
	case body := <-senderBody:
		assert.Contains(t, body, "[INFO] Start sending with 1 receiver(s)!\n")
		assert.Contains(t, body, "[INFO] All receiver(s) was/were closed halfway.\n")
	case <-time.After(5 * time.Second):
		t.Fatal("sender was not notified about the lost receivers")
	}

	// The path becomes available again.
	require.Eventually(t, func() bool {
		return !h.Registry().Busy("/q") && !h.Registry().Pending("/q")
	}, 2*time.Second, 5*time.Millisecond)
}
