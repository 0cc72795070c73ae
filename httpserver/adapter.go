// Package httpserver adapts the protocol engine to net/http. The adapter
// owns everything HTTP-specific the engine stays out of: CORS, preflight,
// request rate limiting, gzip, zero-copy file transfer, and the SSE write
// loop.
package httpserver

import (
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tidelog/tidelog/engine"
)

// gzipMinSize is the smallest body worth compressing.
const gzipMinSize = 1024

// Config tunes the adapter.
type Config struct {
	// RateLimit caps requests per second across the listener; zero disables
	// limiting. RateBurst defaults to the limit.
	RateLimit float64
	RateBurst int

	// DisableGzip turns off response compression.
	DisableGzip bool

	Logger *zap.Logger
}

// Adapter is an http.Handler fronting the protocol engine.
type Adapter struct {
	engine  *engine.Engine
	limiter *rate.Limiter
	gzip    bool
	logger  *zap.Logger
}

// New wraps the engine in an HTTP adapter.
func New(eng *engine.Engine, cfg Config) *Adapter {
	a := &Adapter{
		engine: eng,
		gzip:   !cfg.DisableGzip,
		logger: cfg.Logger,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return a
}

func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Set CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match, Last-Event-ID, "+
		engine.HeaderItemContentType+", "+engine.HeaderMaxRecordSize)
	w.Header().Set("Access-Control-Expose-Headers",
		engine.HeaderNextOffset+", "+engine.HeaderCursor+", "+engine.HeaderState+", ETag, Location")

	// Handle preflight
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if a.limiter != nil && !a.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	req := &engine.ServerRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Header:  r.Header,
		Body:    r.Body,
		Context: r.Context(),
		Host:    r.Host,
		TLS:     r.TLS != nil,
	}

	resp := a.engine.Handle(req)
	a.writeResponse(w, r, resp)
}

func (a *Adapter) writeResponse(w http.ResponseWriter, r *http.Request, resp *engine.ServerResponse) {
	h := w.Header()
	for k, vals := range resp.Header {
		h[k] = vals
	}

	switch body := resp.Body.(type) {
	case engine.SSEBody:
		a.writeSSE(w, r, resp, body)
	case engine.FileRegionBody:
		a.writeFileRegion(w, r, resp, body)
	case engine.BytesBody:
		a.writeBytes(w, r, resp, body.Data)
	default:
		w.WriteHeader(resp.Status)
	}
}

// writeBytes sends an in-memory body, gzip-compressed when the client
// accepts it and the payload is big enough to benefit.
func (a *Adapter) writeBytes(w http.ResponseWriter, r *http.Request, resp *engine.ServerResponse, data []byte) {
	if a.shouldGzip(r, resp, int64(len(data))) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		w.WriteHeader(resp.Status)
		if r.Method == http.MethodHead {
			return
		}
		gw := gzip.NewWriter(w)
		if _, err := gw.Write(data); err != nil {
			a.logger.Debug("response write failed", zap.Error(err))
			return
		}
		if err := gw.Close(); err != nil {
			a.logger.Debug("gzip flush failed", zap.Error(err))
		}
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		a.logger.Debug("response write failed", zap.Error(err))
	}
}

func (a *Adapter) shouldGzip(r *http.Request, resp *engine.ServerResponse, size int64) bool {
	if !a.gzip || resp.Status != http.StatusOK || size < gzipMinSize {
		return false
	}
	return acceptsGzip(r.Header.Get("Accept-Encoding"))
}

func acceptsGzip(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		token, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if token == "gzip" || token == "*" {
			return true
		}
	}
	return false
}

// writeFileRegion transfers a data-file byte range. Copying from a
// *os.File wrapped in a LimitedReader lets net/http use sendfile where the
// platform supports it.
func (a *Adapter) writeFileRegion(w http.ResponseWriter, r *http.Request, resp *engine.ServerResponse, body engine.FileRegionBody) {
	region := body.Region

	w.Header().Set("Content-Length", strconv.FormatInt(region.Length, 10))
	if r.Method == http.MethodHead {
		w.WriteHeader(resp.Status)
		return
	}

	f, err := os.Open(region.Path)
	if err != nil {
		a.logger.Error("open data file failed",
			zap.String("file", region.Path), zap.Error(err))
		w.Header().Del("Content-Length")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if _, err := f.Seek(region.Position, io.SeekStart); err != nil {
		a.logger.Error("seek data file failed",
			zap.String("file", region.Path), zap.Error(err))
		w.Header().Del("Content-Length")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(resp.Status)
	if _, err := io.Copy(w, &io.LimitedReader{R: f, N: region.Length}); err != nil {
		a.logger.Debug("file region transfer interrupted", zap.Error(err))
	}
}

// writeSSE runs the event write loop: headers out, then one flush per
// frame until the publisher completes or the client goes away.
func (a *Adapter) writeSSE(w http.ResponseWriter, r *http.Request, resp *engine.ServerResponse, body engine.SSEBody) {
	// Subscribe before anything can fail so the publisher always runs and
	// returns its session slot, even when the response cannot stream.
	sub := body.Publisher.Subscribe(r.Context())
	defer sub.Cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.logger.Error("response writer does not support flushing; cannot stream")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.Status)
	flusher.Flush()

	// HTTP has no per-frame flow control to surface; grant unbounded
	// credit and let TCP backpressure pace the writes.
	sub.Request(math.MaxInt64)

	for frame := range sub.Frames() {
		if _, err := w.Write(frame.Encode()); err != nil {
			a.logger.Debug("event stream write failed", zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

// Server wraps http.Server with the timeouts a streaming workload needs:
// no global write deadline (long-poll and SSE hold connections open), but
// bounded header read and idle times.
func Server(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
