package engine

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tidelog/tidelog/codec"
	"github.com/tidelog/tidelog/cursor"
	"github.com/tidelog/tidelog/dispatch"
	"github.com/tidelog/tidelog/store"
)

// Protocol header names.
const (
	HeaderNextOffset      = "X-Stream-Next-Offset"
	HeaderCursor          = "X-Stream-Cursor"
	HeaderState           = "X-Stream-State"
	HeaderItemContentType = "X-Stream-Item-Content-Type"
	HeaderMaxRecordSize   = "X-Stream-Max-Record-Size"
)

// Live-tail query modes.
const (
	liveLongPoll = "long-poll"
	liveSSE      = "sse"
)

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	// MaxReadBytes is the read budget when the request carries no length
	// (records, not bytes, for record-mode streams).
	MaxReadBytes int64

	// MaxRecordSize bounds request bodies before they reach the store.
	MaxRecordSize int64

	// LongPollTimeout is the default long-poll wait; requests may ask for
	// anything in [1s, LongPollTimeoutMax].
	LongPollTimeout    time.Duration
	LongPollTimeoutMax time.Duration

	SSEKeepAlive  time.Duration
	SSEMaxSession time.Duration

	// RetryAfter is advertised on 503 responses.
	RetryAfter time.Duration

	// Sessions bounds concurrent live sessions against the shared waiter
	// cap; nil admits everything.
	Sessions SessionLimiter

	Cache CachePolicy
}

// SessionLimiter reserves capacity for long-lived live sessions. The
// dispatcher implements it; exhaustion answers 503 with Retry-After.
type SessionLimiter interface {
	Admit() (release func(), err error)
}

func (c *Config) applyDefaults() {
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = 4 << 20
	}
	if c.MaxRecordSize <= 0 {
		c.MaxRecordSize = store.DefaultMaxRecordSize
	}
	if c.LongPollTimeout <= 0 {
		c.LongPollTimeout = 30 * time.Second
	}
	if c.LongPollTimeoutMax <= 0 {
		c.LongPollTimeoutMax = 60 * time.Second
	}
	if c.SSEKeepAlive <= 0 {
		c.SSEKeepAlive = dispatch.DefaultKeepAlive
	}
	if c.SSEMaxSession <= 0 {
		c.SSEMaxSession = dispatch.DefaultMaxSession
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = time.Second
	}
	if c.Cache.MaxAge <= 0 {
		c.Cache.MaxAge = time.Minute
	}
}

// Engine is the protocol state machine. It is stateless itself; all shared
// state lives in the store and dispatcher.
type Engine struct {
	store   store.Store
	cursors *cursor.Policy
	codecs  *codec.Registry
	cfg     Config
	logger  *zap.Logger
}

// New creates an engine over the given collaborators. A nil codec registry
// gets the default one; a nil logger is replaced with a no-op.
func New(st store.Store, cursors *cursor.Policy, codecs *codec.Registry, cfg Config, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	if cursors == nil {
		cursors, _ = cursor.NewPolicy(nil, 0)
	}
	if codecs == nil {
		codecs = codec.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   st,
		cursors: cursors,
		codecs:  codecs,
		cfg:     cfg,
		logger:  logger,
	}
}

// Handle runs one request through the state machine. It never panics
// outward and never returns nil; every failure becomes a response.
func (e *Engine) Handle(req *ServerRequest) (resp *ServerResponse) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("request handler panicked",
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Any("panic", r))
			resp = e.internalError()
		}
	}()

	e.logger.Debug("handling request",
		zap.String("method", req.Method),
		zap.String("path", req.Path))

	switch req.Method {
	case http.MethodPut:
		resp = e.handleCreate(req)
	case http.MethodPost:
		resp = e.handleAppend(req)
	case http.MethodGet:
		resp = e.handleGet(req)
	case http.MethodHead:
		resp = e.handleHead(req)
	case http.MethodDelete:
		resp = e.handleDelete(req)
	default:
		resp = newResponse(http.StatusMethodNotAllowed)
		resp.Header.Set("Allow", "GET, HEAD, PUT, POST, DELETE")
		NoStore(resp.Header)
	}
	return resp
}

// queryValue extracts a single-valued query key. Duplicate keys are a
// protocol violation.
func queryValue(req *ServerRequest, key string) (string, bool, error) {
	vals, ok := req.Query[key]
	if !ok {
		return "", false, nil
	}
	if len(vals) > 1 {
		return "", true, fmt.Errorf("duplicate query key %q", key)
	}
	if vals[0] == "" {
		return "", true, fmt.Errorf("query key %q cannot be empty", key)
	}
	return vals[0], true, nil
}

// readBody drains the request body, enforcing the record size cap without
// buffering more than one byte past it.
func (e *Engine) readBody(req *ServerRequest) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(req.Body, e.cfg.MaxRecordSize+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(data)) > e.cfg.MaxRecordSize {
		return nil, store.ErrRecordTooLarge
	}
	return data, nil
}

// frameRecord runs one appended record through the stream's codec when the
// stream is record-oriented.
func (e *Engine) frameRecord(cfg store.StreamConfig, body []byte) ([]byte, error) {
	if !cfg.RecordMode() || len(body) == 0 {
		return body, nil
	}
	return e.codecs.Lookup(cfg.ContentType).Frame(body)
}

func (e *Engine) handleCreate(req *ServerRequest) *ServerResponse {
	contentType := req.Header.Get("Content-Type")
	if contentType == "" {
		return e.badRequest("Content-Type header is required")
	}

	cfg := store.StreamConfig{
		ContentType:     contentType,
		ItemContentType: req.Header.Get(HeaderItemContentType),
	}
	if v := req.Header.Get(HeaderMaxRecordSize); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return e.badRequest("invalid " + HeaderMaxRecordSize)
		}
		cfg.MaxRecordSize = n
	}

	body, err := e.readBody(req)
	if err != nil {
		return e.errorResponse("create", req.Path, err)
	}
	initial, err := e.frameRecord(cfg, body)
	if err != nil {
		return e.errorResponse("create", req.Path, err)
	}

	info, err := e.store.Create(req.Path, cfg, initial)
	if err != nil {
		return e.errorResponse("create", req.Path, err)
	}

	resp := newResponse(http.StatusCreated)
	resp.Header.Set("Location", locationFor(req))
	resp.Header.Set("Content-Type", info.Config.ContentType)
	resp.Header.Set("ETag", etagFor(info.HeadOffset.String()))
	resp.Header.Set(HeaderNextOffset, info.HeadOffset.String())
	return resp
}

// locationFor builds the absolute stream URL, honoring X-Forwarded-Proto
// for hosts behind a reverse proxy.
func locationFor(req *ServerRequest) string {
	scheme := "http"
	if req.TLS {
		scheme = "https"
	}
	if proto := req.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + req.Host + req.Path
}

func (e *Engine) handleAppend(req *ServerRequest) *ServerResponse {
	contentType := req.Header.Get("Content-Type")
	if contentType == "" {
		return e.badRequest("Content-Type header is required")
	}

	info, err := e.store.Head(req.Path)
	if err != nil {
		return e.errorResponse("append", req.Path, err)
	}

	// Reject the mismatch before draining the body.
	if !store.ContentTypeMatches(info.Config.AppendContentType(), contentType) {
		return e.errorResponse("append", req.Path, store.ErrContentTypeMismatch)
	}

	body, err := e.readBody(req)
	if err != nil {
		return e.errorResponse("append", req.Path, err)
	}
	if len(body) == 0 {
		return e.badRequest("empty body not allowed")
	}
	record, err := e.frameRecord(info.Config, body)
	if err != nil {
		return e.errorResponse("append", req.Path, err)
	}

	head, err := e.store.Append(req.Path, record, store.AppendOptions{ContentType: contentType})
	if err != nil {
		return e.errorResponse("append", req.Path, err)
	}

	resp := newResponse(http.StatusNoContent)
	resp.Header.Set("ETag", etagFor(head.String()))
	resp.Header.Set(HeaderNextOffset, head.String())
	return resp
}

func (e *Engine) handleGet(req *ServerRequest) *ServerResponse {
	live, _, err := queryValue(req, "live")
	if err != nil {
		return e.badRequest(err.Error())
	}
	switch live {
	case "":
		return e.handleRead(req)
	case liveLongPoll:
		return e.handleLongPoll(req)
	case liveSSE:
		return e.handleSSE(req)
	default:
		return e.badRequest("invalid live mode")
	}
}

// resolveOffset parses the offset query, resolving -1 against the current
// head. The offset key is required on every GET.
func (e *Engine) resolveOffset(req *ServerRequest, head store.Offset) (store.Offset, error) {
	raw, ok, err := queryValue(req, "offset")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("offset query parameter is required")
	}
	off, err := store.ParseOffset(raw)
	if err != nil {
		return 0, err
	}
	if off.IsHead() {
		return head, nil
	}
	return off, nil
}

// readBudget parses the length query; it is a byte budget for byte-mode
// streams and a record count for record-mode streams.
func (e *Engine) readBudget(req *ServerRequest) (int64, bool, error) {
	raw, ok, err := queryValue(req, "length")
	if err != nil {
		return 0, true, err
	}
	if !ok {
		return e.cfg.MaxReadBytes, false, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, true, errors.New("invalid length")
	}
	if n > e.cfg.MaxReadBytes {
		n = e.cfg.MaxReadBytes
	}
	return n, true, nil
}

func (e *Engine) handleRead(req *ServerRequest) *ServerResponse {
	info, err := e.store.Head(req.Path)
	if err != nil {
		return e.errorResponse("read", req.Path, err)
	}
	from, err := e.resolveOffset(req, info.HeadOffset)
	if err != nil {
		return e.badRequest(err.Error())
	}
	budget, explicit, err := e.readBudget(req)
	if err != nil {
		return e.badRequest(err.Error())
	}

	// length=0 is a position probe: succeed with an empty body and the
	// caller's own offset.
	if explicit && budget == 0 {
		resp := newResponse(http.StatusOK)
		resp.Header.Set("Content-Type", info.Config.ContentType)
		resp.Header.Set(HeaderNextOffset, from.String())
		e.cfg.Cache.Apply(resp.Header, etagFor(info.HeadOffset.String()), info.LastAppend)
		return resp
	}

	res, err := e.store.Read(req.Path, from, budget)
	if err != nil {
		return e.errorResponse("read", req.Path, err)
	}

	// The cache validator tracks the head, not the read position, so
	// partial reads of the same state share it.
	etag := etagFor(info.HeadOffset.String())
	resp := newResponse(http.StatusOK)
	resp.Header.Set("Content-Type", info.Config.ContentType)
	resp.Header.Set(HeaderNextOffset, res.NextOffset.String())
	e.cfg.Cache.Apply(resp.Header, etag, info.LastAppend)

	if NotModified(req.Header, etag) {
		resp.Status = http.StatusNotModified
		return resp
	}

	switch {
	case res.Region != nil:
		resp.Body = FileRegionBody{Region: *res.Region}
	case len(res.Data) > 0:
		resp.Body = BytesBody{Data: res.Data}
	}
	return resp
}

// longPollTimeout parses and clamps the timeout query.
func (e *Engine) longPollTimeout(req *ServerRequest) (time.Duration, error) {
	raw, ok, err := queryValue(req, "timeout")
	if err != nil {
		return 0, err
	}
	if !ok {
		return e.cfg.LongPollTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New("invalid timeout")
	}
	if d < time.Second {
		d = time.Second
	}
	if d > e.cfg.LongPollTimeoutMax {
		d = e.cfg.LongPollTimeoutMax
	}
	return d, nil
}

func (e *Engine) handleLongPoll(req *ServerRequest) *ServerResponse {
	info, err := e.store.Head(req.Path)
	if err != nil {
		return e.errorResponse("long-poll", req.Path, err)
	}

	from, err := e.resolveOffset(req, info.HeadOffset)
	if err != nil {
		return e.badRequest(err.Error())
	}
	budget, _, err := e.readBudget(req)
	if err != nil {
		return e.badRequest(err.Error())
	}
	timeout, err := e.longPollTimeout(req)
	if err != nil {
		return e.badRequest(err.Error())
	}

	// A presented cursor resumes from the position it carries; a broken or
	// stale one is Gone, and the client starts over with offset=-1.
	presented, hasCursor, err := queryValue(req, "cursor")
	if err != nil {
		return e.badRequest(err.Error())
	}
	if hasCursor {
		carried, verr := e.cursors.Verify(req.Path, presented)
		if verr != nil {
			return e.errorResponse("long-poll", req.Path, verr)
		}
		if off, perr := store.ParseOffset(carried); perr == nil && !off.IsHead() {
			from = off
		}
	}

	advanced, err := e.store.Await(req.Ctx(), req.Path, from, timeout)
	if err != nil {
		if errors.Is(err, req.Ctx().Err()) && req.Ctx().Err() != nil {
			// Client went away; answer for completeness, nobody reads it.
			return e.noContent(req.Path, from, presented, hasCursor)
		}
		return e.errorResponse("long-poll", req.Path, err)
	}

	if !advanced {
		// Timeout, or deletion mid-wait.
		if _, herr := e.store.Head(req.Path); herr != nil {
			return e.errorResponse("long-poll", req.Path, herr)
		}
		return e.noContent(req.Path, from, presented, hasCursor)
	}

	res, err := e.store.Read(req.Path, from, budget)
	if err != nil {
		return e.errorResponse("long-poll", req.Path, err)
	}

	resp := newResponse(http.StatusOK)
	resp.Header.Set("Content-Type", info.Config.ContentType)
	resp.Header.Set(HeaderNextOffset, res.NextOffset.String())
	resp.Header.Set(HeaderCursor, e.cursors.Issue(req.Path, res.NextOffset.String()))
	NoStore(resp.Header)

	switch {
	case res.Region != nil:
		resp.Body = FileRegionBody{Region: *res.Region}
	case len(res.Data) > 0:
		resp.Body = BytesBody{Data: res.Data}
	}
	return resp
}

// noContent is the long-poll timeout answer: 204 with the cursor the client
// already holds, or a fresh one bound to the unchanged offset.
func (e *Engine) noContent(path string, from store.Offset, presented string, hasCursor bool) *ServerResponse {
	resp := newResponse(http.StatusNoContent)
	resp.Header.Set(HeaderNextOffset, from.String())
	if hasCursor {
		resp.Header.Set(HeaderCursor, presented)
	} else {
		resp.Header.Set(HeaderCursor, e.cursors.Issue(path, from.String()))
	}
	NoStore(resp.Header)
	return resp
}

func (e *Engine) handleSSE(req *ServerRequest) *ServerResponse {
	info, err := e.store.Head(req.Path)
	if err != nil {
		return e.errorResponse("sse", req.Path, err)
	}

	from, err := e.resolveOffset(req, info.HeadOffset)
	if err != nil {
		return e.badRequest(err.Error())
	}

	// Reconnecting clients resume from the last frame id they saw.
	if lastID := req.Header.Get("Last-Event-ID"); lastID != "" {
		off, perr := store.ParseOffset(lastID)
		if perr != nil || off.IsHead() {
			return e.badRequest("invalid Last-Event-ID")
		}
		from = off
	}

	// An SSE session occupies a waiter slot for its whole lifetime, so
	// capacity is checked before any stream bytes go out.
	var release func()
	if e.cfg.Sessions != nil {
		release, err = e.cfg.Sessions.Admit()
		if err != nil {
			return e.errorResponse("sse", req.Path, err)
		}
	}

	pub := dispatch.NewPublisher(e.store, dispatch.PublisherConfig{
		Path:       req.Path,
		From:       from,
		MaxChunk:   e.cfg.MaxReadBytes,
		KeepAlive:  e.cfg.SSEKeepAlive,
		MaxSession: e.cfg.SSEMaxSession,
		Release:    release,
		Logger:     e.logger,
	})

	resp := newResponse(http.StatusOK)
	resp.Header.Set("Content-Type", "text/event-stream")
	NoStore(resp.Header)
	resp.Body = SSEBody{Publisher: pub}
	return resp
}

func (e *Engine) handleHead(req *ServerRequest) *ServerResponse {
	info, err := e.store.Head(req.Path)
	if err != nil {
		return e.errorResponse("head", req.Path, err)
	}

	resp := newResponse(http.StatusOK)
	resp.Header.Set("Content-Type", info.Config.ContentType)
	resp.Header.Set(HeaderNextOffset, info.HeadOffset.String())
	if info.Degraded {
		resp.Header.Set(HeaderState, "degraded")
	}
	e.cfg.Cache.Apply(resp.Header, etagFor(info.HeadOffset.String()), info.LastAppend)
	return resp
}

func (e *Engine) handleDelete(req *ServerRequest) *ServerResponse {
	deleted, err := e.store.Delete(req.Path)
	if err != nil {
		return e.errorResponse("delete", req.Path, err)
	}
	if !deleted {
		return e.errorResponse("delete", req.Path, store.ErrStreamNotFound)
	}
	return newResponse(http.StatusNoContent)
}

func (e *Engine) badRequest(msg string) *ServerResponse {
	resp := newResponse(http.StatusBadRequest)
	NoStore(resp.Header)
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Body = BytesBody{Data: []byte(msg)}
	return resp
}

func (e *Engine) internalError() *ServerResponse {
	resp := newResponse(http.StatusInternalServerError)
	NoStore(resp.Header)
	return resp
}

// errorResponse maps a failure to its response. Client errors carry a short
// plain-text reason; server errors carry nothing, to avoid leaking
// internals, and are logged with the stream and operation.
func (e *Engine) errorResponse(op, path string, err error) *ServerResponse {
	var status int
	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrStreamExists):
		status = http.StatusConflict
	case errors.Is(err, store.ErrRangeNotSatisfiable):
		status = http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, store.ErrContentTypeMismatch):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, store.ErrRecordTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, store.ErrEmptyRecord),
		errors.Is(err, store.ErrInvalidOffset),
		errors.Is(err, codec.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, cursor.ErrInvalid), errors.Is(err, cursor.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, dispatch.ErrWaiterLimit):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		e.logger.Error("operation failed",
			zap.String("op", op),
			zap.String("path", path),
			zap.Error(err))
	}

	resp := newResponse(status)
	NoStore(resp.Header)
	if status == http.StatusServiceUnavailable {
		resp.Header.Set("Retry-After", strconv.FormatInt(int64(e.cfg.RetryAfter/time.Second), 10))
	}
	if status < http.StatusInternalServerError {
		e.logger.Debug("request rejected",
			zap.String("op", op),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Error(err))
		resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
		resp.Body = BytesBody{Data: []byte(err.Error())}
	}
	return resp
}
