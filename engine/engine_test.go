package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelog/tidelog/cursor"
	"github.com/tidelog/tidelog/dispatch"
	"github.com/tidelog/tidelog/store"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	d := dispatch.New(dispatch.Config{})
	s := store.NewMemoryStore(store.MemoryStoreConfig{Tail: d})
	cursors, err := cursor.NewPolicy([]byte("test-secret"), time.Minute)
	require.NoError(t, err)
	return New(s, cursors, nil, Config{}, nil), s
}

func request(method, path string, query url.Values, header http.Header, body []byte) *ServerRequest {
	if query == nil {
		query = url.Values{}
	}
	if header == nil {
		header = http.Header{}
	}
	req := &ServerRequest{
		Method: method,
		Path:   path,
		Query:  query,
		Header: header,
		Host:   "streams.test",
	}
	if body != nil {
		req.Body = bytes.NewReader(body)
	}
	return req
}

func bodyBytes(t *testing.T, resp *ServerResponse) []byte {
	t.Helper()
	switch b := resp.Body.(type) {
	case EmptyBody:
		return nil
	case BytesBody:
		return b.Data
	case FileRegionBody:
		data, err := b.Region.Bytes()
		require.NoError(t, err)
		return data
	default:
		t.Fatalf("unexpected body variant %T", resp.Body)
		return nil
	}
}

func createStream(t *testing.T, e *Engine, path, contentType string, body []byte) {
	t.Helper()
	h := http.Header{}
	h.Set("Content-Type", contentType)
	resp := e.Handle(request(http.MethodPut, path, nil, h, body))
	require.Equal(t, http.StatusCreated, resp.Status)
}

func TestEngine_Create(t *testing.T) {
	e, _ := newTestEngine(t)

	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	resp := e.Handle(request(http.MethodPut, "/logs/app", nil, h, []byte("seed")))

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "http://streams.test/logs/app", resp.Header.Get("Location"))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, `"4"`, resp.Header.Get("ETag"))
	assert.Equal(t, "4", resp.Header.Get(HeaderNextOffset))
}

func TestEngine_CreateConflict(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", nil)

	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	resp := e.Handle(request(http.MethodPut, "/s", nil, h, nil))
	assert.Equal(t, http.StatusConflict, resp.Status)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestEngine_CreateRequiresContentType(t *testing.T) {
	e, _ := newTestEngine(t)
	resp := e.Handle(request(http.MethodPut, "/s", nil, nil, nil))
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestEngine_CreateForwardedProto(t *testing.T) {
	e, _ := newTestEngine(t)
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	h.Set("X-Forwarded-Proto", "https")
	resp := e.Handle(request(http.MethodPut, "/s", nil, h, nil))
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "https://streams.test/s", resp.Header.Get("Location"))
}

func TestEngine_Append(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", nil)

	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	resp := e.Handle(request(http.MethodPost, "/s", nil, h, []byte("hello")))

	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Equal(t, "5", resp.Header.Get(HeaderNextOffset))
	assert.Equal(t, `"5"`, resp.Header.Get("ETag"))
}

func TestEngine_AppendErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", nil)

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	resp := e.Handle(request(http.MethodPost, "/s", nil, h, []byte("{}")))
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.Status)

	h = http.Header{}
	h.Set("Content-Type", "text/plain")
	resp = e.Handle(request(http.MethodPost, "/s", nil, h, []byte{}))
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = e.Handle(request(http.MethodPost, "/missing", nil, h, []byte("x")))
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestEngine_AppendOversize(t *testing.T) {
	d := dispatch.New(dispatch.Config{})
	s := store.NewMemoryStore(store.MemoryStoreConfig{Tail: d})
	e := New(s, nil, nil, Config{MaxRecordSize: 8}, nil)
	createStream(t, e, "/s", "text/plain", nil)

	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	resp := e.Handle(request(http.MethodPost, "/s", nil, h, []byte("way too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Status)
}

func TestEngine_RecordModeAppendValidatesJSON(t *testing.T) {
	e, _ := newTestEngine(t)

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(HeaderItemContentType, "application/json")
	resp := e.Handle(request(http.MethodPut, "/events", nil, h, nil))
	require.Equal(t, http.StatusCreated, resp.Status)

	resp = e.Handle(request(http.MethodPost, "/events", nil, h, []byte("{broken")))
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = e.Handle(request(http.MethodPost, "/events", nil, h, []byte(`{"n":1}`)))
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Equal(t, "1", resp.Header.Get(HeaderNextOffset))
}

func TestEngine_Read(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", []byte("hello world"))

	q := url.Values{"offset": {"0"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte("hello world"), bodyBytes(t, resp))
	assert.Equal(t, "11", resp.Header.Get(HeaderNextOffset))
	assert.Equal(t, `"11"`, resp.Header.Get("ETag"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "private")
	assert.NotEmpty(t, resp.Header.Get("Last-Modified"))
}

func TestEngine_ReadWithLength(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", []byte("hello world"))

	q := url.Values{"offset": {"6"}, "length": {"3"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte("wor"), bodyBytes(t, resp))
	assert.Equal(t, "9", resp.Header.Get(HeaderNextOffset))
}

func TestEngine_ReadZeroLengthProbe(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", []byte("data"))

	q := url.Values{"offset": {"2"}, "length": {"0"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, bodyBytes(t, resp))
	assert.Equal(t, "2", resp.Header.Get(HeaderNextOffset))
}

func TestEngine_ReadHeadSentinel(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", []byte("data"))

	q := url.Values{"offset": {"-1"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, bodyBytes(t, resp))
	assert.Equal(t, "4", resp.Header.Get(HeaderNextOffset))
}

func TestEngine_ReadQueryValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", []byte("data"))

	// Missing offset.
	resp := e.Handle(request(http.MethodGet, "/s", nil, nil, nil))
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	// Duplicate key.
	resp = e.Handle(request(http.MethodGet, "/s", url.Values{"offset": {"0", "1"}}, nil, nil))
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	// Malformed offset.
	for _, bad := range []string{"abc", "-2", "01", "1.5"} {
		resp = e.Handle(request(http.MethodGet, "/s", url.Values{"offset": {bad}}, nil, nil))
		assert.Equal(t, http.StatusBadRequest, resp.Status, "offset=%q", bad)
	}

	// Past the head.
	resp = e.Handle(request(http.MethodGet, "/s", url.Values{"offset": {"5"}}, nil, nil))
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.Status)
}

func TestEngine_PartialReadETagTracksHead(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", []byte("hello world"))

	q := url.Values{"offset": {"0"}, "length": {"3"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "3", resp.Header.Get(HeaderNextOffset))
	assert.Equal(t, `"11"`, resp.Header.Get("ETag"))

	// The head validator revalidates partial reads too.
	h := http.Header{}
	h.Set("If-None-Match", `"11"`)
	resp = e.Handle(request(http.MethodGet, "/s", q, h, nil))
	assert.Equal(t, http.StatusNotModified, resp.Status)
}

func TestEngine_ReadNotModified(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", []byte("data"))

	h := http.Header{}
	h.Set("If-None-Match", `"4"`)
	q := url.Values{"offset": {"0"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, h, nil))

	assert.Equal(t, http.StatusNotModified, resp.Status)
	assert.Equal(t, `"4"`, resp.Header.Get("ETag"))
	assert.IsType(t, EmptyBody{}, resp.Body)
}

func TestEngine_Head(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", []byte("data"))

	resp := e.Handle(request(http.MethodHead, "/s", nil, nil, nil))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "4", resp.Header.Get(HeaderNextOffset))
	assert.Equal(t, `"4"`, resp.Header.Get("ETag"))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get(HeaderState))

	resp = e.Handle(request(http.MethodHead, "/missing", nil, nil, nil))
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestEngine_Delete(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", nil)

	resp := e.Handle(request(http.MethodDelete, "/s", nil, nil, nil))
	assert.Equal(t, http.StatusNoContent, resp.Status)

	resp = e.Handle(request(http.MethodDelete, "/s", nil, nil, nil))
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestEngine_MethodNotAllowed(t *testing.T) {
	e, _ := newTestEngine(t)
	resp := e.Handle(request(http.MethodPatch, "/s", nil, nil, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
	assert.Contains(t, resp.Header.Get("Allow"), "GET")
}

func TestEngine_LongPollImmediateData(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", []byte("ready"))

	q := url.Values{"offset": {"0"}, "live": {"long-poll"}, "timeout": {"1s"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte("ready"), bodyBytes(t, resp))
	assert.Equal(t, "5", resp.Header.Get(HeaderNextOffset))
	assert.NotEmpty(t, resp.Header.Get(HeaderCursor))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestEngine_LongPollWakesOnAppend(t *testing.T) {
	e, s := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", nil)

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.Append("/s", []byte("fresh"), store.AppendOptions{})
	}()

	q := url.Values{"offset": {"0"}, "live": {"long-poll"}, "timeout": {"5s"}}
	start := time.Now()
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte("fresh"), bodyBytes(t, resp))
	assert.Less(t, time.Since(start), 3*time.Second, "should return on append, not timeout")
}

func TestEngine_LongPollTimeout(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", nil)

	q := url.Values{"offset": {"0"}, "live": {"long-poll"}, "timeout": {"1s"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))

	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Equal(t, "0", resp.Header.Get(HeaderNextOffset))
	assert.NotEmpty(t, resp.Header.Get(HeaderCursor))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestEngine_LongPollCursorRoundTrip(t *testing.T) {
	e, s := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", []byte("first"))

	// First round returns data and a cursor bound to the next offset.
	q := url.Values{"offset": {"0"}, "live": {"long-poll"}, "timeout": {"1s"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))
	require.Equal(t, http.StatusOK, resp.Status)
	token := resp.Header.Get(HeaderCursor)
	require.NotEmpty(t, token)

	s.Append("/s", []byte("second"), store.AppendOptions{})

	// Presenting the cursor resumes where the last round left off; the
	// stale offset in the query loses.
	q = url.Values{"offset": {"0"}, "live": {"long-poll"}, "timeout": {"1s"}, "cursor": {token}}
	resp = e.Handle(request(http.MethodGet, "/s", q, nil, nil))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte("second"), bodyBytes(t, resp))
}

func TestEngine_LongPollTimeoutEchoesCursor(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", nil)

	q := url.Values{"offset": {"0"}, "live": {"long-poll"}, "timeout": {"1s"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))
	require.Equal(t, http.StatusNoContent, resp.Status)
	token := resp.Header.Get(HeaderCursor)

	q.Set("cursor", token)
	resp = e.Handle(request(http.MethodGet, "/s", q, nil, nil))
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Equal(t, token, resp.Header.Get(HeaderCursor), "idle rounds keep the same cursor")
}

func TestEngine_LongPollBadCursor(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", nil)

	q := url.Values{"offset": {"0"}, "live": {"long-poll"}, "cursor": {"garbage"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))
	assert.Equal(t, http.StatusGone, resp.Status)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestEngine_LongPollCursorFromOtherStream(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/a", "text/plain", []byte("x"))
	createStream(t, e, "/b", "text/plain", []byte("y"))

	q := url.Values{"offset": {"0"}, "live": {"long-poll"}, "timeout": {"1s"}}
	resp := e.Handle(request(http.MethodGet, "/a", q, nil, nil))
	require.Equal(t, http.StatusOK, resp.Status)
	token := resp.Header.Get(HeaderCursor)

	q = url.Values{"offset": {"0"}, "live": {"long-poll"}, "cursor": {token}}
	resp = e.Handle(request(http.MethodGet, "/b", q, nil, nil))
	assert.Equal(t, http.StatusGone, resp.Status)
}

func TestEngine_SSE(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", []byte("backlog"))

	q := url.Values{"offset": {"0"}, "live": {"sse"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))

	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	body, ok := resp.Body.(SSEBody)
	require.True(t, ok, "live=sse should yield a streaming body")

	sub := body.Publisher.Subscribe(context.Background())
	defer sub.Cancel()
	sub.Request(1)

	select {
	case f := <-sub.Frames():
		assert.Equal(t, dispatch.EventAppend, f.Event)
		assert.Equal(t, "backlog", string(f.Data))
		assert.Equal(t, "7", f.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from subscription")
	}
}

func TestEngine_SSELastEventID(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", []byte("oldnew"))

	h := http.Header{}
	h.Set("Last-Event-ID", "3")
	q := url.Values{"offset": {"0"}, "live": {"sse"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, h, nil))
	require.Equal(t, http.StatusOK, resp.Status)

	body := resp.Body.(SSEBody)
	sub := body.Publisher.Subscribe(context.Background())
	defer sub.Cancel()
	sub.Request(1)

	select {
	case f := <-sub.Frames():
		assert.Equal(t, "new", string(f.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from subscription")
	}
}

func TestEngine_LiveRequestsRejectedAtWaiterCap(t *testing.T) {
	d := dispatch.New(dispatch.Config{MaxWaiters: 1})
	s := store.NewMemoryStore(store.MemoryStoreConfig{Tail: d})
	e := New(s, nil, nil, Config{Sessions: d}, nil)
	createStream(t, e, "/s", "text/plain", nil)

	occupied, err := d.Register("/s", 0)
	require.NoError(t, err)
	defer occupied.Cancel()

	q := url.Values{"offset": {"0"}, "live": {"long-poll"}, "timeout": {"1s"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	q = url.Values{"offset": {"0"}, "live": {"sse"}}
	resp = e.Handle(request(http.MethodGet, "/s", q, nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.NotEqual(t, "text/event-stream", resp.Header.Get("Content-Type"))
}

func TestEngine_SSESessionSlotReturnedOnCancel(t *testing.T) {
	d := dispatch.New(dispatch.Config{MaxWaiters: 1})
	s := store.NewMemoryStore(store.MemoryStoreConfig{Tail: d})
	e := New(s, nil, nil, Config{Sessions: d}, nil)
	createStream(t, e, "/s", "text/plain", nil)

	q := url.Values{"offset": {"0"}, "live": {"sse"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))
	require.Equal(t, http.StatusOK, resp.Status)

	sub := resp.Body.(SSEBody).Publisher.Subscribe(context.Background())
	sub.Cancel()
	require.Eventually(t, func() bool { return d.Waiters() == 0 },
		time.Second, 5*time.Millisecond, "slot not returned after cancel")

	// The freed slot admits the next session.
	resp = e.Handle(request(http.MethodGet, "/s", q, nil, nil))
	require.Equal(t, http.StatusOK, resp.Status)
	resp.Body.(SSEBody).Publisher.Subscribe(context.Background()).Cancel()
}

func TestEngine_InvalidLiveMode(t *testing.T) {
	e, _ := newTestEngine(t)
	createStream(t, e, "/s", "text/plain", nil)

	q := url.Values{"offset": {"0"}, "live": {"websocket"}}
	resp := e.Handle(request(http.MethodGet, "/s", q, nil, nil))
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}
