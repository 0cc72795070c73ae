package httpserver

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelog/tidelog/cursor"
	"github.com/tidelog/tidelog/dispatch"
	"github.com/tidelog/tidelog/engine"
	"github.com/tidelog/tidelog/store"
)

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, store.Store) {
	t.Helper()
	d := dispatch.New(dispatch.Config{})
	s := store.NewMemoryStore(store.MemoryStoreConfig{Tail: d})
	cursors, err := cursor.NewPolicy([]byte("test-secret"), time.Minute)
	require.NoError(t, err)
	eng := engine.New(s, cursors, nil, engine.Config{}, nil)
	srv := httptest.NewServer(New(eng, cfg))
	t.Cleanup(srv.Close)
	return srv, s
}

func do(t *testing.T, method, url string, header http.Header, body []byte) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	for k, vals := range header {
		req.Header[k] = vals
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func plainHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return h
}

func TestHTTP_StreamLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	// Create with an initial record.
	resp := do(t, http.MethodPut, srv.URL+"/logs/app", plainHeader(), []byte("hello"))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get(engine.HeaderNextOffset))
	assert.Contains(t, resp.Header.Get("Location"), "/logs/app")

	// Append.
	resp = do(t, http.MethodPost, srv.URL+"/logs/app", plainHeader(), []byte(" world"))
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "11", resp.Header.Get(engine.HeaderNextOffset))

	// Read from the beginning.
	resp = do(t, http.MethodGet, srv.URL+"/logs/app?offset=0", nil, nil)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, "11", resp.Header.Get(engine.HeaderNextOffset))

	// Head.
	resp = do(t, http.MethodHead, srv.URL+"/logs/app", nil, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"11"`, resp.Header.Get("ETag"))

	// Delete, then observe 404.
	resp = do(t, http.MethodDelete, srv.URL+"/logs/app", nil, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/logs/app?offset=0", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_Preflight(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	resp := do(t, http.MethodOptions, srv.URL+"/any", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), engine.HeaderCursor)
}

func TestHTTP_ConditionalRead(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	resp := do(t, http.MethodPut, srv.URL+"/s", plainHeader(), []byte("data"))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	h := http.Header{}
	h.Set("If-None-Match", `"4"`)
	resp = do(t, http.MethodGet, srv.URL+"/s?offset=0", h, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestHTTP_LongPoll(t *testing.T) {
	srv, s := newTestServer(t, Config{})

	resp := do(t, http.MethodPut, srv.URL+"/s", plainHeader(), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.Append("/s", []byte("woken"), store.AppendOptions{})
	}()

	resp = do(t, http.MethodGet, srv.URL+"/s?offset=0&live=long-poll&timeout=5s", nil, nil)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "woken", string(data))
	assert.NotEmpty(t, resp.Header.Get(engine.HeaderCursor))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestHTTP_SSE(t *testing.T) {
	srv, s := newTestServer(t, Config{})

	resp := do(t, http.MethodPut, srv.URL+"/s", plainHeader(), []byte("first"))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/s?offset=0&live=sse", nil, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.Append("/s", []byte("second"), store.AppendOptions{})
	}()

	var events []string
	var datas []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
		if strings.HasPrefix(line, "data: ") {
			datas = append(datas, strings.TrimPrefix(line, "data: "))
		}
		if len(datas) >= 2 {
			break
		}
	}

	require.GreaterOrEqual(t, len(datas), 2)
	assert.Equal(t, "first", datas[0])
	assert.Equal(t, "second", datas[1])
	for _, ev := range events {
		assert.Equal(t, dispatch.EventAppend, ev)
	}
}

func TestHTTP_GzipResponse(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	big := bytes.Repeat([]byte("abcdefgh"), 1024)
	resp := do(t, http.MethodPut, srv.URL+"/s", plainHeader(), big)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	h := http.Header{}
	h.Set("Accept-Encoding", "gzip")
	resp = do(t, http.MethodGet, srv.URL+"/s?offset=0", h, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	gr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, big, data)
}

func TestHTTP_GzipSkippedForSmallBodies(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	resp := do(t, http.MethodPut, srv.URL+"/s", plainHeader(), []byte("tiny"))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	h := http.Header{}
	h.Set("Accept-Encoding", "gzip")
	resp = do(t, http.MethodGet, srv.URL+"/s?offset=0", h, nil)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "tiny", string(data))
}

func TestHTTP_RateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{RateLimit: 1, RateBurst: 1})

	resp := do(t, http.MethodPut, srv.URL+"/s", plainHeader(), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/s?offset=0", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestHTTP_FileStoreLargeRead(t *testing.T) {
	d := dispatch.New(dispatch.Config{})
	fs, err := store.NewFileStore(store.FileStoreConfig{Root: t.TempDir(), Tail: d})
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	eng := engine.New(fs, nil, nil, engine.Config{MaxReadBytes: 1 << 21}, nil)
	srv := httptest.NewServer(New(eng, Config{DisableGzip: true}))
	t.Cleanup(srv.Close)

	big := bytes.Repeat([]byte{0xAB}, 512*1024)
	resp := do(t, http.MethodPut, srv.URL+"/big", plainHeader(), big)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Half a megabyte comes back as a zero-copy file region; the wire
	// payload must still be byte-exact.
	resp = do(t, http.MethodGet, srv.URL+"/big?offset=0&length=524288", nil, nil)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, big, data)
}
