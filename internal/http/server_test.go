package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flintkv/internal/config"
	"flintkv/pkg/engine"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	opts := engine.DefaultOptions(t.TempDir())
	db, err := engine.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	srv := NewServer(db, config.Default().Server)
	ts := httptest.NewServer(srv.createRouter())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doRequest(t *testing.T, method, url string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) Response {
	t.Helper()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusOK, decodeResponse(t, resp).Status)
}

func TestServer_PutGetDelete(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doRequest(t, http.MethodPut, ts.URL+"/api/keys/greeting", "hello")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/keys/greeting", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeResponse(t, resp)
	require.NotNil(t, out.Value)
	assert.Equal(t, "hello", *out.Value)

	resp = doRequest(t, http.MethodDelete, ts.URL+"/api/keys/greeting", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/keys/greeting", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ListKeys(t *testing.T) {
	_, ts := newTestServer(t)
	for _, k := range []string{"b", "a", "c"} {
		resp := doRequest(t, http.MethodPut, ts.URL+"/api/keys/"+k, "v")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/keys", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out KeysResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []string{"a", "b", "c"}, out.Keys)
}

func TestServer_Batch(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doRequest(t, http.MethodPut, ts.URL+"/api/keys/old", "x")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := json.Marshal(BatchRequest{
		Puts:    map[string]string{"n1": "v1", "n2": "v2"},
		Deletes: []string{"old"},
	})
	require.NoError(t, err)

	resp = doRequest(t, http.MethodPost, ts.URL+"/api/batch", string(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/keys/n1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doRequest(t, http.MethodGet, ts.URL+"/api/keys/old", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_BatchBadBody(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doRequest(t, http.MethodPost, ts.URL+"/api/batch", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Stat(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doRequest(t, http.MethodPut, ts.URL+"/api/keys/k", "v")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/stat", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out StatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.Stat.KeyNum)
	assert.Equal(t, 1, out.Stat.SegmentNum)
}

func TestServer_CompactBelowThreshold(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doRequest(t, http.MethodPost, ts.URL+"/api/compact", "")
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestServer_BinaryValueRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	payload := string(bytes.Repeat([]byte{0x00, 0x10, 0x7f}, 100))

	resp := doRequest(t, http.MethodPut, ts.URL+"/api/keys/bin", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/keys/bin", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeResponse(t, resp)
	require.NotNil(t, out.Value)
	assert.Equal(t, payload, *out.Value)
}

func TestServer_EmptyValueIsNotAbsence(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doRequest(t, http.MethodPut, ts.URL+"/api/keys/blank", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/keys/blank", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeResponse(t, resp)
	require.NotNil(t, out.Value, "empty value must serialize a value field")
	assert.Equal(t, "", *out.Value)
}

func TestServer_StartStop(t *testing.T) {
	opts := engine.DefaultOptions(t.TempDir())
	db, err := engine.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default().Server
	cfg.Port = 18473
	srv := NewServer(db, cfg)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop())
}
