package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingRoundTripper_HidesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	core, logs := observer.New(zap.DebugLevel)
	c := New(time.Second, zap.New(core))

	resp, err := c.Get(srv.URL + "/v1/track?api_key=secret")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusTeapot, resp.StatusCode)

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, srv.URL+"/v1/track", entries[0].ContextMap()["url"])
	require.EqualValues(t, http.StatusTeapot, entries[0].ContextMap()["status_code"])
}

func TestLoggingRoundTripper_Error(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c := New(time.Second, zap.New(core))

	_, err := c.Get("http://127.0.0.1:1/unreachable")
	require.Error(t, err)
	require.Equal(t, 1, logs.FilterMessage("http request failed").Len())
}
