package binderbyte

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/LockerBox/internal/integrations/carrier"
	"github.com/stretchr/testify/require"
)

func TestClient_Track_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/track", r.URL.Path)
		require.Equal(t, "demo", r.URL.Query().Get("api_key"))
		require.Equal(t, "jne", r.URL.Query().Get("courier"))
		require.Equal(t, "CGK123", r.URL.Query().Get("awb"))
		require.Equal(t, "12345", r.URL.Query().Get("number"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "status": 200,
  "message": "Successfully tracked package",
  "data": {
    "summary": {"awb": "CGK123", "courier": "JNE", "status": "DELIVERED"},
    "detail": {"origin": "JAKARTA", "destination": "BANDUNG"},
    "history": [{"date": "2025-01-01 10:00:00", "desc": "DELIVERED"}]
  }
}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "demo", nil)
	snap, err := c.Track(context.Background(), carrier.Query{Carrier: "jne", TrackingNumber: "CGK123", AuxCode: "12345"})
	require.NoError(t, err)
	require.Equal(t, "DELIVERED", snap.Status)
	require.JSONEq(t, `{"origin": "JAKARTA", "destination": "BANDUNG"}`, string(snap.Detail))
	require.False(t, snap.Placeholder)
}

func TestClient_Track_NoMatch(t *testing.T) {
	cases := map[string]func(w http.ResponseWriter){
		"http 400": func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":400,"message":"Invalid awb"}`))
		},
		"body status": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"status":500,"message":"not found"}`))
		},
		"no summary": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"status":200,"data":{"summary":null}}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { h(w) }))
			defer srv.Close()

			_, err := New(srv.URL, "k", nil).Track(context.Background(), carrier.Query{Carrier: "jnt", TrackingNumber: "X"})
			require.ErrorIs(t, err, carrier.ErrNoMatch)
		})
	}
}

func TestClient_Track_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k", nil).Track(context.Background(), carrier.Query{Carrier: "jnt", TrackingNumber: "X"})
	require.Error(t, err)
	require.NotErrorIs(t, err, carrier.ErrNoMatch)
}

func TestClient_Track_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, "k", nil).Track(ctx, carrier.Query{Carrier: "jnt", TrackingNumber: "X"})
	require.Error(t, err)
	require.NotErrorIs(t, err, carrier.ErrNoMatch)
}
