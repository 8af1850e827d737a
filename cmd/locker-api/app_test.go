package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/LockerBox/config"
	"github.com/BearBump/LockerBox/internal/auth"
	"github.com/BearBump/LockerBox/internal/cache/rediscache"
	"github.com/BearBump/LockerBox/internal/integrations/carrier/binderbyte"
	"github.com/BearBump/LockerBox/internal/integrations/carrier/fake"
	"github.com/BearBump/LockerBox/internal/services/weights"
	"github.com/BearBump/LockerBox/internal/storage/memstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeSwagger(t *testing.T) string {
	t.Helper()
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))
	return sw
}

func TestDefaultAPIFactories_SelectBackends(t *testing.T) {
	f := defaultAPIFactories()

	c := f.newCarrierClient(&config.Config{Provider: config.ProviderConfig{Mode: "binderbyte", APIKey: "k"}}, nil, zap.NewNop())
	_, ok := c.(*binderbyte.Client)
	require.True(t, ok)
	c = f.newCarrierClient(&config.Config{}, []string{"jne"}, zap.NewNop())
	_, ok = c.(*fake.FakeClient)
	require.True(t, ok)

	s := f.newSessions(&config.Config{})
	_, ok = s.(*weights.MemoryStore)
	require.True(t, ok)
	s = f.newSessions(&config.Config{Redis: config.RedisConfig{Host: "localhost", Port: 6379}})
	_, ok = s.(*rediscache.WeightSessions)
	require.True(t, ok)

	st, ping, closeFn, err := f.newStore(&config.Config{}, zap.NewNop())
	require.NoError(t, err)
	_, ok = st.(*memstore.Store)
	require.True(t, ok)
	require.Nil(t, ping)
	require.Nil(t, closeFn)

	bc, closeCache := f.newCache(&config.Config{})
	require.Nil(t, bc)
	require.Nil(t, closeCache)

	p, closeProducer := f.newProducer(&config.Config{})
	require.Nil(t, p)
	require.Nil(t, closeProducer)
}

func TestBuildLockerAPI_RequiresSigningSecret(t *testing.T) {
	_, err := buildLockerAPI(&config.Config{}, writeSwagger(t), defaultAPIFactories(), zap.NewNop())
	require.Error(t, err)
}

func TestRunLockerAPI_ServesRoutes(t *testing.T) {
	cfg := &config.Config{
		Auth:      config.AuthConfig{SigningSecret: "s3cret"},
		LockerBox: config.LockerBoxConfig{HTTPAddr: "127.0.0.1:0"},
	}
	app, err := buildLockerAPI(cfg, writeSwagger(t), defaultAPIFactories(), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.ctx, app.cancel = ctx, cancel

	addrCh := make(chan string, 1)
	app.opts.onListen = func(addr string) { addrCh <- addr }

	errCh := make(chan error, 1)
	go func() { errCh <- app.Run() }()

	var base string
	select {
	case addr := <-addrCh:
		base = "http://" + addr
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	get := func(path string) (int, string) {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	code, body := get("/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "ok")

	code, body = get("/swagger.json")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"swagger"`)

	code, body = get("/stats")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "verifier")

	code, _ = get("/v1/lockers/L1/status")
	require.Equal(t, http.StatusUnauthorized, code)

	tok, err := auth.NewVerifier("s3cret", "").Issue(auth.Identity{Subject: "op", Role: auth.RoleOperator}, time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, base+"/v1/lockers", strings.NewReader(`{"lockerId":"L1"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunLockerAPI_MissingSwagger(t *testing.T) {
	err := runLockerAPI(context.Background(), lockerAPIOpts{httpAddr: "127.0.0.1:0", swaggerPath: "/nope/swagger.json"}, lockerAPIDeps{})
	require.Error(t, err)
}
