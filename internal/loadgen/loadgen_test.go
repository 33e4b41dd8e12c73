//go:build linux

package loadgen

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duderino/everscale-sub002/httpx"
	"github.com/duderino/everscale-sub002/internal/origin"
)

func TestNewValidatesFaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FaultMode = "explode"
	_, err := New(cfg, nil)
	assert.Error(t, err)

	cfg.FaultMode = FaultClose
	cfg.FaultPhase = "end"
	_, err = New(cfg, nil)
	assert.Error(t, err)

	cfg.FaultPhase = "recv_body"
	g, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, httpx.ClientRecvBody, g.fault)

	cfg.Destination = "localhost:80"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

func TestZeroIterationsIsDone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Iterations = 0
	g, err := New(cfg, nil)
	require.NoError(t, err)
	select {
	case <-g.Done():
	default:
		t.Fatal("generator with no iterations is not done")
	}
}

func TestClaimRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Iterations = 2
	g, err := New(cfg, nil)
	require.NoError(t, err)

	require.True(t, g.claim())
	require.True(t, g.claim())
	assert.False(t, g.claim())
	g.release()
	select {
	case <-g.Done():
		t.Fatal("done with one transaction in flight")
	default:
	}
	g.release()
	<-g.Done()
}

func run(t *testing.T, cfg Config, originCfg origin.Config) (Result, *origin.Handler, *httpx.Counters) {
	t.Helper()
	h := origin.New(originCfg, nil)
	hcfg := httpx.DefaultConfig()
	hcfg.Reactors = 2
	srv := &httpx.Server{Addr: "127.0.0.1:0", Handler: h, Config: hcfg}
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	cfg.Destination = srv.ListenAddr().String()
	g, err := New(cfg, nil)
	require.NoError(t, err)
	c := &httpx.Client{Config: hcfg}
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	require.NoError(t, c.Each(g.Seed))

	select {
	case <-g.Done():
	case <-time.After(20 * time.Second):
		t.Fatalf("load generator did not finish: %+v", g.Result())
	}
	return g.Result(), h, c.Counters()
}

func TestLoadAgainstOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connections = 4
	cfg.Iterations = 200
	cfg.Method = "POST"
	cfg.RequestSize = 100
	cfg.ResponseSize = 300

	r, h, counters := run(t, cfg, origin.Config{ResponseSize: 300})
	assert.Equal(t, Result{Succeeded: 200}, r)
	assert.Equal(t, int64(200*100), h.Stats().RequestBytes.Load())
	assert.Zero(t, h.Stats().BadBodies.Load())
	assert.Equal(t, int64(200), counters.Client.Phase(httpx.ClientEnd))
	assert.Equal(t, int64(200), counters.Client.StatusClass(2))
	assert.Zero(t, counters.Client.Failures())
}

func TestLoadChunked(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connections = 2
	cfg.Iterations = 50
	cfg.Method = "POST"
	cfg.RequestSize = 2000
	cfg.Chunked = true

	r, _, _ := run(t, cfg, origin.Config{ResponseSize: 5000, Chunked: true})
	assert.Equal(t, int64(50), r.Succeeded)
	assert.Zero(t, r.Failed)
}

func TestLoadDetectsWrongSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connections = 1
	cfg.Iterations = 5
	cfg.ResponseSize = 99

	r, _, _ := run(t, cfg, origin.Config{ResponseSize: 100})
	assert.Equal(t, int64(5), r.Failed)
	assert.Equal(t, int64(5), r.BadBodies)
}

func TestLoadInjectedClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connections = 2
	cfg.Iterations = 20
	cfg.FaultMode = FaultClose
	cfg.FaultPhase = "recv_body"

	r, _, _ := run(t, cfg, origin.Config{ResponseSize: 10})
	assert.Equal(t, int64(20), r.Failed)
	assert.Zero(t, r.Succeeded)
}
