package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"go.uber.org/zap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/dist"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	var lc net.ListenConfig

	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	addr := ln.Addr().String()
	_ = ln.Close()

	return addr
}

func testConfig(id, bind string, peers ...string) dist.Config {
	cfg := dist.Defaults()
	cfg.NodeID = id
	cfg.BindAddr = bind
	cfg.Peers = peers
	cfg.BucketCount = 13
	cfg.VirtualNodes = 8
	cfg.ReplyTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 0
	cfg.TombstoneTTL = 0

	return cfg
}

func launch(t *testing.T, cfg dist.Config) *node {
	t.Helper()

	n, err := startNode(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("start node %s: %v", cfg.NodeID, err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = n.shutdown(ctx)
	})

	return n
}

func waitHealthy(t *testing.T, n *node, peer cluster.NodeID) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for n.transport.Health(context.Background(), peer) != nil {
		if time.Now().After(deadline) {
			t.Fatalf("%s never became reachable", peer)
		}

		time.Sleep(20 * time.Millisecond)
	}

	for n.region.Stats().Recovering > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%s still recovering buckets", n.cfg.NodeID)
		}

		time.Sleep(20 * time.Millisecond)
	}
}

func TestTwoNodesReplicateOverHTTP(t *testing.T) {
	addrA, addrB := freeAddr(t), freeAddr(t)

	cfgA := testConfig("a", addrA, "b@"+addrB)
	cfgA.MgmtAddr = "127.0.0.1:0"
	cfgA.MgmtToken = "secret"

	a := launch(t, cfgA)
	b := launch(t, testConfig("b", addrB, "a@"+addrA))

	waitHealthy(t, a, "b")
	waitHealthy(t, b, "a")

	ctx := context.Background()

	// redundancy 1 over two members: both own every bucket
	tag, err := a.service.Put(ctx, "sku-1", "blue")
	assert.Nil(t, err)
	assert.Equal(t, uint64(1), tag.EntryVersion)

	v, ok, err := b.service.Get(ctx, "sku-1")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "blue", v)

	_, err = b.service.Destroy(ctx, "sku-1")
	assert.Nil(t, err)

	has, err := a.service.Contains(ctx, "sku-1")
	assert.Nil(t, err)
	assert.False(t, has)

	assert.Equal(t, 1, a.calls.Count("grid_put_count"))

	base := "http://" + a.mgmt.Address()
	client := &http.Client{Timeout: 2 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/grid/stats", nil)
	assert.Nil(t, err)

	resp, err := client.Do(req)
	assert.Nil(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err = http.NewRequestWithContext(ctx, http.MethodPut, base+"/data/sku-2", strings.NewReader("red"))
	assert.Nil(t, err)
	req.Header.Set("Authorization", "Bearer secret")

	resp, err = client.Do(req)
	assert.Nil(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	v, ok, err = b.service.Get(ctx, "sku-2")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "red", v)
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{
		"-id", "a", "-bind", "127.0.0.1:7401", "-peers", "b@127.0.0.1:7402,c@127.0.0.1:7403",
		"-redundancy", "2", "-offheap", "-offheap-max-mb", "64", "-compression", "s2", "-log-level", "debug",
	})
	assert.Nil(t, err)
	assert.Equal(t, "a", cfg.NodeID)
	assert.Equal(t, []string{"b@127.0.0.1:7402", "c@127.0.0.1:7403"}, cfg.Peers)
	assert.Equal(t, 2, cfg.Redundancy)
	assert.True(t, cfg.OffHeap)
	assert.Equal(t, 64, cfg.OffHeapMaxMB)
	assert.Equal(t, "s2", cfg.Compression)

	logger, err := buildLogger(cfg)
	assert.Nil(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = parseFlags([]string{"-transport", "carrier-pigeon"})
	assert.True(t, errors.Is(err, sentinel.ErrInvalidConfig))

	cfg.LogLevel = "loud"
	_, err = buildLogger(cfg)
	assert.NotNil(t, err)
}

func TestBuildMembershipSkipsAccessorAndSelf(t *testing.T) {
	cfg := testConfig("a", "127.0.0.1:7401", "a@127.0.0.1:7401", "b@127.0.0.1:7402")

	m, local, err := buildMembership(cfg)
	assert.Nil(t, err)
	assert.Equal(t, cluster.NodeID("a"), local)
	assert.Equal(t, 2, len(m.List()))

	cfg.Accessor = true

	m, _, err = buildMembership(cfg)
	assert.Nil(t, err)
	assert.False(t, m.Has("a"))
	assert.True(t, m.Has("b"))
}
