package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikusnuz/plumise-inference-api/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(registry.Options{AllowPrivateIPs: true})
}

func TestPollNodeList_UpsertsAndSignalsNewNodes(t *testing.T) {
	nodeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer nodeSrv.Close()

	oracleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/nodes":
			w.Write([]byte(`{"nodes":[{"endpoint":"` + nodeSrv.URL + `","address":"0xAbc"}]}`))
		case "/api/v1/metrics/capacity":
			w.Write([]byte(`{"metrics":[]}`))
		default:
			w.Write([]byte(`{}`))
		}
	}))
	defer oracleSrv.Close()

	reg := newTestRegistry(t)

	var newNodes []string
	c := New(oracleSrv.URL, reg, zerolog.Nop(), Options{
		OnNewNode: func(url string) { newNodes = append(newNodes, url) },
	})

	c.pollNodeList(context.Background())

	require.Len(t, newNodes, 1)
	assert.Equal(t, nodeSrv.URL, newNodes[0])

	n := reg.FindByAddress("0xabc")
	require.NotNil(t, n)
	assert.Equal(t, nodeSrv.URL, n.URL)
	assert.Equal(t, registry.StatusOffline, n.Status)
}

func TestPollNodeList_SecondPollDoesNotReannounceExistingNode(t *testing.T) {
	nodeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer nodeSrv.Close()

	oracleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"nodes":[{"endpoint":"` + nodeSrv.URL + `","address":"0xAbc"}]}`))
	}))
	defer oracleSrv.Close()

	reg := newTestRegistry(t)
	var newNodeCalls int
	c := New(oracleSrv.URL, reg, zerolog.Nop(), Options{
		OnNewNode: func(string) { newNodeCalls++ },
	})

	c.pollNodeList(context.Background())
	c.pollNodeList(context.Background())

	assert.Equal(t, 1, newNodeCalls)
}

func TestPollTopology_DerivesTotalLayersAndEntryOrder(t *testing.T) {
	nodeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer nodeSrv.Close()

	oracleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/pipeline/topology", r.URL.Path)
		assert.Equal(t, "big-model", r.URL.Query().Get("model"))
		w.Write([]byte(`{"nodes":[
			{"address":"0xaaa","layerStart":0,"layerEnd":16,"pipelineOrder":0,"benchmarkTokPerSec":12.5},
			{"address":"0xbbb","layerStart":16,"layerEnd":32,"pipelineOrder":1}
		]}`))
	}))
	defer oracleSrv.Close()

	reg := newTestRegistry(t)
	_, err := reg.Upsert(nodeSrv.URL, registry.Seed{WalletAddress: "0xaaa"})
	require.NoError(t, err)

	c := New(oracleSrv.URL, reg, zerolog.Nop(), Options{Model: "big-model"})
	c.pollTopology(context.Background())

	topo := c.Topology()
	assert.Equal(t, "big-model", topo.Model)
	assert.Equal(t, 32, topo.TotalLayers)
	require.Len(t, topo.Nodes, 2)
	assert.True(t, topo.Nodes[0].IsEntryNode)
	assert.False(t, topo.Nodes[1].IsEntryNode)

	n := reg.Get(nodeSrv.URL)
	require.NotNil(t, n)
	assert.Equal(t, 12.5, n.Capacity)
}

func TestPollTopology_SkippedWhenNoModelConfigured(t *testing.T) {
	called := false
	oracleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer oracleSrv.Close()

	reg := newTestRegistry(t)
	c := New(oracleSrv.URL, reg, zerolog.Nop(), Options{})
	c.pollTopology(context.Background())

	assert.False(t, called)
}

func TestPollCapacity_UpdatesExistingNodeByAddress(t *testing.T) {
	nodeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer nodeSrv.Close()

	oracleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"metrics":[{"address":"0xAAA","benchmarkTokPerSec":99.9},{"address":"0xzzz","benchmarkTokPerSec":0}]}`))
	}))
	defer oracleSrv.Close()

	reg := newTestRegistry(t)
	_, err := reg.Upsert(nodeSrv.URL, registry.Seed{WalletAddress: "0xaaa"})
	require.NoError(t, err)

	c := New(oracleSrv.URL, reg, zerolog.Nop(), Options{})
	c.pollCapacity(context.Background())

	n := reg.Get(nodeSrv.URL)
	require.NotNil(t, n)
	assert.Equal(t, 99.9, n.Capacity)
}

func TestPollNodeList_ConnectionRefusedIsTolerated(t *testing.T) {
	reg := newTestRegistry(t)
	c := New("http://127.0.0.1:1", reg, zerolog.Nop(), Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.pollNodeList(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pollNodeList did not return once its context expired")
	}
}
