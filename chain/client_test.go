package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(rpcURL, dasURL string) *Client {
	c := NewClient(rpcURL, dasURL, http.DefaultClient)
	c.backoff = []time.Duration{time.Millisecond}
	return c
}

func rpcResult(w http.ResponseWriter, result string) {
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, result)
}

func TestSnapshotAggregatesDuplicateTokenAccounts(t *testing.T) {
	rpc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getTokenAccountsByOwner", req.Method)

		rpcResult(w, `{"value":[
			{"account":{"data":{"parsed":{"info":{"mint":"MintA","tokenAmount":{"uiAmountString":"10.5"}}}}}},
			{"account":{"data":{"parsed":{"info":{"mint":"MintA","tokenAmount":{"uiAmountString":"4.5"}}}}}},
			{"account":{"data":{"parsed":{"info":{"mint":"MintB","tokenAmount":{"uiAmountString":"0"}}}}}}
		]}`)
	}))
	defer rpc.Close()

	c := newTestClient(rpc.URL, "http://unused.invalid")
	snap, err := c.Snapshot(context.Background(), "WaLLeT", SnapshotOptions{IncludeTokens: true})
	require.NoError(t, err)

	assert.Equal(t, "15", snap.TokenBalance("MintA").String())
	assert.Equal(t, "0", snap.TokenBalance("MintB").String())
	assert.Equal(t, "0", snap.TokenBalance("MintC").String()) // absent mint reads as zero
	assert.Empty(t, snap.NFTCounts)
}

func TestSnapshotCountsOnlyVerifiedCollections(t *testing.T) {
	das := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, `{"items":[
			{"grouping":[{"group_key":"collection","group_value":"CollA","verified":true}]},
			{"grouping":[{"group_key":"collection","group_value":"CollA","collection_verified":true}]},
			{"grouping":[{"group_key":"collection","group_value":"CollB","verified":false}]},
			{"grouping":[{"group_key":"other","group_value":"CollC","verified":true}]},
			{"content":{"metadata":{"collection":{"key":"CollD","verified":true}}}},
			{"content":{"metadata":{"collection":{"key":"","verified":true}}}},
			{"content":{"metadata":{"collection":{"key":"CollE","verified":false}}}},
			{"grouping":[]}
		]}`)
	}))
	defer das.Close()

	c := newTestClient("http://unused.invalid", das.URL)
	snap, err := c.Snapshot(context.Background(), "WaLLeT", SnapshotOptions{IncludeNFTs: true})
	require.NoError(t, err)

	assert.Equal(t, 2, snap.NFTCount("CollA"))
	assert.Equal(t, 1, snap.NFTCount("CollD"))
	assert.Equal(t, 0, snap.NFTCount("CollB"))
	assert.Equal(t, 0, snap.NFTCount("CollC"))
	assert.Equal(t, 0, snap.NFTCount("CollE"))
}

func TestSnapshotPaginatesUntilShortPage(t *testing.T) {
	var pagesServed atomic.Int64
	das := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		params := req.Params.(map[string]any)
		page := int(params["page"].(float64))
		assert.EqualValues(t, dasPageLimit, params["limit"])
		pagesServed.Add(1)

		item := `{"grouping":[{"group_key":"collection","group_value":"Coll","verified":true}]}`
		count := dasPageLimit
		if page == 2 {
			count = 3
		}
		items := make([]string, count)
		for i := range items {
			items[i] = item
		}
		rpcResult(w, fmt.Sprintf(`{"items":[%s]}`, strings.Join(items, ",")))
	}))
	defer das.Close()

	c := newTestClient("http://unused.invalid", das.URL)
	snap, err := c.Snapshot(context.Background(), "WaLLeT", SnapshotOptions{IncludeNFTs: true})
	require.NoError(t, err)

	assert.EqualValues(t, 2, pagesServed.Load())
	assert.Equal(t, dasPageLimit+3, snap.NFTCount("Coll"))
}

func TestSnapshotEmptyOptionsSkipsNetwork(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	c := newTestClient(server.URL, server.URL)
	snap, err := c.Snapshot(context.Background(), "WaLLeT", SnapshotOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, calls.Load())
	assert.Empty(t, snap.TokenBalances)
	assert.Empty(t, snap.NFTCounts)
}

func TestSnapshotRetriesThenFailsUnavailable(t *testing.T) {
	var calls atomic.Int64
	rpc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer rpc.Close()

	c := newTestClient(rpc.URL, "http://unused.invalid")
	_, err := c.Snapshot(context.Background(), "WaLLeT", SnapshotOptions{IncludeTokens: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 4, calls.Load()) // bounded attempts
}

func TestSnapshotSurfacesRPCError(t *testing.T) {
	rpc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid pubkey"}}`)
	}))
	defer rpc.Close()

	c := newTestClient(rpc.URL, "http://unused.invalid")
	_, err := c.Snapshot(context.Background(), "not-a-wallet", SnapshotOptions{IncludeTokens: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "invalid pubkey")
}
