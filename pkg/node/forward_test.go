package node

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
	"github.com/ryandielhenn/zephyrkv/pkg/kv"
	"github.com/ryandielhenn/zephyrkv/pkg/ring"
)

// udpPair starts two nodes that forward to each other over loopback UDP.
func udpPair(t *testing.T) (a, b *Node) {
	t.Helper()
	fa, fb := listen(t), listen(t)
	view := []gossip.NodeID{fa.Addr(), fb.Addr()}
	a = New(fa.Addr(), kv.NewStore(0), ring.New(64, ring.XXHash), fa, Options{}, zaptest.NewLogger(t))
	b = New(fb.Addr(), kv.NewStore(0), ring.New(64, ring.XXHash), fb, Options{}, zaptest.NewLogger(t))
	a.UpdateRing(view)
	b.UpdateRing(view)
	fa.Start(a.Serve)
	fb.Start(b.Serve)
	return a, b
}

func TestUDPNodesKeepBinaryValues(t *testing.T) {
	a, b := udpPair(t)
	ctx := context.Background()
	key := keyOwnedBy(t, a.ring, b.Self())
	val := "\xff\xfe\x80abc"

	require.NoError(t, a.Put(ctx, key, val))
	stored, ok := b.kv.Get(key)
	require.True(t, ok)
	assert.Equal(t, val, stored, "owner must store the exact bytes")

	got, ok, err := a.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, val, got)
}

func TestUDPNodesMaxSizeValue(t *testing.T) {
	a, b := udpPair(t)
	ctx := context.Background()
	key := keyOwnedBy(t, a.ring, b.Self())

	// characters JSON would escape must not inflate the datagram
	for _, val := range []string{strings.Repeat("<", MaxValueSize), strings.Repeat("\xff", MaxValueSize)} {
		require.NoError(t, a.Put(ctx, key, val))
		got, ok, err := a.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, val, got)
	}
}

func TestOversizedValueNotForwarded(t *testing.T) {
	c := newCluster(t, Options{}, idA, idB)
	a := c.nodes[idA]
	key := keyOwnedBy(t, a.ring, idB)

	err := a.Put(context.Background(), key, strings.Repeat("x", MaxValueSize+1))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, c.calls.Load())

	_, _, err = a.Get(context.Background(), strings.Repeat("k", MaxKeySize+1))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, c.calls.Load())
}

func TestTooLargeIsNotRetried(t *testing.T) {
	calls := 0
	fwd := forwardFunc(func(ctx context.Context, to gossip.NodeID, req Request) (Response, error) {
		calls++
		return Response{}, ErrTooLarge
	})
	a := New(idA, kv.NewStore(0), ring.New(64, ring.XXHash), fwd, Options{}, zaptest.NewLogger(t))
	a.UpdateRing([]gossip.NodeID{idA, idB})
	key := keyOwnedBy(t, a.ring, idB)

	err := a.Put(context.Background(), key, "v")
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, 1, calls)
}

func TestHTTPForwardedBinaryAndLimits(t *testing.T) {
	a, b := udpPair(t)
	h := a.Handler(nil)
	key := keyOwnedBy(t, a.ring, b.Self())

	val := strings.Repeat("<", MaxValueSize)
	require.Equal(t, http.StatusNoContent, do(h, http.MethodPut, "/kv/"+key, val).Code)
	w := do(h, http.MethodGet, "/kv/"+key, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, val, w.Body.String())

	bin := "\x00\xff\xfe"
	require.Equal(t, http.StatusNoContent, do(h, http.MethodPut, "/kv/"+key, bin).Code)
	assert.Equal(t, bin, do(h, http.MethodGet, "/kv/"+key, "").Body.String())

	assert.Equal(t, http.StatusRequestEntityTooLarge,
		do(h, http.MethodPut, "/kv/"+strings.Repeat("k", MaxKeySize+1), "v").Code)
}
