package journal

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
)

var (
	self  = gossip.NodeID{Host: "127.0.0.1", Port: 7000}
	peer  = gossip.NodeID{Host: "127.0.0.1", Port: 7001}
	other = gossip.NodeID{Host: "127.0.0.1", Port: 7002}
)

func ev(id gossip.NodeID, c int64) gossip.Event { return gossip.Event{Node: id, Counter: c} }

func TestRecoverCounterMissingFile(t *testing.T) {
	j, err := Open(t.TempDir(), self, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, NeverJoined, j.RecoverCounter(self))

	require.NoError(t, os.Remove(j.Path()))
	assert.Equal(t, NeverJoined, j.RecoverCounter(self))
}

func TestRecoverCounterTakesMaximum(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, self, zaptest.NewLogger(t))
	require.NoError(t, err)
	for _, e := range []gossip.Event{ev(self, 0), ev(peer, 9), ev(self, 3), ev(self, 1)} {
		require.NoError(t, j.Append(e))
	}
	require.NoError(t, j.Close())

	j, err = Open(dir, self, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, int64(3), j.RecoverCounter(self))
	assert.Equal(t, int64(9), j.RecoverCounter(peer))
	assert.Equal(t, NeverJoined, j.RecoverCounter(other))
}

func TestRecoverSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, self)
	require.NoError(t, os.WriteFile(path, []byte("127.0.0.1:7000 2\ngarbage\n\n127.0.0.1:7000 x\n127.0.0.1:7000 4\n"), 0o644))

	j, err := Open(dir, self, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, int64(4), j.RecoverCounter(self))
}

func TestPathLayout(t *testing.T) {
	assert.Equal(t, filepath.Join("log", "127.0.0.1:7000.log"), Path("log", self))
}

func TestReconcileAppendsWinnersOnly(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, self, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.True(t, j.Reconcile(ev(peer, 2)))
	assert.False(t, j.Reconcile(ev(peer, 2)), "ties keep the existing entry")
	assert.False(t, j.Reconcile(ev(peer, 1)))
	assert.True(t, j.Reconcile(ev(peer, 3)))
	assert.True(t, j.Reconcile(ev(other, 0)))
	require.NoError(t, j.Close())

	b, err := os.ReadFile(Path(dir, self))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7001 2\n127.0.0.1:7001 3\n127.0.0.1:7002 0\n", string(b))
}

func TestLatestAndSnapshot(t *testing.T) {
	j, err := Open(t.TempDir(), self, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer j.Close()

	_, ok := j.Latest(peer)
	assert.False(t, ok)

	j.Reconcile(ev(other, 1))
	j.Reconcile(ev(peer, 4))
	j.Reconcile(ev(peer, 5))

	got, ok := j.Latest(peer)
	require.True(t, ok)
	assert.Equal(t, ev(peer, 5), got)
	assert.Equal(t, []gossip.Event{ev(peer, 5), ev(other, 1)}, j.Snapshot())
}

func TestTableMergeOrderIndependent(t *testing.T) {
	events := []gossip.Event{
		ev(self, 0), ev(self, 1), ev(self, 2),
		ev(peer, 0), ev(peer, 3),
		ev(other, 1), ev(other, 1),
	}
	want := Table{}
	for _, e := range events {
		want.Merge(e)
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := append([]gossip.Event(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Table{}
		for _, e := range shuffled {
			got.Merge(e)
		}
		assert.Equal(t, want.Events(), got.Events())
	}
	assert.Equal(t, []gossip.Event{ev(self, 2), ev(peer, 3), ev(other, 1)}, want.Events())
}

func TestAppendAfterClose(t *testing.T) {
	j, err := Open(t.TempDir(), self, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close(), "close is idempotent")

	err = j.Append(ev(self, 0))
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "write", ioErr.Op)
	assert.True(t, errors.Is(err, os.ErrClosed))

	// merge still happens even though the write fails
	assert.True(t, j.Reconcile(ev(peer, 0)))
	got, ok := j.Latest(peer)
	assert.True(t, ok)
	assert.Equal(t, int64(0), got.Counter)
}

func TestAppendRejectsNeverJoined(t *testing.T) {
	j, err := Open(t.TempDir(), self, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer j.Close()
	var ioErr *IOError
	require.ErrorAs(t, j.Append(ev(self, NeverJoined)), &ioErr)
	assert.Equal(t, "encode", ioErr.Op)
}
