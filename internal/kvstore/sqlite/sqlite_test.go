package sqlite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graffitidb/engine/internal/model"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(context.Background(), "file::memory:?cache=shared&_busy_timeout=1000")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	obj := model.Object{
		URL:          "graffiti://alice.id1",
		Actor:        "alice",
		Value:        json.RawMessage(`{"x":1}`),
		Channels:     []string{"c"},
		LastModified: 1,
		Revision:     NewRevision(),
	}
	require.NoError(t, b.Put(ctx, obj))

	got, err := b.Get(ctx, obj.URL)
	require.NoError(t, err)
	require.Equal(t, obj.Actor, got.Actor)
	require.JSONEq(t, string(obj.Value), string(got.Value))
	require.Equal(t, obj.Channels, got.Channels)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	b := openTestBackend(t)
	_, err := b.Get(context.Background(), "graffiti://nobody.id1")
	require.Error(t, err)
	var nfe *model.NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestLastWriterWinsByLastModified(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	url := "graffiti://alice.id1"
	older := model.Object{URL: url, Actor: "alice", LastModified: 5, Revision: "aaa", Value: json.RawMessage(`{"v":"old"}`)}
	newer := model.Object{URL: url, Actor: "alice", LastModified: 10, Revision: "aaa", Value: json.RawMessage(`{"v":"new"}`)}

	require.NoError(t, b.Put(ctx, newer))
	require.NoError(t, b.Put(ctx, older)) // should lose the race

	got, err := b.Get(ctx, url)
	require.NoError(t, err)
	require.JSONEq(t, string(newer.Value), string(got.Value))
}

func TestLastWriterWinsTieBrokenByRevision(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	url := "graffiti://alice.id1"
	a := model.Object{URL: url, Actor: "alice", LastModified: 5, Revision: "aaaa", Value: json.RawMessage(`{"v":"a"}`)}
	z := model.Object{URL: url, Actor: "alice", LastModified: 5, Revision: "zzzz", Value: json.RawMessage(`{"v":"z"}`)}

	require.NoError(t, b.Put(ctx, a))
	require.NoError(t, b.Put(ctx, z))

	got, err := b.Get(ctx, url)
	require.NoError(t, err)
	require.JSONEq(t, string(z.Value), string(got.Value))
}

func TestRangeOrdersByLastModifiedAscending(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	for i, lm := range []int64{30, 10, 20} {
		obj := model.Object{
			URL:          "graffiti://alice.id" + string(rune('0'+i)),
			Actor:        "alice",
			Channels:     []string{"c"},
			LastModified: lm,
			Revision:     NewRevision(),
			Value:        json.RawMessage(`{}`),
		}
		require.NoError(t, b.Put(ctx, obj))
	}

	rows, err := b.Range(ctx, "c", "", "￿")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, int64(10), rows[0].Doc.LastModified)
	require.Equal(t, int64(20), rows[1].Doc.LastModified)
	require.Equal(t, int64(30), rows[2].Doc.LastModified)
}

func TestRangeByActorListsOrphans(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	orphan := model.Object{URL: "graffiti://alice.id1", Actor: "alice", LastModified: 1, Revision: NewRevision(), Value: json.RawMessage(`{}`)}
	require.NoError(t, b.Put(ctx, orphan))

	objs, err := b.RangeByActor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	require.Equal(t, orphan.URL, objs[0].URL)
}

func TestInfoReflectsMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	seq, err := b.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), seq)

	require.NoError(t, b.Put(ctx, model.Object{URL: "graffiti://a.1", Actor: "a", LastModified: 42, Revision: NewRevision()}))

	seq, err = b.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(42), seq)
}
