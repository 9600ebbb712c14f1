package engine_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graffitidb/engine/internal/discovery"
	"github.com/graffitidb/engine/internal/engine"
	"github.com/graffitidb/engine/internal/kvstore/sqlite"
	"github.com/graffitidb/engine/internal/model"
	"github.com/graffitidb/engine/internal/objectstore"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	backend, err := sqlite.Open(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	e, err := engine.New(engine.Options{
		Backend:     backend,
		NewRevision: sqlite.NewRevision,
	})
	require.NoError(t, err)
	return e
}

func sess(actor string) *model.Session {
	return &model.Session{Actor: actor}
}

func collector() (discovery.Emit, *[]discovery.DiscoverEvent) {
	events := &[]discovery.DiscoverEvent{}
	return func(e discovery.DiscoverEvent) error {
		*events = append(*events, e)
		return nil
	}, events
}

// S1 — basic round trip.
func TestS1_BasicRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := sess("A")

	obj, err := e.Post(ctx, objectstore.PartialObject{Value: json.RawMessage(`{"x":1}`), Channels: []string{"c"}}, a)
	require.NoError(t, err)
	require.Equal(t, "A", obj.Actor)

	got, err := e.Get(ctx, obj.URL, nil, a)
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(got.Value))
	require.Equal(t, []string{"c"}, got.Channels)
	require.Equal(t, "A", got.Actor)
}

// S2 — access control.
func TestS2_AccessControl(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := sess("A")

	obj, err := e.Post(ctx, objectstore.PartialObject{
		Value: json.RawMessage(`{"x":1}`), Channels: []string{"c"},
		Allowed: []string{"B"}, AllowedSet: true,
	}, a)
	require.NoError(t, err)

	_, err = e.Get(ctx, obj.URL, nil, sess("C"))
	require.Error(t, err)
	var nfe *model.NotFoundError
	require.ErrorAs(t, err, &nfe)

	got, err := e.Get(ctx, obj.URL, nil, sess("B"))
	require.NoError(t, err)
	require.Equal(t, []string{}, got.Channels)
	require.Equal(t, []string{"B"}, got.Allowed)
}

// S3 — masking under discover.
func TestS3_MaskingUnderDiscover(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := sess("A")

	_, err := e.Post(ctx, objectstore.PartialObject{Value: json.RawMessage(`{}`), Channels: []string{"c1", "c2"}}, a)
	require.NoError(t, err)

	emit, events := collector()
	_, err = e.Discover(ctx, []string{"c1"}, nil, sess("B"), emit)
	require.NoError(t, err)
	require.Len(t, *events, 1)
	require.Equal(t, []string{"c1"}, (*events)[0].Object.Channels)
}

// S4 — delete then continue emits a tombstone.
func TestS4_DeleteThenContinue(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := sess("A")
	b := sess("B")

	obj, err := e.Post(ctx, objectstore.PartialObject{Value: json.RawMessage(`{}`), Channels: []string{"c"}}, a)
	require.NoError(t, err)

	emit, _ := collector()
	cont, err := e.Discover(ctx, []string{"c"}, nil, b, emit)
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, obj.URL, a))

	emit2, events2 := collector()
	_, err = e.Continue(ctx, cont.Cursor, b, emit2)
	require.NoError(t, err)
	require.Len(t, *events2, 1)
	require.True(t, (*events2)[0].Tombstone)
	require.Equal(t, obj.URL, (*events2)[0].URL)
}

// S5 — schema filter with time bound.
func TestS5_SchemaFilterWithTimeBound(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := sess("A")

	first, err := e.Post(ctx, objectstore.PartialObject{Value: json.RawMessage(`{"t":10}`), Channels: []string{"c"}}, a)
	require.NoError(t, err)
	_, err = e.Post(ctx, objectstore.PartialObject{Value: json.RawMessage(`{"t":20}`), Channels: []string{"c"}}, a)
	require.NoError(t, err)
	last, err := e.Post(ctx, objectstore.PartialObject{Value: json.RawMessage(`{"t":30}`), Channels: []string{"c"}}, a)
	require.NoError(t, err)

	// The window lies strictly between the first and last posts' logical
	// times, so only the middle post falls inside it.
	schemaWithBounds := json.RawMessage(`{"properties":{"lastModified":{"minimum":` + itoa(first.LastModified+1) + `,"maximum":` + itoa(last.LastModified-1) + `}}}`)

	emit, events := collector()
	_, err = e.Discover(ctx, []string{"c"}, schemaWithBounds, a, emit)
	require.NoError(t, err)
	require.Len(t, *events, 1)
	require.JSONEq(t, `{"t":20}`, string((*events)[0].Object.Value))
}

// S6 — cursor actor binding.
func TestS6_CursorActorBinding(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := sess("A")

	_, err := e.Post(ctx, objectstore.PartialObject{Value: json.RawMessage(`{}`), Channels: []string{"c"}}, a)
	require.NoError(t, err)

	emit, _ := collector()
	cont, err := e.Discover(ctx, []string{"c"}, nil, a, emit)
	require.NoError(t, err)

	emit2, _ := collector()
	_, err = e.Continue(ctx, cont.Cursor, sess("B"), emit2)
	require.Error(t, err)
	var forbidden *model.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
}

func TestDeleteThenGetFails(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := sess("A")

	obj, err := e.Post(ctx, objectstore.PartialObject{Value: json.RawMessage(`{}`)}, a)
	require.NoError(t, err)
	require.NoError(t, e.Delete(ctx, obj.URL, a))

	_, err = e.Get(ctx, obj.URL, nil, a)
	require.Error(t, err)
	var nfe *model.NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
