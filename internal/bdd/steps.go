package bdd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cucumber/godog"

	"github.com/graffitidb/engine/internal/discovery"
	"github.com/graffitidb/engine/internal/engine"
	"github.com/graffitidb/engine/internal/kvstore/sqlite"
	"github.com/graffitidb/engine/internal/model"
	"github.com/graffitidb/engine/internal/objectstore"
)

// scenarioState holds everything a single scenario's steps share. A fresh
// instance is installed into the scenario context by the "Given a fresh
// in-process sqlite backend" step.
type scenarioState struct {
	e *engine.Engine

	lastURL    string
	lastErr    error
	lastObject model.Object

	events      []discovery.DiscoverEvent
	cursor      string
	savedCursor string
}

type stateKey struct{}

func stateFrom(ctx context.Context) *scenarioState {
	s, _ := ctx.Value(stateKey{}).(*scenarioState)
	return s
}

// InitializeScenario registers every step definition for the graffiti
// feature suite against a fresh scenarioState per scenario.
func InitializeScenario(sc *godog.ScenarioContext) {
	sc.Given(`^a fresh in-process sqlite backend$`, func(ctx context.Context) (context.Context, error) {
		// A private in-memory database, not the shared-cache default, so
		// no scenario sees another scenario's objects.
		backend, err := sqlite.Open(context.Background(), ":memory:")
		if err != nil {
			return ctx, err
		}
		eng, err := engine.New(engine.Options{Backend: backend, NewRevision: sqlite.NewRevision})
		if err != nil {
			return ctx, err
		}
		return context.WithValue(ctx, stateKey{}, &scenarioState{e: eng}), nil
	})

	sc.Given(`^"([^"]+)" posts an object with value (.+) in channel "([^"]+)"$`, stepPost)
	sc.Given(`^"([^"]+)" posts an object with value (.+) in channels "([^"]+)"$`, stepPostMultiChannel)
	sc.Given(`^"([^"]+)" posts a private object allowed to "([^"]+)" with value (.+) in channel "([^"]+)"$`, stepPostPrivate)

	sc.When(`^"([^"]+)" gets that object$`, stepGet)
	sc.When(`^"([^"]+)" deletes that object$`, stepDelete)
	sc.When(`^"([^"]+)" discovers channel "([^"]+)"$`, stepDiscover)
	sc.Given(`^"([^"]+)" discovers channel "([^"]+)" and remembers the cursor$`, stepDiscoverRemember)
	sc.When(`^"([^"]+)" continues the remembered cursor$`, stepContinueRemembered)

	sc.Then(`^the get succeeds with value (.+)$`, stepGetSucceeds)
	sc.Then(`^the get fails with not found$`, stepGetNotFound)
	sc.Then(`^the delete fails with forbidden$`, stepDeleteForbidden)
	sc.Then(`^discover returns (\d+) event whose channels are exactly "([^"]+)"$`, stepDiscoverChannelsExactly)
	sc.Then(`^continue returns (\d+) tombstone event$`, stepContinueTombstones)
}

func stepPost(ctx context.Context, actor string, valueJSON, channel string) (context.Context, error) {
	s := stateFrom(ctx)
	obj, err := s.e.Post(context.Background(), objectstore.PartialObject{
		Value:    json.RawMessage(valueJSON),
		Channels: []string{channel},
	}, &model.Session{Actor: actor})
	if err != nil {
		return ctx, err
	}
	s.lastURL = obj.URL
	return ctx, nil
}

func stepPostMultiChannel(ctx context.Context, actor string, valueJSON, channelsCSV string) (context.Context, error) {
	s := stateFrom(ctx)
	obj, err := s.e.Post(context.Background(), objectstore.PartialObject{
		Value:    json.RawMessage(valueJSON),
		Channels: strings.Split(channelsCSV, ","),
	}, &model.Session{Actor: actor})
	if err != nil {
		return ctx, err
	}
	s.lastURL = obj.URL
	return ctx, nil
}

func stepPostPrivate(ctx context.Context, actor, allowedTo, valueJSON, channel string) (context.Context, error) {
	s := stateFrom(ctx)
	obj, err := s.e.Post(context.Background(), objectstore.PartialObject{
		Value:      json.RawMessage(valueJSON),
		Channels:   []string{channel},
		Allowed:    []string{allowedTo},
		AllowedSet: true,
	}, &model.Session{Actor: actor})
	if err != nil {
		return ctx, err
	}
	s.lastURL = obj.URL
	return ctx, nil
}

func stepGet(ctx context.Context, actor string) (context.Context, error) {
	s := stateFrom(ctx)
	obj, err := s.e.Get(context.Background(), s.lastURL, nil, &model.Session{Actor: actor})
	s.lastObject, s.lastErr = obj, err
	return ctx, nil
}

func stepDelete(ctx context.Context, actor string) (context.Context, error) {
	s := stateFrom(ctx)
	s.lastErr = s.e.Delete(context.Background(), s.lastURL, &model.Session{Actor: actor})
	return ctx, nil
}

func stepDiscover(ctx context.Context, actor, channel string) (context.Context, error) {
	s := stateFrom(ctx)
	events, cont, err := runDiscover(s, actor, channel)
	if err != nil {
		return ctx, err
	}
	s.events, s.cursor = events, cont.Cursor
	return ctx, nil
}

func stepDiscoverRemember(ctx context.Context, actor, channel string) (context.Context, error) {
	s := stateFrom(ctx)
	_, cont, err := runDiscover(s, actor, channel)
	if err != nil {
		return ctx, err
	}
	s.savedCursor = cont.Cursor
	return ctx, nil
}

func runDiscover(s *scenarioState, actor, channel string) ([]discovery.DiscoverEvent, discovery.Continuation, error) {
	var events []discovery.DiscoverEvent
	cont, err := s.e.Discover(context.Background(), []string{channel}, nil, &model.Session{Actor: actor}, func(e discovery.DiscoverEvent) error {
		events = append(events, e)
		return nil
	})
	return events, cont, err
}

func stepContinueRemembered(ctx context.Context, actor string) (context.Context, error) {
	s := stateFrom(ctx)
	var events []discovery.DiscoverEvent
	cont, err := s.e.Continue(context.Background(), s.savedCursor, &model.Session{Actor: actor}, func(e discovery.DiscoverEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		return ctx, err
	}
	s.events, s.cursor = events, cont.Cursor
	return ctx, nil
}

func stepGetSucceeds(ctx context.Context, expectedJSON string) error {
	s := stateFrom(ctx)
	if s.lastErr != nil {
		return fmt.Errorf("expected get to succeed, got error: %w", s.lastErr)
	}
	var expected, got any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return err
	}
	if err := json.Unmarshal(s.lastObject.Value, &got); err != nil {
		return err
	}
	if fmt.Sprint(got) != fmt.Sprint(expected) {
		return fmt.Errorf("expected value %v, got %v", expected, got)
	}
	return nil
}

func stepGetNotFound(ctx context.Context) error {
	s := stateFrom(ctx)
	if s.lastErr == nil {
		return fmt.Errorf("expected not found error, got success")
	}
	var notFound *model.NotFoundError
	if !errors.As(s.lastErr, &notFound) {
		return fmt.Errorf("expected *model.NotFoundError, got %T: %v", s.lastErr, s.lastErr)
	}
	return nil
}

func stepDeleteForbidden(ctx context.Context) error {
	s := stateFrom(ctx)
	if s.lastErr == nil {
		return fmt.Errorf("expected forbidden error, got success")
	}
	var forbidden *model.ForbiddenError
	if !errors.As(s.lastErr, &forbidden) {
		return fmt.Errorf("expected *model.ForbiddenError, got %T: %v", s.lastErr, s.lastErr)
	}
	return nil
}

func stepDiscoverChannelsExactly(ctx context.Context, count int, channelsCSV string) error {
	s := stateFrom(ctx)
	if len(s.events) != count {
		return fmt.Errorf("expected %d event(s), got %d", count, len(s.events))
	}
	want := strings.Split(channelsCSV, ",")
	got := s.events[0].Object.Channels
	if fmt.Sprint(got) != fmt.Sprint(want) {
		return fmt.Errorf("expected channels %v, got %v", want, got)
	}
	return nil
}

func stepContinueTombstones(ctx context.Context, count int) error {
	s := stateFrom(ctx)
	n := 0
	for _, e := range s.events {
		if e.Tombstone {
			n++
		}
	}
	if n != count {
		return fmt.Errorf("expected %d tombstone event(s), got %d (of %d total)", count, n, len(s.events))
	}
	return nil
}
