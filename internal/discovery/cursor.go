package discovery

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/graffitidb/engine/internal/model"
)

// cursorPrefix marks a cursor string as belonging to this engine.
const cursorPrefix = "discover:"

// continueParams is the resumable state a continuation carries forward.
type continueParams struct {
	LastDiscovered   int64 `json:"lastDiscovered"`
	IfModifiedSince  int64 `json:"ifModifiedSince"`
}

// cursor is the JSON payload behind the "discover:" prefix.
type cursor struct {
	Channels        []string        `json:"channels"`
	Schema          json.RawMessage `json:"schema"`
	ContinueParams  continueParams  `json:"continueParams"`
	Actor           *string         `json:"actor"`
}

// encodeCursor serializes a cursor as "discover:" + canonical JSON.
func encodeCursor(c cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("discovery: encoding cursor: %w", err)
	}
	return cursorPrefix + string(data), nil
}

// decodeCursor parses a cursor string previously produced by encodeCursor.
// It fails with *model.NotFoundError when the prefix is missing or the
// payload doesn't parse — an unrecognized cursor is treated the same as a
// vanished one, so a forged or stale cursor can't be used to probe for the
// existence of a real one.
func decodeCursor(raw string) (cursor, error) {
	rest, ok := strings.CutPrefix(raw, cursorPrefix)
	if !ok {
		return cursor{}, &model.NotFoundError{URL: raw}
	}
	var c cursor
	if err := json.Unmarshal([]byte(rest), &c); err != nil {
		return cursor{}, &model.NotFoundError{URL: raw}
	}
	return c, nil
}

// boundActor reports the actor a cursor was produced for, or "" if it was
// produced anonymously.
func (c cursor) boundActor() string {
	if c.Actor == nil {
		return ""
	}
	return *c.Actor
}
