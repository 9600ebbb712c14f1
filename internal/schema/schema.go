// Package schema compiles a JSON-Schema document into a predicate over
// candidate objects, plus the lastModified range extraction that index
// scans use to bound how much of the secondary index they need to walk.
//
// Compilation is backed by github.com/xeipuuv/gojsonschema; this package's
// contract is "predicate + lastModified range", not any particular
// validator's own behavior, per the design notes this engine follows.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/graffitidb/engine/internal/model"
)

// maxSuffixDigits bounds how many decimal digits a padded lastModified
// suffix carries, matching the index's pad15 convention.
const maxSuffixDigits = 15

// maxSuffixSentinel sorts lexicographically above any 15-digit decimal
// string, used as the open upper bound when no maximum is given.
const maxSuffixSentinel = "￿"

// Compiled is a schema that has been validated and is ready to evaluate.
type Compiled struct {
	raw          json.RawMessage
	validator    *gojsonschema.Schema
	startSuffix  string
	endSuffix    string
}

// Compile validates raw as a JSON-Schema document and derives the
// lastModified range implied by properties.lastModified's numeric bounds.
// It fails with *model.InvalidSchemaError at compile time; Matches never
// raises at evaluation time.
func Compile(raw json.RawMessage) (*Compiled, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = json.RawMessage(`{}`)
	}
	loader := gojsonschema.NewBytesLoader(raw)
	validator, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, &model.InvalidSchemaError{Reason: err.Error()}
	}

	start, end, err := extractLastModifiedRange(raw)
	if err != nil {
		return nil, &model.InvalidSchemaError{Reason: err.Error()}
	}

	return &Compiled{
		raw:         raw,
		validator:   validator,
		startSuffix: start,
		endSuffix:   end,
	}, nil
}

// Raw returns the compiled schema's source bytes as given to Compile (or
// `{}` for an empty schema), suitable for embedding in a cursor.
func (c *Compiled) Raw() json.RawMessage {
	return c.raw
}

// Range returns the [startSuffix, endSuffix] pair that index scans use to
// bound a channel's lastModified range. Both are zero-padded 15-digit
// decimal strings, except endSuffix may be the sentinel "￿".
func (c *Compiled) Range() (startSuffix, endSuffix string) {
	return c.startSuffix, c.endSuffix
}

// Matches evaluates the compiled predicate against the full candidate
// object — url, actor, value, channels, allowed, lastModified, tombstone —
// not just its value payload, since a schema is free to constrain any
// sibling-of-value field (properties.channels, properties.lastModified,
// and so on). Evaluation failures (malformed candidate JSON) are treated
// as a non-match rather than an error, since the predicate is documented
// to never raise at evaluation time.
func (c *Compiled) Matches(obj model.Object) bool {
	candidate, err := json.Marshal(obj)
	if err != nil {
		return false
	}
	result, err := c.validator.Validate(gojsonschema.NewBytesLoader(candidate))
	if err != nil {
		return false
	}
	return result.Valid()
}

// schemaBounds is the subset of JSON-Schema this package inspects to
// derive a lastModified range.
type schemaBounds struct {
	Properties struct {
		LastModified struct {
			Minimum          *float64 `json:"minimum"`
			ExclusiveMinimum *float64 `json:"exclusiveMinimum"`
			Maximum          *float64 `json:"maximum"`
			ExclusiveMaximum *float64 `json:"exclusiveMaximum"`
		} `json:"lastModified"`
	} `json:"properties"`
}

func extractLastModifiedRange(raw json.RawMessage) (startSuffix, endSuffix string, err error) {
	var bounds schemaBounds
	if err := json.Unmarshal(raw, &bounds); err != nil {
		return "", "", fmt.Errorf("parsing schema for lastModified bounds: %w", err)
	}

	lm := bounds.Properties.LastModified

	start := ""
	switch {
	case lm.ExclusiveMinimum != nil:
		start = pad15(int64(*lm.ExclusiveMinimum) + 1)
	case lm.Minimum != nil:
		start = pad15(int64(*lm.Minimum))
	}

	end := maxSuffixSentinel
	switch {
	case lm.ExclusiveMaximum != nil:
		// Largest integer strictly less than the bound: floor it, then step
		// down one more only if the bound was itself already an integer.
		floor := math.Floor(*lm.ExclusiveMaximum)
		if floor == *lm.ExclusiveMaximum {
			floor--
		}
		end = pad15(int64(floor))
	case lm.Maximum != nil:
		end = pad15(int64(*lm.Maximum))
	}

	return start, end, nil
}

// pad15 renders n as a non-negative 15-digit zero-padded decimal string,
// the same convention the secondary index uses for lastModified keys.
func pad15(n int64) string {
	if n < 0 {
		n = 0
	}
	s := strconv.FormatInt(n, 10)
	if len(s) >= maxSuffixDigits {
		return s[len(s)-maxSuffixDigits:]
	}
	return strings.Repeat("0", maxSuffixDigits-len(s)) + s
}
