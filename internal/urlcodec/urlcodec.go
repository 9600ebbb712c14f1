// Package urlcodec encodes and decodes the (actor, id) pair that forms an
// object's primary key, and mints the random identifiers assigned on post.
package urlcodec

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/graffitidb/engine/internal/model"
)

const (
	// scheme prefixes every encoded url so decoding can reject foreign strings early.
	scheme = "graffiti://"
	// sep is the single unreserved separator joining the percent-encoded
	// actor and id segments. Encode escapes it inside each segment, so
	// neither segment ever contains it.
	sep = "."
)

// Encode concatenates the scheme prefix with the percent-encoded actor and
// id, joined by sep. It is a total function over non-empty actor and id.
func Encode(actor, id string) (string, error) {
	if actor == "" {
		return "", &model.InvalidURLError{Raw: "", Reason: "actor is empty"}
	}
	if id == "" {
		return "", &model.InvalidURLError{Raw: "", Reason: "id is empty"}
	}
	// url.PathEscape leaves "." unescaped, so escape sep explicitly.
	escapedActor := strings.ReplaceAll(url.PathEscape(actor), sep, "%2E")
	escapedID := strings.ReplaceAll(url.PathEscape(id), sep, "%2E")
	return scheme + escapedActor + sep + escapedID, nil
}

// Decode reverses Encode. It fails with *model.InvalidURLError when the
// scheme prefix is missing or the separator count is not exactly one.
func Decode(raw string) (actor, id string, err error) {
	rest, ok := strings.CutPrefix(raw, scheme)
	if !ok {
		return "", "", &model.InvalidURLError{Raw: raw, Reason: "missing scheme prefix"}
	}
	parts := strings.Split(rest, sep)
	if len(parts) != 2 {
		return "", "", &model.InvalidURLError{Raw: raw, Reason: fmt.Sprintf("expected exactly one separator, found %d", len(parts)-1)}
	}
	actor, err = url.PathUnescape(parts[0])
	if err != nil {
		return "", "", &model.InvalidURLError{Raw: raw, Reason: "actor segment: " + err.Error()}
	}
	id, err = url.PathUnescape(parts[1])
	if err != nil {
		return "", "", &model.InvalidURLError{Raw: raw, Reason: "id segment: " + err.Error()}
	}
	if actor == "" || id == "" {
		return "", "", &model.InvalidURLError{Raw: raw, Reason: "actor or id segment is empty"}
	}
	return actor, id, nil
}

// idByteLen is the number of random bytes minted per NewID call. 24 bytes
// base64url-encodes to 32 characters with no padding.
const idByteLen = 24

// NewID mints a cryptographically random, URL-safe identifier.
func NewID() (string, error) {
	buf := make([]byte, idByteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("urlcodec: generating random id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
