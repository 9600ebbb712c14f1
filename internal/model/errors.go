package model

import "fmt"

// NotFoundError reports that no object exists at the requested url, or
// that it exists but is not visible to the caller. The two cases are
// deliberately conflated to avoid leaking the presence of access-controlled
// objects.
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object not found: %s", e.URL)
}

// ForbiddenError reports a write to an object owned by another actor, or a
// cursor bound to an actor other than the caller's session.
type ForbiddenError struct {
	URL    string
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s: %s", e.URL, e.Reason)
}

// SchemaMismatchError reports that a read succeeded but the object failed
// the caller-supplied compiled predicate.
type SchemaMismatchError struct {
	URL string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("object %s does not conform to the supplied schema", e.URL)
}

// InvalidSchemaError reports that a schema document itself could not be compiled.
type InvalidSchemaError struct {
	Reason string
}

func (e *InvalidSchemaError) Error() string {
	return fmt.Sprintf("invalid schema: %s", e.Reason)
}

// InvalidURLError reports a malformed actor/channel/id identity string.
type InvalidURLError struct {
	Raw    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.Raw, e.Reason)
}

