// Package access implements the pure, idempotent visibility and masking
// rules that are the only path by which an object's sensitive fields leave
// the engine.
package access

import (
	"github.com/graffitidb/engine/internal/model"
)

// IsVisible reports whether viewer may see obj.
//
//   - true if obj.Allowed is absent (public).
//   - otherwise true iff viewer is non-anonymous AND (viewer.Actor ==
//     obj.Actor OR viewer.Actor appears in obj.Allowed).
func IsVisible(obj model.Object, viewer *model.Session) bool {
	if !obj.AllowedSet {
		return true
	}
	if viewer.Anonymous() {
		return false
	}
	if viewer.Actor == obj.Actor {
		return true
	}
	for _, allowed := range obj.Allowed {
		if allowed == viewer.Actor {
			return true
		}
	}
	return false
}

// Mask rewrites obj's allowed/channels fields to what viewer is entitled to
// observe:
//
//   - If viewer.Actor == obj.Actor, obj is returned unchanged.
//   - Otherwise Allowed, if set, is narrowed to {viewer.Actor} (or cleared
//     if there is no viewer); a public object stays public. Channels is
//     filtered to the intersection with queriedChannels.
//
// Mask does not itself check IsVisible; callers must gate on IsVisible
// before calling Mask.
func Mask(obj model.Object, queriedChannels []string, viewer *model.Session) model.Object {
	masked := obj.Clone()

	if !viewer.Anonymous() && viewer.Actor == obj.Actor {
		return masked
	}

	if masked.AllowedSet {
		if viewer.Anonymous() {
			masked.Allowed = nil
		} else {
			masked.Allowed = []string{viewer.Actor}
		}
	}

	masked.Channels = intersect(masked.Channels, queriedChannels)
	return masked
}

func intersect(channels, queried []string) []string {
	if len(queried) == 0 || len(channels) == 0 {
		return []string{}
	}
	queriedSet := make(map[string]struct{}, len(queried))
	for _, q := range queried {
		queriedSet[q] = struct{}{}
	}
	result := make([]string, 0, len(channels))
	for _, c := range channels {
		if _, ok := queriedSet[c]; ok {
			result = append(result, c)
		}
	}
	return result
}
