// Package ident validates and derives the filesystem-safe identifiers used
// for buffer keys, registry keys, and config paths.
package ident

import (
	"fmt"
	"regexp"
	"strings"
)

var safeSegment = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// IsSafePathSegment reports whether s is usable as a single path segment:
// it must match [A-Za-z0-9][A-Za-z0-9._-]* and contain no "..".
func IsSafePathSegment(s string) bool {
	if !safeSegment.MatchString(s) {
		return false
	}
	return !strings.Contains(s, "..")
}

// AliasMap maps raw upstream self ids to canonical ones. A nil map resolves
// every id to itself.
type AliasMap map[string]string

// ParseAliases parses a "raw=canonical,raw2=canonical2" list.
func ParseAliases(spec string) (AliasMap, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	m := make(AliasMap)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		raw, canonical, ok := strings.Cut(pair, "=")
		raw, canonical = strings.TrimSpace(raw), strings.TrimSpace(canonical)
		if !ok || raw == "" || canonical == "" {
			return nil, fmt.Errorf("malformed alias %q (want raw=canonical)", pair)
		}
		m[raw] = canonical
	}
	return m, nil
}

// Resolve returns the canonical id for selfID. Resolution is idempotent: ids
// without an alias entry resolve to themselves, and canonical ids are not
// resolved again.
func (m AliasMap) Resolve(selfID string) string {
	if canonical, ok := m[selfID]; ok {
		return canonical
	}
	return selfID
}

// BotID derives the canonical bot identifier: platform + "-" + alias-resolved
// selfId. Returns an error when the result is not a safe path segment.
func BotID(m AliasMap, platform, selfID string) (string, error) {
	id := strings.ToLower(platform) + "-" + m.Resolve(selfID)
	if !IsSafePathSegment(id) {
		return "", fmt.Errorf("unsafe bot id %q", id)
	}
	return id, nil
}
