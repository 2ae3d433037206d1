package pinax

import (
	"regexp"
	"strings"
)

var yearRe = regexp.MustCompile(`\b(19|20)\d{2}\b`)

var typeAliases = map[string]DCMIType{
	"photo":      TypeStillImage,
	"photograph": TypeStillImage,
	"picture":    TypeStillImage,
	"img":        TypeImage,
	"images":     TypeImage,
	"video":      TypeMovingImage,
	"movie":      TypeMovingImage,
	"film":       TypeMovingImage,
	"audio":      TypeSound,
	"recording":  TypeSound,
	"document":   TypeText,
	"book":       TypeText,
	"article":    TypeText,
	"manuscript": TypeText,
	"object":     TypePhysicalObject,
	"artifact":   TypePhysicalObject,
}

var canonicalByLower = func() map[string]DCMIType {
	m := make(map[string]DCMIType, len(CanonicalTypes))
	for _, t := range CanonicalTypes {
		m[strings.ToLower(string(t))] = t
	}
	return m
}()

// NormalizeType resolves a free-form type string to one of the 12 DCMI
// values (spec §4.3). Exact matches and case-insensitive canonical matches
// pass through; known aliases map to their canonical value; anything else
// is returned unchanged so the validator can flag it.
//
// Idempotent: NormalizeType(NormalizeType(x)) == NormalizeType(x), and for
// every canonical value v, NormalizeType(v) == v.
func NormalizeType(raw string) string {
	if raw == "" {
		return raw
	}
	lower := strings.ToLower(strings.TrimSpace(raw))
	if canon, ok := canonicalByLower[lower]; ok {
		return string(canon)
	}
	if canon, ok := typeAliases[lower]; ok {
		return string(canon)
	}
	return raw
}

// yearOnlyRe and fullDateRe match the two accepted date shapes (YYYY or
// YYYY-MM-DD), without otherwise validating them — the validator (§6) owns
// range/calendar checks.
var (
	yearOnlyRe = regexp.MustCompile(`^\d{4}$`)
	fullDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// NormalizeDate normalizes a free-form date string (spec §4.3). A value
// already shaped as YYYY or YYYY-MM-DD passes through unchanged; otherwise
// the first 4-digit 19xx/20xx year found is extracted and returned; failing
// that, the input is returned unchanged for the validator to flag.
//
// Idempotent: NormalizeDate(NormalizeDate(x)) == NormalizeDate(x), and for
// every 4-digit year y in [1900,2099], NormalizeDate(y) == y.
func NormalizeDate(raw string) string {
	if yearOnlyRe.MatchString(raw) || fullDateRe.MatchString(raw) {
		return raw
	}
	if m := yearRe.FindString(raw); m != "" {
		return m
	}
	return raw
}
