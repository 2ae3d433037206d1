package pinax

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ulidRe     = regexp.MustCompile(`(?i)^[0-9A-HJKMNP-TV-Z]{26}$`)
	uuidRe     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	languageRe = regexp.MustCompile(`^[a-z]{2,3}(-[A-Z]{2})?$`)
)

var canonicalTypeSet = func() map[DCMIType]bool {
	m := make(map[DCMIType]bool, len(CanonicalTypes))
	for _, t := range CanonicalTypes {
		m[t] = true
	}
	return m
}()

// ValidationResult is the validator's output (spec §6).
type ValidationResult struct {
	Valid             bool              `json:"valid"`
	MissingRequired   []string          `json:"missing_required"`
	Warnings          []string          `json:"warnings"`
	FieldValidations  map[string]string `json:"field_validations"`
}

// Validator performs the pure, stateless checks of spec §6. It carries no
// state — NewValidator exists only to mirror the teacher's Validator shape
// (pkg/config/validator.go) for callers that prefer a constructed value.
type Validator struct{}

// NewValidator returns a Validator. Validation has no configuration, so
// every instance behaves identically.
func NewValidator() *Validator { return &Validator{} }

// Validate runs every rule in spec §6 against a raw (possibly partial)
// record and returns the missing-required list, warnings, and a per-field
// validation message map.
func (v *Validator) Validate(raw RawRecord) ValidationResult {
	res := ValidationResult{
		FieldValidations: make(map[string]string),
	}

	ok := func(field, msg string) {
		res.FieldValidations[field] = "✓ " + msg
	}
	bad := func(field, msg string) {
		res.FieldValidations[field] = "⚠ " + msg
	}
	missing := func(field string) {
		res.MissingRequired = append(res.MissingRequired, field)
		bad(field, "missing required field")
	}

	// id
	if id, present := stringField(raw, "id"); !present || id == "" {
		missing("id")
	} else if ulidRe.MatchString(id) || uuidRe.MatchString(id) {
		ok("id", "valid ULID/UUID")
	} else {
		bad("id", "not a valid ULID or UUID")
	}

	// title
	if title, present := stringField(raw, "title"); !present || title == "" {
		missing("title")
	} else {
		ok("title", "present")
	}

	// type
	if t, present := stringField(raw, "type"); !present || t == "" {
		missing("type")
	} else if canonicalTypeSet[DCMIType(t)] {
		ok("type", "valid DCMI type")
	} else {
		bad("type", fmt.Sprintf("%q is not one of the 12 DCMI types", t))
	}

	// creator (string or non-empty list)
	if isCreatorEmpty(raw["creator"]) {
		missing("creator")
	} else {
		ok("creator", "present")
	}

	// institution
	if inst, present := stringField(raw, "institution"); !present || inst == "" {
		missing("institution")
	} else {
		ok("institution", "present")
	}

	// created
	if created, present := stringField(raw, "created"); !present || created == "" {
		missing("created")
	} else if validateCreated(created) {
		ok("created", "valid date")
	} else {
		bad("created", fmt.Sprintf("%q is not a valid YYYY or YYYY-MM-DD date", created))
	}

	// access_url
	if au, present := stringField(raw, "access_url"); !present || au == "" {
		missing("access_url")
	} else if validURL(au) {
		ok("access_url", "valid URL")
	} else {
		bad("access_url", fmt.Sprintf("%q is not a valid http(s) URL", au))
	}

	// language (optional)
	if lang, present := stringField(raw, "language"); present && lang != "" {
		if languageRe.MatchString(lang) {
			ok("language", "valid BCP-47 tag")
		} else {
			bad("language", fmt.Sprintf("%q is not a valid BCP-47 language tag", lang))
		}
	} else {
		res.Warnings = append(res.Warnings, "missing language")
	}

	// subjects (optional, warn if empty/missing)
	if subjects, present := raw["subjects"].([]any); !present || len(subjects) == 0 {
		res.Warnings = append(res.Warnings, "missing or empty subjects")
	}

	// description (optional, warn if missing)
	if desc, present := stringField(raw, "description"); !present || desc == "" {
		res.Warnings = append(res.Warnings, "missing description")
	}

	// source (optional, warn if missing)
	if src, present := stringField(raw, "source"); !present || src == "" {
		res.Warnings = append(res.Warnings, "missing source")
	}

	res.Valid = len(res.MissingRequired) == 0 && !anyFieldInvalid(res.FieldValidations)
	return res
}

func anyFieldInvalid(fields map[string]string) bool {
	for _, msg := range fields {
		if strings.HasPrefix(msg, "⚠ ") {
			return true
		}
	}
	return false
}

func stringField(raw RawRecord, field string) (string, bool) {
	v, present := raw[field]
	if !present || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", true
	}
	return s, true
}

func isCreatorEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	default:
		return true
	}
}

func validateCreated(s string) bool {
	if yearOnlyRe.MatchString(s) {
		year, err := strconv.Atoi(s)
		return err == nil && year >= 1000 && year <= 9999
	}
	if fullDateRe.MatchString(s) {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return false
		}
		return t.Year() >= 1000 && t.Year() <= 9999
	}
	return false
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
