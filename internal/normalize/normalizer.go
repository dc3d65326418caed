// Package normalize maps vendor-specific CDR webhook payloads onto one
// canonical call shape.
package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"cdr-pipeline/internal/apperr"
	"cdr-pipeline/internal/models"
)

// variant parses one vendor's payload. Field problems are collected in errs
// rather than returned one at a time.
type variant func(raw []byte, loc *time.Location, errs fieldErrors) models.CanonicalCall

// Normalizer dispatches on the connection's vendor tag.
type Normalizer struct {
	loc      *time.Location
	variants map[models.Vendor]variant
}

// New builds a normalizer. loc is used for vendor timestamps that carry no
// zone; nil means UTC.
func New(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{
		loc: loc,
		variants: map[models.Vendor]variant{
			models.VendorGrandstream: grandstream,
			models.VendorFreePBX:     freepbx,
			models.VendorGeneric:     generic,
		},
	}
}

// Supports reports whether a vendor has a registered variant.
func (n *Normalizer) Supports(v models.Vendor) bool {
	_, ok := n.variants[v]
	return ok
}

// Normalize validates and converts a raw payload. Failures are apperr
// validation errors with per-field detail.
func (n *Normalizer) Normalize(vendor models.Vendor, raw []byte) (models.CanonicalCall, error) {
	parse, ok := n.variants[vendor]
	if !ok {
		return models.CanonicalCall{}, apperr.Validation("unsupported vendor", map[string]string{"vendor": string(vendor)})
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return models.CanonicalCall{}, apperr.Validation("payload must be a JSON object", nil)
	}
	if !json.Valid(trimmed) {
		return models.CanonicalCall{}, apperr.Validation("payload is not valid JSON", nil)
	}

	errs := fieldErrors{}
	call := parse(trimmed, n.loc, errs)
	if len(errs) > 0 {
		return models.CanonicalCall{}, apperr.Validation("invalid CDR payload", errs)
	}
	call.RawPayload = append([]byte(nil), trimmed...)
	return call, nil
}

type fieldErrors map[string]string

func (f fieldErrors) add(field, msg string) {
	if _, exists := f[field]; !exists {
		f[field] = msg
	}
}

// MapDisposition folds vendor spellings onto the closed set. Anything it does
// not recognise becomes failed so that it never triggers downstream work.
func MapDisposition(v string) models.Disposition {
	key := strings.ToUpper(strings.TrimSpace(v))
	key = strings.NewReplacer("_", " ", "-", " ").Replace(key)
	key = strings.Join(strings.Fields(key), " ")
	switch key {
	case "ANSWERED", "ANSWER", "COMPLETED":
		return models.DispositionAnswered
	case "NO ANSWER", "NOANSWER", "MISSED", "UNANSWERED":
		return models.DispositionNoAnswer
	case "BUSY":
		return models.DispositionBusy
	case "CONGESTION", "CONGESTED":
		return models.DispositionCongestion
	default:
		return models.DispositionFailed
	}
}

// InferDirection classifies a call from its dial context and trunk fields for
// vendors that do not report direction themselves.
func InferDirection(dcontext, srcTrunk, dstTrunk, actionType string) models.Direction {
	ctx := strings.ToLower(strings.TrimSpace(dcontext))
	action := strings.ToLower(strings.TrimSpace(actionType))
	switch {
	case strings.Contains(ctx, "outrt"),
		strings.Contains(ctx, "outbound"),
		strings.Contains(action, "outbound"),
		strings.HasPrefix(ctx, "from-internal") && strings.TrimSpace(dstTrunk) != "":
		return models.DirectionOutbound
	case strings.TrimSpace(srcTrunk) != "",
		strings.Contains(ctx, "from-trunk"),
		strings.Contains(ctx, "from-pstn"),
		strings.Contains(action, "inbound"):
		return models.DirectionInbound
	default:
		return models.DirectionInternal
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000000",
}

// parseTime is strict: only the layouts above are accepted.
func parseTime(v string, loc *time.Location) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// requiredTime records a field error when v is missing or malformed.
func requiredTime(field, v string, loc *time.Location, errs fieldErrors) time.Time {
	if strings.TrimSpace(v) == "" {
		errs.add(field, "is required")
		return time.Time{}
	}
	t, ok := parseTime(v, loc)
	if !ok {
		errs.add(field, "unrecognised timestamp "+strconv.Quote(v))
	}
	return t
}

// optionalTime treats empty and zero-date values as absent but rejects garbage.
func optionalTime(field, v string, loc *time.Location, errs fieldErrors) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "0000-00-00") {
		return nil
	}
	t, ok := parseTime(v, loc)
	if !ok {
		errs.add(field, "unrecognised timestamp "+strconv.Quote(v))
		return nil
	}
	return &t
}

// flexString accepts JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.TrimSpace(string(b)))
	return nil
}

func (f flexString) String() string { return strings.TrimSpace(string(f)) }

// nonNegativeInt parses a duration-like field; empty means zero.
func nonNegativeInt(field string, v flexString, errs fieldErrors) int {
	s := v.String()
	if s == "" {
		return 0
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) || n < 0 || n > math.MaxInt32 {
		errs.add(field, "must be a non-negative number of seconds")
		return 0
	}
	return int(n)
}

func firstNonEmpty(vals ...flexString) string {
	for _, v := range vals {
		if s := v.String(); s != "" {
			return s
		}
	}
	return ""
}

// firstRecording picks the first file from lists separated by '@', ',' or ';'.
func firstRecording(v string) string {
	for _, part := range strings.FieldsFunc(v, func(r rune) bool {
		return r == '@' || r == ',' || r == ';'
	}) {
		if p := strings.TrimSpace(part); p != "" {
			return p
		}
	}
	return ""
}
