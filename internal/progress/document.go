package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidDocument indicates that a submitted progress payload cannot be reconciled.
var ErrInvalidDocument = errors.New("progress: invalid document")

// Document is a player's progress snapshot. Known fields are grouped by merge strategy;
// anything the server does not recognise is carried in Extensions untouched.
type Document struct {
	SolvedPuzzles   []string
	UnlockedStages  []string
	UnlockedSeasons []string
	Achievements    []string
	UnlockedLore    []string
	DiscoveredTools []string

	HintsUsed map[string]int64
	Attempts  map[string]int64

	SolveTimes map[string]int64

	GlobalCooldownEnd   int64
	GlobalWrongAttempts int64

	IntroSeen bool
	TourSeen  bool

	Extensions map[string]json.RawMessage
}

type setField struct {
	key string
	ref func(*Document) *[]string
}

type mapField struct {
	key string
	ref func(*Document) *map[string]int64
}

type scalarField struct {
	key string
	ref func(*Document) *int64
}

type flagField struct {
	key string
	ref func(*Document) *bool
}

var (
	unionFields = []setField{
		{key: "solvedPuzzles", ref: func(d *Document) *[]string { return &d.SolvedPuzzles }},
		{key: "unlockedStages", ref: func(d *Document) *[]string { return &d.UnlockedStages }},
		{key: "unlockedSeasons", ref: func(d *Document) *[]string { return &d.UnlockedSeasons }},
		{key: "achievements", ref: func(d *Document) *[]string { return &d.Achievements }},
		{key: "unlockedLore", ref: func(d *Document) *[]string { return &d.UnlockedLore }},
		{key: "discoveredTools", ref: func(d *Document) *[]string { return &d.DiscoveredTools }},
	}
	counterFields = []mapField{
		{key: "hintsUsed", ref: func(d *Document) *map[string]int64 { return &d.HintsUsed }},
		{key: "attempts", ref: func(d *Document) *map[string]int64 { return &d.Attempts }},
	}
	bestTimeFields = []mapField{
		{key: "solveTimes", ref: func(d *Document) *map[string]int64 { return &d.SolveTimes }},
	}
	maxScalarFields = []scalarField{
		{key: "globalCooldownEnd", ref: func(d *Document) *int64 { return &d.GlobalCooldownEnd }},
		{key: "globalWrongAttempts", ref: func(d *Document) *int64 { return &d.GlobalWrongAttempts }},
	}
	stickyFlagFields = []flagField{
		{key: "introSeen", ref: func(d *Document) *bool { return &d.IntroSeen }},
		{key: "tourSeen", ref: func(d *Document) *bool { return &d.TourSeen }},
	}
	knownFields = buildKnownFields()
)

func buildKnownFields() map[string]struct{} {
	known := make(map[string]struct{})
	for _, field := range unionFields {
		known[field.key] = struct{}{}
	}
	for _, field := range counterFields {
		known[field.key] = struct{}{}
	}
	for _, field := range bestTimeFields {
		known[field.key] = struct{}{}
	}
	for _, field := range maxScalarFields {
		known[field.key] = struct{}{}
	}
	for _, field := range stickyFlagFields {
		known[field.key] = struct{}{}
	}
	return known
}

// IsKnownField reports whether key has a declared merge strategy.
func IsKnownField(key string) bool {
	_, ok := knownFields[key]
	return ok
}

// ParseDocument decodes a client-submitted payload, rejecting anything that is not a JSON object
// or that carries a known field with the wrong shape or a negative value.
func ParseDocument(raw []byte) (Document, error) {
	document, fieldErrs, err := decodeDocument(raw)
	if err != nil {
		return Document{}, err
	}
	if len(fieldErrs) > 0 {
		return Document{}, fieldErrs[0]
	}
	return document, nil
}

// decodeStored decodes a previously persisted payload. Fields that fail to decode fall back to
// their identity element and are reported so the caller can log them.
func decodeStored(raw []byte) (Document, []error) {
	document, fieldErrs, err := decodeDocument(raw)
	if err != nil {
		return emptyDocument(), []error{err}
	}
	return document, fieldErrs
}

func decodeDocument(raw []byte) (Document, []error, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Document{}, nil, fmt.Errorf("%w: empty payload", ErrInvalidDocument)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Document{}, nil, fmt.Errorf("%w: expected object: %v", ErrInvalidDocument, err)
	}

	document := emptyDocument()
	var fieldErrs []error
	fieldError := func(key string, cause error) {
		fieldErrs = append(fieldErrs, fmt.Errorf("%w: field %s: %v", ErrInvalidDocument, key, cause))
	}

	for _, field := range unionFields {
		value, ok := present(fields, field.key)
		if !ok {
			continue
		}
		var decoded []string
		if err := json.Unmarshal(value, &decoded); err != nil {
			fieldError(field.key, err)
			continue
		}
		*field.ref(&document) = normalizeSet(decoded)
	}
	for _, group := range [][]mapField{counterFields, bestTimeFields} {
		for _, field := range group {
			value, ok := present(fields, field.key)
			if !ok {
				continue
			}
			var decoded map[string]int64
			if err := json.Unmarshal(value, &decoded); err != nil {
				fieldError(field.key, err)
				continue
			}
			if key, negative := firstNegative(decoded); negative {
				fieldError(field.key, fmt.Errorf("negative value for %q", key))
				continue
			}
			if decoded == nil {
				decoded = map[string]int64{}
			}
			*field.ref(&document) = decoded
		}
	}
	for _, field := range maxScalarFields {
		value, ok := present(fields, field.key)
		if !ok {
			continue
		}
		var decoded int64
		if err := json.Unmarshal(value, &decoded); err != nil {
			fieldError(field.key, err)
			continue
		}
		if decoded < 0 {
			fieldError(field.key, fmt.Errorf("negative value %d", decoded))
			continue
		}
		*field.ref(&document) = decoded
	}
	for _, field := range stickyFlagFields {
		value, ok := present(fields, field.key)
		if !ok {
			continue
		}
		var decoded bool
		if err := json.Unmarshal(value, &decoded); err != nil {
			fieldError(field.key, err)
			continue
		}
		*field.ref(&document) = decoded
	}

	for key, value := range fields {
		if IsKnownField(key) {
			continue
		}
		document.Extensions[key] = append(json.RawMessage(nil), value...)
	}
	return document, fieldErrs, nil
}

// present treats a JSON null the same as an absent key.
func present(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	value, ok := fields[key]
	if !ok {
		return nil, false
	}
	if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return nil, false
	}
	return value, true
}

func firstNegative(values map[string]int64) (string, bool) {
	for key, value := range values {
		if value < 0 {
			return key, true
		}
	}
	return "", false
}

// UnmarshalJSON applies the same validation as ParseDocument.
func (d *Document) UnmarshalJSON(raw []byte) error {
	parsed, err := ParseDocument(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON emits every known field, using the group identity for unset values, followed by
// extension fields verbatim. Keys are written in sorted order.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(knownFields)+len(d.Extensions))
	for key, value := range d.Extensions {
		if IsKnownField(key) {
			continue
		}
		out[key] = value
	}
	for _, field := range unionFields {
		values := *field.ref(&d)
		if values == nil {
			values = []string{}
		}
		out[field.key] = values
	}
	for _, group := range [][]mapField{counterFields, bestTimeFields} {
		for _, field := range group {
			values := *field.ref(&d)
			if values == nil {
				values = map[string]int64{}
			}
			out[field.key] = values
		}
	}
	for _, field := range maxScalarFields {
		out[field.key] = *field.ref(&d)
	}
	for _, field := range stickyFlagFields {
		out[field.key] = *field.ref(&d)
	}
	return json.Marshal(out)
}

// Equal compares two documents by their canonical JSON encoding.
func (d Document) Equal(other Document) bool {
	left, err := json.Marshal(d)
	if err != nil {
		return false
	}
	right, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

func emptyDocument() Document {
	document := Document{Extensions: map[string]json.RawMessage{}}
	for _, field := range unionFields {
		*field.ref(&document) = []string{}
	}
	for _, field := range counterFields {
		*field.ref(&document) = map[string]int64{}
	}
	for _, field := range bestTimeFields {
		*field.ref(&document) = map[string]int64{}
	}
	return document
}

func normalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
