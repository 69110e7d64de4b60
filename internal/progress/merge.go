package progress

import (
	"encoding/json"
	"sort"
)

// Merge reconciles a stored document with an incoming one. A nil existing document yields the
// incoming document unchanged. Every rule is commutative and idempotent, so re-applying a merge
// (client retry) or merging submissions from several devices in any order converges.
func Merge(existing *Document, incoming Document) Document {
	if existing == nil {
		return incoming
	}
	left := *existing
	merged := emptyDocument()

	for _, field := range unionFields {
		*field.ref(&merged) = unionSets(*field.ref(&left), *field.ref(&incoming))
	}
	for _, field := range counterFields {
		*field.ref(&merged) = mergeMaps(*field.ref(&left), *field.ref(&incoming), maxInt64)
	}
	for _, field := range bestTimeFields {
		*field.ref(&merged) = mergeMaps(*field.ref(&left), *field.ref(&incoming), minInt64)
	}
	for _, field := range maxScalarFields {
		*field.ref(&merged) = maxInt64(*field.ref(&left), *field.ref(&incoming))
	}
	for _, field := range stickyFlagFields {
		*field.ref(&merged) = *field.ref(&left) || *field.ref(&incoming)
	}

	for key, value := range left.Extensions {
		merged.Extensions[key] = value
	}
	for key, value := range incoming.Extensions {
		merged.Extensions[key] = value
	}
	pruneKnownExtensions(merged.Extensions)

	return merged
}

func unionSets(left, right []string) []string {
	combined := make([]string, 0, len(left)+len(right))
	combined = append(combined, left...)
	combined = append(combined, right...)
	return normalizeSet(combined)
}

// mergeMaps keeps keys from both sides; keys present on both are resolved with pick.
func mergeMaps(left, right map[string]int64, pick func(a, b int64) int64) map[string]int64 {
	out := make(map[string]int64, len(left)+len(right))
	for key, value := range left {
		out[key] = value
	}
	for key, value := range right {
		if current, ok := out[key]; ok {
			out[key] = pick(current, value)
			continue
		}
		out[key] = value
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func pruneKnownExtensions(extensions map[string]json.RawMessage) {
	for key := range extensions {
		if IsKnownField(key) {
			delete(extensions, key)
		}
	}
}

// ExtensionKeys lists the passthrough keys carried by the document in sorted order.
func (d Document) ExtensionKeys() []string {
	keys := make([]string, 0, len(d.Extensions))
	for key := range d.Extensions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
