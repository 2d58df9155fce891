// Package redact masks sensitive identifiers before conversation content is
// sent to an untrusted inference provider and restores them afterwards.
//
// Detection is regex-based and best-effort: identifier formats outside the
// pattern set pass through unredacted. Treat this layer as advisory
// redaction, not a compliance guarantee. Audit parameter hashing is
// independent of this layer and always applied.
package redact

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/careops/wardgate/core"
)

type pattern struct {
	re    *regexp.Regexp
	label string
}

// Identifier patterns that may carry protected health information.
var patterns = []pattern{
	// Patient identifiers: P001-style and UHID-prefixed.
	{regexp.MustCompile(`\b(P\d{3,})\b`), "PATIENT_ID"},
	{regexp.MustCompile(`\b(UHID\d+)\b`), "PATIENT_ID"},
	// Medical record numbers.
	{regexp.MustCompile(`\b(MRN\d+)\b`), "MRN"},
	// Dates of birth: YYYY-MM-DD.
	{regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`), "DATE"},
	// Phone numbers in common formats.
	{regexp.MustCompile(`\b(\+?\d[\d\-\s]{8,14}\d)\b`), "PHONE"},
}

// Mapping is the reversible token -> original mapping produced by one
// redaction pass. It is scoped to a single inference call and must not be
// reused across calls.
type Mapping map[string]string

// Merge folds the entries of other into m.
func (m Mapping) Merge(other Mapping) {
	for token, original := range other {
		m[token] = original
	}
}

// Redact replaces each distinct identifier match with a stable token and
// returns the redacted text plus the reversal mapping. The same identifier
// always maps to the same token within one call, so cross-references inside
// the redacted content stay coherent.
func Redact(text string) (string, Mapping) {
	mapping := Mapping{}
	result := redactInto(text, mapping)
	return result, mapping
}

// RedactMessages redacts every message content, accumulating one combined
// mapping for the whole inference call.
func RedactMessages(msgs []core.Message) ([]core.Message, Mapping) {
	mapping := Mapping{}
	out := make([]core.Message, len(msgs))
	for i, m := range msgs {
		redacted := redactInto(m.Content, mapping)
		out[i] = m
		out[i].Content = redacted
	}
	return out, mapping
}

// RedactWith redacts text reusing (and extending) an existing mapping, so
// identifiers already seen in the call keep their tokens.
func RedactWith(text string, mapping Mapping) string {
	return redactInto(text, mapping)
}

// Restore re-injects the original identifiers into text. Redacting then
// restoring yields the original text byte-for-byte.
func Restore(text string, mapping Mapping) string {
	result := text
	for token, original := range mapping {
		result = strings.ReplaceAll(result, token, original)
	}
	return result
}

func redactInto(text string, mapping Mapping) string {
	// Existing tokens first so repeated identifiers stay stable.
	byOriginal := map[string]string{}
	for token, original := range mapping {
		byOriginal[original] = token
	}

	result := text
	for _, p := range patterns {
		for _, match := range p.re.FindAllStringSubmatch(result, -1) {
			original := match[1]
			if _, seen := byOriginal[original]; seen {
				continue
			}
			token := "[" + p.label + "_" + uuid.NewString()[:6] + "]"
			byOriginal[original] = token
			mapping[token] = original
		}
	}
	// Longer identifiers first so a shorter one that is a substring of
	// another cannot corrupt the replacement.
	originals := make([]string, 0, len(byOriginal))
	for original := range byOriginal {
		originals = append(originals, original)
	}
	sort.Slice(originals, func(i, j int) bool { return len(originals[i]) > len(originals[j]) })
	for _, original := range originals {
		result = strings.ReplaceAll(result, original, byOriginal[original])
	}
	return result
}
