package fhir

import (
	"strings"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
	PrefixAp SearchPrefix = "ap" // approximately
)

// SearchModifier represents a FHIR search modifier.
type SearchModifier string

const (
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
	ModifierText     SearchModifier = "text"
	ModifierNot      SearchModifier = "not"
	ModifierAbove    SearchModifier = "above"
	ModifierBelow    SearchModifier = "below"
	ModifierMissing  SearchModifier = "missing"
)

// ParsedSearch holds a parsed search parameter value with its prefix.
type ParsedSearch struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a FHIR search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100")
func ParseSearchValue(raw string) ParsedSearch {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return ParsedSearch{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedSearch{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, SearchModifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], SearchModifier(parts[1])
	}
	return parts[0], ""
}

// ParseReferenceValue splits a FHIR reference search value into an optional
// resource type prefix and the bare id: "Patient/123" -> ("Patient", "123"),
// "123" -> ("", "123"). A URL-style reference keeps everything before the
// final slash as "type" (matching the chain/_include machinery, which only
// needs the trailing id to look the target up in the Search Index).
func ParseReferenceValue(value string) (resourceType, id string) {
	if idx := strings.LastIndex(value, "/"); idx >= 0 {
		return value[:idx], value[idx+1:]
	}
	return "", value
}

// ParseTokenValue splits a FHIR token search value into its optional system
// and code: "http://loinc.org|1234" -> ("http://loinc.org", "1234"),
// "1234" -> ("", "1234"), "|1234" -> ("", "1234"), "http://loinc.org|" ->
// ("http://loinc.org", "").
func ParseTokenValue(value string) (system, code string) {
	if idx := strings.Index(value, "|"); idx >= 0 {
		return value[:idx], value[idx+1:]
	}
	return "", value
}
