package fhir

import (
	"strings"
)

// IndexEntry is one row the Index Projector produces for the Search Index:
// a single (resourceType, resourceId, paramName, paramType, value) tuple.
type IndexEntry struct {
	ResourceType string
	ResourceID   string
	ParamName    string
	ParamType    ParamType
	Value        string
	System       string // populated for token/reference values that carry one
}

// ExtractIndexEntries walks resource according to the registry's search
// parameter definitions for resourceType and returns every index row the
// resource should contribute. This is the Index Projector (spec component
// C): it is the only place extraction-mode logic lives, and it is driven
// entirely by registry data rather than per-type code.
func ExtractIndexEntries(registry *ParamRegistry, resourceType, resourceID string, resource map[string]interface{}) []IndexEntry {
	var entries []IndexEntry
	for _, def := range registry.Definitions(resourceType) {
		for _, v := range extractValues(resource, def) {
			entries = append(entries, IndexEntry{
				ResourceType: resourceType,
				ResourceID:   resourceID,
				ParamName:    def.Name,
				ParamType:    def.Type,
				Value:        v.value,
				System:       v.system,
			})
		}
	}
	return entries
}

type extractedValue struct {
	value  string
	system string
}

func extractValues(resource map[string]interface{}, def SearchParamDef) []extractedValue {
	switch def.Extraction {
	case ExtractSimple:
		return extractSimple(resource, def.Path)
	case ExtractArrayField:
		return extractArrayField(resource, def.Path)
	case ExtractNestedArrayScalar:
		return extractNestedArrayScalar(resource, def.Path)
	case ExtractCodeableConcept:
		return extractCodeableConcept(resource, def.Path)
	case ExtractIdentifier:
		return extractIdentifier(resource, def.Path)
	case ExtractReference:
		return extractReference(resource, def.Path)
	case ExtractPeriodStart:
		return extractPeriodStart(resource, def.Path)
	default:
		return nil
	}
}

func navigate(resource map[string]interface{}, path []string) interface{} {
	var cur interface{} = resource
	for _, seg := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// extractSimple reads resource[path] as a scalar string.
func extractSimple(resource map[string]interface{}, path []string) []extractedValue {
	v := navigate(resource, path)
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return []extractedValue{{value: canonicalizeDate(s)}}
}

// extractArrayField reads path[0] as an array of objects, and path[1] as
// the field inside each one: resource["name"][*]["family"].
func extractArrayField(resource map[string]interface{}, path []string) []extractedValue {
	if len(path) != 2 {
		return nil
	}
	arr, _ := resource[path[0]].([]interface{})
	var out []extractedValue
	for _, item := range arr {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if s, ok := obj[path[1]].(string); ok && s != "" {
			out = append(out, extractedValue{value: s})
		}
	}
	return out
}

// extractNestedArrayScalar reads path[0] as an array of objects, path[1] as
// an array field inside each one, yielding one value per inner element:
// resource["name"][*]["given"][*].
func extractNestedArrayScalar(resource map[string]interface{}, path []string) []extractedValue {
	if len(path) != 2 {
		return nil
	}
	arr, _ := resource[path[0]].([]interface{})
	var out []extractedValue
	for _, item := range arr {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		inner, _ := obj[path[1]].([]interface{})
		for _, v := range inner {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, extractedValue{value: s})
			}
		}
	}
	return out
}

// extractCodeableConcept reads resource[path]["coding"][*] -> {code,system}.
func extractCodeableConcept(resource map[string]interface{}, path []string) []extractedValue {
	v := navigate(resource, path)
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	codings, _ := obj["coding"].([]interface{})
	var out []extractedValue
	for _, c := range codings {
		coding, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		code, _ := coding["code"].(string)
		if code == "" {
			continue
		}
		system, _ := coding["system"].(string)
		out = append(out, extractedValue{value: code, system: system})
	}
	return out
}

// extractIdentifier reads resource["identifier"][*] -> {value,system}.
func extractIdentifier(resource map[string]interface{}, path []string) []extractedValue {
	v := navigate(resource, path)
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []extractedValue
	for _, item := range arr {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		val, _ := obj["value"].(string)
		if val == "" {
			continue
		}
		system, _ := obj["system"].(string)
		out = append(out, extractedValue{value: val, system: system})
	}
	return out
}

// extractReference reads resource[path]["reference"].
func extractReference(resource map[string]interface{}, path []string) []extractedValue {
	v := navigate(resource, path)
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	ref, ok := obj["reference"].(string)
	if !ok || ref == "" {
		return nil
	}
	return []extractedValue{{value: ref}}
}

// extractPeriodStart reads the "start" string of the object found at path
// minus its last segment; the registry passes the full path, e.g.
// ["period", "start"].
func extractPeriodStart(resource map[string]interface{}, path []string) []extractedValue {
	if len(path) == 0 {
		return nil
	}
	v := navigate(resource, path[:len(path)-1])
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	start, ok := obj["start"].(string)
	if !ok || start == "" {
		return nil
	}
	return []extractedValue{{value: canonicalizeDate(start)}}
}

// canonicalizeDate normalizes a FHIR date/dateTime/instant value so that
// lexicographic string comparison over the canonical form is also
// chronological order. Bare date/year/month precision values are left
// untouched: they sort correctly as prefixes of any more precise value
// sharing the same leading digits, which is the substring-prefix semantics
// spec.md calls for on partial dates.
func canonicalizeDate(v string) string {
	// A full dateTime carries a 'T'; normalize trailing timezone-less values
	// to UTC 'Z' so otherwise-identical instants sort together regardless of
	// whether the source supplied an offset.
	if !strings.Contains(v, "T") {
		return v
	}
	if strings.HasSuffix(v, "Z") || strings.Contains(v, "+") || strings.LastIndex(v, "-") > strings.Index(v, "T") {
		return v
	}
	return v + "Z"
}
