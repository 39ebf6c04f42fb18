package fhir

import (
	"fmt"
	"strings"
)

// bundleRefEntry is the minimal shape detectCircularReferences needs: a
// fullUrl and its decoded resource body.
type bundleRefEntry struct {
	FullURL  string
	Resource map[string]interface{}
}

// detectCircularReferences examines resource references among entries and
// reports any cycles. A cycle exists if entry A references entry B and B
// references A (directly or transitively), via their urn:uuid fullUrls.
func detectCircularReferences(entries []bundleRefEntry) []ValidationIssue {
	adj := make(map[string][]string)
	urlSet := make(map[string]bool)
	for _, e := range entries {
		if e.FullURL != "" {
			urlSet[e.FullURL] = true
		}
	}

	for _, e := range entries {
		if e.FullURL == "" || e.Resource == nil {
			continue
		}
		refs := extractReferences(e.Resource)
		for _, ref := range refs {
			if urlSet[ref] && ref != e.FullURL {
				adj[e.FullURL] = append(adj[e.FullURL], ref)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var issues []ValidationIssue

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, neighbor := range adj[node] {
			if color[neighbor] == gray {
				issues = append(issues, ValidationIssue{
					Severity:    SeverityError,
					Code:        VIssueTypeBusinessRule,
					Diagnostics: fmt.Sprintf("circular reference detected between %s and %s", node, neighbor),
					Location:    "Bundle.entry",
				})
				return true
			}
			if color[neighbor] == white {
				if dfs(neighbor) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for url := range adj {
		if color[url] == white {
			dfs(url)
		}
	}

	return issues
}

// extractReferences recursively extracts all reference strings from a
// resource map.
func extractReferences(resource map[string]interface{}) []string {
	var refs []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok {
				refs = append(refs, ref)
			}
			for _, child := range val {
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(resource)
	return refs
}

// resolveRefsInResource walks a resource map and replaces urn:uuid
// references with the mapped actual IDs. Used by the Bundle Coordinator to
// rewrite forward references once earlier entries in the same transaction
// or batch have minted their real resource ids.
func resolveRefsInResource(resource map[string]interface{}, idMap map[string]string) {
	var walk func(v interface{}) interface{}
	walk = func(v interface{}) interface{} {
		switch val := v.(type) {
		case map[string]interface{}:
			for k, child := range val {
				if k == "reference" {
					if ref, ok := child.(string); ok {
						if mapped, found := idMap[ref]; found {
							val[k] = mapped
						}
					}
				} else {
					val[k] = walk(child)
				}
			}
			return val
		case []interface{}:
			for i, item := range val {
				val[i] = walk(item)
			}
			return val
		case string:
			if mapped, found := idMap[val]; found {
				return mapped
			}
			return val
		default:
			return val
		}
	}
	walk(resource)
}

// replaceURNRefs replaces urn:uuid references in a string with mapped values.
func replaceURNRefs(s string, idMap map[string]string) string {
	for urn, actual := range idMap {
		s = strings.ReplaceAll(s, urn, actual)
	}
	return s
}

// ParseEntryURL parses a relative FHIR URL from a Bundle entry request.
// It returns the resource type, resource ID (if present), and whether the
// URL represents a search (contains a query string).
//
// Examples:
//
//	"Patient/123"           -> ("Patient", "123", false)
//	"Patient?name=Smith"    -> ("Patient", "", true)
//	"Patient"               -> ("Patient", "", false)
func ParseEntryURL(url string) (resourceType, id string, isSearch bool) {
	if idx := strings.Index(url, "?"); idx >= 0 {
		resourceType = url[:idx]
		isSearch = true
		return resourceType, "", true
	}

	parts := strings.SplitN(url, "/", 3)
	resourceType = parts[0]
	if len(parts) >= 2 {
		id = parts[1]
	}
	return resourceType, id, false
}
