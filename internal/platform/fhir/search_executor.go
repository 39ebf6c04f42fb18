package fhir

import (
	"context"
	"fmt"

	"github.com/ehr/ehr/internal/platform/db"
)

// SearchExecutor runs parsed search queries against the Search Index and
// loads matching bodies from the Resource Store (spec component F). It
// holds no state of its own beyond the store/index it was built with.
type SearchExecutor struct {
	store *db.Store
	index *db.Index
}

// NewSearchExecutor creates a SearchExecutor over the given store and index.
func NewSearchExecutor(store *db.Store, index *db.Index) *SearchExecutor {
	return &SearchExecutor{store: store, index: index}
}

// Search executes query against resourceType and returns the matching
// resource ids, AND-intersected across every parameter and chain
// parameter, with pagination applied last.
func (se *SearchExecutor) Search(ctx context.Context, resourceType string, query *ParsedQuery) ([]string, error) {
	ids, _, err := se.SearchWithTotal(ctx, resourceType, query)
	return ids, err
}

// SearchWithTotal executes query and returns the paginated ids plus the
// total match count before pagination was applied (for the Bundle's
// searchset total).
func (se *SearchExecutor) SearchWithTotal(ctx context.Context, resourceType string, query *ParsedQuery) ([]string, int, error) {
	var resultIDs []string
	haveResult := false

	for _, param := range query.Parameters {
		matched, err := se.searchParameter(ctx, resourceType, param)
		if err != nil {
			return nil, 0, err
		}
		resultIDs = intersectOrInit(resultIDs, matched, haveResult)
		haveResult = true
		if len(resultIDs) == 0 {
			break
		}
	}

	if len(resultIDs) != 0 || !haveResult {
		for _, chain := range query.ChainParameters {
			matched, err := se.searchChain(ctx, resourceType, chain)
			if err != nil {
				return nil, 0, err
			}
			resultIDs = intersectOrInit(resultIDs, matched, haveResult)
			haveResult = true
			if len(resultIDs) == 0 {
				break
			}
		}
	}

	var ids []string
	if haveResult {
		ids = resultIDs
	} else {
		records, err := se.store.ListAll(ctx, resourceType)
		if err != nil {
			return nil, 0, err
		}
		ids = make([]string, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
	}

	total := len(ids)

	if query.Offset > 0 {
		if query.Offset >= len(ids) {
			ids = nil
		} else {
			ids = ids[query.Offset:]
		}
	}
	if (query.HasCount || query.Count > 0) && query.Count < len(ids) {
		ids = ids[:query.Count]
	}

	return ids, total, nil
}

// intersectOrInit intersects matched into existing, or returns matched
// unchanged if this is the first parameter processed.
func intersectOrInit(existing, matched []string, haveExisting bool) []string {
	if !haveExisting {
		return matched
	}
	matchSet := make(map[string]bool, len(matched))
	for _, id := range matched {
		matchSet[id] = true
	}
	var out []string
	for _, id := range existing {
		if matchSet[id] {
			out = append(out, id)
		}
	}
	return out
}

// searchParameter dispatches a single search parameter to the matching
// Search Index query by its FHIR value type.
func (se *SearchExecutor) searchParameter(ctx context.Context, resourceType string, param SearchParameter) ([]string, error) {
	switch param.Type {
	case ParamToken:
		system, code := ParseTokenValue(param.Value)
		return se.index.SearchToken(ctx, resourceType, param.Name, system, code)
	case ParamString:
		if param.Modifier == ModifierContains {
			return se.index.SearchContains(ctx, resourceType, param.Name, param.Value)
		}
		exact := param.Modifier == ModifierExact
		return se.index.SearchString(ctx, resourceType, param.Name, param.Value, exact)
	case ParamDate:
		prefix := string(param.Prefix)
		if prefix == "" {
			prefix = "eq"
		}
		return se.index.SearchDateWithPrefix(ctx, resourceType, param.Name, prefix, param.Value)
	case ParamReference:
		return se.index.SearchReference(ctx, resourceType, param.Name, param.Value)
	case ParamNumber:
		prefix := string(param.Prefix)
		if prefix == "" {
			prefix = "eq"
		}
		return se.index.SearchNumber(ctx, resourceType, param.Name, prefix, param.Value)
	default:
		return nil, fmt.Errorf("unsupported search parameter type %q for %s", param.Type, param.Name)
	}
}

// searchChain resolves a chained search parameter: it searches the target
// resource type first, then for every matched target id searches
// resourceType for resources whose reference parameter points at that
// target, unioning and deduplicating the results.
//
// Example: subject:Patient.name=Doe on Observation searches Patient where
// name=Doe, then searches Observation where subject references one of the
// matched Patient ids.
func (se *SearchExecutor) searchChain(ctx context.Context, resourceType string, chain ChainParameter) ([]string, error) {
	prefix := SearchPrefix("")
	if chain.TargetParamType == ParamDate {
		prefix = PrefixEq
	}

	targetIDs, err := se.searchParameter(ctx, chain.TargetType, SearchParameter{
		Name:   chain.TargetParam,
		Type:   chain.TargetParamType,
		Value:  chain.Value,
		Prefix: prefix,
	})
	if err != nil {
		return nil, err
	}
	if len(targetIDs) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var sourceIDs []string
	for _, targetID := range targetIDs {
		reference := fmt.Sprintf("%s/%s", chain.TargetType, targetID)
		matched, err := se.index.SearchReference(ctx, resourceType, chain.ReferenceParam, reference)
		if err != nil {
			return nil, err
		}
		for _, id := range matched {
			if !seen[id] {
				seen[id] = true
				sourceIDs = append(sourceIDs, id)
			}
		}
	}
	return sourceIDs, nil
}

// LoadResources fetches the current body of each id of resourceType,
// skipping any that no longer exist (stale index entries are tolerated
// rather than surfaced as errors).
func (se *SearchExecutor) LoadResources(ctx context.Context, resourceType string, ids []string) ([]map[string]interface{}, error) {
	resources := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		rec, err := se.store.Get(ctx, resourceType, id)
		if err != nil {
			if err == db.ErrNotFound {
				continue
			}
			return nil, fmt.Errorf("load %s/%s: %w", resourceType, id, err)
		}
		resources = append(resources, rec.Body)
	}
	return resources, nil
}

// ProcessIncludes resolves _include specs ("ResourceType:searchParam" or
// "ResourceType:searchParam:targetType") by extracting the named reference
// field from each source resource and fetching the referenced resource.
func (se *SearchExecutor) ProcessIncludes(ctx context.Context, resources []map[string]interface{}, includes []string) ([]map[string]interface{}, error) {
	var included []map[string]interface{}
	seen := make(map[string]bool)

	for _, spec := range includes {
		_, searchParam, ok := parseIncludeSpec(spec)
		if !ok {
			continue
		}

		for _, resource := range resources {
			reference, ok := extractReferenceField(resource, searchParam)
			if !ok {
				continue
			}
			refType, refID := ParseReferenceValue(reference)
			if refType == "" || refID == "" {
				continue
			}
			key := refType + "/" + refID
			if seen[key] {
				continue
			}
			seen[key] = true

			rec, err := se.store.Get(ctx, refType, refID)
			if err != nil {
				continue // unresolved references are dropped, not fatal
			}
			included = append(included, rec.Body)
		}
	}
	return included, nil
}

// ProcessRevincludes resolves _revinclude specs ("TargetType:searchParam")
// by, for each source resource, searching TargetType for resources whose
// searchParam references the source, and fetching every match.
func (se *SearchExecutor) ProcessRevincludes(ctx context.Context, resources []map[string]interface{}, resourceType string, revincludes []string) ([]map[string]interface{}, error) {
	var included []map[string]interface{}
	seen := make(map[string]bool)

	for _, spec := range revincludes {
		targetType, searchParam, ok := parseIncludeSpec(spec)
		if !ok {
			continue
		}

		for _, resource := range resources {
			id, _ := resource["id"].(string)
			if id == "" {
				continue
			}
			reference := fmt.Sprintf("%s/%s", resourceType, id)

			matchedIDs, err := se.index.SearchReference(ctx, targetType, searchParam, reference)
			if err != nil {
				return nil, err
			}
			for _, mid := range matchedIDs {
				key := targetType + "/" + mid
				if seen[key] {
					continue
				}
				seen[key] = true

				rec, err := se.store.Get(ctx, targetType, mid)
				if err != nil {
					continue
				}
				included = append(included, rec.Body)
			}
		}
	}
	return included, nil
}

// parseIncludeSpec splits a "Type:param" or "Type:param:targetType" _include
// or _revinclude spec into its resource type and search parameter name.
func parseIncludeSpec(spec string) (resourceType, searchParam string, ok bool) {
	parts := splitIncludeSpec(spec)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func splitIncludeSpec(spec string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			parts = append(parts, spec[start:i])
			start = i + 1
		}
	}
	parts = append(parts, spec[start:])
	return parts
}

// extractReferenceField reads a {"reference": "Type/id"} value out of a
// named top-level field on resource.
func extractReferenceField(resource map[string]interface{}, field string) (string, bool) {
	val, ok := resource[field]
	if !ok {
		return "", false
	}
	refObj, ok := val.(map[string]interface{})
	if !ok {
		return "", false
	}
	ref, ok := refObj["reference"].(string)
	return ref, ok && ref != ""
}
