package fhir

import (
	"net/url"
	"strconv"
	"strings"
)

// SearchParameter is a single resolved search parameter ready for execution
// against the Search Index: its name, FHIR value type, and parsed value.
type SearchParameter struct {
	Name     string
	Type     ParamType
	Value    string
	Modifier SearchModifier
	Prefix   SearchPrefix
}

// ChainParameter is a resolved chained search parameter, e.g.
// "subject:Patient.name=Doe" on Observation: search Patient where name=Doe,
// then search Observation where subject references one of the matches.
type ChainParameter struct {
	ReferenceParam  string
	TargetType      string
	TargetParam     string
	TargetParamType ParamType
	Value           string
}

// ParsedQuery is the Search Query Parser's output (spec component E): a raw
// query string resolved, with the help of the Parameter Registry, into
// typed search parameters, chain parameters, include directives, and result
// shaping controls — everything the Search Executor and Projection Filter
// need, with no further string parsing downstream.
type ParsedQuery struct {
	Parameters      []SearchParameter
	ChainParameters []ChainParameter
	Includes        []string // "ResourceType:searchParam[:targetType]"
	RevIncludes     []string // "ResourceType:searchParam"
	Sort            []SortSpec
	Summary         string
	Elements        []string
	Count           int
	Offset          int
	HasCount        bool
}

// ParseQuery resolves raw[key] = values (as produced by url.Values or an
// echo.Context's QueryParams) into a ParsedQuery for resourceType, using
// registry to determine each parameter's type and to resolve aliases.
// Unknown parameter names (no registry entry, not reserved, not a chain) are
// silently ignored, matching the permissive behavior FHIR servers take on
// unsupported search parameters; _has parameters are dropped the same way.
func ParseQuery(registry *ParamRegistry, resourceType string, raw url.Values) *ParsedQuery {
	pq := &ParsedQuery{Count: 100}

	for key, values := range raw {
		for _, value := range values {
			switch key {
			case "_include":
				pq.Includes = append(pq.Includes, value)
				continue
			case "_revinclude":
				pq.RevIncludes = append(pq.RevIncludes, value)
				continue
			case "_sort":
				pq.Sort = append(pq.Sort, ParseSort(value)...)
				continue
			case "_summary":
				pq.Summary = value
				continue
			case "_elements":
				pq.Elements = append(pq.Elements, splitCommaList(value)...)
				continue
			case "_count":
				if n, err := strconv.Atoi(value); err == nil && n >= 0 {
					pq.Count = n
					pq.HasCount = true
				}
				continue
			case "_offset":
				if n, err := strconv.Atoi(value); err == nil && n >= 0 {
					pq.Offset = n
				}
				continue
			case "_page":
				continue // paging by page number is not supported; _offset is canonical
			case "_format", "_pretty", "_total":
				continue
			}

			paramName, modifier := ParseParamModifier(key)

			if chained, ok := ParseChainedParam(paramName); ok {
				pq.ChainParameters = append(pq.ChainParameters, resolveChain(registry, chained, value))
				continue
			}

			def, ok := registry.Lookup(resourceType, paramName)
			if !ok {
				continue
			}

			parsed := ParseSearchValue(value)
			pq.Parameters = append(pq.Parameters, SearchParameter{
				Name:     def.Name,
				Type:     def.Type,
				Value:    parsed.Value,
				Modifier: modifier,
				Prefix:   parsed.Prefix,
			})
		}
	}

	return pq
}

// resolveChain fills in a ChainParameter's target parameter type by looking
// it up in the target resource type's table, defaulting to ParamString when
// the target type is absent (FHIR chains without a :Type modifier are only
// legal when the reference is unambiguous; this keeps the parser permissive
// rather than rejecting the query).
func resolveChain(registry *ParamRegistry, chained *ChainedParam, value string) ChainParameter {
	targetType := chained.TargetType
	targetParamType := ParamString
	if targetType != "" {
		if def, ok := registry.Lookup(targetType, chained.TargetParam); ok {
			targetParamType = def.Type
		}
	}
	return ChainParameter{
		ReferenceParam:  chained.SourceParam,
		TargetType:      targetType,
		TargetParam:     chained.TargetParam,
		TargetParamType: targetParamType,
		Value:           value,
	}
}

func splitCommaList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
