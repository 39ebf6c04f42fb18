package fhir

import "strings"

// ChainedParam represents a parsed chained search parameter.
// Example: "subject:Patient.name=John" -> SourceParam="subject", TargetType="Patient", TargetParam="name", Value="John"
type ChainedParam struct {
	SourceParam string // the reference search parameter on the source resource
	TargetType  string // the target resource type, if given via the ":Type" modifier
	TargetParam string // the search parameter on the target resource
	Value       string // the search value
}

// HasParam represents a parsed _has search parameter.
// Example: "_has:Observation:subject:code=1234" -> TargetType="Observation", TargetParam="subject", SearchParam="code", Value="1234"
type HasParam struct {
	TargetType  string // the resource type that has a reference to the current resource
	TargetParam string // the reference search parameter on the target resource
	SearchParam string // the search parameter to filter on the target resource
	Value       string // the value to match
}

// MaxChainDepth is the maximum number of chain levels allowed per the FHIR specification.
const MaxChainDepth = 3

// ParseChainedParam parses a chained search parameter name.
// Format: "param:ResourceType.targetParam" or "param.targetParam" (when type is unambiguous).
func ParseChainedParam(paramName string) (*ChainedParam, bool) {
	dotIdx := strings.Index(paramName, ".")
	if dotIdx < 0 {
		return nil, false
	}

	sourceAndType := paramName[:dotIdx]
	targetParam := paramName[dotIdx+1:]
	if targetParam == "" {
		return nil, false
	}

	parts := strings.SplitN(sourceAndType, ":", 2)
	result := &ChainedParam{
		SourceParam: parts[0],
		TargetParam: targetParam,
	}
	if len(parts) == 2 {
		result.TargetType = parts[1]
	}

	return result, true
}

// ParseHasParam parses a _has search parameter value.
// Format: "_has:ResourceType:referenceParam:searchParam=value"
func ParseHasParam(paramName string) (*HasParam, bool) {
	if !strings.HasPrefix(paramName, "_has:") {
		return nil, false
	}

	rest := strings.TrimPrefix(paramName, "_has:")
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return nil, false
	}

	return &HasParam{
		TargetType:  parts[0],
		TargetParam: parts[1],
		SearchParam: parts[2],
	}, true
}
