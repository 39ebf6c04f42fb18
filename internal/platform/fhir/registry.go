package fhir

import "sort"

// ParamType is the FHIR search parameter data type.
type ParamType string

const (
	ParamToken     ParamType = "token"
	ParamString    ParamType = "string"
	ParamDate      ParamType = "date"
	ParamReference ParamType = "reference"
	ParamNumber    ParamType = "number"
)

// ExtractionMode describes how the Index Projector pulls a value out of a
// resource body for a given search parameter definition.
type ExtractionMode string

const (
	// ExtractSimple reads a single scalar field: resource["status"].
	ExtractSimple ExtractionMode = "simple"
	// ExtractArrayField reads one scalar out of each element of an array:
	// resource["name"][*]["family"].
	ExtractArrayField ExtractionMode = "array_field"
	// ExtractNestedArrayScalar reads an array-valued field nested inside an
	// array of objects: resource["name"][*]["given"][*].
	ExtractNestedArrayScalar ExtractionMode = "nested_array_scalar"
	// ExtractCodeableConcept reads {code,system} pairs out of
	// resource[path]["coding"][*], one search-index row per coding.
	ExtractCodeableConcept ExtractionMode = "codeable_concept"
	// ExtractIdentifier reads {value,system} pairs out of
	// resource["identifier"][*].
	ExtractIdentifier ExtractionMode = "identifier"
	// ExtractReference reads resource[path]["reference"].
	ExtractReference ExtractionMode = "reference"
	// ExtractPeriodStart reads the "start" field of the object at path
	// minus its last segment (path ends in "start").
	ExtractPeriodStart ExtractionMode = "period_start"
)

// SearchParamDef is a single search parameter definition: name, type, the
// JSON path segments to navigate to reach it, how to extract it, and any
// alias names that should resolve to the same definition (e.g. "patient"
// aliasing "subject").
type SearchParamDef struct {
	Name       string
	Type       ParamType
	Path       []string
	Extraction ExtractionMode
	Aliases    []string
}

// ParamRegistry is the immutable Parameter Registry (spec component D): a
// static, data-driven table of search parameter definitions per resource
// type, built once at process start and never mutated. Adding a resource
// type means adding a table entry here, not writing new extraction code.
type ParamRegistry struct {
	defs map[string][]SearchParamDef
}

// NewParamRegistry builds the registry with the default definitions for
// every resource type the server indexes explicitly. Unregistered types
// fall back to commonDefs.
func NewParamRegistry() *ParamRegistry {
	return &ParamRegistry{
		defs: map[string][]SearchParamDef{
			"Patient":            patientDefs(),
			"Observation":        observationDefs(),
			"Encounter":          encounterDefs(),
			"Condition":          conditionDefs(),
			"MedicationRequest":  medicationRequestDefs(),
			"Procedure":          procedureDefs(),
			"AllergyIntolerance": allergyIntoleranceDefs(),
			"DiagnosticReport":   diagnosticReportDefs(),
			"Immunization":       immunizationDefs(),
			"Task":               taskDefs(),
			"Practitioner":       practitionerDefs(),
			"Organization":       organizationDefs(),
			"Bundle":             bundleDefs(),
			"ServiceRequest":     serviceRequestDefs(),
			"Appointment":        appointmentDefs(),
			"Specimen":           specimenDefs(),
		},
	}
}

var commonDefs = []SearchParamDef{
	{Name: "status", Type: ParamToken, Path: []string{"status"}, Extraction: ExtractSimple},
	{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
}

// Definitions returns the search parameter table for resourceType, falling
// back to the two-entry common table (status, identifier) for any type not
// explicitly registered.
func (r *ParamRegistry) Definitions(resourceType string) []SearchParamDef {
	if defs, ok := r.defs[resourceType]; ok {
		return defs
	}
	return commonDefs
}

// HasResourceType reports whether resourceType has an explicit table.
func (r *ParamRegistry) HasResourceType(resourceType string) bool {
	_, ok := r.defs[resourceType]
	return ok
}

// ResourceTypes returns the sorted list of resource types with an explicit
// search parameter table, for callers (the CapabilityStatement generator,
// validation) that need to enumerate what the server indexes.
func (r *ParamRegistry) ResourceTypes() []string {
	types := make([]string, 0, len(r.defs))
	for rt := range r.defs {
		types = append(types, rt)
	}
	sort.Strings(types)
	return types
}

// Lookup finds the definition (by name or alias) for a search parameter on
// a given resource type.
func (r *ParamRegistry) Lookup(resourceType, paramName string) (SearchParamDef, bool) {
	for _, def := range r.Definitions(resourceType) {
		if def.Name == paramName {
			return def, true
		}
		for _, alias := range def.Aliases {
			if alias == paramName {
				return def, true
			}
		}
	}
	return SearchParamDef{}, false
}

func patientDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
		{Name: "family", Type: ParamString, Path: []string{"name", "family"}, Extraction: ExtractArrayField},
		{Name: "given", Type: ParamString, Path: []string{"name", "given"}, Extraction: ExtractNestedArrayScalar},
		{Name: "birthdate", Type: ParamDate, Path: []string{"birthDate"}, Extraction: ExtractSimple},
		{Name: "gender", Type: ParamToken, Path: []string{"gender"}, Extraction: ExtractSimple},
	}
}

func observationDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "code", Type: ParamToken, Path: []string{"code"}, Extraction: ExtractCodeableConcept},
		{Name: "category", Type: ParamToken, Path: []string{"category"}, Extraction: ExtractCodeableConcept},
		{Name: "status", Type: ParamToken, Path: []string{"status"}, Extraction: ExtractSimple},
		{Name: "subject", Type: ParamReference, Path: []string{"subject"}, Extraction: ExtractReference, Aliases: []string{"patient"}},
		{Name: "date", Type: ParamDate, Path: []string{"effectiveDateTime"}, Extraction: ExtractSimple},
	}
}

func encounterDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "status", Type: ParamToken, Path: []string{"status"}, Extraction: ExtractSimple},
		{Name: "subject", Type: ParamReference, Path: []string{"subject"}, Extraction: ExtractReference, Aliases: []string{"patient"}},
		{Name: "date", Type: ParamDate, Path: []string{"period", "start"}, Extraction: ExtractPeriodStart},
	}
}

func conditionDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "code", Type: ParamToken, Path: []string{"code"}, Extraction: ExtractCodeableConcept},
		{Name: "subject", Type: ParamReference, Path: []string{"subject"}, Extraction: ExtractReference, Aliases: []string{"patient"}},
	}
}

func medicationRequestDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "status", Type: ParamToken, Path: []string{"status"}, Extraction: ExtractSimple},
		{Name: "subject", Type: ParamReference, Path: []string{"subject"}, Extraction: ExtractReference, Aliases: []string{"patient"}},
		{Name: "intent", Type: ParamToken, Path: []string{"intent"}, Extraction: ExtractSimple},
		{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
	}
}

func procedureDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "status", Type: ParamToken, Path: []string{"status"}, Extraction: ExtractSimple},
		{Name: "subject", Type: ParamReference, Path: []string{"subject"}, Extraction: ExtractReference, Aliases: []string{"patient"}},
		{Name: "code", Type: ParamToken, Path: []string{"code"}, Extraction: ExtractCodeableConcept},
		{Name: "date", Type: ParamDate, Path: []string{"performedDateTime"}, Extraction: ExtractSimple},
		{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
	}
}

func allergyIntoleranceDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "patient", Type: ParamReference, Path: []string{"patient"}, Extraction: ExtractReference},
		{Name: "clinical-status", Type: ParamToken, Path: []string{"clinicalStatus"}, Extraction: ExtractCodeableConcept, Aliases: []string{"status"}},
		{Name: "code", Type: ParamToken, Path: []string{"code"}, Extraction: ExtractCodeableConcept},
		{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
	}
}

func diagnosticReportDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "status", Type: ParamToken, Path: []string{"status"}, Extraction: ExtractSimple},
		{Name: "subject", Type: ParamReference, Path: []string{"subject"}, Extraction: ExtractReference, Aliases: []string{"patient"}},
		{Name: "code", Type: ParamToken, Path: []string{"code"}, Extraction: ExtractCodeableConcept},
		{Name: "date", Type: ParamDate, Path: []string{"effectiveDateTime"}, Extraction: ExtractSimple},
		{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
	}
}

func immunizationDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "patient", Type: ParamReference, Path: []string{"patient"}, Extraction: ExtractReference},
		{Name: "status", Type: ParamToken, Path: []string{"status"}, Extraction: ExtractSimple},
		{Name: "date", Type: ParamDate, Path: []string{"occurrenceDateTime"}, Extraction: ExtractSimple},
		{Name: "vaccine-code", Type: ParamToken, Path: []string{"vaccineCode"}, Extraction: ExtractCodeableConcept},
		{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
	}
}

func taskDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "status", Type: ParamToken, Path: []string{"status"}, Extraction: ExtractSimple},
		{Name: "subject", Type: ParamReference, Path: []string{"for"}, Extraction: ExtractReference, Aliases: []string{"patient"}},
		{Name: "owner", Type: ParamReference, Path: []string{"owner"}, Extraction: ExtractReference},
		{Name: "code", Type: ParamToken, Path: []string{"code"}, Extraction: ExtractCodeableConcept},
		{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
	}
}

func practitionerDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
		{Name: "family", Type: ParamString, Path: []string{"name", "family"}, Extraction: ExtractArrayField},
		{Name: "given", Type: ParamString, Path: []string{"name", "given"}, Extraction: ExtractNestedArrayScalar},
	}
}

func organizationDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
		{Name: "name", Type: ParamString, Path: []string{"name"}, Extraction: ExtractSimple},
		{Name: "type", Type: ParamToken, Path: []string{"type"}, Extraction: ExtractCodeableConcept},
	}
}

func bundleDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
		{Name: "type", Type: ParamToken, Path: []string{"type"}, Extraction: ExtractSimple},
	}
}

func serviceRequestDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "status", Type: ParamToken, Path: []string{"status"}, Extraction: ExtractSimple},
		{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
		{Name: "subject", Type: ParamReference, Path: []string{"subject"}, Extraction: ExtractReference, Aliases: []string{"patient"}},
		{Name: "code", Type: ParamToken, Path: []string{"code"}, Extraction: ExtractCodeableConcept},
		{Name: "intent", Type: ParamToken, Path: []string{"intent"}, Extraction: ExtractSimple},
		{Name: "priority", Type: ParamToken, Path: []string{"priority"}, Extraction: ExtractSimple},
		{Name: "encounter", Type: ParamReference, Path: []string{"encounter"}, Extraction: ExtractReference},
		{Name: "requester", Type: ParamReference, Path: []string{"requester"}, Extraction: ExtractReference},
		{Name: "requisition", Type: ParamToken, Path: []string{"requisition"}, Extraction: ExtractIdentifier},
	}
}

func appointmentDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "status", Type: ParamToken, Path: []string{"status"}, Extraction: ExtractSimple},
		{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
		{Name: "date", Type: ParamDate, Path: []string{"start"}, Extraction: ExtractSimple},
	}
}

func specimenDefs() []SearchParamDef {
	return []SearchParamDef{
		{Name: "status", Type: ParamToken, Path: []string{"status"}, Extraction: ExtractSimple},
		{Name: "identifier", Type: ParamToken, Path: []string{"identifier"}, Extraction: ExtractIdentifier},
		{Name: "subject", Type: ParamReference, Path: []string{"subject"}, Extraction: ExtractReference, Aliases: []string{"patient"}},
		{Name: "type", Type: ParamToken, Path: []string{"type"}, Extraction: ExtractCodeableConcept},
	}
}
