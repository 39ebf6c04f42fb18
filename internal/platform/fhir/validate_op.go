package fhir

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
)

// ValidationSeverity represents the severity of a validation issue.
type ValidationSeverity string

const (
	SeverityError       ValidationSeverity = "error"
	SeverityWarning     ValidationSeverity = "warning"
	SeverityInformation ValidationSeverity = "information"
	SeverityFatal       ValidationSeverity = "fatal"
)

// ValidationIssueType represents the type of validation issue.
type ValidationIssueType string

const (
	VIssueTypeStructure    ValidationIssueType = "structure"
	VIssueTypeRequired     ValidationIssueType = "required"
	VIssueTypeValue        ValidationIssueType = "value"
	VIssueTypeInvariant    ValidationIssueType = "invariant"
	VIssueTypeBusinessRule ValidationIssueType = "business-rule"
	VIssueTypeNotFound     ValidationIssueType = "not-found"
)

// ValidationIssue represents a single validation problem.
type ValidationIssue struct {
	Severity    ValidationSeverity  `json:"severity"`
	Code        ValidationIssueType `json:"code"`
	Location    string              `json:"location,omitempty"`
	Diagnostics string              `json:"diagnostics"`
}

// ValidateOpResult holds the complete validation output for the $validate operation.
type ValidateOpResult struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues"`
}

// fhirIDPattern matches valid FHIR id values: [A-Za-z0-9\-\.]{1,64}
var fhirIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

// fhirReferenceOpPattern matches FHIR references: ResourceType/id or absolute URLs.
var fhirReferenceOpPattern = regexp.MustCompile(`^([A-Z][a-zA-Z]+/[A-Za-z0-9\-.]+|https?://.+)$`)

// requiredFieldsRegistry maps resource types to their phase-1 required top-level
// fields. This is the authoritative structural contract for every resource
// type the server recognizes; field-level escape hatches (e.g. accepting
// either medicationCodeableConcept or medicationReference) are business
// rules, not structural requirements, and are not modeled here.
var requiredFieldsRegistry = map[string][]string{
	"Patient":            {},
	"Observation":        {"status", "code"},
	"Encounter":          {"status", "class"},
	"Condition":          {"subject"},
	"Task":               {"status", "intent"},
	"MedicationRequest":  {"status", "intent", "subject"},
	"Procedure":          {"status", "subject"},
	"AllergyIntolerance": {"patient"},
	"DiagnosticReport":   {"status", "code"},
	"Immunization":       {"status", "vaccineCode", "patient"},
	"Bundle":             {"type"},
	"CarePlan":           {"status", "intent", "subject"},
	"Coverage":           {"status", "beneficiary", "payor"},
	"DocumentReference":  {"status", "content"},
	"ServiceRequest":     {"status", "intent", "subject"},
}

// additionalResourceTypes lists FHIR R4 resource types that the
// ResourceValidator recognizes on top of the knownResourceTypes map in
// validator.go; Task and Immunization are the ones the required-fields
// registry uses.
var additionalResourceTypes = []string{
	"Task",
	"FamilyMemberHistory",
	"RelatedPerson",
	"Device",
	"Goal",
	"Immunization",
	"Coverage",
}

// genderValueSet is the FHIR R4 administrative-gender value set bound to
// Patient.gender.
var genderValueSet = map[string]bool{
	"male":    true,
	"female":  true,
	"other":   true,
	"unknown": true,
}

// observationStatusValueSet is the FHIR R4 observation-status value set
// bound to Observation.status.
var observationStatusValueSet = map[string]bool{
	"registered":       true,
	"preliminary":      true,
	"final":            true,
	"amended":          true,
	"corrected":        true,
	"cancelled":        true,
	"entered-in-error": true,
	"unknown":          true,
}

// taskStatusValueSet is the FHIR R4 task-status value set bound to
// Task.status.
var taskStatusValueSet = map[string]bool{
	"draft":            true,
	"requested":        true,
	"received":         true,
	"accepted":         true,
	"rejected":         true,
	"ready":            true,
	"cancelled":        true,
	"in-progress":      true,
	"on-hold":          true,
	"failed":           true,
	"completed":        true,
	"entered-in-error": true,
}

// ResourceValidator runs the three sequential validation phases against a
// FHIR resource: structure (required fields), extension shape, and
// terminology binding. Phase N only runs if phase N-1 produced no
// error/fatal issues; a phase that doesn't run contributes no issues.
type ResourceValidator struct {
	knownTypes     map[string]bool
	requiredFields map[string][]string
}

// NewResourceValidator creates a validator with the server's built-in FHIR
// R4 required-field table.
func NewResourceValidator() *ResourceValidator {
	merged := make(map[string]bool, len(knownResourceTypes)+len(additionalResourceTypes))
	for k, v := range knownResourceTypes {
		merged[k] = v
	}
	for _, rt := range additionalResourceTypes {
		merged[rt] = true
	}

	return &ResourceValidator{
		knownTypes:     merged,
		requiredFields: requiredFieldsRegistry,
	}
}

// Validate runs all three phases against resource.
func (v *ResourceValidator) Validate(resource map[string]interface{}) *ValidateOpResult {
	return v.ValidateWithMode(resource, "")
}

// ValidateWithMode runs all three phases against resource. mode may be
// "create" or "update" to adjust id-presence expectations; an empty string
// applies no mode-specific adjustments.
func (v *ResourceValidator) ValidateWithMode(resource map[string]interface{}, mode string) *ValidateOpResult {
	result := &ValidateOpResult{Valid: true}

	if resource == nil {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{
			Severity:    SeverityFatal,
			Code:        VIssueTypeStructure,
			Diagnostics: "Resource is nil",
		})
		return result
	}

	phase1 := v.validatePhase1Structure(resource, mode)
	result.Issues = append(result.Issues, phase1...)
	if hasBlockingIssue(phase1) {
		result.Valid = false
		return result
	}

	phase2 := v.validatePhase2Extensions(resource)
	result.Issues = append(result.Issues, phase2...)
	if hasBlockingIssue(phase2) {
		result.Valid = false
		return result
	}

	phase3 := v.validatePhase3Terminology(resource)
	result.Issues = append(result.Issues, phase3...)
	if hasBlockingIssue(phase3) {
		result.Valid = false
	}

	return result
}

// hasBlockingIssue reports whether issues contains any error or fatal
// severity issue. Warnings never block later phases.
func hasBlockingIssue(issues []ValidationIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError || issue.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

// validatePhase1Structure checks resourceType, id format, meta shape, the
// registry-driven required-field table, and non-blocking reference/identifier
// quality warnings.
func (v *ResourceValidator) validatePhase1Structure(resource map[string]interface{}, mode string) []ValidationIssue {
	var issues []ValidationIssue

	rt := v.validateResourceType(resource, &issues)
	v.validateIDFormat(resource, &issues, mode)
	v.validateMeta(resource, &issues)
	if rt != "" {
		v.validateRequiredFields(resource, rt, &issues)
	}
	v.validateReferences(resource, "", &issues)
	v.checkIdentifierQuality(resource, rt, &issues)

	return issues
}

func (v *ResourceValidator) validateResourceType(resource map[string]interface{}, issues *[]ValidationIssue) string {
	rtVal, ok := resource["resourceType"]
	if !ok {
		*issues = append(*issues, ValidationIssue{
			Severity:    SeverityFatal,
			Code:        VIssueTypeStructure,
			Location:    "resourceType",
			Diagnostics: "resourceType is required",
		})
		return ""
	}

	rt, ok := rtVal.(string)
	if !ok || rt == "" {
		*issues = append(*issues, ValidationIssue{
			Severity:    SeverityFatal,
			Code:        VIssueTypeStructure,
			Location:    "resourceType",
			Diagnostics: "resourceType must be a non-empty string",
		})
		return ""
	}

	if !v.knownTypes[rt] {
		*issues = append(*issues, ValidationIssue{
			Severity:    SeverityError,
			Code:        VIssueTypeStructure,
			Location:    "resourceType",
			Diagnostics: fmt.Sprintf("Unknown resource type '%s'", rt),
		})
		return ""
	}

	return rt
}

func (v *ResourceValidator) validateIDFormat(resource map[string]interface{}, issues *[]ValidationIssue, mode string) {
	idVal, hasID := resource["id"]

	if mode == "update" && !hasID {
		*issues = append(*issues, ValidationIssue{
			Severity:    SeverityError,
			Code:        VIssueTypeRequired,
			Location:    "id",
			Diagnostics: "id is required for update operations",
		})
		return
	}

	if !hasID {
		return
	}

	idStr, ok := idVal.(string)
	if !ok {
		*issues = append(*issues, ValidationIssue{
			Severity:    SeverityError,
			Code:        VIssueTypeValue,
			Location:    "id",
			Diagnostics: "id must be a string",
		})
		return
	}

	if idStr == "" {
		if mode == "update" {
			*issues = append(*issues, ValidationIssue{
				Severity:    SeverityError,
				Code:        VIssueTypeValue,
				Location:    "id",
				Diagnostics: "id must not be empty for update operations",
			})
		}
		return
	}

	if !fhirIDPattern.MatchString(idStr) {
		*issues = append(*issues, ValidationIssue{
			Severity:    SeverityError,
			Code:        VIssueTypeValue,
			Location:    "id",
			Diagnostics: fmt.Sprintf("id '%s' does not match FHIR id format (alphanumeric, hyphens, dots, up to 64 chars)", idStr),
		})
	}
}

func (v *ResourceValidator) validateMeta(resource map[string]interface{}, issues *[]ValidationIssue) {
	metaVal, ok := resource["meta"]
	if !ok {
		return
	}

	metaMap, ok := metaVal.(map[string]interface{})
	if !ok {
		*issues = append(*issues, ValidationIssue{
			Severity:    SeverityError,
			Code:        VIssueTypeStructure,
			Location:    "meta",
			Diagnostics: "meta must be an object",
		})
		return
	}

	if vid, ok := metaMap["versionId"]; ok {
		if _, ok := vid.(string); !ok {
			*issues = append(*issues, ValidationIssue{
				Severity:    SeverityError,
				Code:        VIssueTypeValue,
				Location:    "meta.versionId",
				Diagnostics: "meta.versionId must be a string",
			})
		}
	}

	// meta.profile URLs are accepted but never enforced against a profile
	// registry; only the array shape is checked.
	if profileVal, ok := metaMap["profile"]; ok {
		profiles, ok := profileVal.([]interface{})
		if !ok {
			*issues = append(*issues, ValidationIssue{
				Severity:    SeverityError,
				Code:        VIssueTypeStructure,
				Location:    "meta.profile",
				Diagnostics: "meta.profile must be an array",
			})
		} else {
			for i, p := range profiles {
				if _, ok := p.(string); !ok {
					*issues = append(*issues, ValidationIssue{
						Severity:    SeverityError,
						Code:        VIssueTypeValue,
						Location:    fmt.Sprintf("meta.profile[%d]", i),
						Diagnostics: "meta.profile entries must be strings (canonical URLs)",
					})
				}
			}
		}
	}
}

func (v *ResourceValidator) validateRequiredFields(resource map[string]interface{}, rt string, issues *[]ValidationIssue) {
	fields, ok := v.requiredFields[rt]
	if !ok {
		return
	}

	for _, field := range fields {
		if _, ok := resource[field]; !ok {
			*issues = append(*issues, ValidationIssue{
				Severity:    SeverityError,
				Code:        VIssueTypeRequired,
				Location:    fmt.Sprintf("%s.%s", rt, field),
				Diagnostics: fmt.Sprintf("Required field '%s' is missing", field),
			})
		}
	}
}

// validateReferences recursively finds reference fields and emits a
// non-blocking warning for any that don't look like "ResourceType/id" or an
// absolute URL.
func (v *ResourceValidator) validateReferences(obj map[string]interface{}, path string, issues *[]ValidationIssue) {
	rt, _ := obj["resourceType"].(string)

	for key, val := range obj {
		currentPath := key
		if path != "" {
			currentPath = path + "." + key
		} else if rt != "" {
			currentPath = rt + "." + key
		}

		switch typedVal := val.(type) {
		case map[string]interface{}:
			if ref, ok := typedVal["reference"]; ok {
				refStr, isStr := ref.(string)
				if isStr && refStr != "" && !fhirReferenceOpPattern.MatchString(refStr) {
					*issues = append(*issues, ValidationIssue{
						Severity:    SeverityWarning,
						Code:        VIssueTypeValue,
						Location:    currentPath + ".reference",
						Diagnostics: fmt.Sprintf("Reference '%s' does not match expected format 'ResourceType/id' or absolute URL", refStr),
					})
				}
			}
			v.validateReferences(typedVal, currentPath, issues)

		case []interface{}:
			for i, item := range typedVal {
				if m, ok := item.(map[string]interface{}); ok {
					itemPath := fmt.Sprintf("%s[%d]", currentPath, i)
					v.validateReferences(m, itemPath, issues)
				}
			}
		}
	}
}

// checkIdentifierQuality emits a non-blocking warning for any Identifier
// (top-level "identifier" field, singular or array) that carries neither a
// value nor a system.
func (v *ResourceValidator) checkIdentifierQuality(resource map[string]interface{}, rt string, issues *[]ValidationIssue) {
	idVal, ok := resource["identifier"]
	if !ok {
		return
	}

	var identifiers []interface{}
	switch id := idVal.(type) {
	case []interface{}:
		identifiers = id
	case map[string]interface{}:
		identifiers = []interface{}{id}
	default:
		return
	}

	for i, entry := range identifiers {
		idObj, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		_, hasValue := idObj["value"]
		_, hasSystem := idObj["system"]
		if !hasValue && !hasSystem {
			location := fmt.Sprintf("identifier[%d]", i)
			if rt != "" {
				location = fmt.Sprintf("%s.identifier[%d]", rt, i)
			}
			*issues = append(*issues, ValidationIssue{
				Severity:    SeverityWarning,
				Code:        VIssueTypeValue,
				Location:    location,
				Diagnostics: "Identifier has neither a value nor a system",
			})
		}
	}
}

// validatePhase2Extensions checks that every entry in a top-level
// extension[] array carries a url plus at least one value[x] field or a
// nested extension[] array.
func (v *ResourceValidator) validatePhase2Extensions(resource map[string]interface{}) []ValidationIssue {
	var issues []ValidationIssue
	v.walkExtensions(resource, "extension", &issues)
	return issues
}

func (v *ResourceValidator) walkExtensions(obj map[string]interface{}, path string, issues *[]ValidationIssue) {
	extVal, ok := obj["extension"]
	if !ok {
		return
	}
	entries, ok := extVal.([]interface{})
	if !ok {
		*issues = append(*issues, ValidationIssue{
			Severity:    SeverityError,
			Code:        VIssueTypeStructure,
			Location:    path,
			Diagnostics: "extension must be an array",
		})
		return
	}

	for i, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			*issues = append(*issues, ValidationIssue{
				Severity:    SeverityError,
				Code:        VIssueTypeStructure,
				Location:    fmt.Sprintf("%s[%d]", path, i),
				Diagnostics: "extension entry must be an object",
			})
			continue
		}

		entryPath := fmt.Sprintf("%s[%d]", path, i)

		url, hasURL := entry["url"].(string)
		if !hasURL || url == "" {
			*issues = append(*issues, ValidationIssue{
				Severity:    SeverityError,
				Code:        VIssueTypeRequired,
				Location:    entryPath + ".url",
				Diagnostics: "extension.url is required",
			})
		}

		hasValue := false
		for key := range entry {
			if strings.HasPrefix(key, "value") {
				hasValue = true
				break
			}
		}
		_, hasNested := entry["extension"]

		if !hasValue && !hasNested {
			*issues = append(*issues, ValidationIssue{
				Severity:    SeverityError,
				Code:        VIssueTypeInvariant,
				Location:    entryPath,
				Diagnostics: "extension must carry a value[x] field or a nested extension array",
			})
		}

		v.walkExtensions(entry, entryPath+".extension", issues)
	}
}

// validatePhase3Terminology binds a small set of status/code fields to their
// FHIR R4 value sets. Unknown resource types and unbound fields accept any
// code.
func (v *ResourceValidator) validatePhase3Terminology(resource map[string]interface{}) []ValidationIssue {
	var issues []ValidationIssue

	rt, _ := resource["resourceType"].(string)

	switch rt {
	case "Patient":
		v.validateBoundCode(resource, "gender", genderValueSet, &issues)
	case "Observation":
		v.validateBoundCode(resource, "status", observationStatusValueSet, &issues)
	case "Task":
		v.validateBoundCode(resource, "status", taskStatusValueSet, &issues)
	}

	return issues
}

func (v *ResourceValidator) validateBoundCode(resource map[string]interface{}, field string, valueSet map[string]bool, issues *[]ValidationIssue) {
	val, ok := resource[field]
	if !ok {
		return
	}
	code, ok := val.(string)
	if !ok {
		return
	}
	if !valueSet[code] {
		*issues = append(*issues, ValidationIssue{
			Severity:    SeverityError,
			Code:        VIssueTypeValue,
			Location:    field,
			Diagnostics: fmt.Sprintf("'%s' is not a valid code for %s", code, field),
		})
	}
}

// validateBoundCodeableConcept validates a CodeableConcept-shaped value
// against valueSet: it accepts if any coding.code in the concept is bound,
// otherwise accepts if the concept carries free text. This is the
// documented extension point for binding additional coded fields beyond the
// three mandatory scalar-code bindings above.
func validateBoundCodeableConcept(concept map[string]interface{}, valueSet map[string]bool) bool {
	if codings, ok := concept["coding"].([]interface{}); ok {
		for _, c := range codings {
			codingMap, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			if code, ok := codingMap["code"].(string); ok && valueSet[code] {
				return true
			}
		}
	}
	if text, ok := concept["text"].(string); ok && text != "" {
		return true
	}
	return false
}

// ValidateHandler provides the $validate HTTP endpoint.
type ValidateHandler struct {
	validator *ResourceValidator
}

// NewValidateHandler creates a new ValidateHandler.
func NewValidateHandler(validator *ResourceValidator) *ValidateHandler {
	return &ValidateHandler{validator: validator}
}

// RegisterRoutes adds $validate routes to the given FHIR group.
func (h *ValidateHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/$validate", h.Validate)
	g.POST("/:resourceType/$validate", h.Validate)
}

// Validate handles POST /fhir/$validate and POST /fhir/{ResourceType}/$validate.
// It accepts a bare resource or a Parameters wrapper with a "resource" part,
// and always returns 200 with an OperationOutcome.
func (h *ValidateHandler) Validate(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, buildValidateOutcome([]ValidationIssue{
			{Severity: SeverityFatal, Code: VIssueTypeStructure, Diagnostics: "Failed to read request body"},
		}))
	}

	if len(body) == 0 {
		return c.JSON(http.StatusBadRequest, buildValidateOutcome([]ValidationIssue{
			{Severity: SeverityFatal, Code: VIssueTypeStructure, Diagnostics: "Request body is empty"},
		}))
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return c.JSON(http.StatusBadRequest, buildValidateOutcome([]ValidationIssue{
			{Severity: SeverityFatal, Code: VIssueTypeStructure, Diagnostics: "Invalid JSON: " + err.Error()},
		}))
	}

	resource := unwrapParametersResource(parsed)

	urlType := c.Param("resourceType")
	if urlType != "" {
		bodyType, _ := resource["resourceType"].(string)
		if bodyType != "" && bodyType != urlType {
			return c.JSON(http.StatusBadRequest, buildValidateOutcome([]ValidationIssue{
				{Severity: SeverityError, Code: VIssueTypeStructure, Diagnostics: fmt.Sprintf(
					"Resource type in URL '%s' does not match resource type in body '%s'", urlType, bodyType)},
			}))
		}
		if bodyType == "" {
			resource["resourceType"] = urlType
		}
	}

	mode := c.QueryParam("mode")
	vResult := h.validator.ValidateWithMode(resource, mode)

	if profile := c.QueryParam("profile"); profile != "" {
		log.Printf("INFO: $validate profile parameter '%s' accepted but not enforced", profile)
		vResult.Issues = append([]ValidationIssue{{
			Severity:    SeverityWarning,
			Code:        VIssueTypeInvariant,
			Diagnostics: fmt.Sprintf("Profile validation against '%s' is not supported; the profile declaration was accepted but not enforced.", profile),
		}}, vResult.Issues...)
	}

	return c.JSON(http.StatusOK, buildValidateOperationOutcome(vResult))
}

// unwrapParametersResource accepts either a bare resource or a FHIR
// Parameters resource with a part named "resource", returning the resource
// map to validate in either case.
func unwrapParametersResource(parsed map[string]interface{}) map[string]interface{} {
	rt, _ := parsed["resourceType"].(string)
	if rt != "Parameters" {
		return parsed
	}

	parts, ok := parsed["parameter"].([]interface{})
	if !ok {
		return parsed
	}
	for _, p := range parts {
		param, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		if name, _ := param["name"].(string); name == "resource" {
			if res, ok := param["resource"].(map[string]interface{}); ok {
				return res
			}
		}
	}
	return parsed
}

// buildValidateOperationOutcome converts a ValidateOpResult to a FHIR OperationOutcome.
func buildValidateOperationOutcome(result *ValidateOpResult) map[string]interface{} {
	if len(result.Issues) == 0 {
		return buildValidateOutcome([]ValidationIssue{
			{Severity: SeverityInformation, Code: VIssueTypeInvariant, Diagnostics: "Validation successful"},
		})
	}
	return buildValidateOutcome(result.Issues)
}

// buildValidateOutcome builds a raw OperationOutcome map from validation issues.
func buildValidateOutcome(issues []ValidationIssue) map[string]interface{} {
	issueList := make([]map[string]interface{}, 0, len(issues))
	for _, issue := range issues {
		entry := map[string]interface{}{
			"severity":    string(issue.Severity),
			"code":        string(issue.Code),
			"diagnostics": issue.Diagnostics,
		}
		if issue.Location != "" {
			entry["location"] = []string{issue.Location}
		}
		issueList = append(issueList, entry)
	}

	return map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue":        issueList,
	}
}
