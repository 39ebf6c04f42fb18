package fhir

import "fmt"

// CompartmentDef is the Compartment Filter's membership table (spec
// component H): for each resource type that can belong to the Patient
// compartment, the list of reference fields that link an instance of that
// type back to a Patient. Patient itself is matched by id, not by a
// reference field.
type CompartmentDef struct {
	membership map[string][]string
}

// PatientCompartment is the standard FHIR R4 Patient compartment
// definition: the fixed set of resource types and linking fields the
// server enforces compartment scoping over.
func PatientCompartment() *CompartmentDef {
	return &CompartmentDef{
		membership: map[string][]string{
			"Patient":            {},
			"Observation":        {"subject"},
			"Encounter":          {"subject"},
			"Condition":          {"subject"},
			"MedicationRequest":  {"subject"},
			"Procedure":          {"subject"},
			"AllergyIntolerance": {"patient"},
			"DiagnosticReport":   {"subject"},
			"Immunization":       {"patient"},
			"Task":               {"for", "owner"},
			// Practitioner, Organization, Bundle are outside the compartment.
		},
	}
}

// IsInCompartment reports whether resourceType can ever belong to the
// Patient compartment.
func (c *CompartmentDef) IsInCompartment(resourceType string) bool {
	_, ok := c.membership[resourceType]
	return ok
}

// ReferenceFields returns the linking field names for resourceType, and
// false if the type is outside the compartment entirely.
func (c *CompartmentDef) ReferenceFields(resourceType string) ([]string, bool) {
	fields, ok := c.membership[resourceType]
	return fields, ok
}

// BelongsToPatient reports whether resource (of the given resourceType)
// belongs to the named patient's compartment: Patient resources match by
// id; everything else matches if any of its configured linking fields
// holds a reference to "Patient/{patientID}"; resource types outside the
// compartment never match.
func (c *CompartmentDef) BelongsToPatient(resourceType string, resource map[string]interface{}, patientID string) bool {
	fields, ok := c.membership[resourceType]
	if !ok {
		return false
	}

	if resourceType == "Patient" {
		id, _ := resource["id"].(string)
		return id == patientID
	}

	expected := fmt.Sprintf("Patient/%s", patientID)
	for _, field := range fields {
		refObj, ok := resource[field].(map[string]interface{})
		if !ok {
			continue
		}
		if ref, _ := refObj["reference"].(string); ref == expected {
			return true
		}
	}
	return false
}

// Subject is the authenticated caller attached to a request context: the
// SMART-on-FHIR scopes it was granted, and — for patient-context scopes —
// the patient id the access token was issued against. Authentication
// itself (token verification, issuer/JWKS handling) is out of scope; a
// Subject is constructed from claims a collaborating auth layer has
// already verified.
type Subject struct {
	Scopes    []string
	PatientID string // set only when the subject holds patient/* scopes
}

// IsPatientScoped reports whether the subject holds a patient-context
// scope ("patient/...") and no broader user/* or system/* scope, meaning
// access must be confined to the subject's own Patient compartment.
func (s Subject) IsPatientScoped() bool {
	if len(s.Scopes) == 0 {
		return false
	}
	sawPatientScope := false
	for _, scope := range s.Scopes {
		switch {
		case hasPrefix(scope, "patient/"):
			sawPatientScope = true
		case hasPrefix(scope, "user/"), hasPrefix(scope, "system/"):
			return false
		}
	}
	return sawPatientScope
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
