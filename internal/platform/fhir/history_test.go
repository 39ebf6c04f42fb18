package fhir

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehr/internal/platform/db"
)

func TestNewHistoryBundle(t *testing.T) {
	now := time.Now().UTC()
	records := []*db.HistoryRecord{
		{ResourceType: "Patient", ID: "p1", VersionID: "2", Body: map[string]interface{}{"resourceType": "Patient", "id": "p1"}, Action: "update", LastUpdated: now},
		{ResourceType: "Patient", ID: "p1", VersionID: "1", Body: map[string]interface{}{"resourceType": "Patient", "id": "p1"}, Action: "create", LastUpdated: now.Add(-time.Hour)},
	}

	bundle := NewHistoryBundle(records, 2, "/fhir")

	if bundle.Type != "history" {
		t.Errorf("bundle type = %q, want 'history'", bundle.Type)
	}
	if *bundle.Total != 2 {
		t.Errorf("total = %d, want 2", *bundle.Total)
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("entries = %d, want 2", len(bundle.Entry))
	}

	if bundle.Entry[0].Request.Method != "PUT" {
		t.Errorf("entry[0] method = %q, want PUT", bundle.Entry[0].Request.Method)
	}
	if bundle.Entry[0].Response.Status != "200 OK" {
		t.Errorf("entry[0] status = %q, want '200 OK'", bundle.Entry[0].Response.Status)
	}

	if bundle.Entry[1].Request.Method != "POST" {
		t.Errorf("entry[1] method = %q, want POST", bundle.Entry[1].Request.Method)
	}
	if bundle.Entry[1].Response.Status != "201 Created" {
		t.Errorf("entry[1] status = %q, want '201 Created'", bundle.Entry[1].Response.Status)
	}
}

func TestNewHistoryBundle_DeleteAction(t *testing.T) {
	now := time.Now().UTC()
	records := []*db.HistoryRecord{
		{ResourceType: "Patient", ID: "p1", VersionID: "3", Body: map[string]interface{}{}, Action: "delete", LastUpdated: now},
	}

	bundle := NewHistoryBundle(records, 1, "/fhir")
	if bundle.Entry[0].Request.Method != "DELETE" {
		t.Errorf("delete entry method = %q, want DELETE", bundle.Entry[0].Request.Method)
	}
	if bundle.Entry[0].Response.Status != "204 No Content" {
		t.Errorf("delete entry status = %q", bundle.Entry[0].Response.Status)
	}
}

func TestNewHistoryBundle_Empty(t *testing.T) {
	bundle := NewHistoryBundle(nil, 0, "/fhir")
	if bundle.Type != "history" {
		t.Error("empty history should still be type 'history'")
	}
	if *bundle.Total != 0 {
		t.Error("empty history total should be 0")
	}
}

func TestNewHistoryBundle_FullURL(t *testing.T) {
	records := []*db.HistoryRecord{
		{ResourceType: "Observation", ID: "obs-1", VersionID: "5", Body: map[string]interface{}{}, Action: "update", LastUpdated: time.Now()},
	}

	bundle := NewHistoryBundle(records, 1, "/fhir")
	expected := "/fhir/Observation/obs-1/_history/5"
	if bundle.Entry[0].FullURL != expected {
		t.Errorf("fullUrl = %q, want %q", bundle.Entry[0].FullURL, expected)
	}
}

func TestNewHistoryBundle_RequestURL(t *testing.T) {
	now := time.Now().UTC()
	records := []*db.HistoryRecord{
		{ResourceType: "Condition", ID: "cond-1", VersionID: "1", Body: map[string]interface{}{}, Action: "create", LastUpdated: now},
	}

	bundle := NewHistoryBundle(records, 1, "/fhir")
	if bundle.Entry[0].Request == nil {
		t.Fatal("expected request to be set")
	}
	expectedURL := "Condition/cond-1"
	if bundle.Entry[0].Request.URL != expectedURL {
		t.Errorf("request.url = %q, want %q", bundle.Entry[0].Request.URL, expectedURL)
	}
}

func TestNewHistoryBundle_ResponseLastModified(t *testing.T) {
	now := time.Now().UTC()
	records := []*db.HistoryRecord{
		{ResourceType: "Patient", ID: "p1", VersionID: "1", Body: map[string]interface{}{}, Action: "create", LastUpdated: now},
	}

	bundle := NewHistoryBundle(records, 1, "/fhir")
	if bundle.Entry[0].Response == nil {
		t.Fatal("expected response to be set")
	}
	if bundle.Entry[0].Response.LastModified == nil {
		t.Fatal("expected lastModified to be set")
	}
	if !bundle.Entry[0].Response.LastModified.Equal(now) {
		t.Errorf("lastModified = %v, want %v", bundle.Entry[0].Response.LastModified, now)
	}
}

func TestNewHistoryBundle_Timestamp(t *testing.T) {
	bundle := NewHistoryBundle(nil, 0, "/fhir")
	if bundle.Timestamp == nil {
		t.Fatal("expected bundle timestamp to be set")
	}
	if time.Since(*bundle.Timestamp) > time.Second {
		t.Errorf("timestamp too old: %v", bundle.Timestamp)
	}
}

func TestNewHistoryBundle_ResourceType(t *testing.T) {
	bundle := NewHistoryBundle(nil, 0, "/fhir")
	if bundle.ResourceType != "Bundle" {
		t.Errorf("resourceType = %q, want %q", bundle.ResourceType, "Bundle")
	}
}

func TestNewHistoryBundle_MultipleActions(t *testing.T) {
	now := time.Now().UTC()
	records := []*db.HistoryRecord{
		{ResourceType: "Patient", ID: "p1", VersionID: "3", Body: map[string]interface{}{}, Action: "delete", LastUpdated: now},
		{ResourceType: "Patient", ID: "p1", VersionID: "2", Body: map[string]interface{}{}, Action: "update", LastUpdated: now.Add(-time.Hour)},
		{ResourceType: "Patient", ID: "p1", VersionID: "1", Body: map[string]interface{}{}, Action: "create", LastUpdated: now.Add(-2 * time.Hour)},
	}

	bundle := NewHistoryBundle(records, 3, "/fhir")
	if len(bundle.Entry) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(bundle.Entry))
	}

	expectedMethods := []string{"DELETE", "PUT", "POST"}
	expectedStatuses := []string{"204 No Content", "200 OK", "201 Created"}

	for i, entry := range bundle.Entry {
		if entry.Request.Method != expectedMethods[i] {
			t.Errorf("entry[%d] method = %q, want %q", i, entry.Request.Method, expectedMethods[i])
		}
		if entry.Response.Status != expectedStatuses[i] {
			t.Errorf("entry[%d] status = %q, want %q", i, entry.Response.Status, expectedStatuses[i])
		}
	}
}

func TestNewHistoryBundle_UnknownAction(t *testing.T) {
	now := time.Now().UTC()
	records := []*db.HistoryRecord{
		{ResourceType: "Patient", ID: "p1", VersionID: "1", Body: map[string]interface{}{}, Action: "unknown_action", LastUpdated: now},
	}

	bundle := NewHistoryBundle(records, 1, "/fhir")
	if bundle.Entry[0].Request.Method != "PUT" {
		t.Errorf("unknown action method = %q, want PUT", bundle.Entry[0].Request.Method)
	}
	if bundle.Entry[0].Response.Status != "200 OK" {
		t.Errorf("unknown action status = %q, want %q", bundle.Entry[0].Response.Status, "200 OK")
	}
}

func TestHistoryHandler_SystemHistory_NoConnection(t *testing.T) {
	handler := NewHistoryHandler(db.NewStore())

	e := echo.New()
	g := e.Group("/fhir")
	handler.RegisterRoutes(g)

	req := httptest.NewRequest(http.MethodGet, "/fhir/_history", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := handler.SystemHistory(c); err != nil {
		t.Fatalf("SystemHistory returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var bundle Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if bundle.Type != "history" {
		t.Errorf("bundle type = %q, want 'history'", bundle.Type)
	}
	if bundle.Total == nil || *bundle.Total != 0 {
		t.Error("expected total 0 when no database connection is available")
	}
}

func TestHistoryHandler_SystemHistory_WithParams(t *testing.T) {
	handler := NewHistoryHandler(db.NewStore())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/_history?_count=5&_offset=10&_since=2024-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := handler.SystemHistory(c); err != nil {
		t.Fatalf("SystemHistory with params returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHistoryHandler_TypeHistory_NoConnection(t *testing.T) {
	handler := NewHistoryHandler(db.NewStore())

	e := echo.New()
	g := e.Group("/fhir")
	handler.RegisterRoutes(g)

	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/_history", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("resourceType")
	c.SetParamValues("Patient")

	if err := handler.TypeHistory(c); err != nil {
		t.Fatalf("TypeHistory returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var bundle Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if bundle.Total == nil || *bundle.Total != 0 {
		t.Error("expected total 0 when no database connection is available")
	}
}

func TestHistoryHandler_InstanceHistory_NoConnection(t *testing.T) {
	handler := NewHistoryHandler(db.NewStore())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/p1/_history", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("resourceType", "id")
	c.SetParamValues("Patient", "p1")

	if err := handler.InstanceHistory(c); err != nil {
		t.Fatalf("InstanceHistory returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestNewHistoryHandler(t *testing.T) {
	store := db.NewStore()
	handler := NewHistoryHandler(store)
	if handler == nil {
		t.Fatal("expected non-nil HistoryHandler")
	}
	if handler.store != store {
		t.Error("handler store does not match provided store")
	}
}

func TestParseSince(t *testing.T) {
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/?_since=2024-01-15T10:30:00Z", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	since := parseSince(c)
	if since == nil {
		t.Fatal("expected non-nil since for valid RFC3339 time")
	}
	expected := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	if !since.Equal(expected) {
		t.Errorf("since = %v, want %v", since, expected)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	since = parseSince(c)
	if since != nil {
		t.Errorf("expected nil since for empty param, got %v", since)
	}

	req = httptest.NewRequest(http.MethodGet, "/?_since=not-a-date", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	since = parseSince(c)
	if since != nil {
		t.Errorf("expected nil since for invalid date, got %v", since)
	}
}

func TestHistoryHandler_RegisterRoutes(t *testing.T) {
	handler := NewHistoryHandler(db.NewStore())

	e := echo.New()
	g := e.Group("/fhir")
	handler.RegisterRoutes(g)

	routes := e.Routes()
	foundSystem, foundType, foundInstance := false, false, false
	for _, r := range routes {
		switch {
		case r.Path == "/fhir/_history" && r.Method == http.MethodGet:
			foundSystem = true
		case r.Path == "/fhir/:resourceType/_history" && r.Method == http.MethodGet:
			foundType = true
		case r.Path == "/fhir/:resourceType/:id/_history" && r.Method == http.MethodGet:
			foundInstance = true
		}
	}
	if !foundSystem {
		t.Error("system-level history route not registered: GET /fhir/_history")
	}
	if !foundType {
		t.Error("type-level history route not registered: GET /fhir/:resourceType/_history")
	}
	if !foundInstance {
		t.Error("instance-level history route not registered: GET /fhir/:resourceType/:id/_history")
	}
}
