package fhir

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehr/internal/platform/db"
)

// HistoryHandler serves FHIR instance-, type-, and system-level _history
// interactions by paging through the Resource Store's fhir_history table.
type HistoryHandler struct {
	store *db.Store
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(store *db.Store) *HistoryHandler {
	return &HistoryHandler{store: store}
}

// RegisterRoutes registers the history routes on the given echo group.
func (h *HistoryHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/_history", h.SystemHistory)
	g.GET("/:resourceType/_history", h.TypeHistory)
	g.GET("/:resourceType/:id/_history", h.InstanceHistory)
}

// SystemHistory handles GET /fhir/_history: every resource change across
// the system, newest first.
func (h *HistoryHandler) SystemHistory(c echo.Context) error {
	count := ParseCount(c, 20)
	offset := ParseOffset(c)
	since := parseSince(c)

	records, total, err := h.store.HistoryPage(c.Request().Context(), "", since, count, offset)
	if err != nil {
		return c.JSON(http.StatusOK, NewHistoryBundle(nil, 0, "/fhir"))
	}
	return c.JSON(http.StatusOK, NewHistoryBundle(records, total, "/fhir"))
}

// TypeHistory handles GET /fhir/:resourceType/_history.
func (h *HistoryHandler) TypeHistory(c echo.Context) error {
	resourceType := c.Param("resourceType")
	count := ParseCount(c, 20)
	offset := ParseOffset(c)
	since := parseSince(c)

	records, total, err := h.store.HistoryPage(c.Request().Context(), resourceType, since, count, offset)
	if err != nil {
		return c.JSON(http.StatusOK, NewHistoryBundle(nil, 0, "/fhir"))
	}
	return c.JSON(http.StatusOK, NewHistoryBundle(records, total, "/fhir"))
}

// InstanceHistory handles GET /fhir/:resourceType/:id/_history: every
// version of a single resource, newest first.
func (h *HistoryHandler) InstanceHistory(c echo.Context) error {
	resourceType := c.Param("resourceType")
	id := c.Param("id")

	versions, err := h.store.ListVersions(c.Request().Context(), resourceType, id)
	if err != nil {
		return c.JSON(http.StatusOK, NewHistoryBundle(nil, 0, fmt.Sprintf("/fhir/%s/%s", resourceType, id)))
	}

	records := make([]*db.HistoryRecord, len(versions))
	for i, v := range versions {
		records[i] = &db.HistoryRecord{
			ResourceType: v.ResourceType,
			ID:           v.ID,
			VersionID:    v.VersionID,
			Body:         v.Body,
			LastUpdated:  v.LastUpdated,
		}
	}
	return c.JSON(http.StatusOK, NewHistoryBundle(records, len(records), "/fhir"))
}

// parseSince parses the _since query parameter as an RFC3339 timestamp.
// Returns nil if the parameter is not present or cannot be parsed.
func parseSince(c echo.Context) *time.Time {
	sinceStr := c.QueryParam("_since")
	if sinceStr == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, sinceStr)
	if err != nil {
		return nil
	}
	return &t
}

// NewHistoryBundle creates a FHIR Bundle of type "history" from a page of
// history records.
func NewHistoryBundle(records []*db.HistoryRecord, total int, baseURL string) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(records))

	for i, rec := range records {
		fullURL := fmt.Sprintf("%s/%s/%s/_history/%s", baseURL, rec.ResourceType, rec.ID, rec.VersionID)

		method := "PUT"
		status := "200 OK"
		switch rec.Action {
		case "create":
			method = "POST"
			status = "201 Created"
		case "delete":
			method = "DELETE"
			status = "204 No Content"
		}

		raw, _ := json.Marshal(rec.Body)
		lastUpdated := rec.LastUpdated
		entries[i] = BundleEntry{
			FullURL:  fullURL,
			Resource: raw,
			Request: &BundleRequest{
				Method: method,
				URL:    fmt.Sprintf("%s/%s", rec.ResourceType, rec.ID),
			},
			Response: &BundleResponse{
				Status:       status,
				LastModified: &lastUpdated,
			},
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
}
