package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ehr/ehr/internal/platform/db"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// CRUDCoordinator implements the per-resource-type create / read / update /
// patch / delete / conditional / version-read operations (spec component
// I). It is the only place that runs the canonical write path: compartment
// check on the incoming (create) or existing (update/patch/delete) body,
// validate, mint/advance version, write to the Resource Store, then refresh
// the Search Index. A write is considered successful once the Store
// commits; index refresh failures are logged but never surfaced to the
// caller.
type CRUDCoordinator struct {
	store       *db.Store
	index       *db.Index
	registry    *ParamRegistry
	validator   *ResourceValidator
	compartment *CompartmentDef
	executor    *SearchExecutor
}

// NewCRUDCoordinator creates a CRUDCoordinator wired to the given store,
// index, and registry.
func NewCRUDCoordinator(store *db.Store, index *db.Index, registry *ParamRegistry, validator *ResourceValidator) *CRUDCoordinator {
	return &CRUDCoordinator{
		store:       store,
		index:       index,
		registry:    registry,
		validator:   validator,
		compartment: PatientCompartment(),
		executor:    NewSearchExecutor(store, index),
	}
}

// RegisterRoutes registers the instance- and type-level CRUD routes on the
// given FHIR group.
func (cc *CRUDCoordinator) RegisterRoutes(g *echo.Group) {
	g.GET("/:resourceType", cc.Search)
	g.POST("/:resourceType", cc.Create)
	g.GET("/:resourceType/:id", cc.Read)
	g.GET("/:resourceType/:id/_history/:vid", cc.VRead)
	g.PUT("/:resourceType/:id", cc.Update)
	g.PATCH("/:resourceType/:id", cc.Patch)
	g.DELETE("/:resourceType/:id", cc.Delete)
}

// subjectFromContext reads the authenticated Subject a collaborating auth
// layer has already attached to the request context, if any. A request with
// no Subject is treated as unscoped (system-level access).
func subjectFromContext(ctx context.Context) (Subject, bool) {
	subj, ok := ctx.Value(subjectContextKey{}).(Subject)
	return subj, ok
}

type subjectContextKey struct{}

// WithSubject attaches subj to ctx so the Compartment Filter can enforce it.
func WithSubject(ctx context.Context, subj Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, subj)
}

// checkCompartment enforces patient-scoped access: a patient-scoped subject
// may only touch resources that belong to its own Patient compartment. An
// unscoped (system/user) subject, or a resource type outside the
// compartment entirely, is never restricted here.
func (cc *CRUDCoordinator) checkCompartment(ctx context.Context, resourceType string, resource map[string]interface{}) error {
	subj, ok := subjectFromContext(ctx)
	if !ok || !subj.IsPatientScoped() {
		return nil
	}
	if !cc.compartment.IsInCompartment(resourceType) {
		return nil
	}
	if !cc.compartment.BelongsToPatient(resourceType, resource, subj.PatientID) {
		return fmt.Errorf("%w: resource is outside the caller's patient compartment", errForbidden)
	}
	return nil
}

var errForbidden = fmt.Errorf("forbidden")

// writeResult carries the outcome of a successful internal write.
type writeResult struct {
	Body      map[string]interface{}
	VersionID string
	Created   bool
}

// createResource runs the full create path for resourceType: mint an id if
// absent, validate, write version "1", refresh the index.
func (cc *CRUDCoordinator) createResource(ctx context.Context, resourceType string, resource map[string]interface{}) (*writeResult, error) {
	resource["resourceType"] = resourceType
	id, _ := resource["id"].(string)
	if id == "" {
		id = newResourceID()
		resource["id"] = id
	}

	if err := cc.checkCompartment(ctx, resourceType, resource); err != nil {
		return nil, err
	}

	vResult := cc.validator.ValidateWithMode(resource, "create")
	if !vResult.Valid {
		return nil, &validationError{result: vResult}
	}

	now := time.Now().UTC()
	setMeta(resource, "1", now)

	if err := cc.store.PutWithVersion(ctx, resourceType, id, "1", resource, now, "create"); err != nil {
		return nil, fmt.Errorf("store %s/%s: %w", resourceType, id, err)
	}
	cc.refreshIndex(ctx, resourceType, id, resource)

	return &writeResult{Body: resource, VersionID: "1", Created: true}, nil
}

// updateResource runs the full update path: load the existing body (if
// any) to run the compartment check against it and to compute the next
// version, validate the incoming body, write the advanced version, refresh
// the index. If no current resource exists, this behaves like create at
// version 1 (FHIR "update as create").
func (cc *CRUDCoordinator) updateResource(ctx context.Context, resourceType, id string, resource map[string]interface{}, ifMatch string) (*writeResult, error) {
	existing, err := cc.store.Get(ctx, resourceType, id)
	if err != nil && err != db.ErrNotFound {
		return nil, fmt.Errorf("load %s/%s: %w", resourceType, id, err)
	}

	if existing != nil {
		if err := cc.checkCompartment(ctx, resourceType, existing.Body); err != nil {
			return nil, err
		}
		if ifMatch != "" && ifMatch != weakETag(existing.VersionID) {
			return nil, &conflictError{diagnostics: fmt.Sprintf(
				"If-Match %q does not match current version %q", ifMatch, existing.VersionID)}
		}
	} else if ifMatch != "" {
		return nil, &conflictError{diagnostics: "If-Match supplied but resource does not exist"}
	}

	resource["resourceType"] = resourceType
	resource["id"] = id

	vResult := cc.validator.ValidateWithMode(resource, "update")
	if !vResult.Valid {
		return nil, &validationError{result: vResult}
	}

	nextVersion := "1"
	created := true
	if existing != nil {
		nextVersion = nextVersionID(existing.VersionID)
		created = false
	}

	now := time.Now().UTC()
	setMeta(resource, nextVersion, now)

	if err := cc.store.PutWithVersion(ctx, resourceType, id, nextVersion, resource, now, "update"); err != nil {
		return nil, fmt.Errorf("store %s/%s: %w", resourceType, id, err)
	}
	cc.refreshIndex(ctx, resourceType, id, resource)

	return &writeResult{Body: resource, VersionID: nextVersion, Created: created}, nil
}

// deleteResource runs the full delete path: compartment-check the existing
// body, drop the current pointer, and purge its index rows.
func (cc *CRUDCoordinator) deleteResource(ctx context.Context, resourceType, id string) (bool, error) {
	existing, err := cc.store.Get(ctx, resourceType, id)
	if err == db.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s/%s: %w", resourceType, id, err)
	}
	if err := cc.checkCompartment(ctx, resourceType, existing.Body); err != nil {
		return false, err
	}

	deleted, err := cc.store.Delete(ctx, resourceType, id)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
	}
	if deleted {
		if err := cc.index.RemoveIndex(ctx, resourceType, id); err != nil {
			logIndexRefreshError(resourceType, id, err)
		}
	}
	return deleted, nil
}

// refreshIndex purges and reinserts a resource's Search Index projections.
// Per spec.md §4.A, index refresh failures are logged but never block or
// fail the write that triggered them.
func (cc *CRUDCoordinator) refreshIndex(ctx context.Context, resourceType, id string, resource map[string]interface{}) {
	entries := ExtractIndexEntries(cc.registry, resourceType, id, resource)
	tuples := make([]db.IndexTuple, len(entries))
	for i, e := range entries {
		tuples[i] = db.IndexTuple{
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			ParamName:    e.ParamName,
			ParamType:    string(e.ParamType),
			Value:        e.Value,
			System:       e.System,
		}
	}
	if err := cc.index.Reindex(ctx, resourceType, id, tuples); err != nil {
		logIndexRefreshError(resourceType, id, err)
	}
}

func logIndexRefreshError(resourceType, id string, err error) {
	fmt.Printf("WARN: index refresh failed for %s/%s: %v\n", resourceType, id, err)
}

// setMeta stamps resource's meta.versionId and meta.lastUpdated, preserving
// any other meta fields (e.g. profile) already present.
func setMeta(resource map[string]interface{}, versionID string, lastUpdated time.Time) {
	meta, ok := resource["meta"].(map[string]interface{})
	if !ok {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = versionID
	meta["lastUpdated"] = lastUpdated.Format(time.RFC3339)
	resource["meta"] = meta
}

// nextVersionID parses current as a decimal counter and returns current+1.
// A non-numeric or empty current is treated as "0", so the result is always
// at least "1".
func nextVersionID(current string) string {
	n, err := strconv.Atoi(current)
	if err != nil {
		n = 0
	}
	return strconv.Itoa(n + 1)
}

func weakETag(versionID string) string {
	return fmt.Sprintf(`W/"%s"`, versionID)
}

// newResourceID mints a fresh id for a resource with none supplied.
func newResourceID() string {
	return uuid.New().String()
}

// readBody reads and returns the full request body.
func readBody(c echo.Context) ([]byte, error) {
	return io.ReadAll(c.Request().Body)
}

// decodeResource reads and JSON-decodes a request body into a resource map.
func decodeResource(c echo.Context) (map[string]interface{}, error) {
	var resource map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&resource); err != nil {
		return nil, err
	}
	return resource, nil
}

// validationError wraps a failed ResourceValidator result for HTTP
// translation.
type validationError struct {
	result *ValidateOpResult
}

func (e *validationError) Error() string { return "resource failed validation" }

// conflictError represents an If-Match/If-None-Match precondition failure.
type conflictError struct{ diagnostics string }

func (e *conflictError) Error() string { return e.diagnostics }

// translateWriteError maps an internal write error to an HTTP status and
// OperationOutcome body.
func translateWriteError(err error) (int, interface{}) {
	switch e := err.(type) {
	case *validationError:
		return http.StatusBadRequest, buildValidateOperationOutcome(e.result)
	case *conflictError:
		return http.StatusConflict, ConflictOutcome(e.diagnostics)
	}
	if errors.Is(err, errForbidden) {
		return http.StatusForbidden, ForbiddenOutcome(err.Error())
	}
	return http.StatusInternalServerError, InternalErrorOutcome(err.Error())
}

// Create handles POST /fhir/{ResourceType}.
func (cc *CRUDCoordinator) Create(c echo.Context) error {
	resourceType := c.Param("resourceType")
	resource, err := decodeResource(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("invalid resource body: "+err.Error()))
	}

	result, err := cc.createResource(c.Request().Context(), resourceType, resource)
	if err != nil {
		status, outcome := translateWriteError(err)
		return c.JSON(status, outcome)
	}

	c.Response().Header().Set("ETag", weakETag(result.VersionID))
	c.Response().Header().Set("Location", fmt.Sprintf("%s/%s/_history/%s", resourceType, resource["id"], result.VersionID))
	return c.JSON(http.StatusCreated, result.Body)
}

// Read handles GET /fhir/{ResourceType}/{id}.
func (cc *CRUDCoordinator) Read(c echo.Context) error {
	resourceType := c.Param("resourceType")
	id := c.Param("id")

	rec, err := cc.store.Get(c.Request().Context(), resourceType, id)
	if err == db.ErrNotFound {
		return c.JSON(http.StatusNotFound, NotFoundOutcome(resourceType, id))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}
	if err := cc.checkCompartment(c.Request().Context(), resourceType, rec.Body); err != nil {
		return c.JSON(http.StatusForbidden, ForbiddenOutcome(err.Error()))
	}

	c.Response().Header().Set("ETag", weakETag(rec.VersionID))
	return c.JSON(http.StatusOK, rec.Body)
}

// VRead handles GET /fhir/{ResourceType}/{id}/_history/{vid}.
func (cc *CRUDCoordinator) VRead(c echo.Context) error {
	resourceType := c.Param("resourceType")
	id := c.Param("id")
	vid := c.Param("vid")

	rec, err := cc.store.GetVersion(c.Request().Context(), resourceType, id, vid)
	if err == db.ErrVersionNotFound {
		return c.JSON(http.StatusNotFound, NotFoundOutcome(resourceType, id+"/_history/"+vid))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}
	c.Response().Header().Set("ETag", weakETag(rec.VersionID))
	return c.JSON(http.StatusOK, rec.Body)
}

// Update handles PUT /fhir/{ResourceType}/{id}.
func (cc *CRUDCoordinator) Update(c echo.Context) error {
	resourceType := c.Param("resourceType")
	id := c.Param("id")
	resource, err := decodeResource(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("invalid resource body: "+err.Error()))
	}

	result, err := cc.updateResource(c.Request().Context(), resourceType, id, resource, c.Request().Header.Get("If-Match"))
	if err != nil {
		status, outcome := translateWriteError(err)
		return c.JSON(status, outcome)
	}

	c.Response().Header().Set("ETag", weakETag(result.VersionID))
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	return c.JSON(status, result.Body)
}

// Patch handles PATCH /fhir/{ResourceType}/{id}, accepting either a JSON
// Patch (RFC 6902, Content-Type application/json-patch+json) or a JSON
// Merge Patch (RFC 7386, Content-Type application/merge-patch+json) body.
func (cc *CRUDCoordinator) Patch(c echo.Context) error {
	resourceType := c.Param("resourceType")
	id := c.Param("id")

	existing, err := cc.store.Get(c.Request().Context(), resourceType, id)
	if err == db.ErrNotFound {
		return c.JSON(http.StatusNotFound, NotFoundOutcome(resourceType, id))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}

	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("failed to read request body: "+err.Error()))
	}

	var patched map[string]interface{}
	contentType := c.Request().Header.Get("Content-Type")
	if contentType == "application/merge-patch+json" {
		merge, err := ParseMergePatch(body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, ErrorOutcome("invalid merge patch: "+err.Error()))
		}
		patched, err = ApplyMergePatch(existing.Body, merge)
		if err != nil {
			return c.JSON(http.StatusUnprocessableEntity, ErrorOutcome("merge patch failed: "+err.Error()))
		}
	} else {
		ops, err := ParseJSONPatch(body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, ErrorOutcome("invalid JSON patch: "+err.Error()))
		}
		patched, err = ApplyJSONPatch(existing.Body, ops)
		if err != nil {
			return c.JSON(http.StatusUnprocessableEntity, ErrorOutcome("JSON patch failed: "+err.Error()))
		}
	}

	result, err := cc.updateResource(c.Request().Context(), resourceType, id, patched, c.Request().Header.Get("If-Match"))
	if err != nil {
		status, outcome := translateWriteError(err)
		return c.JSON(status, outcome)
	}

	c.Response().Header().Set("ETag", weakETag(result.VersionID))
	return c.JSON(http.StatusOK, result.Body)
}

// Delete handles DELETE /fhir/{ResourceType}/{id}.
func (cc *CRUDCoordinator) Delete(c echo.Context) error {
	resourceType := c.Param("resourceType")
	id := c.Param("id")

	_, err := cc.deleteResource(c.Request().Context(), resourceType, id)
	if err != nil {
		status, outcome := translateWriteError(err)
		return c.JSON(status, outcome)
	}
	return c.NoContent(http.StatusNoContent)
}

// Search handles GET /fhir/{ResourceType}, the search-type interaction: it
// parses the query string via the Search Query Parser, runs it through the
// Search Executor against the Search Index, loads the matching bodies from
// the Resource Store, and wraps them in a searchset Bundle. Patient-scoped
// subjects are narrowed to their own compartment after the index match, so
// paging and totals always reflect what the caller is actually allowed to
// see.
func (cc *CRUDCoordinator) Search(c echo.Context) error {
	ctx := c.Request().Context()
	resourceType := c.Param("resourceType")

	query := ParseQuery(cc.registry, resourceType, c.QueryParams())
	ids, total, err := cc.executor.SearchWithTotal(ctx, resourceType, query)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}

	resources := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		rec, err := cc.store.Get(ctx, resourceType, id)
		if err != nil {
			continue
		}
		if cc.checkCompartment(ctx, resourceType, rec.Body) != nil {
			total--
			continue
		}
		resources = append(resources, rec.Body)
	}

	baseURL := c.Request().URL.Path
	bundle := NewSearchBundleWithLinks(resources, SearchBundleParams{
		BaseURL:  baseURL,
		QueryStr: c.Request().URL.RawQuery,
		Count:    query.Count,
		Offset:   query.Offset,
		Total:    total,
	})
	return c.JSON(http.StatusOK, bundle)
}

// ResourceSearcher returns a ResourceSearcher (see conditional.go) backed by
// this coordinator's Search Executor, for wiring ConditionalCreateMiddleware
// / ConditionalUpdateHandler / ConditionalDeleteHandler per resource type.
func (cc *CRUDCoordinator) ResourceSearcher(resourceType string) ResourceSearcher {
	return func(c echo.Context, params map[string]string) (*ConditionalResult, error) {
		values := map[string][]string{}
		for k, v := range params {
			values[k] = []string{v}
		}
		query := ParseQuery(cc.registry, resourceType, values)
		ids, total, err := cc.executor.SearchWithTotal(c.Request().Context(), resourceType, query)
		if err != nil {
			return nil, err
		}
		result := &ConditionalResult{Count: total}
		if len(ids) > 0 {
			result.ResourceID = ids[0]
			result.FHIRID = ids[0]
		}
		return result, nil
	}
}
