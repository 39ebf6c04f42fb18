package fhir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/ehr/internal/platform/db"
	"github.com/labstack/echo/v4"
)

// CRUDBundleProcessor implements BundleProcessor by dispatching each entry
// to the CRUD Coordinator, making transaction and batch Bundles exercise the
// same create/read/update/patch/delete semantics as the top-level FHIR
// endpoints (spec component I, wired through the Bundle Coordinator).
type CRUDBundleProcessor struct {
	coordinator *CRUDCoordinator
}

// NewCRUDBundleProcessor returns a BundleProcessor backed by coordinator.
func NewCRUDBundleProcessor(coordinator *CRUDCoordinator) *CRUDBundleProcessor {
	return &CRUDBundleProcessor{coordinator: coordinator}
}

// ProcessEntry performs the CRUD operation method describes against
// resourceType/resourceID, honoring ifNoneExist (conditional create) and
// ifMatch (optimistic-concurrency update), and returns the entry in the
// shape the transaction/batch response Bundle expects.
func (p *CRUDBundleProcessor) ProcessEntry(c echo.Context, method, resourceType, resourceID string, resource json.RawMessage, ifNoneExist, ifMatch string) (BundleEntry, error) {
	ctx := c.Request().Context()
	now := time.Now().UTC()

	switch method {
	case "POST":
		var body map[string]interface{}
		if len(resource) > 0 {
			if err := json.Unmarshal(resource, &body); err != nil {
				return BundleEntry{}, fmt.Errorf("invalid resource: %w", err)
			}
		} else {
			body = map[string]interface{}{}
		}

		if ifNoneExist != "" {
			params := parseSearchString(ifNoneExist)
			result, err := p.coordinator.ResourceSearcher(resourceType)(c, params)
			if err != nil {
				return BundleEntry{}, err
			}
			if result.Count >= 2 {
				return BundleEntry{}, fmt.Errorf("If-None-Exist matched %d resources; expected 0 or 1", result.Count)
			}
			if result.Count == 1 {
				existing, err := p.coordinator.store.Get(ctx, resourceType, result.ResourceID)
				if err != nil {
					return BundleEntry{}, err
				}
				raw, _ := json.Marshal(existing.Body)
				return BundleEntry{
					Resource: raw,
					Response: &BundleResponse{
						Status:       "200 OK",
						Location:     fmt.Sprintf("%s/%s", resourceType, result.ResourceID),
						LastModified: &now,
					},
				}, nil
			}
		}

		result, err := p.coordinator.createResource(ctx, resourceType, body)
		if err != nil {
			return BundleEntry{}, err
		}
		raw, _ := json.Marshal(result.Body)
		return BundleEntry{
			Resource: raw,
			Response: &BundleResponse{
				Status:       "201 Created",
				Location:     fmt.Sprintf("%s/%s/_history/%s", resourceType, result.Body["id"], result.VersionID),
				LastModified: &now,
			},
		}, nil

	case "PUT":
		var body map[string]interface{}
		if err := json.Unmarshal(resource, &body); err != nil {
			return BundleEntry{}, fmt.Errorf("invalid resource: %w", err)
		}
		result, err := p.coordinator.updateResource(ctx, resourceType, resourceID, body, ifMatch)
		if err != nil {
			return BundleEntry{}, err
		}
		raw, _ := json.Marshal(result.Body)
		status := "200 OK"
		if result.Created {
			status = "201 Created"
		}
		return BundleEntry{
			Resource: raw,
			Response: &BundleResponse{
				Status:       status,
				Location:     fmt.Sprintf("%s/%s/_history/%s", resourceType, resourceID, result.VersionID),
				LastModified: &now,
			},
		}, nil

	case "PATCH":
		existing, err := p.coordinator.store.Get(ctx, resourceType, resourceID)
		if err != nil {
			return BundleEntry{}, err
		}
		ops, err := ParseJSONPatch(resource)
		if err != nil {
			return BundleEntry{}, fmt.Errorf("invalid JSON patch: %w", err)
		}
		patched, err := ApplyJSONPatch(existing.Body, ops)
		if err != nil {
			return BundleEntry{}, fmt.Errorf("JSON patch failed: %w", err)
		}
		result, err := p.coordinator.updateResource(ctx, resourceType, resourceID, patched, ifMatch)
		if err != nil {
			return BundleEntry{}, err
		}
		raw, _ := json.Marshal(result.Body)
		return BundleEntry{
			Resource: raw,
			Response: &BundleResponse{
				Status:       "200 OK",
				Location:     fmt.Sprintf("%s/%s/_history/%s", resourceType, resourceID, result.VersionID),
				LastModified: &now,
			},
		}, nil

	case "DELETE":
		_, err := p.coordinator.deleteResource(ctx, resourceType, resourceID)
		if err != nil {
			return BundleEntry{}, err
		}
		return BundleEntry{
			Response: &BundleResponse{
				Status:       "204 No Content",
				LastModified: &now,
			},
		}, nil

	case "GET":
		rec, err := p.coordinator.store.Get(ctx, resourceType, resourceID)
		if err == db.ErrNotFound {
			return BundleEntry{}, fmt.Errorf("%s/%s not found", resourceType, resourceID)
		}
		if err != nil {
			return BundleEntry{}, err
		}
		raw, _ := json.Marshal(rec.Body)
		return BundleEntry{
			Resource: raw,
			Response: &BundleResponse{
				Status:       "200 OK",
				LastModified: &now,
			},
		}, nil

	default:
		return BundleEntry{}, fmt.Errorf("unsupported bundle entry method: %s", method)
	}
}
