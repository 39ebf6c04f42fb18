package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned by Store reads when no matching row exists.
var ErrNotFound = fmt.Errorf("resource not found")

// ErrVersionNotFound is returned when a specific history version does not exist.
var ErrVersionNotFound = fmt.Errorf("version not found")

// Store is the Resource Store (spec component A): the system of record for
// current and historical resource bodies, addressed by (resourceType, id)
// and (resourceType, id, versionId). All methods resolve their connection
// or transaction from ctx via QuerierFromContext, so a caller wrapping a
// sequence of Store calls in WithTx gets atomicity for free.
type Store struct{}

// NewStore returns a Store. It carries no state of its own; every
// operation is parameterized by the connection/transaction found in ctx.
func NewStore() *Store { return &Store{} }

// CurrentRecord is one row of fhir_current.
type CurrentRecord struct {
	ResourceType string
	ID           string
	VersionID    string
	Body         map[string]interface{}
	LastUpdated  time.Time
}

// Get returns the current (non-deleted) version of a resource, or
// ErrNotFound if it does not exist or was deleted.
func (s *Store) Get(ctx context.Context, resourceType, id string) (*CurrentRecord, error) {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}
	row := q.QueryRow(ctx, `
		SELECT version_id, body, last_updated FROM fhir_current
		WHERE resource_type = $1 AND id = $2 AND deleted = FALSE
	`, resourceType, id)

	var versionID string
	var raw []byte
	var lastUpdated time.Time
	if err := row.Scan(&versionID, &raw, &lastUpdated); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", resourceType, id, err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("unmarshal %s/%s: %w", resourceType, id, err)
	}
	return &CurrentRecord{ResourceType: resourceType, ID: id, VersionID: versionID, Body: body, LastUpdated: lastUpdated}, nil
}

// GetVersion returns a specific historical snapshot.
func (s *Store) GetVersion(ctx context.Context, resourceType, id, versionID string) (*CurrentRecord, error) {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}
	row := q.QueryRow(ctx, `
		SELECT body, last_updated FROM fhir_history
		WHERE resource_type = $1 AND id = $2 AND version_id = $3
	`, resourceType, id, versionID)

	var raw []byte
	var lastUpdated time.Time
	if err := row.Scan(&raw, &lastUpdated); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("get version %s/%s/_history/%s: %w", resourceType, id, versionID, err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("unmarshal %s/%s/_history/%s: %w", resourceType, id, versionID, err)
	}
	return &CurrentRecord{ResourceType: resourceType, ID: id, VersionID: versionID, Body: body, LastUpdated: lastUpdated}, nil
}

// ListVersions returns every history snapshot for a resource, newest first.
func (s *Store) ListVersions(ctx context.Context, resourceType, id string) ([]*CurrentRecord, error) {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT version_id, body, last_updated FROM fhir_history
		WHERE resource_type = $1 AND id = $2
		ORDER BY last_updated DESC
	`, resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("list versions %s/%s: %w", resourceType, id, err)
	}
	defer rows.Close()

	var records []*CurrentRecord
	for rows.Next() {
		var versionID string
		var raw []byte
		var lastUpdated time.Time
		if err := rows.Scan(&versionID, &raw, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan version row: %w", err)
		}
		var body map[string]interface{}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("unmarshal version body: %w", err)
		}
		records = append(records, &CurrentRecord{ResourceType: resourceType, ID: id, VersionID: versionID, Body: body, LastUpdated: lastUpdated})
	}
	return records, rows.Err()
}

// PutWithVersion writes a new current row (overwriting any existing one)
// and appends the matching history row, both stamped with the given
// versionID and timestamp.
func (s *Store) PutWithVersion(ctx context.Context, resourceType, id, versionID string, body map[string]interface{}, lastUpdated time.Time, action string) error {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", resourceType, id, err)
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO fhir_current (resource_type, id, version_id, body, last_updated, deleted)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		ON CONFLICT (resource_type, id) DO UPDATE
		SET version_id = EXCLUDED.version_id, body = EXCLUDED.body,
		    last_updated = EXCLUDED.last_updated, deleted = FALSE
	`, resourceType, id, versionID, raw, lastUpdated); err != nil {
		return fmt.Errorf("put current %s/%s: %w", resourceType, id, err)
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO fhir_history (resource_type, id, version_id, body, last_updated, action)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource_type, id, version_id) DO NOTHING
	`, resourceType, id, versionID, raw, lastUpdated, action); err != nil {
		return fmt.Errorf("put history %s/%s/_history/%s: %w", resourceType, id, versionID, err)
	}
	return nil
}

// Delete removes the current pointer for a resource (soft delete: history
// is retained). Reports whether a current row existed to delete.
func (s *Store) Delete(ctx context.Context, resourceType, id string) (bool, error) {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return false, err
	}
	tag, err := q.Exec(ctx, `
		UPDATE fhir_current SET deleted = TRUE
		WHERE resource_type = $1 AND id = $2 AND deleted = FALSE
	`, resourceType, id)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListAll returns every current (non-deleted) resource of the given type,
// or every resource of every type if resourceType is empty. Used by the
// offline reindex operation to replay the Index Projector.
func (s *Store) ListAll(ctx context.Context, resourceType string) ([]*CurrentRecord, error) {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	if resourceType == "" {
		rows, err = q.Query(ctx, `
			SELECT resource_type, id, version_id, body, last_updated FROM fhir_current
			WHERE deleted = FALSE
		`)
	} else {
		rows, err = q.Query(ctx, `
			SELECT resource_type, id, version_id, body, last_updated FROM fhir_current
			WHERE resource_type = $1 AND deleted = FALSE
		`, resourceType)
	}
	if err != nil {
		return nil, fmt.Errorf("list all: %w", err)
	}
	defer rows.Close()

	var records []*CurrentRecord
	for rows.Next() {
		var rt, id, versionID string
		var raw []byte
		var lastUpdated time.Time
		if err := rows.Scan(&rt, &id, &versionID, &raw, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan current row: %w", err)
		}
		var body map[string]interface{}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("unmarshal current body: %w", err)
		}
		records = append(records, &CurrentRecord{ResourceType: rt, ID: id, VersionID: versionID, Body: body, LastUpdated: lastUpdated})
	}
	return records, rows.Err()
}

// CountByType returns the number of current (non-deleted) resources per
// resource type.
func (s *Store) CountByType(ctx context.Context) (map[string]int, error) {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT resource_type, COUNT(*) FROM fhir_current
		WHERE deleted = FALSE
		GROUP BY resource_type
	`)
	if err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var rt string
		var n int
		if err := rows.Scan(&rt, &n); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		counts[rt] = n
	}
	return counts, rows.Err()
}

// HistoryRecord is one row of fhir_history: a resource snapshot plus the
// write action that produced it.
type HistoryRecord struct {
	ResourceType string
	ID           string
	VersionID    string
	Body         map[string]interface{}
	LastUpdated  time.Time
	Action       string
}

// HistoryPage returns a page of history rows ordered newest first, along
// with the total matching row count for pagination. resourceType == ""
// selects across every resource type (the system-level _history
// interaction); since, if non-nil, restricts to rows at or after that time.
func (s *Store) HistoryPage(ctx context.Context, resourceType string, since *time.Time, limit, offset int) ([]*HistoryRecord, int, error) {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return nil, 0, err
	}

	countSQL := "SELECT COUNT(*) FROM fhir_history WHERE 1=1"
	selectSQL := `SELECT resource_type, id, version_id, body, last_updated, action FROM fhir_history WHERE 1=1`
	var args []interface{}
	argN := 1

	if resourceType != "" {
		countSQL += fmt.Sprintf(" AND resource_type = $%d", argN)
		selectSQL += fmt.Sprintf(" AND resource_type = $%d", argN)
		args = append(args, resourceType)
		argN++
	}
	if since != nil {
		countSQL += fmt.Sprintf(" AND last_updated >= $%d", argN)
		selectSQL += fmt.Sprintf(" AND last_updated >= $%d", argN)
		args = append(args, *since)
		argN++
	}

	var total int
	if err := q.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	selectSQL += fmt.Sprintf(" ORDER BY last_updated DESC LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, limit, offset)

	rows, err := q.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var records []*HistoryRecord
	for rows.Next() {
		var h HistoryRecord
		var raw []byte
		if err := rows.Scan(&h.ResourceType, &h.ID, &h.VersionID, &raw, &h.LastUpdated, &h.Action); err != nil {
			return nil, 0, fmt.Errorf("scan history row: %w", err)
		}
		if err := json.Unmarshal(raw, &h.Body); err != nil {
			return nil, 0, fmt.Errorf("unmarshal history body: %w", err)
		}
		records = append(records, &h)
	}
	return records, total, rows.Err()
}

// InTransaction runs fn with ctx carrying an open transaction, committing
// on success and rolling back if fn returns an error or panics. It wraps
// WithTx; the Bundle handler calls WithTx directly rather than this method.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	txCtx, tx, err := WithTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err = fn(txCtx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
