package db

import (
	"context"
	"fmt"
	"strings"
)

// IndexTuple is one row of search_index: a single (resourceType, resourceId)
// pair projected through a search parameter definition into a searchable
// value. Produced by fhir.ExtractIndexEntries (the Index Projector).
type IndexTuple struct {
	ResourceType string
	ResourceID   string
	ParamName    string
	ParamType    string
	Value        string
	System       string
}

// Index is the Search Index (spec component B): a generic, data-driven
// projection of resource bodies into (resourceType, resourceId, paramName,
// paramType, value, system) tuples, queried by the Search Executor. It
// never special-cases a resource type; all type-specific knowledge lives
// in the Parameter Registry and Index Projector that produce IndexTuples.
type Index struct{}

// NewIndex returns an Index. Like Store, it is stateless; every operation
// resolves its connection/transaction from ctx.
func NewIndex() *Index { return &Index{} }

// RemoveIndex deletes every indexed tuple for a resource. Callers
// re-project and AddIndex after a resource is written; on delete, this
// alone is sufficient to drop the resource out of every search.
func (idx *Index) RemoveIndex(ctx context.Context, resourceType, resourceID string) error {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, `
		DELETE FROM search_index WHERE resource_type = $1 AND resource_id = $2
	`, resourceType, resourceID); err != nil {
		return fmt.Errorf("remove index %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

// AddIndex inserts the given tuples, lower-casing Value into
// value_string_lower for case-insensitive string search. Duplicate tuples
// (same resourceType/resourceId/paramName/value/system) are ignored rather
// than erroring, since the Index Projector may legitimately emit the same
// tuple more than once for a resource with repeated fields.
func (idx *Index) AddIndex(ctx context.Context, tuples []IndexTuple) error {
	if len(tuples) == 0 {
		return nil
	}
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return err
	}
	for _, t := range tuples {
		lower := strings.ToLower(t.Value)
		if _, err := q.Exec(ctx, `
			INSERT INTO search_index
				(resource_type, resource_id, param_name, param_type, value_string, value_string_lower, value_system)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (resource_type, resource_id, param_name, value_string, value_system) DO NOTHING
		`, t.ResourceType, t.ResourceID, t.ParamName, t.ParamType, t.Value, lower, nullIfEmpty(t.System)); err != nil {
			return fmt.Errorf("add index %s/%s %s: %w", t.ResourceType, t.ResourceID, t.ParamName, err)
		}
	}
	return nil
}

// Reindex replaces a resource's tuples atomically with respect to the
// caller's view: remove then add, in that order. Callers performing this
// across many resources (the offline reindex CLI) typically do not wrap
// each resource's Reindex in its own transaction, since search index
// staleness is tolerated best-effort per the spec.
func (idx *Index) Reindex(ctx context.Context, resourceType, resourceID string, tuples []IndexTuple) error {
	if err := idx.RemoveIndex(ctx, resourceType, resourceID); err != nil {
		return err
	}
	return idx.AddIndex(ctx, tuples)
}

// SearchToken returns resource ids whose indexed token value matches code,
// optionally constrained to a given system (empty system matches any).
func (idx *Index) SearchToken(ctx context.Context, resourceType, paramName, system, code string) ([]string, error) {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var rows rowsIface
	if system == "" {
		r, err := q.Query(ctx, `
			SELECT DISTINCT resource_id FROM search_index
			WHERE resource_type = $1 AND param_name = $2 AND param_type = 'token' AND value_string = $3
		`, resourceType, paramName, code)
		if err != nil {
			return nil, fmt.Errorf("search token %s.%s: %w", resourceType, paramName, err)
		}
		rows = r
	} else {
		r, err := q.Query(ctx, `
			SELECT DISTINCT resource_id FROM search_index
			WHERE resource_type = $1 AND param_name = $2 AND param_type = 'token'
			  AND value_string = $3 AND value_system = $4
		`, resourceType, paramName, code, system)
		if err != nil {
			return nil, fmt.Errorf("search token %s.%s: %w", resourceType, paramName, err)
		}
		rows = r
	}
	defer rows.Close()
	return scanIDs(rows)
}

// SearchString returns resource ids whose indexed string value matches
// value: an exact case-insensitive match, or (when exact is false) a
// case-insensitive prefix match, per the FHIR `:exact`/default string
// search modifiers.
func (idx *Index) SearchString(ctx context.Context, resourceType, paramName, value string, exact bool) ([]string, error) {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(value)
	var r rowsIface
	if exact {
		rr, err := q.Query(ctx, `
			SELECT DISTINCT resource_id FROM search_index
			WHERE resource_type = $1 AND param_name = $2 AND param_type = 'string' AND value_string_lower = $3
		`, resourceType, paramName, lower)
		if err != nil {
			return nil, fmt.Errorf("search string %s.%s: %w", resourceType, paramName, err)
		}
		r = rr
	} else {
		rr, err := q.Query(ctx, `
			SELECT DISTINCT resource_id FROM search_index
			WHERE resource_type = $1 AND param_name = $2 AND param_type = 'string'
			  AND value_string_lower LIKE $3
		`, resourceType, paramName, lower+"%")
		if err != nil {
			return nil, fmt.Errorf("search string %s.%s: %w", resourceType, paramName, err)
		}
		r = rr
	}
	defer r.Close()
	return scanIDs(r)
}

// SearchContains returns resource ids whose indexed string value contains
// value anywhere, case-insensitively (the FHIR `:contains` modifier).
func (idx *Index) SearchContains(ctx context.Context, resourceType, paramName, value string) ([]string, error) {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(value)
	r, err := q.Query(ctx, `
		SELECT DISTINCT resource_id FROM search_index
		WHERE resource_type = $1 AND param_name = $2 AND param_type = 'string'
		  AND value_string_lower LIKE $3
	`, resourceType, paramName, "%"+lower+"%")
	if err != nil {
		return nil, fmt.Errorf("search contains %s.%s: %w", resourceType, paramName, err)
	}
	defer r.Close()
	return scanIDs(r)
}

// SearchReference returns resource ids with an indexed reference value
// equal to reference (e.g. "Patient/123").
func (idx *Index) SearchReference(ctx context.Context, resourceType, paramName, reference string) ([]string, error) {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}
	r, err := q.Query(ctx, `
		SELECT DISTINCT resource_id FROM search_index
		WHERE resource_type = $1 AND param_name = $2 AND param_type = 'reference' AND value_string = $3
	`, resourceType, paramName, reference)
	if err != nil {
		return nil, fmt.Errorf("search reference %s.%s: %w", resourceType, paramName, err)
	}
	defer r.Close()
	return scanIDs(r)
}

// SearchNumber returns resource ids whose indexed number value compares to
// value according to prefix (eq/ne/gt/lt/ge/le; unrecognized prefixes
// default to eq), comparing as numeric text since Postgres can cast a
// TEXT column to numeric at query time.
func (idx *Index) SearchNumber(ctx context.Context, resourceType, paramName, prefix, value string) ([]string, error) {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}
	op := comparisonOperator(prefix)
	sql := fmt.Sprintf(`
		SELECT DISTINCT resource_id FROM search_index
		WHERE resource_type = $1 AND param_name = $2 AND param_type = 'number'
		  AND value_string::numeric %s $3::numeric
	`, op)
	r, err := q.Query(ctx, sql, resourceType, paramName, value)
	if err != nil {
		return nil, fmt.Errorf("search number %s.%s: %w", resourceType, paramName, err)
	}
	defer r.Close()
	return scanIDs(r)
}

// SearchDateWithPrefix returns resource ids whose indexed date value
// compares to value according to prefix. Dates are stored as
// lexicographically-sortable canonical strings (fhir.canonicalizeDate), so
// the same comparison operators used for numbers work directly as text
// comparison — "sa"/"eb" (starts-after/ends-before) are treated as gt/lt,
// matching the registry's Open Question resolution that full Period
// overlap semantics are out of scope.
func (idx *Index) SearchDateWithPrefix(ctx context.Context, resourceType, paramName, prefix, value string) ([]string, error) {
	q, err := QuerierFromContext(ctx)
	if err != nil {
		return nil, err
	}
	op := comparisonOperator(prefix)
	sql := fmt.Sprintf(`
		SELECT DISTINCT resource_id FROM search_index
		WHERE resource_type = $1 AND param_name = $2 AND param_type = 'date'
		  AND value_string %s $3
	`, op)
	r, err := q.Query(ctx, sql, resourceType, paramName, value)
	if err != nil {
		return nil, fmt.Errorf("search date %s.%s: %w", resourceType, paramName, err)
	}
	defer r.Close()
	return scanIDs(r)
}

// comparisonOperator maps a FHIR search date/number prefix to a SQL
// comparison operator, defaulting to "=" (eq) for an empty or unrecognized
// prefix, matching sazare-store's search_date_with_prefix default.
func comparisonOperator(prefix string) string {
	switch prefix {
	case "ne":
		return "!="
	case "gt", "sa":
		return ">"
	case "lt", "eb":
		return "<"
	case "ge", "ap":
		return ">="
	case "le":
		return "<="
	default:
		return "="
	}
}

type rowsIface interface {
	Close()
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanIDs(rows rowsIface) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan resource id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
