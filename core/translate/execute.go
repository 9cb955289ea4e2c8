// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package translate

import (
	"context"
	"database/sql"
	"errors"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/limen/core"
	"github.com/relabs-tech/limen/core/csql"
	"github.com/relabs-tech/limen/core/fault"
)

// ChangeHook is called once per written row after a successful write.
// For deletes the row travels as the old record.
type ChangeHook func(ctx context.Context, resource string, kind core.ChangeKind, record, oldRecord map[string]any)

// Result is the outcome of an executed scoped query.
type Result struct {
	Rows         []map[string]any
	RowsAffected int
	Count        *int
}

// Executor runs scoped queries on a connection and reports row changes.
// The connection is either the pool or a bound transaction, the
// executor does not care which.
type Executor struct {
	OnChange ChangeHook
}

// Execute runs all statements of the plan in order and unions their
// rows. The sub-queries of a symmetric resource carry mutually
// exclusive participant predicates, so the union needs no
// de-duplication.
func (e *Executor) Execute(ctx context.Context, conn csql.Conn, q *ScopedQuery) (*Result, error) {
	result := &Result{Rows: []map[string]any{}}
	for _, statement := range q.Statements {
		rows, err := conn.QueryContext(ctx, statement.SQL, statement.Args...)
		if err != nil {
			return nil, storeError(err)
		}
		records, err := scanRows(rows)
		if err != nil {
			return nil, storeError(err)
		}
		result.Rows = append(result.Rows, records...)
	}
	if q.Operation != core.OperationSelect {
		result.RowsAffected = len(result.Rows)
	}
	if q.Single && len(result.Rows) != 1 {
		return nil, fault.Validation.New("expected a single row, got %d", len(result.Rows))
	}
	for _, statement := range q.Counts {
		var n int
		if err := conn.QueryRowContext(ctx, statement.SQL, statement.Args...).Scan(&n); err != nil {
			return nil, storeError(err)
		}
		if result.Count == nil {
			result.Count = new(int)
		}
		*result.Count += n
	}
	e.reportChanges(ctx, q, result)
	return result, nil
}

func (e *Executor) reportChanges(ctx context.Context, q *ScopedQuery, result *Result) {
	if e.OnChange == nil || q.Operation == core.OperationSelect {
		return
	}
	kind := core.ChangeKindForOperation(q.Operation)
	for _, record := range result.Rows {
		if kind == core.ChangeDelete {
			e.OnChange(ctx, q.Resource, kind, nil, record)
		} else {
			e.OnChange(ctx, q.Resource, kind, record, nil)
		}
	}
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var records []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		for i := range values {
			values[i] = new(any)
		}
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(columns))
		for i, column := range columns {
			record[column] = normalizeValue(*(values[i].(*any)))
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// normalizeValue maps driver values to JSON friendly ones. The driver
// hands JSON documents and numerics over as raw bytes.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		var doc any
		if json.Unmarshal(b, &doc) == nil {
			return doc
		}
		return string(b)
	}
	return v
}

// storeError classifies a database error. Malformed values, constraint
// violations and unknown columns are the client's fault, everything
// else is an upstream failure.
func storeError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "42P01" {
			// the resource is allow-listed but its table is missing
			return fault.Upstream.New("%s", pqErr.Message)
		}
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return fault.Validation.New("%s", pqErr.Message)
		}
		return fault.Upstream.New("%s", pqErr.Message)
	}
	return fault.Upstream.Wrap(err)
}
