package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// DefaultRowLimit - сколько строк Query возвращает, если лимит не задан.
const DefaultRowLimit = 1000

// QueryResult - результат произвольного запроса в виде, пригодном для JSON.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
}

// Querier - общий интерфейс *sql.DB, *sql.Conn и *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Query выполняет запрос и собирает не более limit строк.
// Значения []byte превращаются в строки, чтобы JSON оставался читаемым.
func Query(ctx context.Context, q Querier, query string, limit int, args ...any) (*QueryResult, error) {
	if limit <= 0 {
		limit = DefaultRowLimit
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	res := &QueryResult{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		if len(res.Rows) == limit {
			res.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return res, nil
}
