package types

import (
	"io"
	"strings"
)

// Row is a sequence of values aligned to a list of columns.
type Row []Value

func (r Row) String() string {
	parts := make([]string, len(r))
	for i, v := range r {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}

// Rows is a lazily evaluated stream of rows. Next returns io.EOF once the
// stream is exhausted. Close must be called when the caller stops early.
type Rows interface {
	Next() (Row, error)
	Close() error
}

// RowSlice streams rows that are already in memory.
type RowSlice struct {
	rows []Row
	pos  int
}

func NewRowSlice(rows []Row) *RowSlice {
	return &RowSlice{rows: rows}
}

func (s *RowSlice) Next() (Row, error) {
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}

func (s *RowSlice) Close() error {
	s.pos = len(s.rows)
	return nil
}

// CollectRows drains and closes rows.
func CollectRows(rows Rows) ([]Row, error) {
	defer rows.Close()
	var out []Row
	for {
		row, err := rows.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
}
