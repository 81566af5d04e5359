package repository

import (
	"fmt"
	"strings"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// filterBuilder accumulates WHERE conditions with positional args for the
// paginated list queries. Every "$?" in an expression is bound to the same
// argument position.
type filterBuilder struct {
	conds []string
	args  []interface{}
}

func (b *filterBuilder) add(expr string, value interface{}) {
	b.args = append(b.args, value)
	b.conds = append(b.conds, strings.ReplaceAll(expr, "$?", fmt.Sprintf("$%d", len(b.args))))
}

func (b *filterBuilder) where() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " AND " + strings.Join(b.conds, " AND ")
}

// orderClause checks the sort column against the whitelist and normalizes the
// direction. Unknown columns fall back to newest-first on the fallback column.
func orderClause(sortBy string, allowed []string, fallback, direction string) string {
	known := false
	for _, col := range allowed {
		if col == sortBy {
			known = true
			break
		}
	}
	if !known {
		sortBy = fallback
	}
	direction = strings.ToUpper(direction)
	if direction != "ASC" && direction != "DESC" {
		direction = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s", sortBy, direction)
}

// pageClause clamps pagination inputs and renders the LIMIT/OFFSET tail.
func pageClause(page, size int) string {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > maxPageSize {
		size = defaultPageSize
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", size, (page-1)*size)
}
