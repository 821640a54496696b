package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

// cond is an extra WHERE term; expr holds one %s for the bound argument.
type cond struct {
	expr  string
	value any
}

// listQuery appends conds, the time filter, newest-first ordering and
// pagination of opts to base, which must select from a table with column
// timeCol.
func listQuery(base, timeCol string, opts domain.ListOpts, conds ...cond) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(base)
	sb.WriteString(" WHERE 1=1")

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, c := range conds {
		sb.WriteString(" AND " + fmt.Sprintf(c.expr, arg(c.value)))
	}
	if opts.Since != nil {
		sb.WriteString(" AND " + timeCol + " >= " + arg(*opts.Since))
	}
	if opts.Until != nil {
		sb.WriteString(" AND " + timeCol + " <= " + arg(*opts.Until))
	}
	sb.WriteString(" ORDER BY " + timeCol + " DESC, id DESC")
	if opts.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(opts.Limit))
	}
	if opts.Offset > 0 {
		sb.WriteString(" OFFSET " + arg(opts.Offset))
	}
	return sb.String(), args
}
