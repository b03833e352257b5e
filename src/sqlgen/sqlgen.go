// Package sqlgen compiles structured queries into parameterized SQLite
// statements. It covers the filter expression tree, total ordering with
// cursors, row-id restriction, projection, and the correlated join that
// computes each row's predecessor.
package sqlgen

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/seuros/gridstream/src/doc"
)

// PreviousColumnID is the synthetic column added when a query asks for each
// row's predecessor id.
const PreviousColumnID = "_grist_Previous"

// Aliases used by the previous-row join. Queries against tables with these
// names are rejected to keep name resolution unambiguous.
const (
	prevAlias = "_prev"
	scanAlias = "_scan"
)

var identPattern = regexp.MustCompile(`^[\w.]+$`)

// BuildError reports an invalid query shape: a bad identifier, an arity
// mismatch, or an unknown filter tag. It is raised before any statement
// reaches the store.
type BuildError struct {
	Message string
}

func (e *BuildError) Error() string { return e.Message }

// ErrorKind tags the error for wire encoding.
func (e *BuildError) ErrorKind() string { return "builder" }

func errf(format string, args ...interface{}) error {
	return &BuildError{Message: fmt.Sprintf(format, args...)}
}

// Statement is a compiled query ready for the store.
type Statement struct {
	SQL  string
	Args []interface{}
}

// QuoteIdent validates an identifier and double-quotes it for direct
// inclusion in a statement.
func QuoteIdent(name string) (string, error) {
	if !identPattern.MatchString(name) {
		return "", errf("invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}

// Options tweak compilation.
type Options struct {
	// Selects overrides the projection with pre-built SQL expressions. They
	// are emitted verbatim, so callers must quote identifiers themselves.
	Selects []string
	// OmitTablePrefix leaves column references unqualified, for statements
	// that run against an aliased scan of the table. Incompatible with
	// IncludePrevious.
	OmitTablePrefix bool
}

// Build compiles q with default options.
func Build(q doc.Query) (Statement, error) {
	return BuildWithOptions(q, Options{})
}

// BuildWithOptions compiles q into a single SELECT statement.
func BuildWithOptions(q doc.Query, opts Options) (Statement, error) {
	if !identPattern.MatchString(q.TableID) {
		return Statement{}, errf("invalid table identifier %q", q.TableID)
	}
	if q.TableID == prevAlias || q.TableID == scanAlias {
		return Statement{}, errf("table name %q collides with an internal alias", q.TableID)
	}
	if q.IncludePrevious && opts.OmitTablePrefix {
		return Statement{}, errf("includePrevious requires table-qualified columns")
	}

	sortCols, err := parseSort(q.Sort)
	if err != nil {
		return Statement{}, err
	}

	b := &builder{table: q.TableID, noPrefix: opts.OmitTablePrefix}

	b.output.WriteString("SELECT ")
	if err := b.writeProjection(q, opts); err != nil {
		return Statement{}, err
	}
	b.output.WriteString(" FROM ")
	if err := b.writeIdent(q.TableID); err != nil {
		return Statement{}, err
	}
	if q.IncludePrevious {
		if err := b.writePreviousJoin(q, sortCols); err != nil {
			return Statement{}, err
		}
	}

	wroteWhere := false
	conjunct := func() {
		if wroteWhere {
			b.output.WriteString(" AND (")
		} else {
			b.output.WriteString(" WHERE (")
			wroteWhere = true
		}
	}
	if len(q.Filters) > 0 {
		conjunct()
		if err := b.writeExpr([]interface{}(q.Filters)); err != nil {
			return Statement{}, err
		}
		b.output.WriteByte(')')
	}
	if q.RowIDs != nil {
		conjunct()
		if err := b.writeRowIDs(q.RowIDs); err != nil {
			return Statement{}, err
		}
		b.output.WriteByte(')')
	}
	if q.Cursor != nil {
		conjunct()
		if err := b.writeCursor(q.Cursor, sortCols); err != nil {
			return Statement{}, err
		}
		b.output.WriteByte(')')
	}

	if err := b.writeOrderBy(sortCols, false); err != nil {
		return Statement{}, err
	}
	if q.Limit > 0 {
		b.output.WriteString(" LIMIT ")
		b.output.WriteString(strconv.FormatInt(q.Limit, 10))
	}

	return Statement{SQL: b.output.String(), Args: b.args}, nil
}

type sortCol struct {
	name string
	desc bool
}

func parseSort(sort []string) ([]sortCol, error) {
	cols := make([]sortCol, len(sort))
	for i, spec := range sort {
		name, desc := spec, false
		if strings.HasPrefix(spec, "-") {
			name, desc = spec[1:], true
		}
		if !identPattern.MatchString(name) {
			return nil, errf("invalid sort column %q", spec)
		}
		cols[i] = sortCol{name: name, desc: desc}
	}
	return cols, nil
}

// builder accumulates SQL text and bind arguments in statement order.
type builder struct {
	table    string
	noPrefix bool
	output   strings.Builder
	args     []interface{}
}

func (b *builder) writeIdent(name string) error {
	if !identPattern.MatchString(name) {
		return errf("invalid identifier %q", name)
	}
	b.output.WriteByte('"')
	b.output.WriteString(name)
	b.output.WriteByte('"')
	return nil
}

// writeColRef writes a column reference, table-qualified unless the builder
// runs in unqualified mode.
func (b *builder) writeColRef(col string) error {
	if !b.noPrefix {
		if err := b.writeIdent(b.table); err != nil {
			return err
		}
		b.output.WriteByte('.')
	}
	return b.writeIdent(col)
}

func (b *builder) bind(v interface{}) error {
	switch v.(type) {
	case nil, bool, int, int64, float64, string:
		b.output.WriteByte('?')
		b.args = append(b.args, v)
		return nil
	default:
		return errf("constant must be a scalar, got %T", v)
	}
}

func (b *builder) writeProjection(q doc.Query, opts Options) error {
	switch {
	case len(opts.Selects) > 0:
		b.output.WriteString(strings.Join(opts.Selects, ", "))
	case len(q.Columns) > 0:
		for i, col := range q.Columns {
			if i > 0 {
				b.output.WriteString(", ")
			}
			if err := b.writeColRef(col); err != nil {
				return err
			}
		}
	case b.noPrefix:
		b.output.WriteByte('*')
	default:
		if err := b.writeIdent(q.TableID); err != nil {
			return err
		}
		b.output.WriteString(".*")
	}
	if q.IncludePrevious && len(opts.Selects) == 0 {
		b.output.WriteString(`, "` + prevAlias + `"."id" AS "` + PreviousColumnID + `"`)
	}
	return nil
}

// Operator spellings keyed by filter tag.
var (
	logicalOps = map[string]string{
		"And": " AND ",
		"Or":  " OR ",
	}
	arithmeticOps = map[string]string{
		"Add":  " + ",
		"Sub":  " - ",
		"Mult": " * ",
		"Div":  " / ",
		"Mod":  " % ",
	}
	comparisonOps = map[string]string{
		"Eq":    " = ",
		"NotEq": " <> ",
		"Lt":    " < ",
		"LtE":   " <= ",
		"Gt":    " > ",
		"GtE":   " >= ",
		"Is":    " IS ",
		"IsNot": " IS NOT ",
		"In":    " IN ",
		"NotIn": " NOT IN ",
	}
)

// writeExpr compiles one tagged filter node.
func (b *builder) writeExpr(node interface{}) error {
	arr, ok := node.([]interface{})
	if !ok || len(arr) == 0 {
		return errf("filter node must be a non-empty tagged array, got %T", node)
	}
	tag, ok := arr[0].(string)
	if !ok {
		return errf("filter tag must be a string, got %T", arr[0])
	}
	args := arr[1:]

	if op, found := logicalOps[tag]; found {
		return b.writeJoined(tag, op, args)
	}
	if op, found := arithmeticOps[tag]; found {
		return b.writeJoined(tag, op, args)
	}
	if op, found := comparisonOps[tag]; found {
		if len(args) != 2 {
			return errf("%s takes exactly 2 arguments, got %d", tag, len(args))
		}
		return b.writeJoined(tag, op, args)
	}

	switch tag {
	case "Not":
		if len(args) != 1 {
			return errf("Not takes exactly 1 argument, got %d", len(args))
		}
		b.output.WriteString("NOT (")
		if err := b.writeExpr(args[0]); err != nil {
			return err
		}
		b.output.WriteByte(')')
		return nil
	case "Comment":
		// Transparent wrapper; trailing annotation fields are dropped.
		if len(args) < 1 {
			return errf("Comment takes at least 1 argument")
		}
		return b.writeExpr(args[0])
	case "Const":
		if len(args) != 1 {
			return errf("Const takes exactly 1 argument, got %d", len(args))
		}
		return b.bind(args[0])
	case "Name":
		if len(args) != 1 {
			return errf("Name takes exactly 1 argument, got %d", len(args))
		}
		col, ok := args[0].(string)
		if !ok {
			return errf("Name argument must be a string, got %T", args[0])
		}
		return b.writeColRef(col)
	case "List":
		return b.writeList(args)
	default:
		return errf("unknown filter tag %q", tag)
	}
}

func (b *builder) writeJoined(tag, op string, args []interface{}) error {
	if len(args) < 1 {
		return errf("%s takes at least 1 argument", tag)
	}
	b.output.WriteByte('(')
	for i, arg := range args {
		if i > 0 {
			b.output.WriteString(op)
		}
		if err := b.writeExpr(arg); err != nil {
			return err
		}
	}
	b.output.WriteByte(')')
	return nil
}

// writeList renders a parenthesized value list. An empty list compiles to
// (NULL) so that IN over it matches nothing instead of failing to parse.
func (b *builder) writeList(args []interface{}) error {
	if len(args) == 0 {
		b.output.WriteString("(NULL)")
		return nil
	}
	b.output.WriteByte('(')
	for i, arg := range args {
		if i > 0 {
			b.output.WriteString(", ")
		}
		if err := b.writeExpr(arg); err != nil {
			return err
		}
	}
	b.output.WriteByte(')')
	return nil
}

// writeRowIDs restricts the scan to the given ids. A present-but-empty list
// matches nothing.
func (b *builder) writeRowIDs(rowIDs []interface{}) error {
	if len(rowIDs) == 0 {
		b.output.WriteByte('0')
		return nil
	}
	if err := b.writeColRef("id"); err != nil {
		return err
	}
	b.output.WriteString(" IN (")
	for i, raw := range rowIDs {
		id, ok := doc.AsRowID(raw)
		if !ok {
			return errf("row id %v (%T) is not an integer", raw, raw)
		}
		if i > 0 {
			b.output.WriteString(", ")
		}
		b.output.WriteByte('?')
		b.args = append(b.args, id)
	}
	b.output.WriteByte(')')
	return nil
}

// writeCursor emits the lexicographic resume predicate over the sort
// columns. Rows equal to the boundary on every sort column are excluded, so
// exact resumption requires a unique column (typically id) in the sort.
func (b *builder) writeCursor(cur *doc.Cursor, sortCols []sortCol) error {
	if len(sortCols) == 0 {
		return errf("cursor requires a sort order")
	}
	if len(cur.Values) != len(sortCols) {
		return errf("cursor carries %d values for %d sort columns", len(cur.Values), len(sortCols))
	}
	switch cur.Kind {
	case doc.CursorAfter, doc.CursorBefore:
	default:
		return errf("unknown cursor kind %q", cur.Kind)
	}
	return b.writeCursorLevel(sortCols, cur.Values, 0, cur.Kind == doc.CursorAfter)
}

func (b *builder) writeCursorLevel(cols []sortCol, values []interface{}, i int, after bool) error {
	col := cols[i]
	// "after" moves forward through the current order, so an ascending
	// column compares with >; "before" mirrors it.
	op := " > "
	if col.desc == after {
		op = " < "
	}
	b.output.WriteByte('(')
	if err := b.writeColRef(col.name); err != nil {
		return err
	}
	b.output.WriteString(op)
	if err := b.bind(values[i]); err != nil {
		return err
	}
	if i+1 < len(cols) {
		b.output.WriteString(" OR (")
		if err := b.writeColRef(col.name); err != nil {
			return err
		}
		b.output.WriteString(" = ")
		if err := b.bind(values[i]); err != nil {
			return err
		}
		b.output.WriteString(" AND ")
		if err := b.writeCursorLevel(cols, values, i+1, after); err != nil {
			return err
		}
		b.output.WriteString("))")
		return nil
	}
	b.output.WriteByte(')')
	return nil
}

func (b *builder) writeOrderBy(sortCols []sortCol, reverse bool) error {
	b.output.WriteString(" ORDER BY ")
	for _, col := range sortCols {
		if err := b.writeColRef(col.name); err != nil {
			return err
		}
		b.writeDirection(col.desc != reverse)
		b.output.WriteString(", ")
	}
	// id closes the order so it is total even with duplicate sort keys.
	if err := b.writeColRef("id"); err != nil {
		return err
	}
	b.writeDirection(reverse)
	return nil
}

func (b *builder) writeDirection(desc bool) {
	if desc {
		b.output.WriteString(" DESC NULLS FIRST")
	} else {
		b.output.WriteString(" ASC NULLS LAST")
	}
}

// writePreviousJoin attaches an aliased copy of the table whose id is, per
// result row, the id of the row immediately before it under the query's
// filter and order: the greatest (sort keys, id) strictly below the current
// row's, found by scanning in reverse and keeping one.
func (b *builder) writePreviousJoin(q doc.Query, sortCols []sortCol) error {
	b.output.WriteString(" LEFT JOIN ")
	if err := b.writeIdent(q.TableID); err != nil {
		return err
	}
	b.output.WriteString(` AS "` + prevAlias + `" ON "` + prevAlias + `"."id" = (SELECT "id" FROM `)
	if err := b.writeIdent(q.TableID); err != nil {
		return err
	}
	b.output.WriteString(` AS "` + scanAlias + `" WHERE `)

	// Unqualified references inside the subquery bind to the scan alias;
	// the current row stays reachable through the table name.
	saved := b.noPrefix
	b.noPrefix = true
	defer func() { b.noPrefix = saved }()

	if len(q.Filters) > 0 {
		b.output.WriteByte('(')
		if err := b.writeExpr([]interface{}(q.Filters)); err != nil {
			return err
		}
		b.output.WriteString(") AND ")
	}
	if err := b.writePrevCompare(q.TableID, sortCols, 0); err != nil {
		return err
	}
	if err := b.writeOrderBy(sortCols, true); err != nil {
		return err
	}
	b.output.WriteString(" LIMIT 1)")
	return nil
}

// writePrevCompare emits the strictly-less-than comparison between the scan
// row's (sort keys, id) and the current row's, level by level.
func (b *builder) writePrevCompare(table string, cols []sortCol, i int) error {
	writePair := func(col, op string) error {
		if err := b.writeIdent(col); err != nil {
			return err
		}
		b.output.WriteString(op)
		if err := b.writeIdent(table); err != nil {
			return err
		}
		b.output.WriteByte('.')
		return b.writeIdent(col)
	}
	if i == len(cols) {
		return writePair("id", " < ")
	}
	op := " < "
	if cols[i].desc {
		op = " > "
	}
	b.output.WriteByte('(')
	if err := writePair(cols[i].name, op); err != nil {
		return err
	}
	b.output.WriteString(" OR (")
	if err := writePair(cols[i].name, " = "); err != nil {
		return err
	}
	b.output.WriteString(" AND ")
	if err := b.writePrevCompare(table, cols, i+1); err != nil {
		return err
	}
	b.output.WriteString("))")
	return nil
}
