package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/seuros/gridstream/src/doc"
	"github.com/seuros/gridstream/src/sqlgen"
	"github.com/seuros/gridstream/src/store"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBindParams caps bind parameters per statement, staying under SQLite's
// lowest common variable limit. Larger actions run as multiple statements
// inside the same transaction.
const maxBindParams = 999

// NotImplementedError reports an action the applier recognizes but cannot
// execute.
type NotImplementedError struct {
	ActionName string
}

func (e *NotImplementedError) Error() string {
	return e.ActionName + " is not implemented"
}

// applier executes document actions inside one write transaction.
type applier struct {
	tx *store.Tx
}

func (a *applier) apply(ctx context.Context, action doc.Action) error {
	switch act := action.(type) {
	case *doc.BulkAddRecord:
		return a.bulkInsert(ctx, act.TableID, act.RowIDs, act.Columns)
	case *doc.BulkUpdateRecord:
		return a.bulkUpdate(ctx, act.TableID, act.RowIDs, act.Columns)
	case *doc.BulkRemoveRecord:
		return a.bulkRemove(ctx, act.TableID, act.RowIDs)
	case *doc.ReplaceTableData:
		return a.replaceTableData(ctx, act.TableID, act.RowIDs, act.Columns)
	case *doc.AddTable:
		return a.addTable(ctx, act.TableID, act.Columns)
	case *doc.RemoveTable:
		return a.execIdents(ctx, "DROP TABLE %s", act.TableID)
	case *doc.RenameTable:
		return a.execIdents(ctx, "ALTER TABLE %s RENAME TO %s", act.OldTableID, act.NewTableID)
	case *doc.AddColumn:
		return a.addColumn(ctx, act.TableID, act.ColID, act.Info)
	case *doc.RemoveColumn:
		return a.execIdents(ctx, "ALTER TABLE %s DROP COLUMN %s", act.TableID, act.ColID)
	case *doc.RenameColumn:
		return a.execIdents(ctx, "ALTER TABLE %s RENAME COLUMN %s TO %s", act.TableID, act.OldColID, act.NewColID)
	case *doc.ModifyColumn:
		// Retyping a column in place would need a full table rebuild.
		// Callers remove and re-add the column instead.
		return &NotImplementedError{ActionName: act.Name()}
	default:
		return fmt.Errorf("unsupported action %q", action.Name())
	}
}

// execIdents quotes each identifier and substitutes it into the statement
// template.
func (a *applier) execIdents(ctx context.Context, template string, idents ...string) error {
	quoted := make([]interface{}, len(idents))
	for i, ident := range idents {
		q, err := sqlgen.QuoteIdent(ident)
		if err != nil {
			return err
		}
		quoted[i] = q
	}
	_, err := a.tx.ExecContext(ctx, fmt.Sprintf(template, quoted...))
	return err
}

func (a *applier) bulkInsert(ctx context.Context, tableID string, rowIDs []int64, columns doc.BulkColValues) error {
	if len(rowIDs) == 0 {
		return nil
	}
	if err := columns.CheckRowCount(len(rowIDs)); err != nil {
		return err
	}
	table, err := sqlgen.QuoteIdent(tableID)
	if err != nil {
		return err
	}
	colIDs := sortedColIDs(columns)
	quoted := make([]string, 0, len(colIDs)+1)
	quoted = append(quoted, `"id"`)
	for _, colID := range colIDs {
		qc, err := sqlgen.QuoteIdent(colID)
		if err != nil {
			return err
		}
		quoted = append(quoted, qc)
	}

	perRow := len(colIDs) + 1
	batch := maxBindParams / perRow
	if batch < 1 {
		batch = 1
	}
	head := "INSERT INTO " + table + " (" + strings.Join(quoted, ", ") + ") VALUES "
	rowTuple := "(?" + strings.Repeat(", ?", len(colIDs)) + ")"

	for start := 0; start < len(rowIDs); start += batch {
		end := start + batch
		if end > len(rowIDs) {
			end = len(rowIDs)
		}
		var sb strings.Builder
		sb.WriteString(head)
		args := make([]interface{}, 0, (end-start)*perRow)
		for i := start; i < end; i++ {
			if i > start {
				sb.WriteString(", ")
			}
			sb.WriteString(rowTuple)
			args = append(args, rowIDs[i])
			for _, colID := range colIDs {
				v, err := bindArg(columns[colID][i])
				if err != nil {
					return fmt.Errorf("column %q row %d: %w", colID, rowIDs[i], err)
				}
				args = append(args, v)
			}
		}
		if _, err := a.tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return err
		}
	}
	return nil
}

func (a *applier) bulkUpdate(ctx context.Context, tableID string, rowIDs []int64, columns doc.BulkColValues) error {
	if len(rowIDs) == 0 || len(columns) == 0 {
		return nil
	}
	if err := columns.CheckRowCount(len(rowIDs)); err != nil {
		return err
	}
	table, err := sqlgen.QuoteIdent(tableID)
	if err != nil {
		return err
	}
	colIDs := sortedColIDs(columns)

	var sb strings.Builder
	sb.WriteString("UPDATE " + table + " SET ")
	for i, colID := range colIDs {
		qc, err := sqlgen.QuoteIdent(colID)
		if err != nil {
			return err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(qc + " = ?")
	}
	sb.WriteString(` WHERE "id" = ?`)

	stmt, err := a.tx.PrepareContext(ctx, sb.String())
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, rowID := range rowIDs {
		args := make([]interface{}, 0, len(colIDs)+1)
		for _, colID := range colIDs {
			v, err := bindArg(columns[colID][i])
			if err != nil {
				return fmt.Errorf("column %q row %d: %w", colID, rowID, err)
			}
			args = append(args, v)
		}
		args = append(args, rowID)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

func (a *applier) bulkRemove(ctx context.Context, tableID string, rowIDs []int64) error {
	if len(rowIDs) == 0 {
		return nil
	}
	table, err := sqlgen.QuoteIdent(tableID)
	if err != nil {
		return err
	}
	for start := 0; start < len(rowIDs); start += maxBindParams {
		end := start + maxBindParams
		if end > len(rowIDs) {
			end = len(rowIDs)
		}
		args := make([]interface{}, 0, end-start)
		for _, rowID := range rowIDs[start:end] {
			args = append(args, rowID)
		}
		placeholders := "?" + strings.Repeat(", ?", end-start-1)
		stmt := "DELETE FROM " + table + ` WHERE "id" IN (` + placeholders + ")"
		if _, err := a.tx.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

func (a *applier) replaceTableData(ctx context.Context, tableID string, rowIDs []int64, columns doc.BulkColValues) error {
	table, err := sqlgen.QuoteIdent(tableID)
	if err != nil {
		return err
	}
	if _, err := a.tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return err
	}
	return a.bulkInsert(ctx, tableID, rowIDs, columns)
}

func (a *applier) addTable(ctx context.Context, tableID string, columns []doc.ColInfo) error {
	table, err := sqlgen.QuoteIdent(tableID)
	if err != nil {
		return err
	}
	defs := make([]string, 0, len(columns)+1)
	defs = append(defs, `"id" INTEGER PRIMARY KEY`)
	for _, col := range columns {
		if col.ID == "id" {
			// The id column is built in.
			continue
		}
		qc, err := sqlgen.QuoteIdent(col.ID)
		if err != nil {
			return err
		}
		defs = append(defs, qc+" "+columnDef(col.Type))
	}
	_, err = a.tx.ExecContext(ctx, "CREATE TABLE "+table+" ("+strings.Join(defs, ", ")+")")
	return err
}

func (a *applier) addColumn(ctx context.Context, tableID, colID string, info doc.ColInfo) error {
	table, err := sqlgen.QuoteIdent(tableID)
	if err != nil {
		return err
	}
	qc, err := sqlgen.QuoteIdent(colID)
	if err != nil {
		return err
	}
	_, err = a.tx.ExecContext(ctx, "ALTER TABLE "+table+" ADD COLUMN "+qc+" "+columnDef(info.Type))
	return err
}

// columnDef renders the type and default clause for one column.
func columnDef(logicalType string) string {
	info := storeType(logicalType)
	return info.sqlType + " DEFAULT " + info.sqlDefault
}

func sortedColIDs(columns doc.BulkColValues) []string {
	ids := columns.ColIDs()
	sort.Strings(ids)
	return ids
}

// bindArg converts a cell value into a driver-bindable argument. Scalars
// pass through; structured values are stored as their JSON text.
func bindArg(v doc.CellValue) (interface{}, error) {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, []byte:
		return x, nil
	case int:
		return int64(x), nil
	default:
		text, err := jsonAPI.MarshalToString(v)
		if err != nil {
			return nil, fmt.Errorf("encode cell value: %w", err)
		}
		return text, nil
	}
}
