package doc

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Action is one document mutation. On the wire an action is a tagged array
// [name, ...fields]; the registry below maps names back to parsers.
type Action interface {
	// Name returns the wire tag of the action.
	Name() string
	// Fields returns the wire fields that follow the tag.
	Fields() []interface{}
}

func marshalTagged(a Action) ([]byte, error) {
	return jsonAPI.Marshal(append([]interface{}{a.Name()}, a.Fields()...))
}

// ColInfo describes one column of a table schema. ID is omitted where the
// wire form carries the column id as a separate field.
type ColInfo struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
}

// BulkAddRecord inserts one row per row id.
type BulkAddRecord struct {
	TableID string
	RowIDs  []int64
	Columns BulkColValues
}

func (a *BulkAddRecord) Name() string { return "BulkAddRecord" }

func (a *BulkAddRecord) Fields() []interface{} {
	return []interface{}{a.TableID, a.RowIDs, a.Columns}
}

func (a *BulkAddRecord) MarshalJSON() ([]byte, error) { return marshalTagged(a) }

// BulkUpdateRecord updates the named columns of existing rows.
type BulkUpdateRecord struct {
	TableID string
	RowIDs  []int64
	Columns BulkColValues
}

func (a *BulkUpdateRecord) Name() string { return "BulkUpdateRecord" }

func (a *BulkUpdateRecord) Fields() []interface{} {
	return []interface{}{a.TableID, a.RowIDs, a.Columns}
}

func (a *BulkUpdateRecord) MarshalJSON() ([]byte, error) { return marshalTagged(a) }

// BulkRemoveRecord deletes rows by id.
type BulkRemoveRecord struct {
	TableID string
	RowIDs  []int64
}

func (a *BulkRemoveRecord) Name() string { return "BulkRemoveRecord" }

func (a *BulkRemoveRecord) Fields() []interface{} {
	return []interface{}{a.TableID, a.RowIDs}
}

func (a *BulkRemoveRecord) MarshalJSON() ([]byte, error) { return marshalTagged(a) }

// ReplaceTableData clears a table and refills it in one step.
type ReplaceTableData struct {
	TableID string
	RowIDs  []int64
	Columns BulkColValues
}

func (a *ReplaceTableData) Name() string { return "ReplaceTableData" }

func (a *ReplaceTableData) Fields() []interface{} {
	return []interface{}{a.TableID, a.RowIDs, a.Columns}
}

func (a *ReplaceTableData) MarshalJSON() ([]byte, error) { return marshalTagged(a) }

// AddTable creates a table with the given columns plus the implicit integer
// primary key "id".
type AddTable struct {
	TableID string
	Columns []ColInfo
}

func (a *AddTable) Name() string { return "AddTable" }

func (a *AddTable) Fields() []interface{} {
	return []interface{}{a.TableID, a.Columns}
}

func (a *AddTable) MarshalJSON() ([]byte, error) { return marshalTagged(a) }

// RemoveTable drops a table.
type RemoveTable struct {
	TableID string
}

func (a *RemoveTable) Name() string { return "RemoveTable" }

func (a *RemoveTable) Fields() []interface{} { return []interface{}{a.TableID} }

func (a *RemoveTable) MarshalJSON() ([]byte, error) { return marshalTagged(a) }

// RenameTable renames a table.
type RenameTable struct {
	OldTableID string
	NewTableID string
}

func (a *RenameTable) Name() string { return "RenameTable" }

func (a *RenameTable) Fields() []interface{} {
	return []interface{}{a.OldTableID, a.NewTableID}
}

func (a *RenameTable) MarshalJSON() ([]byte, error) { return marshalTagged(a) }

// AddColumn adds a column to an existing table.
type AddColumn struct {
	TableID string
	ColID   string
	Info    ColInfo
}

func (a *AddColumn) Name() string { return "AddColumn" }

func (a *AddColumn) Fields() []interface{} {
	return []interface{}{a.TableID, a.ColID, a.Info}
}

func (a *AddColumn) MarshalJSON() ([]byte, error) { return marshalTagged(a) }

// RemoveColumn drops a column.
type RemoveColumn struct {
	TableID string
	ColID   string
}

func (a *RemoveColumn) Name() string { return "RemoveColumn" }

func (a *RemoveColumn) Fields() []interface{} {
	return []interface{}{a.TableID, a.ColID}
}

func (a *RemoveColumn) MarshalJSON() ([]byte, error) { return marshalTagged(a) }

// RenameColumn renames a column.
type RenameColumn struct {
	TableID  string
	OldColID string
	NewColID string
}

func (a *RenameColumn) Name() string { return "RenameColumn" }

func (a *RenameColumn) Fields() []interface{} {
	return []interface{}{a.TableID, a.OldColID, a.NewColID}
}

func (a *RenameColumn) MarshalJSON() ([]byte, error) { return marshalTagged(a) }

// ModifyColumn changes the declared type of a column. The store keeps cell
// values loosely typed, so applying it is currently rejected; the type is
// still part of the model so action sets round-trip.
type ModifyColumn struct {
	TableID string
	ColID   string
	Info    ColInfo
}

func (a *ModifyColumn) Name() string { return "ModifyColumn" }

func (a *ModifyColumn) Fields() []interface{} {
	return []interface{}{a.TableID, a.ColID, a.Info}
}

func (a *ModifyColumn) MarshalJSON() ([]byte, error) { return marshalTagged(a) }

// actionParsers maps wire tags to field parsers. Every parser receives the
// fields that followed the tag.
var actionParsers = map[string]func(fields []interface{}) (Action, error){
	"BulkAddRecord": func(fields []interface{}) (Action, error) {
		tableID, rowIDs, columns, err := parseDataFields("BulkAddRecord", fields)
		if err != nil {
			return nil, err
		}
		return &BulkAddRecord{TableID: tableID, RowIDs: rowIDs, Columns: columns}, nil
	},
	"BulkUpdateRecord": func(fields []interface{}) (Action, error) {
		tableID, rowIDs, columns, err := parseDataFields("BulkUpdateRecord", fields)
		if err != nil {
			return nil, err
		}
		return &BulkUpdateRecord{TableID: tableID, RowIDs: rowIDs, Columns: columns}, nil
	},
	"BulkRemoveRecord": func(fields []interface{}) (Action, error) {
		if err := wantFields("BulkRemoveRecord", fields, 2); err != nil {
			return nil, err
		}
		tableID, err := asString(fields[0], "BulkRemoveRecord table id")
		if err != nil {
			return nil, err
		}
		rowIDs, err := asRowIDSlice(fields[1], "BulkRemoveRecord row ids")
		if err != nil {
			return nil, err
		}
		return &BulkRemoveRecord{TableID: tableID, RowIDs: rowIDs}, nil
	},
	"ReplaceTableData": func(fields []interface{}) (Action, error) {
		tableID, rowIDs, columns, err := parseDataFields("ReplaceTableData", fields)
		if err != nil {
			return nil, err
		}
		return &ReplaceTableData{TableID: tableID, RowIDs: rowIDs, Columns: columns}, nil
	},
	"AddTable": func(fields []interface{}) (Action, error) {
		if err := wantFields("AddTable", fields, 2); err != nil {
			return nil, err
		}
		tableID, err := asString(fields[0], "AddTable table id")
		if err != nil {
			return nil, err
		}
		columns, err := parseColInfos(fields[1])
		if err != nil {
			return nil, err
		}
		return &AddTable{TableID: tableID, Columns: columns}, nil
	},
	"RemoveTable": func(fields []interface{}) (Action, error) {
		if err := wantFields("RemoveTable", fields, 1); err != nil {
			return nil, err
		}
		tableID, err := asString(fields[0], "RemoveTable table id")
		if err != nil {
			return nil, err
		}
		return &RemoveTable{TableID: tableID}, nil
	},
	"RenameTable": func(fields []interface{}) (Action, error) {
		if err := wantFields("RenameTable", fields, 2); err != nil {
			return nil, err
		}
		oldID, err := asString(fields[0], "RenameTable old table id")
		if err != nil {
			return nil, err
		}
		newID, err := asString(fields[1], "RenameTable new table id")
		if err != nil {
			return nil, err
		}
		return &RenameTable{OldTableID: oldID, NewTableID: newID}, nil
	},
	"AddColumn": func(fields []interface{}) (Action, error) {
		if err := wantFields("AddColumn", fields, 3); err != nil {
			return nil, err
		}
		tableID, err := asString(fields[0], "AddColumn table id")
		if err != nil {
			return nil, err
		}
		colID, err := asString(fields[1], "AddColumn column id")
		if err != nil {
			return nil, err
		}
		info, err := parseColInfo(fields[2], "AddColumn column info")
		if err != nil {
			return nil, err
		}
		return &AddColumn{TableID: tableID, ColID: colID, Info: info}, nil
	},
	"RemoveColumn": func(fields []interface{}) (Action, error) {
		if err := wantFields("RemoveColumn", fields, 2); err != nil {
			return nil, err
		}
		tableID, err := asString(fields[0], "RemoveColumn table id")
		if err != nil {
			return nil, err
		}
		colID, err := asString(fields[1], "RemoveColumn column id")
		if err != nil {
			return nil, err
		}
		return &RemoveColumn{TableID: tableID, ColID: colID}, nil
	},
	"RenameColumn": func(fields []interface{}) (Action, error) {
		if err := wantFields("RenameColumn", fields, 3); err != nil {
			return nil, err
		}
		tableID, err := asString(fields[0], "RenameColumn table id")
		if err != nil {
			return nil, err
		}
		oldID, err := asString(fields[1], "RenameColumn old column id")
		if err != nil {
			return nil, err
		}
		newID, err := asString(fields[2], "RenameColumn new column id")
		if err != nil {
			return nil, err
		}
		return &RenameColumn{TableID: tableID, OldColID: oldID, NewColID: newID}, nil
	},
	"ModifyColumn": func(fields []interface{}) (Action, error) {
		if err := wantFields("ModifyColumn", fields, 3); err != nil {
			return nil, err
		}
		tableID, err := asString(fields[0], "ModifyColumn table id")
		if err != nil {
			return nil, err
		}
		colID, err := asString(fields[1], "ModifyColumn column id")
		if err != nil {
			return nil, err
		}
		info, err := parseColInfo(fields[2], "ModifyColumn column info")
		if err != nil {
			return nil, err
		}
		return &ModifyColumn{TableID: tableID, ColID: colID, Info: info}, nil
	},
}

func wantFields(name string, fields []interface{}, n int) error {
	if len(fields) != n {
		return fmt.Errorf("%s: want %d fields, got %d", name, n, len(fields))
	}
	return nil
}

func parseDataFields(name string, fields []interface{}) (string, []int64, BulkColValues, error) {
	if err := wantFields(name, fields, 3); err != nil {
		return "", nil, nil, err
	}
	tableID, err := asString(fields[0], name+" table id")
	if err != nil {
		return "", nil, nil, err
	}
	rowIDs, err := asRowIDSlice(fields[1], name+" row ids")
	if err != nil {
		return "", nil, nil, err
	}
	columns, err := asColValues(fields[2], name+" columns")
	if err != nil {
		return "", nil, nil, err
	}
	if err := columns.CheckRowCount(len(rowIDs)); err != nil {
		return "", nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	return tableID, rowIDs, columns, nil
}

func parseColInfo(v interface{}, what string) (ColInfo, error) {
	obj, err := asObject(v, what)
	if err != nil {
		return ColInfo{}, err
	}
	info := ColInfo{}
	if raw, ok := obj["id"]; ok {
		if info.ID, err = asString(raw, what+" id"); err != nil {
			return ColInfo{}, err
		}
	}
	if raw, ok := obj["type"]; ok {
		if info.Type, err = asString(raw, what+" type"); err != nil {
			return ColInfo{}, err
		}
	}
	return info, nil
}

func parseColInfos(v interface{}) ([]ColInfo, error) {
	arr, err := asArray(v, "column list")
	if err != nil {
		return nil, err
	}
	infos := make([]ColInfo, len(arr))
	for i, item := range arr {
		info, err := parseColInfo(item, fmt.Sprintf("column list[%d]", i))
		if err != nil {
			return nil, err
		}
		if info.ID == "" {
			return nil, fmt.Errorf("column list[%d]: missing id", i)
		}
		infos[i] = info
	}
	return infos, nil
}

// ParseAction decodes one tagged-array action from a payload value tree.
func ParseAction(v interface{}) (Action, error) {
	arr, err := asArray(v, "action")
	if err != nil {
		return nil, err
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("action: empty array")
	}
	name, err := asString(arr[0], "action name")
	if err != nil {
		return nil, err
	}
	parse, ok := actionParsers[name]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", name)
	}
	return parse(arr[1:])
}

// ParseActions decodes a list of tagged-array actions.
func ParseActions(v interface{}) ([]Action, error) {
	arr, err := asArray(v, "action list")
	if err != nil {
		return nil, err
	}
	actions := make([]Action, len(arr))
	for i, item := range arr {
		action, err := ParseAction(item)
		if err != nil {
			return nil, fmt.Errorf("action[%d]: %w", i, err)
		}
		actions[i] = action
	}
	return actions, nil
}

// StripOversized returns a broadcast-safe copy of a data action whose row id
// list is longer than max: the row ids are emptied and every column keeps
// its key but maps to an empty sequence, so listeners still learn which table
// and columns changed. Schema actions and small data actions are returned
// unchanged.
func StripOversized(a Action, max int) Action {
	emptied := func(columns BulkColValues) BulkColValues {
		out := make(BulkColValues, len(columns))
		for colID := range columns {
			out[colID] = []CellValue{}
		}
		return out
	}
	switch action := a.(type) {
	case *BulkAddRecord:
		if len(action.RowIDs) <= max {
			return a
		}
		return &BulkAddRecord{TableID: action.TableID, RowIDs: []int64{}, Columns: emptied(action.Columns)}
	case *BulkUpdateRecord:
		if len(action.RowIDs) <= max {
			return a
		}
		return &BulkUpdateRecord{TableID: action.TableID, RowIDs: []int64{}, Columns: emptied(action.Columns)}
	case *BulkRemoveRecord:
		if len(action.RowIDs) <= max {
			return a
		}
		return &BulkRemoveRecord{TableID: action.TableID, RowIDs: []int64{}}
	case *ReplaceTableData:
		if len(action.RowIDs) <= max {
			return a
		}
		return &ReplaceTableData{TableID: action.TableID, RowIDs: []int64{}, Columns: emptied(action.Columns)}
	default:
		return a
	}
}
