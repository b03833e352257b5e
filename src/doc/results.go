package doc

import "fmt"

// QueryResult is a fully-buffered read result. ColIDs preserves the column
// order of the underlying statement; TableData carries the same columns
// keyed by id, all sequences row-aligned.
type QueryResult struct {
	TableID   string        `json:"tableId"`
	ActionNum int64         `json:"actionNum"`
	ColIDs    []string      `json:"colIds"`
	TableData BulkColValues `json:"tableData"`
}

// StreamingValue is the immediate frame of a streaming read. The rows follow
// as positional chunks aligned with ColIDs.
type StreamingValue struct {
	TableID   string   `json:"tableId"`
	ActionNum int64    `json:"actionNum"`
	ColIDs    []string `json:"colIds"`
}

// ApplyResultSet reports a successful apply: the document version it
// produced and one result per action.
type ApplyResultSet struct {
	ActionNum int64       `json:"actionNum"`
	Results   []CellValue `json:"results"`
}

// ActionSet is the broadcast payload emitted after a successful apply,
// oversized data actions already stripped.
type ActionSet struct {
	ActionNum int64    `json:"actionNum"`
	Actions   []Action `json:"actions"`
}

// ParseQueryResult decodes a buffered read result from a payload value tree.
func ParseQueryResult(v interface{}) (QueryResult, error) {
	obj, err := asObject(v, "query result")
	if err != nil {
		return QueryResult{}, err
	}
	res := QueryResult{}
	if res.TableID, err = asString(obj["tableId"], "query result tableId"); err != nil {
		return QueryResult{}, err
	}
	if res.ActionNum, err = asInt(obj["actionNum"], "query result actionNum"); err != nil {
		return QueryResult{}, err
	}
	if res.ColIDs, err = asStringSlice(obj["colIds"], "query result colIds"); err != nil {
		return QueryResult{}, err
	}
	if res.TableData, err = asColValues(obj["tableData"], "query result tableData"); err != nil {
		return QueryResult{}, err
	}
	return res, nil
}

// ParseStreamingValue decodes the immediate frame of a streaming read.
func ParseStreamingValue(v interface{}) (StreamingValue, error) {
	obj, err := asObject(v, "streaming value")
	if err != nil {
		return StreamingValue{}, err
	}
	res := StreamingValue{}
	if res.TableID, err = asString(obj["tableId"], "streaming value tableId"); err != nil {
		return StreamingValue{}, err
	}
	if res.ActionNum, err = asInt(obj["actionNum"], "streaming value actionNum"); err != nil {
		return StreamingValue{}, err
	}
	if res.ColIDs, err = asStringSlice(obj["colIds"], "streaming value colIds"); err != nil {
		return StreamingValue{}, err
	}
	return res, nil
}

// ParseRows decodes one streamed chunk: an array of positional rows.
func ParseRows(v interface{}) ([]Row, error) {
	arr, err := asArray(v, "row chunk")
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(arr))
	for i, item := range arr {
		row, ok := item.([]interface{})
		if !ok {
			return nil, fmt.Errorf("row chunk[%d]: want array, got %T", i, item)
		}
		rows[i] = row
	}
	return rows, nil
}

// ParseApplyResultSet decodes an apply result from a payload value tree.
func ParseApplyResultSet(v interface{}) (ApplyResultSet, error) {
	obj, err := asObject(v, "apply result")
	if err != nil {
		return ApplyResultSet{}, err
	}
	res := ApplyResultSet{}
	if res.ActionNum, err = asInt(obj["actionNum"], "apply result actionNum"); err != nil {
		return ApplyResultSet{}, err
	}
	if res.Results, err = asArray(obj["results"], "apply result results"); err != nil {
		return ApplyResultSet{}, err
	}
	return res, nil
}

// ParseActionSet decodes a broadcast action set from a payload value tree.
func ParseActionSet(v interface{}) (ActionSet, error) {
	obj, err := asObject(v, "action set")
	if err != nil {
		return ActionSet{}, err
	}
	set := ActionSet{}
	if set.ActionNum, err = asInt(obj["actionNum"], "action set actionNum"); err != nil {
		return ActionSet{}, err
	}
	if set.Actions, err = ParseActions(obj["actions"]); err != nil {
		return ActionSet{}, err
	}
	return set, nil
}
