package doc

import "fmt"

// The session layer decodes payloads into plain value trees before handing
// them to this package, so every parser here works on interface{} values:
// map[string]interface{} for objects, []interface{} for arrays, int64 for
// integral numbers.

func asObject(v interface{}, what string) (map[string]interface{}, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: want object, got %T", what, v)
	}
	return obj, nil
}

func asArray(v interface{}, what string) ([]interface{}, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: want array, got %T", what, v)
	}
	return arr, nil
}

func asString(v interface{}, what string) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: want string, got %T", what, v)
	}
	return s, nil
}

func asBool(v interface{}, what string) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: want bool, got %T", what, v)
	}
	return b, nil
}

func asInt(v interface{}, what string) (int64, error) {
	n, ok := AsRowID(v)
	if !ok {
		return 0, fmt.Errorf("%s: want integer, got %v (%T)", what, v, v)
	}
	return n, nil
}

func asStringSlice(v interface{}, what string) ([]string, error) {
	arr, err := asArray(v, what)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(arr))
	for i, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: want string, got %T", what, i, item)
		}
		out[i] = s
	}
	return out, nil
}

func asRowIDSlice(v interface{}, what string) ([]int64, error) {
	arr, err := asArray(v, what)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(arr))
	for i, item := range arr {
		id, ok := AsRowID(item)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: want integer row id, got %v (%T)", what, i, item, item)
		}
		out[i] = id
	}
	return out, nil
}

func asColValues(v interface{}, what string) (BulkColValues, error) {
	obj, err := asObject(v, what)
	if err != nil {
		return nil, err
	}
	out := make(BulkColValues, len(obj))
	for colID, raw := range obj {
		values, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s[%q]: want array of values, got %T", what, colID, raw)
		}
		out[colID] = values
	}
	return out, nil
}
