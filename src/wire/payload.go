package wire

import (
	"encoding/json"
	"errors"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var (
	jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

	// jsonNumberAPI keeps numbers as json.Number during decode so that
	// integers survive the trip without turning into float64.
	jsonNumberAPI = jsoniter.Config{
		EscapeHTML:             true,
		UseNumber:              true,
		ValidateJsonRawMessage: true,
	}.Froze()
)

// MarshalPayload serializes a value into an opaque frame payload. All
// payloads on one connection use this single serialization.
func MarshalPayload(v interface{}) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

// UnmarshalPayload decodes a frame payload into a generic value tree.
// Objects become map[string]interface{}, arrays []interface{}, and numbers
// int64 when they carry no fractional part, float64 otherwise.
func UnmarshalPayload(data []byte) (interface{}, error) {
	var v interface{}
	if err := jsonNumberAPI.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return NormalizeNumbers(v), nil
}

// NormalizeNumbers walks a decoded value tree converting json.Number leaves
// to int64 where exact, else float64.
func NormalizeNumbers(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		for k, vv := range x {
			x[k] = NormalizeNumbers(vv)
		}
		return x
	case []interface{}:
		for i, vv := range x {
			x[i] = NormalizeNumbers(vv)
		}
		return x
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := x.Int64(); err == nil {
				return i
			}
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return s
	default:
		return v
	}
}

// errorPayload is the wire form of an error object.
type errorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Kinder lets error types declare a wire kind so the peer can rebuild a
// classifiable error.
type Kinder interface {
	ErrorKind() string
}

// RemoteError is an error reconstructed from a peer's error payload.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) ErrorKind() string {
	return e.Kind
}

// EncodeError serializes an error object into an opaque payload. A nil
// error encodes as an empty error message.
func EncodeError(err error) []byte {
	p := errorPayload{}
	if err != nil {
		p.Error = err.Error()
		var k Kinder
		if errors.As(err, &k) {
			p.Kind = k.ErrorKind()
		}
	}
	data, merr := jsonAPI.Marshal(p)
	if merr != nil {
		return []byte(`{"error":"unencodable error"}`)
	}
	return data
}

// DecodeError rebuilds an error from an opaque payload produced by
// EncodeError. Unparseable payloads become the raw text.
func DecodeError(payload []byte) error {
	var p errorPayload
	if err := jsonAPI.Unmarshal(payload, &p); err != nil || p.Error == "" {
		return &RemoteError{Message: string(payload)}
	}
	return &RemoteError{Kind: p.Kind, Message: p.Error}
}
