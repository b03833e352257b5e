package wire

import (
	"fmt"
	"strconv"
)

// MType identifies the kind of a frame.
type MType byte

const (
	Call   MType = 'C'
	Signal MType = 'S'
	Resp   MType = 'R'
)

// Flag bytes. At most one may appear in a frame, between the type tag and
// the request id.
const (
	flagMore  = '+'
	flagError = '!'
	flagAbort = '#'
)

func (t MType) String() string {
	switch t {
	case Call:
		return "Call"
	case Signal:
		return "Signal"
	case Resp:
		return "Resp"
	default:
		return fmt.Sprintf("MType(0x%02X)", byte(t))
	}
}

// ProtocolError is raised for malformed frames.
type ProtocolError struct {
	Message string
}

func (e ProtocolError) Error() string {
	return e.Message
}

func protocolErrorf(format string, args ...interface{}) error {
	return ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// Message is one decoded frame. Payload distinguishes absent (nil) from
// present-but-empty (non-nil, zero length); Error marks the payload as an
// error object rather than data.
type Message struct {
	MType   MType
	ReqID   uint64
	More    bool
	Abort   bool
	Error   bool
	Payload []byte
}

// EncodeMessage renders a message as a transport frame:
// <mtype:1><flag?:1><reqId: ASCII digits>[':' <payload>].
func EncodeMessage(m Message) ([]byte, error) {
	switch m.MType {
	case Call, Signal, Resp:
	default:
		return nil, protocolErrorf("cannot encode message type 0x%02X", byte(m.MType))
	}
	if m.ReqID == 0 {
		return nil, protocolErrorf("cannot encode non-positive request id")
	}

	var flag byte
	set := 0
	if m.More {
		flag, set = flagMore, set+1
	}
	if m.Error {
		flag, set = flagError, set+1
	}
	if m.Abort {
		flag, set = flagAbort, set+1
	}
	if set > 1 {
		return nil, protocolErrorf("at most one of more/error/abort may be set")
	}

	buf := make([]byte, 0, 2+20+1+len(m.Payload))
	buf = append(buf, byte(m.MType))
	if set == 1 {
		buf = append(buf, flag)
	}
	buf = strconv.AppendUint(buf, m.ReqID, 10)
	if m.Payload != nil {
		buf = append(buf, ':')
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// DecodeMessage parses a transport frame. The returned payload aliases the
// input slice; callers consume it before reusing the buffer.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if len(data) == 0 {
		return m, protocolErrorf("empty frame")
	}

	switch MType(data[0]) {
	case Call, Signal, Resp:
		m.MType = MType(data[0])
	default:
		return m, protocolErrorf("unknown message type tag %q", data[0])
	}

	i := 1
	if i < len(data) {
		switch data[i] {
		case flagMore:
			m.More = true
			i++
		case flagError:
			m.Error = true
			i++
		case flagAbort:
			m.Abort = true
			i++
		}
	}

	j := i
	for j < len(data) && data[j] >= '0' && data[j] <= '9' {
		j++
	}
	if j == i {
		return m, protocolErrorf("missing request id")
	}
	reqID, err := strconv.ParseUint(string(data[i:j]), 10, 64)
	if err != nil {
		return m, protocolErrorf("invalid request id %q", data[i:j])
	}
	if reqID == 0 {
		return m, protocolErrorf("non-positive request id")
	}
	m.ReqID = reqID

	if j == len(data) {
		return m, nil
	}
	if data[j] != ':' {
		return m, protocolErrorf("unexpected byte %q after request id", data[j])
	}
	m.Payload = data[j+1:]
	return m, nil
}
