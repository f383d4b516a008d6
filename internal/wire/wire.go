// Package wire implements the fixed-size binary control message that the
// gateway and its workers exchange over their IPC connection.
//
// Every message is Size (headerSize+InlineDataSize) bytes, no length prefix, no
// delimiter: framing is implicit in the constant record size, the same way
// the firecracker vsock transport this protocol replaces used an explicit
// length prefix to the same end. A fixed record lets the reader allocate
// once and decode in place instead of parsing a length-prefixed stream.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Kind tags the purpose of a message.
type Kind uint8

const (
	KindLauncherHandshake Kind = iota + 1
	KindFuncWorkerHandshake
	KindHandshakeResponse
	KindInvokeFunc
	KindFuncCallComplete
	KindFuncCallFailed
)

func (k Kind) String() string {
	switch k {
	case KindLauncherHandshake:
		return "launcher_handshake"
	case KindFuncWorkerHandshake:
		return "func_worker_handshake"
	case KindHandshakeResponse:
		return "handshake_response"
	case KindInvokeFunc:
		return "invoke_func"
	case KindFuncCallComplete:
		return "func_call_complete"
	case KindFuncCallFailed:
		return "func_call_failed"
	default:
		return "unknown"
	}
}

// InlineDataSize is the size of the inline payload area carried by every
// message. A payload that does not fit travels through shared memory
// instead; see the shm package.
const InlineDataSize = 4096

// PipeBuf mirrors PIPE_BUF on Linux. The inline output of a
// worker-originated call is capped just under this (WorkerOutputCapacity)
// so it reaches the originating worker in a single atomic pipe write.
const PipeBuf = 4096

// WorkerOutputCapacity is the usable capacity of a PipeBuf-sized pipe once
// the 4-byte length prefix worker-side framing reserves is subtracted.
const WorkerOutputCapacity = PipeBuf - 4

// OutputInlineLimit returns the inline/shm threshold that applies to an
// output payload belonging to clientID: InlineDataSize for an externally
// originated call (client_id 0), or the narrower WorkerOutputCapacity for
// a worker-originated call, whose result has to fit one atomic pipe write
// on its way back to the originating worker.
func OutputInlineLimit(clientID uint16) int32 {
	if clientID > 0 {
		return WorkerOutputCapacity
	}
	return InlineDataSize
}

// OutputPolicyViolation reports whether an output message's encoded
// payloadSize is inconsistent with the inline/shm threshold that applies
// to clientID: an inline payload (payloadSize >= 0) larger than the limit,
// or a shm-backed payload (payloadSize < 0) that should have fit inline.
func OutputPolicyViolation(clientID uint16, payloadSize int32) bool {
	limit := OutputInlineLimit(clientID)
	if payloadSize < 0 {
		return -payloadSize <= limit
	}
	return payloadSize > limit
}

// NoDelaySample is returned by ComputeMessageDelay when a message carries no
// send timestamp (e.g. was never queued, only constructed locally).
const NoDelaySample = int64(-1)

// headerSize is the encoded size, in bytes, of every Message field other
// than Inline.
const headerSize = 1 + 2 + 2 + 4 + 8 + 4 + 8 + 8 + 8

// Size is the total wire size of one message.
const Size = headerSize + InlineDataSize

// Message is the control record exchanged between gateway and worker.
type Message struct {
	Kind   Kind
	FuncID uint16
	// ClientID identifies the originator of the call this message concerns:
	// 0 for an externally originated call, non-zero for a call a worker
	// originated on behalf of another.
	ClientID uint16
	// CallID is the low 24 bits of the originator-assigned call identity.
	CallID       uint32
	ParentCallID uint64
	// PayloadSize is the size of the call's input or output. A non-negative
	// value means the payload is inline in the low PayloadSize bytes of
	// Inline; a negative value means the payload of size -PayloadSize
	// lives in a shared memory region named by the full call id.
	PayloadSize int32
	// ProcessingTime is how long the worker spent executing the call, in
	// microseconds. Zero unless this is a completion message.
	ProcessingTime int64
	// DispatchDelay is how long the call waited between being handed to
	// the dispatcher and the worker picking it up, in microseconds.
	DispatchDelay int64
	// SendTimestamp is unix microseconds at the time the sender wrote this
	// message. Conn.Send stamps it; callers do not need to set it.
	SendTimestamp int64
	Inline        [InlineDataSize]byte
}

// Encode serializes m into a freshly allocated Size-byte buffer.
func Encode(m *Message) []byte {
	buf := make([]byte, Size)
	EncodeInto(m, buf)
	return buf
}

// EncodeInto serializes m into buf, which must be at least Size bytes.
func EncodeInto(m *Message, buf []byte) {
	if len(buf) < Size {
		panic("wire: buffer too small")
	}
	buf[0] = byte(m.Kind)
	binary.BigEndian.PutUint16(buf[1:3], m.FuncID)
	binary.BigEndian.PutUint16(buf[3:5], m.ClientID)
	binary.BigEndian.PutUint32(buf[5:9], m.CallID&0x00FFFFFF)
	binary.BigEndian.PutUint64(buf[9:17], m.ParentCallID)
	binary.BigEndian.PutUint32(buf[17:21], uint32(m.PayloadSize))
	binary.BigEndian.PutUint64(buf[21:29], uint64(m.ProcessingTime))
	binary.BigEndian.PutUint64(buf[29:37], uint64(m.DispatchDelay))
	binary.BigEndian.PutUint64(buf[37:45], uint64(m.SendTimestamp))
	copy(buf[headerSize:Size], m.Inline[:])
}

// Decode parses a Size-byte buffer into a Message.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < Size {
		return nil, fmt.Errorf("wire: short buffer: got %d want %d", len(buf), Size)
	}
	m := &Message{
		Kind:           Kind(buf[0]),
		FuncID:         binary.BigEndian.Uint16(buf[1:3]),
		ClientID:       binary.BigEndian.Uint16(buf[3:5]),
		CallID:         binary.BigEndian.Uint32(buf[5:9]) & 0x00FFFFFF,
		ParentCallID:   binary.BigEndian.Uint64(buf[9:17]),
		PayloadSize:    int32(binary.BigEndian.Uint32(buf[17:21])),
		ProcessingTime: int64(binary.BigEndian.Uint64(buf[21:29])),
		DispatchDelay:  int64(binary.BigEndian.Uint64(buf[29:37])),
		SendTimestamp:  int64(binary.BigEndian.Uint64(buf[37:45])),
	}
	copy(m.Inline[:], buf[headerSize:Size])
	return m, nil
}

// ReadFrom reads exactly one Size-byte message from r.
func ReadFrom(r io.Reader) (*Message, error) {
	buf := make([]byte, Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return Decode(buf)
}

// ComputeMessageDelay returns the microseconds elapsed between msg's send
// timestamp and now, or NoDelaySample if msg carries no send timestamp.
func ComputeMessageDelay(msg *Message, now time.Time) int64 {
	if msg.SendTimestamp == 0 {
		return NoDelaySample
	}
	d := now.UnixMicro() - msg.SendTimestamp
	if d < 0 {
		return 0
	}
	return d
}

// FuncCall identifies one invocation: the function it targets, the method
// within that function (0 for a plain call), who originated it, and that
// originator's own call sequence number.
type FuncCall struct {
	FuncID   uint16
	MethodID uint8
	ClientID uint16
	CallID   uint32
}

// Full packs the four identity fields into the 64-bit full_call_id: func_id
// in the top 16 bits, method_id in the next 8, client_id in the next 16,
// call_id in the low 24.
func (c FuncCall) Full() uint64 {
	return uint64(c.FuncID)<<48 |
		uint64(c.MethodID)<<40 |
		uint64(c.ClientID)<<24 |
		uint64(c.CallID&0x00FFFFFF)
}

// FuncCallFromFull reverses Full.
func FuncCallFromFull(full uint64) FuncCall {
	return FuncCall{
		FuncID:   uint16(full >> 48),
		MethodID: uint8(full >> 40),
		ClientID: uint16(full >> 24),
		CallID:   uint32(full & 0x00FFFFFF),
	}
}
