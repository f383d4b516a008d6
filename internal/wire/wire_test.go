package wire

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := &Message{
		Kind:           KindInvokeFunc,
		FuncID:         7,
		ClientID:       3,
		CallID:         1<<24 - 1,
		ParentCallID:   9876543210,
		PayloadSize:    128,
		ProcessingTime: 55,
		DispatchDelay:  12,
		SendTimestamp:  time.Now().UnixMicro(),
	}
	copy(m.Inline[:], []byte("hello"))

	buf := Encode(m)
	if len(buf) != Size {
		t.Fatalf("encoded size = %d, want %d", len(buf), Size)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if *got != *m {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, m)
	}
}

func TestCallIDMasksTo24Bits(t *testing.T) {
	m := &Message{CallID: 0xFFFFFFFF}
	buf := Encode(m)
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.CallID != 0x00FFFFFF {
		t.Fatalf("CallID = %#x, want %#x", got.CallID, 0x00FFFFFF)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	if _, err := Decode(make([]byte, Size-1)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestFuncCallFullRoundTrip(t *testing.T) {
	c := FuncCall{FuncID: 0xBEEF, MethodID: 0x7A, ClientID: 0x1234, CallID: 0x00ABCDEF}
	full := c.Full()
	got := FuncCallFromFull(full)
	if got != c {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, c)
	}
}

func TestFuncCallFullLayout(t *testing.T) {
	c := FuncCall{FuncID: 1, MethodID: 0, ClientID: 0, CallID: 0}
	if c.Full() != uint64(1)<<48 {
		t.Fatalf("FuncID not packed in top 16 bits: %#x", c.Full())
	}
}

func TestComputeMessageDelayNoSample(t *testing.T) {
	m := &Message{SendTimestamp: 0}
	if d := ComputeMessageDelay(m, time.Now()); d != NoDelaySample {
		t.Fatalf("delay = %d, want %d", d, NoDelaySample)
	}
}

func TestComputeMessageDelayPositive(t *testing.T) {
	sent := time.Now().Add(-10 * time.Millisecond)
	m := &Message{SendTimestamp: sent.UnixMicro()}
	d := ComputeMessageDelay(m, time.Now())
	if d <= 0 {
		t.Fatalf("delay = %d, want > 0", d)
	}
}

func TestOutputInlineLimitDiffersForWorkerOriginated(t *testing.T) {
	if OutputInlineLimit(0) != InlineDataSize {
		t.Fatalf("external limit = %d, want %d", OutputInlineLimit(0), InlineDataSize)
	}
	if OutputInlineLimit(7) != WorkerOutputCapacity {
		t.Fatalf("worker-originated limit = %d, want %d", OutputInlineLimit(7), WorkerOutputCapacity)
	}
}

func TestOutputPolicyViolationBoundary(t *testing.T) {
	// Exactly PipeBuf-4 stays inline: not a violation.
	if OutputPolicyViolation(1, WorkerOutputCapacity) {
		t.Fatal("output of exactly WorkerOutputCapacity should stay inline, not violate policy")
	}
	// One byte over: must have gone to shm; an inline encoding is a violation.
	if !OutputPolicyViolation(1, WorkerOutputCapacity+1) {
		t.Fatal("output one byte over WorkerOutputCapacity encoded inline should violate policy")
	}
	// Correctly shm-backed at that size: no violation.
	if OutputPolicyViolation(1, -(WorkerOutputCapacity + 1)) {
		t.Fatal("shm-backed output over the limit should not violate policy")
	}
	// An external call is held to the wider InlineDataSize limit.
	if OutputPolicyViolation(0, WorkerOutputCapacity+1) {
		t.Fatal("external call output should use InlineDataSize, not WorkerOutputCapacity")
	}
}

func TestReadFrom(t *testing.T) {
	m := &Message{Kind: KindHandshakeResponse, FuncID: 1}
	buf := Encode(m)
	got, err := ReadFrom(bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindHandshakeResponse {
		t.Fatalf("Kind = %v, want %v", got.Kind, KindHandshakeResponse)
	}
}
