package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func TestBaseHeaderRoundTrip(t *testing.T) {
	h := BaseHeader{
		DestNode: 200,
		PrevHop:  100,
		Origin:   100,
		PacketID: 0xdeadbeef,
		Type:     RREQ,
		Flags:    ReqAck | FlagEncrypted,
		HopCount: 3,
		Reserved: 0,
	}
	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != BaseHeaderSize {
		t.Fatalf("expected %d bytes, got %d", BaseHeaderSize, len(b))
	}

	var h2 BaseHeader
	if err := h2.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h2 != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", h2, h)
	}
}

func TestBaseHeaderShortBuffer(t *testing.T) {
	var h BaseHeader
	if err := h.UnmarshalBinary(make([]byte, BaseHeaderSize-1)); err == nil {
		t.Fatal("expected error decoding short buffer")
	}
}

func TestExtensionRoundTrips(t *testing.T) {
	cases := []interface {
		MarshalBinary() ([]byte, error)
	}{
		RREQExt{Target: 200},
		RREPExt{Target: 200, Lifetime: 60, NumHops: 7},
		RERRExt{Reporter: 400, Broken: 300, OriginalDst: 300, OriginalPid: 555555, Origin: 100},
		ACKExt{OriginalPacketID: 12345},
		DataExt{FinalDst: 200, Origin: 100},
		UREQExt{Origin: 100, User: 7},
		UREPExt{Origin: 100, Home: 200, User: 7, Lifetime: 60, NumHops: 2},
		UERRExt{User: 7, Home: 200, Origin: 100, OriginalPid: 42},
		UserMsgExt{FromUser: 1, ToUser: 2, ToNode: 300, Origin: 100},
		PubKeyReqExt{SenderUser: 1, TargetUser: 2, SenderPK: [32]byte{1, 2, 3}},
		PubKeyRespExt{User: 2, PK: [32]byte{4, 5, 6}},
		MoveUserReqExt{User: 7, OldHome: 100},
	}
	for _, c := range cases {
		b, err := c.MarshalBinary()
		if err != nil {
			t.Fatalf("%T: marshal: %v", c, err)
		}
		dec, ok := newDecoderFor(c)
		if !ok {
			t.Fatalf("%T: no decoder registered in test", c)
		}
		if err := dec.UnmarshalBinary(b); err != nil {
			t.Fatalf("%T: unmarshal: %v", c, err)
		}
		if got := reflect.ValueOf(dec).Elem().Interface(); !reflect.DeepEqual(got, c) {
			t.Errorf("%T: round trip mismatch: got %+v, want %+v", c, got, c)
		}
	}
}

func TestDiffBroadcastInfoRoundTrip(t *testing.T) {
	e := DiffBroadcastInfoExt{
		Origin:     100,
		NumAdded:   2,
		NumRemoved: 1,
		Added:      []UserID{1, 2},
		Removed:    []UserID{3},
	}
	b, err := e.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var e2 DiffBroadcastInfoExt
	if err := e2.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e2.Origin != e.Origin || e2.NumAdded != e.NumAdded || e2.NumRemoved != e.NumRemoved {
		t.Fatalf("fixed fields mismatch: %+v vs %+v", e2, e)
	}
	if len(e2.Added) != 2 || e2.Added[0] != 1 || e2.Added[1] != 2 {
		t.Errorf("added mismatch: %v", e2.Added)
	}
	if len(e2.Removed) != 1 || e2.Removed[0] != 3 {
		t.Errorf("removed mismatch: %v", e2.Removed)
	}
}

func TestDiffBroadcastInfoEmptyDiff(t *testing.T) {
	e := DiffBroadcastInfoExt{Origin: 100}
	b, err := e.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != diffBroadcastInfoFixedSize {
		t.Fatalf("empty diff should be exactly the fixed size, got %d", len(b))
	}
}

func TestDiffBroadcastInfoShortBuffer(t *testing.T) {
	e := DiffBroadcastInfoExt{Origin: 100, NumAdded: 3, Added: []UserID{1, 2, 3}}
	b, _ := e.MarshalBinary()
	b = b[:diffBroadcastInfoFixedSize] // only the 8-byte fixed part, though NumAdded says 3
	var e2 DiffBroadcastInfoExt
	if err := e2.UnmarshalBinary(b); err == nil {
		t.Fatal("expected error when declared count exceeds buffer")
	}
}

func TestAssembleRejectsOversizedFrame(t *testing.T) {
	h := BaseHeader{Type: DATA}
	payload := make([]byte, MaxFrameSize)
	if _, err := Assemble(h, nil, payload); err == nil {
		t.Fatal("expected FrameTooLarge")
	}
}

func TestAssembleExactCapRoundTrips(t *testing.T) {
	h := BaseHeader{DestNode: 1, Type: DATA, HopCount: 1}
	ext := DataExt{FinalDst: 2, Origin: 1}
	extBytes, _ := ext.MarshalBinary()
	payload := make([]byte, MaxFrameSize-BaseHeaderSize-len(extBytes))
	for i := range payload {
		payload[i] = byte(i)
	}
	frame, err := Assemble(h, extBytes, payload)
	if err != nil {
		t.Fatalf("assemble at cap: %v", err)
	}
	if len(frame) != MaxFrameSize {
		t.Fatalf("expected exactly %d bytes, got %d", MaxFrameSize, len(frame))
	}

	gotH, rest, err := SplitFrame(frame)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if gotH != h {
		t.Errorf("header mismatch: %+v vs %+v", gotH, h)
	}
	var gotExt DataExt
	if err := gotExt.UnmarshalBinary(rest); err != nil {
		t.Fatalf("decode ext: %v", err)
	}
	if gotExt != ext {
		t.Errorf("ext mismatch: %+v vs %+v", gotExt, ext)
	}
	if !bytes.Equal(rest[dataExtSize:], payload) {
		t.Errorf("payload mismatch")
	}
}

func TestSplitFrameTooShort(t *testing.T) {
	if _, _, err := SplitFrame(make([]byte, BaseHeaderSize-1)); err == nil {
		t.Fatal("expected error for undersized frame")
	}
}

// newDecoderFor returns a fresh pointer of the same concrete type as v,
// implementing the UnmarshalBinary side used only by this test file.
func newDecoderFor(v interface{}) (interface {
	UnmarshalBinary([]byte) error
}, bool) {
	switch v.(type) {
	case RREQExt:
		return &RREQExt{}, true
	case RREPExt:
		return &RREPExt{}, true
	case RERRExt:
		return &RERRExt{}, true
	case ACKExt:
		return &ACKExt{}, true
	case DataExt:
		return &DataExt{}, true
	case UREQExt:
		return &UREQExt{}, true
	case UREPExt:
		return &UREPExt{}, true
	case UERRExt:
		return &UERRExt{}, true
	case UserMsgExt:
		return &UserMsgExt{}, true
	case PubKeyReqExt:
		return &PubKeyReqExt{}, true
	case PubKeyRespExt:
		return &PubKeyRespExt{}, true
	case MoveUserReqExt:
		return &MoveUserReqExt{}, true
	default:
		return nil, false
	}
}

func FuzzBaseHeaderRoundTrip(f *testing.F) {
	f.Add(uint32(100), uint32(200), uint32(300), uint32(42), uint8(RREQ), uint8(ReqAck), uint8(1), uint8(0))
	f.Fuzz(func(t *testing.T, dst, prev, origin, pid uint32, typ, flags, hops, rsvd uint8) {
		h := BaseHeader{
			DestNode: NodeID(dst),
			PrevHop:  NodeID(prev),
			Origin:   NodeID(origin),
			PacketID: PacketID(pid),
			Type:     PacketType(typ),
			Flags:    Flags(flags),
			HopCount: hops,
			Reserved: rsvd,
		}
		b, err := h.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var h2 BaseHeader
		if err := h2.UnmarshalBinary(b); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if h2 != h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", h2, h)
		}
	})
}
