package wire

import (
	"encoding/binary"
	"fmt"
)

// PubKeySize is the size, in bytes, of a cached public key.
const PubKeySize = 32

// RREQExt is the RREQ extension header (4 bytes): the node we want a route to.
type RREQExt struct {
	Target NodeID
}

const rreqExtSize = 4

func (e RREQExt) MarshalBinary() ([]byte, error) {
	b := make([]byte, rreqExtSize)
	binary.LittleEndian.PutUint32(b, uint32(e.Target))
	return b, nil
}

func (e *RREQExt) UnmarshalBinary(b []byte) error {
	if len(b) < rreqExtSize {
		return fmt.Errorf("%w: RREQ needs %d bytes, got %d", ErrMalformedHeader, rreqExtSize, len(b))
	}
	e.Target = NodeID(binary.LittleEndian.Uint32(b))
	return nil
}

// RREPExt is the RREP extension header (7 bytes).
type RREPExt struct {
	Target   NodeID
	Lifetime uint16
	NumHops  uint8
}

const rrepExtSize = 7

func (e RREPExt) MarshalBinary() ([]byte, error) {
	b := make([]byte, rrepExtSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.Target))
	binary.LittleEndian.PutUint16(b[4:6], e.Lifetime)
	b[6] = e.NumHops
	return b, nil
}

func (e *RREPExt) UnmarshalBinary(b []byte) error {
	if len(b) < rrepExtSize {
		return fmt.Errorf("%w: RREP needs %d bytes, got %d", ErrMalformedHeader, rrepExtSize, len(b))
	}
	e.Target = NodeID(binary.LittleEndian.Uint32(b[0:4]))
	e.Lifetime = binary.LittleEndian.Uint16(b[4:6])
	e.NumHops = b[6]
	return nil
}

// RERRExt is the RERR extension header (20 bytes).
type RERRExt struct {
	Reporter    NodeID
	Broken      NodeID
	OriginalDst NodeID
	OriginalPid PacketID
	Origin      NodeID
}

const rerrExtSize = 20

func (e RERRExt) MarshalBinary() ([]byte, error) {
	b := make([]byte, rerrExtSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.Reporter))
	binary.LittleEndian.PutUint32(b[4:8], uint32(e.Broken))
	binary.LittleEndian.PutUint32(b[8:12], uint32(e.OriginalDst))
	binary.LittleEndian.PutUint32(b[12:16], uint32(e.OriginalPid))
	binary.LittleEndian.PutUint32(b[16:20], uint32(e.Origin))
	return b, nil
}

func (e *RERRExt) UnmarshalBinary(b []byte) error {
	if len(b) < rerrExtSize {
		return fmt.Errorf("%w: RERR needs %d bytes, got %d", ErrMalformedHeader, rerrExtSize, len(b))
	}
	e.Reporter = NodeID(binary.LittleEndian.Uint32(b[0:4]))
	e.Broken = NodeID(binary.LittleEndian.Uint32(b[4:8]))
	e.OriginalDst = NodeID(binary.LittleEndian.Uint32(b[8:12]))
	e.OriginalPid = PacketID(binary.LittleEndian.Uint32(b[12:16]))
	e.Origin = NodeID(binary.LittleEndian.Uint32(b[16:20]))
	return nil
}

// ACKExt is the ACK extension header (4 bytes).
type ACKExt struct {
	OriginalPacketID PacketID
}

const ackExtSize = 4

func (e ACKExt) MarshalBinary() ([]byte, error) {
	b := make([]byte, ackExtSize)
	binary.LittleEndian.PutUint32(b, uint32(e.OriginalPacketID))
	return b, nil
}

func (e *ACKExt) UnmarshalBinary(b []byte) error {
	if len(b) < ackExtSize {
		return fmt.Errorf("%w: ACK needs %d bytes, got %d", ErrMalformedHeader, ackExtSize, len(b))
	}
	e.OriginalPacketID = PacketID(binary.LittleEndian.Uint32(b))
	return nil
}

// DataExt is the DATA extension header (8 bytes).
type DataExt struct {
	FinalDst NodeID
	Origin   NodeID
}

const dataExtSize = 8

func (e DataExt) MarshalBinary() ([]byte, error) {
	b := make([]byte, dataExtSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.FinalDst))
	binary.LittleEndian.PutUint32(b[4:8], uint32(e.Origin))
	return b, nil
}

func (e *DataExt) UnmarshalBinary(b []byte) error {
	if len(b) < dataExtSize {
		return fmt.Errorf("%w: DATA needs %d bytes, got %d", ErrMalformedHeader, dataExtSize, len(b))
	}
	e.FinalDst = NodeID(binary.LittleEndian.Uint32(b[0:4]))
	e.Origin = NodeID(binary.LittleEndian.Uint32(b[4:8]))
	return nil
}

// DiffBroadcastInfoExt is the BROADCAST_INFO extension header, followed by
// NumAdded then NumRemoved 4-byte user-ids.
type DiffBroadcastInfoExt struct {
	Origin     NodeID
	NumAdded   uint16
	NumRemoved uint16
	Added      []UserID
	Removed    []UserID
}

const diffBroadcastInfoFixedSize = 8

func (e DiffBroadcastInfoExt) MarshalBinary() ([]byte, error) {
	if int(e.NumAdded) != len(e.Added) || int(e.NumRemoved) != len(e.Removed) {
		return nil, fmt.Errorf("wire: DiffBroadcastInfoExt counts do not match slice lengths")
	}
	b := make([]byte, diffBroadcastInfoFixedSize+4*len(e.Added)+4*len(e.Removed))
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.Origin))
	binary.LittleEndian.PutUint16(b[4:6], e.NumAdded)
	binary.LittleEndian.PutUint16(b[6:8], e.NumRemoved)
	o := diffBroadcastInfoFixedSize
	for _, u := range e.Added {
		binary.LittleEndian.PutUint32(b[o:o+4], uint32(u))
		o += 4
	}
	for _, u := range e.Removed {
		binary.LittleEndian.PutUint32(b[o:o+4], uint32(u))
		o += 4
	}
	return b, nil
}

func (e *DiffBroadcastInfoExt) UnmarshalBinary(b []byte) error {
	if len(b) < diffBroadcastInfoFixedSize {
		return fmt.Errorf("%w: BROADCAST_INFO needs %d bytes, got %d", ErrMalformedHeader, diffBroadcastInfoFixedSize, len(b))
	}
	e.Origin = NodeID(binary.LittleEndian.Uint32(b[0:4]))
	e.NumAdded = binary.LittleEndian.Uint16(b[4:6])
	e.NumRemoved = binary.LittleEndian.Uint16(b[6:8])
	need := diffBroadcastInfoFixedSize + 4*int(e.NumAdded) + 4*int(e.NumRemoved)
	if len(b) < need {
		return fmt.Errorf("%w: BROADCAST_INFO needs %d bytes for %d+%d users, got %d", ErrMalformedHeader, need, e.NumAdded, e.NumRemoved, len(b))
	}
	o := diffBroadcastInfoFixedSize
	e.Added = make([]UserID, e.NumAdded)
	for i := range e.Added {
		e.Added[i] = UserID(binary.LittleEndian.Uint32(b[o : o+4]))
		o += 4
	}
	e.Removed = make([]UserID, e.NumRemoved)
	for i := range e.Removed {
		e.Removed[i] = UserID(binary.LittleEndian.Uint32(b[o : o+4]))
		o += 4
	}
	return nil
}

// UREQExt is the UREQ extension header (8 bytes).
type UREQExt struct {
	Origin NodeID
	User   UserID
}

const ureqExtSize = 8

func (e UREQExt) MarshalBinary() ([]byte, error) {
	b := make([]byte, ureqExtSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.Origin))
	binary.LittleEndian.PutUint32(b[4:8], uint32(e.User))
	return b, nil
}

func (e *UREQExt) UnmarshalBinary(b []byte) error {
	if len(b) < ureqExtSize {
		return fmt.Errorf("%w: UREQ needs %d bytes, got %d", ErrMalformedHeader, ureqExtSize, len(b))
	}
	e.Origin = NodeID(binary.LittleEndian.Uint32(b[0:4]))
	e.User = UserID(binary.LittleEndian.Uint32(b[4:8]))
	return nil
}

// UREPExt is the UREP extension header (15 bytes).
type UREPExt struct {
	Origin   NodeID
	Home     NodeID
	User     UserID
	Lifetime uint16
	NumHops  uint8
}

const urepExtSize = 15

func (e UREPExt) MarshalBinary() ([]byte, error) {
	b := make([]byte, urepExtSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.Origin))
	binary.LittleEndian.PutUint32(b[4:8], uint32(e.Home))
	binary.LittleEndian.PutUint32(b[8:12], uint32(e.User))
	binary.LittleEndian.PutUint16(b[12:14], e.Lifetime)
	b[14] = e.NumHops
	return b, nil
}

func (e *UREPExt) UnmarshalBinary(b []byte) error {
	if len(b) < urepExtSize {
		return fmt.Errorf("%w: UREP needs %d bytes, got %d", ErrMalformedHeader, urepExtSize, len(b))
	}
	e.Origin = NodeID(binary.LittleEndian.Uint32(b[0:4]))
	e.Home = NodeID(binary.LittleEndian.Uint32(b[4:8]))
	e.User = UserID(binary.LittleEndian.Uint32(b[8:12]))
	e.Lifetime = binary.LittleEndian.Uint16(b[12:14])
	e.NumHops = b[14]
	return nil
}

// UERRExt is the UERR extension header (16 bytes).
type UERRExt struct {
	User        UserID
	Home        NodeID
	Origin      NodeID
	OriginalPid PacketID
}

const uerrExtSize = 16

func (e UERRExt) MarshalBinary() ([]byte, error) {
	b := make([]byte, uerrExtSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.User))
	binary.LittleEndian.PutUint32(b[4:8], uint32(e.Home))
	binary.LittleEndian.PutUint32(b[8:12], uint32(e.Origin))
	binary.LittleEndian.PutUint32(b[12:16], uint32(e.OriginalPid))
	return b, nil
}

func (e *UERRExt) UnmarshalBinary(b []byte) error {
	if len(b) < uerrExtSize {
		return fmt.Errorf("%w: UERR needs %d bytes, got %d", ErrMalformedHeader, uerrExtSize, len(b))
	}
	e.User = UserID(binary.LittleEndian.Uint32(b[0:4]))
	e.Home = NodeID(binary.LittleEndian.Uint32(b[4:8]))
	e.Origin = NodeID(binary.LittleEndian.Uint32(b[8:12]))
	e.OriginalPid = PacketID(binary.LittleEndian.Uint32(b[12:16]))
	return nil
}

// UserMsgExt is the USER_MSG extension header (16 bytes).
type UserMsgExt struct {
	FromUser UserID
	ToUser   UserID
	ToNode   NodeID
	Origin   NodeID
}

const userMsgExtSize = 16

func (e UserMsgExt) MarshalBinary() ([]byte, error) {
	b := make([]byte, userMsgExtSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.FromUser))
	binary.LittleEndian.PutUint32(b[4:8], uint32(e.ToUser))
	binary.LittleEndian.PutUint32(b[8:12], uint32(e.ToNode))
	binary.LittleEndian.PutUint32(b[12:16], uint32(e.Origin))
	return b, nil
}

func (e *UserMsgExt) UnmarshalBinary(b []byte) error {
	if len(b) < userMsgExtSize {
		return fmt.Errorf("%w: USER_MSG needs %d bytes, got %d", ErrMalformedHeader, userMsgExtSize, len(b))
	}
	e.FromUser = UserID(binary.LittleEndian.Uint32(b[0:4]))
	e.ToUser = UserID(binary.LittleEndian.Uint32(b[4:8]))
	e.ToNode = NodeID(binary.LittleEndian.Uint32(b[8:12]))
	e.Origin = NodeID(binary.LittleEndian.Uint32(b[12:16]))
	return nil
}

// PubKeyReqExt is the PUBKEY_REQ extension header (40 bytes).
type PubKeyReqExt struct {
	SenderUser UserID
	TargetUser UserID
	SenderPK   [PubKeySize]byte
}

const pubKeyReqExtSize = 4 + 4 + PubKeySize

func (e PubKeyReqExt) MarshalBinary() ([]byte, error) {
	b := make([]byte, pubKeyReqExtSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.SenderUser))
	binary.LittleEndian.PutUint32(b[4:8], uint32(e.TargetUser))
	copy(b[8:8+PubKeySize], e.SenderPK[:])
	return b, nil
}

func (e *PubKeyReqExt) UnmarshalBinary(b []byte) error {
	if len(b) < pubKeyReqExtSize {
		return fmt.Errorf("%w: PUBKEY_REQ needs %d bytes, got %d", ErrMalformedHeader, pubKeyReqExtSize, len(b))
	}
	e.SenderUser = UserID(binary.LittleEndian.Uint32(b[0:4]))
	e.TargetUser = UserID(binary.LittleEndian.Uint32(b[4:8]))
	copy(e.SenderPK[:], b[8:8+PubKeySize])
	return nil
}

// PubKeyRespExt is the PUBKEY_RESP extension header (36 bytes).
type PubKeyRespExt struct {
	User UserID
	PK   [PubKeySize]byte
}

const pubKeyRespExtSize = 4 + PubKeySize

func (e PubKeyRespExt) MarshalBinary() ([]byte, error) {
	b := make([]byte, pubKeyRespExtSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.User))
	copy(b[4:4+PubKeySize], e.PK[:])
	return b, nil
}

func (e *PubKeyRespExt) UnmarshalBinary(b []byte) error {
	if len(b) < pubKeyRespExtSize {
		return fmt.Errorf("%w: PUBKEY_RESP needs %d bytes, got %d", ErrMalformedHeader, pubKeyRespExtSize, len(b))
	}
	e.User = UserID(binary.LittleEndian.Uint32(b[0:4]))
	copy(e.PK[:], b[4:4+PubKeySize])
	return nil
}

// MoveUserReqExt is the MOVE_USER_REQ extension header (8 bytes).
type MoveUserReqExt struct {
	User    UserID
	OldHome NodeID
}

const moveUserReqExtSize = 8

func (e MoveUserReqExt) MarshalBinary() ([]byte, error) {
	b := make([]byte, moveUserReqExtSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.User))
	binary.LittleEndian.PutUint32(b[4:8], uint32(e.OldHome))
	return b, nil
}

func (e *MoveUserReqExt) UnmarshalBinary(b []byte) error {
	if len(b) < moveUserReqExtSize {
		return fmt.Errorf("%w: MOVE_USER_REQ needs %d bytes, got %d", ErrMalformedHeader, moveUserReqExtSize, len(b))
	}
	e.User = UserID(binary.LittleEndian.Uint32(b[0:4]))
	e.OldHome = NodeID(binary.LittleEndian.Uint32(b[4:8]))
	return nil
}
