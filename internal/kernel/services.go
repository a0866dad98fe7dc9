package kernel

import "encoding/binary"

// System message types. The 0xFF000000–0xFFFFFFFF range is reserved for the
// runtime; user protocols pick types below it.
const (
	MsgTimer   MsgType = 0xFF000001
	MsgFDEvent MsgType = 0xFF000002
	MsgLog     MsgType = 0xFF000003

	MsgChildExit MsgType = 0xFF000010

	// Cross-node registry synchronization.
	MsgNameRegister   MsgType = 0xFF000012
	MsgNameUnregister MsgType = 0xFF000013
	MsgPathRegister   MsgType = 0xFF00001B
	MsgPathUnregister MsgType = 0xFF00001C

	// Capability advertisement.
	MsgCapsRequest MsgType = 0xFF00001D
	MsgCapsReply   MsgType = 0xFF00001E
)

// Fixed field widths of the registry payloads. Names are flat registry
// keys, paths are hierarchical namespace keys.
const (
	NameMaxLen = 64
	PathMaxLen = 128
)

// TimerPayload is carried by MsgTimer. Expirations is greater than one when
// a periodic timer overran.
type TimerPayload struct {
	ID          TimerID
	Expirations uint64
}

// EncodeTimerPayload packs a timer payload (4 + 8 bytes, big endian).
func EncodeTimerPayload(p TimerPayload) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:], uint32(p.ID))
	binary.BigEndian.PutUint64(buf[4:], p.Expirations)
	return buf
}

// DecodeTimerPayload unpacks a MsgTimer payload.
func DecodeTimerPayload(b []byte) (TimerPayload, bool) {
	if len(b) < 12 {
		return TimerPayload{}, false
	}
	return TimerPayload{
		ID:          TimerID(binary.BigEndian.Uint32(b[0:])),
		Expirations: binary.BigEndian.Uint64(b[4:]),
	}, true
}

// FDEventPayload is carried by MsgFDEvent.
type FDEventPayload struct {
	FD     int32
	Events uint32
}

// EncodeFDEventPayload packs an fd-event payload (4 + 4 bytes, big endian).
func EncodeFDEventPayload(p FDEventPayload) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:], uint32(p.FD))
	binary.BigEndian.PutUint32(buf[4:], p.Events)
	return buf
}

// DecodeFDEventPayload unpacks a MsgFDEvent payload.
func DecodeFDEventPayload(b []byte) (FDEventPayload, bool) {
	if len(b) < 8 {
		return FDEventPayload{}, false
	}
	return FDEventPayload{
		FD:     int32(binary.BigEndian.Uint32(b[0:])),
		Events: binary.BigEndian.Uint32(b[4:]),
	}, true
}

// ChildExitPayload is carried by MsgChildExit to the dead actor's parent.
type ChildExitPayload struct {
	ChildID ActorID
	Reason  ExitReason
}

// EncodeChildExitPayload packs a child-exit payload (8 + 1 bytes).
func EncodeChildExitPayload(p ChildExitPayload) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf[0:], uint64(p.ChildID))
	buf[8] = byte(p.Reason)
	return buf
}

// DecodeChildExitPayload unpacks a MsgChildExit payload.
func DecodeChildExitPayload(b []byte) (ChildExitPayload, bool) {
	if len(b) < 9 {
		return ChildExitPayload{}, false
	}
	return ChildExitPayload{
		ChildID: ActorID(binary.BigEndian.Uint64(b[0:])),
		Reason:  ExitReason(b[8]),
	}, true
}

// encodeKeyID packs a fixed-width NUL-padded key followed by an actor id.
// Used for both name (64-byte) and path (128-byte) registry payloads.
func encodeKeyID(key string, width int, id ActorID) []byte {
	buf := make([]byte, width+8)
	copy(buf, key)
	binary.BigEndian.PutUint64(buf[width:], uint64(id))
	return buf
}

func decodeKeyID(b []byte, width int) (string, ActorID, bool) {
	if len(b) < width+8 {
		return "", ActorIDInvalid, false
	}
	return cString(b[:width]), ActorID(binary.BigEndian.Uint64(b[width:])), true
}

func encodeKey(key string, width int) []byte {
	buf := make([]byte, width)
	copy(buf, key)
	return buf
}

func decodeKey(b []byte, width int) (string, bool) {
	if len(b) < width {
		return "", false
	}
	return cString(b[:width]), true
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// EncodeNameRegister packs a MsgNameRegister payload.
func EncodeNameRegister(name string, id ActorID) []byte {
	return encodeKeyID(name, NameMaxLen, id)
}

// DecodeNameRegister unpacks a MsgNameRegister payload.
func DecodeNameRegister(b []byte) (string, ActorID, bool) {
	return decodeKeyID(b, NameMaxLen)
}

// EncodeNameUnregister packs a MsgNameUnregister payload.
func EncodeNameUnregister(name string) []byte { return encodeKey(name, NameMaxLen) }

// DecodeNameUnregister unpacks a MsgNameUnregister payload.
func DecodeNameUnregister(b []byte) (string, bool) { return decodeKey(b, NameMaxLen) }

// EncodePathRegister packs a MsgPathRegister payload.
func EncodePathRegister(path string, id ActorID) []byte {
	return encodeKeyID(path, PathMaxLen, id)
}

// DecodePathRegister unpacks a MsgPathRegister payload.
func DecodePathRegister(b []byte) (string, ActorID, bool) {
	return decodeKeyID(b, PathMaxLen)
}

// EncodePathUnregister packs a MsgPathUnregister payload.
func EncodePathUnregister(path string) []byte { return encodeKey(path, PathMaxLen) }

// DecodePathUnregister unpacks a MsgPathUnregister payload.
func DecodePathUnregister(b []byte) (string, bool) { return decodeKey(b, PathMaxLen) }
