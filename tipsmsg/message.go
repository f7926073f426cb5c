// Package tipsmsg defines the wire-level message shapes shared by every
// TIPS transport: the fixed 8-byte head, the generic wrap around a typed
// payload, and the reserved system tag ranges.
package tipsmsg

import "encoding/binary"

// HeadSize is the fixed, little-endian on-wire size of MessageHead: a
// 6-byte scratchpad followed by the 2-byte type tag.
const HeadSize = 8

// MaxSystemTag is the highest tag reserved for system messages. Tags at
// or below this value must not be used by application message types.
const MaxSystemTag = 999

// System tags used on the wire.
const (
	TagFlush                     uint16 = 1
	TagSessionStarted            uint16 = 454
	TagSessionStartedAlt         uint16 = 554
	TagSessionDropped            uint16 = 455
	TagSessionDroppedAlt         uint16 = 555
	TagSeqAlert                  uint16 = 456
	TagSeqAlertAlt               uint16 = 556
	TagStartMemorySegTrain       uint16 = 5
	TagMemorySeg                 uint16 = 6
	TagInBandHasMemoryAttachment uint16 = 7
	TagInBandMemorySeg           uint16 = 8
	TagTypeTagBackupSource       uint16 = 453
	TagTypeTagBackupSourceAlt    uint16 = 553
)

// FlagHasAttachment is reserved for transport use: the IPC transport
// sets it on a committed ring slot whose body is a 4-byte attachment
// pool handle rather than raw message bytes. Applications using the
// scratchpad's flags interpretation must leave this bit clear, or a
// 4-byte payload could be mis-read as a pool handle on the consuming
// side.
const FlagHasAttachment byte = 0x01

// seq48Sentinel is the 48-bit "no sequence" marker used for system
// broadcasts that don't participate in gap repair.
const seq48Sentinel = 0x0000FFFFFFFFFFFF

// seq48Mask keeps arithmetic on the scratchpad's 48-bit sequence field
// confined to its wire width; the Go-side value stays a full uint64 and
// is truncated only at the wire.
const seq48Mask = 0x0000FFFFFFFFFFFF

// MessageHead is the fixed 8-byte header prefixing every wrapped
// message. The 6-byte Scratch region is reused in mutually exclusive
// ways depending on which component produced the message: a 48-bit
// sequence number, a {source_pid, inband_underlying_tag} pair, or a
// flags byte plus padding. Callers must only use the accessor matching
// their context; nothing here enforces which interpretation is active.
type MessageHead struct {
	Scratch [6]byte
	TypeTag uint16
}

// NewMessageHead builds a head for the given application type tag with a
// zeroed scratchpad.
func NewMessageHead(tag uint16) MessageHead {
	return MessageHead{TypeTag: tag}
}

// Seq48 interprets the scratchpad as a 48-bit sequence number.
func (h MessageHead) Seq48() uint64 {
	b := h.Scratch
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
		uint64(b[3])<<24 | uint64(b[4])<<32 | uint64(b[5])<<40
}

// SetSeq48 writes a 48-bit sequence number into the scratchpad, masking
// off any bits above bit 47.
func (h *MessageHead) SetSeq48(seq uint64) {
	seq &= seq48Mask
	h.Scratch[0] = byte(seq)
	h.Scratch[1] = byte(seq >> 8)
	h.Scratch[2] = byte(seq >> 16)
	h.Scratch[3] = byte(seq >> 24)
	h.Scratch[4] = byte(seq >> 32)
	h.Scratch[5] = byte(seq >> 40)
}

// HasNoSeq reports whether the scratchpad carries the "no sequence"
// sentinel used by system broadcasts.
func (h MessageHead) HasNoSeq() bool {
	return h.Seq48() == seq48Sentinel
}

// SetNoSeq marks the scratchpad as carrying no sequence number.
func (h *MessageHead) SetNoSeq() {
	h.SetSeq48(seq48Sentinel)
}

// SourcePID interprets the first four scratchpad bytes as a source
// process id, used by in-band attachment headers.
func (h MessageHead) SourcePID() uint32 {
	return binary.LittleEndian.Uint32(h.Scratch[0:4])
}

// SetSourcePID writes a source process id into the scratchpad's leading
// four bytes; the two trailing bytes are free for InbandTag.
func (h *MessageHead) SetSourcePID(pid uint32) {
	binary.LittleEndian.PutUint32(h.Scratch[0:4], pid)
}

// InbandTag interprets the scratchpad's trailing two bytes as the
// underlying tag an in-band attachment message is carrying for.
func (h MessageHead) InbandTag() uint16 {
	return binary.LittleEndian.Uint16(h.Scratch[4:6])
}

// SetInbandTag writes the underlying tag into the scratchpad's trailing
// two bytes.
func (h *MessageHead) SetInbandTag(tag uint16) {
	binary.LittleEndian.PutUint16(h.Scratch[4:6], tag)
}

// Flags interprets the scratchpad's first byte as a flags field; the
// remaining five bytes are padding in this context. Bit 0x01
// (FlagHasAttachment) is reserved for transport use.
func (h MessageHead) Flags() byte {
	return h.Scratch[0]
}

// SetFlags writes a flags byte into the scratchpad, leaving the rest
// zeroed.
func (h *MessageHead) SetFlags(flags byte) {
	h.Scratch = [6]byte{flags}
}

// Encode writes the head in its 8-byte little-endian wire layout into
// dst, which must have at least HeadSize bytes available.
func (h MessageHead) Encode(dst []byte) {
	_ = dst[HeadSize-1]
	copy(dst[0:6], h.Scratch[:])
	binary.LittleEndian.PutUint16(dst[6:8], h.TypeTag)
}

// DecodeMessageHead reads a head from its 8-byte little-endian wire
// layout.
func DecodeMessageHead(src []byte) MessageHead {
	var h MessageHead
	copy(h.Scratch[:], src[0:6])
	h.TypeTag = binary.LittleEndian.Uint16(src[6:8])
	return h
}

// MessageWrap pairs a MessageHead with a trivially-copyable payload of
// type T. The ring buffer stores wrapped messages in fixed-size slots
// sized to the largest subscribed payload for a given domain.
type MessageWrap[T any] struct {
	Head    MessageHead
	Payload T
}

// NewMessageWrap wraps a payload under the given type tag.
func NewMessageWrap[T any](tag uint16, payload T) MessageWrap[T] {
	return MessageWrap[T]{Head: NewMessageHead(tag), Payload: payload}
}

// WireCodec is implemented by message payloads that need custom framing
// instead of a flat binary.Write of their struct value (variable-length
// attachments, strings, etc).
type WireCodec interface {
	EncodeWire() ([]byte, error)
	DecodeWire([]byte) error
}

// Attachment marks a payload as carrying an out-of-band byte region.
// The cleanup callback runs exactly once when the last in-process
// holder and the last outbound transmission have both released it.
type Attachment struct {
	Ptr              []byte
	Len              int
	Cleanup          func()
	ClientScratchpad [16]byte
}

// HasAttachment is implemented by message payloads carrying an
// Attachment, letting generic transport code find it without a type
// switch over every concrete payload type.
type HasAttachment interface {
	GetAttachment() *Attachment
}

// TrivialPayload is implemented by payload types that assert they are
// trivially destructible and therefore legal to cross a process or host
// boundary. Types that don't implement it are assumed in-process-only.
type TrivialPayload interface {
	TriviallyDestructible() bool
}

// RangedMessage is implemented by runtime-tagged message types that
// claim a contiguous tag range and pick their own offset at
// construction.
type RangedMessage interface {
	BaseTag() uint16
	RangeSize() uint16
	Offset() uint16
}

// ResolvedTag returns the concrete tag for either a statically tagged
// message (tag returned as-is) or a ranged message (base+offset).
func ResolvedTag(staticTag uint16, r RangedMessage) uint16 {
	if r == nil {
		return staticTag
	}
	return r.BaseTag() + r.Offset()
}
