// Package wire is the on-the-wire framing shared by netsend and
// netrecv: TransportMessageHeader{flag, len} followed by a
// tipsmsg.MessageHead and body, used on both the UDP multicast fast
// path and the TCP backup channel.
package wire

import (
	"encoding/binary"

	"github.com/hmbdc-dev/tips/tipsmsg"
)

// FrameHeaderSize is TransportMessageHeader's on-wire size: a flag
// byte plus a 16-bit payload length, prefixing every MessageWrap in a
// datagram or TCP frame.
const FrameHeaderSize = 3

// Frame flags.
const (
	FlagNone byte = 0
)

// EncodeFrame writes one TransportMessageHeader{flag, len} followed by
// head's 8 bytes and body into dst, returning the number of bytes
// written. dst must have at least FrameHeaderSize+8+len(body) bytes
// free.
func EncodeFrame(dst []byte, flag byte, head tipsmsg.MessageHead, body []byte) int {
	dst[0] = flag
	binary.LittleEndian.PutUint16(dst[1:3], uint16(tipsmsg.HeadSize+len(body)))
	head.Encode(dst[3 : 3+tipsmsg.HeadSize])
	copy(dst[3+tipsmsg.HeadSize:], body)
	return FrameHeaderSize + tipsmsg.HeadSize + len(body)
}

// DecodeFrame reads one frame from the front of src, returning the
// flag, head, body (a view into src, not copied) and the total bytes
// consumed. ok is false if src doesn't hold a complete frame.
func DecodeFrame(src []byte) (flag byte, head tipsmsg.MessageHead, body []byte, consumed int, ok bool) {
	if len(src) < FrameHeaderSize {
		return 0, tipsmsg.MessageHead{}, nil, 0, false
	}
	flag = src[0]
	payloadLen := int(binary.LittleEndian.Uint16(src[1:3]))
	total := FrameHeaderSize + payloadLen
	if len(src) < total || payloadLen < tipsmsg.HeadSize {
		return 0, tipsmsg.MessageHead{}, nil, 0, false
	}
	head = tipsmsg.DecodeMessageHead(src[FrameHeaderSize : FrameHeaderSize+tipsmsg.HeadSize])
	body = src[FrameHeaderSize+tipsmsg.HeadSize : FrameHeaderSize+payloadLen]
	return flag, head, body, total, true
}

// PackDatagram fills dst with back-to-back frames from msgs until
// either msgs is exhausted or the next frame would not fit. It returns
// the number of messages packed and bytes written.
func PackDatagram(dst []byte, heads []tipsmsg.MessageHead, bodies [][]byte) (packed, written int) {
	off := 0
	for i := range heads {
		need := FrameHeaderSize + tipsmsg.HeadSize + len(bodies[i])
		if off+need > len(dst) {
			break
		}
		n := EncodeFrame(dst[off:], FlagNone, heads[i], bodies[i])
		off += n
		packed++
	}
	return packed, off
}
