// Package wire implements the block fabric's TCP framing: fixed-size
// request/reply headers plus a tagged variable-length payload
// serializer, with endianness normalization for big-endian hosts.
package wire

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
)

// Magic identifies a block fabric frame on the wire.
const Magic uint16 = 0x7319

// Command is the request/reply opcode carried in every header.
type Command uint16

// Recognized commands.
const (
	CmdGetBlock Command = iota + 1
	CmdSelectImage
	CmdGetServers
	CmdLatestRid
	CmdKeepalive
	CmdError
)

func (c Command) String() string {
	switch c {
	case CmdGetBlock:
		return "GET_BLOCK"
	case CmdSelectImage:
		return "SELECT_IMAGE"
	case CmdGetServers:
		return "GET_SERVERS"
	case CmdLatestRid:
		return "LATEST_RID"
	case CmdKeepalive:
		return "KEEPALIVE"
	case CmdError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// RequestHeaderSize is the on-wire size of a RequestHeader.
const RequestHeaderSize = 24

// ReplyHeaderSize is the on-wire size of a ReplyHeader.
const ReplyHeaderSize = 16

// RequestHeader is sent client -> server. All integers are
// little-endian on the wire; Encode and Decode convert explicitly, so
// decoded values are host-native on every host.
type RequestHeader struct {
	Magic  uint16
	Cmd    Command
	Size   uint32
	Handle uint64
	Offset uint64
}

// ReplyHeader is sent server -> client.
type ReplyHeader struct {
	Magic  uint16
	Cmd    Command
	Size   uint32
	Handle uint64
}

var errShortBuffer = errors.New("wire: buffer too short for header")

// ErrBadMagic is returned by Decode when the magic field doesn't
// match Magic, whether or not it matches the byte-swapped value.
var ErrBadMagic = errors.New("wire: bad magic")

// Encode writes h into buf (which must be at least RequestHeaderSize
// bytes) in little-endian wire order.
func (h *RequestHeader) Encode(buf []byte) error {
	if len(buf) < RequestHeaderSize {
		return errShortBuffer
	}
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Cmd))
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
	binary.LittleEndian.PutUint64(buf[8:16], h.Handle)
	binary.LittleEndian.PutUint64(buf[16:24], h.Offset)
	return nil
}

// Decode parses a RequestHeader out of buf.
func (h *RequestHeader) Decode(buf []byte) error {
	if len(buf) < RequestHeaderSize {
		return errShortBuffer
	}
	h.Magic = binary.LittleEndian.Uint16(buf[0:2])
	h.Cmd = Command(binary.LittleEndian.Uint16(buf[2:4]))
	h.Size = binary.LittleEndian.Uint32(buf[4:8])
	h.Handle = binary.LittleEndian.Uint64(buf[8:16])
	h.Offset = binary.LittleEndian.Uint64(buf[16:24])
	if h.Magic != Magic {
		return ErrBadMagic
	}
	return nil
}

// Encode writes h into buf in little-endian wire order.
func (h *ReplyHeader) Encode(buf []byte) error {
	if len(buf) < ReplyHeaderSize {
		return errShortBuffer
	}
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Cmd))
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
	binary.LittleEndian.PutUint64(buf[8:16], h.Handle)
	return nil
}

// Decode parses a ReplyHeader out of buf.
func (h *ReplyHeader) Decode(buf []byte) error {
	if len(buf) < ReplyHeaderSize {
		return errShortBuffer
	}
	h.Magic = binary.LittleEndian.Uint16(buf[0:2])
	h.Cmd = Command(binary.LittleEndian.Uint16(buf[2:4]))
	h.Size = binary.LittleEndian.Uint32(buf[4:8])
	h.Handle = binary.LittleEndian.Uint64(buf[8:16])
	if h.Magic != Magic {
		return ErrBadMagic
	}
	return nil
}

// hostIsBigEndian is resolved once at init via the same unsafe trick
// used to decide whether fixup is a no-op.
var hostIsBigEndian = func() bool {
	var x uint16 = 1
	return *(*byte)(unsafe.Pointer(&x)) == 0
}()

// FixupRequest byte-swaps every field of a RequestHeader on
// big-endian hosts and is a no-op on little-endian ones. It is for
// headers whose fields hold raw little-endian wire values; a header
// produced by Decode is already host-native and must not be passed
// through it.
func FixupRequest(h *RequestHeader) {
	if !hostIsBigEndian {
		return
	}
	h.Magic = swap16(h.Magic)
	h.Cmd = Command(swap16(uint16(h.Cmd)))
	h.Size = swap32(h.Size)
	h.Handle = swap64(h.Handle)
	h.Offset = swap64(h.Offset)
}

// FixupReply is FixupRequest's counterpart for reply headers.
func FixupReply(h *ReplyHeader) {
	if !hostIsBigEndian {
		return
	}
	h.Magic = swap16(h.Magic)
	h.Cmd = Command(swap16(uint16(h.Cmd)))
	h.Size = swap32(h.Size)
	h.Handle = swap64(h.Handle)
}

func swap16(v uint16) uint16 { return v<<8 | v>>8 }
func swap32(v uint32) uint32 {
	return v<<24 | (v&0xFF00)<<8 | (v&0xFF0000)>>8 | v>>24
}
func swap64(v uint64) uint64 {
	return uint64(swap32(uint32(v>>32))) | uint64(swap32(uint32(v)))<<32
}
