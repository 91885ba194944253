package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Frame is the decoded, in-memory representation of one wire frame.
// Only the fields relevant to its Type are meaningful; see §3 of the
// protocol description for the per-kind fixed fields.
type Frame struct {
	Type     Type
	Flags    Flags
	StreamID uint32

	// SETUP fields.
	SetupVersion           uint32
	SetupKeepaliveMS       uint32
	SetupMaxLifetimeMS     uint32
	SetupMetadataEncoding  string
	SetupDataEncoding      string

	// LEASE fields.
	LeaseTTL    uint32
	LeaseBudget uint32

	// ERROR fields.
	ErrorCode ErrorCode

	Metadata []byte // present iff Flags.Has(FlagMetadata)
	Data     []byte
}

var (
	// ErrTruncated indicates the buffer does not yet hold a complete frame;
	// callers should retain it and retry once more bytes arrive.
	ErrTruncated = errors.New("frame: truncated")
	// ErrMalformedHeader indicates a header that cannot possibly be valid;
	// this is connection-fatal.
	ErrMalformedHeader = errors.New("frame: malformed header")
	ErrUnknownType     = errors.New("frame: unknown or unsupported type")
)

// Encode serializes f into a freshly allocated, wire-ready byte slice.
func Encode(f *Frame) ([]byte, error) {
	head, tail, err := EncodeSplit(f)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(head)+len(tail))
	copy(buf, head)
	copy(buf[len(head):], tail)
	return buf, nil
}

// EncodeSplit serializes f into two slices suitable for a vectorised write:
// head (the 12-byte header, kind-specific fixed fields, and the optional
// metadata block) and tail (the data payload). Callers that can write both
// buffers in one syscall avoid copying a potentially large data payload
// into a single contiguous frame buffer, unlike Encode.
func EncodeSplit(f *Frame) (head, tail []byte, err error) {
	fixed, err := encodeFixed(f)
	if err != nil {
		return nil, nil, err
	}

	flags := f.Flags &^ FlagMetadata
	var metaBlock []byte
	if f.Metadata != nil {
		flags |= FlagMetadata
		metaLen := uint32(4 + len(f.Metadata))
		metaBlock = make([]byte, 4, 4+len(f.Metadata))
		binary.BigEndian.PutUint32(metaBlock, metaLen)
		metaBlock = append(metaBlock, f.Metadata...)
	}

	total := HeaderSize + len(fixed) + len(metaBlock) + len(f.Data)
	head = make([]byte, HeaderSize+len(fixed)+len(metaBlock))
	binary.BigEndian.PutUint32(head[0:4], uint32(total))
	binary.BigEndian.PutUint16(head[4:6], uint16(f.Type))
	binary.BigEndian.PutUint16(head[6:8], uint16(flags))
	binary.BigEndian.PutUint32(head[8:12], f.StreamID)
	off := HeaderSize
	off += copy(head[off:], fixed)
	copy(head[off:], metaBlock)

	return head, f.Data, nil
}

// encodeFixed returns the kind-specific fixed-field bytes that follow the
// 12-byte header, before the optional metadata/data blocks.
func encodeFixed(f *Frame) ([]byte, error) {
	switch f.Type {
	case TypeSetup:
		metaEnc := f.SetupMetadataEncoding
		if metaEnc == "" {
			metaEnc = DefaultEncoding
		}
		dataEnc := f.SetupDataEncoding
		if dataEnc == "" {
			dataEnc = DefaultEncoding
		}
		if len(metaEnc) > 255 || len(dataEnc) > 255 {
			return nil, errors.New("frame: encoding name too long")
		}
		buf := make([]byte, 12+1+len(metaEnc)+1+len(dataEnc))
		binary.BigEndian.PutUint32(buf[0:4], f.SetupVersion)
		binary.BigEndian.PutUint32(buf[4:8], f.SetupKeepaliveMS)
		binary.BigEndian.PutUint32(buf[8:12], f.SetupMaxLifetimeMS)
		off := 12
		buf[off] = byte(len(metaEnc))
		off++
		off += copy(buf[off:], metaEnc)
		buf[off] = byte(len(dataEnc))
		off++
		copy(buf[off:], dataEnc)
		return buf, nil
	case TypeLease:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint32(buf[0:4], f.LeaseTTL)
		binary.BigEndian.PutUint32(buf[4:8], f.LeaseBudget)
		return buf, nil
	case TypeError:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(f.ErrorCode))
		return buf, nil
	case TypeRequestResponse, TypeRequestFNF, TypeRequestStream, TypeRequestSub,
		TypeRequestChannel, TypeRequestN, TypeCancel, TypeResponse, TypeKeepalive,
		TypeMetadataPush, TypeNext, TypeComplete, TypeNextComplete, TypeExt:
		return nil, nil
	default:
		return nil, ErrUnknownType
	}
}

// Decode parses one complete wire frame (exactly `length` bytes, the value
// read from its own length prefix) out of buf. buf must hold exactly one
// frame; the Framer is responsible for splitting the byte stream into such
// slices.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTruncated
	}

	total := binary.BigEndian.Uint32(buf[0:4])
	if int(total) != len(buf) {
		return nil, ErrMalformedHeader
	}

	f := &Frame{
		Type:     Type(binary.BigEndian.Uint16(buf[4:6])),
		Flags:    Flags(binary.BigEndian.Uint16(buf[6:8])),
		StreamID: binary.BigEndian.Uint32(buf[8:12]),
	}

	rest := buf[HeaderSize:]
	rest, err := decodeFixed(f, rest)
	if err != nil {
		return nil, err
	}

	if f.Flags.Has(FlagMetadata) {
		if len(rest) < 4 {
			return nil, ErrMalformedHeader
		}
		metaLen := binary.BigEndian.Uint32(rest[0:4])
		if metaLen < 4 || int(metaLen)-4 > len(rest)-4 {
			return nil, ErrMalformedHeader
		}
		f.Metadata = append([]byte(nil), rest[4:metaLen]...)
		rest = rest[metaLen:]
	}

	if len(rest) > 0 {
		f.Data = append([]byte(nil), rest...)
	}

	return f, nil
}

func decodeFixed(f *Frame, rest []byte) ([]byte, error) {
	switch f.Type {
	case TypeSetup:
		if len(rest) < 12+1 {
			return nil, ErrMalformedHeader
		}
		f.SetupVersion = binary.BigEndian.Uint32(rest[0:4])
		f.SetupKeepaliveMS = binary.BigEndian.Uint32(rest[4:8])
		f.SetupMaxLifetimeMS = binary.BigEndian.Uint32(rest[8:12])
		off := 12
		metaLen := int(rest[off])
		off++
		if len(rest) < off+metaLen+1 {
			return nil, ErrMalformedHeader
		}
		f.SetupMetadataEncoding = string(rest[off : off+metaLen])
		off += metaLen
		dataLen := int(rest[off])
		off++
		if len(rest) < off+dataLen {
			return nil, ErrMalformedHeader
		}
		f.SetupDataEncoding = string(rest[off : off+dataLen])
		off += dataLen
		return rest[off:], nil
	case TypeLease:
		if len(rest) < 8 {
			return nil, ErrMalformedHeader
		}
		f.LeaseTTL = binary.BigEndian.Uint32(rest[0:4])
		f.LeaseBudget = binary.BigEndian.Uint32(rest[4:8])
		return rest[8:], nil
	case TypeError:
		if len(rest) < 4 {
			return nil, ErrMalformedHeader
		}
		f.ErrorCode = ErrorCode(binary.BigEndian.Uint32(rest[0:4]))
		return rest[4:], nil
	case TypeRequestResponse, TypeRequestFNF, TypeRequestStream, TypeRequestSub,
		TypeRequestChannel, TypeRequestN, TypeCancel, TypeResponse, TypeKeepalive,
		TypeMetadataPush, TypeNext, TypeComplete, TypeNextComplete, TypeExt:
		return rest, nil
	default:
		return nil, ErrUnknownType
	}
}
