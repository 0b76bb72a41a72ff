package protocol

import "encoding/binary"

// Frame is the link layer's on-the-wire unit, before COBS encoding:
// TYPE(1) | LENGTH(1) | PAYLOAD(0..LinkMaxPayloadSize) | CRC16(2), little-endian.
type Frame struct {
	Type    byte
	Payload []byte
}

// EncodeFrame writes TYPE, LENGTH, PAYLOAD and the trailing CRC16 into buf,
// returning the number of bytes written. buf must have room for
// LinkHeaderSize+len(payload)+LinkCRCSize bytes.
func EncodeFrame(frameType byte, payload []byte, buf []byte) (int, error) {
	if len(payload) > LinkMaxPayloadSize {
		return 0, ErrLinkInvalidParam
	}
	total := LinkHeaderSize + len(payload) + LinkCRCSize
	if len(buf) < total {
		return 0, ErrLinkBufferFull
	}

	buf[0] = frameType
	buf[1] = byte(len(payload))
	copy(buf[LinkHeaderSize:], payload)

	crc := CRC16(buf[:LinkHeaderSize+len(payload)])
	binary.LittleEndian.PutUint16(buf[LinkHeaderSize+len(payload):], crc)

	return total, nil
}

// DecodeFrame validates and parses a decoded (post-COBS) frame buffer,
// returning the frame type and a view into the payload bytes within buf.
// It does not allocate. Returns ErrLinkInvalidFrame for malformed frames
// and ErrLinkCRCError when the trailer does not match.
func DecodeFrame(buf []byte) (frameType byte, payload []byte, err error) {
	if len(buf) < LinkMinFrameSize {
		return 0, nil, ErrLinkInvalidFrame
	}

	length := int(buf[1])
	if length > LinkMaxPayloadSize || len(buf) != length+LinkMinFrameSize {
		return 0, nil, ErrLinkInvalidFrame
	}

	crcOffset := LinkHeaderSize + length
	receivedCRC := binary.LittleEndian.Uint16(buf[crcOffset : crcOffset+LinkCRCSize])
	computedCRC := CRC16(buf[:crcOffset])
	if receivedCRC != computedCRC {
		return 0, nil, ErrLinkCRCError
	}

	return buf[0], buf[LinkHeaderSize:crcOffset], nil
}
