package protocol

// PacketHeader is the 4-byte header of a connection-oriented transport
// packet: TYPE(1) | CONN_ID(1) | SEQ(1) | LENGTH(1).
type PacketHeader struct {
	Type         byte
	ConnectionID byte
	Sequence     byte
	Length       byte
}

// EncodePacket serializes a connection-oriented transport packet into buf.
func EncodePacket(header PacketHeader, payload []byte, buf []byte) (int, error) {
	if len(payload) > TransportMaxPayloadSize {
		return 0, ErrTransportInvalidParams
	}
	total := TransportHeaderSize + len(payload)
	if len(buf) < total {
		return 0, ErrTransportBufferOverflow
	}

	buf[0] = header.Type
	buf[1] = header.ConnectionID
	buf[2] = header.Sequence
	buf[3] = byte(len(payload))
	copy(buf[TransportHeaderSize:], payload)

	return total, nil
}

// DecodePacket parses a connection-oriented transport packet, returning its
// header and a view into the payload bytes within buf.
func DecodePacket(buf []byte) (header PacketHeader, payload []byte, err error) {
	if len(buf) < TransportHeaderSize {
		return PacketHeader{}, nil, ErrTransportInvalidPacket
	}

	header = PacketHeader{
		Type:         buf[0],
		ConnectionID: buf[1],
		Sequence:     buf[2],
		Length:       buf[3],
	}
	if !IsValidPacketType(header.Type) {
		return PacketHeader{}, nil, ErrTransportInvalidPacket
	}

	return header, buf[TransportHeaderSize:], nil
}

// EncodeDatagram serializes a connectionless datagram packet:
// TYPE=PacketTypeDATAGRAM | LENGTH(1) | PAYLOAD(0..TransportMaxDatagramPayloadSize).
func EncodeDatagram(payload []byte, buf []byte) (int, error) {
	if len(payload) > TransportMaxDatagramPayloadSize {
		return 0, ErrTransportInvalidParams
	}
	total := TransportDatagramHeaderSize + len(payload)
	if len(buf) < total {
		return 0, ErrTransportBufferOverflow
	}

	buf[0] = PacketTypeDATAGRAM
	buf[1] = byte(len(payload))
	copy(buf[TransportDatagramHeaderSize:], payload)

	return total, nil
}

// DecodeDatagram parses a datagram packet, returning a view into its payload.
func DecodeDatagram(buf []byte) (payload []byte, err error) {
	if len(buf) < TransportDatagramHeaderSize || buf[0] != PacketTypeDATAGRAM {
		return nil, ErrTransportInvalidPacket
	}
	length := int(buf[1])
	if TransportDatagramHeaderSize+length > len(buf) {
		return nil, ErrTransportInvalidPacket
	}
	return buf[TransportDatagramHeaderSize : TransportDatagramHeaderSize+length], nil
}
