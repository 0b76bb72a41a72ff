// Package protocol implements the wire-level primitives shared by the link
// and transport layers: byte-stuffed framing (COBS), frame integrity
// (CRC-16/CCITT), and the two packet encodings used above the link.
package protocol

// COBS sizing. A block between delimiters may hold at most COBSMaxBlockSize
// bytes; the worst-case encoded size (including the one overhead byte per
// run and the trailing delimiter) is COBSMaxEncodedSize.
const (
	COBSMaxBlockSize   = 254
	COBSMaxEncodedSize = 257
	cobsDelimiter      = 0x00
	cobsMaxCode        = 0xFF
)

// Link frame sizing: TYPE(1) | LENGTH(1) | PAYLOAD(0..LinkMaxPayloadSize) | CRC16(2).
const (
	LinkHeaderSize     = 2
	LinkCRCSize        = 2
	LinkMinFrameSize   = LinkHeaderSize + LinkCRCSize
	LinkMaxFrameSize   = COBSMaxBlockSize
	LinkMaxPayloadSize = COBSMaxBlockSize - LinkHeaderSize - LinkCRCSize

	LinkOutgoingBufferSize = COBSMaxEncodedSize * 2
	LinkIncomingBufferSize = COBSMaxEncodedSize * 2

	LinkFrameTypeData = 0x01
)

// Transport packet sizing.
const (
	TransportHeaderSize     = 4
	TransportMaxPacketSize  = LinkMaxPayloadSize
	TransportMaxPayloadSize = TransportMaxPacketSize - TransportHeaderSize

	TransportDatagramHeaderSize     = 2
	TransportMaxDatagramPayloadSize = TransportMaxPacketSize - TransportDatagramHeaderSize

	ConnectionIDInvalid = 0x00
	ConnectionIDMax     = 0xFF
	ConnectionIDStart   = 0x01
)

// Transport packet type codes.
const (
	PacketTypeSYN = 0x01 + iota
	PacketTypeSYNACK
	PacketTypeACK
	PacketTypeFIN
	PacketTypeFINACK
	PacketTypeDATA
	PacketTypeDATAACK
	PacketTypeDATANACK
	PacketTypeKEEPALIVE
	PacketTypeKEEPALIVEACK
	PacketTypeDATAGRAM
	packetTypeMax
)

// Default transport timing parameters (milliseconds unless noted).
const (
	DefaultKeepaliveIntervalMs = 1000
	DefaultConnectionTimeoutMs = 3000
	DefaultACKTimeoutMs        = 100
	DefaultMaxRetries          = 3
)

// IsValidPacketType reports whether t is one of the defined transport packet types.
func IsValidPacketType(t byte) bool {
	return t >= PacketTypeSYN && t < packetTypeMax
}
