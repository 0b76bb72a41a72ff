package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC16KnownVector(t *testing.T) {
	// "123456789" is the standard check string for CRC-16/CCITT-FALSE,
	// whose expected result is 0x29B1.
	require.Equal(t, uint16(0x29B1), CRC16([]byte("123456789")))
}

func TestCRC16EmptyInput(t *testing.T) {
	require.Equal(t, uint16(crc16InitialValue), CRC16(nil))
}

func TestCRC16DetectsSingleBitFlip(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	base := CRC16(data)
	for i := range data {
		for bit := uint(0); bit < 8; bit++ {
			flipped := append([]byte{}, data...)
			flipped[i] ^= 1 << bit
			require.NotEqual(t, base, CRC16(flipped))
		}
	}
}
