// Package checksum holds the two check sequences used on the NCP serial link:
// an 8 bit CRC protecting the frame header and a 16 bit CRC protecting the
// whole frame.
package checksum

import (
	"github.com/sigurn/crc16"
	"github.com/sigurn/crc8"
)

var (
	headerTable = crc8.MakeTable(crc8.CRC8_MAXIM)
	frameTable  = crc16.MakeTable(crc16.CRC16_KERMIT)
)

// CRC8 computes the header check (CRC-8/MAXIM-DOW).
func CRC8(b []byte) uint8 {
	return crc8.Checksum(b, headerTable)
}

// CRC16 computes the frame check sequence (CRC-16/KERMIT).
func CRC16(b []byte) uint16 {
	return crc16.Checksum(b, frameTable)
}
