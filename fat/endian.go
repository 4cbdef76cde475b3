package fat

import (
	"encoding/binary"
	"time"
)

// Thin aliases for the little-endian codec. Everything on disk in this
// module is little-endian; spelling out binary.LittleEndian at every field
// buries the layout under noise.

func le16(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

func le32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func putLE16(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b, v)
}

func putLE32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

// EncodeTime packs a timestamp into the FAT time format: hours in the top
// five bits, minutes in the middle six, seconds halved in the low five.
func EncodeTime(t time.Time) uint16 {
	return uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
}

// EncodeDate packs a timestamp into the FAT date format: years since 1980 in
// the top seven bits, month in the middle four, day of month in the low five.
func EncodeDate(t time.Time) uint16 {
	return uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
}

// DecodeDateTime unpacks a FAT date/time pair into a local-time timestamp.
// FAT stamps carry no zone; they were encoded from host local time.
func DecodeDateTime(date, tm uint16) time.Time {
	return time.Date(
		1980+int(date>>9),
		time.Month(date>>5&0x0F),
		int(date&0x1F),
		int(tm>>11),
		int(tm>>5&0x3F),
		int(tm&0x1F)<<1,
		0,
		time.Local,
	)
}
