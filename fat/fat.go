// Package fat implements the on-disk data model of FAT12/16/32 volumes:
// allocation-table entries, directory entries, 8.3 and long filenames, and
// the boot-sector family of metadata sectors. All multi-byte fields are
// little-endian and are read and written through explicit codecs so the
// layout is independent of host byte order and struct padding.
package fat

import "github.com/dargueta/vvfat"

// FAT widths. The numeric value is the entry width in bits.
const (
	Type12 = 12
	Type16 = 16
	Type32 = 32
)

// MaxValue returns the highest representable entry value for the given FAT
// width. Only the low 28 bits of a FAT32 entry hold the cluster number; the
// top four bits are reserved.
func MaxValue(fatType int) uint32 {
	switch fatType {
	case Type12:
		return 0xFFF
	case Type16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

// MediaByte returns the media descriptor stored in the boot sector and in the
// low byte of FAT entry 0: 0xF0 for floppies, 0xF8 for hard disks.
func MediaByte(fatType int) byte {
	if fatType == Type12 {
		return 0xF0
	}
	return 0xF8
}

// Cluster-chain classification relative to MaxValue. An entry e is:
//
//	free                    e == 0
//	next cluster in chain   2 <= e <= max-16
//	reserved                max-15 <= e < max-8
//	bad                     e == max-8
//	end of chain            e >= max-7
func IsEndOfChain(value, max uint32) bool {
	return value >= max-7
}

// IsReserved reports whether value falls in the reserved range [max-15, max-8).
// Chains containing reserved entries are not representable by this module.
func IsReserved(value, max uint32) bool {
	return value >= max-15 && value < max-8
}

// Table is one copy of a file allocation table, stored as raw little-endian
// bytes so it can be served to the guest sector by sector without
// re-encoding.
type Table struct {
	fatType int
	max     uint32
	data    []byte
}

// NewTable allocates a zeroed table covering sectorsPerFAT sectors.
func NewTable(fatType int, sectorsPerFAT uint32) *Table {
	return &Table{
		fatType: fatType,
		max:     MaxValue(fatType),
		data:    make([]byte, sectorsPerFAT*vvfat.SectorSize),
	}
}

// TableFromBytes wraps an existing FAT image, such as one read back through a
// redo log, without copying it.
func TableFromBytes(fatType int, data []byte) *Table {
	return &Table{
		fatType: fatType,
		max:     MaxValue(fatType),
		data:    data,
	}
}

// Bytes returns the table's backing storage.
func (t *Table) Bytes() []byte {
	return t.data
}

// MaxValue returns the table's end-of-chain ceiling.
func (t *Table) MaxValue() uint32 {
	return t.max
}

// Set stores value in the entry for cluster. On FAT32 the reserved top four
// bits of the entry are preserved.
func (t *Table) Set(cluster, value uint32) {
	switch t.fatType {
	case Type32:
		offset := cluster * 4
		old := le32(t.data[offset:])
		putLE32(t.data[offset:], (old&0xF0000000)|(value&0x0FFFFFFF))
	case Type16:
		putLE16(t.data[cluster*2:], uint16(value))
	default:
		p := t.data[cluster*3/2:]
		if cluster&1 == 0 {
			p[0] = byte(value)
			p[1] = (p[1] & 0xF0) | byte(value>>8)&0x0F
		} else {
			p[0] = (p[0] & 0x0F) | byte(value&0x0F)<<4
			p[1] = byte(value >> 4)
		}
	}
}

// Get returns the entry for cluster.
func (t *Table) Get(cluster uint32) uint32 {
	switch t.fatType {
	case Type32:
		return le32(t.data[cluster*4:]) & 0x0FFFFFFF
	case Type16:
		return uint32(le16(t.data[cluster*2:]))
	default:
		p := t.data[cluster*3/2:]
		if cluster&1 == 0 {
			return uint32(p[0]) | uint32(p[1]&0x0F)<<8
		}
		return uint32(p[0]>>4) | uint32(p[1])<<4
	}
}

// SetMediaByte overwrites the low byte of entry 0 with the media descriptor.
// Both signature entries must already hold MaxValue.
func (t *Table) SetMediaByte(media byte) {
	t.data[0] = media
}
