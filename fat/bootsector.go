package fat

import (
	"bytes"
	"encoding/binary"

	"github.com/noxer/bytewriter"
)

// Partition type identifiers used in the MBR. DOS distinguishes CHS and LBA
// addressing with separate identifiers.
const (
	PartFAT12    = 0x01
	PartFAT16    = 0x06
	PartFAT16LBA = 0x0E
	PartFAT32    = 0x0B
	PartFAT32LBA = 0x0C
)

// FSTypeString returns the eight-byte file system identifier stored in the
// boot sector's extended block.
func FSTypeString(fatType int) [8]byte {
	var id [8]byte
	switch fatType {
	case Type12:
		copy(id[:], "FAT12   ")
	case Type16:
		copy(id[:], "FAT16   ")
	default:
		copy(id[:], "FAT32   ")
	}
	return id
}

// FATTypeFromString is the inverse of FSTypeString; it returns 0 for
// unrecognized identifiers.
func FATTypeFromString(id []byte) int {
	switch {
	case bytes.Equal(id[:8], []byte("FAT12   ")):
		return Type12
	case bytes.Equal(id[:8], []byte("FAT16   ")):
		return Type16
	case bytes.Equal(id[:8], []byte("FAT32   ")):
		return Type32
	default:
		return 0
	}
}

// CHS is a packed cylinder/head/sector address as stored in a partition
// record: the sector byte carries the two high cylinder bits in its top two
// bits.
type CHS struct {
	Head     uint8
	Sector   uint8
	Cylinder uint8
}

// FromLBA converts a linear sector position into packed CHS form given the
// disk geometry. It reports true when the position does not fit 24-bit CHS,
// in which case the address is saturated to FF/FF/FF and the partition must
// be addressed by LBA.
func (c *CHS) FromLBA(spos, heads, spt uint32) bool {
	sector := spos % spt
	spos /= spt
	head := spos % heads
	spos /= heads
	if spos > 1023 {
		c.Head = 0xFF
		c.Sector = 0xFF
		c.Cylinder = 0xFF
		return true
	}
	c.Head = uint8(head)
	c.Sector = uint8((sector + 1) | (spos>>8)<<6)
	c.Cylinder = uint8(spos)
	return false
}

// Partition is one primary partition record.
type Partition struct {
	Attributes  uint8
	StartCHS    CHS
	Type        uint8
	EndCHS      CHS
	StartSector uint32
	NumSectors  uint32
}

const (
	mbrDiskIDOffset    = 0x1B8
	mbrPartitionOffset = 0x1BE
	partitionRecSize   = 16
	signatureOffset    = 0x1FE
)

// EncodeMBR renders a master boot record with a Windows NT disk signature and
// a single primary partition into sector, which must hold at least one
// sector.
func EncodeMBR(sector []byte, diskID uint32, part Partition) {
	putLE32(sector[mbrDiskIDOffset:], diskID)

	w := bytewriter.New(sector[mbrPartitionOffset:])
	binary.Write(w, binary.LittleEndian, part.Attributes)
	binary.Write(w, binary.LittleEndian, part.StartCHS)
	binary.Write(w, binary.LittleEndian, part.Type)
	binary.Write(w, binary.LittleEndian, part.EndCHS)
	binary.Write(w, binary.LittleEndian, part.StartSector)
	binary.Write(w, binary.LittleEndian, part.NumSectors)

	sector[signatureOffset] = 0x55
	sector[signatureOffset+1] = 0xAA
}

// DecodeMBRPartition extracts primary partition record index (0..3) from a
// raw MBR sector.
func DecodeMBRPartition(sector []byte, index int) Partition {
	rec := sector[mbrPartitionOffset+index*partitionRecSize:]
	return Partition{
		Attributes:  rec[0],
		StartCHS:    CHS{Head: rec[1], Sector: rec[2], Cylinder: rec[3]},
		Type:        rec[4],
		EndCHS:      CHS{Head: rec[5], Sector: rec[6], Cylinder: rec[7]},
		StartSector: le32(rec[8:]),
		NumSectors:  le32(rec[12:]),
	}
}

// HasBootSignature reports whether a sector ends in the 55 AA marker.
func HasBootSignature(sector []byte) bool {
	return sector[signatureOffset] == 0x55 && sector[signatureOffset+1] == 0xAA
}

// BootSector describes the BIOS parameter block and the FAT16 or FAT32
// extended block that follows it.
type BootSector struct {
	Jump              [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntries       uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32

	// FAT32 extended block; meaningful only when FATType == Type32.
	SectorsPerFAT32  uint32
	RootDirCluster   uint32
	InfoSector       uint16
	BackupBootSector uint16

	DriveNumber uint8
	VolumeID    uint32
	VolumeLabel [11]byte
	FSType      [8]byte

	FATType int
}

// SectorsPerFAT returns whichever of the 16-bit or 32-bit counts applies.
func (bs *BootSector) SectorsPerFAT() uint32 {
	if bs.FATType == Type32 {
		return bs.SectorsPerFAT32
	}
	return uint32(bs.SectorsPerFAT16)
}

// TotalVolumeSectors combines the 16-bit and 32-bit counts; exactly one of
// them is nonzero in a well-formed boot sector.
func (bs *BootSector) TotalVolumeSectors() uint32 {
	return uint32(bs.TotalSectors16) + bs.TotalSectors32
}

// Encode renders the boot sector into sector, which must hold at least one
// sector.
func (bs *BootSector) Encode(sector []byte) {
	w := bytewriter.New(sector)
	binary.Write(w, binary.LittleEndian, bs.Jump)
	binary.Write(w, binary.LittleEndian, bs.OEMName)
	binary.Write(w, binary.LittleEndian, bs.BytesPerSector)
	binary.Write(w, binary.LittleEndian, bs.SectorsPerCluster)
	binary.Write(w, binary.LittleEndian, bs.ReservedSectors)
	binary.Write(w, binary.LittleEndian, bs.NumFATs)
	binary.Write(w, binary.LittleEndian, bs.RootEntries)
	binary.Write(w, binary.LittleEndian, bs.TotalSectors16)
	binary.Write(w, binary.LittleEndian, bs.Media)
	binary.Write(w, binary.LittleEndian, bs.SectorsPerFAT16)
	binary.Write(w, binary.LittleEndian, bs.SectorsPerTrack)
	binary.Write(w, binary.LittleEndian, bs.NumHeads)
	binary.Write(w, binary.LittleEndian, bs.HiddenSectors)
	binary.Write(w, binary.LittleEndian, bs.TotalSectors32)

	if bs.FATType == Type32 {
		binary.Write(w, binary.LittleEndian, bs.SectorsPerFAT32)
		binary.Write(w, binary.LittleEndian, uint16(0)) // flags
		binary.Write(w, binary.LittleEndian, [2]byte{}) // version
		binary.Write(w, binary.LittleEndian, bs.RootDirCluster)
		binary.Write(w, binary.LittleEndian, bs.InfoSector)
		binary.Write(w, binary.LittleEndian, bs.BackupBootSector)
		binary.Write(w, binary.LittleEndian, [12]byte{})
	}
	binary.Write(w, binary.LittleEndian, bs.DriveNumber)
	binary.Write(w, binary.LittleEndian, uint8(0)) // reserved
	binary.Write(w, binary.LittleEndian, uint8(0x29))
	binary.Write(w, binary.LittleEndian, bs.VolumeID)
	binary.Write(w, binary.LittleEndian, bs.VolumeLabel)
	binary.Write(w, binary.LittleEndian, bs.FSType)

	sector[signatureOffset] = 0x55
	sector[signatureOffset+1] = 0xAA
}

// DecodeBootSector parses a raw boot sector. The FAT width is taken from the
// extended-block identifier string, checking the FAT16 position first and the
// FAT32 position second; FATType is 0 if neither matches.
func DecodeBootSector(sector []byte) BootSector {
	bs := BootSector{
		BytesPerSector:    le16(sector[11:]),
		SectorsPerCluster: sector[13],
		ReservedSectors:   le16(sector[14:]),
		NumFATs:           sector[16],
		RootEntries:       le16(sector[17:]),
		TotalSectors16:    le16(sector[19:]),
		Media:             sector[21],
		SectorsPerFAT16:   le16(sector[22:]),
		SectorsPerTrack:   le16(sector[24:]),
		NumHeads:          le16(sector[26:]),
		HiddenSectors:     le32(sector[28:]),
		TotalSectors32:    le32(sector[32:]),
	}
	copy(bs.Jump[:], sector[0:3])
	copy(bs.OEMName[:], sector[3:11])

	if fatType := FATTypeFromString(sector[54:62]); fatType != 0 {
		bs.FATType = fatType
		bs.DriveNumber = sector[36]
		bs.VolumeID = le32(sector[39:])
		copy(bs.VolumeLabel[:], sector[43:54])
		copy(bs.FSType[:], sector[54:62])
		return bs
	}

	if fatType := FATTypeFromString(sector[82:90]); fatType == Type32 {
		bs.FATType = Type32
		bs.SectorsPerFAT32 = le32(sector[36:])
		bs.RootDirCluster = le32(sector[44:])
		bs.InfoSector = le16(sector[48:])
		bs.BackupBootSector = le16(sector[50:])
		bs.DriveNumber = sector[64]
		bs.VolumeID = le32(sector[67:])
		copy(bs.VolumeLabel[:], sector[71:82])
		copy(bs.FSType[:], sector[82:90])
	}
	return bs
}

// EncodeInfoSector renders the FAT32 FS information sector.
func EncodeInfoSector(sector []byte, freeClusters, mostRecent uint32) {
	putLE32(sector[0:], 0x41615252)
	putLE32(sector[0x1E4:], 0x61417272)
	putLE32(sector[0x1E8:], freeClusters)
	putLE32(sector[0x1EC:], mostRecent)
	sector[signatureOffset] = 0x55
	sector[signatureOffset+1] = 0xAA
}
