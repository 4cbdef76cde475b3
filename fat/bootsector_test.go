package fat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootSectorRoundTripFAT16(t *testing.T) {
	bs := BootSector{
		Jump:              [3]byte{0xEB, 0x3E, 0x90},
		BytesPerSector:    512,
		SectorsPerCluster: 4,
		ReservedSectors:   1,
		NumFATs:           2,
		RootEntries:       512,
		Media:             0xF8,
		SectorsPerFAT16:   250,
		SectorsPerTrack:   63,
		NumHeads:          16,
		HiddenSectors:     63,
		TotalSectors32:    1032129,
		DriveNumber:       0x80,
		VolumeID:          0xFABE1AFD,
		FSType:            FSTypeString(Type16),
		FATType:           Type16,
	}
	copy(bs.OEMName[:], "MSWIN4.1")
	copy(bs.VolumeLabel[:], "BOCHS VVFAT")

	sector := make([]byte, 512)
	bs.Encode(sector)

	require.True(t, HasBootSignature(sector))
	assert.Equal(t, []byte("FAT16   "), sector[54:62])

	decoded := DecodeBootSector(sector)
	assert.Equal(t, Type16, decoded.FATType)
	assert.EqualValues(t, 250, decoded.SectorsPerFAT())
	assert.EqualValues(t, 4, decoded.SectorsPerCluster)
	assert.EqualValues(t, 512, decoded.RootEntries)
	assert.EqualValues(t, 1032129, decoded.TotalVolumeSectors())
	assert.EqualValues(t, 0xFABE1AFD, decoded.VolumeID)
}

func TestBootSectorRoundTripFAT32(t *testing.T) {
	bs := BootSector{
		Jump:              [3]byte{0xEB, 0x58, 0x90},
		BytesPerSector:    512,
		SectorsPerCluster: 8,
		ReservedSectors:   32,
		NumFATs:           2,
		Media:             0xF8,
		SectorsPerTrack:   63,
		NumHeads:          16,
		HiddenSectors:     63,
		TotalSectors32:    8388545,
		SectorsPerFAT32:   8184,
		RootDirCluster:    2,
		InfoSector:        1,
		BackupBootSector:  6,
		DriveNumber:       0x80,
		FSType:            FSTypeString(Type32),
		FATType:           Type32,
	}

	sector := make([]byte, 512)
	bs.Encode(sector)

	require.True(t, HasBootSignature(sector))
	assert.Equal(t, []byte("FAT32   "), sector[82:90])

	decoded := DecodeBootSector(sector)
	assert.Equal(t, Type32, decoded.FATType)
	assert.EqualValues(t, 8184, decoded.SectorsPerFAT())
	assert.EqualValues(t, 2, decoded.RootDirCluster)
	assert.EqualValues(t, 1, decoded.InfoSector)
	assert.EqualValues(t, 6, decoded.BackupBootSector)
	assert.EqualValues(t, 0, decoded.RootEntries)
}

func TestMBRRoundTrip(t *testing.T) {
	part := Partition{
		Attributes:  0x80,
		Type:        PartFAT16,
		StartSector: 63,
		NumSectors:  1032129,
	}
	part.StartCHS.FromLBA(63, 16, 63)
	part.EndCHS.FromLBA(1032191, 16, 63)

	sector := make([]byte, 512)
	EncodeMBR(sector, 0xBE1AFDFA, part)

	require.True(t, HasBootSignature(sector))
	assert.EqualValues(t, 0xBE1AFDFA, le32(sector[mbrDiskIDOffset:]))

	decoded := DecodeMBRPartition(sector, 0)
	assert.Equal(t, part, decoded)

	// The other three slots stay empty.
	for i := 1; i < 4; i++ {
		assert.Zero(t, DecodeMBRPartition(sector, i).Type)
	}
}

func TestCHSFromLBA(t *testing.T) {
	var chs CHS

	overflow := chs.FromLBA(63, 16, 63)
	assert.False(t, overflow)
	assert.Equal(t, CHS{Head: 1, Sector: 1, Cylinder: 0}, chs)

	// 24-bit CHS tops out at cylinder 1023.
	overflow = chs.FromLBA(1024*16*63, 16, 63)
	assert.True(t, overflow)
	assert.Equal(t, CHS{Head: 0xFF, Sector: 0xFF, Cylinder: 0xFF}, chs)
}

func TestInfoSector(t *testing.T) {
	sector := make([]byte, 512)
	EncodeInfoSector(sector, 1000, 2)

	assert.EqualValues(t, 0x41615252, le32(sector[0:]))
	assert.EqualValues(t, 0x61417272, le32(sector[0x1E4:]))
	assert.EqualValues(t, 1000, le32(sector[0x1E8:]))
	assert.EqualValues(t, 2, le32(sector[0x1EC:]))
	assert.True(t, HasBootSignature(sector))
}
