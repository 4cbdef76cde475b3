package image

import (
	"path/filepath"

	"github.com/dargueta/vvfat"
	"github.com/dargueta/vvfat/fat"
	"github.com/spf13/afero"
)

// Reserved filenames at the top of the shadowed directory. They configure the
// volume instead of appearing on it.
const (
	MBRFileName  = "vvfat_mbr.bin"
	BootFileName = "vvfat_boot.bin"
	AttrFileName = "vvfat_attr.cfg"
)

// floppySize is the one floppy geometry supported: a raw 1.44 MB image with
// no partition table.
const floppySize = 1474560

// Geometry is the CHS shape and partition placement of the virtual disk.
type Geometry struct {
	Cylinders       uint32
	Heads           uint32
	SectorsPerTrack uint32
	SectorCount     uint32
}

// readSectorFromFile loads one sector from a sidecar file and verifies the
// boot signature. It reports false for missing, short, or unsigned files.
func readSectorFromFile(fs afero.Fs, path string, buf []byte) bool {
	file, err := fs.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	if _, err := file.ReadAt(buf[:vvfat.SectorSize], 0); err != nil {
		return false
	}
	return fat.HasBootSignature(buf)
}

// importMBR adopts geometry from the vvfat_mbr.bin sidecar: FAT width from
// the partition type, sector count and partition start from the partition
// record, head count from the partition's end address. It returns false when
// there is no usable sidecar.
func (img *Image) importMBR(sector []byte) bool {
	part := fat.DecodeMBRPartition(sector, 0)
	if part.Type == 0 || part.NumSectors == 0 {
		return false
	}

	switch part.Type {
	case fat.PartFAT16, fat.PartFAT16LBA:
		img.fatType = fat.Type16
	case fat.PartFAT32, fat.PartFAT32LBA:
		img.fatType = fat.Type32
	default:
		img.warnf("MBR file: unsupported FS type = 0x%02x", part.Type)
		return false
	}

	img.geometry.SectorCount = part.StartSector + part.NumSectors
	img.geometry.SectorsPerTrack = part.StartSector
	if part.EndCHS.Head > 15 {
		img.geometry.Heads = 16
	} else {
		img.geometry.Heads = uint32(part.EndCHS.Head) + 1
	}
	img.geometry.Cylinders = img.geometry.SectorCount /
		(img.geometry.Heads * img.geometry.SectorsPerTrack)
	img.offsetToBootsector = part.StartSector
	copy(img.firstSectors, sector[:vvfat.SectorSize])
	return true
}

// importBootSector adopts geometry from the vvfat_boot.bin sidecar. When an
// MBR sidecar was already accepted the boot sector must agree with it; when
// not, the boot sector alone defines the disk shape. It returns false when
// the sidecar is unusable or inconsistent.
func (img *Image) importBootSector(sector []byte) bool {
	bs := fat.DecodeBootSector(sector)
	sectorCount := bs.TotalVolumeSectors() + bs.HiddenSectors

	if img.useMBRFile {
		if bs.FATType != img.fatType ||
			sectorCount != img.geometry.SectorCount ||
			bs.NumFATs != 2 {
			return false
		}
	} else {
		if bs.FATType == 0 {
			img.warnf("boot sector file: unsupported FS type")
			return false
		}
		if bs.NumFATs != 2 {
			return false
		}
		img.fatType = bs.FATType
		img.geometry.SectorCount = sectorCount
		img.geometry.SectorsPerTrack = uint32(bs.SectorsPerTrack)
		if bs.NumHeads > 15 {
			img.geometry.Heads = 16
		} else {
			img.geometry.Heads = uint32(bs.NumHeads)
		}
		img.geometry.Cylinders = img.geometry.SectorCount /
			(img.geometry.Heads * img.geometry.SectorsPerTrack)
		img.offsetToBootsector = bs.HiddenSectors
	}

	img.sectorsPerCluster = bs.SectorsPerCluster
	img.reservedSectors = bs.ReservedSectors
	img.rootEntries = bs.RootEntries
	if img.fatType == fat.Type32 {
		img.firstClusterOfRootDir = bs.RootDirCluster
	}
	img.importedSectorsPerFAT = bs.SectorsPerFAT()
	copy(img.firstSectors[img.offsetToBootsector*vvfat.SectorSize:], sector[:vvfat.SectorSize])
	return true
}

// selectGeometry decides the disk shape when no sidecar supplied one: the
// exact floppy size becomes an unpartitioned 80x2x18 FAT12 volume, anything
// else a hard disk with the configured (or default 1024x16x63) CHS shape and
// the partition starting one track in.
func (img *Image) selectGeometry(requestedSize uint64) {
	if requestedSize == floppySize {
		img.geometry = Geometry{Cylinders: 80, Heads: 2, SectorsPerTrack: 18}
		img.offsetToBootsector = 0
		img.fatType = fat.Type12
		img.sectorsPerCluster = 1
		img.firstClusterOfRootDir = 0
		img.rootEntries = 224
		img.reservedSectors = 1
	} else {
		if img.geometry.Cylinders == 0 {
			img.geometry = Geometry{Cylinders: 1024, Heads: 16, SectorsPerTrack: 63}
		}
		img.offsetToBootsector = img.geometry.SectorsPerTrack
	}
	img.geometry.SectorCount = img.geometry.Cylinders *
		img.geometry.Heads * img.geometry.SectorsPerTrack
}

// selectClusterSize picks the FAT width and sectors-per-cluster from the disk
// size when the boot sector did not dictate them. Disks of two gigabytes and
// up (or a partition type that already said so) become FAT32.
func (img *Image) selectClusterSize() {
	sizeInMB := uint32(img.hdSize >> 20)
	if sizeInMB >= 2047 || img.fatType == fat.Type32 {
		img.fatType = fat.Type32
		switch {
		case sizeInMB >= 32767:
			img.sectorsPerCluster = 64
		case sizeInMB >= 16383:
			img.sectorsPerCluster = 32
		case sizeInMB >= 8191:
			img.sectorsPerCluster = 16
		default:
			img.sectorsPerCluster = 8
		}
		img.firstClusterOfRootDir = 2
		img.rootEntries = 0
		img.reservedSectors = 32
	} else {
		img.fatType = fat.Type16
		switch {
		case sizeInMB >= 1023:
			img.sectorsPerCluster = 64
		case sizeInMB >= 511:
			img.sectorsPerCluster = 32
		case sizeInMB >= 255:
			img.sectorsPerCluster = 16
		case sizeInMB >= 127:
			img.sectorsPerCluster = 8
		default:
			img.sectorsPerCluster = 4
		}
		img.firstClusterOfRootDir = 0
		img.rootEntries = 512
		img.reservedSectors = 1
	}
}

// initMBR synthesizes the master boot record: a Windows NT disk signature and
// one bootable primary partition covering everything past the first track.
func (img *Image) initMBR() {
	part := fat.Partition{
		Attributes:  0x80,
		StartSector: img.offsetToBootsector,
		NumSectors:  img.geometry.SectorCount - img.offsetToBootsector,
	}

	// LBA partition types keep old CHS-only systems from misreading a
	// partition that extends beyond what CHS can address.
	lba := part.StartCHS.FromLBA(
		img.offsetToBootsector, img.geometry.Heads, img.geometry.SectorsPerTrack)
	lba = part.EndCHS.FromLBA(
		img.geometry.SectorCount-1, img.geometry.Heads, img.geometry.SectorsPerTrack) || lba

	switch {
	case img.fatType == fat.Type12:
		part.Type = fat.PartFAT12
	case img.fatType == fat.Type16 && lba:
		part.Type = fat.PartFAT16LBA
	case img.fatType == fat.Type16:
		part.Type = fat.PartFAT16
	case lba:
		part.Type = fat.PartFAT32LBA
	default:
		part.Type = fat.PartFAT32
	}

	fat.EncodeMBR(img.firstSectors, 0xBE1AFDFA, part)
}

func (img *Image) sidecarPath(name string) string {
	return filepath.Join(img.dir, name)
}
