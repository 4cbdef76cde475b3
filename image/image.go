// Package image synthesizes a FAT volume over a shadowed host directory and
// serves it sector by sector. Guest writes land in a volatile redo log; the
// commit engine can replay the guest's view of the volume back onto the host
// directory when the device shuts down.
package image

import (
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/dargueta/vvfat"
	"github.com/dargueta/vvfat/dynarray"
	"github.com/dargueta/vvfat/fat"
	"github.com/dargueta/vvfat/redolog"
	"github.com/spf13/afero"
)

// WarnFunc receives out-of-band warnings: conditions the engine survives but
// an operator should hear about.
type WarnFunc func(format string, args ...interface{})

// Options configures Open.
type Options struct {
	// Size is the requested virtual disk size in bytes. The exact 1.44 MB
	// floppy size selects unpartitioned FAT12 floppy geometry; any other
	// value leaves the disk shaped by the geometry fields or sidecar files.
	Size uint64

	// Cylinders/Heads/SectorsPerTrack override the default 1024x16x63 hard
	// disk shape. All three must be set together.
	Cylinders       uint32
	Heads           uint32
	SectorsPerTrack uint32

	// RedoLogName is the path template for the redo-log backing file. Empty
	// or "none" means unset, which places the log inside the shadowed
	// directory.
	RedoLogName string

	// Warn receives warnings; nil means log.Printf.
	Warn WarnFunc
}

// Mode describes what backs a mapping.
type Mode uint8

const (
	ModeUndefined Mode = 0
	ModeNormal    Mode = 1 << 0
	ModeDirectory Mode = 1 << 2
	ModeDeleted   Mode = 1 << 4
)

// Mapping ties a cluster range to the host object providing its data. The
// mapping table is ordered by Begin and ranges never overlap.
type Mapping struct {
	// Begin and End bound the half-open cluster range. The root directory of
	// a FAT12/16 volume is the one mapping that lives outside the data
	// region; it keeps Begin 0.
	Begin uint32
	End   uint32

	// DirIndex locates the short-name directory entry describing this
	// object. Indices are stable; pointers into the directory array are not.
	DirIndex int

	Path     string
	Mode     Mode
	ReadOnly bool

	// Directory mappings only.
	ParentMappingIndex int
	FirstDirIndex      int

	// File mappings only: byte offset into the host file of cluster Begin.
	FileOffset int64
}

// firstSectorsSize covers every sector before the data region that is not
// FAT or directory data: MBR, gap, boot sector, FS-info, backup boot sector.
const firstSectorsSize = 0xC000

// openCount varies the volume serial number between opens within one
// process.
var openCount uint32

// Image is a virtual FAT block device shadowing one host directory. It
// implements vvfat.SectorDevice.
type Image struct {
	fs  afero.Fs
	dir string

	geometry Geometry
	hdSize   uint64

	fatType               int
	sectorsPerCluster     uint8
	clusterSize           uint32
	sectorsPerFAT         uint32
	importedSectorsPerFAT uint32
	clusterCount          uint32
	maxFATValue           uint32
	firstClusterOfRootDir uint32
	rootEntries           uint16
	reservedSectors       uint16

	offsetToBootsector uint32
	offsetToFAT        uint32
	offsetToRootDir    uint32
	offsetToData       uint32

	firstSectors []byte
	fatTable     *fat.Table
	directory    dynarray.Array[fat.Dirent]
	mapping      dynarray.Array[Mapping]

	useMBRFile  bool
	useBootFile bool

	// One shadowed file is kept open at a time for cluster reads.
	currentFile afero.File
	currentPath string

	clusterBuffer  []byte
	currentCluster uint32 // 0xFFFFFFFF when clusterBuffer is invalid

	redo     *redolog.Log
	redoFile afero.File

	sectorNum uint32
	modified  bool

	droppedRootEntries int
	warn               WarnFunc
}

// Open shadows dir on the given host filesystem and synthesizes the volume.
// The redo log is created empty and unlinked immediately, so it disappears
// with the image.
func Open(hostFS afero.Fs, dir string, opts Options) (*Image, error) {
	if hostFS == nil {
		return nil, vvfat.ErrInvalidArgument.WithMessage("host filesystem is required")
	}
	if dir == "" {
		return nil, vvfat.ErrInvalidArgument.WithMessage("shadowed directory is required")
	}

	img := &Image{
		fs:             hostFS,
		dir:            dir,
		firstSectors:   make([]byte, firstSectorsSize),
		currentCluster: 0xFFFFFFFF,
		warn:           opts.Warn,
		geometry: Geometry{
			Cylinders:       opts.Cylinders,
			Heads:           opts.Heads,
			SectorsPerTrack: opts.SectorsPerTrack,
		},
	}
	if img.warn == nil {
		img.warn = log.Printf
	}

	sector := make([]byte, vvfat.SectorSize)
	if readSectorFromFile(hostFS, img.sidecarPath(MBRFileName), sector) {
		img.useMBRFile = img.importMBR(sector)
	}
	if readSectorFromFile(hostFS, img.sidecarPath(BootFileName), sector) {
		img.useBootFile = img.importBootSector(sector)
	}

	if !img.useMBRFile && !img.useBootFile {
		img.selectGeometry(opts.Size)
	}

	img.hdSize = uint64(img.geometry.SectorCount) * vvfat.SectorSize
	if img.sectorsPerCluster == 0 {
		img.selectClusterSize()
	}
	img.maxFATValue = fat.MaxValue(img.fatType)

	if !img.useMBRFile && img.offsetToBootsector > 0 {
		img.initMBR()
	}

	if err := img.initDirectories(); err != nil {
		return nil, err
	}
	img.loadFileAttributes()

	if err := img.createRedoLog(opts.RedoLogName); err != nil {
		return nil, err
	}

	openCount++
	return img, nil
}

// createRedoLog creates the volatile redo log under the configured name (or
// inside the shadowed directory) and unlinks it so it cannot outlive the
// image.
func (img *Image) createRedoLog(nameTemplate string) error {
	if nameTemplate == "" || nameTemplate == "none" {
		nameTemplate = img.sidecarPath("vvfat.dir")
	}

	// The temporary file gets a random suffix next to the template, the way
	// mkstemp treats "template.XXXXXX".
	tempDir, base := filepath.Split(nameTemplate)
	file, err := afero.TempFile(img.fs, tempDir, base+".")
	if err != nil {
		return vvfat.ErrIOFailed.WithMessage(
			fmt.Sprintf("can't create volatile redo log: %s", err))
	}

	img.redo, err = redolog.Create(file, redolog.SubtypeVolatile, img.hdSize)
	if err != nil {
		file.Close()
		img.fs.Remove(file.Name())
		return err
	}
	img.redoFile = file

	// Deleting the open file is legal on the host OS; the data lives until
	// the descriptor closes.
	img.fs.Remove(file.Name())
	return nil
}

// Geometry returns the disk shape served to the guest.
func (img *Image) Geometry() Geometry {
	return img.geometry
}

// Size returns the virtual disk size in bytes.
func (img *Image) Size() uint64 {
	return img.hdSize
}

// FATType returns 12, 16, or 32.
func (img *Image) FATType() int {
	return img.fatType
}

// Modified reports whether the guest has written anywhere that matters: the
// FAT, a directory, or file data. The collaborator decides whether to call
// CommitChanges based on this.
func (img *Image) Modified() bool {
	return img.modified
}

// DroppedRootEntries counts directory children that did not fit in a
// FAT12/16 root directory and were left off the volume.
func (img *Image) DroppedRootEntries() int {
	return img.droppedRootEntries
}

func (img *Image) warnf(format string, args ...interface{}) {
	img.warn(format, args...)
}

// Lseek moves the device position. The offset must be sector-aligned and
// inside the disk.
func (img *Image) Lseek(offset int64, whence int) (int64, error) {
	if _, err := img.redo.Lseek(offset, whence); err != nil {
		return -1, err
	}
	switch whence {
	case vvfat.SeekSet:
		img.sectorNum = uint32(offset / vvfat.SectorSize)
	case vvfat.SeekCur:
		img.sectorNum += uint32(offset / vvfat.SectorSize)
	default:
		return -1, vvfat.ErrNotSupported.WithMessage("seek mode not supported")
	}
	if img.sectorNum >= img.geometry.SectorCount {
		return -1, vvfat.ErrOutOfRange.WithMessage("seek beyond end of disk")
	}
	return int64(img.sectorNum) * vvfat.SectorSize, nil
}

// Read serves count/512 sectors from the current position: redo-log overlay
// first, then synthesized metadata or shadowed file data.
func (img *Image) Read(buf []byte) (int, error) {
	if len(buf)%vvfat.SectorSize != 0 {
		return -1, vvfat.ErrUnalignedIO.WithMessage("read length must be a multiple of 512")
	}

	for chunk := buf; len(chunk) > 0; chunk = chunk[vvfat.SectorSize:] {
		sector := chunk[:vvfat.SectorSize]
		n, err := img.redo.Read(sector)
		if err != nil {
			return -1, err
		}
		if n != vvfat.SectorSize {
			img.readSector(img.sectorNum, sector)
			// Keep the redo log's position in step for the next iteration.
			if _, err := img.redo.Lseek(
				(int64(img.sectorNum)+1)*vvfat.SectorSize, vvfat.SeekSet); err != nil {
				return -1, err
			}
		}
		img.sectorNum++
	}
	return len(buf), nil
}

// readSector synthesizes one sector that the redo log does not cover.
func (img *Image) readSector(sectorNum uint32, buf []byte) {
	if sectorNum < img.offsetToData {
		switch {
		case sectorNum < img.offsetToBootsector+uint32(img.reservedSectors):
			copy(buf, img.firstSectors[sectorNum*vvfat.SectorSize:])
		case sectorNum-img.offsetToFAT < img.sectorsPerFAT:
			offset := (sectorNum - img.offsetToFAT) * vvfat.SectorSize
			copy(buf, img.fatTable.Bytes()[offset:])
		case sectorNum-img.offsetToFAT-img.sectorsPerFAT < img.sectorsPerFAT:
			// Second FAT copy is served from the same table.
			offset := (sectorNum - img.offsetToFAT - img.sectorsPerFAT) * vvfat.SectorSize
			copy(buf, img.fatTable.Bytes()[offset:])
		default:
			img.copyDirectorySectors(sectorNum-img.offsetToRootDir, buf)
		}
		return
	}

	relative := sectorNum - img.offsetToData
	clusterNum := relative/uint32(img.sectorsPerCluster) + 2
	sectorInCluster := relative % uint32(img.sectorsPerCluster)

	data, ok := img.readCluster(clusterNum)
	if !ok {
		for i := range buf {
			buf[i] = 0
		}
		return
	}
	copy(buf, data[sectorInCluster*vvfat.SectorSize:])
}

// copyDirectorySectors renders directory entries into a sector buffer
// starting at directory sector index.
func (img *Image) copyDirectorySectors(dirSector uint32, buf []byte) {
	const perSector = vvfat.SectorSize / fat.DirentSize
	first := int(dirSector) * perSector
	for i := 0; i < perSector; i++ {
		dst := buf[i*fat.DirentSize:][:fat.DirentSize]
		if first+i < img.directory.Len() {
			entry := img.directory.Get(first + i)
			copy(dst, entry[:])
		} else {
			for j := range dst {
				dst[j] = 0
			}
		}
	}
}

// readCluster returns the data of clusterNum, reading through the owning
// mapping. It reports false when nothing maps the cluster or the host read
// fails; callers serve zeros in that case.
func (img *Image) readCluster(clusterNum uint32) ([]byte, bool) {
	if img.currentCluster == clusterNum {
		return img.clusterBuffer, true
	}

	index := img.findMappingForCluster(clusterNum)
	if index < 0 {
		return nil, false
	}
	m := img.mapping.Get(index)

	if m.Mode&ModeDirectory != 0 {
		entriesPerCluster := int(img.clusterSize) / fat.DirentSize
		first := m.FirstDirIndex + int(clusterNum-m.Begin)*entriesPerCluster
		for i := 0; i < entriesPerCluster; i++ {
			dst := img.clusterBuffer[i*fat.DirentSize:][:fat.DirentSize]
			if first+i < img.directory.Len() {
				copy(dst, img.directory.Get(first+i)[:])
			} else {
				for j := range dst {
					dst[j] = 0
				}
			}
		}
		img.currentCluster = clusterNum
		return img.clusterBuffer, true
	}

	if err := img.openShadowedFile(m); err != nil {
		return nil, false
	}

	offset := int64(clusterNum-m.Begin)*int64(img.clusterSize) + m.FileOffset
	for i := range img.clusterBuffer {
		img.clusterBuffer[i] = 0
	}
	// Short reads near EOF leave the zeroed tail in place.
	if _, err := img.currentFile.ReadAt(img.clusterBuffer, offset); err != nil && err != io.EOF {
		img.currentCluster = 0xFFFFFFFF
		return nil, false
	}
	img.currentCluster = clusterNum
	return img.clusterBuffer, true
}

// openShadowedFile points the single cached descriptor at the mapping's host
// file.
func (img *Image) openShadowedFile(m *Mapping) error {
	if img.currentFile != nil && img.currentPath == m.Path {
		return nil
	}
	file, err := img.fs.Open(m.Path)
	if err != nil {
		return err
	}
	img.closeCurrentFile()
	img.currentFile = file
	img.currentPath = m.Path
	return nil
}

func (img *Image) closeCurrentFile() {
	if img.currentFile != nil {
		img.currentFile.Close()
		img.currentFile = nil
		img.currentPath = ""
	}
	img.currentCluster = 0xFFFFFFFF
}

// findMappingForCluster binary-searches the mapping table for the range
// containing clusterNum, returning -1 on a miss.
func (img *Image) findMappingForCluster(clusterNum uint32) int {
	lo, hi := 0, img.mapping.Len()
	for lo < hi {
		mid := (lo + hi) / 2
		m := img.mapping.Get(mid)
		if m.End <= clusterNum {
			lo = mid + 1
		} else if m.Begin > clusterNum {
			hi = mid
		} else {
			return mid
		}
	}
	return -1
}

// findMappingForPath scans for the mapping shadowing a host path. Mappings
// are ordered by cluster, so this is linear.
func (img *Image) findMappingForPath(path string) int {
	for i := 0; i < img.mapping.Len(); i++ {
		if img.mapping.Get(i).Path == path {
			return i
		}
	}
	return -1
}

// Write routes guest writes: the MBR, boot sector, and FS-info sector are
// overlaid in memory without marking the volume modified, other reserved
// sectors are ignored, and everything else lands in the redo log.
func (img *Image) Write(buf []byte) (int, error) {
	if len(buf)%vvfat.SectorSize != 0 {
		return -1, vvfat.ErrUnalignedIO.WithMessage("write length must be a multiple of 512")
	}

	for chunk := buf; len(chunk) > 0; chunk = chunk[vvfat.SectorSize:] {
		sector := chunk[:vvfat.SectorSize]
		viaRedoLog := false

		switch {
		case img.sectorNum == 0:
			// The partition table and signature stay under our control.
			copy(img.firstSectors[:0x1B8], sector[:0x1B8])
		case img.sectorNum == img.offsetToBootsector:
			copy(img.firstSectors[img.sectorNum*vvfat.SectorSize:], sector)
		case img.fatType == fat.Type32 && img.sectorNum == img.offsetToBootsector+1:
			copy(img.firstSectors[img.sectorNum*vvfat.SectorSize:], sector)
		case img.sectorNum < img.offsetToBootsector+uint32(img.reservedSectors):
			// Writes into the rest of the reserved area are dropped.
		default:
			img.modified = true
			viaRedoLog = true
			if _, err := img.redo.Write(sector); err != nil {
				return -1, err
			}
		}

		img.sectorNum++
		if !viaRedoLog {
			if _, err := img.redo.Lseek(
				int64(img.sectorNum)*vvfat.SectorSize, vvfat.SeekSet); err != nil {
				return -1, err
			}
		}
	}
	return len(buf), nil
}

// Close releases every resource. It does not commit; callers that want the
// guest's changes reflected on the host must call CommitChanges first.
func (img *Image) Close() error {
	img.closeCurrentFile()
	var err error
	if img.redo != nil {
		err = img.redo.Close()
		img.redo = nil
	}
	return err
}

// cluster2sector returns the first sector of a data cluster.
func (img *Image) cluster2sector(clusterNum uint32) uint32 {
	return img.offsetToData + (clusterNum-2)*uint32(img.sectorsPerCluster)
}
