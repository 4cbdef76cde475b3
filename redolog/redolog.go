// Package redolog implements the Bochs redo-log image format: a sparse
// copy-on-write store of 512-byte sectors over a flat backing file.
//
// The file starts with a 512-byte header, followed by a catalog of 32-bit
// slot numbers, followed by extents in allocation order. Each extent is a
// per-sector presence bitmap padded to whole sectors, then the extent's data
// sectors. A catalog entry of 0xFFFFFFFF means the extent has never been
// written.
package redolog

import (
	"encoding/binary"
	"io"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/dargueta/vvfat"
	"github.com/dargueta/vvfat/fat"
	"github.com/noxer/bytewriter"
)

const (
	Magic = "Bochs Virtual HD Image"
	Type  = "Redolog"

	SubtypeUndoable = "Undoable"
	SubtypeVolatile = "Volatile"
	SubtypeGrowing  = "Growing"

	// HeaderVersion is the current on-disk version; HeaderV1 files are still
	// accepted on open and migrated in memory.
	HeaderVersion = 0x00020000
	HeaderV1      = 0x00010000

	headerSize = 512

	// extentNotAllocated is the catalog sentinel for an absent extent.
	extentNotAllocated = 0xFFFFFFFF
)

// Standard header layout (all integers little-endian):
//
//	off 0  magic[32]     off 64 version u32
//	off 32 type[16]      off 68 headerSize u32
//	off 48 subtype[16]
//
// Specific header, current version:
//
//	off 72 catalog u32   off 84 timestamp u32
//	off 76 bitmap u32    off 88 disk u64
//	off 80 extent u32
//
// Version 1 lacks the timestamp field, so its disk size sits at offset 84.
const (
	offVersion   = 64
	offCatalog   = 72
	offBitmap    = 76
	offExtent    = 80
	offTimestamp = 84
	offDisk      = 88
	offDiskV1    = 84
)

// File is the backing storage for a redo log. *os.File satisfies it; tests
// use an in-memory implementation.
type File interface {
	io.ReadWriteSeeker
}

// Log is an open redo log. It models a virtual disk of fixed size whose
// sectors are "absent" until first written.
type Log struct {
	file File

	subtype        string
	catalogEntries uint32
	bitmapSize     uint32 // bytes of bitmap per extent
	extentSize     uint32 // bytes of data per extent
	diskSize       uint64
	timestamp      uint32

	catalog []uint32

	// Cached presence bitmap of the extent imagePos points into. Stale after
	// the position crosses an extent boundary.
	extentBitmap bitmap.Bitmap
	bitmapStale  bool

	extentIndex  uint32 // extent imagePos points into
	extentOffset uint32 // sector offset inside that extent
	extentNext   uint32 // next free slot in the backing file

	bitmapBlocks uint32 // sectors per on-disk bitmap
	extentBlocks uint32 // sectors per on-disk extent body

	imagePos int64
}

// Create initializes a new redo log of the given subtype covering diskSize
// bytes and writes its header and empty catalog to file.
func Create(file File, subtype string, diskSize uint64) (*Log, error) {
	log := &Log{
		file:        file,
		subtype:     subtype,
		diskSize:    diskSize,
		bitmapStale: true,
	}
	log.computeLayout()

	header := make([]byte, headerSize)
	log.encodeHeader(header)
	if err := log.writeAt(0, header); err != nil {
		return nil, vvfat.ErrIOFailed.Wrap(err)
	}

	log.catalog = make([]uint32, log.catalogEntries)
	rawCatalog := make([]byte, 4*log.catalogEntries)
	for i := range log.catalog {
		log.catalog[i] = extentNotAllocated
		binary.LittleEndian.PutUint32(rawCatalog[4*i:], extentNotAllocated)
	}
	if err := log.writeAt(headerSize, rawCatalog); err != nil {
		return nil, vvfat.ErrIOFailed.Wrap(err)
	}

	log.extentBitmap = bitmap.NewSlice(int(log.bitmapSize) * 8)
	return log, nil
}

// Open loads an existing redo log of the given subtype. Version 1 headers
// are migrated in memory; Growing logs get their timestamp refreshed from
// modTime the way a FAT directory entry would be stamped.
func Open(file File, subtype string, modTime time.Time) (*Log, error) {
	if err := CheckFormat(file, subtype); err != nil {
		return nil, err
	}

	header := make([]byte, headerSize)
	if err := readFullAt(file, 0, header); err != nil {
		return nil, vvfat.ErrIOFailed.Wrap(err)
	}

	log := &Log{
		file:           file,
		subtype:        subtype,
		catalogEntries: binary.LittleEndian.Uint32(header[offCatalog:]),
		bitmapSize:     binary.LittleEndian.Uint32(header[offBitmap:]),
		extentSize:     binary.LittleEndian.Uint32(header[offExtent:]),
		bitmapStale:    true,
	}
	if binary.LittleEndian.Uint32(header[offVersion:]) == HeaderV1 {
		log.diskSize = binary.LittleEndian.Uint64(header[offDiskV1:])
	} else {
		log.diskSize = binary.LittleEndian.Uint64(header[offDisk:])
		log.timestamp = binary.LittleEndian.Uint32(header[offTimestamp:])
	}
	log.bitmapBlocks = 1 + (log.bitmapSize-1)/vvfat.SectorSize
	log.extentBlocks = 1 + (log.extentSize-1)/vvfat.SectorSize

	if subtype == SubtypeGrowing {
		stamp := uint32(fat.EncodeTime(modTime)) | uint32(fat.EncodeDate(modTime))<<16
		if err := log.SetTimestamp(stamp); err != nil {
			return nil, err
		}
	}

	rawCatalog := make([]byte, 4*log.catalogEntries)
	if err := readFullAt(file, headerSize, rawCatalog); err != nil {
		return nil, vvfat.ErrIOFailed.Wrap(err)
	}
	log.catalog = make([]uint32, log.catalogEntries)
	for i := range log.catalog {
		slot := binary.LittleEndian.Uint32(rawCatalog[4*i:])
		log.catalog[i] = slot
		if slot != extentNotAllocated && slot >= log.extentNext {
			log.extentNext = slot + 1
		}
	}

	log.extentBitmap = bitmap.NewSlice(int(log.bitmapSize) * 8)
	return log, nil
}

// CheckFormat validates the header of a redo log without opening it: magic,
// type, the expected subtype, and one of the two supported versions.
func CheckFormat(file io.ReadSeeker, subtype string) error {
	header := make([]byte, headerSize)
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return vvfat.ErrIOFailed.Wrap(err)
	}
	if _, err := io.ReadFull(file, header); err != nil {
		return vvfat.ErrFormatMismatch.WithMessage("could not read header")
	}

	if cString(header[0:32]) != Magic {
		return vvfat.ErrFormatMismatch.WithMessage("bad header magic")
	}
	if cString(header[32:48]) != Type {
		return vvfat.ErrFormatMismatch.WithMessage("bad header type")
	}
	if cString(header[48:64]) != subtype {
		return vvfat.ErrFormatMismatch.WithMessage("bad header subtype")
	}

	version := binary.LittleEndian.Uint32(header[offVersion:])
	if version != HeaderVersion && version != HeaderV1 {
		return vvfat.ErrFormatMismatch.WithMessage("bad header version")
	}
	return nil
}

// computeLayout picks the catalog size and extent size for the log's disk
// size by doubling them alternately from 512 entries of one bitmap byte until
// the catalog covers the disk.
func (log *Log) computeLayout() {
	entries := uint32(512)
	bitmapSize := uint32(1)
	flip := 0
	for {
		extentSize := 8 * bitmapSize * vvfat.SectorSize
		if uint64(entries)*uint64(extentSize) >= log.diskSize {
			log.catalogEntries = entries
			log.bitmapSize = bitmapSize
			log.extentSize = extentSize
			break
		}
		flip++
		if flip&1 == 1 {
			bitmapSize *= 2
		} else {
			entries *= 2
		}
	}
	log.bitmapBlocks = 1 + (log.bitmapSize-1)/vvfat.SectorSize
	log.extentBlocks = 1 + (log.extentSize-1)/vvfat.SectorSize
}

func (log *Log) encodeHeader(header []byte) {
	w := bytewriter.New(header)
	var magic [32]byte
	var imageType, subtype [16]byte
	copy(magic[:], Magic)
	copy(imageType[:], Type)
	copy(subtype[:], log.subtype)

	binary.Write(w, binary.LittleEndian, magic)
	binary.Write(w, binary.LittleEndian, imageType)
	binary.Write(w, binary.LittleEndian, subtype)
	binary.Write(w, binary.LittleEndian, uint32(HeaderVersion))
	binary.Write(w, binary.LittleEndian, uint32(headerSize))
	binary.Write(w, binary.LittleEndian, log.catalogEntries)
	binary.Write(w, binary.LittleEndian, log.bitmapSize)
	binary.Write(w, binary.LittleEndian, log.extentSize)
	binary.Write(w, binary.LittleEndian, log.timestamp)
	binary.Write(w, binary.LittleEndian, log.diskSize)
}

// Size returns the size of the virtual disk in bytes.
func (log *Log) Size() uint64 {
	return log.diskSize
}

// Layout returns the catalog entry count, per-extent bitmap size in bytes,
// and extent size in bytes.
func (log *Log) Layout() (catalogEntries, bitmapBytes, extentBytes uint32) {
	return log.catalogEntries, log.bitmapSize, log.extentSize
}

// Timestamp returns the FAT-format modification stamp from the header.
func (log *Log) Timestamp() uint32 {
	return log.timestamp
}

// SetTimestamp stores a FAT-format stamp and rewrites the header on disk.
func (log *Log) SetTimestamp(stamp uint32) error {
	log.timestamp = stamp
	header := make([]byte, headerSize)
	log.encodeHeader(header)
	if err := log.writeAt(0, header); err != nil {
		return vvfat.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Lseek moves the virtual position. The offset must be sector-aligned and
// the result must stay within the virtual disk.
func (log *Log) Lseek(offset int64, whence int) (int64, error) {
	if offset%vvfat.SectorSize != 0 {
		return -1, vvfat.ErrUnalignedIO.WithMessage("seek offset not a multiple of 512")
	}
	var pos int64
	switch whence {
	case vvfat.SeekSet:
		pos = offset
	case vvfat.SeekCur:
		pos = log.imagePos + offset
	default:
		return -1, vvfat.ErrNotSupported.WithMessage("seek mode not supported")
	}
	if pos < 0 || pos > int64(log.diskSize) {
		return -1, vvfat.ErrOutOfRange.WithMessage("seek beyond virtual disk")
	}
	log.imagePos = pos

	oldExtent := log.extentIndex
	log.extentIndex = uint32(pos / int64(log.extentSize))
	if log.extentIndex != oldExtent {
		log.bitmapStale = true
	}
	log.extentOffset = uint32(pos % int64(log.extentSize) / vvfat.SectorSize)
	return pos, nil
}

// extentBase returns the backing-file offset of the bitmap of the on-disk
// slot holding the current extent.
func (log *Log) extentBase() int64 {
	base := int64(headerSize) + int64(log.catalogEntries)*4
	slot := int64(log.catalog[log.extentIndex])
	return base + vvfat.SectorSize*slot*int64(log.extentBlocks+log.bitmapBlocks)
}

func (log *Log) loadBitmap(bitmapOffset int64) error {
	if !log.bitmapStale {
		return nil
	}
	if err := readFullAt(log.file, bitmapOffset, log.extentBitmap); err != nil {
		return vvfat.ErrIOFailed.Wrap(err)
	}
	log.bitmapStale = false
	return nil
}

// Read copies one sector at the current position into buf. It returns 0 with
// no error when the sector has never been written, 512 on a hit. buf must be
// exactly one sector.
func (log *Log) Read(buf []byte) (int, error) {
	if len(buf) != vvfat.SectorSize {
		return -1, vvfat.ErrUnalignedIO.WithMessage("read length must be 512")
	}
	if log.imagePos >= int64(log.diskSize) {
		return 0, nil
	}
	if log.catalog[log.extentIndex] == extentNotAllocated {
		return 0, nil
	}

	bitmapOffset := log.extentBase()
	blockOffset := bitmapOffset + vvfat.SectorSize*int64(log.bitmapBlocks+log.extentOffset)

	if err := log.loadBitmap(bitmapOffset); err != nil {
		return -1, err
	}
	if !log.extentBitmap.Get(int(log.extentOffset)) {
		return 0, nil
	}

	if err := readFullAt(log.file, blockOffset, buf); err != nil {
		return -1, vvfat.ErrIOFailed.Wrap(err)
	}
	if _, err := log.Lseek(vvfat.SectorSize, vvfat.SeekCur); err != nil {
		return -1, err
	}
	return vvfat.SectorSize, nil
}

// Write stores one sector at the current position, allocating and
// zero-filling a fresh extent when the region is touched for the first time.
// Flush order is data, then bitmap, then catalog, so a torn write can never
// leave the catalog or bitmap claiming a sector that was not stored.
func (log *Log) Write(buf []byte) (int, error) {
	if len(buf) != vvfat.SectorSize {
		return -1, vvfat.ErrUnalignedIO.WithMessage("write length must be 512")
	}
	if log.imagePos >= int64(log.diskSize) {
		return -1, vvfat.ErrOutOfRange.WithMessage("write beyond virtual disk")
	}

	updateCatalog := false
	if log.catalog[log.extentIndex] == extentNotAllocated {
		if log.extentNext >= log.catalogEntries {
			return -1, vvfat.ErrCatalogFull
		}
		log.catalog[log.extentIndex] = log.extentNext
		log.extentNext++

		// Zero-fill the new slot's bitmap and data so the extent never
		// exposes stale file contents.
		zero := make([]byte, vvfat.SectorSize)
		offset := log.extentBase()
		for i := uint32(0); i < log.bitmapBlocks+log.extentBlocks; i++ {
			if err := log.writeAt(offset, zero); err != nil {
				log.catalog[log.extentIndex] = extentNotAllocated
				log.extentNext--
				return -1, vvfat.ErrIOFailed.Wrap(err)
			}
			offset += vvfat.SectorSize
		}
		updateCatalog = true
	}

	bitmapOffset := log.extentBase()
	blockOffset := bitmapOffset + vvfat.SectorSize*int64(log.bitmapBlocks+log.extentOffset)

	if err := log.writeAt(blockOffset, buf); err != nil {
		return -1, vvfat.ErrIOFailed.Wrap(err)
	}

	if err := log.loadBitmap(bitmapOffset); err != nil {
		return -1, err
	}
	if !log.extentBitmap.Get(int(log.extentOffset)) {
		log.extentBitmap.Set(int(log.extentOffset), true)
		if err := log.writeAt(bitmapOffset, log.extentBitmap); err != nil {
			return -1, vvfat.ErrIOFailed.Wrap(err)
		}
	}

	if updateCatalog {
		var slot [4]byte
		binary.LittleEndian.PutUint32(slot[:], log.catalog[log.extentIndex])
		catalogOffset := int64(headerSize) + int64(log.extentIndex)*4
		if err := log.writeAt(catalogOffset, slot[:]); err != nil {
			return -1, vvfat.ErrIOFailed.Wrap(err)
		}
	}

	if _, err := log.Lseek(vvfat.SectorSize, vvfat.SeekCur); err != nil {
		return -1, err
	}
	return vvfat.SectorSize, nil
}

// SaveState copies the backing file into dst, front to back. The log remains
// usable afterwards.
func (log *Log) SaveState(dst io.Writer) error {
	if _, err := log.file.Seek(0, io.SeekStart); err != nil {
		return vvfat.ErrIOFailed.Wrap(err)
	}
	buf := make([]byte, 0x20000)
	if _, err := io.CopyBuffer(dst, log.file, buf); err != nil {
		return vvfat.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Close releases the backing file if it owns a Close method.
func (log *Log) Close() error {
	if closer, ok := log.file.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (log *Log) writeAt(offset int64, buf []byte) error {
	if _, err := log.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err := log.file.Write(buf)
	return err
}

func readFullAt(file io.ReadSeeker, offset int64, buf []byte) error {
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(file, buf)
	return err
}

// cString interprets a NUL-padded byte field.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
