package image

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dargueta/vvfat"
	"github.com/dargueta/vvfat/fat"
	"github.com/spf13/afero"
)

// initDirectories builds the whole synthetic volume: metadata sectors, the
// FAT, the directory array, and the mapping table tiling the data region.
func (img *Image) initDirectories() error {
	img.clusterSize = uint32(img.sectorsPerCluster) * vvfat.SectorSize
	img.clusterBuffer = make([]byte, img.clusterSize)

	var volumeSectorCount uint32
	if !img.useBootFile {
		volumeSectorCount = img.geometry.SectorCount - img.offsetToBootsector
		// Solve for the cluster count: every cluster costs its data sectors
		// plus fatType/8 bytes of FAT entry in each of the two tables.
		usable := uint64(volumeSectorCount) -
			uint64(img.reservedSectors) - uint64(img.rootEntries)/16
		img.clusterCount = uint32(
			usable * vvfat.SectorSize /
				(uint64(img.clusterSize) + uint64(img.fatType)/4))
		fatBytes := (img.clusterCount + 2) * uint32(img.fatType) / 8
		img.sectorsPerFAT = (fatBytes + vvfat.SectorSize - 1) / vvfat.SectorSize
	} else {
		img.sectorsPerFAT = img.importedSectorsPerFAT
	}

	img.offsetToFAT = img.offsetToBootsector + uint32(img.reservedSectors)
	img.offsetToRootDir = img.offsetToFAT + img.sectorsPerFAT*2
	img.offsetToData = img.offsetToRootDir + uint32(img.rootEntries)/16
	if img.useBootFile {
		img.clusterCount = (img.geometry.SectorCount - img.offsetToData) /
			uint32(img.sectorsPerCluster)
	}

	img.fatTable = fat.NewTable(img.fatType, img.sectorsPerFAT)

	// The synthetic volume label is always the first root entry.
	label := img.directory.Get(img.directory.Next())
	label.SetAttributes(fat.AttrArchived | fat.AttrVolumeLabel)
	label.SetMDate(0x3D81)
	label.SetMTime(0x6000)
	copy(label.NameBytes(), "BOCHS VV")
	copy(label.ExtensionBytes(), "FAT")

	root := img.mapping.Get(img.mapping.Next())
	root.Begin = 0
	root.DirIndex = 0
	root.ParentMappingIndex = -1
	root.Path = strings.TrimSuffix(img.dir, string(os.PathSeparator))
	if root.Path == "" {
		root.Path = img.dir
	}
	root.Mode = ModeDirectory
	img.dir = root.Path

	// First pass: lay out every directory in BFS order. Ingesting one
	// directory appends the mappings of its children, so the loop bound
	// moves.
	cluster := img.firstClusterOfRootDir
	for i := 0; i < img.mapping.Len(); i++ {
		if img.mapping.Get(i).Mode&ModeDirectory == 0 {
			continue
		}
		img.mapping.Get(i).Begin = cluster
		if err := img.readDirectory(i); err != nil {
			return err
		}

		m := img.mapping.Get(i)
		cluster = m.End
		if err := img.checkCapacity(cluster); err != nil {
			return err
		}
		img.fixFATChain(m)
	}

	// Second pass: files take the clusters after all directories, in the
	// order they were discovered.
	for i := 0; i < img.mapping.Len(); i++ {
		m := img.mapping.Get(i)
		if m.Mode != ModeUndefined {
			continue
		}
		size := m.End // readDirectory stashed the byte size here
		m.Mode = ModeNormal
		m.Begin = cluster
		if size > 0 {
			m.End = cluster + 1 + (size-1)/img.clusterSize
		} else {
			m.End = cluster + 1
		}

		img.directory.Get(m.DirIndex).SetBegin(m.Begin)

		cluster = m.End
		if err := img.checkCapacity(cluster); err != nil {
			return err
		}
		img.fixFATChain(m)
	}

	img.sortMappings()

	// FAT signature entries, with the media descriptor in the low byte of
	// entry 0.
	img.fatTable.Set(0, img.maxFATValue)
	img.fatTable.Set(1, img.maxFATValue)

	if !img.useBootFile {
		img.encodeBootSector(volumeSectorCount)
	}
	media := img.firstSectors[img.offsetToBootsector*vvfat.SectorSize+21]
	img.fatTable.SetMediaByte(media)

	if img.fatType == fat.Type32 {
		bootOffset := img.offsetToBootsector * vvfat.SectorSize
		copy(
			img.firstSectors[(img.offsetToBootsector+6)*vvfat.SectorSize:][:vvfat.SectorSize],
			img.firstSectors[bootOffset:][:vvfat.SectorSize],
		)
		fat.EncodeInfoSector(
			img.firstSectors[(img.offsetToBootsector+1)*vvfat.SectorSize:][:vvfat.SectorSize],
			img.clusterCount-cluster+2,
			2,
		)
	}
	return nil
}

// readDirectory ingests one host directory: it appends directory entries for
// every child, creates mappings for subdirectories and non-empty files, pads
// the entry run to a whole cluster, and assigns the directory's cluster
// range.
func (img *Image) readDirectory(mappingIndex int) error {
	m := img.mapping.Get(mappingIndex)
	dirPath := m.Path
	firstCluster := m.Begin
	parentIndex := m.ParentMappingIndex
	isRoot := parentIndex < 0

	infos, err := afero.ReadDir(img.fs, dirPath)
	if err != nil {
		m.End = m.Begin
		return vvfat.ErrNotFound.WithMessage(
			fmt.Sprintf("could not read directory '%s'", dirPath))
	}

	firstDirIndex := 0
	if !isRoot {
		firstDirIndex = img.directory.Len()
	}
	m.FirstDirIndex = firstDirIndex

	if !isRoot {
		parentBegin := img.mapping.Get(parentIndex).Begin
		selfInfo, statErr := img.fs.Stat(dirPath)
		dot := img.directory.Get(img.directory.Next())
		dotdot := img.directory.Get(img.directory.Next())
		copy(dot.NameBytes(), ".       ")
		copy(dot.ExtensionBytes(), "   ")
		copy(dotdot.NameBytes(), "..      ")
		copy(dotdot.ExtensionBytes(), "   ")
		for _, e := range []*fat.Dirent{dot, dotdot} {
			e.SetAttributes(fat.AttrDirectory)
			if statErr == nil {
				stampTimes(e, selfInfo)
			}
		}
		dot.SetBegin(firstCluster)
		dotdot.SetBegin(parentBegin)
	}

	count := 0
	for i, info := range infos {
		name := info.Name()
		if isRoot {
			isSidecar := name == AttrFileName ||
				((name == MBRFileName || name == BootFileName) && info.Size() == vvfat.SectorSize)
			if isSidecar {
				continue
			}
		}

		if isRoot && img.fatType != fat.Type32 &&
			img.directory.Len() >= int(img.rootEntries)-1 {
			img.droppedRootEntries += len(infos) - i
			img.warnf("Too many entries in root directory, using only %d", count)
			break
		}

		if info.Size() > 0x7FFFFFFF {
			return vvfat.ErrFileTooLarge.WithMessage(
				fmt.Sprintf("file '%s' is larger than 2GB", filepath.Join(dirPath, name)))
		}

		dirIdx := img.createShortAndLongName(firstDirIndex, name)
		entry := img.directory.Get(dirIdx)

		readOnly := info.Mode()&0o222 == 0
		if info.IsDir() {
			entry.SetAttributes(fat.AttrDirectory)
			entry.SetSize(0)
		} else {
			attrs := byte(fat.AttrArchived)
			if readOnly {
				attrs |= fat.AttrReadOnly
			}
			entry.SetAttributes(attrs)
			entry.SetSize(uint32(info.Size()))
		}
		stampTimes(entry, info)
		entry.SetBegin(0) // assigned once the layout is known

		if info.IsDir() || info.Size() > 0 {
			childIndex := img.mapping.Next()
			child := img.mapping.Get(childIndex)
			child.Begin = 0
			child.End = uint32(info.Size())
			child.DirIndex = dirIdx
			child.Path = filepath.Join(dirPath, name)
			child.ReadOnly = readOnly
			if info.IsDir() {
				child.Mode = ModeDirectory
				child.ParentMappingIndex = mappingIndex
			} else {
				child.Mode = ModeUndefined
			}
		}
		count++
	}

	// Zero-fill up to the end of the cluster.
	entriesPerCluster := 0x10 * int(img.sectorsPerCluster)
	for (img.directory.Len()-firstDirIndex)%entriesPerCluster != 0 {
		img.directory.Next()
	}

	// A FAT12/16 root directory occupies a fixed entry count outside the
	// data region.
	if img.fatType != fat.Type32 && isRoot &&
		img.directory.Len() < int(img.rootEntries) {
		img.directory.EnsureIndex(int(img.rootEntries) - 1)
	}

	m = img.mapping.Get(mappingIndex)
	if firstCluster == 0 && img.fatType != fat.Type32 {
		m.End = 2
	} else {
		entryBytes := uint32(img.directory.Len()-m.FirstDirIndex) * fat.DirentSize
		m.End = firstCluster + entryBytes/img.clusterSize
	}

	img.directory.Get(m.DirIndex).SetBegin(m.Begin)
	return nil
}

// stampTimes fills the creation, access, and modification stamps from host
// file info. The host exposes one portable timestamp, so all three derive
// from it; the guest preserves these fields byte for byte, which is what the
// commit engine's rename detection relies on.
func stampTimes(entry *fat.Dirent, info os.FileInfo) {
	mod := info.ModTime()
	entry.SetCTime(fat.EncodeTime(mod))
	entry.SetCDate(fat.EncodeDate(mod))
	entry.SetADate(fat.EncodeDate(mod))
	entry.SetModTime(mod)
}

// createShortAndLongName appends the long-name fragments and the short entry
// for filename, mangling the short name until it is unique among the
// directory's entries starting at dirStart. It returns the short entry's
// index.
func (img *Image) createShortAndLongName(dirStart int, filename string) int {
	longIndex := img.directory.Len()
	for _, fragment := range fat.LongNameEntries(filename) {
		*img.directory.Get(img.directory.Next()) = fragment
	}

	name, lossy := fat.FormatShortName(filename)
	if lossy {
		fat.ApplyNumericTail(&name)
	}
	for img.shortNameExists(dirStart, name) {
		fat.MangleShortName(&name)
	}

	shortIndex := img.directory.Next()
	entry := img.directory.Get(shortIndex)
	copy(entry[0:11], name[:])

	sum := fat.Checksum(name[:])
	for i := longIndex; i < shortIndex; i++ {
		img.directory.Get(i).SetChecksum(sum)
	}
	return shortIndex
}

func (img *Image) shortNameExists(dirStart int, name [11]byte) bool {
	for i := dirStart; i < img.directory.Len(); i++ {
		entry := img.directory.Get(i)
		if !entry.IsLongName() && bytes.Equal(entry[0:11], name[:]) {
			return true
		}
	}
	return false
}

// fixFATChain threads the cluster chain of one mapping through the FAT. The
// FAT12/16 root directory lives outside the data region and has no chain.
func (img *Image) fixFATChain(m *Mapping) {
	if m.Begin == 0 {
		return
	}
	for c := m.Begin; c < m.End-1; c++ {
		img.fatTable.Set(c, c+1)
	}
	img.fatTable.Set(m.End-1, img.maxFATValue)
}

// checkCapacity fails the build once the cluster cursor runs past what the
// FAT can address.
func (img *Image) checkCapacity(cluster uint32) error {
	if cluster < img.clusterCount+2 {
		return nil
	}
	var capacity string
	if img.fatType == fat.Type12 {
		if img.geometry.SectorCount == 2880 {
			capacity = "1.44"
		} else {
			capacity = "2.88"
		}
	} else {
		capacity = fmt.Sprintf("%d", img.geometry.SectorCount>>11)
	}
	return vvfat.ErrCapacityExceeded.WithMessage(fmt.Sprintf(
		"directory does not fit in FAT%d (capacity %s MB)", img.fatType, capacity))
}

// sortMappings restores the table's order-by-Begin invariant after the
// two-pass cluster assignment and rewrites parent indices to match.
func (img *Image) sortMappings() {
	order := make([]int, img.mapping.Len())
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return img.mapping.Get(order[a]).Begin < img.mapping.Get(order[b]).Begin
	})

	oldToNew := make([]int, len(order))
	sorted := make([]Mapping, len(order))
	for newIndex, oldIndex := range order {
		sorted[newIndex] = *img.mapping.Get(oldIndex)
		oldToNew[oldIndex] = newIndex
	}
	for i := range sorted {
		if sorted[i].Mode&ModeDirectory != 0 && sorted[i].ParentMappingIndex >= 0 {
			sorted[i].ParentMappingIndex = oldToNew[sorted[i].ParentMappingIndex]
		}
		*img.mapping.Get(i) = sorted[i]
	}
}

// encodeBootSector renders the synthesized boot sector into firstSectors.
func (img *Image) encodeBootSector(volumeSectorCount uint32) {
	bs := fat.BootSector{
		BytesPerSector:    vvfat.SectorSize,
		SectorsPerCluster: img.sectorsPerCluster,
		ReservedSectors:   img.reservedSectors,
		NumFATs:           2,
		Media:             fat.MediaByte(img.fatType),
		SectorsPerTrack:   uint16(img.geometry.SectorsPerTrack),
		NumHeads:          uint16(img.geometry.Heads),
		HiddenSectors:     img.offsetToBootsector,
		VolumeID:          0xFABE1AFD + openCount,
		FSType:            fat.FSTypeString(img.fatType),
		FATType:           img.fatType,
	}
	// Win95/98 detect FAT32 by this OEM name.
	copy(bs.OEMName[:], "MSWIN4.1")
	copy(bs.VolumeLabel[:], "BOCHS VVFAT")

	bs.Jump = [3]byte{0xEB, 0x3E, 0x90}
	if img.fatType == fat.Type32 {
		bs.Jump[1] = 0x58
	}

	if volumeSectorCount > 0xFFFF {
		bs.TotalSectors32 = volumeSectorCount
	} else {
		bs.TotalSectors16 = uint16(volumeSectorCount)
	}

	if img.fatType == fat.Type32 {
		bs.SectorsPerFAT32 = img.sectorsPerFAT
		bs.RootDirCluster = img.firstClusterOfRootDir
		bs.InfoSector = 1
		bs.BackupBootSector = 6
		bs.DriveNumber = 0x80
	} else {
		bs.RootEntries = img.rootEntries
		bs.SectorsPerFAT16 = uint16(img.sectorsPerFAT)
		if img.fatType == fat.Type12 {
			bs.DriveNumber = 0
		} else {
			bs.DriveNumber = 0x80
		}
	}

	bs.Encode(img.firstSectors[img.offsetToBootsector*vvfat.SectorSize:][:vvfat.SectorSize])
}
