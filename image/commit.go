package image

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dargueta/vvfat"
	"github.com/dargueta/vvfat/fat"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

// commitState carries what every step of the reconciliation walk needs: the
// FAT as the guest last wrote it and the attribute sidecar being rebuilt.
type commitState struct {
	fat2 *fat.Table
	attr *bufio.Writer
	errs *multierror.Error
}

// CommitChanges reconciles the shadowed directory with the guest's view of
// the volume. The redo-log overlay is the source of truth: the FAT and
// directory tree are read back through the device, diffed against the
// mapping table, and the host directory is mutated to match. Mappings whose
// objects no longer appear anywhere are deleted from the host.
//
// A partial failure does not stop the walk; all errors are aggregated into
// the returned error.
func (img *Image) CommitChanges() error {
	fatBytes := make([]byte, img.sectorsPerFAT*vvfat.SectorSize)
	if err := img.readRange(int64(img.offsetToFAT)*vvfat.SectorSize, fatBytes); err != nil {
		return err
	}

	state := &commitState{fat2: fat.TableFromBytes(img.fatType, fatBytes)}

	// Everything that survives the walk gets its deleted bit cleared again.
	for i := 1; i < img.mapping.Len(); i++ {
		img.mapping.Get(i).Mode |= ModeDeleted
	}

	attrFile, err := img.fs.Create(img.sidecarPath(AttrFileName))
	if err == nil {
		state.attr = bufio.NewWriter(attrFile)
	}

	startCluster := uint32(0)
	if img.fatType == fat.Type32 {
		startCluster = img.firstClusterOfRootDir
	}
	img.parseDirectory(img.dir, startCluster, state)

	if attrFile != nil {
		state.attr.Flush()
		attrFile.Close()
	}

	// Children sit after their parents in the mapping table, so the reverse
	// walk empties directories before removing them.
	for i := img.mapping.Len() - 1; i >= 1; i-- {
		m := img.mapping.Get(i)
		if m.Mode&ModeDeleted == 0 {
			continue
		}
		if err := img.fs.Remove(m.Path); err != nil {
			state.errs = multierror.Append(state.errs, err)
		}
	}
	return state.errs.ErrorOrNil()
}

// readRange reads a byte range through the device stack so redo-log overlays
// are visible. The offset and length must be sector-aligned.
func (img *Image) readRange(offset int64, buf []byte) error {
	if _, err := img.Lseek(offset, vvfat.SeekSet); err != nil {
		return err
	}
	_, err := img.Read(buf)
	return err
}

// readDirectoryBytes collects the raw entries of one directory as the guest
// sees it: the fixed root window for FAT12/16, or the cluster chain from
// fat2 otherwise.
func (img *Image) readDirectoryBytes(startCluster uint32, state *commitState) []byte {
	if startCluster == 0 {
		buf := make([]byte, int(img.rootEntries)*fat.DirentSize)
		if err := img.readRange(int64(img.offsetToRootDir)*vvfat.SectorSize, buf); err != nil {
			state.errs = multierror.Append(state.errs, err)
			return nil
		}
		return buf
	}

	reserved := img.maxFATValue - 15
	var out []byte
	next := startCluster
	for hops := uint32(0); hops <= img.clusterCount; hops++ {
		cur := next
		chunk := make([]byte, img.clusterSize)
		offset := int64(img.cluster2sector(cur)) * vvfat.SectorSize
		if err := img.readRange(offset, chunk); err != nil {
			state.errs = multierror.Append(state.errs, err)
			break
		}
		out = append(out, chunk...)
		next = state.fat2.Get(cur)
		if next >= reserved || next < 2 {
			break
		}
	}
	return out
}

// parseDirectory walks one directory of the guest's volume and reconciles
// every entry against the host.
func (img *Image) parseDirectory(hostPath string, startCluster uint32, state *commitState) {
	buf := img.readDirectoryBytes(startCluster, state)

	var acc []byte
	hasLongName := false
	for offset := 0; offset+fat.DirentSize <= len(buf); offset += fat.DirentSize {
		var entry fat.Dirent
		copy(entry[:], buf[offset:])

		if entry[0] == fat.EntryFree {
			break
		}
		if entry[0] == '.' || entry[0] == fat.EntryDeleted ||
			entry.Attributes()&0x0F == fat.AttrVolumeLabel {
			continue
		}
		if entry.IsLongName() {
			acc = fat.AppendLongNameFragment(acc, &entry)
			hasLongName = true
			continue
		}

		var filename string
		if hasLongName {
			filename = fat.DecodeLongName(acc)
		} else {
			filename = shortEntryFilename(&entry)
		}
		acc = nil
		hasLongName = false

		img.reconcileEntry(hostPath, filename, &entry, state)
	}
}

// reconcileEntry applies one guest directory entry to the host: create,
// rewrite, rename, or recurse, and record its attribute bits in the sidecar.
func (img *Image) reconcileEntry(
	hostPath, filename string, entry *fat.Dirent, state *commitState,
) {
	fullPath := filepath.Join(hostPath, filename)
	attrs := entry.Attributes()
	isDir := attrs&fat.AttrDirectory != 0

	if attrs != fat.AttrDirectory && attrs != fat.AttrArchived && state.attr != nil {
		relPath := strings.TrimPrefix(fullPath, img.dir+string(os.PathSeparator))
		fmt.Fprintf(state.attr, "\"%s\":%s\n", relPath, attributeFlags(attrs))
	}

	start := entry.Begin()
	index := -1
	if start >= 2 {
		index = img.findMappingForCluster(start)
	}

	if index < 0 {
		img.applyAsNew(fullPath, start, entry, isDir, state)
		return
	}

	m := img.mapping.Get(index)
	stored := img.directory.Get(m.DirIndex)

	switch {
	case fullPath == m.Path:
		if isDir {
			img.parseDirectory(fullPath, start, state)
		} else if img.entryChanged(entry, stored) {
			img.writeFile(fullPath, entry, false, state)
		}
		img.mapping.Get(index).Mode &^= ModeDeleted

	case entry.CDate() == stored.CDate() && entry.CTime() == stored.CTime():
		// Same creation stamp, different name: the guest renamed it.
		if err := img.fs.Rename(m.Path, fullPath); err != nil {
			state.errs = multierror.Append(state.errs, err)
		}
		if isDir {
			img.parseDirectory(fullPath, start, state)
		} else if img.entryChanged(entry, stored) {
			img.writeFile(fullPath, entry, false, state)
		}
		img.mapping.Get(index).Mode &^= ModeDeleted

	default:
		// The cluster range was reused for an unrelated object.
		img.applyAsNew(fullPath, start, entry, isDir, state)
	}
}

// applyAsNew materializes a guest entry with no surviving mapping: mkdir and
// recurse for directories, create or overwrite for files.
func (img *Image) applyAsNew(
	fullPath string, start uint32, entry *fat.Dirent, isDir bool, state *commitState,
) {
	if isDir {
		if err := img.fs.Mkdir(fullPath, 0o755); err != nil && !os.IsExist(err) {
			state.errs = multierror.Append(state.errs, err)
			return
		}
		if start >= 2 {
			img.parseDirectory(fullPath, start, state)
		}
		return
	}

	exists, _ := afero.Exists(img.fs, fullPath)
	if exists {
		if pathIndex := img.findMappingForPath(fullPath); pathIndex >= 0 {
			img.mapping.Get(pathIndex).Mode &^= ModeDeleted
		}
	}
	img.writeFile(fullPath, entry, !exists, state)
}

// entryChanged reports whether the guest's entry differs from the ingested
// one in any field that implies new content.
func (img *Image) entryChanged(entry, stored *fat.Dirent) bool {
	return entry.MDate() != stored.MDate() ||
		entry.MTime() != stored.MTime() ||
		entry.Size() != stored.Size()
}

// writeFile materializes one guest file on the host by walking its cluster
// chain through the redo-log-aware read path, then stamps the host file's
// times from the directory entry.
func (img *Image) writeFile(
	path string, entry *fat.Dirent, create bool, state *commitState,
) {
	flags := os.O_RDWR | os.O_TRUNC
	if create {
		flags |= os.O_CREATE
	}
	file, err := img.fs.OpenFile(path, flags, 0o644)
	if err != nil {
		state.errs = multierror.Append(state.errs, err)
		return
	}

	reserved := img.maxFATValue - 15
	remaining := int64(entry.Size())
	next := entry.Begin()

	if remaining > 0 && next >= 2 {
		buf := make([]byte, img.clusterSize)
		for hops := uint32(0); hops <= img.clusterCount; hops++ {
			cur := next
			offset := int64(img.cluster2sector(cur)) * vvfat.SectorSize
			if err := img.readRange(offset, buf); err != nil {
				state.errs = multierror.Append(state.errs, err)
				break
			}

			n := int64(img.clusterSize)
			if remaining < n {
				n = remaining
			}
			if _, err := file.Write(buf[:n]); err != nil {
				state.errs = multierror.Append(state.errs, err)
				break
			}
			remaining -= n

			next = state.fat2.Get(cur)
			if fat.IsReserved(next, img.maxFATValue) {
				img.warnf("reserved clusters not supported")
			}
			if next >= reserved || next < 2 {
				break
			}
		}
	}
	if err := file.Close(); err != nil {
		state.errs = multierror.Append(state.errs, err)
	}

	modTime := entry.ModTime()
	accessTime := modTime
	if entry.ADate() != 0 {
		accessTime = entry.AccessTime()
	}
	if err := img.fs.Chtimes(path, accessTime, modTime); err != nil {
		state.errs = multierror.Append(state.errs, err)
	}
}

// shortEntryFilename reconstructs a filename from an 8.3 entry the way DOS
// presents it: trimmed, dotted, lowercased.
func shortEntryFilename(entry *fat.Dirent) string {
	name := make([]byte, 0, 12)
	name = append(name, entry.NameBytes()...)
	if name[0] == fat.EntryE5Escape {
		name[0] = fat.EntryDeleted
	}
	for len(name) > 0 && name[len(name)-1] == ' ' {
		name = name[:len(name)-1]
	}

	ext := entry.ExtensionBytes()
	if ext[0] != ' ' {
		name = append(name, '.')
		for _, c := range ext {
			if c == ' ' {
				break
			}
			name = append(name, c)
		}
	}

	for i, c := range name {
		if c >= 'A' && c <= 'Z' {
			name[i] = c + 'a' - 'A'
		}
	}
	return string(name)
}
