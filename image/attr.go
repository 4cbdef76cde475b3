package image

import (
	"bufio"
	"path/filepath"
	"strings"

	"github.com/dargueta/vvfat/fat"
)

// loadFileAttributes restores guest-visible attribute bits from the
// vvfat_attr.cfg sidecar. Each line is `"path":flags`; quotes are optional
// and paths may be absolute or relative to the shadowed root. Unknown lines
// and unmatched paths are ignored.
func (img *Image) loadFileAttributes() {
	file, err := img.fs.Open(img.sidecarPath(AttrFileName))
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		sep := strings.LastIndex(line, ":")
		if sep <= 0 {
			continue
		}
		path := strings.Trim(line[:sep], "\"")
		flags := line[sep+1:]

		if !strings.HasPrefix(path, img.dir) {
			path = filepath.Join(img.dir, path)
		}
		index := img.findMappingForPath(path)
		if index < 0 {
			continue
		}

		entry := img.directory.Get(img.mapping.Get(index).DirIndex)
		attrs := entry.Attributes()
		for _, flag := range flags {
			switch flag {
			case 'a':
				attrs &^= fat.AttrArchived
			case 'S':
				attrs |= fat.AttrSystem
			case 'H':
				attrs |= fat.AttrHidden
			case 'R':
				attrs |= fat.AttrReadOnly
			}
		}
		entry.SetAttributes(attrs)
	}
}

// attributeFlags renders the sidecar flag string for an attributes byte: 'a'
// when the archive bit was cleared (never for directories), then one letter
// per system, hidden, and read-only bit.
func attributeFlags(attrs byte) string {
	var flags strings.Builder
	if attrs&(fat.AttrArchived|fat.AttrDirectory) == 0 {
		flags.WriteByte('a')
	}
	if attrs&fat.AttrSystem != 0 {
		flags.WriteByte('S')
	}
	if attrs&fat.AttrHidden != 0 {
		flags.WriteByte('H')
	}
	if attrs&fat.AttrReadOnly != 0 {
		flags.WriteByte('R')
	}
	return flags.String()
}
