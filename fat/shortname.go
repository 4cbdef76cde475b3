package fat

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// shortNameForbidden lists the characters that can never appear in an 8.3
// name and are replaced with '_'.
const shortNameForbidden = ".*?<>|\":/\\[];,+='"

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// FormatShortName derives the 11-byte 8.3 name for a filename: spaces
// stripped, split at the last dot, uppercased, with out-of-range and
// forbidden characters replaced by '_' and both halves space-padded. A
// leading 0xE5 byte is rewritten to 0x05 so the entry does not read as
// deleted.
//
// lossy reports whether the 8.3 form no longer identifies the filename on
// its own (spaces removed, characters replaced, or either half truncated).
// Lossy names receive a numeric tail so the guest sees distinct short names
// even before any collision mangling.
func FormatShortName(filename string) (name [11]byte, lossy bool) {
	stripped := strings.ReplaceAll(filename, " ", "")
	lossy = len(stripped) != len(filename)

	base := stripped
	ext := ""
	if dot := strings.LastIndexByte(stripped, '.'); dot > 0 {
		base = stripped[:dot]
		ext = stripped[dot+1:]
	}
	if len(base) > 8 {
		base = base[:8]
		lossy = true
	}
	if len(ext) > 3 {
		ext = ext[:3]
		lossy = true
	}

	for i := range name {
		name[i] = ' '
	}
	copy(name[0:8], base)
	copy(name[8:11], ext)

	for i := range name {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			name[i] = c - 'a' + 'A'
		case c < 0x20 || c > 0x7F || strings.IndexByte(shortNameForbidden, c) >= 0:
			name[i] = '_'
			lossy = true
		}
	}
	if name[0] == EntryDeleted {
		name[0] = EntryE5Escape
	}
	return name, lossy
}

// ApplyNumericTail rewrites the name half to the "~1" form: at most six name
// characters followed by '~' and a digit.
func ApplyNumericTail(name *[11]byte) {
	end := 6
	for end > 0 && name[end-1] == ' ' {
		end--
	}
	name[end] = '~'
	name[end+1] = '1'
	for i := end + 2; i < 8; i++ {
		name[i] = ' '
	}
}

// MangleShortName rewrites name in place to the next candidate after a
// collision with a sibling. Trailing spaces in the name half become '~', then
// positions 1..7 act as a zero-padded counter incremented with carry.
func MangleShortName(name *[11]byte) {
	if name[7] == ' ' {
		for j := 6; j > 0 && name[j] == ' '; j-- {
			name[j] = '~'
		}
	}

	j := 7
	for ; j > 0 && name[j] == '9'; j-- {
		name[j] = '0'
	}
	if j > 0 {
		if name[j] < '0' || name[j] > '9' {
			name[j] = '0'
		} else {
			name[j]++
		}
	}
}

// lfnCharsPerEntry is how many UTF-16 code units one long-name fragment
// holds.
const lfnCharsPerEntry = 13

// MaxLongNameEntries bounds a long-name sequence; 20 fragments cover the 255
// character filename limit.
const MaxLongNameEntries = 20

// LongNameEntries encodes filename as a sequence of long-filename fragments
// in physical (on-disk) order: the first returned entry carries the highest
// sequence number with the 0x40 terminator bit, and holds the tail of the
// name. Checksums are left zero; the caller stamps them once the short name
// is final.
func LongNameEntries(filename string) []Dirent {
	encoded, err := utf16le.NewEncoder().Bytes([]byte(filename))
	if err != nil {
		// Fall back to the raw bytes widened as Latin-1.
		encoded = make([]byte, 2*len(filename))
		for i := 0; i < len(filename); i++ {
			encoded[2*i] = filename[i]
		}
	}

	count := (len(encoded) + 2*lfnCharsPerEntry - 1) / (2 * lfnCharsPerEntry)
	if count > MaxLongNameEntries {
		count = MaxLongNameEntries
	}

	// Terminate with 0x0000 if there is room, then pad with 0xFFFF.
	padded := make([]byte, count*2*lfnCharsPerEntry)
	for i := range padded {
		padded[i] = 0xFF
	}
	copy(padded, encoded)
	if len(encoded)+2 <= len(padded) {
		padded[len(encoded)] = 0
		padded[len(encoded)+1] = 0
	}

	entries := make([]Dirent, count)
	for i := range entries {
		entry := &entries[i]
		entry[0] = byte(count - i)
		if i == 0 {
			entry[0] |= 0x40
		}
		entry.SetAttributes(AttrLongName)

		// Physically first entry holds the last chunk of the name.
		chunk := padded[(count-1-i)*2*lfnCharsPerEntry:][:2*lfnCharsPerEntry]
		for j, pos := range lfnBytePositions {
			entry[pos] = chunk[2*j]
			entry[pos+1] = chunk[2*j+1]
		}
	}
	return entries
}

// AppendLongNameFragment prepends the 26 name bytes held by a long-name
// fragment to acc. Fragments are stored on disk before the short entry with
// the name's tail first, so walking entries in physical order and prepending
// reassembles the name front to back.
func AppendLongNameFragment(acc []byte, d *Dirent) []byte {
	fragment := make([]byte, 0, 2*lfnCharsPerEntry+len(acc))
	for _, pos := range lfnBytePositions {
		fragment = append(fragment, d[pos], d[pos+1])
	}
	return append(fragment, acc...)
}

// DecodeLongName converts accumulated UTF-16LE fragment bytes into a string,
// stopping at the terminator.
func DecodeLongName(acc []byte) string {
	end := len(acc)
	for i := 0; i+1 < len(acc); i += 2 {
		if acc[i] == 0 && acc[i+1] == 0 {
			end = i
			break
		}
		if acc[i] == 0xFF && acc[i+1] == 0xFF {
			end = i
			break
		}
	}
	decoded, err := utf16le.NewDecoder().Bytes(acc[:end])
	if err != nil {
		return string(acc[:end])
	}
	return string(decoded)
}
