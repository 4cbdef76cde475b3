package fat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableRoundTrip16(t *testing.T) {
	table := NewTable(Type16, 4)

	table.Set(2, 3)
	table.Set(3, 0xFFFF)
	assert.EqualValues(t, 3, table.Get(2))
	assert.EqualValues(t, 0xFFFF, table.Get(3))

	// Raw little-endian layout, two bytes per entry.
	assert.Equal(t, []byte{0x03, 0x00}, table.Bytes()[4:6])
}

func TestTableRoundTrip12(t *testing.T) {
	table := NewTable(Type12, 4)

	// Adjacent entries share a byte; make sure neighbors survive writes.
	table.Set(2, 0xABC)
	table.Set(3, 0x123)
	table.Set(4, 0xFFF)

	assert.EqualValues(t, 0xABC, table.Get(2))
	assert.EqualValues(t, 0x123, table.Get(3))
	assert.EqualValues(t, 0xFFF, table.Get(4))

	table.Set(3, 0)
	assert.EqualValues(t, 0xABC, table.Get(2), "even neighbor clobbered")
	assert.EqualValues(t, 0xFFF, table.Get(4), "next even entry clobbered")
}

func TestTableFAT32PreservesReservedBits(t *testing.T) {
	table := NewTable(Type32, 4)

	// Plant reserved top bits directly in the raw entry.
	putLE32(table.Bytes()[2*4:], 0xA0000000)
	table.Set(2, 0x0FFFFFFF)

	assert.Equal(t, uint32(0xAFFFFFFF), le32(table.Bytes()[2*4:]),
		"write must not clear the reserved top bits")
	assert.EqualValues(t, 0x0FFFFFFF, table.Get(2))
}

func TestTableSignatureEntries(t *testing.T) {
	table := NewTable(Type16, 4)
	table.Set(0, MaxValue(Type16))
	table.Set(1, MaxValue(Type16))
	table.SetMediaByte(0xF8)

	assert.EqualValues(t, 0xFFF8, table.Get(0))
	assert.EqualValues(t, 0xFFFF, table.Get(1))
}

func TestChainClassification(t *testing.T) {
	max := MaxValue(Type16)

	assert.True(t, IsEndOfChain(0xFFFF, max))
	assert.True(t, IsEndOfChain(max-7, max))
	assert.False(t, IsEndOfChain(max-8, max), "bad-cluster marker is not EOC")

	assert.True(t, IsReserved(max-15, max))
	assert.False(t, IsReserved(max-8, max))
	assert.False(t, IsReserved(2, max))
}

func TestChecksum(t *testing.T) {
	require.Equal(t, byte(0xF1), Checksum([]byte("HELLO   TXT")))

	// The checksum covers all eleven bytes, so the extension must matter.
	assert.NotEqual(
		t,
		Checksum([]byte("HELLO   TXT")),
		Checksum([]byte("HELLO   DOC")),
	)
}

func TestDateTimeRoundTrip(t *testing.T) {
	stamp := time.Date(2013, time.October, 13, 14, 33, 54, 0, time.Local)

	date := EncodeDate(stamp)
	tm := EncodeTime(stamp)
	decoded := DecodeDateTime(date, tm)

	assert.Equal(t, stamp, decoded)
}

func TestDateTimeTwoSecondGranularity(t *testing.T) {
	stamp := time.Date(2013, time.October, 13, 14, 33, 55, 0, time.Local)
	decoded := DecodeDateTime(EncodeDate(stamp), EncodeTime(stamp))

	assert.Equal(t, 54, decoded.Second(), "seconds are stored halved")
}

func TestDirentFieldAccess(t *testing.T) {
	var d Dirent

	d.SetBegin(0x12345)
	assert.EqualValues(t, 0x12345, d.Begin())
	assert.Equal(t, []byte{0x45, 0x23}, d[26:28], "low half position")
	assert.Equal(t, []byte{0x01, 0x00}, d[20:22], "high half position")

	d.SetSize(0x11223344)
	assert.EqualValues(t, 0x11223344, d.Size())

	d.SetAttributes(AttrDirectory)
	assert.False(t, d.IsLongName())
	d.SetAttributes(AttrLongName)
	assert.True(t, d.IsLongName())
}
