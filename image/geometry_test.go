package image

import (
	"fmt"
	"testing"

	"github.com/dargueta/vvfat"
	"github.com/dargueta/vvfat/fat"
	"github.com/gocarina/gocsv"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clusterSizeCase struct {
	SizeMB            uint64 `csv:"size_mb"`
	FATType           int    `csv:"fat_type"`
	SectorsPerCluster uint8  `csv:"sectors_per_cluster"`
}

// The cluster-size selection grid, one row per size band boundary region.
const clusterSizeTable = `size_mb,fat_type,sectors_per_cluster
32,16,4
126,16,4
127,16,8
254,16,8
255,16,16
510,16,16
511,16,32
1022,16,32
1023,16,64
2046,16,64
2047,32,8
8190,32,8
8191,32,16
16382,32,16
16383,32,32
32766,32,32
32767,32,64
65536,32,64
`

func TestSelectClusterSize(t *testing.T) {
	var cases []clusterSizeCase
	require.NoError(t, gocsv.UnmarshalString(clusterSizeTable, &cases))
	require.NotEmpty(t, cases)

	for _, c := range cases {
		img := &Image{hdSize: c.SizeMB << 20}
		img.selectClusterSize()

		assert.Equal(t, c.FATType, img.fatType, "FAT type for %d MiB", c.SizeMB)
		assert.Equal(
			t, c.SectorsPerCluster, img.sectorsPerCluster,
			"sectors per cluster for %d MiB", c.SizeMB,
		)
		if c.FATType == fat.Type32 {
			assert.EqualValues(t, 0, img.rootEntries)
			assert.EqualValues(t, 32, img.reservedSectors)
			assert.EqualValues(t, 2, img.firstClusterOfRootDir)
		} else {
			assert.EqualValues(t, 512, img.rootEntries)
			assert.EqualValues(t, 1, img.reservedSectors)
			assert.EqualValues(t, 0, img.firstClusterOfRootDir)
		}
	}
}

func TestSidecarImportRoundTrip(t *testing.T) {
	// Open a plain image and capture its generated MBR and boot sector.
	donorFS := newShadowFS(t, map[string]string{"hello.txt": "abc"})
	donor := openTestImage(t, donorFS)
	mbr := readSector(t, donor, 0)
	boot := readSector(t, donor, donor.offsetToBootsector)
	donorGeometry := donor.Geometry()
	donorFATType := donor.FATType()
	require.NoError(t, donor.Close())

	// Feed them back as sidecars of a fresh directory.
	fs := newShadowFS(t, map[string]string{"hello.txt": "abc"})
	require.NoError(t, afero.WriteFile(fs, shadowDir+"/"+MBRFileName, mbr, 0o644))
	require.NoError(t, afero.WriteFile(fs, shadowDir+"/"+BootFileName, boot, 0o644))

	img, err := Open(fs, shadowDir, Options{})
	require.NoError(t, err)
	defer img.Close()

	assert.True(t, img.useMBRFile, "MBR sidecar must be adopted")
	assert.True(t, img.useBootFile, "boot sector sidecar must be adopted")
	assert.Equal(t, donorFATType, img.FATType())
	assert.Equal(t, donorGeometry, img.Geometry())

	// The sidecars themselves must not show up on the volume.
	for i := 0; i < img.directory.Len(); i++ {
		entry := img.directory.Get(i)
		if entry.IsLongName() {
			continue
		}
		assert.NotEqual(t, "VVFAT_~1BIN", string(entry[0:11]))
	}

	// The imported MBR is served verbatim.
	assert.Equal(t, mbr, readSector(t, img, 0))
}

func TestBootSectorFields(t *testing.T) {
	img := openTestImage(t, newShadowFS(t, nil))
	defer img.Close()

	bs := fat.DecodeBootSector(readSector(t, img, img.offsetToBootsector))
	assert.Equal(t, fat.Type16, bs.FATType)
	assert.EqualValues(t, vvfat.SectorSize, bs.BytesPerSector)
	assert.EqualValues(t, 2, bs.NumFATs)
	assert.EqualValues(t, img.sectorsPerFAT, bs.SectorsPerFAT())
	assert.EqualValues(t, img.geometry.SectorsPerTrack, bs.SectorsPerTrack)
	assert.EqualValues(t, img.geometry.Heads, bs.NumHeads)
	assert.EqualValues(t, img.offsetToBootsector, bs.HiddenSectors)
	assert.Equal(t, "MSWIN4.1", string(bs.OEMName[:]))
	assert.Equal(t, "BOCHS VVFAT", string(bs.VolumeLabel[:]))
}

func TestVolumeSerialVariesPerOpen(t *testing.T) {
	first := openTestImage(t, newShadowFS(t, nil))
	firstBS := fat.DecodeBootSector(readSector(t, first, first.offsetToBootsector))
	require.NoError(t, first.Close())

	second := openTestImage(t, newShadowFS(t, nil))
	secondBS := fat.DecodeBootSector(readSector(t, second, second.offsetToBootsector))
	require.NoError(t, second.Close())

	assert.NotEqual(t, firstBS.VolumeID, secondBS.VolumeID)
}

func TestRootDirectoryOverflow(t *testing.T) {
	files := make(map[string]string, 300)
	for i := 0; i < 300; i++ {
		// Each name costs one long-name fragment plus the short entry.
		files[fmt.Sprintf("file%03d.txt", i)] = "x"
	}
	img := openTestImage(t, newShadowFS(t, files))
	defer img.Close()

	assert.Greater(t, img.DroppedRootEntries(), 0,
		"a FAT16 root holds 512 entries; 300 files with long names cannot fit")
	assert.LessOrEqual(t, img.directory.Len(), 512)
}
