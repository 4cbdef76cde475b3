package image

import (
	"strings"
	"testing"

	"github.com/dargueta/vvfat/fat"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributeSidecarReload(t *testing.T) {
	fs := newShadowFS(t, map[string]string{
		"secret.txt": "s",
		"plain.txt":  "p",
	})
	sidecar := strings.Join([]string{
		`"secret.txt":SHR`,
		`plain.txt:a`,
		`this line is not an attribute record`,
		`"missing.txt":H`,
	}, "\n") + "\n"
	require.NoError(t, afero.WriteFile(
		fs, shadowDir+"/"+AttrFileName, []byte(sidecar), 0o644))

	img := openTestImage(t, fs)
	defer img.Close()

	secret := img.directory.Get(findShortEntry(t, img, "SECRET  TXT"))
	assert.EqualValues(
		t,
		fat.AttrArchived|fat.AttrSystem|fat.AttrHidden|fat.AttrReadOnly,
		secret.Attributes(),
	)

	plain := img.directory.Get(findShortEntry(t, img, "PLAIN   TXT"))
	assert.EqualValues(t, 0, plain.Attributes()&fat.AttrArchived,
		"'a' must clear the archive bit")
}

func TestCommitRewritesAttributeSidecar(t *testing.T) {
	fs := newShadowFS(t, map[string]string{"secret.txt": "s", "plain.txt": "p"})
	require.NoError(t, afero.WriteFile(
		fs, shadowDir+"/"+AttrFileName, []byte(`"secret.txt":SHR`+"\n"), 0o644))

	img := openTestImage(t, fs)
	defer img.Close()

	require.NoError(t, img.CommitChanges())

	rewritten, err := afero.ReadFile(fs, shadowDir+"/"+AttrFileName)
	require.NoError(t, err)
	assert.Contains(t, string(rewritten), `"secret.txt":SHR`)
	assert.NotContains(t, string(rewritten), "plain.txt",
		"unremarkable files carry no attribute record")
}

func TestAttributeFlags(t *testing.T) {
	assert.Equal(t, "", attributeFlags(fat.AttrArchived))
	assert.Equal(t, "a", attributeFlags(0))
	assert.Equal(t, "aSHR", attributeFlags(
		fat.AttrSystem|fat.AttrHidden|fat.AttrReadOnly))
	assert.Equal(t, "R", attributeFlags(fat.AttrArchived|fat.AttrReadOnly))
}
