package labels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/sfdwatch/internal/model"
)

func TestResolve_KnownAndUnknownCodes(t *testing.T) {
	t.Parallel()

	tbl := New("en")
	tests := []struct {
		code string
		want model.DefectType
	}{
		{"scratches", model.DefectScratches},
		{"Scratch", model.DefectScratches},
		{" RUST ", model.DefectRusting},
		{"crack", model.DefectFracture},
		{"dent", model.DefectDeformation},
		{"pitted surface", model.DefectUnclassified},
		{"", model.DefectUnclassified},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tbl.Resolve(tt.code), "code %q", tt.code)
	}
}

func TestNew_UnknownLocaleFallsBackToEnglish(t *testing.T) {
	t.Parallel()

	tbl := New("fr")
	assert.Equal(t, "en", tbl.Locale())
	assert.Equal(t, "Scratches", tbl.Label(model.DefectScratches))
}

func TestLabel_Korean(t *testing.T) {
	t.Parallel()

	tbl := New("ko")
	assert.Equal(t, "녹", tbl.Label(model.DefectRusting))
	assert.Equal(t, "미분류", tbl.Label(model.DefectType("bogus")))
}

func TestLoad_OverrideFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "labels.yml")
	content := "codes:\n  scuff: scratches\nlabels:\n  en:\n    scratches: Scratch marks\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	tbl, err := Load("en", path)
	require.NoError(t, err)
	assert.Equal(t, model.DefectScratches, tbl.Resolve("scuff"))
	assert.Equal(t, "Scratch marks", tbl.Label(model.DefectScratches))
	assert.Equal(t, "Rusting", tbl.Label(model.DefectRusting))
}

func TestLoad_RejectsUnknownType(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "labels.yml")
	require.NoError(t, os.WriteFile(path, []byte("codes:\n  scuff: smudge\n"), 0644))

	_, err := Load("en", path)
	require.Error(t, err)
}

func TestIsPass(t *testing.T) {
	t.Parallel()

	tbl := New("en")
	assert.True(t, tbl.IsPass("Normal"))
	assert.False(t, tbl.IsPass("scratch"))
}
