package archon

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleACF = `[SYSTEM]
BACKPLANE_ID=1234

[CONFIG]
LINECOUNT=512
PIXELCOUNT=1024
SAMPLEMODE=0
BIGBUF=0
CONSTANT1=
TRIGOUTFORCE="0"
PARAMETER1=Expose=0
PARAMETER2=exptime=100
PARAMETERS=2

[TIMING]
STATE0=IGNORED=1
`

func TestParseACF(t *testing.T) {
	entries, err := ParseACF(strings.NewReader(sampleACF))
	require.NoError(t, err)
	require.Len(t, entries, 9)

	// position-based line numbering inside [CONFIG] only
	require.Equal(t, ConfigEntry{Line: 0, Key: "LINECOUNT", Value: "512"}, entries[0])
	require.Equal(t, ConfigEntry{Line: 6, Key: "PARAMETER1", Value: "Expose=0"}, entries[6])
	require.Equal(t, ConfigEntry{Line: 8, Key: "PARAMETERS", Value: "2"}, entries[8])

	// empty values survive, quotes are stripped
	require.Equal(t, "", entries[4].Value)
	require.Equal(t, "0", entries[5].Value)
}

func TestParseACFPopulatesParamView(t *testing.T) {
	entries, err := ParseACF(strings.NewReader(sampleACF))
	require.NoError(t, err)

	m := NewConfigMemory()
	for _, e := range entries {
		m.Store(e)
	}

	p, ok := m.Param("exptime")
	require.True(t, ok)
	require.Equal(t, "PARAMETER2", p.Slot)
	require.Equal(t, "100", p.Value)

	// PARAMETERS is the slot count, not a parameter
	_, ok = m.Param("2")
	require.False(t, ok)
}

func TestParseACFSanitizes(t *testing.T) {
	entries, err := ParseACF(strings.NewReader("[CONFIG]\nMOD1/PATH=C:\\acf\\test\t1\n"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "C:/acf/test 1", entries[0].Value)
}

func TestParseACFMalformedParameter(t *testing.T) {
	_, err := ParseACF(strings.NewReader("[CONFIG]\nPARAMETER1=Expose\n"))
	require.Error(t, err)
}

func TestParseACFNoConfigSection(t *testing.T) {
	entries, err := ParseACF(strings.NewReader("[SYSTEM]\nKEY=1\n"))
	require.NoError(t, err)
	require.Empty(t, entries)
}
