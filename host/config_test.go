package host

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CaltechOpticalObservatories/go-archon/archon"
)

func TestLoadACF(t *testing.T) {
	c, ft := newTestController(t, echoScript(nil))

	err := c.LoadACF(context.Background(), "testdata/test.acf")
	require.NoError(t, err)

	cmds := ft.commands()
	// polling is suspended, memory cleared, then written line by line
	require.Contains(t, cmds[0], archon.CmdPollOff)
	require.Contains(t, cmds[1], archon.CmdClearConfig)
	require.Contains(t, cmds[2], "WCONFIG0000BIGBUF=0")
	require.Contains(t, cmds[len(cmds)-1], archon.CmdPollOn)

	require.True(t, c.firmwareLoaded.Load())
	require.Equal(t, 11, c.config.Len())

	p, ok := c.config.Param("Expose")
	require.True(t, ok)
	require.Equal(t, "0", p.Value)
}

func TestLoadACFWriteFailureDrainsLog(t *testing.T) {
	c, ft := newTestController(t, func(wire string) []byte {
		ref := wire[1:3]
		if strings.HasPrefix(wire[3:], "WCONFIG") {
			return []byte("?" + ref + "\n")
		}
		return []byte("<" + ref + "(null)\n")
	})

	err := c.LoadACF(context.Background(), "testdata/test.acf")
	require.ErrorIs(t, err, archon.ErrController)
	require.False(t, c.firmwareLoaded.Load())

	cmds := ft.commands()
	require.Contains(t, cmds[len(cmds)-1], archon.CmdFetchLog)
}

func TestWriteConfigKeyNoOpWhenUnchanged(t *testing.T) {
	c, ft := newTestController(t, echoScript(nil))
	c.config.Store(archon.ConfigEntry{Line: 5, Key: "LINECOUNT", Value: "512"})

	changed, err := c.WriteConfigKey(context.Background(), "LINECOUNT", "512")
	require.NoError(t, err)
	require.False(t, changed)
	require.Empty(t, ft.commands())
}

func TestWriteConfigKey(t *testing.T) {
	c, ft := newTestController(t, echoScript(nil))
	c.config.Store(archon.ConfigEntry{Line: 5, Key: "LINECOUNT", Value: "512"})

	changed, err := c.WriteConfigKey(context.Background(), "LINECOUNT", "1024")
	require.NoError(t, err)
	require.True(t, changed)
	require.Contains(t, ft.commands()[0], "WCONFIG0005LINECOUNT=1024")

	e, _ := c.config.Key("LINECOUNT")
	require.Equal(t, "1024", e.Value)
}

func TestWriteConfigKeyUnknown(t *testing.T) {
	c, ft := newTestController(t, echoScript(nil))

	_, err := c.WriteConfigKey(context.Background(), "NOSUCH", "1")
	require.ErrorIs(t, err, archon.ErrUnknownKey)
	require.Empty(t, ft.commands())
}

func TestWriteParameter(t *testing.T) {
	c, ft := newTestController(t, echoScript(nil))
	c.config.Store(archon.ConfigEntry{Line: 8, Key: "PARAMETER1", Value: "Expose=0"})

	changed, err := c.WriteParameter(context.Background(), "Expose", "1")
	require.NoError(t, err)
	require.True(t, changed)
	require.Contains(t, ft.commands()[0], "WCONFIG0008PARAMETER1=Expose=1")

	changed, err = c.WriteParameter(context.Background(), "Expose", "1")
	require.NoError(t, err)
	require.False(t, changed)
	require.Len(t, ft.commands(), 1)
}

func TestReadParameter(t *testing.T) {
	c, _ := newTestController(t, echoScript(func(cmd string) string {
		require.Equal(t, "RCONFIG0008", cmd)
		return "PARAMETER1=Expose=3"
	}))
	c.config.Store(archon.ConfigEntry{Line: 8, Key: "PARAMETER1", Value: "Expose=0"})

	value, err := c.ReadParameter(context.Background(), "Expose")
	require.NoError(t, err)
	require.Equal(t, "3", value)

	// the mirror tracks the read-back value
	p, _ := c.config.Param("Expose")
	require.Equal(t, "3", p.Value)
}

func TestReadConfigLineUnknown(t *testing.T) {
	c, ft := newTestController(t, echoScript(nil))

	_, err := c.ReadConfigLine(context.Background(), 0x20)
	require.ErrorIs(t, err, archon.ErrUnknownLine)
	require.Empty(t, ft.commands())
}

func TestApplyMode(t *testing.T) {
	fs := archon.NewFrameStatus(2)
	fs.Resize(2)
	fs.Timer = "0000000000000001"

	c, ft := newTestController(t, echoScript(func(cmd string) string {
		if cmd == archon.CmdFrame {
			return fs.Report()
		}
		return ""
	}))
	for i, kv := range []struct{ k, v string }{
		{"BIGBUF", "1"}, {"PIXELCOUNT", "1024"}, {"LINECOUNT", "512"}, {"SAMPLEMODE", "0"},
	} {
		c.config.Store(archon.ConfigEntry{Line: i, Key: kv.k, Value: kv.v})
	}
	c.firmwareLoaded.Store(true)

	require.NoError(t, c.ApplyMode(context.Background()))

	geom := c.snapshotGeometry()
	require.Equal(t, 2, geom.activeBufs)
	require.Equal(t, uint64(1024*512*2), geom.imageBytes)

	var saw []string
	for _, w := range ft.commands() {
		saw = append(saw, strings.TrimSuffix(w[3:], "\n"))
	}
	require.Contains(t, saw, archon.CmdLoadParams)
	require.Contains(t, saw, archon.CmdApplyCDS)
	require.Contains(t, saw, archon.CmdFrame)
}

func TestApplyModeNeedsFirmware(t *testing.T) {
	c, _ := newTestController(t, echoScript(nil))
	require.ErrorIs(t, c.ApplyMode(context.Background()), ErrNoFirmware)
}
