package archon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsParameterKey(t *testing.T) {
	require.True(t, IsParameterKey("PARAMETER1"))
	require.True(t, IsParameterKey("PARAMETER12"))
	require.False(t, IsParameterKey("PARAMETERS"))
	require.False(t, IsParameterKey("LINECOUNT"))
}

func TestSplitParamValue(t *testing.T) {
	name, value, ok := SplitParamValue("Expose=1")
	require.True(t, ok)
	require.Equal(t, "Expose", name)
	require.Equal(t, "1", value)

	_, _, ok = SplitParamValue("Expose")
	require.False(t, ok)
}

func TestConfigMemoryStoreAndLookup(t *testing.T) {
	m := NewConfigMemory()
	m.Store(ConfigEntry{Line: 0, Key: "LINECOUNT", Value: "512"})
	m.Store(ConfigEntry{Line: 1, Key: "PARAMETER1", Value: "Expose=0"})

	e, ok := m.Key("LINECOUNT")
	require.True(t, ok)
	require.Equal(t, "512", e.Value)

	e, ok = m.Line(1)
	require.True(t, ok)
	require.Equal(t, "PARAMETER1", e.Key)

	p, ok := m.Param("Expose")
	require.True(t, ok)
	require.Equal(t, "PARAMETER1", p.Slot)
	require.Equal(t, "0", p.Value)
	require.Equal(t, 1, p.Line)

	require.Equal(t, 2, m.Len())
}

func TestConfigMemorySetKeyValue(t *testing.T) {
	m := NewConfigMemory()
	m.Store(ConfigEntry{Line: 0, Key: "LINECOUNT", Value: "512"})

	require.NoError(t, m.SetKeyValue("LINECOUNT", "1024"))

	e, _ := m.Key("LINECOUNT")
	require.Equal(t, "1024", e.Value)
	e, _ = m.Line(0)
	require.Equal(t, "1024", e.Value)

	require.ErrorIs(t, m.SetKeyValue("NOSUCH", "1"), ErrUnknownKey)
}

func TestConfigMemorySetParamValue(t *testing.T) {
	m := NewConfigMemory()
	m.Store(ConfigEntry{Line: 3, Key: "PARAMETER2", Value: "exptime=100"})

	require.NoError(t, m.SetParamValue("exptime", "250"))

	p, _ := m.Param("exptime")
	require.Equal(t, "250", p.Value)

	// the backing config line carries the new composite value
	e, _ := m.Line(3)
	require.Equal(t, "exptime=250", e.Value)
	e, _ = m.Key("PARAMETER2")
	require.Equal(t, "exptime=250", e.Value)

	require.ErrorIs(t, m.SetParamValue("nosuch", "1"), ErrUnknownParameter)
}

func TestConfigMemoryClear(t *testing.T) {
	m := NewConfigMemory()
	m.Store(ConfigEntry{Line: 0, Key: "A", Value: "1"})
	m.Store(ConfigEntry{Line: 1, Key: "PARAMETER1", Value: "Expose=0"})
	m.Clear()

	require.Equal(t, 0, m.Len())
	_, ok := m.Param("Expose")
	require.False(t, ok)
}
