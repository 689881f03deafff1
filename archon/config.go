package archon

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// ConfigEntry is one line of controller configuration memory. Line numbers
// are assigned when the configuration is loaded and stay stable for the
// session. For parameter lines the key is the slot name ("PARAMETERn") and
// the value is the composite "Name=Value" string, so that the full
// KEY=VALUE pair on the wire reads "PARAMETERn=Name=Value".
type ConfigEntry struct {
	Line  int
	Key   string
	Value string
}

// ParamEntry is the name-indexed view of a parameter line. It always shares
// its line number with the backing ConfigEntry.
type ParamEntry struct {
	Slot  string // "PARAMETERn"
	Name  string // human-readable parameter name
	Value string
	Line  int
}

// IsParameterKey reports whether a config key encodes a parameter slot.
// The "PARAMETERS" count line is not a slot.
func IsParameterKey(key string) bool {
	return strings.HasPrefix(key, "PARAMETER") && key != "PARAMETERS"
}

// SplitParamValue splits a composite "Name=Value" parameter value.
func SplitParamValue(composite string) (name, value string, ok bool) {
	return strings.Cut(composite, "=")
}

// ConfigMemory models the controller's line-addressed configuration store
// with a secondary name-indexed view for parameters.
//
// It maintains three synchronized indexes: by line number (what the
// controller addresses), by key (what callers write), and by parameter name.
// All indexes are safe for concurrent readers; writes are expected to be
// serialized through the single command-processing path.
type ConfigMemory struct {
	byKey  *xsync.MapOf[string, ConfigEntry]
	byLine *xsync.MapOf[int, ConfigEntry]
	params *xsync.MapOf[string, ParamEntry]
}

// NewConfigMemory creates an empty configuration memory.
func NewConfigMemory() *ConfigMemory {
	return &ConfigMemory{
		byKey:  xsync.NewMapOf[string, ConfigEntry](),
		byLine: xsync.NewMapOf[int, ConfigEntry](),
		params: xsync.NewMapOf[string, ParamEntry](),
	}
}

// Clear removes all entries from every index.
func (m *ConfigMemory) Clear() {
	m.byKey.Clear()
	m.byLine.Clear()
	m.params.Clear()
}

// Store records a config entry in the line and key indexes. If the key
// encodes a parameter slot with a well-formed composite value, the parameter
// index is updated as well.
func (m *ConfigMemory) Store(e ConfigEntry) {
	m.byKey.Store(e.Key, e)
	m.byLine.Store(e.Line, e)

	if IsParameterKey(e.Key) {
		if name, value, ok := SplitParamValue(e.Value); ok {
			m.params.Store(name, ParamEntry{Slot: e.Key, Name: name, Value: value, Line: e.Line})
		}
	}
}

// Key returns the entry for a config key.
func (m *ConfigMemory) Key(key string) (ConfigEntry, bool) {
	return m.byKey.Load(key)
}

// Line returns the entry at a config line.
func (m *ConfigMemory) Line(line int) (ConfigEntry, bool) {
	return m.byLine.Load(line)
}

// Param returns the entry for a parameter name.
func (m *ConfigMemory) Param(name string) (ParamEntry, bool) {
	return m.params.Load(name)
}

// Len returns the number of configuration lines.
func (m *ConfigMemory) Len() int {
	return m.byLine.Size()
}

// SetKeyValue updates the stored value for an existing key, keeping the line
// index consistent. Unknown keys are a hard error: entries are never created
// through the write path.
func (m *ConfigMemory) SetKeyValue(key, value string) error {
	e, ok := m.byKey.Load(key)
	if !ok {
		return ErrUnknownKey
	}
	e.Value = value
	m.byKey.Store(e.Key, e)
	m.byLine.Store(e.Line, e)

	return nil
}

// SetParamValue updates a parameter value, keeping the backing config entry
// and both of its indexes consistent with the parameter view.
func (m *ConfigMemory) SetParamValue(name, value string) error {
	p, ok := m.params.Load(name)
	if !ok {
		return ErrUnknownParameter
	}
	p.Value = value
	m.params.Store(p.Name, p)

	e := ConfigEntry{Line: p.Line, Key: p.Slot, Value: p.Name + "=" + value}
	m.byKey.Store(e.Key, e)
	m.byLine.Store(e.Line, e)

	return nil
}

// Range calls f for each config entry in the line index, in unspecified
// order, until f returns false.
func (m *ConfigMemory) Range(f func(ConfigEntry) bool) {
	m.byLine.Range(func(_ int, e ConfigEntry) bool {
		return f(e)
	})
}
