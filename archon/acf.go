package archon

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseACF reads the [CONFIG] section of an ACF firmware file and returns
// one ConfigEntry per configuration line, numbered by position in the load
// sequence starting at zero. Those numbers are the line addresses used for
// WCONFIG/RCONFIG for the rest of the session.
//
// Parameter lines ("PARAMETERn=Name=Value") keep the slot name as the entry
// key and the composite "Name=Value" as the entry value, so storing the
// returned entries in a ConfigMemory populates the parameter index too.
//
// Lines outside [CONFIG], lines without an "=", and bracketed section
// headers are skipped. Values may be empty ("CONSTANT1="). Tabs are replaced
// with spaces, backslashes with forward slashes, and double quotes removed,
// since the controller accepts none of them.
func ParseACF(r io.Reader) ([]ConfigEntry, error) {
	var entries []ConfigEntry

	inConfig := false
	lineNum := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "[") {
			// only the [CONFIG] section holds configuration lines
			inConfig = strings.TrimSpace(line) == "[CONFIG]"
			continue
		}
		if !inConfig {
			continue
		}

		line = strings.ReplaceAll(line, "\t", " ")
		line = strings.ReplaceAll(line, "\\", "/")
		line = strings.ReplaceAll(line, "\"", "")

		key, value, found := strings.Cut(line, "=")
		if !found || key == "" {
			continue
		}

		if IsParameterKey(key) {
			if _, _, ok := SplitParamValue(value); !ok {
				return nil, fmt.Errorf("archon: malformed parameter line %q: expected PARAMETERn=Name=Value", line)
			}
		}

		entries = append(entries, ConfigEntry{Line: lineNum, Key: key, Value: value})
		lineNum++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("archon: reading acf: %w", err)
	}

	return entries, nil
}

// ParseACFFile opens and parses an ACF file from disk.
func ParseACFFile(path string) ([]ConfigEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archon: opening acf file %s: %w", path, err)
	}
	defer f.Close()

	return ParseACF(f)
}
