package archon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextRefWraps(t *testing.T) {
	require.Equal(t, 1, NextRef(0))
	require.Equal(t, 255, NextRef(254))
	require.Equal(t, 0, NextRef(255))

	ref := 0
	seen := make(map[int]bool)
	for i := 0; i < RefModulus; i++ {
		ref = NextRef(ref)
		seen[ref] = true
	}
	require.Len(t, seen, RefModulus)
}

func TestFrameCommand(t *testing.T) {
	require.Equal(t, ">01SYSTEM\n", FrameCommand(1, CmdSystem))
	require.Equal(t, ">FFFRAME\n", FrameCommand(255, CmdFrame))
	require.Equal(t, ">0ASTATUS\n", FrameCommand(10, CmdStatus))
}

func TestReplyFraming(t *testing.T) {
	require.Equal(t, "<0A", ReplyChecksum(10))
	require.Equal(t, "<0A:", BlockHeader(10))
}

func TestWConfigCommand(t *testing.T) {
	require.Equal(t, "WCONFIG001CSAMPLEMODE=1", WConfigCommand(0x1C, "SAMPLEMODE", "1"))
	require.Equal(t, "WCONFIG0000PARAMETER1=Expose=0", WConfigCommand(0, "PARAMETER1", "Expose=0"))
	require.Equal(t, "RCONFIG001C", RConfigCommand(0x1C))
}

func TestFetchCommand(t *testing.T) {
	require.Equal(t, "FETCHA000000000004B00", FetchCommand(0xA0000000, 0x4B00))
}

func TestLockCommand(t *testing.T) {
	require.Equal(t, "LOCK1", LockCommand(1))
	require.Equal(t, "LOCK3", LockCommand(3))
}

func TestIsFetch(t *testing.T) {
	require.True(t, IsFetch("FETCHA000000000000100"))
	require.False(t, IsFetch(CmdFetchLog))
	require.False(t, IsFetch(CmdFrame))
}

func TestQuietVerb(t *testing.T) {
	require.True(t, QuietVerb(CmdFrame))
	require.True(t, QuietVerb(CmdStatus))
	require.True(t, QuietVerb(CmdTimer))
	require.True(t, QuietVerb("WCONFIG0000FOO=1"))
	require.False(t, QuietVerb(CmdSystem))
	require.False(t, QuietVerb("FETCHA000000000000100"))
}
