package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOp(t *testing.T) {
	for in, want := range map[string]Op{
		"list":    OpList,
		" STOP ":  OpStop,
		"Refresh": OpRefresh,
		"exit":    OpExit,
	} {
		op, err := ParseOp(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, op)
	}
	_, err := ParseOp("restart")
	assert.Error(t, err)
}

func TestInboxOrderingAndCleanup(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	base := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, Submit(dir, Command{Op: OpExit, IssuedAt: base.Add(2 * time.Second)}))
	require.NoError(t, Submit(dir, Command{Op: OpStop, InstrumentID: "42", IssuedAt: base}))
	require.NoError(t, Submit(dir, Command{Op: OpRefresh, IssuedAt: base.Add(time.Second)}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmd-00000000000000000001-bad.json"), []byte("nope"), 0644))

	cmds := drainInbox(dir)
	require.Len(t, cmds, 3)
	assert.Equal(t, OpStop, cmds[0].Op)
	assert.Equal(t, "42", cmds[0].InstrumentID)
	assert.Equal(t, OpRefresh, cmds[1].Op)
	assert.Equal(t, OpExit, cmds[2].Op)

	left, err := filepath.Glob(filepath.Join(dir, "cmd-*.json"))
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Empty(t, drainInbox(dir))
}

func TestSubmitStopNeedsInstrument(t *testing.T) {
	assert.Error(t, Submit(t.TempDir(), Command{Op: OpStop}))
}

func TestReadStatusMissing(t *testing.T) {
	_, err := ReadStatus(filepath.Join(t.TempDir(), "status.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
