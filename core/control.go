package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polymaker/internal/fsutil"
	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONTROL SURFACE - list / stop / refresh / exit
// ═══════════════════════════════════════════════════════════════════════════════
//
// Commands reach the scheduler either in-process (Telegram, tests) or through
// an inbox directory that `polymaker ctl` drops JSON files into. Either way
// they are applied at the start of the next tick, on the control loop, so they
// never race a tick. Every command is idempotent.
//
// `list` never goes through the scheduler: it reads status.json, which the
// scheduler rewrites each tick, so it answers even while the scheduler is
// wedged.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Op is a control command.
type Op string

const (
	OpList    Op = "list"
	OpStop    Op = "stop"
	OpRefresh Op = "refresh"
	OpExit    Op = "exit"
)

// ParseOp validates a command name.
func ParseOp(s string) (Op, error) {
	switch op := Op(strings.ToLower(strings.TrimSpace(s))); op {
	case OpList, OpStop, OpRefresh, OpExit:
		return op, nil
	}
	return "", fmt.Errorf("unknown command %q (want list, stop, refresh or exit)", s)
}

// Command is one control instruction.
type Command struct {
	Op           Op        `json:"op"`
	InstrumentID string    `json:"instrument_id,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

// StatusFile is what the scheduler publishes every tick.
type StatusFile struct {
	Version   int                  `json:"version"`
	UpdatedAt time.Time            `json:"updated_at"`
	Running   int                  `json:"running"`
	Pending   int                  `json:"pending"`
	MaxSlots  int                  `json:"max_slots"`
	Degraded  bool                 `json:"degraded"`
	Workers   []types.WorkerRecord `json:"workers"`
}

// Submit drops cmd into the inbox at dir.
func Submit(dir string, cmd Command) error {
	if cmd.Op == OpStop && cmd.InstrumentID == "" {
		return fmt.Errorf("stop needs an instrument id")
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now()
	}
	name := fmt.Sprintf("cmd-%020d-%s.json", cmd.IssuedAt.UnixNano(), cmd.Op)
	return fsutil.WriteJSON(filepath.Join(dir, name), cmd)
}

// drainInbox returns queued commands oldest first and removes their files.
// Files that fail to decode are removed too so one bad file cannot wedge
// the inbox.
func drainInbox(dir string) []Command {
	if dir == "" {
		return nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "cmd-*.json"))
	if err != nil || len(paths) == 0 {
		return nil
	}
	sort.Strings(paths)

	cmds := make([]Command, 0, len(paths))
	for _, p := range paths {
		var c Command
		if err := fsutil.ReadJSON(p, &c); err != nil {
			log.Warn().Err(err).Str("file", filepath.Base(p)).Msg("Dropping unreadable command")
		} else {
			cmds = append(cmds, c)
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", filepath.Base(p)).Msg("Command file not removed")
		}
	}
	return cmds
}

// ReadStatus loads the last published status.
func ReadStatus(path string) (StatusFile, error) {
	var st StatusFile
	if err := fsutil.ReadJSON(path, &st); err != nil {
		return StatusFile{}, fmt.Errorf("read status: %w", err)
	}
	return st, nil
}
