package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polymaker/types"
	"github.com/web3guy0/polymaker/worker"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LAUNCHERS - how a worker gets an isolated execution unit
// ═══════════════════════════════════════════════════════════════════════════════
//
// ProcessLauncher spawns `polymaker worker` as a child process and talks to it
// with signals:
//
//   SIGUSR1  liquidate (LIQUIDATED)
//   SIGUSR2  liquidate (POSITION_CLOSED)
//   SIGTERM  stop, SIGKILL after KillAfter
//
// The child's exit report file is the only state read back. A child that dies
// without one is reported as INTERNAL.
//
// InProcessLauncher runs the worker runtime on a goroutine with panic
// recovery.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Handle controls one running worker.
type Handle interface {
	ID() string
	Stop()
	Liquidate(reason types.ExitReason)
	// Done delivers exactly one report when the worker has exited.
	Done() <-chan types.ExitReport
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, instrumentID string) (Handle, error)
}

// ───────────────────────────────────────────────────────────────────────────────
// Process launcher
// ───────────────────────────────────────────────────────────────────────────────

// ProcessLauncher runs each worker as `<Binary> worker --instrument <id>`.
type ProcessLauncher struct {
	Binary    string   // defaults to the running executable
	Args      []string // extra arguments after the instrument flag
	ReportDir string
	KillAfter time.Duration
}

func (l *ProcessLauncher) Launch(ctx context.Context, id string) (Handle, error) {
	bin := l.Binary
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate binary: %w", err)
		}
		bin = self
	}
	if err := os.MkdirAll(l.ReportDir, 0755); err != nil {
		return nil, fmt.Errorf("report dir: %w", err)
	}
	report := worker.ReportPath(l.ReportDir, id)
	if err := os.Remove(report); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("clear stale report: %w", err)
	}

	args := append([]string{"worker", "--instrument", id, "--report", report}, l.Args...)
	cmd := osexec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	killAfter := l.KillAfter
	if killAfter <= 0 {
		killAfter = 30 * time.Second
	}
	h := &processHandle{
		id:        id,
		cmd:       cmd,
		report:    report,
		killAfter: killAfter,
		done:      make(chan types.ExitReport, 1),
		exited:    make(chan struct{}),
	}
	go h.wait()

	log.Info().
		Str("instrument", shortID(id)).
		Int("pid", cmd.Process.Pid).
		Msg("🚀 Worker process started")
	return h, nil
}

type processHandle struct {
	id        string
	cmd       *osexec.Cmd
	report    string
	killAfter time.Duration
	done      chan types.ExitReport
	exited    chan struct{}
	stopOnce  sync.Once
}

func (h *processHandle) ID() string { return strconv.Itoa(h.cmd.Process.Pid) }

func (h *processHandle) Done() <-chan types.ExitReport { return h.done }

func (h *processHandle) Stop() {
	h.stopOnce.Do(func() {
		h.signal(syscall.SIGTERM)
		go func() {
			select {
			case <-h.exited:
			case <-time.After(h.killAfter):
				log.Warn().Str("instrument", shortID(h.id)).Msg("Worker ignored SIGTERM, killing")
				h.signal(syscall.SIGKILL)
			}
		}()
	})
}

func (h *processHandle) Liquidate(reason types.ExitReason) {
	if reason == types.ExitPositionClosed {
		h.signal(syscall.SIGUSR2)
		return
	}
	h.signal(syscall.SIGUSR1)
}

func (h *processHandle) signal(sig syscall.Signal) {
	if err := h.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Debug().Err(err).Str("signal", sig.String()).Msg("Signal not delivered")
	}
}

func (h *processHandle) wait() {
	waitErr := h.cmd.Wait()
	close(h.exited)

	rep, err := worker.ReadReport(h.report)
	if err != nil {
		rep = types.NewExitReport(h.id, types.ExitInternal, time.Now())
		rep.Data = map[string]string{"detail": "no exit report"}
		if waitErr != nil {
			rep.Data["wait"] = waitErr.Error()
		}
		log.Error().Err(err).Str("instrument", shortID(h.id)).Msg("💥 Worker died without a report")
	}
	h.done <- rep
}

// ───────────────────────────────────────────────────────────────────────────────
// In-process launcher
// ───────────────────────────────────────────────────────────────────────────────

// RunFunc runs one worker to completion.
type RunFunc func(ctx context.Context, instrumentID string, cmds <-chan worker.Command) types.ExitReport

// InProcessLauncher runs workers as goroutines.
type InProcessLauncher struct {
	Run RunFunc

	mu  sync.Mutex
	seq int
}

func (l *InProcessLauncher) Launch(ctx context.Context, id string) (Handle, error) {
	if l.Run == nil {
		return nil, errors.New("in-process launcher has no run func")
	}
	l.mu.Lock()
	l.seq++
	label := "g" + strconv.Itoa(l.seq)
	l.mu.Unlock()

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &goroutineHandle{
		label:  label,
		cancel: cancel,
		cmds:   make(chan worker.Command, 4),
		done:   make(chan types.ExitReport, 1),
	}
	go func() {
		defer cancel()
		h.done <- runGuarded(wctx, id, h.cmds, l.Run)
	}()
	return h, nil
}

func runGuarded(ctx context.Context, id string, cmds <-chan worker.Command, run RunFunc) (rep types.ExitReport) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("instrument", shortID(id)).
				Str("stack", string(debug.Stack())).
				Msg("💥 Worker panic")
			rep = types.NewExitReport(id, types.ExitInternal, time.Now())
			rep.Data = map[string]string{"panic": fmt.Sprint(r)}
		}
	}()
	return run(ctx, id, cmds)
}

type goroutineHandle struct {
	label  string
	cancel context.CancelFunc
	cmds   chan worker.Command
	done   chan types.ExitReport
}

func (h *goroutineHandle) ID() string { return h.label }

func (h *goroutineHandle) Done() <-chan types.ExitReport { return h.done }

func (h *goroutineHandle) Stop() { h.cancel() }

func (h *goroutineHandle) Liquidate(reason types.ExitReason) {
	select {
	case h.cmds <- worker.Command{Kind: worker.CmdLiquidate, Reason: reason}:
	default:
	}
}

// ReportDir is the conventional exit report directory under a data dir.
func ReportDir(dataDir string) string {
	return filepath.Join(dataDir, "exits")
}
