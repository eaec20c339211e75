package runner

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// process wraps the CLI subprocess. With UsePTY the CLI runs under a
// pseudo-terminal; in/out are then the same ptmx descriptor.
type process struct {
	cmd  *exec.Cmd
	in   io.WriteCloser
	out  io.Reader
	ptmx *os.File

	mu      sync.Mutex
	stopped bool
}

func startProcess(cfg Config) (*process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	p := &process{cmd: cmd}
	if cfg.UsePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("start %s under pty: %w", cfg.Command, err)
		}
		p.ptmx = ptmx
		p.in = ptmx
		p.out = ptmx
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			stdin.Close()
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			stdin.Close()
			return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
		}
		p.in = stdin
		p.out = stdout
	}

	slog.Info("Provider process started", "command", cfg.Command, "pid", cmd.Process.Pid, "pty", cfg.UsePTY)
	return p, nil
}

// stop closes stdin to let the CLI exit on its own, then kills it.
func (p *process) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true

	if p.ptmx != nil {
		p.ptmx.Close()
	} else {
		p.in.Close()
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *process) wait() error {
	return p.cmd.Wait()
}
