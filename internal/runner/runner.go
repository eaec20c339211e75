// Package runner launches a coding-agent CLI, translates its native event
// stream into session envelopes, and forwards them through the sync client.
package runner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/agent-relay/internal/protocol"
)

// Provider identifies which CLI dialect the runner speaks.
type Provider string

const (
	// ProviderClaude speaks the Agent Client Protocol; events arrive via
	// HandleACPNotification rather than stdout scanning.
	ProviderClaude Provider = "claude"
	// ProviderCodex scans `codex exec --json` NDJSON output.
	ProviderCodex Provider = "codex"
	// ProviderGemini scans the Gemini CLI's stream-json output.
	ProviderGemini Provider = "gemini"
)

// Sender receives the runner's envelopes and activity pings. Implemented by
// the sync client.
type Sender interface {
	SendEnvelope(env protocol.Envelope) (string, error)
	SendActivity(active, thinking bool) error
	SendUsage(usage json.RawMessage) error
}

// activityInterval throttles live-activity pings.
const activityInterval = time.Second

// maxRestarts bounds automatic relaunches after an unexpected exit.
const maxRestarts = 3

var restartDelay = 2 * time.Second

// Config configures a Runner.
type Config struct {
	Provider Provider
	// Command and Args launch the CLI. Ignored when the process is
	// managed externally and lines are fed directly.
	Command string
	Args    []string
	Env     []string
	WorkDir string
	// UsePTY runs the CLI under a pseudo-terminal. Some CLIs refuse to
	// stream without one.
	UsePTY bool

	Sender Sender
	// Approver gates tool calls that require permission. nil cancels every
	// request.
	Approver Approver
	// OnExit is called once when the CLI process ends for good, after any
	// automatic restarts are exhausted or on a requested stop.
	OnExit func(err error)
}

// Runner drives one provider CLI for one session.
type Runner struct {
	cfg    Config
	mapper *protocol.Mapper

	mu           sync.Mutex
	proc         *process
	acpConn      *acpsdk.ClientSideConnection
	acpSessionID acpsdk.SessionId
	lastActivity time.Time
	restarts     int
	stopped      bool

	wg sync.WaitGroup
}

// New creates a runner. Call Start to launch the CLI.
func New(cfg Config) (*Runner, error) {
	switch cfg.Provider {
	case ProviderClaude, ProviderCodex, ProviderGemini:
	default:
		return nil, fmt.Errorf("runner: unknown provider %q", cfg.Provider)
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("runner: sender is required")
	}
	return &Runner{cfg: cfg, mapper: protocol.NewMapper()}, nil
}

// Start launches the CLI process and, for NDJSON providers, begins scanning
// its output.
func (r *Runner) Start() error {
	if r.cfg.Command == "" {
		return fmt.Errorf("runner: command is required")
	}
	return r.launch()
}

func (r *Runner) launch() error {
	proc, err := startProcess(r.cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		proc.stop()
		go proc.wait()
		return fmt.Errorf("runner: stopped")
	}
	r.proc = proc
	r.mu.Unlock()

	if r.cfg.Provider == ProviderClaude {
		r.startACP(proc)
	} else {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.consume(proc.out)
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.monitorExit(proc)
	}()
	return nil
}

// monitorExit waits for the process, closes any open turn, and relaunches
// the CLI up to maxRestarts times unless Stop was requested.
func (r *Runner) monitorExit(proc *process) {
	err := proc.wait()

	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		if r.cfg.OnExit != nil {
			r.cfg.OnExit(err)
		}
		return
	}

	r.finishTurn(protocol.TurnFailed)

	r.mu.Lock()
	r.restarts++
	attempt := r.restarts
	r.mu.Unlock()

	if attempt <= maxRestarts {
		slog.Warn("Provider process exited, restarting",
			"provider", string(r.cfg.Provider), "attempt", attempt, "error", err)
		time.Sleep(restartDelay)
		r.mu.Lock()
		stopped = r.stopped
		r.mu.Unlock()
		if !stopped {
			lerr := r.launch()
			if lerr == nil {
				return
			}
			err = lerr
		}
	}

	slog.Error("Provider process gone for good",
		"provider", string(r.cfg.Provider), "restarts", attempt-1, "error", err)
	if r.cfg.OnExit != nil {
		r.cfg.OnExit(err)
	}
}

// Prompt records the user's message, opens a turn, and hands the prompt to
// the CLI: a prompt turn on the ACP connection for the Claude provider, a
// raw stdin line otherwise.
func (r *Runner) Prompt(text string) error {
	r.mu.Lock()
	proc, conn, sid := r.proc, r.acpConn, r.acpSessionID
	if proc == nil {
		r.mu.Unlock()
		return fmt.Errorf("runner: not started")
	}
	if conn != nil && sid == "" {
		r.mu.Unlock()
		return fmt.Errorf("runner: agent session not ready")
	}
	envs := []protocol.Envelope{r.mapper.UserMessage(text)}
	envs = append(envs, r.mapper.StartTurn()...)
	r.mu.Unlock()

	r.emit(envs)
	if conn != nil {
		go r.acpPrompt(conn, sid, text)
		return nil
	}
	_, err := io.WriteString(proc.in, text+"\n")
	return err
}

// HandleACPNotification feeds one Agent Client Protocol session update into
// the mapping pipeline. Used by the Claude provider, whose events come from
// the ACP connection instead of stdout.
func (r *Runner) HandleACPNotification(n acpsdk.SessionNotification) {
	r.feed(protocol.MapACPNotification(n))
}

// Stop terminates the CLI process and waits for the pumps to drain.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	proc := r.proc
	r.mu.Unlock()

	if proc != nil {
		proc.stop()
	}
	r.wg.Wait()
}

// consume scans NDJSON lines from the CLI output until EOF. Non-JSON lines
// (prompt echo, spinner noise under a PTY) are skipped.
func (r *Runner) consume(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		events, err := r.mapLine(line)
		if err != nil {
			slog.Warn("Undecodable provider event skipped", "provider", string(r.cfg.Provider), "error", err)
			continue
		}
		r.feed(events)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("Provider stream read failed", "provider", string(r.cfg.Provider), "error", err)
	}
}

func (r *Runner) mapLine(line []byte) ([]protocol.StreamEvent, error) {
	switch r.cfg.Provider {
	case ProviderCodex:
		return protocol.MapCodexEvent(line)
	case ProviderGemini:
		return protocol.MapGeminiEvent(line)
	}
	return nil, nil
}

// feed runs stream events through the mapper and ships the resulting
// envelopes, with throttled activity pings while the turn is live.
func (r *Runner) feed(events []protocol.StreamEvent) {
	for _, ev := range events {
		if ev.Kind == protocol.StreamUsage {
			if err := r.cfg.Sender.SendUsage(ev.Args); err != nil {
				slog.Debug("Usage report failed", "error", err)
			}
			continue
		}
		r.mu.Lock()
		envs := r.mapper.MapMessage(ev)
		r.mu.Unlock()
		r.emit(envs)

		switch ev.Kind {
		case protocol.StreamTurnEnd:
			if err := r.cfg.Sender.SendActivity(false, false); err != nil {
				slog.Debug("Activity ping failed", "error", err)
			}
		case protocol.StreamStatus:
			// no user-visible activity
		default:
			r.pingActivity(ev.Kind == protocol.StreamThinkingDelta || ev.Kind == protocol.StreamThinkingText)
		}
	}
}

func (r *Runner) pingActivity(thinking bool) {
	r.mu.Lock()
	due := time.Since(r.lastActivity) >= activityInterval
	if due {
		r.lastActivity = time.Now()
	}
	r.mu.Unlock()
	if !due {
		return
	}
	if err := r.cfg.Sender.SendActivity(true, thinking); err != nil {
		slog.Debug("Activity ping failed", "error", err)
	}
}

// finishTurn closes any open turn, typically after the process died
// mid-response.
func (r *Runner) finishTurn(status protocol.TurnStatus) {
	r.mu.Lock()
	envs := r.mapper.EndTurn(status)
	r.mu.Unlock()
	r.emit(envs)
}

func (r *Runner) emit(envs []protocol.Envelope) {
	for _, env := range envs {
		if _, err := r.cfg.Sender.SendEnvelope(env); err != nil {
			slog.Error("Failed to queue envelope", "error", err)
		}
	}
}
