// Agent Relay - encrypted session sync between coding-agent CLIs and their
// remote viewers. One binary, two modes: `relay` serves the sync server,
// `agent` runs the CLI-side sync daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workspace/agent-relay/internal/cipher"
	"github.com/workspace/agent-relay/internal/client"
	"github.com/workspace/agent-relay/internal/config"
	"github.com/workspace/agent-relay/internal/logging"
	"github.com/workspace/agent-relay/internal/permission"
	"github.com/workspace/agent-relay/internal/runner"
	"github.com/workspace/agent-relay/internal/server"
)

func main() {
	mode := "relay"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	switch mode {
	case "relay":
		runRelay()
	case "agent":
		runAgent()
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [relay|agent]\n", os.Args[0])
		os.Exit(2)
	}
}

func runRelay() {
	cfg, err := config.LoadRelay()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logging.SetupWithConfig(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("Failed to create relay", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("Relay server error", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}
	slog.Info("Relay stopped")
}

func runAgent() {
	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logging.SetupWithConfig(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	box, err := cipher.NewBox(cfg.EncryptionKey, cfg.DataKey)
	if err != nil {
		slog.Error("Invalid encryption key", "error", err)
		os.Exit(1)
	}

	c, err := client.New(client.Config{
		ServerURL:             cfg.ServerURL,
		Token:                 cfg.Token,
		SessionID:             cfg.SessionID,
		MachineID:             cfg.MachineID,
		Box:                   box,
		OutboxPath:            cfg.OutboxPath,
		ReconnectInitialDelay: cfg.ReconnectInitialDelay,
		ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
		FlushInterval:         cfg.FlushInterval,
		DrainTimeout:          cfg.ShutdownDrainTimeout,
	})
	if err != nil {
		slog.Error("Failed to create sync client", "error", err)
		os.Exit(1)
	}

	perms := permission.NewHandler(permission.Mode(cfg.PermissionMode), nil, permissionStateSink(c))
	run, err := runner.New(runner.Config{
		Provider: runner.Provider(cfg.Provider),
		Command:  cfg.Command,
		Args:     cfg.Args,
		WorkDir:  cfg.WorkDir,
		UsePTY:   cfg.UsePTY,
		Sender:   c,
		Approver: perms,
		OnExit: func(err error) {
			slog.Warn("Provider process exited", "error", err)
		},
	})
	if err != nil {
		slog.Error("Failed to create runner", "error", err)
		os.Exit(1)
	}
	registerRPC(c, perms, run)

	c.Start()
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := c.Bootstrap(bootCtx); err != nil {
		slog.Warn("Bootstrap failed, continuing with empty state", "error", err)
	}
	bootCancel()

	if cfg.MachineID != "" {
		go publishDaemonState(c, cfg.Provider)
	}

	if cfg.Command != "" {
		if err := run.Start(); err != nil {
			slog.Error("Failed to start provider", "error", err)
			os.Exit(1)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Received signal, shutting down", "signal", sig.String())

	perms.Reset()
	run.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout+5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}
	slog.Info("Agent stopped")
}

// publishDaemonState records this daemon under its machine record so every
// device can list which hosts run an agent and with what provider.
func publishDaemonState(c *client.Client, provider string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := c.UpdateDaemonState(ctx, func(current []byte) ([]byte, error) {
		return json.Marshal(map[string]any{
			"provider":  provider,
			"pid":       os.Getpid(),
			"startedAt": time.Now().UnixMilli(),
		})
	})
	if err != nil {
		slog.Warn("Failed to publish daemon state", "error", err)
	}
}

// permissionStateSink mirrors the permission state into the session's
// versioned agent state so every device sees pending requests.
func permissionStateSink(c *client.Client) permission.StateSink {
	return func(st permission.State) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			err := c.UpdateAgentState(ctx, func(current []byte) ([]byte, error) {
				state := map[string]json.RawMessage{}
				if len(current) > 0 {
					if err := json.Unmarshal(current, &state); err != nil {
						// Corrupt state is replaced, not preserved.
						state = map[string]json.RawMessage{}
					}
				}
				perms, err := json.Marshal(st)
				if err != nil {
					return nil, err
				}
				state["permissions"] = perms
				return json.Marshal(state)
			})
			if err != nil {
				slog.Warn("Failed to mirror permission state", "error", err)
			}
		}()
	}
}

// registerRPC wires the remote control surface: permission responses, mode
// switches, prompts and session reset.
func registerRPC(c *client.Client, perms *permission.Handler, run *runner.Runner) {
	c.RegisterRPC("permission", func(params string) (string, error) {
		var req struct {
			ID       string `json:"id"`
			Approved bool   `json:"approved"`
			Decision string `json:"decision"`
		}
		if err := json.Unmarshal([]byte(params), &req); err != nil {
			return "", fmt.Errorf("decode permission response: %w", err)
		}
		decision := permission.Decision(req.Decision)
		if decision == "" {
			if req.Approved {
				decision = permission.DecisionApproved
			} else {
				decision = permission.DecisionDenied
			}
		}
		perms.Respond(req.ID, req.Approved, decision)
		return `{"ok":true}`, nil
	})

	c.RegisterRPC("mode", func(params string) (string, error) {
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal([]byte(params), &req); err != nil {
			return "", fmt.Errorf("decode mode request: %w", err)
		}
		switch req.Mode {
		case "default", "acceptEdits", "safe-yolo", "yolo":
			perms.SetMode(permission.Mode(req.Mode))
			return `{"ok":true}`, nil
		default:
			return "", fmt.Errorf("unknown mode: %q", req.Mode)
		}
	})

	c.RegisterRPC("prompt", func(params string) (string, error) {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(params), &req); err != nil {
			return "", fmt.Errorf("decode prompt: %w", err)
		}
		if req.Text == "" {
			return "", fmt.Errorf("empty prompt")
		}
		if err := run.Prompt(req.Text); err != nil {
			return "", err
		}
		return `{"ok":true}`, nil
	})

	c.RegisterRPC("reset", func(params string) (string, error) {
		perms.Reset()
		return `{"ok":true}`, nil
	})
}
