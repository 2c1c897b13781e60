package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/aided/internal/agent"
	"github.com/haasonsaas/aided/internal/approval"
	"github.com/haasonsaas/aided/internal/memory"
)

// registerBuiltinTools wires the daemon's built-in tool set and its approval
// flags. Dynamic tools (plugins, MCP) register through the same registry.
func registerBuiltinTools(tools *agent.ToolRegistry, flags *approval.FlagRegistry, store memory.Store) {
	tools.Register(&agent.ToolFunc{
		ToolName: "get_time",
		Purpose:  "Get the current local date and time",
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			return time.Now().Format(time.RFC1123), nil
		},
	})

	tools.Register(&agent.ToolFunc{
		ToolName: "remember",
		Purpose:  "Store a fact in long-term memory under a category",
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Category string `json:"category"`
				Content  string `json:"content"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("remember: %w", err)
			}
			if args.Category == "" || args.Content == "" {
				return "", fmt.Errorf("remember: category and content are required")
			}
			if err := store.Memorize(ctx, args.Category, args.Content); err != nil {
				return "", err
			}
			return fmt.Sprintf("stored under %s", args.Category), nil
		},
	})

	tools.Register(&agent.ToolFunc{
		ToolName: "forget",
		Purpose:  "Remove matching facts from a long-term memory category",
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Category string `json:"category"`
				Match    string `json:"match"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("forget: %w", err)
			}
			removed, err := store.ForgetMemory(ctx, args.Category, args.Match)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("removed %d entries", removed), nil
		},
	})
	flags.Set("forget", approval.ToolFlags{Destructive: true})

	tools.Register(&agent.ToolFunc{
		ToolName: "shell_exec",
		Purpose:  "Run a shell command on the user's machine",
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("shell_exec: %w", err)
			}
			if strings.TrimSpace(args.Command) == "" {
				return "", fmt.Errorf("shell_exec: command is required")
			}
			ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
			defer cancel()
			out, err := exec.CommandContext(ctx, "sh", "-c", args.Command).CombinedOutput()
			if err != nil {
				return "", fmt.Errorf("shell_exec: %v\n%s", err, out)
			}
			return string(out), nil
		},
	})
	flags.Set("shell_exec", approval.ToolFlags{Destructive: true})
}
