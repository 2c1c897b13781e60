package agent

import (
	"fmt"

	"github.com/haasonsaas/aided/pkg/models"
)

// MaxToolResultChars is the default cap applied to tool result payloads
// before a transcript reaches a model backend.
const MaxToolResultChars = 3000

const syntheticToolError = "Tool execution result was lost. Treat this call as failed."

// RepairReport counts the fixes applied by RepairTranscript.
type RepairReport struct {
	Inserted  int // synthetic tool results added for unanswered calls
	Dropped   int // orphan and duplicate tool results removed
	Truncated int // oversized tool result payloads shrunk
}

// StripToolPayloads rewrites oversized tool result contents as
// head + marker + tail, each half maxChars/2. Non-tool messages are untouched.
func StripToolPayloads(history []*models.Message, maxChars int) ([]*models.Message, int) {
	if maxChars <= 0 {
		maxChars = MaxToolResultChars
	}
	truncated := 0
	out := make([]*models.Message, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		if msg.Role != models.RoleTool || len(msg.ToolResults) == 0 {
			out = append(out, msg)
			continue
		}
		changed := false
		results := make([]models.ToolResult, len(msg.ToolResults))
		for i, res := range msg.ToolResults {
			if len(res.Content) > maxChars {
				over := len(res.Content) - maxChars
				half := maxChars / 2
				res.Content = res.Content[:half] +
					fmt.Sprintf("[...truncated %d chars...]", over) +
					res.Content[len(res.Content)-half:]
				changed = true
				truncated++
			}
			results[i] = res
		}
		if changed {
			copied := *msg
			copied.ToolResults = results
			out = append(out, &copied)
		} else {
			out = append(out, msg)
		}
	}
	return out, truncated
}

// RepairTranscript enforces tool-call/tool-result parity: every tool call id
// gets exactly one matching result (a synthetic error is inserted when the
// real one is missing), results whose call id was never emitted are dropped,
// and later duplicates of an already kept result are dropped. The input is also run through StripToolPayloads.
func RepairTranscript(history []*models.Message, maxChars int) ([]*models.Message, RepairReport) {
	var report RepairReport
	stripped, truncated := StripToolPayloads(history, maxChars)
	report.Truncated = truncated

	// Which calls get a legal answer (a result appearing after the call),
	// so unanswered ones can be patched at the point the next assistant
	// message (or the end) is reached.
	answered := make(map[string]struct{})
	{
		seen := make(map[string]struct{})
		for _, msg := range stripped {
			switch msg.Role {
			case models.RoleAssistant:
				for _, call := range msg.ToolCalls {
					if call.ID != "" {
						seen[call.ID] = struct{}{}
					}
				}
			case models.RoleTool:
				for _, res := range msg.ToolResults {
					if _, ok := seen[res.ToolCallID]; ok {
						answered[res.ToolCallID] = struct{}{}
					}
				}
			}
		}
	}

	emitted := make(map[string]struct{})
	resolved := make(map[string]struct{})
	pending := make([]string, 0)
	out := make([]*models.Message, 0, len(stripped))

	flushPending := func() {
		for _, id := range pending {
			if _, ok := answered[id]; ok {
				continue
			}
			out = append(out, &models.Message{
				Role: models.RoleTool,
				ToolResults: []models.ToolResult{{
					ToolCallID: id,
					Content:    syntheticToolError,
					IsError:    true,
				}},
			})
			report.Inserted++
		}
		pending = pending[:0]
	}

	for _, msg := range stripped {
		switch msg.Role {
		case models.RoleAssistant:
			flushPending()
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					continue
				}
				emitted[call.ID] = struct{}{}
				pending = append(pending, call.ID)
			}
			out = append(out, msg)
		case models.RoleTool:
			kept := make([]models.ToolResult, 0, len(msg.ToolResults))
			for _, res := range msg.ToolResults {
				if _, ok := emitted[res.ToolCallID]; !ok {
					report.Dropped++
					continue
				}
				if _, dup := resolved[res.ToolCallID]; dup {
					report.Dropped++
					continue
				}
				resolved[res.ToolCallID] = struct{}{}
				kept = append(kept, res)
			}
			if len(kept) == 0 {
				continue
			}
			if len(kept) != len(msg.ToolResults) {
				copied := *msg
				copied.ToolResults = kept
				out = append(out, &copied)
			} else {
				out = append(out, msg)
			}
		default:
			out = append(out, msg)
		}
	}
	flushPending()

	return out, report
}
