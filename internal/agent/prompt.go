package agent

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/aided/pkg/models"
)

// CoreMemoryMaxChars caps the user-editable core working memory block at
// roughly a thousand tokens.
const CoreMemoryMaxChars = 4000

// PromptBuilder assembles the per-tier system prompt from its segments so
// each can be tested independently.
type PromptBuilder struct {
	Persona            string
	CoreMemory         string
	CapabilityManifest string
	MemoryCategories   []string
	Now                time.Time
}

// LoadCoreMemory reads the core working memory file, tolerating a missing
// file and capping the block size.
func LoadCoreMemory(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(string(data))
	if len(text) > CoreMemoryMaxChars {
		text = text[:CoreMemoryMaxChars]
	}
	return text
}

// Build renders the system prompt for a tier.
func (b *PromptBuilder) Build(tier models.Tier) string {
	var sections []string

	if b.Persona != "" {
		sections = append(sections, b.Persona)
	}
	if b.CoreMemory != "" {
		sections = append(sections, "## Core Working Memory\n"+b.CoreMemory)
	}
	if b.CapabilityManifest != "" {
		sections = append(sections, b.CapabilityManifest)
	}

	switch tier {
	case models.TierLocal:
		sections = append(sections,
			"Answer briefly and directly. Do not generate code; if the user needs code written, say the request should be escalated.")
	case models.TierCloud:
		if len(b.MemoryCategories) > 0 {
			sections = append(sections,
				"Long-term memory categories available: "+strings.Join(b.MemoryCategories, ", ")+".")
		}
		now := b.Now
		if now.IsZero() {
			now = time.Now()
		}
		sections = append(sections, fmt.Sprintf("Current time: %s.", now.Format(time.RFC1123)))
	}

	return strings.Join(sections, "\n\n")
}
