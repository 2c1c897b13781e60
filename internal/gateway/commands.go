package gateway

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/aided/pkg/models"
)

var roleRefPattern = regexp.MustCompile(`^[A-Za-z][0-9]+$`)

// ParseRoleRef normalizes a role reference from command args. Accepted forms:
// "e5", "@e5", "ref=e5", with surrounding whitespace. The bare ref must be a
// letter followed by digits.
func ParseRoleRef(raw string) (string, error) {
	ref := strings.TrimSpace(raw)
	ref = strings.TrimPrefix(ref, "ref=")
	ref = strings.TrimPrefix(ref, "@")
	ref = strings.TrimSpace(ref)
	if !roleRefPattern.MatchString(ref) {
		return "", fmt.Errorf("invalid role ref %q", raw)
	}
	return strings.ToLower(ref), nil
}

// handleSystemCommand applies a control command from a client and reports the
// outcome as a log frame to that client; the status command instead replies
// with a system:status frame.
func (s *Server) handleSystemCommand(client *client, payload models.SystemCommandPayload) {
	reply := func(level, message string) {
		client.send(models.NewEnvelope(models.TypeLog, models.LogPayload{
			Level:   level,
			Source:  "gateway",
			Message: message,
		}))
	}

	switch payload.Command {
	case models.CommandForceLocal:
		s.setForcedTier(models.TierLocal)
		reply("info", "routing forced to tier1")
	case models.CommandSwitchCloud:
		s.setForcedTier(models.TierCloud)
		reply("info", "routing forced to tier2")
	case models.CommandForceWorker:
		s.setForcedTier(models.TierWorker)
		reply("info", "routing forced to worker")
	case models.CommandAutoRoute:
		s.setForcedTier("")
		reply("info", "routing restored to automatic")
	case models.CommandSetDefaultTier:
		tier := models.Tier(strings.TrimSpace(payload.Args))
		switch tier {
		case models.TierLocal, models.TierCloud, models.TierWorker:
			s.setDefaultTier(tier)
			reply("info", fmt.Sprintf("default tier set to %s", tier))
		default:
			if ref, err := ParseRoleRef(payload.Args); err == nil {
				s.setDefaultRole(ref)
				reply("info", fmt.Sprintf("default role set to %s", ref))
			} else {
				reply("error", fmt.Sprintf("unknown tier or role ref %q", payload.Args))
			}
		}
	case models.CommandStatus:
		client.send(models.NewEnvelope(models.TypeSystemStatus, models.SystemStatusPayload{Status: "ready"}))
	default:
		reply("error", fmt.Sprintf("unknown command %q", payload.Command))
	}
}
