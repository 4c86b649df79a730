package coordinator

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Turn protocol sentinels. Chat, vibe and plan prompts instruct the agent to
// answer with exactly one of these; anything else is a misaligned reply that
// would otherwise leak raw model text onto the stream.
const (
	replyReplied = "LIVESTREAM_REPLIED"
	replyQuiet   = "NO_REPLY"
)

// compactCommand asks the gateway agent to compact its context. Sent as a
// bare turn whenever the coordinator goes to sleep.
const compactCommand = "/compact"

var apiErrorPattern = regexp.MustCompile(`(?i)^\d{3}\s+(status code|error)`)

var apiErrorPhrases = []string{
	"rate limit",
	"rate-limited",
	"too many requests",
	"overloaded",
	"quota exceeded",
}

type replyVerdict struct {
	quiet      bool
	misaligned []string
	apiErrors  int
}

// classifyReplies buckets the agent's reply texts. Empty strings are
// ignored, protocol sentinels match case-insensitively after trimming, and
// upstream API failures are recognized so they are logged instead of being
// treated as misalignment.
func classifyReplies(replies []string) replyVerdict {
	var v replyVerdict
	for _, r := range replies {
		s := strings.TrimSpace(r)
		switch {
		case s == "":
		case strings.EqualFold(s, replyReplied):
		case strings.EqualFold(s, replyQuiet):
			v.quiet = true
		case isAPIError(s):
			v.apiErrors++
		default:
			v.misaligned = append(v.misaligned, s)
		}
	}
	return v
}

func isAPIError(s string) bool {
	if apiErrorPattern.MatchString(s) {
		return true
	}
	ls := strings.ToLower(s)
	for _, p := range apiErrorPhrases {
		if strings.Contains(ls, p) {
			return true
		}
	}
	return false
}

// protocolChecked reports whether a turn kind is held to the reply protocol.
// Corrections and compactions are bookkeeping turns; checking their replies
// would loop forever on a persistently confused agent.
func protocolChecked(k turnKind) bool {
	switch k {
	case turnChat, turnVibe, turnPlan:
		return true
	}
	return false
}

// handleTurnDone applies the reply protocol after a dispatched turn finishes.
// On vibe turns NO_REPLY puts the coordinator to sleep and wins over any
// other signal in the same replies; on chat and plan turns it is an ordinary
// quiet ack. Misaligned replies trigger one correction turn. Vibe turns
// rearm their timer here rather than on dispatch, so a slow turn never stacks
// a second vibe behind itself.
func (c *Coordinator) handleTurnDone(done turnDoneIntent) {
	if done.failed {
		if done.kind == turnVibe {
			c.scheduleVibe()
		}
		return
	}
	if !protocolChecked(done.kind) {
		return
	}
	v := classifyReplies(done.replies)
	if v.apiErrors > 0 {
		slog.Warn("agent reported upstream api errors", "turn", done.kind.String(), "count", v.apiErrors)
	}
	switch {
	case v.quiet && done.kind == turnVibe:
		slog.Info("agent asked for quiet, sleeping")
		c.enterSleep("no_reply", true)
	case len(v.misaligned) > 0:
		slog.Warn("misaligned agent reply", "turn", done.kind.String(), "count", len(v.misaligned))
		c.enqueueTurn(turnCorrection, correctionPrompt(v.misaligned))
		if done.kind == turnVibe {
			c.scheduleVibe()
		}
	default:
		if done.kind == turnVibe {
			c.scheduleVibe()
		}
	}
}

// correctionPrompt quotes the offending replies, truncated so one rambling
// reply cannot blow up the correction turn, and restates the protocol.
func correctionPrompt(misaligned []string) string {
	var b strings.Builder
	b.WriteString("[CRAWD:MISALIGNED] Your last reply was plain text instead of the livestream protocol. ")
	b.WriteString("Plain replies are never spoken on stream and the viewers saw nothing. You sent: ")
	for i, m := range misaligned {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", truncateReply(m, 80))
	}
	b.WriteString(". Use the talk tool to speak, then respond with LIVESTREAM_REPLIED, or respond with NO_REPLY to stay quiet.")
	return b.String()
}

func truncateReply(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
