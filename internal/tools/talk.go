package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/crawdtv/crawd/internal/speech"
)

// Speaker is the speech gate port the talk tools drive.
type Speaker interface {
	Talk(ctx context.Context, text string) (speech.Result, error)
}

// ============================================================
// talk
// ============================================================

type TalkTool struct {
	speaker Speaker
}

func NewTalkTool() *TalkTool { return &TalkTool{} }

func (t *TalkTool) SetSpeaker(s Speaker) { t.speaker = s }

func (t *TalkTool) Name() string { return "talk" }
func (t *TalkTool) Description() string {
	return "Speak a message out loud on the livestream. To answer a specific chat message, prefix the text with its short id: [a1b2c3] your reply."
}

func (t *TalkTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "What to say on stream",
			},
		},
		"required": []string{"text"},
	}
}

// Execute never rejects on bad arguments: a talk that cannot be spoken
// answers {spoken:false} so the agent can carry on with its turn.
func (t *TalkTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.speaker == nil {
		return ErrorResult("speech gate not available")
	}

	text, _ := args["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		return NewResult(map[string]interface{}{"spoken": false, "reason": "text is required"})
	}

	res, err := t.speaker.Talk(ctx, text)
	if err != nil {
		return NewResult(map[string]interface{}{"spoken": false, "reason": err.Error()})
	}
	return NewResult(map[string]interface{}{"spoken": res.Spoken})
}

// ============================================================
// reply
// ============================================================

// ReplyTool is sugar over talk for agents that keep message ids and reply
// text in separate fields. It reuses the short-id resolution inside the
// speech gate.
type ReplyTool struct {
	speaker Speaker
}

func NewReplyTool() *ReplyTool { return &ReplyTool{} }

func (t *ReplyTool) SetSpeaker(s Speaker) { t.speaker = s }

func (t *ReplyTool) Name() string { return "reply" }
func (t *ReplyTool) Description() string {
	return "Reply to a specific chat message by its short id. The overlay shows the quoted message next to your answer."
}

func (t *ReplyTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message_id": map[string]interface{}{
				"type":        "string",
				"description": "Short id of the chat message to answer",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "What to say on stream",
			},
		},
		"required": []string{"message_id", "text"},
	}
}

func (t *ReplyTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.speaker == nil {
		return ErrorResult("speech gate not available")
	}

	messageID, _ := args["message_id"].(string)
	text, _ := args["text"].(string)
	messageID = strings.TrimSpace(messageID)
	text = strings.TrimSpace(text)
	if messageID == "" || text == "" {
		return NewResult(map[string]interface{}{"spoken": false, "reason": "message_id and text are required"})
	}

	res, err := t.speaker.Talk(ctx, fmt.Sprintf("[%s] %s", messageID, text))
	if err != nil {
		return NewResult(map[string]interface{}{"spoken": false, "reason": err.Error()})
	}
	return NewResult(map[string]interface{}{"spoken": res.Spoken})
}
