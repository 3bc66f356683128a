package chat

import (
	"encoding/base64"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"canvaschat/core"
	"canvaschat/db"
	"canvaschat/export"
)

// SystemPrompt anchors the assistant's role on every turn.
const SystemPrompt = "You are a helpful assistant analyzing canvases. When images are present, describe insights succinctly."

func systemMessage() openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: SystemPrompt,
	}
}

// BuildUserMessage assembles the outbound user message for one turn.
//
// Each exported canvas contributes a labeling text part followed by the
// image itself as a base64 PNG data URL; the typed text comes last, kept
// verbatim with its @Name tokens intact so the model sees what the user
// actually wrote. A turn with no attachments and no non-blank text is
// rejected with ErrEmptyTurn.
func BuildUserMessage(text string, attachments []export.Result) (openai.ChatCompletionMessage, error) {
	hasText := strings.TrimSpace(text) != ""

	if len(attachments) == 0 {
		if !hasText {
			return openai.ChatCompletionMessage{}, core.ErrEmptyTurn
		}
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: text,
		}, nil
	}

	var parts []openai.ChatMessagePart
	for _, attachment := range attachments {
		parts = append(parts,
			openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("Canvas: %q", attachment.SourceCanvasName),
			},
			openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    pngDataURL(attachment.PNG),
					Detail: openai.ImageURLDetailAuto,
				},
			},
		)
	}
	if hasText {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: text,
		})
	}

	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}, nil
}

func pngDataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// historyMessages converts persisted turns into plain-text context
// messages. Attachment images are not replayed on later turns; only the
// text survives into history.
func historyMessages(messages []db.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return out
}
