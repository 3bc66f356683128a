package chat

import (
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"canvaschat/core"
	"canvaschat/export"
)

func TestBuildUserMessageTextOnly(t *testing.T) {
	msg, err := BuildUserMessage("Summarize the plan", nil)
	if err != nil {
		t.Fatalf("BuildUserMessage() error = %v", err)
	}
	if msg.Role != openai.ChatMessageRoleUser {
		t.Errorf("Role = %q, want user", msg.Role)
	}
	if msg.Content != "Summarize the plan" {
		t.Errorf("Content = %q", msg.Content)
	}
	if len(msg.MultiContent) != 0 {
		t.Errorf("text-only message should not use MultiContent")
	}
}

func TestBuildUserMessageWithAttachments(t *testing.T) {
	attachments := []export.Result{
		{SourceCanvasName: "Diagram", PNG: []byte{1, 2, 3}},
		{SourceCanvasName: "Notes", PNG: []byte{4, 5}},
	}
	msg, err := BuildUserMessage("Compare @Diagram and @Notes", attachments)
	if err != nil {
		t.Fatalf("BuildUserMessage() error = %v", err)
	}

	// Per attachment a label then an image, with the typed text last.
	if len(msg.MultiContent) != 5 {
		t.Fatalf("len(MultiContent) = %d, want 5", len(msg.MultiContent))
	}
	wantOrder := []struct {
		partType openai.ChatMessagePartType
		text     string
	}{
		{openai.ChatMessagePartTypeText, `Canvas: "Diagram"`},
		{openai.ChatMessagePartTypeImageURL, ""},
		{openai.ChatMessagePartTypeText, `Canvas: "Notes"`},
		{openai.ChatMessagePartTypeImageURL, ""},
		{openai.ChatMessagePartTypeText, "Compare @Diagram and @Notes"},
	}
	for i, want := range wantOrder {
		part := msg.MultiContent[i]
		if part.Type != want.partType {
			t.Errorf("part[%d].Type = %q, want %q", i, part.Type, want.partType)
		}
		if want.text != "" && part.Text != want.text {
			t.Errorf("part[%d].Text = %q, want %q", i, part.Text, want.text)
		}
		if want.partType == openai.ChatMessagePartTypeImageURL {
			if part.ImageURL == nil || !strings.HasPrefix(part.ImageURL.URL, "data:image/png;base64,") {
				t.Errorf("part[%d] is not a PNG data URL", i)
			}
		}
	}
}

func TestBuildUserMessageAttachmentsWithoutText(t *testing.T) {
	msg, err := BuildUserMessage("  ", []export.Result{
		{SourceCanvasName: "Diagram", PNG: []byte{1}},
	})
	if err != nil {
		t.Fatalf("BuildUserMessage() error = %v", err)
	}
	// Blank text contributes no trailing part.
	if len(msg.MultiContent) != 2 {
		t.Errorf("len(MultiContent) = %d, want 2", len(msg.MultiContent))
	}
}

func TestBuildUserMessageEmptyTurn(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := BuildUserMessage(text, nil)
		if !errors.Is(err, core.ErrEmptyTurn) {
			t.Errorf("BuildUserMessage(%q) error = %v, want ErrEmptyTurn", text, err)
		}
	}
}

func TestBuildUserMessageKeepsMentionTokensVerbatim(t *testing.T) {
	text := "Look at @Diagram closely"
	msg, err := BuildUserMessage(text, []export.Result{
		{SourceCanvasName: "Diagram", PNG: []byte{1}},
	})
	if err != nil {
		t.Fatalf("BuildUserMessage() error = %v", err)
	}
	last := msg.MultiContent[len(msg.MultiContent)-1]
	if last.Text != text {
		t.Errorf("typed text part = %q, want verbatim %q", last.Text, text)
	}
}
