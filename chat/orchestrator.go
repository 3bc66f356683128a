package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"canvaschat/canvas"
	"canvaschat/core"
	"canvaschat/db"
	"canvaschat/export"
	"canvaschat/logging"
	"canvaschat/mention"
)

// Exporter produces canvas attachments for the mentioned names.
type Exporter interface {
	ExportMany(ctx context.Context, names []string) []export.Result
}

// MessageStore is the persistence surface the orchestrator needs.
// *db.Store satisfies it.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg db.ChatMessage) (db.ChatMessage, error)
	ListMessages(ctx context.Context, sessionID string) ([]db.ChatMessage, error)
	LogTurn(ctx context.Context, rec db.TurnRecord) error
}

// tokenStream is the receive side of one streamed completion.
type tokenStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// streamClient opens streamed completions. Wraps *openai.Client in
// production; tests substitute fakes.
type streamClient interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (tokenStream, error)
}

type openaiStreamClient struct {
	client *openai.Client
}

func (c openaiStreamClient) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (tokenStream, error) {
	return c.client.CreateChatCompletionStream(ctx, req)
}

// Request is one chat turn. Provider must already be resolved; SessionID
// may be empty, in which case the turn is ephemeral and nothing persists.
type Request struct {
	SessionID string
	Text      string
	Provider  ProviderConfig
}

// Stream relays assistant tokens as they arrive. Consume Tokens to
// exhaustion, then check Err: nil means the turn completed cleanly.
type Stream struct {
	tokens chan string

	mu  sync.Mutex
	err error
}

func newStream() *Stream {
	return &Stream{tokens: make(chan string, 16)}
}

// Tokens returns the channel of assistant text fragments. It is closed
// when the turn finishes, cleanly or not.
func (s *Stream) Tokens() <-chan string {
	return s.tokens
}

// Err reports how the stream ended. Only meaningful after Tokens is
// closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.tokens)
}

// Orchestrator runs chat turns end to end: mention extraction, canvas
// export, message assembly, the provider call, and persistence.
type Orchestrator struct {
	tabs      *canvas.TabList
	exporter  Exporter
	store     MessageStore
	logger    *logging.Logger
	aiTimeout time.Duration

	// clientFor is swapped out in tests.
	clientFor func(ProviderConfig) streamClient
}

// NewOrchestrator creates an orchestrator. store may be nil; turns then
// run without history or persistence.
func NewOrchestrator(tabs *canvas.TabList, exporter Exporter, store MessageStore, aiTimeout time.Duration, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	o := &Orchestrator{
		tabs:      tabs,
		exporter:  exporter,
		store:     store,
		logger:    logger.Named("chat"),
		aiTimeout: aiTimeout,
	}
	o.clientFor = func(p ProviderConfig) streamClient {
		return openaiStreamClient{client: NewClient(p, o.aiTimeout)}
	}
	return o
}

// Submit starts one turn and returns its token stream.
//
// The typed text is scanned for @Name mentions against the current tab
// registry; matching canvases are exported concurrently and attached.
// Failed exports degrade to fewer attachments. The user message persists
// before the provider call; the assistant message persists only when the
// stream completes cleanly, so an interrupted stream leaves no partial
// assistant row behind.
//
// A turn that is empty after assembly returns ErrEmptyTurn. A provider
// that cannot be reached at all returns a PROVIDER_CALL_FAILED error;
// failures after streaming begins surface as STREAM_INTERRUPTED through
// Stream.Err.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Stream, error) {
	start := time.Now()

	names := mention.Extract(req.Text, o.tabs.Names())
	attachments := o.exporter.ExportMany(ctx, names)

	userMsg, err := BuildUserMessage(req.Text, attachments)
	if err != nil {
		return nil, err
	}

	attachedNames := make([]string, 0, len(attachments))
	for _, a := range attachments {
		attachedNames = append(attachedNames, a.SourceCanvasName)
	}

	persist := req.SessionID != "" && o.store != nil
	var history []openai.ChatCompletionMessage
	if persist {
		prior, err := o.store.ListMessages(ctx, req.SessionID)
		if err != nil {
			o.logger.Warn("failed to load session history",
				zap.String("session_id", req.SessionID), zap.Error(err))
		} else {
			history = historyMessages(prior)
		}

		if _, err := o.store.AppendMessage(ctx, db.ChatMessage{
			SessionID:   req.SessionID,
			Role:        "user",
			Content:     req.Text,
			Attachments: attachedNames,
		}); err != nil {
			o.logger.Error("failed to persist user message",
				zap.String("session_id", req.SessionID), zap.Error(err))
		}
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, systemMessage())
	messages = append(messages, history...)
	messages = append(messages, userMsg)

	client := o.clientFor(req.Provider)
	upstream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    req.Provider.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		o.logTurn(ctx, req, len(attachments), start, "error", err)
		return nil, core.ErrProviderCallFailed(req.Provider.Model, err)
	}

	o.logger.Info("turn started",
		zap.String("session_id", req.SessionID),
		zap.String("model", req.Provider.Model),
		zap.String("provider_source", req.Provider.Source),
		zap.Int("attachments", len(attachments)))

	out := newStream()
	go o.relay(ctx, req, upstream, out, persist, len(attachments), start)
	return out, nil
}

// relay pumps tokens from the provider into the caller's stream and
// settles persistence when the turn ends.
func (o *Orchestrator) relay(ctx context.Context, req Request, upstream tokenStream, out *Stream, persist bool, attachmentCount int, start time.Time) {
	defer upstream.Close()

	var full strings.Builder
	for {
		resp, err := upstream.Recv()
		if errors.Is(err, io.EOF) {
			o.completeTurn(ctx, req, full.String(), persist, attachmentCount, start)
			out.finish(nil)
			return
		}
		if err != nil {
			o.logTurn(ctx, req, attachmentCount, start, "error", err)
			out.finish(core.ErrStreamInterrupted(err))
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		token := resp.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		full.WriteString(token)

		select {
		case out.tokens <- token:
		case <-ctx.Done():
			o.logTurn(ctx, req, attachmentCount, start, "error", ctx.Err())
			out.finish(core.ErrStreamInterrupted(ctx.Err()))
			return
		}
	}
}

func (o *Orchestrator) completeTurn(ctx context.Context, req Request, assistantText string, persist bool, attachmentCount int, start time.Time) {
	if persist && assistantText != "" {
		if _, err := o.store.AppendMessage(context.WithoutCancel(ctx), db.ChatMessage{
			SessionID: req.SessionID,
			Role:      "assistant",
			Content:   assistantText,
		}); err != nil {
			o.logger.Error("failed to persist assistant message",
				zap.String("session_id", req.SessionID), zap.Error(err))
		}
	}
	o.logTurn(ctx, req, attachmentCount, start, "success", nil)
}

func (o *Orchestrator) logTurn(ctx context.Context, req Request, attachmentCount int, start time.Time, status string, cause error) {
	if o.store == nil {
		return
	}
	rec := db.TurnRecord{
		SessionID:       req.SessionID,
		Model:           req.Provider.Model,
		AttachmentCount: attachmentCount,
		DurationMS:      int(time.Since(start).Milliseconds()),
		Status:          status,
	}
	if cause != nil {
		rec.ErrorMessage = cause.Error()
	}
	if err := o.store.LogTurn(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to record turn", zap.Error(err))
	}
}
