package ai

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type GatewayConfig struct {
	ChatModel      string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
}

// Gateway issues rate-governed completion and embedding calls through a
// credential chosen from the pool.
type Gateway struct {
	pool      *Pool
	governor  *Governor
	tokenizer Tokenizer
	cfg       GatewayConfig
	log       zerolog.Logger
}

func NewGateway(pool *Pool, governor *Governor, tok Tokenizer, cfg GatewayConfig) *Gateway {
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-3.5-turbo"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-ada-002"
	}
	return &Gateway{
		pool:      pool,
		governor:  governor,
		tokenizer: tok,
		cfg:       cfg,
		log:       log.With().Str("component", "ai-gateway").Logger(),
	}
}

// TokenCount counts text with the shared tokenizer.
func (g *Gateway) TokenCount(text string) int {
	return g.tokenizer.Count(text)
}

func (g *Gateway) client(creds Credentials, kind CallKind) (Client, error) {
	c, err := g.pool.Select(creds)
	if err != nil {
		return nil, err
	}
	if err := g.governor.Consume(c.RateKey(), kind); err != nil {
		g.log.Error().Str("kind", string(kind)).Msg("request exceeded rate limiting")
		return nil, err
	}
	return c, nil
}

// Embed returns the embedding vector for text. An empty model selects the
// configured default.
func (g *Gateway) Embed(ctx context.Context, text string, creds Credentials, model string) ([]float32, error) {
	c, err := g.client(creds, CallEmbedding)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = g.cfg.EmbeddingModel
	}
	vec, err := c.CreateEmbedding(ctx, text, model)
	if err != nil {
		perr := providerError("embedding", err)
		g.logProviderError("embedding", perr)
		return nil, perr
	}
	return vec, nil
}

// Completion is a synchronous answer. Usage is nil when the provider did not
// report it.
type Completion struct {
	Text  string
	Usage *Usage
}

func (g *Gateway) Complete(ctx context.Context, messages []Message, creds Credentials) (*Completion, error) {
	c, err := g.client(creds, CallCompletion)
	if err != nil {
		return nil, err
	}
	res, err := c.CreateChatCompletion(ctx, g.request(messages))
	if err != nil {
		perr := providerError("chat completion", err)
		g.logProviderError("chat completion", perr)
		return nil, perr
	}
	return &Completion{Text: res.Text, Usage: res.Usage}, nil
}

// CompleteStream starts a streaming completion. One call consumes one rate
// unit however long the stream runs. Usage passed to onComplete is counted
// locally since providers do not report it reliably mid-stream.
func (g *Gateway) CompleteStream(ctx context.Context, messages []Message, creds Credentials, onComplete CompleteFunc) (*StreamHandle, error) {
	c, err := g.client(creds, CallCompletion)
	if err != nil {
		return nil, err
	}

	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	promptTokens := g.tokenizer.Count(strings.Join(parts, " "))

	sctx, cancel := context.WithCancel(ctx)
	stream, err := c.CreateChatCompletionStream(sctx, g.request(messages))
	if err != nil {
		cancel()
		perr := providerError("chat completion stream", err)
		g.logProviderError("chat completion stream", perr)
		return nil, perr
	}

	h := newStreamHandle(cancel)
	go g.pump(sctx, h, stream, promptTokens, onComplete)
	return h, nil
}

func (g *Gateway) pump(ctx context.Context, h *StreamHandle, stream ChunkStream, promptTokens int, onComplete CompleteFunc) {
	defer h.cancel()
	defer func() { _ = stream.Close() }()

	var answer strings.Builder
	for {
		content, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				perr := providerError("chat completion stream", err)
				g.logProviderError("chat completion stream", perr)
				h.fail(perr)
			} else {
				h.fail(ctx.Err())
			}
			close(h.events)
			return
		}
		if content == "" {
			continue
		}
		answer.WriteString(content)
		select {
		case h.events <- StreamEvent{Content: content}:
		case <-ctx.Done():
			h.fail(ctx.Err())
			close(h.events)
			return
		}
	}

	select {
	case h.events <- StreamEvent{Done: true}:
	case <-ctx.Done():
		h.fail(ctx.Err())
		close(h.events)
		return
	}
	close(h.events)

	if onComplete != nil {
		text := answer.String()
		completionTokens := g.tokenizer.Count(text)
		onComplete(text, Usage{
			Prompt:     promptTokens,
			Completion: completionTokens,
			Total:      promptTokens + completionTokens,
		})
	}
}

func (g *Gateway) request(messages []Message) CompletionRequest {
	return CompletionRequest{
		Model:       g.cfg.ChatModel,
		Messages:    messages,
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}
}

func (g *Gateway) logProviderError(op string, err error) {
	ev := g.log.Error().Err(err).Str("op", op)
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Status != 0 {
		ev = ev.Int("status", pe.Status).Str("body", pe.Body)
	}
	ev.Msg("provider api error")
}
