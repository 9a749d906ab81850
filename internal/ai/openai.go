package ai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to OpenAI or an Azure OpenAI deployment through the
// go-openai SDK.
type OpenAIClient struct {
	client  *openai.Client
	rateKey string
}

// NewOpenAIClient is the default ClientFactory.
func NewOpenAIClient(sel Selected) Client {
	var cfg openai.ClientConfig
	switch sel.Kind {
	case KindOpenAIAzure:
		cfg = openai.DefaultAzureConfig(sel.APIKey, strings.TrimRight(sel.Endpoint, "/"))
		if sel.Version != "" {
			cfg.APIVersion = sel.Version
		}
	default:
		cfg = openai.DefaultConfig(sel.APIKey)
	}
	// no global timeout; streaming calls are bounded by their context
	cfg.HTTPClient = &http.Client{Transport: http.DefaultTransport}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), rateKey: sel.RateKey()}
}

func (c *OpenAIClient) RateKey() string { return c.rateKey }

func (c *OpenAIClient) CreateEmbedding(ctx context.Context, text, model string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	res, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, err
	}
	if len(res.Data) == 0 {
		return nil, errors.New("openai: empty embedding response")
	}
	return res.Data[0].Embedding, nil
}

func (c *OpenAIClient) CreateChatCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	res, err := c.client.CreateChatCompletion(ctx, toOpenAIRequest(req, false))
	if err != nil {
		return CompletionResponse{}, err
	}
	if len(res.Choices) == 0 {
		return CompletionResponse{}, errors.New("openai: empty response")
	}
	out := CompletionResponse{Text: res.Choices[0].Message.Content}
	if res.Usage.TotalTokens > 0 {
		out.Usage = &Usage{
			Prompt:     res.Usage.PromptTokens,
			Completion: res.Usage.CompletionTokens,
			Total:      res.Usage.TotalTokens,
		}
	}
	return out, nil
}

func (c *OpenAIClient) CreateChatCompletionStream(ctx context.Context, req CompletionRequest) (ChunkStream, error) {
	s, err := c.client.CreateChatCompletionStream(ctx, toOpenAIRequest(req, true))
	if err != nil {
		return nil, err
	}
	return &openAIStream{s: s}, nil
}

type openAIStream struct {
	s *openai.ChatCompletionStream
}

func (o *openAIStream) Recv() (string, error) {
	for {
		part, err := o.s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", err
		}
		if len(part.Choices) == 0 {
			continue
		}
		return part.Choices[0].Delta.Content, nil
	}
}

func (o *openAIStream) Close() error { return o.s.Close() }

func toOpenAIRequest(req CompletionRequest, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}
