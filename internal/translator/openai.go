package translator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/valpere/subtran/internal/batch"
	"github.com/valpere/subtran/internal/postprocess"
)

const (
	DefaultOpenAIModel = "gpt-4o-mini"

	batchCompletionWindow = "24h"
)

// Sampling holds the fixed sampling parameters sent with every request.
type Sampling struct {
	Temperature      float32
	TopP             float32
	FrequencyPenalty float32
	PresencePenalty  float32
}

// DefaultSampling leans towards deterministic output.
var DefaultSampling = Sampling{Temperature: 0.2, TopP: 1}

// OpenAIService talks to any OpenAI-compatible chat completion endpoint
// (OpenAI itself, OpenRouter, vLLM, ...). It also implements batch.Remote
// on top of the OpenAI Batch API.
type OpenAIService struct {
	client   *openai.Client
	model    string
	sampling Sampling
}

func NewOpenAIService(apiKey, baseURL, model string, sampling Sampling, timeout time.Duration) *OpenAIService {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIService{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		sampling: sampling,
	}
}

func (s *OpenAIService) Name() string {
	return "openai"
}

func (s *OpenAIService) chatRequest(system, text string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature:      s.sampling.Temperature,
		TopP:             s.sampling.TopP,
		FrequencyPenalty: s.sampling.FrequencyPenalty,
		PresencePenalty:  s.sampling.PresencePenalty,
	}
}

func (s *OpenAIService) Translate(ctx context.Context, req TranslateRequest) (*ServiceResult, error) {
	result := &ServiceResult{ServiceName: s.Name()}
	start := time.Now()
	defer func() { result.Latency = time.Since(start) }()

	resp, err := s.client.CreateChatCompletion(ctx, s.chatRequest(req.System, req.Text))
	if err != nil {
		return result, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return result, errors.New("empty response from API")
	}

	choice := resp.Choices[0]
	result.TranslatedText = postprocess.Clean(choice.Message.Content)
	result.FinishReason = string(choice.FinishReason)
	result.Metadata = map[string]string{
		"model":             resp.Model,
		"prompt_tokens":     fmt.Sprintf("%d", resp.Usage.PromptTokens),
		"completion_tokens": fmt.Sprintf("%d", resp.Usage.CompletionTokens),
	}

	return result, nil
}

func (s *OpenAIService) IsAvailable(ctx context.Context) error {
	if _, err := s.client.ListModels(ctx); err != nil {
		return fmt.Errorf("openai not available: %w", err)
	}
	return nil
}

// CreateJob uploads the lines as a JSONL input file and starts a batch.
func (s *OpenAIService) CreateJob(ctx context.Context, lines []batch.Line) (string, error) {
	req := openai.CreateBatchWithUploadFileRequest{
		Endpoint:         openai.BatchEndpointChatCompletions,
		CompletionWindow: batchCompletionWindow,
		UploadBatchFileRequest: openai.UploadBatchFileRequest{
			FileName: fmt.Sprintf("subtran-%d.jsonl", time.Now().UnixNano()),
		},
	}
	for _, l := range lines {
		req.AddChatCompletion(l.CustomID, s.chatRequest(l.System, l.Content))
	}

	resp, err := s.client.CreateBatchWithUploadFile(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// JobStatus retrieves the remote state of a batch.
func (s *OpenAIService) JobStatus(ctx context.Context, id string) (batch.RemoteStatus, error) {
	resp, err := s.client.RetrieveBatch(ctx, id)
	if err != nil {
		return batch.RemoteStatus{}, err
	}
	st := batch.RemoteStatus{Status: resp.Status}
	if resp.OutputFileID != nil {
		st.OutputFileID = *resp.OutputFileID
	}
	if resp.ErrorFileID != nil {
		st.ErrorFileID = *resp.ErrorFileID
	}
	return st, nil
}

// Download returns the raw contents of a result or error file.
func (s *OpenAIService) Download(ctx context.Context, fileID string) ([]byte, error) {
	content, err := s.client.GetFileContent(ctx, fileID)
	if err != nil {
		return nil, err
	}
	defer content.Close()
	return io.ReadAll(content)
}

var _ batch.Remote = (*OpenAIService)(nil)
