package translator

import (
	"context"
	"fmt"
	"time"
)

// FinishStop is the only finish reason accepted as a complete response.
const FinishStop = "stop"

type TranslateRequest struct {
	Text       string `json:"text"`
	System     string `json:"system"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

type ServiceResult struct {
	ServiceName    string            `json:"service_name"`
	TranslatedText string            `json:"translated_text"`
	FinishReason   string            `json:"finish_reason"`
	Metadata       map[string]string `json:"metadata"`
	Latency        time.Duration     `json:"latency"`
}

// TranslationService is a synchronous translation backend.
type TranslationService interface {
	Name() string
	Translate(ctx context.Context, req TranslateRequest) (*ServiceResult, error)
	IsAvailable(ctx context.Context) error
}

// EndpointError reports a translation call that did not end in a normal
// stop condition: a transport failure, an API error, or a truncated or
// filtered completion.
type EndpointError struct {
	Service      string
	FinishReason string
	Err          error
}

func (e *EndpointError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: endpoint error: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s: endpoint error: finish_reason=%q", e.Service, e.FinishReason)
}

func (e *EndpointError) Unwrap() error {
	return e.Err
}
