package batch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
)

// result is one line of a provider result file, decoded once here.
type result struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// outcome returns the translated text, or a reason why there is none.
func (r result) outcome() (string, string) {
	if r.Error != nil {
		return "", fmt.Sprintf("%s: %s", r.Error.Code, r.Error.Message)
	}
	if r.Response == nil {
		return "", "missing response"
	}
	if r.Response.StatusCode != 0 && r.Response.StatusCode != 200 {
		return "", fmt.Sprintf("status %d", r.Response.StatusCode)
	}
	if len(r.Response.Body.Choices) == 0 {
		return "", "empty choices"
	}
	choice := r.Response.Body.Choices[0]
	if choice.FinishReason != "" && choice.FinishReason != "stop" {
		return "", fmt.Sprintf("finish_reason=%q", choice.FinishReason)
	}
	return choice.Message.Content, ""
}

const maxResultLine = 16 << 20

func parseResults(data []byte) ([]result, error) {
	var out []result
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxResultLine)
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var r result
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("parse result line %d: %w", line, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	return out, nil
}

// applyResults copies results into the job's requests, matching on the
// correlation id and falling back to submission order.
func applyResults(job *Job, results []result) {
	byID := make(map[string]int, len(job.Requests))
	for i, req := range job.Requests {
		byID[req.ID] = i
	}

	for pos, r := range results {
		idx, ok := byID[r.CustomID]
		if !ok {
			if r.CustomID != "" || pos >= len(job.Requests) {
				continue
			}
			idx = pos
		}
		text, reason := r.outcome()
		req := &job.Requests[idx]
		if reason != "" {
			req.Error = reason
			req.Result = nil
			continue
		}
		req.Result = &text
		req.Error = ""
	}

	for i := range job.Requests {
		if !job.Requests[i].Resolved() {
			job.Requests[i].Error = "missing from results"
		}
	}
}
