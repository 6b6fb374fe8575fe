package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouter calls an OpenAI-compatible chat/completions endpoint.
type OpenRouter struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	referer    string
	title      string
}

// NewOpenRouter creates an OpenRouter client for model.
func NewOpenRouter(apiKey, model string) *OpenRouter {
	return &OpenRouter{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultOpenRouterBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		referer: "https://github.com/kalambet/medidash",
		title:   "medidash",
	}
}

// NewOpenRouterWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewOpenRouterWithBaseURL(apiKey, model, baseURL string) *OpenRouter {
	c := NewOpenRouter(apiKey, model)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatResponseFormat struct {
	Type       string         `json:"type"`
	JSONSchema map[string]any `json:"json_schema,omitempty"`
}

type chatRequest struct {
	Model          string              `json:"model"`
	Messages       []chatMessage       `json:"messages"`
	Temperature    float64             `json:"temperature,omitempty"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate sends req to chat/completions. Media are sent as data-URI
// image_url parts on the first user turn.
func (c *OpenRouter) Generate(ctx context.Context, req Request) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("openrouter: %w", ErrMissingAPIKey)
	}

	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Provider: "openrouter", Code: resp.StatusCode, Body: string(respBody)}
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("openrouter: no choices in response")
	}
	return cr.Choices[0].Message.Content, nil
}

func (c *OpenRouter) buildRequest(req Request) chatRequest {
	out := chatRequest{Model: c.model, Temperature: req.Temperature}

	if req.System != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.System})
	}

	mediaAttached := false
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleModel {
			role = "assistant"
		}
		if role == "user" && !mediaAttached && len(req.Media) > 0 {
			parts := []chatContentPart{{Type: "text", Text: m.Content}}
			out.Messages = append(out.Messages, chatMessage{Role: role, Content: append(parts, imageParts(req.Media)...)})
			mediaAttached = true
			continue
		}
		out.Messages = append(out.Messages, chatMessage{Role: role, Content: m.Content})
	}
	if !mediaAttached && len(req.Media) > 0 {
		out.Messages = append(out.Messages, chatMessage{Role: "user", Content: imageParts(req.Media)})
	}

	if req.Schema != nil {
		out.ResponseFormat = &chatResponseFormat{
			Type: "json_schema",
			JSONSchema: map[string]any{
				"name":   "output",
				"strict": false,
				"schema": req.Schema,
			},
		}
	}
	return out
}

func imageParts(media []Media) []chatContentPart {
	parts := make([]chatContentPart, 0, len(media))
	for _, m := range media {
		uri := "data:" + m.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
		parts = append(parts, chatContentPart{Type: "image_url", ImageURL: &chatImageURL{URL: uri}})
	}
	return parts
}

func (c *OpenRouter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
