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
	"time"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-2.5-flash"
	defaultTimeout       = 60 * time.Second
)

// Gemini calls the Google Generative Language generateContent endpoint.
type Gemini struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewGemini creates a client for model using apiKey.
func NewGemini(apiKey, model string) *Gemini {
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultGeminiBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// NewGeminiWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewGeminiWithBaseURL(apiKey, model, baseURL string) *Gemini {
	g := NewGemini(apiKey, model)
	g.baseURL = strings.TrimRight(baseURL, "/")
	return g
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64        `json:"temperature,omitempty"`
	ResponseMIMEType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// Generate sends req to generateContent. Media are attached as inline_data
// parts of the first user turn.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	if g.apiKey == "" {
		return "", fmt.Errorf("gemini: %w", ErrMissingAPIKey)
	}

	body, err := json.Marshal(g.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Provider: "gemini", Code: resp.StatusCode, Body: string(respBody)}
	}

	var gr geminiResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("gemini: prompt blocked: %s", gr.PromptFeedback.BlockReason)
	}
	if len(gr.Candidates) == 0 {
		return "", fmt.Errorf("gemini: no candidates in response")
	}

	var sb strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

func (g *Gemini) buildRequest(req Request) geminiRequest {
	var out geminiRequest

	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	mediaAttached := false
	for _, m := range req.Messages {
		role := m.Role
		if role != RoleModel {
			role = RoleUser
		}
		c := geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}}
		if role == RoleUser && !mediaAttached {
			c.Parts = append(c.Parts, mediaParts(req.Media)...)
			mediaAttached = true
		}
		out.Contents = append(out.Contents, c)
	}
	if !mediaAttached && len(req.Media) > 0 {
		out.Contents = append(out.Contents, geminiContent{Role: RoleUser, Parts: mediaParts(req.Media)})
	}

	cfg := &geminiGenerationConfig{Temperature: req.Temperature}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = req.Schema
	}
	out.GenerationConfig = cfg
	return out
}

func mediaParts(media []Media) []geminiPart {
	parts := make([]geminiPart, 0, len(media))
	for _, m := range media {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MIMEType: m.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(m.Data),
		}})
	}
	return parts
}
