package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/tenkibot/internal/ratelimit"
	"github.com/hitoshi/tenkibot/internal/security"
)

const (
	// DefaultGeminiBaseURL はGemini APIのベースURL。
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	// DefaultGeminiModel は既定のモデル名。
	DefaultGeminiModel = "gemini-1.5-flash"
	// MaxMessageRunes は生成メッセージの最大文字数。
	MaxMessageRunes = 200

	maxResponseSize = 1 << 20
)

// Recorder は上流リクエストの結果を記録するインターフェース（メトリクス用）。
type Recorder interface {
	RecordUpstreamRequest(upstream string, statusCode int, duration time.Duration)
}

// GeminiConfig はGeminiClientの設定。
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// GeminiClient はGemini APIでメッセージを生成する。
type GeminiClient struct {
	httpClient *http.Client
	cfg        GeminiConfig
	budget     *ratelimit.Budget
	sanitizer  security.MessageSanitizer
	logger     *slog.Logger
	recorder   Recorder
}

var _ Generator = (*GeminiClient)(nil)

// NewGeminiClient はGeminiClientの新しいインスタンスを生成する。
// budgetがnilの場合はリクエスト数を制限しない。
func NewGeminiClient(httpClient *http.Client, cfg GeminiConfig, budget *ratelimit.Budget, sanitizer security.MessageSanitizer, logger *slog.Logger) *GeminiClient {
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGeminiBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &GeminiClient{
		httpClient: httpClient,
		cfg:        cfg,
		budget:     budget,
		sanitizer:  sanitizer,
		logger:     logger,
	}
}

// SetRecorder はメトリクス記録先を設定する。
func (c *GeminiClient) SetRecorder(r Recorder) {
	c.recorder = r
}

// Available はAPIキーが設定されているかを返す。
func (c *GeminiClient) Available() bool {
	return c.cfg.APIKey != ""
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
	SafetySettings   []safetySetting  `json:"safetySettings"`
}

type generateResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

var defaultSafetySettings = []safetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
}

// Generate はGemini APIでメッセージを生成する。
// 予算切れ・タイムアウト・空の応答はいずれもエラーを返し、呼び出し側で定型メッセージに切り替える。
func (c *GeminiClient) Generate(ctx context.Context, wc WeatherContext, mt MessageType) (string, error) {
	if !c.Available() {
		return "", ErrNotConfigured
	}
	if c.budget != nil && !c.budget.TryConsume() {
		return "", ErrBudgetExhausted
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(generateRequest{
		Contents:         []geminiContent{{Parts: []geminiPart{{Text: BuildPrompt(wc, mt)}}}},
		GenerationConfig: generationConfig{Temperature: 0.8, MaxOutputTokens: 256},
		SafetySettings:   defaultSafetySettings,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.cfg.BaseURL, url.PathEscape(c.cfg.Model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(0, time.Since(start))
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()
	c.record(resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP %d", ErrGenerationFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	var gr generateResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return "", fmt.Errorf("%w: 応答を解釈できません: %v", ErrGenerationFailed, err)
	}
	if len(gr.Candidates) == 0 {
		return "", fmt.Errorf("%w: 候補が空です", ErrGenerationFailed)
	}

	var text strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	msg := text.String()
	if c.sanitizer != nil {
		msg = c.sanitizer.Sanitize(msg)
	} else {
		msg = strings.TrimSpace(msg)
	}
	if msg == "" {
		return "", fmt.Errorf("%w: 本文が空です (finishReason=%s)", ErrGenerationFailed, gr.Candidates[0].FinishReason)
	}

	c.logger.Debug("AIメッセージを生成しました",
		slog.String("area_name", wc.AreaName),
		slog.String("message_type", string(mt)),
	)
	return msg, nil
}

func (c *GeminiClient) record(status int, d time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordUpstreamRequest("gemini", status, d)
	}
}
