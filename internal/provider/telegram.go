package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultTelegramAPIURL  = "https://api.telegram.org"
	defaultTelegramTimeout = 30 * time.Second
)

type telegramTextRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type telegramDocumentRequest struct {
	ChatID    string `json:"chat_id"`
	Document  string `json:"document"`
	Caption   string `json:"caption,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// TelegramProvider delivers messages through the Telegram Bot API.
type TelegramProvider struct {
	client  *resty.Client
	baseURL string
	token   string
}

var _ Provider = (*TelegramProvider)(nil)

func NewTelegramProvider(baseURL string, token string) (*TelegramProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultTelegramTimeout)
	client.SetRetryCount(0)

	return NewTelegramProviderWithClient(baseURL, token, client)
}

func NewTelegramProviderWithClient(baseURL string, token string, client *resty.Client) (*TelegramProvider, error) {
	trimmedURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedURL == "" {
		trimmedURL = DefaultTelegramAPIURL
	}
	if _, err := url.ParseRequestURI(trimmedURL); err != nil {
		return nil, fmt.Errorf("invalid telegram api url: %w", err)
	}
	trimmedToken := strings.TrimSpace(token)
	if trimmedToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTelegramTimeout)
	}
	// Retries belong to the job broker; a retried send here could duplicate a message.
	client.SetRetryCount(0)

	return &TelegramProvider{
		client:  client,
		baseURL: trimmedURL,
		token:   trimmedToken,
	}, nil
}

func (p *TelegramProvider) Send(ctx context.Context, msg OutboundMessage) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid outbound message: %w", err)
	}

	method := "sendMessage"
	var body any = telegramTextRequest{
		ChatID:    msg.ChatID,
		Text:      msg.Text,
		ParseMode: msg.ParseMode,
	}
	if msg.IsDocument() {
		method = "sendDocument"
		body = telegramDocumentRequest{
			ChatID:    msg.ChatID,
			Document:  msg.DocumentRef,
			Caption:   msg.Text,
			ParseMode: msg.ParseMode,
		}
	}

	var result telegramResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post(p.methodURL(method))
	if err != nil {
		return nil, &ProviderError{
			Message:   "telegram request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     p.redact(ctx, err),
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "telegram returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices && result.OK {
		return &ProviderResponse{
			StatusCode: statusCode,
			MessageID:  messageID(result),
		}, nil
	}

	if result.ErrorCode > 0 && statusCode < http.StatusBadRequest {
		statusCode = result.ErrorCode
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    telegramErrorMessage(statusCode, result.Description, response.String()),
		Transient:  isTransientHTTPStatus(statusCode),
		RetryAfter: time.Duration(result.Parameters.RetryAfter) * time.Second,
	}
}

func (p *TelegramProvider) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", p.baseURL, p.token, method)
}

// redact keeps the bot token out of transport errors, which embed the request URL.
func (p *TelegramProvider) redact(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	redacted := errors.New(strings.ReplaceAll(err.Error(), p.token, "<redacted>"))
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, redacted)
	}
	return redacted
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func telegramErrorMessage(statusCode int, description string, body string) string {
	base := fmt.Sprintf("telegram returned status %d", statusCode)
	detail := strings.TrimSpace(description)
	if detail == "" {
		detail = strings.TrimSpace(body)
	}
	if detail == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, detail)
}

func messageID(result telegramResponse) string {
	if result.Result.MessageID == 0 {
		return ""
	}
	return strconv.FormatInt(result.Result.MessageID, 10)
}
