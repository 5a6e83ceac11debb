package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender wraps the bot API with best-effort delivery semantics. A user who
// blocked the bot must never stall reconciliation, and a single rate-limit
// response gets one bounded retry.
type Sender struct {
	api        *tgbotapi.BotAPI
	log        *slog.Logger
	httpClient *http.Client
}

func NewSender(api *tgbotapi.BotAPI, log *slog.Logger) *Sender {
	return &Sender{
		api:        api,
		log:        log.With("component", "telegram"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Send delivers any chattable, retrying once on rate limit and swallowing
// blocked-bot errors. The zero Message and nil error signal a swallowed send.
func (s *Sender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, err := s.api.Send(c)
	if err == nil {
		return msg, nil
	}
	if isBlockedErr(err) {
		s.log.Warn("send skipped, bot blocked by user", "error", err)
		return tgbotapi.Message{}, nil
	}
	if wait, ok := retryAfterOf(err); ok {
		time.Sleep(wait)
		msg, err = s.api.Send(c)
		if err == nil {
			return msg, nil
		}
		if isBlockedErr(err) {
			return tgbotapi.Message{}, nil
		}
	}
	return tgbotapi.Message{}, err
}

// Request issues a non-message API call (callback acks, message deletes).
func (s *Sender) Request(c tgbotapi.Chattable) error {
	if _, err := s.api.Request(c); err != nil && !isBlockedErr(err) {
		return err
	}
	return nil
}

// DownloadFile fetches a Telegram-hosted file by its file id.
func (s *Sender) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := s.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("file path empty")
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", s.api.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	return body, nil
}

func isBlockedErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "bot was blocked") ||
		strings.Contains(msg, "user is deactivated") ||
		strings.Contains(msg, "chat not found")
}

func retryAfterOf(err error) (time.Duration, bool) {
	tgErr, ok := err.(*tgbotapi.Error)
	if !ok || tgErr.RetryAfter <= 0 {
		return 0, false
	}
	return time.Duration(tgErr.RetryAfter) * time.Second, true
}
