package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, alert Alert) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, alert Alert) error {
	return f(ctx, alert)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken    string
	chatID      string
	baseURL     string
	minSeverity Severity
	client      *http.Client
	logger      zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken:    botToken,
		chatID:      chatID,
		baseURL:     strings.TrimRight(baseURL, "/"),
		minSeverity: SeverityWarning,
		client:      &http.Client{Timeout: timeout},
		logger:      logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// WithMinSeverity 设置推送的最低级别，低于该级别的告警被忽略。
func (n *TelegramNotifier) WithMinSeverity(s Severity) *TelegramNotifier {
	n.minSeverity = s
	return n
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, alert Alert) error {
	if severityRank(alert.Severity) < severityRank(n.minSeverity) {
		return nil
	}

	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(alert),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("alert_id", alert.ID).
		Str("severity", string(alert.Severity)).
		Str("device", alert.DeviceID).
		Msg("告警已发送 (Telegram)")
	return nil
}

func severityRank(s Severity) int {
	switch s {
	case SeverityDanger:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

func renderMessage(a Alert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[gridwatch %s]\n", strings.ToUpper(string(a.Severity))))
	builder.WriteString(a.Title + "\n")
	builder.WriteString(fmt.Sprintf("Device: %s\n", a.DeviceID))
	builder.WriteString(fmt.Sprintf("Location: %s\n", a.Location))
	if a.Coordinates != nil {
		builder.WriteString(fmt.Sprintf("Coordinates: %.6f, %.6f\n", a.Coordinates.Lat, a.Coordinates.Lng))
	}
	if a.Type != TypeNone {
		builder.WriteString(fmt.Sprintf("Type: %s\n", a.Type))
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC", a.Timestamp.UTC().Format(time.RFC3339)))
	return builder.String()
}

// LogNotifier 将告警写入日志。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a notifier that logs every alert.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the alert at a level matching its severity.
func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	ev := n.logger.Info()
	switch a.Severity {
	case SeverityDanger:
		ev = n.logger.Error()
	case SeverityWarning:
		ev = n.logger.Warn()
	}
	ev.Str("alert_id", a.ID).
		Str("device", a.DeviceID).
		Str("location", a.Location).
		Str("type", string(a.Type)).
		Time("at", a.Timestamp).
		Msg(a.Title)
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = NotifierFunc(nil)
)
