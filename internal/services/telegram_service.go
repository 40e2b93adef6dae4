package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/onramp/internal/models"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramService sends operator notifications to a Telegram chat.
type TelegramService struct {
	apiURL      string
	botToken    string
	adminChatID string
	client      *http.Client
	logger      *slog.Logger
}

// NewTelegramService creates a new TelegramService. With an empty token or
// chat id every send is a logged no-op.
func NewTelegramService(botToken, adminChatID string, logger *slog.Logger) *TelegramService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramService{
		apiURL:      defaultTelegramAPI,
		botToken:    botToken,
		adminChatID: adminChatID,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
	}
}

// WithAPIURL points the service at a different Bot API host.
func (s *TelegramService) WithAPIURL(url string) *TelegramService {
	s.apiURL = strings.TrimRight(url, "/")
	return s
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends an HTML message to chatID.
func (s *TelegramService) SendMessage(ctx context.Context, chatID, text string) error {
	if s.botToken == "" {
		s.logger.Debug("telegram bot token not configured")
		return nil
	}

	body, err := json.Marshal(telegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiURL, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(ctx context.Context, text string) error {
	if s.adminChatID == "" {
		s.logger.Debug("telegram admin chat not configured")
		return nil
	}
	return s.SendMessage(ctx, s.adminChatID, text)
}

// FormatSettlement renders the operator message for a settled transaction.
func FormatSettlement(txn models.Transaction) string {
	var b strings.Builder
	switch txn.Status {
	case models.StatusCompleted:
		b.WriteString("<b>✅ ON-RAMP COMPLETED</b>\n")
	default:
		b.WriteString("<b>❌ ON-RAMP FAILED</b>\n")
	}
	fmt.Fprintf(&b, "<b>Transaction:</b> %s\n", txn.ID)
	fmt.Fprintf(&b, "<b>Checkout:</b> %s\n", html.EscapeString(txn.RequestID()))
	fmt.Fprintf(&b, "<b>Phone:</b> %s\n", maskPhone(txn.PhoneNumber))
	fmt.Fprintf(&b, "<b>Amount:</b> %s\n", txn.AmountFiat.String())
	if txn.TokenAmount.Valid {
		fmt.Fprintf(&b, "<b>Tokens:</b> %s\n", txn.TokenAmount.Decimal.String())
	}
	if txn.LedgerTxHash != "" {
		fmt.Fprintf(&b, "<b>Ledger tx:</b> %s\n", html.EscapeString(txn.LedgerTxHash))
	}
	if txn.Status == models.StatusCompleted && !txn.LedgerConfirmed {
		b.WriteString("<b>⚠️ Transfer not yet mined, verify on chain</b>\n")
	}
	if txn.Status == models.StatusFailed {
		fmt.Fprintf(&b, "<b>Reason:</b> %s %s\n", html.EscapeString(txn.ResultCode), html.EscapeString(txn.ResultDesc))
	}
	return strings.TrimSpace(b.String())
}

// NotifySettlement reports a terminal transition to the admin chat. Failures are only logged.
func (s *TelegramService) NotifySettlement(txn models.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.SendToAdmin(ctx, FormatSettlement(txn)); err != nil {
		s.logger.Warn("telegram settlement notification failed", "transaction_id", txn.ID, "error", err)
	}
}

func maskPhone(phone string) string {
	if len(phone) <= 8 {
		return phone
	}
	return phone[:5] + strings.Repeat("*", len(phone)-8) + phone[len(phone)-3:]
}
