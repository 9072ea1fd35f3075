package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends alerts via Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram notifier.
// botToken: Bot API token from @BotFather
// chatID: Target chat/group/channel ID
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPI,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, p Payload) error {
	text := fmt.Sprintf("%s *%s* %s\n\nprice: %s\nema: %s\ndeviation: %s%%\n%s",
		p.Icon,
		escapeMarkdown(p.Symbol),
		escapeMarkdown(p.AlertType),
		escapeMarkdown(strconv.FormatFloat(p.Price, 'f', -1, 64)),
		escapeMarkdown(strconv.FormatFloat(p.EMA, 'f', -1, 64)),
		escapeMarkdown(strconv.FormatFloat(p.Deviation, 'f', 2, 64)),
		escapeMarkdown(p.Time),
	)

	body, _ := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	})

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	if err := postJSON(ctx, t.client, url, body); err != nil {
		return deliveryErr("telegram", err)
	}

	log.Printf("[telegram] sent alert %s %s", p.Symbol, p.AlertType)
	return nil
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	specials := []byte{'_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!'}
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		for _, sp := range specials {
			if s[i] == sp {
				buf.WriteByte('\\')
				break
			}
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
