package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// FeishuNotifier posts the payload as a text message to a Feishu (Lark)
// custom bot webhook. The message text is the indented JSON payload.
type FeishuNotifier struct {
	url    string
	client *http.Client
}

// NewFeishuNotifier creates a Feishu bot notifier.
func NewFeishuNotifier(url string) *FeishuNotifier {
	return &FeishuNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type feishuText struct {
	MsgType string `json:"msg_type"`
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
}

func (f *FeishuNotifier) Send(ctx context.Context, p Payload) error {
	var msg feishuText
	msg.MsgType = "text"
	msg.Content.Text = p.Pretty()

	body, err := json.Marshal(msg)
	if err != nil {
		return deliveryErr("feishu", fmt.Errorf("marshal: %w", err))
	}
	resp, err := postJSONResponse(ctx, f.client, f.url, body)
	if err != nil {
		return deliveryErr("feishu", err)
	}

	// The bot API answers 200 with a non-zero code on rejection.
	if code := gjson.GetBytes(resp, "code"); code.Exists() && code.Int() != 0 {
		return deliveryErr("feishu", fmt.Errorf("code %d: %s", code.Int(), gjson.GetBytes(resp, "msg").String()))
	}
	log.Printf("[feishu] sent alert %s %s", p.Symbol, p.AlertType)
	return nil
}
