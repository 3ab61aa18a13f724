package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tradegate/internal/domain"
)

const defaultAPIBase = "https://api.telegram.org"

type Notifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewNotifier throttles outgoing messages to perSec so a burst of audit
// records does not trip the bot API's flood control.
func NewNotifier(botToken, chatID string, perSec float64) *Notifier {
	if perSec <= 0 {
		perSec = 1
	}
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(perSec), 3),
	}
}

// WithAPIBase points the notifier at another Bot API host.
func (n *Notifier) WithAPIBase(base string) *Notifier {
	n.apiBase = strings.TrimRight(base, "/")
	return n
}

func (n *Notifier) Name() string { return "telegram" }

func (n *Notifier) Enabled() bool {
	return n.botToken != "" && n.chatID != ""
}

func (n *Notifier) Notify(ctx context.Context, rec domain.AuditRecord) error {
	if !n.Enabled() {
		return nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)

	body := map[string]string{
		"chat_id": n.chatID,
		"text":    Format(rec),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	return nil
}

// Format renders a one-glance summary of an audit record.
func Format(rec domain.AuditRecord) string {
	icon := "✅"
	switch rec.Outcome {
	case domain.StateRejected:
		icon = "⛔"
	case domain.StateExpired:
		icon = "⌛"
	case domain.StateFailed:
		icon = "❌"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s [%s]\n", icon, rec.Kind, rec.Outcome, rec.Mode)
	fmt.Fprintf(&b, "origin: %s  command: %s\n", rec.Origin, rec.CommandID)
	if rec.ErrorKind != "" {
		fmt.Fprintf(&b, "%s: %s\n", rec.ErrorKind, rec.Reason)
	}
	b.WriteString(rec.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}
