package notifier

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot/models"
	"github.com/suspectuso/pay-intake/internal/storage"
	"github.com/suspectuso/pay-intake/internal/telegram"
)

// Sender is satisfied by *telegram.Bot.
type Sender interface {
	SendNotification(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) error
}

// Telegram posts a short summary to the operators' chat.
type Telegram struct {
	sender      Sender
	chatID      int64
	explorerURL string
	log         *slog.Logger
}

func NewTelegram(sender Sender, chatID int64, explorerURL string, log *slog.Logger) *Telegram {
	return &Telegram{
		sender:      sender,
		chatID:      chatID,
		explorerURL: explorerURL,
		log:         log,
	}
}

func (t *Telegram) Notify(ctx context.Context, p *storage.Payment) bool {
	if t.chatID == 0 {
		return false
	}

	link := p.ExplorerURL(t.explorerURL)
	if err := t.sender.SendNotification(ctx, t.chatID, telegram.FormatPayment(p), telegram.ExplorerKeyboard(link)); err != nil {
		t.log.Error("send telegram notification", "error", err, "tx_hash", p.TxHash)
		return record("telegram", false)
	}
	return record("telegram", true)
}
