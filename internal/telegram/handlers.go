package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/suspectuso/pay-intake/internal/storage"
)

var txHashRegex = regexp.MustCompile(`0x[0-9a-fA-F]{64}`)

// PaymentLookup is the read side of the payment store the bot needs.
type PaymentLookup interface {
	GetPaymentByTxHash(txHash string) (*storage.Payment, error)
}

// Bot is the operators' bot: it answers /payment lookups and delivers
// payment notifications to the admin chat.
type Bot struct {
	bot         *bot.Bot
	payments    PaymentLookup
	adminChatID int64
	explorerURL string
	log         *slog.Logger
}

// New creates a new telegram bot
func New(token string, adminChatID int64, payments PaymentLookup, explorerURL string, log *slog.Logger) (*Bot, error) {
	b := &Bot{
		payments:    payments,
		adminChatID: adminChatID,
		explorerURL: explorerURL,
		log:         log,
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
	}

	tgBot, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	b.bot = tgBot

	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypeExact, b.startHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/payment", bot.MatchTypePrefix, b.paymentHandler)

	return b, nil
}

// Start starts the bot polling
func (b *Bot) Start(ctx context.Context) {
	b.bot.Start(ctx)
}

func (b *Bot) startHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	b.sendMessage(ctx, update.Message.Chat.ID,
		"Send <code>/payment 0x…</code> with a transaction hash to look up a USDC payment.", nil)
}

func (b *Bot) paymentHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	if !b.authorized(update.Message.Chat.ID) {
		return
	}

	text, keyboard := b.lookup(update.Message.Text)
	b.sendMessage(ctx, update.Message.Chat.ID, text, keyboard)
}

func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	if !b.authorized(update.Message.Chat.ID) {
		return
	}

	// a bare hash works the same as /payment <hash>
	if extractTxHash(update.Message.Text) == "" {
		return
	}
	text, keyboard := b.lookup(update.Message.Text)
	b.sendMessage(ctx, update.Message.Chat.ID, text, keyboard)
}

// authorized restricts lookups to the admin chat when one is configured.
func (b *Bot) authorized(chatID int64) bool {
	return b.adminChatID == 0 || chatID == b.adminChatID
}

func (b *Bot) lookup(text string) (string, *models.InlineKeyboardMarkup) {
	hash := extractTxHash(text)
	if hash == "" {
		return "Usage: <code>/payment 0x…</code>", nil
	}

	p, err := b.payments.GetPaymentByTxHash(hash)
	if errors.Is(err, storage.ErrNotFound) {
		return "No payment recorded for <code>" + hash + "</code>", nil
	}
	if err != nil {
		b.log.Error("lookup payment", "error", err, "tx_hash", hash)
		return "Lookup failed, try again later.", nil
	}

	return FormatPayment(p), ExplorerKeyboard(p.ExplorerURL(b.explorerURL))
}

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := b.bot.SendMessage(ctx, params)
	if err != nil {
		b.log.Error("send message", "error", err)
	}
}

// SendNotification sends a notification message to a chat
func (b *Bot) SendNotification(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) error {
	disablePreview := true
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: &disablePreview,
		},
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := b.bot.SendMessage(ctx, params)
	return err
}

func extractTxHash(text string) string {
	return strings.ToLower(txHashRegex.FindString(text))
}
