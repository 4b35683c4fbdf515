package telegram

import (
	"fmt"
	"html"
	"strings"

	"github.com/go-telegram/bot/models"
	"github.com/suspectuso/pay-intake/internal/storage"
)

// ExplorerKeyboard returns a single button linking the transaction.
func ExplorerKeyboard(url string) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "🔎 View on explorer", URL: url},
			},
		},
	}
}

// FormatPayment renders a payment as Telegram HTML.
func FormatPayment(p *storage.Payment) string {
	var sb strings.Builder

	icon := "⏳"
	switch p.Status {
	case storage.StatusConfirmed:
		icon = "✅"
	case storage.StatusFailed:
		icon = "❌"
	}

	fmt.Fprintf(&sb, "%s <b>USDC payment #%d</b> (%s)\n\n", icon, p.ID, p.Status)
	fmt.Fprintf(&sb, "Amount: <b>%s USDC</b>\n", p.AmountToken.String())
	fmt.Fprintf(&sb, "Type: %s\n", p.PaymentType)
	fmt.Fprintf(&sb, "Customer: %s\n", html.EscapeString(p.CustomerName()))
	if p.Email != "" {
		fmt.Fprintf(&sb, "Email: %s\n", html.EscapeString(p.Email))
	}
	if p.CompanyName != "" {
		fmt.Fprintf(&sb, "Company: %s\n", html.EscapeString(p.CompanyName))
	}
	fmt.Fprintf(&sb, "From: <code>%s</code>\n", p.FromAddress)
	fmt.Fprintf(&sb, "Confirmations: %d/%d\n", p.Confirmations, p.RequiredConfirmations)
	fmt.Fprintf(&sb, "Tx: <code>%s</code>", p.TxHash)

	return sb.String()
}
