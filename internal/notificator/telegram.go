package notificator

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

// TelegramNotificator sends messages through the Telegram Bot API and handles the bot's commands.
type TelegramNotificator struct {
	logger    *logger.Logger
	bot       *bot.Bot
	webAppURL string

	db models.Repository
}

var _ models.Messenger = (*TelegramNotificator)(nil)

func NewTelegramNotificator(logger *logger.Logger, token, webAppURL string, db models.Repository, opts ...bot.Option) (*TelegramNotificator, error) {
	provider := &TelegramNotificator{
		logger:    logger,
		db:        db,
		webAppURL: webAppURL,
	}
	opts = append([]bot.Option{bot.WithDefaultHandler(provider.handler)}, opts...)

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	provider.bot = b

	return provider, nil
}

// Start polls for updates until ctx is cancelled.
func (t *TelegramNotificator) Start(ctx context.Context) {
	go t.bot.Start(ctx)
}

func (t *TelegramNotificator) SendMessage(ctx context.Context, userID int64, text string) error {
	params := &bot.SendMessageParams{
		ChatID:    userID,
		Text:      text,
		ParseMode: tgModels.ParseModeHTML,
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func (t *TelegramNotificator) handler(ctx context.Context, b *bot.Bot, update *tgModels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	user := update.Message.From
	t.logger.Debug("Telegram update: ", user.Username, " ", update.Message.Text)

	reply, withWebApp := t.handleCommand(ctx, user.ID, user.LanguageCode, update.Message.Text)
	if reply == "" {
		return
	}
	params := &bot.SendMessageParams{
		ChatID:    update.Message.Chat.ID,
		Text:      reply,
		ParseMode: tgModels.ParseModeHTML,
	}
	if withWebApp && t.webAppURL != "" {
		params.ReplyMarkup = &tgModels.InlineKeyboardMarkup{
			InlineKeyboard: [][]tgModels.InlineKeyboardButton{{
				{Text: "📱 Open", WebApp: &tgModels.WebAppInfo{URL: t.webAppURL}},
			}},
		}
	}
	if _, err := b.SendMessage(ctx, params); err != nil {
		t.logger.Error("Failed to reply to telegram command: ", err)
	}
}

// handleCommand applies a bot command and returns the reply text, empty for unknown input.
func (t *TelegramNotificator) handleCommand(ctx context.Context, userID int64, languageCode, text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	// commands in groups arrive as /start@botname
	command := strings.SplitN(fields[0], "@", 2)[0]

	switch command {
	case "/start":
		if err := t.db.EnsureUser(ctx, userID, NormalizeLocale(languageCode)); err != nil {
			t.logger.Error("Failed to register telegram user: ", err)
			return "", false
		}
		return Text(t.locale(ctx, userID), MsgWelcome, nil), true
	case "/language":
		if len(fields) < 2 || !SupportedLocale(strings.ToLower(fields[1])) {
			return Text(t.locale(ctx, userID), MsgLanguageUsage, nil), false
		}
		locale := strings.ToLower(fields[1])
		if err := t.db.SetUserLocale(ctx, userID, locale); err != nil {
			t.logger.Error("Failed to set user locale: ", err)
			return "", false
		}
		return Text(locale, MsgLanguageSet, nil), false
	}
	return "", false
}

func (t *TelegramNotificator) locale(ctx context.Context, userID int64) string {
	return UserLocale(ctx, t.db, userID)
}
