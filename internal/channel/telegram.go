package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"mia/internal/chat"
	"mia/internal/domain"
)

const (
	telegramChannel        = "telegram"
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	callbackPrefix         = "confirm:"
)

// botAPI is the part of tgbotapi.BotAPI the channel uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Telegram implements domain.Channel for a Telegram bot. Replies are sent
// once finalized; Telegram has no incremental streaming.
type Telegram struct {
	token     string
	allowFrom []int64 // empty = allow all

	bot    botAPI
	bus    domain.MessageBus
	render *Renderer
	logger *slog.Logger
	sleep  func(time.Duration)
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user ids as strings
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		render:    NewRenderer(io.Discard),
		logger:    cfg.Logger,
		sleep:     time.Sleep,
	}
}

func (t *Telegram) Name() string { return telegramChannel }

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	bus.OnOutbound(telegramChannel, t.handleOutbound)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling stops when Start's context is cancelled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	t.sendText(id, content, nil)
	return nil
}

func (t *Telegram) handleOutbound(msg domain.OutboundMessage) {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ChatID, "err", err)
		return
	}

	switch msg.Kind {
	case domain.OutboundChunk, domain.OutboundDone:
		return

	case domain.OutboundFinal:
		if msg.Message == nil {
			return
		}
		m := msg.Message
		switch m.Type {
		case domain.MessageConfirm:
			var markup any
			if !m.ConfirmProcessed {
				markup = confirmKeyboard(m.ID)
			}
			t.sendText(chatID, chat.DisplayText(*m), markup)
		case domain.MessageTransactionChart:
			t.sendText(chatID, m.Text+"\n\n"+t.render.Chart(m.Transactions), nil)
		default:
			t.sendText(chatID, m.Text, nil)
		}

	case domain.OutboundSuggestions:
		if msg.Message == nil || len(msg.Message.SuggestedQuestions) == 0 {
			return
		}
		t.sendText(chatID, "Bạn có thể hỏi tiếp:", suggestionKeyboard(msg.Message.SuggestedQuestions))

	default:
		t.sendText(chatID, msg.Content, nil)
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(update.CallbackQuery)
		return
	}

	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		t.sendText(chatID, "⛔ Bạn không có quyền sử dụng bot này.", nil)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	if !update.Message.IsCommand() {
		_, _ = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	}

	t.bus.Publish(domain.InboundMessage{
		Channel:   telegramChannel,
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

func (t *Telegram) handleCallback(cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil || cq.Message.Chat == nil || cq.From == nil {
		return
	}
	chatID := cq.Message.Chat.ID
	_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, ""))

	if !t.isAllowed(cq.From.ID) {
		return
	}
	id, confirmed, ok := parseCallback(cq.Data)
	if !ok {
		t.logger.Debug("unknown callback data", "data", cq.Data)
		return
	}

	// Drop the buttons so the prompt cannot be answered twice.
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, cq.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	_, _ = t.bot.Send(edit)

	t.bus.Publish(domain.InboundMessage{
		Channel:   telegramChannel,
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(cq.From.ID, 10),
		Content:   chat.FormatConfirm(id, confirmed),
		Timestamp: time.Now(),
	})
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func confirmKeyboard(messageID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Xác nhận", callbackPrefix+messageID+":yes"),
			tgbotapi.NewInlineKeyboardButtonData("❌ Từ chối", callbackPrefix+messageID+":no"),
		),
	)
}

func suggestionKeyboard(questions []string) tgbotapi.ReplyKeyboardMarkup {
	rows := make([][]tgbotapi.KeyboardButton, 0, len(questions))
	for _, q := range questions {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(q)))
	}
	kb := tgbotapi.NewReplyKeyboard(rows...)
	kb.OneTimeKeyboard = true
	kb.ResizeKeyboard = true
	return kb
}

// parseCallback decodes "confirm:<id>:yes|no".
func parseCallback(data string) (id string, confirmed bool, ok bool) {
	rest, found := strings.CutPrefix(data, callbackPrefix)
	if !found {
		return "", false, false
	}
	idx := strings.LastIndexByte(rest, ':')
	if idx <= 0 {
		return "", false, false
	}
	switch rest[idx+1:] {
	case "yes":
		return rest[:idx], true, true
	case "no":
		return rest[:idx], false, true
	}
	return "", false, false
}

// splitMessage cuts text into chunks of at most limit bytes, preferring line
// breaks and never splitting a UTF-8 sequence.
func splitMessage(text string, limit int) []string {
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut < limit/2 {
			cut = limit
			for cut > 0 && !utf8RuneStart(text[cut]) {
				cut--
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// sendText sends text in chunks; markup goes on the last chunk.
func (t *Telegram) sendText(chatID int64, text string, markup any) {
	if t.bot == nil {
		return
	}
	chunks := splitMessage(text, telegramMaxMsgLen)
	for i, chunk := range chunks {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == len(chunks)-1 && markup != nil {
			msg.ReplyMarkup = markup
		}
		t.sendChunk(msg)
	}
}

// sendChunk sends one message, backing off on rate limits and transient errors.
func (t *Telegram) sendChunk(msg tgbotapi.MessageConfig) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			t.sleep(retryAfter)
			continue
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			t.sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}
