package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"FunnelBot/entity"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
)

// TelegramAPI defines the Telegram bot methods needed by the messenger.
// This avoids importing the concrete bot type and keeps tests offline.
type TelegramAPI interface {
	SendMessage(chatId int64, text string, opts *tgbotapi.SendMessageOpts) (*tgbotapi.Message, error)
	SendPhoto(chatId int64, photo tgbotapi.InputFileOrString, opts *tgbotapi.SendPhotoOpts) (*tgbotapi.Message, error)
	SendVideo(chatId int64, video tgbotapi.InputFileOrString, opts *tgbotapi.SendVideoOpts) (*tgbotapi.Message, error)
	SendDocument(chatId int64, document tgbotapi.InputFileOrString, opts *tgbotapi.SendDocumentOpts) (*tgbotapi.Message, error)
	GetChatMember(chatId int64, userId int64, opts *tgbotapi.GetChatMemberOpts) (tgbotapi.ChatMember, error)
}

// Messenger sends funnel and broadcast content through one Telegram bot.
type Messenger struct {
	api TelegramAPI
}

// NewMessenger creates a new Telegram Messenger.
func NewMessenger(api TelegramAPI) *Messenger {
	return &Messenger{api: api}
}

// Send maps Telegram failures onto send statuses: 403 means the user blocked
// the bot, 429 carries the server's retry-after.
func (m *Messenger) Send(_ context.Context, msg entity.OutboundMessage) entity.SendResult {
	id, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return entity.SendResult{Status: entity.SendFailed, Err: fmt.Errorf("bad chat id %q: %w", msg.ChatID, err)}
	}

	var markup tgbotapi.ReplyMarkup
	if msg.Content.Keyboard != nil {
		markup = keyboard(msg.Content.Keyboard)
	}

	var sent *tgbotapi.Message
	c := msg.Content
	if c.MediaURL != "" {
		file := tgbotapi.InputFileByURL(c.MediaURL)
		switch c.MediaType {
		case "video":
			sent, err = m.api.SendVideo(id, file, &tgbotapi.SendVideoOpts{Caption: c.Text, ParseMode: "HTML", ReplyMarkup: markup})
		case "document":
			sent, err = m.api.SendDocument(id, file, &tgbotapi.SendDocumentOpts{Caption: c.Text, ParseMode: "HTML", ReplyMarkup: markup})
		default:
			sent, err = m.api.SendPhoto(id, file, &tgbotapi.SendPhotoOpts{Caption: c.Text, ParseMode: "HTML", ReplyMarkup: markup})
		}
	} else {
		sent, err = m.api.SendMessage(id, c.Text, &tgbotapi.SendMessageOpts{ParseMode: "HTML", ReplyMarkup: markup})
	}
	if err != nil {
		return result(err)
	}
	res := entity.SendResult{Status: entity.SendSent}
	if sent != nil {
		res.PlatformMessageID = strconv.FormatInt(sent.MessageId, 10)
	}
	return res
}

func result(err error) entity.SendResult {
	var tgErr *tgbotapi.TelegramError
	if errors.As(err, &tgErr) {
		switch tgErr.Code {
		case 403:
			return entity.SendResult{Status: entity.SendBlocked, Err: err}
		case 429:
			res := entity.SendResult{Status: entity.SendThrottled, Err: err, RetryAfter: time.Second}
			if tgErr.ResponseParams != nil && tgErr.ResponseParams.RetryAfter > 0 {
				res.RetryAfter = time.Duration(tgErr.ResponseParams.RetryAfter) * time.Second
			}
			return res
		}
	}
	return entity.SendResult{Status: entity.SendFailed, Err: err}
}

func keyboard(k *entity.Keyboard) tgbotapi.ReplyMarkup {
	if k.Inline {
		rows := make([][]tgbotapi.InlineKeyboardButton, len(k.Rows))
		for i, row := range k.Rows {
			rows[i] = make([]tgbotapi.InlineKeyboardButton, len(row))
			for j, btn := range row {
				rows[i][j] = tgbotapi.InlineKeyboardButton{
					Text:         btn.Text,
					CallbackData: btn.Data,
					Url:          btn.URL,
				}
			}
		}
		return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
	}

	rows := make([][]tgbotapi.KeyboardButton, len(k.Rows))
	for i, row := range k.Rows {
		rows[i] = make([]tgbotapi.KeyboardButton, len(row))
		for j, btn := range row {
			rows[i][j] = tgbotapi.KeyboardButton{
				Text:            btn.Text,
				RequestContact:  btn.RequestContact,
				RequestLocation: btn.RequestLocation,
			}
		}
	}
	return tgbotapi.ReplyKeyboardMarkup{
		Keyboard:        rows,
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
	}
}

// IsSubscribed asks Telegram whether the user is a member of a channel.
func (m *Messenger) IsSubscribed(_ context.Context, channelID string, user *entity.ConversationUser) (bool, error) {
	chat, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("bad channel id %q: %w", channelID, err)
	}
	member, err := m.api.GetChatMember(chat, user.ExternalID, nil)
	if err != nil {
		return false, err
	}
	switch member.GetStatus() {
	case "creator", "administrator", "member":
		return true, nil
	case "restricted":
		if r, ok := member.(tgbotapi.ChatMemberRestricted); ok {
			return r.IsMember, nil
		}
		return true, nil
	}
	return false, nil
}

// Router picks the messenger of the bot a message belongs to.
type Router struct {
	mu   sync.RWMutex
	bots map[string]*Messenger
}

func NewRouter() *Router {
	return &Router{bots: make(map[string]*Messenger)}
}

func routeKey(tenantID, botID string) string {
	return tenantID + "/" + botID
}

func (r *Router) Register(tenantID, botID string, m *Messenger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[routeKey(tenantID, botID)] = m
}

func (r *Router) lookup(tenantID, botID string) (*Messenger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.bots[routeKey(tenantID, botID)]
	return m, ok
}

func (r *Router) Send(ctx context.Context, msg entity.OutboundMessage) entity.SendResult {
	m, ok := r.lookup(msg.TenantID, msg.BotID)
	if !ok {
		return entity.SendResult{Status: entity.SendFailed, Err: fmt.Errorf("no transport for bot %s/%s", msg.TenantID, msg.BotID)}
	}
	return m.Send(ctx, msg)
}

func (r *Router) IsSubscribed(ctx context.Context, channelID string, user *entity.ConversationUser) (bool, error) {
	m, ok := r.lookup(user.TenantID, user.BotID)
	if !ok {
		return false, fmt.Errorf("no transport for bot %s/%s", user.TenantID, user.BotID)
	}
	return m.IsSubscribed(ctx, channelID, user)
}
