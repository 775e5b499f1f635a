package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"FunnelBot/entity"
	"FunnelBot/internal/lib/sl"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
)

// EventHandler consumes normalised inbound events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *entity.InboundEvent) error
}

// Bot polls one Telegram bot and feeds its updates to the funnel engine.
type Bot struct {
	log         *slog.Logger
	api         *tgbotapi.Bot
	botUsername string
	tenantID    string
	botID       string
	handler     EventHandler
	updater     *ext.Updater
}

// NewBot creates a new polling bot instance.
func NewBot(botName, apiKey, tenantID, botID string, log *slog.Logger) (*Bot, error) {
	bot := &Bot{
		log:         log.With(sl.Module("tgbot"), slog.String("bot_id", botID)),
		botUsername: botName,
		tenantID:    tenantID,
		botID:       botID,
	}

	api, err := tgbotapi.NewBot(apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating api instance: %v", err)
	}
	bot.api = api

	return bot, nil
}

// API exposes the client for the messenger.
func (b *Bot) API() *tgbotapi.Bot {
	return b.api
}

func (b *Bot) SetEventHandler(h EventHandler) {
	b.handler = h
}

// Start begins polling for updates. Every update runs on its own dispatcher routine.
func (b *Bot) Start() error {
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		Error: func(bot *tgbotapi.Bot, ctx *ext.Context, err error) ext.DispatcherAction {
			b.log.Error("handling update", sl.Err(err))
			return ext.DispatcherActionNoop
		},
		MaxRoutines: ext.DefaultMaxRoutines,
	})
	b.updater = ext.NewUpdater(dispatcher, nil)

	dispatcher.AddHandler(handlers.NewCallback(callbackquery.All, b.handleCallback))
	dispatcher.AddHandler(handlers.NewMessage(message.All, b.handleMessage))

	err := b.updater.StartPolling(b.api, &ext.PollingOpts{
		DropPendingUpdates: false,
		GetUpdatesOpts: &tgbotapi.GetUpdatesOpts{
			Timeout: 9,
			RequestOpts: &tgbotapi.RequestOpts{
				Timeout: time.Second * 10,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start polling: %w", err)
	}

	b.log.Info("telegram bot started", slog.String("username", b.botUsername))
	return nil
}

func (b *Bot) Stop() {
	if b.updater != nil {
		_ = b.updater.Stop()
	}
}

func (b *Bot) handleCallback(bot *tgbotapi.Bot, ctx *ext.Context) error {
	cq := ctx.CallbackQuery
	if _, err := cq.Answer(bot, nil); err != nil {
		b.log.Debug("answer callback", sl.Err(err))
	}
	if ctx.EffectiveChat == nil {
		return nil
	}
	ev := b.event(ctx.EffectiveChat.Id, &cq.From)
	ev.Kind = entity.EventCallback
	ev.Payload = cq.Data
	ev.RawPlatformMessageID = "cb:" + cq.Id
	return b.dispatch(ev)
}

func (b *Bot) handleMessage(bot *tgbotapi.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveUser == nil || ctx.EffectiveChat == nil {
		return nil
	}
	ev := b.event(ctx.EffectiveChat.Id, ctx.EffectiveUser)
	ev.RawPlatformMessageID = strconv.FormatInt(msg.Chat.Id, 10) + ":" + strconv.FormatInt(msg.MessageId, 10)
	if !fillMessage(ev, msg) {
		return nil
	}
	return b.dispatch(ev)
}

// fillMessage sets the kind and payload of ev. Unsupported messages report false.
func fillMessage(ev *entity.InboundEvent, msg *tgbotapi.Message) bool {
	switch {
	case msg.Location != nil:
		ev.Kind = entity.EventLocation
		ev.Location = &entity.Location{Latitude: msg.Location.Latitude, Longitude: msg.Location.Longitude}
	case msg.Contact != nil:
		ev.Kind = entity.EventContact
		ev.Payload = msg.Contact.PhoneNumber
	case len(msg.Photo) > 0:
		ev.Kind = entity.EventMedia
		ev.MediaType = "photo"
		ev.Payload = msg.Photo[len(msg.Photo)-1].FileId
	case msg.Video != nil:
		ev.Kind = entity.EventMedia
		ev.MediaType = "video"
		ev.Payload = msg.Video.FileId
	case msg.Document != nil:
		ev.Kind = entity.EventMedia
		ev.MediaType = "document"
		ev.Payload = msg.Document.FileId
	case msg.Voice != nil:
		ev.Kind = entity.EventMedia
		ev.MediaType = "voice"
		ev.Payload = msg.Voice.FileId
	case strings.HasPrefix(msg.Text, "/"):
		ev.Kind = entity.EventCommand
		ev.Payload = msg.Text
	case msg.Text != "":
		ev.Kind = entity.EventText
		ev.Payload = msg.Text
	default:
		return false
	}
	return true
}

func (b *Bot) event(chatID int64, user *tgbotapi.User) *entity.InboundEvent {
	return &entity.InboundEvent{
		TenantID:       b.tenantID,
		BotID:          b.botID,
		ExternalUserID: user.Id,
		ChatID:         strconv.FormatInt(chatID, 10),
		Profile: entity.UserProfile{
			Username:  user.Username,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			Locale:    user.LanguageCode,
		},
		ReceivedAt: time.Now(),
	}
}

func (b *Bot) dispatch(ev *entity.InboundEvent) error {
	if b.handler == nil {
		b.log.Warn("event handler not initialized")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.handler.HandleEvent(ctx, ev); err != nil {
		b.log.Error("event processing failed",
			slog.Int64("user_id", ev.ExternalUserID),
			slog.String("kind", string(ev.Kind)),
			sl.Err(err),
		)
		return err
	}
	return nil
}
