package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"feedwatch/internal/format"
)

const defaultTelegramAPI = "https://api.telegram.org"

type TelegramConfig struct {
	Name   string
	Token  string
	ChatID string
	// APIURL overrides the Bot API endpoint (self-hosted servers, tests).
	APIURL         string
	Markup         format.Markup
	DisablePreview bool
	ThreadID       int
	Timeout        time.Duration
}

// Telegram posts parts with sendMessage through an offline bot; no updates
// are ever polled.
type Telegram struct {
	cfg  TelegramConfig
	bot  *tele.Bot
	chat chatRecipient
}

// chatRecipient accepts numeric ids and @channel usernames alike.
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram chat id is empty")
	}
	if cfg.Name == "" {
		cfg.Name = "telegram"
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultTelegramAPI
	}
	if cfg.Markup != format.MarkdownV2 {
		cfg.Markup = format.HTML
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{cfg: cfg, bot: b, chat: chatRecipient(strings.TrimSpace(cfg.ChatID))}, nil
}

func (t *Telegram) Name() string          { return t.cfg.Name }
func (t *Telegram) Kind() Kind            { return KindTelegram }
func (t *Telegram) Markup() format.Markup { return t.cfg.Markup }

func (t *Telegram) Limits() (int, int) { return format.SoftLimit, format.HardLimit }

func (t *Telegram) Send(ctx context.Context, p Part) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &tele.SendOptions{
		ParseMode:             tele.ParseMode(t.cfg.Markup),
		DisableWebPagePreview: t.cfg.DisablePreview,
		ThreadID:              t.cfg.ThreadID,
	}
	_, err := t.bot.Send(t.chat, p.Text, opt)
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) && flood.RetryAfter > 0 {
		return RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var terr *tele.Error
	if errors.As(err, &terr) && terr.Code == http.StatusBadRequest {
		// Bad markup or an unknown chat will not get better on retry.
		return NoRetry(err)
	}
	return err
}
