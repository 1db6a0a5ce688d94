package app

import (
	"fmt"
	"net/http"

	"feedwatch/internal/config"
	"feedwatch/internal/format"
	"feedwatch/internal/notifier"
)

// buildChannel constructs the delivery channel of one resolved declaration.
func buildChannel(rc config.ResolvedChannel, client *http.Client) (notifier.Channel, error) {
	timeout, err := config.ParseDurationField("channels."+rc.Name+".timeout", rc.Timeout)
	if err != nil {
		return nil, err
	}
	switch notifier.Kind(rc.Kind) {
	case notifier.KindTelegram:
		return notifier.NewTelegram(notifier.TelegramConfig{
			Name:           rc.Name,
			Token:          rc.Token,
			ChatID:         rc.ChatID,
			APIURL:         rc.APIURL,
			Markup:         format.ParseMarkup(rc.Markup),
			DisablePreview: rc.DisablePreview,
			ThreadID:       rc.ThreadID,
			Timeout:        timeout,
		})
	case notifier.KindDiscord, notifier.KindSlack, notifier.KindWebhook:
		return notifier.NewWebhook(notifier.WebhookConfig{
			Name:    rc.Name,
			Kind:    notifier.Kind(rc.Kind),
			URL:     rc.URL,
			Headers: rc.Headers,
			Timeout: timeout,
			Client:  client,
		})
	case notifier.KindSound, notifier.KindToast, notifier.KindPhone:
		return notifier.NewLocal(notifier.LocalConfig{
			Name:    rc.Name,
			Kind:    notifier.Kind(rc.Kind),
			Command: rc.Command,
			Sound:   rc.Sound,
			Number:  rc.Number,
		})
	}
	return nil, fmt.Errorf("channel %q: unsupported kind %q", rc.Name, rc.Kind)
}

// registerChannels registers every resolved channel and then the groups,
// leaving out disabled members.
func registerChannels(svc *notifier.Service, cfg *config.Config, resolved []config.ResolvedChannel, client *http.Client) error {
	enabled := make(map[string]bool, len(resolved))
	for _, rc := range resolved {
		ch, err := buildChannel(rc, client)
		if err != nil {
			return err
		}
		if err := svc.Register(ch, rc.RatePerSec); err != nil {
			return err
		}
		enabled[rc.Name] = true
	}
	for _, g := range cfg.Groups {
		members := make([]string, 0, len(g.Channels))
		for _, name := range g.Channels {
			if enabled[name] {
				members = append(members, name)
			}
		}
		if err := svc.SetGroup(g.Name, members); err != nil {
			return err
		}
	}
	return nil
}
