package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Recognized environment keys.
const (
	EnvTelegramToken  = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChat   = "TELEGRAM_CHAT_ID"
	EnvTelegramChat2  = "TELEGRAM_CHAT_ID_2"
	EnvDiscordWebhook = "DISCORD_WEBHOOK_URL"
	EnvSlackWebhook   = "SLACK_WEBHOOK_URL"
	EnvPhoneNumber    = "PHONE_NUMBER"
	EnvHighlight      = "HIGHLIGHT_THRESHOLD"
	EnvCheckInterval  = "CHECK_INTERVAL"
	EnvDBPath         = "DB_PATH"
	EnvTimezone       = "RUN_TIMEZONE"
)

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are ignored and existing variables are never overridden.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return invalidf(p, "%v", err)
		}
	}
	return nil
}

// ApplyEnv lets recognized environment keys override the global section and,
// when the file declares no channels, derives them from the credential keys.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if v := get(EnvHighlight); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return invalidf(EnvHighlight, "must be a positive integer, got %q", v)
		}
		c.HighlightThreshold = n
	}
	if v := get(EnvCheckInterval); v != "" {
		c.CheckInterval = Schedule(v)
	}
	if v := get(EnvDBPath); v != "" {
		c.Storage.Path = v
	}
	if v := get(EnvTimezone); v != "" {
		c.Timezone = v
	}

	if len(c.Channels) == 0 {
		c.Channels = deriveChannels(get)
	}
	return nil
}

func deriveChannels(get func(string) string) []ChannelConfig {
	var out []ChannelConfig
	if get(EnvTelegramToken) != "" && get(EnvTelegramChat) != "" {
		out = append(out, ChannelConfig{Name: "telegram", Kind: "telegram", TokenEnv: EnvTelegramToken, ChatEnv: EnvTelegramChat, DisablePreview: true, RatePerSec: 1})
	}
	if get(EnvTelegramToken) != "" && get(EnvTelegramChat2) != "" {
		out = append(out, ChannelConfig{Name: "telegram-2", Kind: "telegram", TokenEnv: EnvTelegramToken, ChatEnv: EnvTelegramChat2, DisablePreview: true, RatePerSec: 1})
	}
	if get(EnvDiscordWebhook) != "" {
		out = append(out, ChannelConfig{Name: "discord", Kind: "discord", URLEnv: EnvDiscordWebhook, RatePerSec: 1})
	}
	if get(EnvSlackWebhook) != "" {
		out = append(out, ChannelConfig{Name: "slack", Kind: "slack", URLEnv: EnvSlackWebhook, RatePerSec: 1})
	}
	if get(EnvPhoneNumber) != "" {
		out = append(out, ChannelConfig{Name: "phone", Kind: "phone", NumberEnv: EnvPhoneNumber})
	}
	return out
}
