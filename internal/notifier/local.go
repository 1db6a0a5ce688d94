package notifier

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"feedwatch/internal/event"
	"feedwatch/internal/format"
)

// Runner executes a local command; success is exit status 0.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

type LocalConfig struct {
	Name string
	// Kind is KindSound, KindToast or KindPhone.
	Kind Kind
	// Command is an argv template; {title}, {body}, {sound} and {number}
	// are substituted. Empty selects a platform default.
	Command []string
	Sound   string
	Number  string
	Runner  Runner
	GOOS    string
}

// Local runs a command per event: play a sound, raise a desktop toast or
// hand a tel: URI to the platform dialer.
type Local struct {
	cfg LocalConfig
	run Runner
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	switch cfg.Kind {
	case KindSound, KindToast:
	case KindPhone:
		if strings.TrimSpace(cfg.Number) == "" {
			return nil, errors.New("phone: number is required")
		}
	default:
		return nil, fmt.Errorf("local: unsupported kind %q", cfg.Kind)
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Kind)
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	if len(cfg.Command) == 0 {
		cfg.Command = defaultCommand(cfg.Kind, cfg.GOOS)
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("%s: no default command on %s", cfg.Kind, cfg.GOOS)
	}
	if cfg.Kind == KindSound && cfg.Sound == "" {
		cfg.Sound = defaultSound(cfg.GOOS)
	}
	run := cfg.Runner
	if run == nil {
		run = execRunner
	}
	return &Local{cfg: cfg, run: run}, nil
}

func defaultCommand(k Kind, goos string) []string {
	switch k {
	case KindSound:
		switch goos {
		case "darwin":
			return []string{"afplay", "{sound}"}
		case "windows":
			return []string{"powershell", "-NoProfile", "-Command", "(New-Object Media.SoundPlayer '{sound}').PlaySync()"}
		default:
			return []string{"paplay", "{sound}"}
		}
	case KindToast:
		switch goos {
		case "darwin":
			return []string{"osascript", "-e", `display notification "{body}" with title "{title}"`}
		case "windows":
			return nil
		default:
			return []string{"notify-send", "--app-name=feedwatch", "{title}", "{body}"}
		}
	case KindPhone:
		switch goos {
		case "darwin":
			return []string{"open", "tel:{number}"}
		case "windows":
			return []string{"cmd", "/c", "start", "", "tel:{number}"}
		default:
			return []string{"xdg-open", "tel:{number}"}
		}
	}
	return nil
}

func defaultSound(goos string) string {
	switch goos {
	case "darwin":
		return "/System/Library/Sounds/Glass.aiff"
	case "windows":
		return `C:\Windows\Media\notify.wav`
	default:
		return "/usr/share/sounds/freedesktop/stereo/complete.oga"
	}
}

func (l *Local) Name() string          { return l.cfg.Name }
func (l *Local) Kind() Kind            { return l.cfg.Kind }
func (l *Local) Markup() format.Markup { return format.Plain }

// Limits keeps the whole event in one part; toasts show only the first line.
func (l *Local) Limits() (int, int) { return 1 << 20, 1 << 20 }

// Accepts drops banners everywhere and non-critical events on the phone.
func (l *Local) Accepts(ev event.Event) bool {
	if ev.Class == event.ClassBanner {
		return false
	}
	if l.cfg.Kind == KindPhone {
		return ev.Critical
	}
	return true
}

func (l *Local) Send(ctx context.Context, p Part) error {
	title := p.Payload.Title
	if title == "" {
		title = p.Event.SourceLabel
	}
	body := p.Text
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[:i]
	}
	r := strings.NewReplacer(
		"{title}", sanitizeArg(title),
		"{body}", sanitizeArg(body),
		"{sound}", l.cfg.Sound,
		"{number}", l.cfg.Number,
	)
	argv := make([]string, len(l.cfg.Command))
	for i, a := range l.cfg.Command {
		argv[i] = r.Replace(a)
	}
	return l.run(ctx, argv[0], argv[1:]...)
}

// sanitizeArg keeps substituted text from breaking out of quoted scripts.
func sanitizeArg(s string) string {
	s = strings.NewReplacer(`"`, "'", `\`, "/", "\n", " ").Replace(s)
	if rs := []rune(s); len(rs) > 180 {
		s = string(rs[:180]) + "…"
	}
	return s
}
