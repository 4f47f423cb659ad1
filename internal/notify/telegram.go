package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"sync"
	"time"

	"crmnotify/internal/crm"
	logx "crmnotify/pkg/logx"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

const (
	DefaultTelegramAPI = "https://api.telegram.org"

	// telegramTextLimit is the Bot API limit; chunks are cut below it so the
	// HTML escaping has room to grow.
	telegramTextLimit = 4096
	telegramChunk     = 3500
)

// chatRef lets telebot address chats by raw id or @channel username.
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

// TelegramSender sends through the Bot API sendMessage method.
// One offline bot is kept per token; tokens come from the settings row and
// may change at runtime.
type TelegramSender struct {
	apiURL  string
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

type TelegramOptions struct {
	APIURL     string
	RatePerSec int
	Client     *http.Client
}

func NewTelegramSender(opts TelegramOptions, log logx.Logger) *TelegramSender {
	api := strings.TrimRight(strings.TrimSpace(opts.APIURL), "/")
	if api == "" {
		api = DefaultTelegramAPI
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	rps := opts.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &TelegramSender{
		apiURL:  api,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log.With(logx.String("comp", "notify.telegram")),
		bots:    map[string]*tele.Bot{},
	}
}

func (t *TelegramSender) Channel() crm.Channel { return crm.ChannelTelegram }

func (t *TelegramSender) bot(token string) (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     t.apiURL,
		Client:  t.client,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	t.bots[token] = b
	return b, nil
}

func (t *TelegramSender) Send(ctx context.Context, d Delivery) error {
	if strings.TrimSpace(d.Token) == "" {
		return &ConfigError{Channel: crm.ChannelTelegram, Missing: "bot token"}
	}
	if strings.TrimSpace(d.To) == "" {
		return &ConfigError{Channel: crm.ChannelTelegram, Missing: "chat id"}
	}
	b, err := t.bot(d.Token)
	if err != nil {
		return err
	}

	to := chatRef(strings.TrimSpace(d.To))
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	for i, chunk := range splitText(d.Text, telegramChunk) {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := sendCtx(ctx, b, to, html.EscapeString(chunk), opts); err != nil {
			return fmt.Errorf("telegram sendMessage (part %d): %w", i+1, redactURLError(err))
		}
	}
	t.log.Debug("telegram delivered", logx.String("chat", string(to)))
	return nil
}

// sendCtx bounds one telebot call by ctx. telebot takes no context, so the
// request keeps running in the background until the HTTP client gives up;
// the caller sees ctx.Err() as soon as ctx is done.
func sendCtx(ctx context.Context, b *tele.Bot, to tele.Recipient, text string, opts *tele.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := b.Send(to, text, opts)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that do not leave tiny chunks.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, string(rs[start:end]))
		start = end
	}
	return out
}
