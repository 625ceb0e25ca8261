package main

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hintwise/api/internal/config"
	"hintwise/api/internal/httpserver"
	"hintwise/api/internal/logging"
	"hintwise/api/internal/session"
	"hintwise/api/internal/telegram"
)

func runBot(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Telegram bot ---
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return fmt.Errorf("telegram auth: %w", err)
	}
	bot.Debug = false
	log.Info("telegram authorized", zap.String("bot", bot.Self.UserName))

	client, err := newCompleter(cfg.GeminiTransport, cfg.GeminiModel, cfg.GeminiBaseURL, cfg.HTTPTimeout, log.Named("gemini"))
	if err != nil {
		return err
	}

	sess := session.New(ctx, session.Options{Completer: client, Logger: log.Named("session")})
	defer sess.Close()

	r := telegram.NewRouter(bot, sess, telegram.Options{
		ChatID:   cfg.ChatID,
		Debounce: cfg.RenderDebounce,
		Marquee:  cfg.MarqueeInterval,
		Logger:   log,
	})
	sess.SetOnChange(r.OnSessionChange)
	sess.RefreshSuggestions()

	health := func() string {
		snap := sess.Snapshot()
		return fmt.Sprintf("screen=%s active=%t revision=%d", snap.Screen, snap.Active, snap.Revision)
	}
	addr := "0.0.0.0:" + cfg.Port

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(ctx) })

	// --- Choose mode: Webhook vs Polling ---
	if webhookURL := strings.TrimSpace(cfg.WebhookURL); webhookURL != "" {
		path := "/webhook/" + shortHash(bot.Token)
		if err := registerWebhook(bot, strings.TrimRight(webhookURL, "/")+path); err != nil {
			return err
		}
		updates := make(chan tgbotapi.Update, 64)
		srv := httpserver.New(addr, health, path, webhookHandler(bot, updates, log))
		g.Go(func() error { return httpserver.Run(ctx, srv, log) })
		g.Go(func() error { return consume(ctx, updates, r.HandleUpdate) })
		log.Info("webhook mode", zap.String("addr", addr))
	} else {
		if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: false}); err != nil {
			log.Warn("delete webhook failed", zap.Error(err))
		}
		srv := httpserver.New(addr, health, "", nil)
		g.Go(func() error { return httpserver.Run(ctx, srv, log) })
		g.Go(func() error {
			runPolling(ctx, bot, r.HandleUpdate, log)
			return nil
		})
		log.Info("polling mode", zap.String("addr", addr))
	}

	err = g.Wait()
	log.Info("hintwise stopped", zap.Error(err))
	return err
}

// ---------------- Webhook -----------------

func registerWebhook(bot *tgbotapi.BotAPI, public string) error {
	wh, err := tgbotapi.NewWebhook(public)
	if err != nil {
		return fmt.Errorf("webhook url: %w", err)
	}
	wh.DropPendingUpdates = true
	if _, err := bot.Request(wh); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	return nil
}

// webhookHandler decodes one update per request and queues it. Updates are
// handled in order by consume, so the HTTP reply does not wait for Telegram calls.
func webhookHandler(bot *tgbotapi.BotAPI, updates chan<- tgbotapi.Update, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		upd, err := bot.HandleUpdate(req)
		if err != nil {
			log.Warn("bad webhook update", zap.Error(err))
			http.Error(w, "bad update", http.StatusBadRequest)
			return
		}
		select {
		case updates <- *upd:
			w.WriteHeader(http.StatusOK)
		case <-req.Context().Done():
			http.Error(w, "busy", http.StatusServiceUnavailable)
		}
	})
}

func consume(ctx context.Context, updates <-chan tgbotapi.Update, handle func(tgbotapi.Update)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd := <-updates:
			handle(upd)
		}
	}
}

// ---------------- Polling loop -----------------

const (
	pollTimeout = 25 // секунд, long polling на стороне Telegram
	pollIdle    = 200 * time.Millisecond
)

type updatesGetter interface {
	GetUpdates(u tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// pollBackoff bounds the pause after a failed getUpdates call.
type pollBackoff struct{ floor, ceil time.Duration }

var defaultBackoff = pollBackoff{floor: time.Second, ceil: 15 * time.Second}

func (b pollBackoff) after(err error) time.Duration {
	return min(max(retryDelayFromError(err), b.floor), b.ceil)
}

var reRetryAfter = regexp.MustCompile(`(?i)retry after\s+(\d+)`)

// retryDelayFromError prefers the retry_after Telegram sends with a 429 and
// falls back to parsing the description.
func retryDelayFromError(err error) time.Duration {
	if err == nil {
		return 0
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	var ne net.Error
	switch msg := err.Error(); {
	case strings.Contains(strings.ToLower(msg), "too many requests"):
		if m := reRetryAfter.FindStringSubmatch(msg); m != nil {
			if n, _ := strconv.Atoi(m[1]); n > 0 {
				return time.Duration(n) * time.Second
			}
		}
		return 3 * time.Second
	case errors.As(err, &ne) && ne.Timeout():
		return 2 * time.Second
	default:
		return time.Second
	}
}

// fetchUpdates runs one long poll but gives up as soon as ctx is done. The
// abandoned request finishes on its own within pollTimeout.
func fetchUpdates(ctx context.Context, bot updatesGetter, u tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		ups, err := bot.GetUpdates(u)
		ch <- result{ups, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.updates, res.err
	}
}

// runPolling long-polls until ctx is done. Errors are retried with a bounded
// delay; nothing here is fatal.
func runPolling(ctx context.Context, bot updatesGetter, handle func(tgbotapi.Update), log *zap.Logger) {
	offset := 0
	for ctx.Err() == nil {
		u := tgbotapi.NewUpdate(offset)
		u.Timeout = pollTimeout

		updates, err := fetchUpdates(ctx, bot, u)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			d := defaultBackoff.after(err)
			log.Warn("polling error", zap.Error(err), zap.Duration("retry_in", d))
			sleep(ctx, d)
		case len(updates) == 0:
			sleep(ctx, pollIdle)
		default:
			for _, upd := range updates {
				offset = max(offset, upd.UpdateID+1)
				handle(upd)
			}
		}
	}
	log.Info("polling stopped", zap.Int("offset", offset))
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ---------------- Helpers -----------------

// shortHash keys the webhook path to the bot token without exposing it.
func shortHash(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}
