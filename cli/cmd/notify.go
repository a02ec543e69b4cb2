package cmd

import (
	"context"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/runpack/cli/config"
	"github.com/justapithecus/runpack/log"
	"github.com/justapithecus/runpack/notify"
	"github.com/justapithecus/runpack/notify/redis"
	"github.com/justapithecus/runpack/notify/webhook"
)

const notifyTimeout = 30 * time.Second

// notifyFlags are the pack flags that name event destinations.
func notifyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "notify-webhook", Usage: "POST a pack_completed event to this URL"},
		&cli.StringFlag{Name: "notify-redis", Usage: "PUBLISH a pack_completed event via this Redis URL"},
		&cli.StringFlag{Name: "notify-channel", Usage: "Redis channel for --notify-redis (default: " + redis.DefaultChannel + ")"},
	}
}

// buildNotifier returns the configured notifiers, or nil when none is set.
// Flags override the config file.
func buildNotifier(c *cli.Context, cfg config.NotifyConfig) (notify.Notifier, error) {
	var out notify.Multi

	if url := firstNonEmpty(c.String("notify-webhook"), cfg.Webhook.URL); url != "" {
		n, err := webhook.New(webhook.Config{
			URL:     url,
			Headers: cfg.Webhook.Headers,
			Timeout: cfg.Webhook.Timeout,
			Retries: retriesOr(cfg.Webhook.Retries, webhook.DefaultRetries),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	if url := firstNonEmpty(c.String("notify-redis"), cfg.Redis.URL); url != "" {
		n, err := redis.New(redis.Config{
			URL:     url,
			Channel: firstNonEmpty(c.String("notify-channel"), cfg.Redis.Channel),
			Timeout: cfg.Redis.Timeout,
			Retries: retriesOr(cfg.Redis.Retries, redis.DefaultRetries),
		})
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		out = append(out, n)
	}

	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func retriesOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// publishEvent sends event and closes n. Failures are logged, never fatal.
func publishEvent(ctx context.Context, n notify.Notifier, event *notify.PackCompletedEvent, logger *log.Logger) {
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn("notifier close failed", map[string]any{"error": err.Error()})
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := n.Publish(ctx, event); err != nil {
		logger.Warn("pack event not published", map[string]any{"error": err.Error()})
	}
}
