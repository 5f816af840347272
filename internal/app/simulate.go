package app

import (
	"context"
	"errors"
	"time"

	"storefront-gateway/internal/alerting"
	"storefront-gateway/internal/breaker"
	"storefront-gateway/internal/storage"
)

// SimulateAlert pushes a synthetic breaker-opened notification through the configured channel.
func (a *App) SimulateAlert(ctx context.Context, api string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if _, ok := notifier.(alerting.Nop); ok {
		return errors.New("no alert channel configured")
	}

	now := time.Now().UTC()
	msg := "simulated failure"
	note := breakerNotification(breaker.Transition{
		API:  api,
		From: breaker.StateClosed,
		To:   breaker.StateOpen,
		Health: storage.APIHealth{
			API:        api,
			IsOpen:     true,
			ErrorCount: a.Config.Breaker.FailureThreshold,
			LastError:  &msg,
			OpenedAt:   &now,
		},
	}, alerting.KindBreakerOpened, now)
	return notifier.Notify(ctx, note)
}
