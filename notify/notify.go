// Package notify shows local notifications to the user.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Icon  string `json:"icon,omitempty"`
	Badge string `json:"badge,omitempty"`
}

// Notifier displays a notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Log writes notifications to a zerolog logger.
type Log struct {
	Logger *zerolog.Logger
}

func (l Log) Notify(ctx context.Context, n Notification) error {
	logger := &log.Logger
	if l.Logger != nil {
		logger = l.Logger
	}
	logger.Info().
		Str("title", n.Title).
		Str("body", n.Body).
		Str("icon", n.Icon).
		Str("badge", n.Badge).
		Msg("Notification")
	return nil
}

// Webhook posts notifications as JSON to a URL.
type Webhook struct {
	URL    string
	Client *http.Client
}

func (w Webhook) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notification webhook: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("notification webhook: status %d", res.StatusCode)
	}
	return nil
}

// Multi sends each notification to all notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
