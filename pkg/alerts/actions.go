package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultWebhookTimeout is the HTTP client timeout for webhook requests.
	DefaultWebhookTimeout = 5 * time.Second
	// DefaultWebhookAttempts is the number of delivery attempts.
	DefaultWebhookAttempts = 3

	SignatureHeader = "X-Trackguard-Signature"
)

var (
	ErrNoNotifier = errors.New("no notifier configured")
	ErrNoMailer   = errors.New("no mailer configured")
)

// Notifier pushes alerts to connected operators.
type Notifier interface {
	Broadcast(kind string, payload any) error
}

// Mailer delivers alert emails.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer records emails in the log instead of sending them.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(_ context.Context, to, subject, _ string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("alert_email", "to", to, "subject", subject)
	return nil
}

// Executor runs alert actions. Each action runs on its own and a failing
// action does not stop the others.
type Executor struct {
	Notifier Notifier
	Mailer   Mailer
	Client   *http.Client
	Logger   *slog.Logger
	// Attempts and RetryDelay bound webhook delivery; the n-th retry waits
	// n*RetryDelay.
	Attempts   int
	RetryDelay time.Duration
}

// NewExecutor returns an Executor with the default webhook policy.
func NewExecutor(notifier Notifier, mailer Mailer, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Notifier:   notifier,
		Mailer:     mailer,
		Client:     &http.Client{Timeout: DefaultWebhookTimeout},
		Logger:     logger,
		Attempts:   DefaultWebhookAttempts,
		RetryDelay: time.Second,
	}
}

// Execute runs every action concurrently and returns the errors by action
// index; nil entries succeeded.
func (e *Executor) Execute(ctx context.Context, a Alert, actions []Action) []error {
	errs := make([]error, len(actions))
	var wg sync.WaitGroup
	for i, act := range actions {
		wg.Add(1)
		go func(i int, act Action) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("action %s panicked: %v", act.Type, r)
				}
			}()
			errs[i] = e.run(ctx, a, act)
		}(i, act)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		ActionFailuresTotal.WithLabelValues(string(actions[i].Type)).Inc()
		e.Logger.Warn("alert_action_failed",
			"alert_id", a.ID,
			"action", actions[i].Type,
			"error", err,
		)
	}
	return errs
}

func (e *Executor) run(ctx context.Context, a Alert, act Action) error {
	switch act.Type {
	case ActionNotification:
		if e.Notifier == nil {
			return ErrNoNotifier
		}
		return e.Notifier.Broadcast("alert", a)
	case ActionLog:
		e.Logger.Warn("alert_fired",
			"alert_id", a.ID,
			"rule_id", a.RuleID,
			"vehicle_id", a.VehicleID,
			"severity", a.Severity,
			"value", a.Value,
			"message", a.Message,
		)
		return nil
	case ActionEmail:
		if e.Mailer == nil {
			return ErrNoMailer
		}
		subject := fmt.Sprintf("[%s] %s: %s", a.Severity, a.RuleName, a.VehicleID)
		return e.Mailer.Send(ctx, act.Target, subject, a.Message)
	case ActionWebhook:
		return e.sendWebhook(ctx, a, act)
	default:
		return fmt.Errorf("unknown action type %q", act.Type)
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// sendWebhook POSTs the alert. Network errors and 5xx are retried, 4xx is not.
func (e *Executor) sendWebhook(ctx context.Context, a Alert, act Action) error {
	payload, err := json.Marshal(Event{Type: EventFired, Alert: a})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	attempts := e.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * e.RetryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, act.Target, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "trackguard-alerts/1.0")
		req.Header.Set("X-Trackguard-Alert-ID", a.ID)
		if act.Secret != "" {
			req.Header.Set(SignatureHeader, "sha256="+Sign(act.Secret, payload))
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook responded with status: %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return lastErr
		}
	}
	return fmt.Errorf("max retries reached: %w", lastErr)
}
