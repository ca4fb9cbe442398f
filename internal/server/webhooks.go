package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"escrowline/internal/audit"
	"escrowline/internal/config"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/payments"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Outbound delivery headers.
const (
	HeaderEvent     = "Escrowline-Event"
	HeaderDelivery  = "Escrowline-Delivery"
	HeaderSignature = "Escrowline-Signature"
)

// Dispatcher forwards audit log entries to the configured webhooks. Each hook
// keeps its own sequence cursor, starting at the newest entry when the
// dispatcher first sees it. A failed delivery stops that hook's batch and is
// retried on the next tick.
type Dispatcher struct {
	Log      audit.Reader
	Hooks    []config.WebhookConfig
	Client   *http.Client
	Interval time.Duration
	Logger   *zap.Logger
	Now      func() time.Time

	mu      sync.Mutex
	cursors map[int]int64
}

// NewDispatcher builds a dispatcher for the engine's configured webhooks.
func NewDispatcher(e engine.Engine, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		Log:    e.AuditLog,
		Client: &http.Client{Timeout: defaultWebhookTimeout},
		Logger: logger,
		Now:    e.Now,
	}
	if e.Config != nil {
		d.Hooks = e.Config.Webhooks
	}
	return d
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) active() bool {
	for _, hook := range d.Hooks {
		if hookEnabled(hook) {
			return true
		}
	}
	return false
}

func hookEnabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

// Run dispatches until ctx is cancelled. It returns immediately when no hook
// is enabled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.active() {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers every pending entry to every enabled hook.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.Hooks {
		if !hookEnabled(hook) {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	log := d.logger().With(zap.String("webhook", hook.URL))
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		log.Warn("init webhook cursor", zap.Error(err))
		return
	}
	entries, err := d.Log.After(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		log.Warn("fetch audit entries", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		if filter.match(string(entry.Action)) {
			if err := d.postEntry(ctx, hook, entry); err != nil {
				log.Warn("webhook delivery failed", zap.Int64("seq", entry.Seq), zap.Error(err))
				return
			}
		}
		d.setCursor(idx, entry.Seq)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = map[int]int64{}
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.Log.LatestSeq(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *Dispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, entry domain.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(entry.Action))
	req.Header.Set(HeaderDelivery, strconv.FormatInt(entry.Seq, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(HeaderSignature, payments.Sign(hook.Secret, data, d.now()))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
