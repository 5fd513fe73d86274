// Package router dispatches envelopes to delivery channels. It owns channel
// selection, on-demand connects, the single fallback attempt, and the audit
// trail. No other component retries a send or writes delivery records.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"zapmail/internal/config"
	"zapmail/internal/domain"
	"zapmail/internal/metrics"
)

// ErrUnknownChannel is returned when an operation names a channel that was
// never registered.
var ErrUnknownChannel = errors.New("unknown channel")

// summaryLength bounds the text excerpt kept in each audit row.
const summaryLength = 80

// Event types published on final send outcomes.
const (
	EventMessageSent   = "notification.message.sent.v1"
	EventMessageFailed = "notification.message.failed.v1"
)

// EventPublisher receives the final outcome of every routed envelope.
// Publishing is best effort: failures are logged, never surfaced to senders.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data any) error
}

// MessageEvent is the payload published for a routed envelope.
type MessageEvent struct {
	EnvelopeID string    `json:"envelopeId"`
	Channel    string    `json:"channel"`
	Status     string    `json:"status"`
	Recipients int       `json:"recipients"`
	MessageID  string    `json:"messageId,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ContactSyncer is implemented by channels that can pull the provider-side
// address book (the whatsapp bridge method).
type ContactSyncer interface {
	SyncContacts(ctx context.Context) ([]domain.Contact, error)
}

// Router routes envelopes across the registered channels.
type Router struct {
	channels map[string]domain.Channel
	names    []string // registration order, drives selection and listings
	store    domain.AuditStore
	events   EventPublisher
	fallback string
	defaultC string
	country  string
	logger   *slog.Logger

	bulkDelay  time.Duration
	groupDelay time.Duration
}

type Config struct {
	Channels    []domain.Channel
	Store       domain.AuditStore
	Events      EventPublisher // optional
	Router      config.RouterConfig
	CountryCode string // for canonical phone form in audit rows
	Logger      *slog.Logger
}

func New(cfg Config) *Router {
	r := &Router{
		channels:   make(map[string]domain.Channel, len(cfg.Channels)),
		store:      cfg.Store,
		events:     cfg.Events,
		fallback:   cfg.Router.FallbackChannel,
		defaultC:   cfg.Router.DefaultChannel,
		country:    cfg.CountryCode,
		logger:     cfg.Logger,
		bulkDelay:  time.Duration(cfg.Router.BulkDelaySeconds) * time.Second,
		groupDelay: time.Duration(cfg.Router.GroupDelaySeconds) * time.Second,
	}
	if r.country == "" {
		r.country = domain.DefaultCountryCode
	}
	for _, ch := range cfg.Channels {
		r.channels[ch.Name()] = ch
		r.names = append(r.names, ch.Name())
	}
	return r
}

// SelectChannel picks a channel by recipient shape: the first registered
// channel that can deliver to every recipient wins, so all-phone envelopes
// resolve to whatsapp and all-mail to mail. Mixed or empty envelopes fall
// back to the configured default.
func (r *Router) SelectChannel(env domain.Envelope) string {
	if len(env.Recipients) > 0 {
		for _, name := range r.names {
			ch := r.channels[name]
			covered := true
			for _, rec := range env.Recipients {
				if !ch.CanDeliver(rec) {
					covered = false
					break
				}
			}
			if covered {
				return name
			}
		}
	}
	return r.defaultC
}

// Send routes one envelope: resolve the channel (override wins), validate,
// connect on demand, dispatch, audit. A connection-level failure on the
// chosen channel triggers exactly one attempt on the configured fallback
// channel; validation and provider rejections never do.
func (r *Router) Send(ctx context.Context, env domain.Envelope, override string) domain.SendResult {
	name := override
	if name == "" {
		name = r.SelectChannel(env)
	}
	ch, ok := r.channels[name]
	if !ok {
		return r.finish(ctx, env, name, domain.FailureResult(
			domain.NewSendError(domain.ErrValidation, "unknown channel: %q", name)))
	}

	if se := domain.ValidateEnvelope(env); se != nil {
		r.logger.Debug("envelope rejected", "envelope", env.ID, "err", se.Message)
		return r.finish(ctx, env, name, domain.FailureResult(se))
	}

	start := time.Now()
	result := r.dispatch(ctx, ch, env)

	if fb := r.fallbackFor(name, result); fb != nil {
		primaryErr := result.Error
		r.logger.Warn("router: channel failed, trying fallback",
			"channel", name, "fallback", fb.Name(), "error", primaryErr.Message)
		metrics.FallbacksTotal(name, fb.Name()).Inc()

		result = r.dispatch(ctx, fb, env).
			WithMeta("fallbackFrom", name).
			WithMeta("primaryError", primaryErr.Error())
		if result.Error != nil {
			result = result.WithMeta("fallbackError", result.Error.Error())
		} else {
			r.logger.Info("router: used fallback channel", "channel", fb.Name())
		}
		name = fb.Name()
	}
	metrics.SendLatency(name).Observe(time.Since(start).Seconds())

	return r.finish(ctx, env, name, result)
}

// dispatch ensures the channel is up and hands it the envelope. A connect
// error becomes the send outcome; landing in a non-connected state (pairing
// pending, still authenticating) lets the adapter report it as not_connected.
func (r *Router) dispatch(ctx context.Context, ch domain.Channel, env domain.Envelope) domain.SendResult {
	if !ch.IsConnected() {
		state, err := ch.Connect(ctx)
		if err != nil {
			return domain.FailureResult(domain.AsSendError(err, true))
		}
		if state != domain.StateConnected {
			r.logger.Debug("channel not up after on-demand connect",
				"channel", ch.Name(), "state", state)
		}
	}
	return ch.Send(ctx, env)
}

// fallbackFor returns the fallback channel when the result is a
// connection-level failure and a distinct fallback is configured. Partially
// delivered batches report success with an abort note, so they are never
// redelivered here.
func (r *Router) fallbackFor(primary string, result domain.SendResult) domain.Channel {
	if result.Error == nil || !result.Error.ConnectionLevel() {
		return nil
	}
	if r.fallback == "" || r.fallback == primary {
		return nil
	}
	return r.channels[r.fallback]
}

// StatusFor maps a send result to the envelope status it settles into:
// sent on success, error on connection-level failures, failed otherwise.
func StatusFor(result domain.SendResult) domain.Status {
	if result.Success {
		return domain.StatusSent
	}
	if result.Error != nil && result.Error.ConnectionLevel() {
		return domain.StatusError
	}
	return domain.StatusFailed
}

// finish settles the envelope status, writes the audit rows, publishes the
// outcome event, and bumps counters. Every send path ends here exactly once.
func (r *Router) finish(ctx context.Context, env domain.Envelope, channel string, result domain.SendResult) domain.SendResult {
	status := StatusFor(result)
	if err := env.Transition(status); err != nil {
		r.logger.Warn("envelope transition", "envelope", env.ID, "err", err)
	}

	r.audit(ctx, env, channel, result)
	r.publish(ctx, env, channel, result)

	metrics.MessagesTotal(channel, string(env.Status)).Inc()
	if result.Error != nil && result.Error.Kind == domain.ErrRateLimited {
		metrics.RateLimitedTotal(channel).Inc()
	}
	return result
}

// audit writes one row per recipient, reconstructing per-recipient outcomes
// from the adapter's batch metadata: listed failures keep their reason,
// delivered recipients get sent rows, and recipients behind an abort point
// get error rows. The trail outlives the call that produced it.
func (r *Router) audit(ctx context.Context, env domain.Envelope, channel string, result domain.SendResult) {
	ctx = context.WithoutCancel(ctx)

	failures := failureReasons(result)
	sentLeft := metaInt(result, "sent")
	abortReason, _ := result.Metadata["aborted"].(string)
	sentAt := result.Timestamp.UTC()

	recipients := env.Recipients
	if len(recipients) == 0 {
		// A rejected empty envelope still leaves a trace.
		recipients = []domain.Recipient{{}}
	}
	if result.Success && result.Metadata["sent"] == nil {
		// A successful result without batch metadata covers every recipient.
		sentLeft = len(recipients)
	}

	for _, rec := range recipients {
		row := domain.AuditRecord{
			EnvelopeID: env.ID,
			Recipient:  r.canonical(rec),
			Channel:    channel,
			Kind:       env.Kind,
			Status:     env.Status,
			Summary:    summarize(env.Content.Text),
			CreatedAt:  env.CreatedAt,
		}

		if reason, ok := lookupFailure(failures, row.Recipient, rec.Address()); ok {
			row.Status = domain.StatusFailed
			row.Error = reason
		} else if sentLeft > 0 {
			row.Status = domain.StatusSent
			row.MessageID = result.MessageID
			row.SentAt = &sentAt
			sentLeft--
		} else if abortReason != "" {
			row.Status = domain.StatusError
			row.Error = abortReason
		} else if result.Error != nil {
			row.Error = result.Error.Error()
		}

		if _, err := r.store.Append(ctx, row); err != nil {
			r.logger.Error("audit append failed", "envelope", env.ID, "err", err)
		}
	}
}

func (r *Router) publish(ctx context.Context, env domain.Envelope, channel string, result domain.SendResult) {
	if r.events == nil {
		return
	}
	eventType := EventMessageSent
	if !result.Success {
		eventType = EventMessageFailed
	}
	ev := MessageEvent{
		EnvelopeID: env.ID,
		Channel:    channel,
		Status:     string(env.Status),
		Recipients: len(env.Recipients),
		MessageID:  result.MessageID,
		Timestamp:  result.Timestamp,
	}
	if result.Error != nil {
		ev.Error = result.Error.Error()
	}
	if err := r.events.Publish(context.WithoutCancel(ctx), eventType, ev); err != nil {
		r.logger.Warn("event publish failed", "type", eventType, "err", err)
	}
}

// SendBulk routes a batch. Envelopes are grouped by resolved channel; groups
// run concurrently while envelopes inside a group go out one at a time with
// the configured pause between them (group delay after a multi-recipient
// envelope). Results come back in input order.
func (r *Router) SendBulk(ctx context.Context, envelopes []domain.Envelope) []domain.SendResult {
	results := make([]domain.SendResult, len(envelopes))

	type queued struct {
		idx int
		env domain.Envelope
	}
	groups := make(map[string][]queued)
	for i, env := range envelopes {
		name := r.SelectChannel(env)
		groups[name] = append(groups[name], queued{idx: i, env: env})
	}

	var wg sync.WaitGroup
	for name, group := range groups {
		wg.Add(1)
		go func(name string, group []queued) {
			defer wg.Done()
			prevMulti := false
			for i, q := range group {
				if i > 0 {
					delay := r.bulkDelay
					if prevMulti {
						delay = r.groupDelay
					}
					if delay > 0 {
						select {
						case <-ctx.Done():
							se := domain.NewSendError(domain.ErrConnection,
								"bulk send cancelled: %v", ctx.Err())
							for _, rest := range group[i:] {
								results[rest.idx] = r.finish(ctx, rest.env, name, domain.FailureResult(se))
							}
							return
						case <-time.After(delay):
						}
					}
				}
				results[q.idx] = r.Send(ctx, q.env, name)
				prevMulti = len(q.env.Recipients) > 1
			}
		}(name, group)
	}
	wg.Wait()
	return results
}

// Connect brings the named channel up and records the state it landed in.
func (r *Router) Connect(ctx context.Context, name string) (domain.ConnectionState, error) {
	ch, ok := r.channels[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	state, err := ch.Connect(ctx)
	if recErr := r.store.RecordConnection(ctx, name, state); recErr != nil {
		r.logger.Warn("record connection", "channel", name, "err", recErr)
	}
	return state, err
}

// Disconnect tears the named channel down.
func (r *Router) Disconnect(ctx context.Context, name string) error {
	ch, ok := r.channels[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	if err := ch.Disconnect(ctx); err != nil {
		return err
	}
	if err := r.store.RecordConnection(ctx, name, domain.StateDisconnected); err != nil {
		r.logger.Warn("record connection", "channel", name, "err", err)
	}
	return nil
}

// StatusAll snapshots every registered channel in registration order.
func (r *Router) StatusAll(ctx context.Context) []domain.ChannelStatus {
	out := make([]domain.ChannelStatus, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.channels[name].Status(ctx))
	}
	return out
}

// Status snapshots a single channel.
func (r *Router) Status(ctx context.Context, name string) (domain.ChannelStatus, error) {
	ch, ok := r.channels[name]
	if !ok {
		return domain.ChannelStatus{}, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return ch.Status(ctx), nil
}

// DefaultChannel returns the channel mixed and empty envelopes route to.
func (r *Router) DefaultChannel() string { return r.defaultC }

// History returns the newest audit rows, most recent first.
func (r *Router) History(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	return r.store.History(ctx, limit)
}

// Statistics aggregates the audit trail over a trailing window.
type Statistics struct {
	Days        []domain.DayStats `json:"days"`
	Connections map[string]int64  `json:"connections"`
}

// Statistics returns per-day send counts by channel and status, plus
// per-channel connection counts. Read-only: it never mutates state.
func (r *Router) Statistics(ctx context.Context, days int) (*Statistics, error) {
	stats, err := r.store.StatsSince(ctx, days)
	if err != nil {
		return nil, err
	}
	conns, err := r.store.ConnectionsSince(ctx, days)
	if err != nil {
		return nil, err
	}
	return &Statistics{Days: stats, Connections: conns}, nil
}

// Contacts returns the address book for a channel, refreshing it from the
// provider when the channel supports live sync and is connected. A sync
// failure falls back to the stored list.
func (r *Router) Contacts(ctx context.Context, name string) ([]domain.Contact, error) {
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	if syncer, ok := ch.(ContactSyncer); ok && ch.IsConnected() {
		contacts, err := syncer.SyncContacts(ctx)
		if err == nil {
			if saveErr := r.store.SaveContacts(ctx, name, contacts); saveErr != nil {
				r.logger.Warn("save contacts", "channel", name, "err", saveErr)
			}
			return contacts, nil
		}
		r.logger.Warn("contact sync failed, serving stored list", "channel", name, "err", err)
	}
	return r.store.ListContacts(ctx, name)
}

// --- Audit helpers ---

// canonical returns the address an adapter would have keyed this recipient
// by: normalized phone form when possible, the raw address otherwise.
func (r *Router) canonical(rec domain.Recipient) string {
	if rec.Kind == domain.RecipientPhone {
		if p, err := domain.NormalizePhoneCountry(rec.Phone, r.country); err == nil {
			return p
		}
	}
	return rec.Address()
}

// failureReasons parses the adapter's "address: reason" failure entries.
func failureReasons(result domain.SendResult) map[string]string {
	entries, _ := result.Metadata["failures"].([]string)
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if addr, reason, ok := strings.Cut(e, ": "); ok {
			out[addr] = reason
		}
	}
	return out
}

// lookupFailure matches a recipient against the failure map under either
// its canonical or its raw address, whichever the adapter reported.
func lookupFailure(failures map[string]string, canonical, raw string) (string, bool) {
	if reason, ok := failures[canonical]; ok {
		return reason, true
	}
	if reason, ok := failures[raw]; ok {
		return reason, true
	}
	return "", false
}

func metaInt(result domain.SendResult, key string) int {
	if v, ok := result.Metadata[key].(int); ok {
		return v
	}
	return 0
}

// summarize trims the body down to the excerpt kept in audit rows.
func summarize(text string) string {
	text = domain.SanitizeText(text)
	if utf8.RuneCountInString(text) <= summaryLength {
		return text
	}
	return string([]rune(text)[:summaryLength]) + "..."
}
