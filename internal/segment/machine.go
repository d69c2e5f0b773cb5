package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"stream-corruptor/internal/corruption"
	"stream-corruptor/internal/session"
)

// StatusBody is the body sent with an injected status code.
const StatusBody = `{"message":"[Stream Corruptor]: Applied Status Code Corruption"}`

// DefaultThrottlePath is where throttled segments are redirected.
const DefaultThrottlePath = "/api/v2/throttle"

// OutcomeKind tells the HTTP adapter how to finish a segment request.
type OutcomeKind int

const (
	// OutcomeOrigin redirects to the origin segment.
	OutcomeOrigin OutcomeKind = iota
	// OutcomeHang never responds.
	OutcomeHang
	// OutcomeStatus responds with an injected status code.
	OutcomeStatus
	// OutcomeThrottle redirects to the rate-limited pass-through.
	OutcomeThrottle
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOrigin:
		return "origin"
	case OutcomeHang:
		return "hang"
	case OutcomeStatus:
		return "status"
	case OutcomeThrottle:
		return "throttle"
	default:
		return "unknown"
	}
}

// Outcome is the decision for one segment request.
type Outcome struct {
	Kind OutcomeKind
	// StatusCode and Body are set for OutcomeStatus.
	StatusCode int
	Body       string
	// Rate is set for OutcomeThrottle, in bytes per second.
	Rate int64
	// Location is set for OutcomeOrigin and OutcomeThrottle.
	Location string
	// Delayed is the delay applied before the decision, if any.
	Delayed time.Duration
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Machine applies an effective rule set to one segment request.
type Machine struct {
	store        session.Store
	log          *slog.Logger
	sleep        Sleeper
	throttlePath string
}

// Option configures a Machine.
type Option func(*Machine)

// WithSleeper replaces the delay implementation, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(m *Machine) { m.sleep = s }
}

// WithThrottlePath sets the path throttled segments are redirected to.
func WithThrottlePath(p string) Option {
	return func(m *Machine) { m.throttlePath = p }
}

// NewMachine returns a Machine that keeps retry counters in store.
func NewMachine(store session.Store, log *slog.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:        store,
		log:          log,
		sleep:        Sleep,
		throttlePath: DefaultThrottlePath,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply decides the outcome for segment index. Rules are evaluated in a fixed
// order and the first terminal one wins:
//
//  1. timeout: hang
//  2. delay: wait, then continue
//  3. statusCode: respond with the code while the session's retry count for
//     index is below times (always, when times is unset)
//  4. throttle: redirect to the throttling pass-through
//  5. otherwise redirect to originURL
//
// The status-code counter is incremented on every evaluation, whether or not
// the fault fires. Without a token, or with one the store does not know, no
// counter is kept and the fault fires on every request.
func (m *Machine) Apply(ctx context.Context, rules corruption.RuleSet, index int64, token, originURL string) (Outcome, error) {
	if rules.Has(corruption.KindTimeout) {
		m.log.Info("timing out segment", slog.String("url", originURL), slog.Int64("segment", index))
		return Outcome{Kind: OutcomeHang}, nil
	}

	var delayed time.Duration
	if rule, ok := rules[corruption.KindDelay]; ok && !rule.Tombstone() {
		ms, _ := rule.Field(corruption.FieldMS)
		delayed = time.Duration(ms) * time.Millisecond
		m.log.Info("applying delay", slog.String("url", originURL), slog.Int64("ms", ms))
		if err := m.sleep(ctx, delayed); err != nil {
			return Outcome{}, err
		}
	}

	if rule, ok := rules[corruption.KindStatusCode]; ok && !rule.Tombstone() {
		if code, ok := rule.Field(corruption.FieldCode); ok {
			previous, err := m.countAttempt(ctx, token, index)
			if err != nil {
				return Outcome{}, err
			}
			times, limited := rule.Field(corruption.FieldTimes)
			if !limited || times == 0 || previous < times {
				m.log.Info("applying status code",
					slog.String("url", originURL),
					slog.Int64("segment", index),
					slog.Int64("code", code),
					slog.Int64("retry", previous))
				return Outcome{Kind: OutcomeStatus, StatusCode: int(code), Body: StatusBody, Delayed: delayed}, nil
			}
		}
	}

	if rule, ok := rules[corruption.KindThrottle]; ok && !rule.Tombstone() {
		if rate, ok := rule.Field(corruption.FieldRate); ok {
			return Outcome{
				Kind:     OutcomeThrottle,
				Rate:     rate,
				Location: m.throttleLocation(originURL, rate),
				Delayed:  delayed,
			}, nil
		}
	}

	return Outcome{Kind: OutcomeOrigin, Location: originURL, Delayed: delayed}, nil
}

// countAttempt records an attempt and returns the count before it. Unknown
// tokens are treated like no token.
func (m *Machine) countAttempt(ctx context.Context, token string, index int64) (int64, error) {
	if token == "" {
		return 0, nil
	}
	count, err := m.store.IncrementRetry(ctx, token, index)
	if errors.Is(err, session.ErrSessionNotFound) {
		m.log.Debug("unknown session, not counting retries", slog.String("state", token))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count retry for segment %d: %w", index, err)
	}
	return count - 1, nil
}

func (m *Machine) throttleLocation(originURL string, rate int64) string {
	q := url.Values{}
	q.Set(corruption.ParamURL, originURL)
	q.Set(corruption.FieldRate, strconv.FormatInt(rate, 10))
	return m.throttlePath + "?" + q.Encode()
}
