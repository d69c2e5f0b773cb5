package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"stream-corruptor/internal/corruption"
	"stream-corruptor/internal/manifest"
	"stream-corruptor/internal/origin"
	"stream-corruptor/internal/platform/apperror"
	"stream-corruptor/internal/segment"
	"stream-corruptor/internal/session"
)

// ParamIndex selects the segment of a direct fragment request.
const ParamIndex = "index"

// Service ties manifest rewriting and segment corruption to the session store.
type Service struct {
	registry *corruption.Registry
	rewriter *manifest.Rewriter
	machine  *segment.Machine
	store    session.Store
	fetcher  origin.Fetcher
	log      *slog.Logger
	stateful bool
}

// Option configures a Service.
type Option func(*Service)

// WithStateful controls whether each manifest request opens a session.
func WithStateful(stateful bool) Option {
	return func(s *Service) { s.stateful = stateful }
}

// WithMachine replaces the segment state machine.
func WithMachine(m *segment.Machine) Option {
	return func(s *Service) { s.machine = m }
}

// NewService returns a stateful Service using the default corruption kinds.
func NewService(fetcher origin.Fetcher, store session.Store, log *slog.Logger, opts ...Option) *Service {
	registry := corruption.DefaultRegistry()
	s := &Service{
		registry: registry,
		rewriter: manifest.NewRewriter(registry),
		machine:  segment.NewMachine(store, log),
		store:    store,
		fetcher:  fetcher,
		log:      log,
		stateful: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Manifest fetches the origin manifest named by query's url parameter and
// returns it rewritten to route segments through the proxy. The corruption
// configuration is checked before the origin is contacted.
//
// When the service is stateful and the request carries no state parameter a
// new session is opened; its token travels in every segment URL.
func (s *Service) Manifest(ctx context.Context, query url.Values) ([]byte, error) {
	src, err := origin.ValidateURL(query.Get(corruption.ParamURL))
	if err != nil {
		return nil, err
	}
	if _, _, err := s.registry.ParseIndexed(query, 0); err != nil {
		return nil, err
	}

	body, err := s.fetcher.Fetch(ctx, src.String())
	if err != nil {
		return nil, err
	}

	token := query.Get(corruption.ParamState)
	if token == "" && s.stateful {
		if token, err = s.store.Create(ctx); err != nil {
			return nil, apperror.Internal(fmt.Errorf("create session: %w", err))
		}
		s.log.Debug("session created", slog.String("token", token))
	}

	out, err := s.rewriter.Rewrite(body, query, token)
	if err != nil {
		return nil, err
	}
	s.log.Info("manifest rewritten",
		slog.String("url", src.String()),
		slog.String("state", token),
		slog.Int("size", len(out)))
	return out, nil
}

// Segment decides the response for a proxy segment request. name is the last
// path element written by the rewriter; query carries the origin template in
// url plus the corruption configuration.
func (s *Service) Segment(ctx context.Context, name string, query url.Values) (segment.Outcome, error) {
	ref, err := ParseSegmentName(name)
	if err != nil {
		return segment.Outcome{}, err
	}
	if ref.Bandwidth == "" {
		ref.Bandwidth = query.Get(corruption.ParamBitrate)
	}
	target, err := origin.ValidateURL(ref.Expand(query.Get(corruption.ParamURL)))
	if err != nil {
		return segment.Outcome{}, err
	}

	irs, token, err := s.registry.ParseIndexed(query, ref.Index)
	if err != nil {
		return segment.Outcome{}, err
	}
	return s.apply(ctx, corruption.Merge(ref.Index, irs), ref.Index, token, target.String())
}

// Fragment handles a segment request whose rules are already resolved to that
// segment, one object per kind. The index parameter is optional and only
// matters for retry counting.
func (s *Service) Fragment(ctx context.Context, query url.Values) (segment.Outcome, error) {
	target, err := origin.ValidateURL(query.Get(corruption.ParamURL))
	if err != nil {
		return segment.Outcome{}, err
	}
	var index int64
	if raw := query.Get(ParamIndex); raw != "" {
		if index, err = strconv.ParseInt(raw, 10, 64); err != nil || index < 0 {
			return segment.Outcome{}, apperror.Validation(fmt.Sprintf("invalid index parameter %q", raw))
		}
	}

	rules, err := s.registry.ParseEffective(query)
	if err != nil {
		return segment.Outcome{}, err
	}
	return s.apply(ctx, rules, index, query.Get(corruption.ParamState), target.String())
}

func (s *Service) apply(ctx context.Context, rules corruption.RuleSet, index int64, token, target string) (segment.Outcome, error) {
	out, err := s.machine.Apply(ctx, rules, index, token, target)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return segment.Outcome{}, err
		}
		return segment.Outcome{}, apperror.Internal(err)
	}
	s.log.Debug("segment resolved",
		slog.String("url", target),
		slog.Int64("segment", index),
		slog.String("outcome", out.Kind.String()))
	return out, nil
}

// Session returns the retry counters of token.
func (s *Service) Session(ctx context.Context, token string) (SessionSnapshot, error) {
	counts, err := s.store.RetryCounts(ctx, token)
	if errors.Is(err, session.ErrSessionNotFound) {
		return SessionSnapshot{}, apperror.NotFound("unknown session %q", token)
	}
	if err != nil {
		return SessionSnapshot{}, apperror.Internal(err)
	}
	return SessionSnapshot{Token: token, Retries: counts}, nil
}

// ActiveSessions reports how many sessions the store holds.
func (s *Service) ActiveSessions(ctx context.Context) (int, error) {
	return s.store.Len(ctx)
}
