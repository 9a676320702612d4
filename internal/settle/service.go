// Package settle executes the payout for a finished match exactly once.
// Settlement wraps the idempotency guard: retries and concurrent callers
// converge on the first successful run's result.
package settle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/chain"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/escrow"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/idempotency"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/match"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/observability"
)

// Result is the settlement outcome returned to every caller, first or
// repeated.
type Result struct {
	Winner         domain.Winner `json:"winner"`
	PayoutRef      string        `json:"payout_ref,omitempty"`
	AlreadySettled bool          `json:"already_settled"`
}

// Publisher broadcasts settlement notifications.
type Publisher interface {
	Publish(ctx context.Context, scope, id, event string, payload any) error
}

// reserveTTL bounds how long a crashed settlement attempt can block the
// key before a retry may reclaim it.
const reserveTTL = 2 * time.Minute

type Service struct {
	matches match.Store
	guard   *idempotency.Guard
	client  chain.Client
	network string
	pub     Publisher
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewService(
	matches match.Store,
	guard *idempotency.Guard,
	client chain.Client,
	network string,
	pub Publisher,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Service {
	return &Service{
		matches: matches,
		guard:   guard,
		client:  client,
		network: network,
		pub:     pub,
		log:     log,
		metrics: metrics,
	}
}

func settlementKey(matchID uuid.UUID) string { return "settle:" + matchID.String() }

// Settle determines and executes the payout for a finished match. At most
// one payout is ever submitted per match, regardless of retries; repeated
// calls return the original result.
func (s *Service) Settle(ctx context.Context, matchID uuid.UUID) (Result, error) {
	m, err := s.matches.Get(ctx, matchID)
	if err != nil {
		return Result{}, err
	}

	// Prior successful run: short-circuit on persisted state.
	if m.Status == domain.MatchSettled {
		s.countDuplicate()
		return Result{Winner: m.Winner, PayoutRef: m.SettlementRef, AlreadySettled: true}, nil
	}
	if m.Status != domain.MatchFinished && m.Status != domain.MatchSettlementFailed {
		return Result{}, fmt.Errorf("settle %s (status %s): %w", matchID, m.Status, domain.ErrNotReady)
	}

	key := settlementKey(matchID)
	if rec, found, err := s.guard.Check(ctx, key); err != nil {
		return Result{}, err
	} else if found {
		s.countDuplicate()
		return decodeStored(rec)
	}

	owned, err := s.guard.Reserve(ctx, key, reserveTTL)
	if err != nil {
		return Result{}, err
	}
	if !owned {
		// Another caller is mid-settlement. Never submit a second payout;
		// report the short-circuit and let the caller re-check for the
		// committed result.
		if rec, found, cerr := s.guard.Check(ctx, key); cerr == nil && found {
			s.countDuplicate()
			return decodeStored(rec)
		}
		return Result{}, fmt.Errorf("settlement for %s in flight: %w", matchID, domain.ErrAlreadySettled)
	}

	res, err := s.execute(ctx, m)
	if err != nil {
		if rerr := s.guard.Release(ctx, key); rerr != nil {
			s.log.Warn().Str("match", matchID.String()).Err(rerr).Msg("release settlement reservation")
		}
		return Result{}, err
	}

	if err := s.guard.Commit(ctx, key, res.PayoutRef, res); err != nil {
		// The payout went through; losing the idempotency record is
		// tolerable because the match row now says settled.
		s.log.Error().Str("match", matchID.String()).Err(err).Msg("commit settlement record")
	}
	return res, nil
}

// execute performs the actual settlement. Caller owns the reservation.
func (s *Service) execute(ctx context.Context, m *domain.Match) (Result, error) {
	prior := m.Status

	// Draws settle without a payout call; each side reclaims its deposit
	// through the refund path.
	if m.Winner == domain.WinnerDraw {
		m.Status = domain.MatchSettled
		m.SettlementStatus = domain.SettlementComplete
		if err := s.matches.Update(ctx, m, prior); err != nil {
			return Result{}, err
		}
		s.broadcast(ctx, m, "match_settled")
		if s.metrics != nil {
			s.metrics.SettlementsTotal.WithLabelValues("draw").Inc()
			s.metrics.MatchTransitions.WithLabelValues(string(m.Status)).Inc()
		}
		return Result{Winner: domain.WinnerDraw}, nil
	}

	mode, err := escrow.Resolve(s.network)
	if err != nil {
		return Result{}, err
	}

	winnerAddr := m.PlayerFor(domain.Side(m.Winner))
	pot := m.BetAmount * 2
	memo := fmt.Sprintf("race:%s:%s", m.ID, mode.Use)

	receipt, err := s.client.SubmitPayout(ctx, winnerAddr, pot, memo)
	if err != nil {
		// Record the failure durably so it is queryable; an explicit
		// retry re-enters this same idempotent path.
		m.Status = domain.MatchSettlementFailed
		m.SettlementStatus = domain.SettlementFailedTag
		if uerr := s.matches.Update(ctx, m, prior); uerr != nil {
			s.log.Error().Str("match", m.ID.String()).Err(uerr).Msg("persist settlement failure")
		}
		s.broadcast(ctx, m, "settlement_failed")
		if s.metrics != nil {
			s.metrics.PayoutErrors.Inc()
			s.metrics.MatchTransitions.WithLabelValues(string(m.Status)).Inc()
		}
		return Result{}, &domain.ExternalError{Op: "submit_payout", Retryable: domain.IsRetryable(err), Err: err}
	}

	m.Status = domain.MatchSettled
	m.SettlementStatus = domain.SettlementComplete
	m.SettlementRef = receipt.Ref
	if err := s.matches.Update(ctx, m, prior); err != nil {
		return Result{}, err
	}
	s.broadcast(ctx, m, "match_settled")
	if s.metrics != nil {
		s.metrics.SettlementsTotal.WithLabelValues(string(m.Winner)).Inc()
		s.metrics.MatchTransitions.WithLabelValues(string(m.Status)).Inc()
	}
	s.log.Info().
		Str("match", m.ID.String()).
		Str("winner", string(m.Winner)).
		Str("payout_ref", receipt.Ref).
		Str("strategy", string(mode.Use)).
		Msg("match settled")

	return Result{Winner: m.Winner, PayoutRef: receipt.Ref}, nil
}

func (s *Service) countDuplicate() {
	if s.metrics != nil {
		s.metrics.IdempotencyDuplicates.Inc()
	}
}

func (s *Service) broadcast(ctx context.Context, m *domain.Match, event string) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, "match", m.ID.String(), event, m); err != nil {
		s.log.Warn().Str("match", m.ID.String()).Str("event", event).Err(err).Msg("settlement broadcast failed")
	}
}

func decodeStored(rec *idempotency.Record) (Result, error) {
	var res Result
	if err := json.Unmarshal(rec.Result, &res); err != nil {
		return Result{}, fmt.Errorf("decode stored settlement result: %w", err)
	}
	res.AlreadySettled = true
	return res, nil
}

