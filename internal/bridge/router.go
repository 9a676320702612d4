package bridge

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/match"
	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/settle"
)

// Handler applies one chain event to local state.
type Handler func(ctx context.Context, ev domain.ChainEvent) error

type routeKey struct {
	contract string
	name     string
}

// Router maps (originating contract, event name) to a handler. Events
// with no route are skipped: the contract emits more than the core
// consumes.
type Router struct {
	routes map[routeKey]Handler
	log    zerolog.Logger
}

func NewRouter(log zerolog.Logger) *Router {
	return &Router{routes: make(map[routeKey]Handler), log: log}
}

func (r *Router) Register(contract, name string, h Handler) {
	r.routes[routeKey{contract, name}] = h
}

// Dispatch runs the matching handler. Unroutable events succeed so the
// cursor can move on.
func (r *Router) Dispatch(ctx context.Context, ev domain.ChainEvent) error {
	h, ok := r.routes[routeKey{ev.Contract, ev.Name}]
	if !ok {
		r.log.Debug().
			Int64("event_id", ev.ID).
			Str("contract", ev.Contract).
			Str("name", ev.Name).
			Msg("no route for chain event")
		return nil
	}
	return h(ctx, ev)
}

// EscrowContract is the contract name the race escrow events arrive
// under in the decoded log.
const EscrowContract = "race_escrow"

// RegisterEscrowRoutes wires the escrow contract events to the match
// state machine and the settlement service.
func RegisterEscrowRoutes(r *Router, matches *match.Manager, store match.Store, settler *settle.Service, log zerolog.Logger) {
	r.Register(EscrowContract, "deposit_confirmed", func(ctx context.Context, ev domain.ChainEvent) error {
		matchID, side, err := matchRef(ev)
		if err != nil {
			return err
		}
		txID, _ := ev.ArgMap()["tx_id"].(string)
		if txID == "" {
			return &domain.ValidationError{Field: "tx_id", Reason: "missing"}
		}
		m, err := matches.RecordDeposit(ctx, matchID, side, txID)
		if err != nil {
			return err
		}
		// Funding may confirm after scores are already in (or the other
		// way round). Eligibility is a pure function of persisted state,
		// so checking here and in the explicit settle path can never
		// double-settle.
		return maybeSettle(ctx, store, settler, m.ID, log)
	})

	r.Register(EscrowContract, "escrow_refunded", func(ctx context.Context, ev domain.ChainEvent) error {
		matchID, _, err := matchRef(ev)
		if err != nil {
			return err
		}
		_, err = matches.MarkRefunded(ctx, matchID)
		if errors.Is(err, domain.ErrInvalidState) {
			// Refund already recorded through another path.
			cur, gerr := store.Get(ctx, matchID)
			if gerr == nil && cur.Status == domain.MatchRefunded {
				return nil
			}
		}
		return err
	})

	r.Register(EscrowContract, "payout_confirmed", func(ctx context.Context, ev domain.ChainEvent) error {
		matchID, _, err := matchRef(ev)
		if err != nil {
			return err
		}
		m, err := store.Get(ctx, matchID)
		if err != nil {
			return err
		}
		txID, _ := ev.ArgMap()["tx_id"].(string)
		if m.SettlementRef != "" && m.SettlementRef != txID {
			log.Warn().
				Str("match", matchID.String()).
				Str("expected", m.SettlementRef).
				Str("observed", txID).
				Msg("payout confirmation does not match settlement ref")
		}
		return nil
	})

	r.Register(EscrowContract, "scores_recorded", func(ctx context.Context, ev domain.ChainEvent) error {
		// Score attestations can land on chain before funding confirms;
		// settlement eligibility is re-checked from here as well.
		matchID, _, err := matchRef(ev)
		if err != nil {
			return err
		}
		return maybeSettle(ctx, store, settler, matchID, log)
	})
}

func maybeSettle(ctx context.Context, store match.Store, settler *settle.Service, matchID uuid.UUID, log zerolog.Logger) error {
	m, err := store.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if !m.SettleEligible() {
		return nil
	}
	if _, err := settler.Settle(ctx, matchID); err != nil {
		// Settlement failures are durable on the match row; the bridge
		// moves on rather than wedging the cursor on a payout outage.
		log.Error().Str("match", matchID.String()).Err(err).Msg("opportunistic settlement failed")
	}
	return nil
}

func matchRef(ev domain.ChainEvent) (uuid.UUID, domain.Side, error) {
	args := ev.ArgMap()
	rawID, _ := args["match_id"].(string)
	matchID, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, "", &domain.ValidationError{Field: "match_id", Reason: "missing or malformed"}
	}
	side := domain.Side("")
	switch args["side"] {
	case "a":
		side = domain.SideA
	case "b":
		side = domain.SideB
	}
	return matchID, side, nil
}
