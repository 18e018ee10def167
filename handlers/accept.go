package handlers

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gridaccess/permission-service/domain/events"
	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/pkg/logger"
)

// AcceptHandler processes accept notifications. One outbound correlation
// can come back with several granted consents; the first consent accepts
// the pending request, every further consent fans out into a fresh local
// request so that each consent is backed by exactly one terminal capable
// request.
type AcceptHandler struct {
	repo   permission.Repository
	outbox Outbox
}

func NewAcceptHandler(repo permission.Repository, outbox Outbox) *AcceptHandler {
	return &AcceptHandler{repo: repo, outbox: outbox}
}

func (h *AcceptHandler) Handle(ctx context.Context, msg StatusMessage) error {
	requests, err := h.repo.FindByCorrelation(ctx, msg.ConversationID, msg.MessageID)
	if err != nil {
		return fmt.Errorf("correlation lookup for conversation %s: %w", msg.ConversationID, err)
	}
	if len(requests) == 0 {
		logger.Logger().Warnf("accept notification for conversation %s cannot be attributed, dropping", msg.ConversationID)
		return nil
	}

	consents := attributable(msg.Consents)
	if len(consents) == 0 {
		logger.Logger().Warnf("accept notification for conversation %s carries no usable consent, dropping", msg.ConversationID)
		return nil
	}

	original := requests[0]
	if _, err := h.outbox.Commit(ctx, newEvent(events.Accepted, &events.AcceptedData{
		ConsentID:       consents[0].ConsentID,
		MeteringPointID: consents[0].MeteringPointID,
	}, original.ID)); err != nil {
		return fmt.Errorf("accept request %s: %w", original.ID, err)
	}

	for _, consent := range consents[1:] {
		if err := h.fanOut(ctx, original, consent); err != nil {
			return err
		}
	}
	return nil
}

// fanOut clones the original request's immutable fields into a new
// permission id and replays the full happy path so the clone's audit trail
// is indistinguishable from a normally created request.
func (h *AcceptHandler) fanOut(ctx context.Context, original *permission.PermissionRequest, consent ConsentOutcome) error {
	id := uuid.New()
	created := &events.CreatedData{
		ConnectorID:     original.ConnectorID,
		ConnectionID:    original.ConnectionID,
		DataNeedID:      original.DataNeedID,
		DataSource:      original.DataSource,
		MeteringPointID: consent.MeteringPointID,
		Start:           original.Timeframe.Start,
		End:             original.Timeframe.End,
		Granularity:     original.Granularity,
		Created:         original.Created,
	}
	validated := &events.ValidatedData{
		Start:       original.Timeframe.Start,
		End:         original.Timeframe.End,
		Granularity: original.Granularity,
		// The administrator already answered this exchange; the clone's
		// validation exists for the audit trail and must not be sent again.
		Replayed: true,
	}
	accepted := &events.AcceptedData{
		ConsentID:       consent.ConsentID,
		MeteringPointID: consent.MeteringPointID,
	}

	if _, err := h.outbox.Commit(ctx, newEvent(events.Created, created, id)); err != nil {
		return fmt.Errorf("fan-out create for consent %s: %w", consent.ConsentID, err)
	}
	if _, err := h.outbox.Commit(ctx, newEvent(events.Validated, validated, id)); err != nil {
		return fmt.Errorf("fan-out validate for consent %s: %w", consent.ConsentID, err)
	}
	if _, err := h.outbox.Commit(ctx, newEvent(events.Acknowledged, nil, id)); err != nil {
		return fmt.Errorf("fan-out acknowledge for consent %s: %w", consent.ConsentID, err)
	}
	if _, err := h.outbox.Commit(ctx, newEvent(events.Accepted, accepted, id)); err != nil {
		return fmt.Errorf("fan-out accept for consent %s: %w", consent.ConsentID, err)
	}
	return nil
}

// attributable drops consent entries without the ids needed to back a local
// request.
func attributable(consents []ConsentOutcome) []ConsentOutcome {
	var out []ConsentOutcome
	for _, c := range consents {
		if c.ConsentID == "" || c.MeteringPointID == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}
