package handlers

import (
	"context"
	"fmt"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/events"
	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/pkg/logger"
)

// RejectHandler processes reject notifications. Most rejection reasons map
// deterministically onto a status; "requested data not deliverable" first
// tries to escalate to a coarser granularity the data need still supports.
type RejectHandler struct {
	repo   permission.Repository
	outbox Outbox
	calc   DataNeedCalculationService
}

func NewRejectHandler(repo permission.Repository, outbox Outbox, calc DataNeedCalculationService) *RejectHandler {
	return &RejectHandler{repo: repo, outbox: outbox, calc: calc}
}

func (h *RejectHandler) Handle(ctx context.Context, msg StatusMessage) error {
	requests, err := h.repo.FindByCorrelation(ctx, msg.ConversationID, msg.MessageID)
	if err != nil {
		return fmt.Errorf("correlation lookup for conversation %s: %w", msg.ConversationID, err)
	}
	if len(requests) == 0 {
		logger.Logger().Warnf("reject notification for conversation %s cannot be attributed, dropping", msg.ConversationID)
		return nil
	}

	code := primaryCode(msg)
	for _, request := range requests {
		if request.Status != domain.StatusSentToPermissionAdmin {
			continue
		}
		if err := h.handleOne(ctx, request, code); err != nil {
			return err
		}
	}
	return nil
}

func (h *RejectHandler) handleOne(ctx context.Context, request *permission.PermissionRequest, code int) error {
	switch code {
	case CodeConsentIDAlreadyExists:
		// The administrator already knows this request; re-validating with
		// unchanged parameters lets the send path retry idempotently.
		return h.revalidate(ctx, request, request.Granularity)
	case CodeTimeout:
		_, err := h.outbox.Commit(ctx, newEvent(events.TimedOut, nil, request.ID))
		return err
	case CodeRejected:
		_, err := h.outbox.Commit(ctx, newEvent(events.Rejected, &events.RejectedData{
			Reason: "rejected by permission administrator",
		}, request.ID))
		return err
	case CodeDataNotDeliverable:
		return h.escalate(ctx, request)
	default:
		_, err := h.outbox.Commit(ctx, newEvent(events.Invalid, &events.InvalidData{
			Reason: fmt.Sprintf("permission administrator answered with response code %d", code),
		}, request.ID))
		return err
	}
}

// escalate retries the request at the next coarser granularity the data
// need supports, or gives up with INVALID when no coarser option exists.
func (h *RejectHandler) escalate(ctx context.Context, request *permission.PermissionRequest) error {
	if request.MasterDataOnly() {
		return h.invalid(ctx, request, "requested data not deliverable")
	}
	calculation, err := h.calc.Calculate(ctx, request.DataNeedID)
	if err != nil {
		return fmt.Errorf("data need calculation for %s: %w", request.DataNeedID, err)
	}
	if calculation.MasterDataOnly {
		return h.invalid(ctx, request, "requested data not deliverable")
	}
	coarser, ok := domain.NextCoarser(request.Granularity, calculation.Granularities)
	if !ok {
		return h.invalid(ctx, request, "requested data not deliverable at any supported granularity")
	}
	logger.Logger().Infof("escalating request %s from %s to %s", request.ID, request.Granularity, coarser)
	return h.revalidate(ctx, request, coarser)
}

func (h *RejectHandler) revalidate(ctx context.Context, request *permission.PermissionRequest, granularity domain.Granularity) error {
	_, err := h.outbox.Commit(ctx, newEvent(events.Validated, &events.ValidatedData{
		Start:       request.Timeframe.Start,
		End:         request.Timeframe.End,
		Granularity: granularity,
		NeedsResend: true,
	}, request.ID))
	return err
}

func (h *RejectHandler) invalid(ctx context.Context, request *permission.PermissionRequest, reason string) error {
	_, err := h.outbox.Commit(ctx, newEvent(events.Invalid, &events.InvalidData{Reason: reason}, request.ID))
	return err
}

func primaryCode(msg StatusMessage) int {
	for _, consent := range msg.Consents {
		for _, code := range consent.Codes {
			return code
		}
	}
	return 0
}
