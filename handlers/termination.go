package handlers

import (
	"context"
	"fmt"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/events"
	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/pkg/logger"
)

// TerminationHandler processes the administrator's replies to an external
// termination request. Termination is not consent specific, so every match
// in REQUIRES_EXTERNAL_TERMINATION is terminated, not just the first. A
// termination reject means the administrator no longer knows the consent,
// which terminates ACCEPTED matches as well.
type TerminationHandler struct {
	repo   permission.Repository
	outbox Outbox
}

func NewTerminationHandler(repo permission.Repository, outbox Outbox) *TerminationHandler {
	return &TerminationHandler{repo: repo, outbox: outbox}
}

func (h *TerminationHandler) Handle(ctx context.Context, msg StatusMessage) error {
	requests, err := h.repo.FindByCorrelation(ctx, msg.ConversationID, msg.MessageID)
	if err != nil {
		return fmt.Errorf("correlation lookup for conversation %s: %w", msg.ConversationID, err)
	}
	if len(requests) == 0 {
		logger.Logger().Warnf("termination notification for conversation %s cannot be attributed, dropping", msg.ConversationID)
		return nil
	}
	for _, request := range requests {
		if !h.applies(msg.Kind, request.Status) {
			continue
		}
		if _, err := h.outbox.Commit(ctx, newEvent(events.ExternallyTerminated, nil, request.ID)); err != nil {
			return fmt.Errorf("externally terminate request %s: %w", request.ID, err)
		}
	}
	return nil
}

func (h *TerminationHandler) applies(kind MessageKind, status domain.Status) bool {
	if status == domain.StatusRequiresExternalTermination {
		return true
	}
	return kind == KindTerminationReject && status == domain.StatusAccepted
}
