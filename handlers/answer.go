package handlers

import (
	"context"
	"fmt"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/events"
	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/pkg/logger"
)

// AnswerHandler processes acknowledgement notifications: the administrator
// confirms it received a request. Matches that already moved past the send
// phase are left untouched; multiple matches are expected after fan-out.
type AnswerHandler struct {
	repo   permission.Repository
	outbox Outbox
}

func NewAnswerHandler(repo permission.Repository, outbox Outbox) *AnswerHandler {
	return &AnswerHandler{repo: repo, outbox: outbox}
}

func (h *AnswerHandler) Handle(ctx context.Context, msg StatusMessage) error {
	requests, err := h.repo.FindByCorrelation(ctx, msg.ConversationID, msg.MessageID)
	if err != nil {
		return fmt.Errorf("correlation lookup for conversation %s: %w", msg.ConversationID, err)
	}
	if len(requests) == 0 {
		logger.Logger().Warnf("answer notification for conversation %s cannot be attributed, dropping", msg.ConversationID)
		return nil
	}
	for _, request := range requests {
		if request.Status != domain.StatusValidated && request.Status != domain.StatusPendingAcknowledgement {
			continue
		}
		if _, err := h.outbox.Commit(ctx, newEvent(events.Acknowledged, nil, request.ID)); err != nil {
			return fmt.Errorf("acknowledge request %s: %w", request.ID, err)
		}
	}
	return nil
}
