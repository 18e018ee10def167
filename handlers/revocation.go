package handlers

import (
	"context"
	"fmt"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/events"
	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/pkg/logger"
)

// RevocationHandler processes administrator initiated revocations. The
// primary lookup goes by consent id; when that is unknown a fallback by
// metering point and process date revokes every accepted candidate, since
// the system cannot disambiguate which one the administrator meant and must
// not silently drop a revocation.
type RevocationHandler struct {
	repo   permission.Repository
	outbox Outbox
}

func NewRevocationHandler(repo permission.Repository, outbox Outbox) *RevocationHandler {
	return &RevocationHandler{repo: repo, outbox: outbox}
}

func (h *RevocationHandler) Handle(ctx context.Context, msg RevocationMessage) error {
	requests, err := h.repo.FindByConsentID(ctx, msg.ConsentID)
	if err != nil {
		return fmt.Errorf("consent lookup for %s: %w", msg.ConsentID, err)
	}
	if len(requests) == 0 && msg.MeteringPointID != "" {
		requests, err = h.repo.FindAcceptedByMeteringPoint(ctx, msg.MeteringPointID, msg.ProcessDate)
		if err != nil {
			return fmt.Errorf("metering point fallback lookup for %s: %w", msg.MeteringPointID, err)
		}
	}
	if len(requests) == 0 {
		logger.Logger().Warnf("revocation for consent %s cannot be attributed, dropping", msg.ConsentID)
		return nil
	}
	for _, request := range requests {
		if request.Status != domain.StatusAccepted {
			continue
		}
		if _, err := h.outbox.Commit(ctx, newEvent(events.Revoked, nil, request.ID)); err != nil {
			return fmt.Errorf("revoke request %s: %w", request.ID, err)
		}
	}
	return nil
}
