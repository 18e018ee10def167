package permission

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gridaccess/permission-service/domain"
)

// Repository is the materialized "current state" projection of all
// permission requests, including the correlation id index. Writes happen
// exclusively through the outbox commit path.
type Repository interface {
	Find(ctx context.Context, id uuid.UUID) (*PermissionRequest, error)
	Save(ctx context.Context, request *PermissionRequest) error

	// FindByCorrelation resolves external correlation ids to local
	// requests. A lookup must tolerate a missing message id and fall back
	// to the conversation id alone.
	FindByCorrelation(ctx context.Context, conversationID, messageID string) ([]*PermissionRequest, error)

	// FindByConsentID resolves the consent id learned at accept time.
	FindByConsentID(ctx context.Context, consentID string) ([]*PermissionRequest, error)

	// FindAcceptedByMeteringPoint is the revocation fallback lookup: all
	// accepted requests for a metering point whose timeframe covers the
	// given date.
	FindAcceptedByMeteringPoint(ctx context.Context, meteringPointID string, at time.Time) ([]*PermissionRequest, error)

	// FindInStatus lists requests currently in any of the given statuses;
	// used by the reconciliation scan.
	FindInStatus(ctx context.Context, statuses ...domain.Status) ([]*PermissionRequest, error)
}
