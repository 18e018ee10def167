// Package memory holds the in-memory projection repository used by tests
// and the simulation wiring.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/permission"
)

type Repository struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]*permission.PermissionRequest
}

func NewRepository() *Repository {
	return &Repository{requests: map[uuid.UUID]*permission.PermissionRequest{}}
}

func (r *Repository) Find(ctx context.Context, id uuid.UUID) (*permission.PermissionRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, domain.PermissionNotFoundError{PermissionID: id}
	}
	return req.Copy(), nil
}

func (r *Repository) Save(ctx context.Context, request *permission.PermissionRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[request.ID] = request.Copy()
	return nil
}

func (r *Repository) FindByCorrelation(ctx context.Context, conversationID, messageID string) ([]*permission.PermissionRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*permission.PermissionRequest
	for _, req := range r.requests {
		if conversationID != "" && req.Correlation.ConversationID == conversationID {
			out = append(out, req.Copy())
			continue
		}
		if messageID != "" && req.Correlation.MessageID == messageID {
			out = append(out, req.Copy())
		}
	}
	return out, nil
}

func (r *Repository) FindByConsentID(ctx context.Context, consentID string) ([]*permission.PermissionRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*permission.PermissionRequest
	for _, req := range r.requests {
		if consentID != "" && req.Correlation.ConsentID == consentID {
			out = append(out, req.Copy())
		}
	}
	return out, nil
}

func (r *Repository) FindAcceptedByMeteringPoint(ctx context.Context, meteringPointID string, at time.Time) ([]*permission.PermissionRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*permission.PermissionRequest
	for _, req := range r.requests {
		if req.Status != domain.StatusAccepted || req.MeteringPointID != meteringPointID {
			continue
		}
		if req.Timeframe.Contains(at, at) {
			out = append(out, req.Copy())
		}
	}
	return out, nil
}

func (r *Repository) FindInStatus(ctx context.Context, statuses ...domain.Status) ([]*permission.PermissionRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*permission.PermissionRequest
	for _, req := range r.requests {
		for _, s := range statuses {
			if req.Status == s {
				out = append(out, req.Copy())
				break
			}
		}
	}
	return out, nil
}
