package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/permission"
)

// Repository is the SQLite-backed permission request projection. The full
// request is stored as a JSON snapshot; the columns next to it only exist to
// index the lookups the notification handlers need.
type Repository struct {
	conn *sql.DB
}

func NewRepository(conn *sql.DB) *Repository {
	return &Repository{conn: conn}
}

func (r *Repository) Save(ctx context.Context, request *permission.PermissionRequest) error {
	snapshot, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal request %s: %w", request.ID, err)
	}
	_, err = r.conn.ExecContext(ctx, `
INSERT INTO permission_requests (id, connector_id, metering_point_id, conversation_id, message_id, consent_id, status, snapshot)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    connector_id      = excluded.connector_id,
    metering_point_id = excluded.metering_point_id,
    conversation_id   = excluded.conversation_id,
    message_id        = excluded.message_id,
    consent_id        = excluded.consent_id,
    status            = excluded.status,
    snapshot          = excluded.snapshot`,
		request.ID.String(), request.ConnectorID, request.MeteringPointID,
		request.Correlation.ConversationID, request.Correlation.MessageID,
		request.Correlation.ConsentID, string(request.Status), snapshot)
	return err
}

func (r *Repository) Find(ctx context.Context, id uuid.UUID) (*permission.PermissionRequest, error) {
	row := r.conn.QueryRowContext(ctx,
		`SELECT snapshot FROM permission_requests WHERE id = ?`, id.String())
	var snapshot []byte
	if err := row.Scan(&snapshot); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.PermissionNotFoundError{PermissionID: id}
		}
		return nil, err
	}
	return unmarshalRequest(snapshot)
}

func (r *Repository) FindByCorrelation(ctx context.Context, conversationID, messageID string) ([]*permission.PermissionRequest, error) {
	return r.query(ctx,
		`SELECT snapshot FROM permission_requests
		 WHERE (? != '' AND conversation_id = ?) OR (? != '' AND message_id = ?)`,
		conversationID, conversationID, messageID, messageID)
}

func (r *Repository) FindByConsentID(ctx context.Context, consentID string) ([]*permission.PermissionRequest, error) {
	if consentID == "" {
		return nil, nil
	}
	return r.query(ctx,
		`SELECT snapshot FROM permission_requests WHERE consent_id = ?`, consentID)
}

func (r *Repository) FindAcceptedByMeteringPoint(ctx context.Context, meteringPointID string, at time.Time) ([]*permission.PermissionRequest, error) {
	candidates, err := r.query(ctx,
		`SELECT snapshot FROM permission_requests WHERE metering_point_id = ? AND status = ?`,
		meteringPointID, string(domain.StatusAccepted))
	if err != nil {
		return nil, err
	}
	// The timeframe check happens on the snapshot; encoding it in columns
	// buys nothing at the cardinality of one metering point.
	var out []*permission.PermissionRequest
	for _, request := range candidates {
		if request.Timeframe.Contains(at, at) {
			out = append(out, request)
		}
	}
	return out, nil
}

func (r *Repository) FindInStatus(ctx context.Context, statuses ...domain.Status) ([]*permission.PermissionRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	return r.query(ctx,
		`SELECT snapshot FROM permission_requests WHERE status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
}

func (r *Repository) query(ctx context.Context, stmt string, args ...interface{}) ([]*permission.PermissionRequest, error) {
	rows, err := r.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*permission.PermissionRequest
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		request, err := unmarshalRequest(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, request)
	}
	return out, rows.Err()
}

func unmarshalRequest(snapshot []byte) (*permission.PermissionRequest, error) {
	request := &permission.PermissionRequest{}
	if err := json.Unmarshal(snapshot, request); err != nil {
		return nil, fmt.Errorf("unmarshal request snapshot: %w", err)
	}
	return request, nil
}
