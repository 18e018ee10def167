package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridaccess/permission-service/broker"
	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/pkg"
)

// stubClient scripts the service surface per test case.
type stubClient struct {
	created       uuid.UUID
	createdStatus domain.Status
	createErr     error
	request       *permission.PermissionRequest
	findErr       error
	outcome       broker.Outcome
	notifyErr     error

	lastPayload []byte
}

func (s *stubClient) CreatePermissionRequest(ctx context.Context, req pkg.CreatePermissionRequest) (uuid.UUID, domain.Status, error) {
	return s.created, s.createdStatus, s.createErr
}

func (s *stubClient) GetPermissionRequest(ctx context.Context, id uuid.UUID) (*permission.PermissionRequest, error) {
	return s.request, s.findErr
}

func (s *stubClient) TerminatePermission(ctx context.Context, id uuid.UUID) (domain.Status, error) {
	return domain.StatusRequiresExternalTermination, s.findErr
}

func (s *stubClient) RecordMeterReading(ctx context.Context, id uuid.UUID, latest time.Time) error {
	return nil
}

func (s *stubClient) HandleStatusNotification(ctx context.Context, payload []byte) error {
	s.lastPayload = payload
	return s.notifyErr
}

func (s *stubClient) HandleRevocationNotification(ctx context.Context, payload []byte) error {
	s.lastPayload = payload
	return s.notifyErr
}

func (s *stubClient) RequestRetransmission(ctx context.Context, id uuid.UUID, timeframe domain.Timeframe) (<-chan broker.Outcome, error) {
	outcomes := make(chan broker.Outcome, 1)
	outcomes <- s.outcome
	return outcomes, nil
}

func (s *stubClient) Reconcile(ctx context.Context) error {
	return nil
}

func call(t *testing.T, method, path, body string, handler func(echo.Context) error, params ...string) *httptest.ResponseRecorder {
	t.Helper()
	server := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := server.NewContext(req, rec)
	for i := 0; i+1 < len(params); i += 2 {
		ctx.SetParamNames(params[i])
		ctx.SetParamValues(params[i+1])
	}
	if err := handler(ctx); err != nil {
		server.HTTPErrorHandler(err, ctx)
	}
	return rec
}

func TestWrapper_CreatePermissionRequest(t *testing.T) {
	t.Run("it accepts a complete request", func(t *testing.T) {
		client := &stubClient{created: uuid.New(), createdStatus: domain.StatusValidated}
		wrapper := Wrapper{Cl: client}

		body := `{
			"connectorId": "simulation",
			"connectionId": "conn-1",
			"dataNeedId": "need-1",
			"start": "2024-01-01T00:00:00Z",
			"end": "2024-06-30T00:00:00Z",
			"granularity": "PT15M"
		}`
		rec := call(t, http.MethodPost, "/permissions", body, wrapper.CreatePermissionRequest)
		require.Equal(t, http.StatusAccepted, rec.Code)

		response := PermissionRequestCreatedResponse{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, client.created.String(), response.PermissionID)
		assert.Equal(t, string(domain.StatusValidated), response.Status)
	})

	t.Run("it handles a missing connectorId", func(t *testing.T) {
		wrapper := Wrapper{Cl: &stubClient{}}
		rec := call(t, http.MethodPost, "/permissions",
			`{"connectionId": "conn-1", "dataNeedId": "need-1"}`, wrapper.CreatePermissionRequest)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("it handles a missing dataNeedId", func(t *testing.T) {
		wrapper := Wrapper{Cl: &stubClient{}}
		rec := call(t, http.MethodPost, "/permissions",
			`{"connectorId": "simulation", "connectionId": "conn-1"}`, wrapper.CreatePermissionRequest)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("it reports rule violations with the recorded request", func(t *testing.T) {
		id := uuid.New()
		client := &stubClient{
			created:       id,
			createdStatus: domain.StatusMalformed,
			createErr: domain.ValidationError{Errors: []domain.AttributeError{
				{Field: "start", Message: "start must not be empty"},
			}},
		}
		wrapper := Wrapper{Cl: client}

		rec := call(t, http.MethodPost, "/permissions",
			`{"connectorId": "simulation", "connectionId": "conn-1", "dataNeedId": "need-1"}`,
			wrapper.CreatePermissionRequest)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		response := ValidationFailedResponse{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, id.String(), response.PermissionID)
		assert.Equal(t, string(domain.StatusMalformed), response.Status)
		require.Len(t, response.Errors, 1)
		assert.Equal(t, "start", response.Errors[0].Field)
		assert.Equal(t, "start must not be empty", response.Errors[0].Message)
	})

	t.Run("it maps an unknown connector to 404", func(t *testing.T) {
		client := &stubClient{createErr: domain.UnknownConnectorError{Registry: "transport", ConnectorID: "fr-enedis"}}
		wrapper := Wrapper{Cl: client}
		rec := call(t, http.MethodPost, "/permissions",
			`{"connectorId": "fr-enedis", "connectionId": "conn-1", "dataNeedId": "need-1"}`,
			wrapper.CreatePermissionRequest)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestWrapper_GetPermissionRequest(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		id := uuid.New()
		request := permission.New(id)
		request.ConnectorID = "simulation"
		request.Status = domain.StatusAccepted
		request.Correlation.ConsentID = "consent-1"
		wrapper := Wrapper{Cl: &stubClient{request: request}}

		rec := call(t, http.MethodGet, "/permissions/"+id.String(), "",
			wrapper.GetPermissionRequest, "id", id.String())
		require.Equal(t, http.StatusOK, rec.Code)

		response := PermissionRequestResponse{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, id.String(), response.PermissionID)
		assert.Equal(t, "consent-1", response.ConsentID)
		assert.Equal(t, string(domain.StatusAccepted), response.Status)
	})

	t.Run("id must be a uuid", func(t *testing.T) {
		wrapper := Wrapper{Cl: &stubClient{}}
		rec := call(t, http.MethodGet, "/permissions/xyz", "",
			wrapper.GetPermissionRequest, "id", "xyz")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown permission", func(t *testing.T) {
		id := uuid.New()
		wrapper := Wrapper{Cl: &stubClient{findErr: domain.PermissionNotFoundError{PermissionID: id}}}
		rec := call(t, http.MethodGet, "/permissions/"+id.String(), "",
			wrapper.GetPermissionRequest, "id", id.String())
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestWrapper_TerminatePermission(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		id := uuid.New()
		wrapper := Wrapper{Cl: &stubClient{}}
		rec := call(t, http.MethodDelete, "/permissions/"+id.String(), "",
			wrapper.TerminatePermission, "id", id.String())
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("unknown permission", func(t *testing.T) {
		id := uuid.New()
		wrapper := Wrapper{Cl: &stubClient{findErr: domain.PermissionNotFoundError{PermissionID: id}}}
		rec := call(t, http.MethodDelete, "/permissions/"+id.String(), "",
			wrapper.TerminatePermission, "id", id.String())
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestWrapper_Notifications(t *testing.T) {
	t.Run("status notification is forwarded verbatim", func(t *testing.T) {
		client := &stubClient{}
		wrapper := Wrapper{Cl: client}
		payload := `{"kind": "ACCEPT", "conversationId": "conv-1"}`
		rec := call(t, http.MethodPost, "/notifications/status", payload, wrapper.HandleStatusNotification)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.JSONEq(t, payload, string(client.lastPayload))
	})

	t.Run("unparsable notification", func(t *testing.T) {
		client := &stubClient{notifyErr: assert.AnError}
		wrapper := Wrapper{Cl: client}
		rec := call(t, http.MethodPost, "/notifications/status", `{}`, wrapper.HandleStatusNotification)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("revocation notification", func(t *testing.T) {
		client := &stubClient{}
		wrapper := Wrapper{Cl: client}
		rec := call(t, http.MethodPost, "/notifications/revocation",
			`{"consentId": "consent-1"}`, wrapper.HandleRevocationNotification)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestWrapper_RequestRetransmission(t *testing.T) {
	window := `{"start": "2024-01-01T00:00:00Z", "end": "2024-02-01T00:00:00Z"}`

	t.Run("success", func(t *testing.T) {
		id := uuid.New()
		wrapper := Wrapper{Cl: &stubClient{outcome: broker.Outcome{Kind: broker.OutcomeSuccess}}}
		rec := call(t, http.MethodPost, "/permissions/"+id.String()+"/retransmissions",
			window, wrapper.RequestRetransmission, "id", id.String())
		require.Equal(t, http.StatusOK, rec.Code)

		response := RetransmissionResponse{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, string(broker.OutcomeSuccess), response.Outcome)
	})

	t.Run("no active permission", func(t *testing.T) {
		id := uuid.New()
		wrapper := Wrapper{Cl: &stubClient{outcome: broker.Outcome{Kind: broker.OutcomeNoActivePermission}}}
		rec := call(t, http.MethodPost, "/permissions/"+id.String()+"/retransmissions",
			window, wrapper.RequestRetransmission, "id", id.String())
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		response := RetransmissionResponse{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, string(broker.OutcomeNoActivePermission), response.Outcome)
	})
}

func TestWrapper_Reconcile(t *testing.T) {
	wrapper := Wrapper{Cl: &stubClient{}}
	rec := call(t, http.MethodPost, "/reconcile", "", wrapper.Reconcile)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
