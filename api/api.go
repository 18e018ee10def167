package api

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/gridaccess/permission-service/broker"
	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/pkg"
)

// Wrapper provides the HTTP surface on top of the permission service.
type Wrapper struct {
	Cl pkg.PermissionServiceClient
}

func RegisterHandlers(server *echo.Echo, wrapper Wrapper) {
	server.POST("/permissions", wrapper.CreatePermissionRequest)
	server.GET("/permissions/:id", wrapper.GetPermissionRequest)
	server.DELETE("/permissions/:id", wrapper.TerminatePermission)
	server.POST("/permissions/:id/retransmissions", wrapper.RequestRetransmission)
	server.POST("/notifications/status", wrapper.HandleStatusNotification)
	server.POST("/notifications/revocation", wrapper.HandleRevocationNotification)
	server.POST("/reconcile", wrapper.Reconcile)
}

// CreatePermissionRequestBody is the inbound JSON of POST /permissions.
type CreatePermissionRequestBody struct {
	ConnectorID                string    `json:"connectorId"`
	ConnectionID               string    `json:"connectionId"`
	DataNeedID                 string    `json:"dataNeedId"`
	MeteringPointID            string    `json:"meteringPointId"`
	MeteredDataAdministratorID string    `json:"meteredDataAdministratorId"`
	PermissionAdministratorID  string    `json:"permissionAdministratorId"`
	Start                      time.Time `json:"start"`
	End                        time.Time `json:"end"`
	Granularity                string    `json:"granularity"`
}

type PermissionRequestCreatedResponse struct {
	PermissionID string `json:"permissionId"`
	Status       string `json:"status"`
}

type AttributeErrorResponse struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationFailedResponse is returned when a request is recorded as
// MALFORMED; it carries the id of the recorded request and every rule
// violation.
type ValidationFailedResponse struct {
	PermissionID string                   `json:"permissionId"`
	Status       string                   `json:"status"`
	Errors       []AttributeErrorResponse `json:"errors"`
}

type PermissionRequestResponse struct {
	PermissionID    string    `json:"permissionId"`
	ConnectorID     string    `json:"connectorId"`
	ConnectionID    string    `json:"connectionId"`
	DataNeedID      string    `json:"dataNeedId"`
	MeteringPointID string    `json:"meteringPointId,omitempty"`
	ConsentID       string    `json:"consentId,omitempty"`
	Status          string    `json:"status"`
	Message         string    `json:"message,omitempty"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end,omitempty"`
	Granularity     string    `json:"granularity,omitempty"`
}

func (wrapper Wrapper) CreatePermissionRequest(ctx echo.Context) error {
	body := &CreatePermissionRequestBody{}
	if err := ctx.Bind(body); err != nil {
		ctx.Logger().Error("Could not unmarshal json body:", err)
		return err
	}
	if body.ConnectorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "the request requires a connectorId")
	}
	if body.ConnectionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "the request requires a connectionId")
	}
	if body.DataNeedID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "the request requires a dataNeedId")
	}

	id, status, err := wrapper.Cl.CreatePermissionRequest(ctx.Request().Context(), pkg.CreatePermissionRequest{
		ConnectorID:     body.ConnectorID,
		ConnectionID:    body.ConnectionID,
		DataNeedID:      body.DataNeedID,
		MeteringPointID: body.MeteringPointID,
		DataSource: domain.DataSourceInformation{
			MeteredDataAdministratorID: body.MeteredDataAdministratorID,
			PermissionAdministratorID:  body.PermissionAdministratorID,
		},
		Start:       body.Start,
		End:         body.End,
		Granularity: domain.Granularity(body.Granularity),
	})
	if err != nil {
		if _, ok := err.(domain.UnknownConnectorError); ok {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		if verr, ok := err.(domain.ValidationError); ok {
			response := ValidationFailedResponse{
				PermissionID: id.String(),
				Status:       string(status),
			}
			for _, attr := range verr.Errors {
				response.Errors = append(response.Errors, AttributeErrorResponse{
					Field: attr.Field, Message: attr.Message,
				})
			}
			return ctx.JSON(http.StatusBadRequest, response)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return ctx.JSON(http.StatusAccepted, PermissionRequestCreatedResponse{
		PermissionID: id.String(),
		Status:       string(status),
	})
}

func (wrapper Wrapper) GetPermissionRequest(ctx echo.Context) error {
	id, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a uuid")
	}
	request, err := wrapper.Cl.GetPermissionRequest(ctx.Request().Context(), id)
	if err != nil {
		if _, ok := err.(domain.PermissionNotFoundError); ok {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return ctx.JSON(http.StatusOK, PermissionRequestResponse{
		PermissionID:    request.ID.String(),
		ConnectorID:     request.ConnectorID,
		ConnectionID:    request.ConnectionID,
		DataNeedID:      request.DataNeedID,
		MeteringPointID: request.MeteringPointID,
		ConsentID:       request.Correlation.ConsentID,
		Status:          string(request.Status),
		Message:         request.Message,
		Start:           request.Timeframe.Start,
		End:             request.Timeframe.End,
		Granularity:     string(request.Granularity),
	})
}

func (wrapper Wrapper) TerminatePermission(ctx echo.Context) error {
	id, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a uuid")
	}
	status, err := wrapper.Cl.TerminatePermission(ctx.Request().Context(), id)
	if err != nil {
		if _, ok := err.(domain.PermissionNotFoundError); ok {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return ctx.JSON(http.StatusAccepted, map[string]string{"status": string(status)})
}

// RetransmissionBody bounds the timeframe of the historical data to resend.
type RetransmissionBody struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type RetransmissionResponse struct {
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

func (wrapper Wrapper) RequestRetransmission(ctx echo.Context) error {
	id, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a uuid")
	}
	body := &RetransmissionBody{}
	if err := ctx.Bind(body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	outcomes, err := wrapper.Cl.RequestRetransmission(ctx.Request().Context(),
		id, domain.Timeframe{Start: body.Start, End: body.End})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	select {
	case outcome := <-outcomes:
		status := http.StatusOK
		if outcome.Kind != broker.OutcomeSuccess {
			status = http.StatusUnprocessableEntity
		}
		return ctx.JSON(status, RetransmissionResponse{
			Outcome: string(outcome.Kind),
			Detail:  outcome.Detail,
		})
	case <-ctx.Request().Context().Done():
		return ctx.Request().Context().Err()
	}
}

func (wrapper Wrapper) HandleStatusNotification(ctx echo.Context) error {
	payload, err := readBody(ctx)
	if err != nil {
		return err
	}
	if err := wrapper.Cl.HandleStatusNotification(ctx.Request().Context(), payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (wrapper Wrapper) HandleRevocationNotification(ctx echo.Context) error {
	payload, err := readBody(ctx)
	if err != nil {
		return err
	}
	if err := wrapper.Cl.HandleRevocationNotification(ctx.Request().Context(), payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (wrapper Wrapper) Reconcile(ctx echo.Context) error {
	if err := wrapper.Cl.Reconcile(ctx.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return ctx.NoContent(http.StatusNoContent)
}

func readBody(ctx echo.Context) ([]byte, error) {
	payload, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return payload, nil
}
