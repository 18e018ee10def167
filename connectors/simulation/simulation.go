// Package simulation is a self-contained region connector for development
// and tests. It plays both sides of the wire: outbound requests are answered
// by a scripted permission administrator whose replies are rendered from
// document templates and fed back through the regular notification path.
package simulation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/handlers"
	"github.com/gridaccess/permission-service/pkg/logger"
)

const ConnectorID = "simulation"

// Metering point prefixes that script the administrator's reply. Anything
// else is accepted.
const (
	RejectPrefix         = "SIM-REJECT"
	TimeoutPrefix        = "SIM-TIMEOUT"
	NotDeliverablePrefix = "SIM-NODATA"
	SilencePrefix        = "SIM-SILENT"
)

// Notifier receives the administrator's replies; in a deployment this is the
// permission service itself.
type Notifier interface {
	HandleStatusNotification(ctx context.Context, payload []byte) error
}

// Connector simulates a permission administrator and a metered data
// administrator behind one transport.
type Connector struct {
	notifier Notifier

	mu        sync.Mutex
	dataNeeds map[string]handlers.DataNeedCalculation
	consents  int
}

func New(notifier Notifier) *Connector {
	return &Connector{
		notifier:  notifier,
		dataNeeds: map[string]handlers.DataNeedCalculation{},
	}
}

// ValidationPolicy returns the rule set the simulated administrator
// enforces: a three year retention window, future permissions allowed.
func (c *Connector) ValidationPolicy() permission.ValidationPolicy {
	return permission.Rules{
		MaxMonthsInPast: 36,
		AllowFuture:     true,
	}
}

// RegisterDataNeed scripts what the simulated data need service answers.
func (c *Connector) RegisterDataNeed(dataNeedID string, calculation handlers.DataNeedCalculation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataNeeds[dataNeedID] = calculation
}

func (c *Connector) Calculate(ctx context.Context, dataNeedID string) (handlers.DataNeedCalculation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	calculation, ok := c.dataNeeds[dataNeedID]
	if !ok {
		return handlers.DataNeedCalculation{}, domain.DataNeedNotFoundError{DataNeedID: dataNeedID}
	}
	return calculation, nil
}

// SendPermissionRequest assigns correlation ids and schedules the scripted
// administrator reply. The reply arrives on a separate goroutine, the same
// way a broker delivery would.
func (c *Connector) SendPermissionRequest(ctx context.Context, request *permission.PermissionRequest) (string, string, error) {
	conversationID := uuid.New().String()
	messageID := uuid.New().String()

	if strings.HasPrefix(request.MeteringPointID, SilencePrefix) {
		// The administrator never answers; reconciliation has to time the
		// request out.
		return conversationID, messageID, nil
	}

	reply, err := c.scriptedReply(request, conversationID, messageID)
	if err != nil {
		return "", "", err
	}
	go c.deliver(reply)
	return conversationID, messageID, nil
}

func (c *Connector) SendTerminationRequest(ctx context.Context, request *permission.PermissionRequest) error {
	reply, err := renderStatus(statusView{
		Kind:           string(handlers.KindTerminationAnswer),
		ConversationID: request.Correlation.ConversationID,
		MessageID:      request.Correlation.MessageID,
		Consents: []consentView{{
			ConsentID:       request.Correlation.ConsentID,
			MeteringPointID: request.MeteringPointID,
			Code:            handlers.CodeTerminationSuccessful,
		}},
	})
	if err != nil {
		return err
	}
	go c.deliver(reply)
	return nil
}

// RequestHistoricalData always succeeds in the simulation; the broker learns
// the result through HandleResult, which deployments wire to the inbound
// channel. Here the caller resolves it directly.
func (c *Connector) RequestHistoricalData(ctx context.Context, request *permission.PermissionRequest, messageID string, timeframe domain.Timeframe) error {
	logger.Logger().Debugf("simulated retransmission %s for request %s (%s to %s)",
		messageID, request.ID, timeframe.Start.Format(time.RFC3339), timeframe.End.Format(time.RFC3339))
	return nil
}

func (c *Connector) scriptedReply(request *permission.PermissionRequest, conversationID, messageID string) (string, error) {
	view := statusView{
		ConversationID: conversationID,
		MessageID:      messageID,
	}
	consent := consentView{MeteringPointID: request.MeteringPointID}

	switch {
	case strings.HasPrefix(request.MeteringPointID, RejectPrefix):
		view.Kind = string(handlers.KindReject)
		consent.Code = handlers.CodeRejected
	case strings.HasPrefix(request.MeteringPointID, TimeoutPrefix):
		view.Kind = string(handlers.KindReject)
		consent.Code = handlers.CodeTimeout
	case strings.HasPrefix(request.MeteringPointID, NotDeliverablePrefix):
		view.Kind = string(handlers.KindReject)
		consent.Code = handlers.CodeDataNotDeliverable
	default:
		view.Kind = string(handlers.KindAccept)
		consentID, number := c.nextConsentID()
		consent.ConsentID = consentID
		consent.Code = handlers.CodeAccepted
		if consent.MeteringPointID == "" {
			// The simulated administrator resolves unknown metering points.
			consent.MeteringPointID = fmt.Sprintf("SIM-MP-%06d", number)
		}
	}
	view.Consents = []consentView{consent}
	return renderStatus(view)
}

func (c *Connector) deliver(payload string) {
	// Answer first, then the verdict, mirroring the two-step protocol of the
	// real administrators.
	answer, err := renderStatus(statusView{
		Kind:           string(handlers.KindAnswer),
		ConversationID: gjsonField(payload, "conversationId"),
		MessageID:      gjsonField(payload, "messageId"),
	})
	if err == nil {
		if err := c.notifier.HandleStatusNotification(context.Background(), []byte(answer)); err != nil {
			logger.Logger().WithError(err).Error("simulated answer delivery failed")
		}
	}
	if err := c.notifier.HandleStatusNotification(context.Background(), []byte(payload)); err != nil {
		logger.Logger().WithError(err).Error("simulated status delivery failed")
	}
}

func (c *Connector) nextConsentID() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consents++
	return fmt.Sprintf("SIM-CONSENT-%06d", c.consents), c.consents
}
