// Package reconcile contains the periodic retry/timeout loop that un-sticks
// permission requests abandoned by external parties. The trigger (cron,
// scheduler, manual) lives outside; Run performs one scan.
package reconcile

import (
	"context"
	"sync"
	"time"

	eh "github.com/looplab/eventhorizon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/events"
	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/pkg/logger"
)

var (
	reconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permission_reconciled_total",
		Help: "Reconciliation transitions by source status.",
	}, []string{"from"})
	reconcileSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permission_reconcile_skipped_runs_total",
		Help: "Reconciliation runs skipped because one was already in flight.",
	})
)

// Policy holds the age thresholds after which a stuck request is acted on.
type Policy struct {
	// RetrySendAfter re-enters VALIDATED for requests stuck in
	// UNABLE_TO_SEND, causing the normal send path to retry.
	RetrySendAfter time.Duration
	// RetryTerminationAfter re-enters REQUIRES_EXTERNAL_TERMINATION for
	// requests stuck in FAILED_TO_TERMINATE.
	RetryTerminationAfter time.Duration
	// AcknowledgementTimeout forces PENDING_ACKNOWLEDGEMENT requests to
	// TIMED_OUT, stepping through SENT_TO_PERMISSION_ADMINISTRATOR to keep
	// the audit trail valid.
	AcknowledgementTimeout time.Duration
	// ResponseTimeout forces SENT_TO_PERMISSION_ADMINISTRATOR requests the
	// administrator never answered to TIMED_OUT.
	ResponseTimeout time.Duration
	// FulfillmentGrace marks ACCEPTED requests UNFULFILLABLE when the
	// timeframe ended this long ago without the data covering it.
	FulfillmentGrace time.Duration
}

// DefaultPolicy mirrors the windows the administrators publish: transport
// retries after 15 minutes, administrator silence counts as a timeout after
// two weeks.
func DefaultPolicy() Policy {
	return Policy{
		RetrySendAfter:         15 * time.Minute,
		RetryTerminationAfter:  15 * time.Minute,
		AcknowledgementTimeout: 24 * time.Hour,
		ResponseTimeout:        14 * 24 * time.Hour,
		FulfillmentGrace:       14 * 24 * time.Hour,
	}
}

type Outbox interface {
	Commit(ctx context.Context, event eh.Event) (domain.Status, error)
}

type Reconciler struct {
	repo   permission.Repository
	outbox Outbox
	policy Policy
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

func New(repo permission.Repository, outbox Outbox, policy Policy) *Reconciler {
	return &Reconciler{
		repo:     repo,
		outbox:   outbox,
		policy:   policy,
		now:      time.Now,
		inflight: map[string]*sync.Mutex{},
	}
}

// Run performs one reconciliation scan for a connector. Overlapping runs
// for the same connector do not race; the late run is skipped.
func (r *Reconciler) Run(ctx context.Context, connectorID string) error {
	guard := r.guardFor(connectorID)
	if !guard.TryLock() {
		reconcileSkips.Inc()
		logger.Logger().Warnf("reconciliation for connector %s already running, skipping", connectorID)
		return nil
	}
	defer guard.Unlock()

	stuck, err := r.repo.FindInStatus(ctx,
		domain.StatusValidated,
		domain.StatusUnableToSend,
		domain.StatusFailedToTerminate,
		domain.StatusPendingAcknowledgement,
		domain.StatusSentToPermissionAdmin,
		domain.StatusAccepted,
	)
	if err != nil {
		return err
	}

	now := r.now()
	for _, request := range stuck {
		if request.ConnectorID != connectorID {
			continue
		}
		age := now.Sub(request.Updated)
		if err := r.reconcileOne(ctx, request, age); err != nil {
			logger.Logger().WithError(err).Errorf("reconciliation of request %s failed", request.ID)
		}
	}
	return nil
}

// reconcileOne commits exactly the events a normal transition would, so a
// replay cannot tell reconciliation from organic progress.
func (r *Reconciler) reconcileOne(ctx context.Context, request *permission.PermissionRequest, age time.Duration) error {
	switch request.Status {
	case domain.StatusValidated:
		// A request still VALIDATED after the retry window means the send
		// path never picked it up (lost in a crash between commit and send).
		// Re-validating re-arms it.
		if age < r.policy.RetrySendAfter {
			return nil
		}
		reconciledTotal.WithLabelValues(string(request.Status)).Inc()
		_, err := r.outbox.Commit(ctx, r.newEvent(events.Validated, &events.ValidatedData{
			Start:       request.Timeframe.Start,
			End:         request.Timeframe.End,
			Granularity: request.Granularity,
			NeedsResend: true,
		}, request))
		return err
	case domain.StatusUnableToSend:
		if age < r.policy.RetrySendAfter {
			return nil
		}
		reconciledTotal.WithLabelValues(string(request.Status)).Inc()
		_, err := r.outbox.Commit(ctx, r.newEvent(events.Validated, &events.ValidatedData{
			Start:       request.Timeframe.Start,
			End:         request.Timeframe.End,
			Granularity: request.Granularity,
			NeedsResend: true,
		}, request))
		return err
	case domain.StatusFailedToTerminate:
		if age < r.policy.RetryTerminationAfter {
			return nil
		}
		reconciledTotal.WithLabelValues(string(request.Status)).Inc()
		_, err := r.outbox.Commit(ctx, r.newEvent(events.RequiresExternalTermination, nil, request))
		return err
	case domain.StatusPendingAcknowledgement:
		if age < r.policy.AcknowledgementTimeout {
			return nil
		}
		reconciledTotal.WithLabelValues(string(request.Status)).Inc()
		if _, err := r.outbox.Commit(ctx, r.newEvent(events.Acknowledged, nil, request)); err != nil {
			return err
		}
		_, err := r.outbox.Commit(ctx, r.newEvent(events.TimedOut, nil, request))
		return err
	case domain.StatusSentToPermissionAdmin:
		if age < r.policy.ResponseTimeout {
			return nil
		}
		reconciledTotal.WithLabelValues(string(request.Status)).Inc()
		_, err := r.outbox.Commit(ctx, r.newEvent(events.TimedOut, nil, request))
		return err
	case domain.StatusAccepted:
		end := request.Timeframe.End
		if end.IsZero() || r.now().Sub(end) < r.policy.FulfillmentGrace {
			return nil
		}
		if !request.LatestReading.Before(end) {
			// Fully covered; the fulfillment tracker missed it, fulfill now.
			reconciledTotal.WithLabelValues(string(request.Status)).Inc()
			_, err := r.outbox.Commit(ctx, r.newEvent(events.Fulfilled, nil, request))
			return err
		}
		reconciledTotal.WithLabelValues(string(request.Status)).Inc()
		_, err := r.outbox.Commit(ctx, r.newEvent(events.Unfulfillable, &events.UnfulfillableData{
			Reason: "timeframe ended without full data coverage",
		}, request))
		return err
	default:
		// A scan hit outside the mapping is a bug worth seeing, never a
		// silent drop.
		logger.Logger().Errorf("request %s in unexpected status %s during reconciliation, skipping", request.ID, request.Status)
		return nil
	}
}

func (r *Reconciler) newEvent(t eh.EventType, data eh.EventData, request *permission.PermissionRequest) eh.Event {
	return eh.NewEventForAggregate(t, data, r.now(), domain.PermissionRequestAggregateType, request.ID, 0)
}

func (r *Reconciler) guardFor(connectorID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	guard, ok := r.inflight[connectorID]
	if !ok {
		guard = &sync.Mutex{}
		r.inflight[connectorID] = guard
	}
	return guard
}
