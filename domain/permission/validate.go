package permission

import (
	"fmt"

	"github.com/gridaccess/permission-service/domain"
)

// ValidationPolicy holds the connector specific business rules checked
// before a request may be sent to the permission administrator. All
// connectors share one state machine; only their validation rules differ.
type ValidationPolicy interface {
	Validate(r *PermissionRequest) []domain.AttributeError
}

// Rules is the common rule set region connectors parameterize.
type Rules struct {
	// MaxMonthsInPast is the administrator's data retention window.
	MaxMonthsInPast int
	// RequireMeteringPoint demands a known metering point at validation
	// time (some administrators resolve it themselves).
	RequireMeteringPoint bool
	// AllowFuture permits timeframes completely in the future (live data
	// permissions); historical connectors leave it off.
	AllowFuture bool
}

func (p Rules) Validate(r *PermissionRequest) []domain.AttributeError {
	var errs []domain.AttributeError
	now := TimeNow()
	start, end := r.Timeframe.Start, r.Timeframe.End

	if start.IsZero() {
		errs = append(errs, domain.AttributeError{Field: "start", Message: "start must not be empty"})
		return errs
	}
	if !end.IsZero() && end.Before(start) {
		errs = append(errs, domain.AttributeError{Field: "start", Message: "start must be before or equal to end"})
	}
	if p.MaxMonthsInPast > 0 && start.Before(now.AddDate(0, -p.MaxMonthsInPast, 0)) {
		errs = append(errs, domain.AttributeError{
			Field:   "start",
			Message: fmt.Sprintf("start must not be older than %d months", p.MaxMonthsInPast),
		})
	}
	fullyInPast := !end.IsZero() && end.Before(now)
	fullyInFuture := start.After(now)
	if !fullyInPast && !fullyInFuture {
		errs = append(errs, domain.AttributeError{
			Field:   "end",
			Message: "start and end must be completely in the past or completely in the future",
		})
	}
	if fullyInFuture && !p.AllowFuture {
		errs = append(errs, domain.AttributeError{Field: "start", Message: "future timeframes are not supported"})
	}
	if p.RequireMeteringPoint && r.MeteringPointID == "" {
		errs = append(errs, domain.AttributeError{Field: "meteringPointId", Message: "meteringPointId is required"})
	}
	return errs
}
