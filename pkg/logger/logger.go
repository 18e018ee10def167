package logger

import (
	"context"

	eh "github.com/looplab/eventhorizon"
	"github.com/sirupsen/logrus"
)

func Logger() *logrus.Entry {
	return logrus.StandardLogger().WithField("module", "permission-service")
}

// EventLogger is an outbox subscriber that traces every committed event.
type EventLogger struct{}

func (e EventLogger) HandlerType() eh.EventHandlerType {
	return eh.EventHandlerType("EventLogger")
}

func (e EventLogger) HandleEvent(ctx context.Context, event eh.Event) error {
	Logger().Debugf("[Eventlogger]: %+v", event)
	return nil
}
