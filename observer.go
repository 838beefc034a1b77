package driftline

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Observer provides hooks into the delivery pipeline. Implement it to feed
// your observability stack; methods must be fast and non-blocking.
type Observer interface {
	// OnSendStart is called when a delivery attempt begins.
	OnSendStart(path string, events int)

	// OnSendEnd is called when a delivery attempt completes.
	// err is nil on success.
	OnSendEnd(path string, events int, duration time.Duration, err error)

	// OnRetry is called when a failed event is scheduled for another
	// attempt. attempt counts from 1, delay is the backoff before it runs.
	OnRetry(path string, attempt int, delay time.Duration, err error)

	// OnEventDropped is called exactly once per event that leaves the
	// pipeline without being delivered: retry exhaustion, a non-retryable
	// error, consent denial, or queue overflow eviction.
	OnEventDropped(eventType, reason string)

	// OnConsentChange is called when the consent state machine transitions.
	OnConsentChange(from, to ConsentState)
}

// NoopObserver is the default Observer; every hook does nothing.
type NoopObserver struct{}

// OnSendStart does nothing.
func (NoopObserver) OnSendStart(path string, events int) {}

// OnSendEnd does nothing.
func (NoopObserver) OnSendEnd(path string, events int, duration time.Duration, err error) {}

// OnRetry does nothing.
func (NoopObserver) OnRetry(path string, attempt int, delay time.Duration, err error) {}

// OnEventDropped does nothing.
func (NoopObserver) OnEventDropped(eventType, reason string) {}

// OnConsentChange does nothing.
func (NoopObserver) OnConsentChange(from, to ConsentState) {}

// LogObserver writes pipeline events to a logrus logger: sends at debug
// level, retries and drops at warn.
type LogObserver struct {
	Logger logrus.FieldLogger
}

// OnSendStart logs the start of a delivery attempt.
func (o *LogObserver) OnSendStart(path string, events int) {
	o.Logger.WithFields(logrus.Fields{"path": path, "events": events}).Debug("send start")
}

// OnSendEnd logs a completed delivery attempt.
func (o *LogObserver) OnSendEnd(path string, events int, duration time.Duration, err error) {
	entry := o.Logger.WithFields(logrus.Fields{"path": path, "events": events, "duration": duration})
	if err != nil {
		entry.WithError(err).Debug("send failed")
		return
	}
	entry.Debug("send ok")
}

// OnRetry logs a scheduled retry.
func (o *LogObserver) OnRetry(path string, attempt int, delay time.Duration, err error) {
	o.Logger.WithFields(logrus.Fields{"path": path, "attempt": attempt, "delay": delay}).
		WithError(err).Warn("retrying event delivery")
}

// OnEventDropped logs a dropped event.
func (o *LogObserver) OnEventDropped(eventType, reason string) {
	o.Logger.WithFields(logrus.Fields{"event_type": eventType, "reason": reason}).
		Warn("event dropped")
}

// OnConsentChange logs a consent transition.
func (o *LogObserver) OnConsentChange(from, to ConsentState) {
	o.Logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("consent changed")
}
