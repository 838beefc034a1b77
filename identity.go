package driftline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ConsentState gates whether tracked events are sent, queued or dropped.
type ConsentState string

const (
	// ConsentPending queues events until consent is decided.
	ConsentPending ConsentState = "pending"
	// ConsentGranted sends events immediately.
	ConsentGranted ConsentState = "granted"
	// ConsentDenied drops events and clears anything queued.
	ConsentDenied ConsentState = "denied"
	// ConsentDismissed queues events like pending; the prompt was dismissed
	// without a decision.
	ConsentDismissed ConsentState = "dismissed"
)

func (c ConsentState) valid() bool {
	switch c {
	case ConsentPending, ConsentGranted, ConsentDenied, ConsentDismissed:
		return true
	}
	return false
}

// collecting reports whether events may be queued or sent in this state.
func (c ConsentState) collecting() bool {
	return c != ConsentDenied
}

// sessionExpiration is the idle gap after which the session id rotates.
const sessionExpiration = 30 * time.Minute

// storageKeyPrefix namespaces the persisted identity record.
const storageKeyPrefix = "driftline"

// storageKey derives the persisted-record key for an (apiKey, environment)
// pair. Exactly one identity record exists per pair.
func storageKey(apiKey, environment string) string {
	return fmt.Sprintf("%s.%s.%s", storageKeyPrefix, apiKey, environment)
}

// identityRecord is the durable identity state, persisted as one JSON blob
// per (apiKey, environment) namespace.
type identityRecord struct {
	// DeviceID is a stable per-device identifier. It survives Identify and
	// Reset unless explicitly rotated.
	DeviceID string `json:"device_id"`
	// DistinctID is the currently active identity: a generated visitor id
	// until Identify, then the application-supplied user id.
	DistinctID string `json:"distinct_id"`
	// AnonymousID is the prior DistinctID captured at the moment of first
	// identification. It is nil exactly while anonymous.
	AnonymousID *string `json:"anonymous_id"`
	// SessionID rotates when the idle gap since LastEventAt exceeds the
	// session expiration.
	SessionID string `json:"session_id"`
	// LastEventAt is the time of the most recent tracked event.
	LastEventAt *time.Time `json:"last_event_at"`
	// TrackingConsent is the last applied consent state.
	TrackingConsent ConsentState `json:"tracking_consent"`
}

func newID() string {
	return uuid.NewString()
}

func freshRecord(defaultConsent ConsentState) identityRecord {
	return identityRecord{
		DeviceID:        newID(),
		DistinctID:      newID(),
		AnonymousID:     nil,
		SessionID:       newID(),
		LastEventAt:     nil,
		TrackingConsent: defaultConsent,
	}
}

// sessionStore owns the identity record and decides when the session renews.
// All mutation happens through it, and every mutation is persisted. Storage
// failures degrade to a logged warning; the in-memory record stays
// authoritative for the life of the process.
type sessionStore struct {
	store          Store
	key            string
	defaultConsent ConsentState
	log            logrus.FieldLogger
	now            func() time.Time

	rec identityRecord
}

func newSessionStore(store Store, apiKey, environment string, defaultConsent ConsentState, log logrus.FieldLogger) *sessionStore {
	return &sessionStore{
		store:          store,
		key:            storageKey(apiKey, environment),
		defaultConsent: defaultConsent,
		log:            log,
		now:            time.Now,
	}
}

// load reads the persisted record. A parse failure is recoverable: it logs a
// warning and resets to a freshly generated record. The record is persisted
// after every load so a fresh install writes its identity immediately.
func (s *sessionStore) load(ctx context.Context) {
	raw, ok, err := s.store.GetItem(ctx, s.key)
	if err != nil {
		s.log.WithError(err).Warn("failed to read identity record; starting fresh")
	}
	if ok && err == nil {
		var rec identityRecord
		if uerr := json.Unmarshal([]byte(raw), &rec); uerr == nil && rec.DeviceID != "" {
			if !rec.TrackingConsent.valid() {
				rec.TrackingConsent = s.defaultConsent
			}
			s.rec = rec
			s.persist(ctx)
			return
		}
		s.log.WithField("key", s.key).Warn("persisted identity record is malformed; resetting")
	}
	s.rec = freshRecord(s.defaultConsent)
	s.persist(ctx)
}

func (s *sessionStore) persist(ctx context.Context) {
	data, err := json.Marshal(s.rec)
	if err != nil {
		s.log.WithError(err).Warn("failed to encode identity record")
		return
	}
	if err := s.store.SetItem(ctx, s.key, string(data)); err != nil {
		s.log.WithError(err).Warn("failed to persist identity record")
	}
}

// identify switches the active identity to userID. Calling it while already
// identified as a different user is a programming error; silent identity
// merges are worse than a loud failure.
func (s *sessionStore) identify(ctx context.Context, userID string) error {
	if s.rec.AnonymousID != nil {
		if s.rec.DistinctID == userID {
			return nil
		}
		return fmt.Errorf("%w as %q, cannot identify as %q: call Reset to start a new identity or Alias to link ids",
			ErrAlreadyIdentified, s.rec.DistinctID, userID)
	}
	prior := s.rec.DistinctID
	s.rec.AnonymousID = &prior
	s.rec.DistinctID = userID
	s.persist(ctx)
	return nil
}

// renewSessionIfNeeded rotates the session id when the idle gap since the
// last event exceeds the expiration threshold. Rotation never touches
// DistinctID or AnonymousID. It must be called before stamping every
// outbound event.
func (s *sessionStore) renewSessionIfNeeded(ctx context.Context) bool {
	if s.rec.LastEventAt != nil && s.now().Sub(*s.rec.LastEventAt) <= sessionExpiration {
		return false
	}
	s.rec.SessionID = newID()
	s.rec.LastEventAt = nil
	s.persist(ctx)
	return true
}

// touch records that an event was just stamped, driving future renewal.
func (s *sessionStore) touch(ctx context.Context) {
	now := s.now()
	s.rec.LastEventAt = &now
	s.persist(ctx)
}

// ResetOptions controls what Reset regenerates beyond the distinct and
// session ids.
type ResetOptions struct {
	// ResetDeviceID also rotates the stable device identifier.
	ResetDeviceID bool
	// ResetTrackingConsent restores the configured default consent state.
	ResetTrackingConsent bool
}

// reset returns the record to anonymous: new distinct id, new session id,
// cleared anonymous id and last-event time. Device id and consent are only
// touched when requested.
func (s *sessionStore) reset(ctx context.Context, opts ResetOptions) {
	s.rec.DistinctID = newID()
	s.rec.SessionID = newID()
	s.rec.AnonymousID = nil
	s.rec.LastEventAt = nil
	if opts.ResetDeviceID {
		s.rec.DeviceID = newID()
	}
	if opts.ResetTrackingConsent {
		s.rec.TrackingConsent = s.defaultConsent
	}
	s.persist(ctx)
}

func (s *sessionStore) setConsent(ctx context.Context, state ConsentState) {
	s.rec.TrackingConsent = state
	s.persist(ctx)
}

func (s *sessionStore) deviceID() string    { return s.rec.DeviceID }
func (s *sessionStore) distinctID() string  { return s.rec.DistinctID }
func (s *sessionStore) sessionID() string   { return s.rec.SessionID }
func (s *sessionStore) consent() ConsentState { return s.rec.TrackingConsent }

// anonymousID returns a copy so callers cannot mutate the record through the
// pointer.
func (s *sessionStore) anonymousID() *string {
	if s.rec.AnonymousID == nil {
		return nil
	}
	v := *s.rec.AnonymousID
	return &v
}

func (s *sessionStore) isIdentified() bool { return s.rec.AnonymousID != nil }

// migrateTo copies the persisted record into a new backend and adopts it.
func (s *sessionStore) migrateTo(ctx context.Context, dst Store) error {
	if err := dst.Migrate(ctx, s.store, []string{s.key}); err != nil {
		return err
	}
	s.store = dst
	return nil
}
