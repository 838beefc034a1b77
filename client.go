package driftline

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Reserved user id tokens rejected by Identify and Alias. The first list is
// matched case-insensitively, the second exactly; both exist because the
// exact-match tokens are artifacts of sloppy callers ("[object Object]",
// stringified NaN) whose legitimate lowercase cousins ("nan") are fine.
var (
	reservedUserIDsFold  = []string{"anonymous_id", "user_id", "visitor_id"}
	reservedUserIDsExact = []string{"[object Object]", "0", "NaN", "none", "None", "null"}
)

func validateUserID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: user id is empty", ErrReservedUserID)
	}
	for _, tok := range reservedUserIDsFold {
		if strings.EqualFold(id, tok) {
			return fmt.Errorf("%w: %q", ErrReservedUserID, id)
		}
	}
	for _, tok := range reservedUserIDsExact {
		if id == tok {
			return fmt.Errorf("%w: %q", ErrReservedUserID, id)
		}
	}
	return nil
}

// Client is the tracking client facade. It owns the identity record and the
// event queue, gates collection on consent, and hands queued events to the
// delivery manager. All methods are safe for concurrent use.
//
// Example:
//
//	cfg := driftline.DefaultConfig().WithAPIKey("dl_live_123")
//	client, err := driftline.NewClient(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Init(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Track(ctx, "signup_completed", map[string]any{"plan": "pro"})
type Client struct {
	cfg       *Config
	log       logrus.FieldLogger
	ownLogger *logrus.Logger
	observer  Observer

	mu          sync.Mutex
	store       Store
	session     *sessionStore
	queue       *eventQueue
	requester   *requester
	dispatcher  *dispatcher
	watcher     *captureWatcher
	traits      map[string]any
	initialized bool
	closed      bool
}

// NewClient validates the configuration and builds a client. The client does
// nothing until Init is called; tracking methods before Init fail with
// ErrNotInitialized.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		observer: cfg.Observer,
		traits:   make(map[string]any),
	}
	if cfg.Logger != nil {
		c.log = cfg.Logger
	} else {
		c.ownLogger = newDefaultLogger(cfg.Debug)
		c.log = c.ownLogger
	}
	return c, nil
}

func newDefaultLogger(debug bool) *logrus.Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Init loads the identity record, wires the delivery pipeline, replays any
// pre-init command buffer, and starts auto-capture. Calling Init again on an
// initialized client is a no-op.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.initialized {
		c.mu.Unlock()
		return nil
	}

	store, err := newStore(ctx, c.cfg.Persistence, c.fallbackNotice)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.store = store
	c.session = newSessionStore(store, c.cfg.APIKey, c.cfg.Environment, c.cfg.TrackingConsent, c.log)
	c.session.load(ctx)
	c.queue = newEventQueue(c.cfg.QueueSize)
	c.requester = newRequester(c.cfg)
	c.dispatcher = newDispatcher(c.cfg, c.queue, c.requester, c.observer, c.log, c.consentGranted)
	c.initialized = true
	c.mu.Unlock()

	if c.cfg.Buffer != nil {
		c.cfg.Buffer.replay(ctx, c)
	}
	if c.cfg.AutoCapture {
		c.startAutoCapture(ctx)
	}
	return nil
}

func (c *Client) fallbackNotice(message string) {
	c.log.Warn(message)
	if c.cfg.OnStorageFallback != nil {
		c.cfg.OnStorageFallback(message)
	}
}

// consentGranted gates the delivery manager: queued events leave the process
// only under granted consent, regardless of how a drain was triggered.
func (c *Client) consentGranted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.consent() == ConsentGranted
}

func (c *Client) guardLocked() error {
	if c.closed {
		return ErrClosed
	}
	if !c.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Track records event with the given properties. The payload is stamped with
// identity, session and page context at call time, mirrored to the debug
// logger, and then sent, queued or dropped per the current consent state.
// Track never fails due to network conditions.
func (c *Client) Track(ctx context.Context, event string, properties map[string]any) error {
	ev, consent, err := c.buildTrackEvent(ctx, event, properties)
	if err != nil {
		return err
	}
	c.debugMirror(event, ev)
	c.dispatch(ev, consent)
	return nil
}

func (c *Client) buildTrackEvent(ctx context.Context, event string, properties map[string]any) (*queuedEvent, ConsentState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardLocked(); err != nil {
		return nil, "", err
	}

	// A denied track leaves the session record alone: no renewal, no
	// last-event stamp. The payload is still built for the debug mirror.
	consent := c.session.consent()
	if consent.collecting() {
		c.session.renewSessionIfNeeded(ctx)
	}

	props := make(map[string]any, len(properties)+6)
	if c.cfg.PageSource != nil {
		page := c.cfg.PageSource.Page()
		if page.URL != "" {
			props["url"] = page.URL
		}
		if page.Referrer != "" {
			props["referer"] = page.Referrer
		}
		if page.ViewportWidth > 0 {
			props["viewport_width"] = page.ViewportWidth
			props["viewport_height"] = page.ViewportHeight
		}
	}
	if c.cfg.Release != "" {
		props["release"] = c.cfg.Release
	}
	for k, v := range properties {
		props[k] = v
	}

	payload := trackPayload{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Event:       event,
		Environment: c.cfg.Environment,
		DeviceID:    c.session.deviceID(),
		DistinctID:  c.session.distinctID(),
		AnonymousID: c.session.anonymousID(),
		SessionID:   c.session.sessionID(),
		Properties:  props,
	}
	if consent.collecting() {
		c.session.touch(ctx)
	}

	body, err := marshalPayload(payload)
	if err != nil {
		return nil, "", err
	}
	return newQueuedEvent(eventTypeTrack, pathTrack, body), consent, nil
}

// Page tracks a "$pageview" event for rawURL. The query string is stripped
// from the primary url property and its parameters merged into the event
// properties. An empty rawURL uses the configured PageSource.
func (c *Client) Page(ctx context.Context, rawURL string) error {
	return c.pageEvent(ctx, rawURL, "")
}

func (c *Client) pageEvent(ctx context.Context, rawURL, referrer string) error {
	props := make(map[string]any, 4)
	if c.cfg.PageSource != nil {
		page := c.cfg.PageSource.Page()
		if rawURL == "" {
			rawURL = page.URL
		}
		if referrer == "" {
			referrer = page.Referrer
		}
		if page.ViewportWidth > 0 {
			props["viewport_width"] = page.ViewportWidth
			props["viewport_height"] = page.ViewportHeight
		}
	}

	if u, err := url.Parse(rawURL); err == nil {
		for key, values := range u.Query() {
			if len(values) > 0 {
				props[key] = values[0]
			}
		}
		u.RawQuery = ""
		props["url"] = u.String()
	} else {
		props["url"] = rawURL
	}
	if referrer != "" {
		props["referer"] = referrer
	}
	return c.Track(ctx, "$pageview", props)
}

// Identify switches the active identity to userID and sends an identify
// request carrying the current traits. Identify rejects reserved ids and
// fails loudly when the client is already identified as a different user.
func (c *Client) Identify(ctx context.Context, userID string, traits map[string]any) error {
	if err := validateUserID(userID); err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.session.identify(ctx, userID); err != nil {
		c.mu.Unlock()
		return err
	}
	for k, v := range traits {
		c.traits[k] = v
	}
	ev, consent, err := c.buildIdentifyEventLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.debugMirror("$identify", ev)
	c.dispatch(ev, consent)
	return nil
}

// UpdateTraits merges traits into the identified profile and sends an
// identify request. It fails with ErrNotIdentified when Identify was never
// called.
func (c *Client) UpdateTraits(ctx context.Context, traits map[string]any) error {
	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.session.isIdentified() {
		c.mu.Unlock()
		return ErrNotIdentified
	}
	for k, v := range traits {
		c.traits[k] = v
	}
	ev, consent, err := c.buildIdentifyEventLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.debugMirror("$identify", ev)
	c.dispatch(ev, consent)
	return nil
}

func (c *Client) buildIdentifyEventLocked() (*queuedEvent, ConsentState, error) {
	traits := make(map[string]any, len(c.traits))
	for k, v := range c.traits {
		traits[k] = v
	}
	payload := identifyPayload{
		Environment: c.cfg.Environment,
		Traits:      traits,
		DeviceID:    c.session.deviceID(),
		DistinctID:  c.session.distinctID(),
		AnonymousID: c.session.anonymousID(),
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, "", err
	}
	return newQueuedEvent(eventTypeIdentify, pathIdentify, body), c.session.consent(), nil
}

// Alias links newUserID to the current identity on the backend without
// switching the active identity locally.
func (c *Client) Alias(ctx context.Context, newUserID string) error {
	if err := validateUserID(newUserID); err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	payload := aliasPayload{
		Environment: c.cfg.Environment,
		NewUserID:   newUserID,
		DistinctID:  c.session.distinctID(),
		DeviceID:    c.session.deviceID(),
		SessionID:   c.session.sessionID(),
	}
	consent := c.session.consent()
	c.mu.Unlock()

	body, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	ev := newQueuedEvent(eventTypeAlias, pathAlias, body)
	c.debugMirror("$alias", ev)
	c.dispatch(ev, consent)
	return nil
}

// Reset returns the identity to anonymous: new distinct id, new session id,
// cleared anonymous id and traits. The device id and consent state are only
// touched when the options request it.
func (c *Client) Reset(ctx context.Context, opts ResetOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardLocked(); err != nil {
		return err
	}
	before := c.session.consent()
	c.session.reset(ctx, opts)
	c.traits = make(map[string]any)
	if after := c.session.consent(); after != before {
		c.observer.OnConsentChange(before, after)
	}
	return nil
}

// Configure live-patches the configuration. Consent changes run the consent
// state machine, persistence changes migrate the identity record, and
// auto-capture toggling installs or removes the page watcher.
func (c *Client) Configure(ctx context.Context, patch ConfigPatch) error {
	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return err
	}

	if patch.Release != nil {
		c.cfg.Release = *patch.Release
	}
	if patch.Debug != nil {
		c.cfg.Debug = *patch.Debug
		if c.ownLogger != nil {
			if *patch.Debug {
				c.ownLogger.SetLevel(logrus.DebugLevel)
			} else {
				c.ownLogger.SetLevel(logrus.WarnLevel)
			}
		}
	}
	if patch.AutoCapture != nil {
		c.cfg.AutoCapture = *patch.AutoCapture
	}
	if patch.Persistence != nil {
		store, err := newStore(ctx, *patch.Persistence, c.fallbackNotice)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if err := c.session.migrateTo(ctx, store); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("driftline: migrating persistence: %w", err)
		}
		c.store = store
		c.cfg.Persistence = *patch.Persistence
	}
	c.mu.Unlock()

	if patch.AutoCapture != nil {
		if *patch.AutoCapture {
			c.mu.Lock()
			started := c.watcher != nil
			c.mu.Unlock()
			if !started {
				c.installWatcher()
			}
		} else {
			c.removeWatcher()
		}
	}
	if patch.TrackingConsent != nil {
		if err := c.applyConsent(ctx, *patch.TrackingConsent); err != nil {
			return err
		}
	}
	return nil
}

// applyConsent runs the consent state machine. Granting flushes the queue to
// the delivery manager immediately, in original order; denying clears it and
// stops collection. Moving back to pending or dismissed has no retroactive
// effect.
func (c *Client) applyConsent(ctx context.Context, state ConsentState) error {
	if !state.valid() {
		return fmt.Errorf("driftline: invalid consent state %q", state)
	}

	c.mu.Lock()
	old := c.session.consent()
	if old == state {
		c.mu.Unlock()
		return nil
	}
	c.session.setConsent(ctx, state)
	c.mu.Unlock()

	c.observer.OnConsentChange(old, state)
	switch state {
	case ConsentGranted:
		c.dispatcher.flush()
	case ConsentDenied:
		for _, ev := range c.queue.flush() {
			c.observer.OnEventDropped(string(ev.Type), "consent_denied")
		}
	}
	return nil
}

// Flush bypasses the delivery delay and drains the queue immediately.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	d := c.dispatcher
	c.mu.Unlock()

	d.flush()
	return nil
}

// Close stops auto-capture and the delivery manager and releases resources.
// Close is idempotent; in-flight requests are not aborted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	watcher := c.watcher
	c.watcher = nil
	d := c.dispatcher
	c.mu.Unlock()

	if watcher != nil {
		watcher.stopWatching()
	}
	if d != nil {
		d.destroy()
	}
	return nil
}

// DistinctID returns the currently active identity value.
func (c *Client) DistinctID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.distinctID()
}

// DeviceID returns the stable per-device identifier.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.deviceID()
}

// SessionID returns the current session identifier.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.sessionID()
}

// AnonymousID returns the visitor id captured at the moment of
// identification, or nil while anonymous.
func (c *Client) AnonymousID() *string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.anonymousID()
}

// IsIdentified reports whether Identify has been called for this identity.
func (c *Client) IsIdentified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.isIdentified()
}

// Consent returns the current consent state.
func (c *Client) Consent() ConsentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return c.cfg.TrackingConsent
	}
	return c.session.consent()
}

// dispatch routes a stamped event per the consent state: granted events are
// queued and the delivery manager notified, pending and dismissed events are
// queued to await a decision, denied events are discarded.
func (c *Client) dispatch(ev *queuedEvent, consent ConsentState) {
	if !consent.collecting() {
		return
	}
	if evicted := c.queue.enqueue(ev); evicted != nil {
		c.log.WithFields(logrus.Fields{
			"event_id":   evicted.ID,
			"event_type": evicted.Type,
		}).Warn("event queue full; evicted oldest event")
		c.observer.OnEventDropped(string(evicted.Type), "queue_overflow")
	}
	if consent == ConsentGranted {
		c.dispatcher.notify()
	}
}

// debugMirror logs the stamped payload when Debug is on, regardless of
// consent state.
func (c *Client) debugMirror(name string, ev *queuedEvent) {
	if !c.cfg.Debug {
		return
	}
	c.log.WithFields(logrus.Fields{
		"event":   name,
		"path":    ev.Path,
		"payload": string(ev.Body),
	}).Debug("event")
}

func (c *Client) startAutoCapture(ctx context.Context) {
	if c.cfg.PageSource == nil {
		return
	}
	c.installWatcher()
	if err := c.pageEvent(ctx, "", ""); err != nil {
		c.log.WithError(err).Warn("initial page view failed")
	}
}

func (c *Client) installWatcher() {
	if c.cfg.PageSource == nil {
		return
	}
	c.mu.Lock()
	if c.watcher == nil {
		c.watcher = newCaptureWatcher(c.cfg.PageSource, c.cfg.CaptureInterval, func(pageURL, referrer string) {
			if err := c.pageEvent(context.Background(), pageURL, referrer); err != nil {
				c.log.WithError(err).Warn("auto-captured page view failed")
			}
		})
	}
	w := c.watcher
	c.mu.Unlock()
	w.start()
}

func (c *Client) removeWatcher() {
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	if w != nil {
		w.stopWatching()
	}
}
