// Package session implements the Device Sync session of a File: a
// long-lived loop which uploads local changesets, downloads and applies
// server changesets, keeps flexible-sync subscription sets in step with the
// service, and recovers from client resets.
//
// A Session moves through States:
//
//	Inactive -> Active <-> Dying -> Inactive
//	Active -> WaitingForAccessToken -> Active
//
// Pause forces Inactive, and Resume forces Active. Close enters Dying, which
// finishes outstanding uploads before the Session becomes Inactive.
package session

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.strata.dev/core/changeset"
	"go.strata.dev/core/codecs"
	"go.strata.dev/core/metrics"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/object"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/subscription"
	"golang.org/x/sync/semaphore"
)

// State of a Session.
type State int

const (
	Inactive State = iota
	Active
	Dying
	WaitingForAccessToken
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Dying:
		return "dying"
	case WaitingForAccessToken:
		return "waiting_for_access_token"
	}
	return "unknown"
}

// ConnectionState of a Session with the service.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (c ConnectionState) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Progress of a Session's transfers.
type Progress struct {
	UploadedBytes   uint64
	UploadableBytes uint64
	DownloadedBytes uint64
}

// Config of a Session.
type Config struct {
	// BaseURL of the sync service.
	BaseURL string
	// Transport to the service. Defaults to an HTTPTransport.
	Transport Transport
	// User whose access tokens authorize the Session.
	User *User
	// Schema of the File.
	Schema *schema.Schema
	// Flexible selects subscription-based sync. Otherwise, the Session
	// synchronizes the objects of Partition.
	Flexible  bool
	Partition string
	// Reset configures the handling of client resets.
	Reset ResetConfig
	// ErrorHandler is notified of errors of the Session.
	ErrorHandler ErrorHandler
	// Codec of request and response bodies.
	Codec codecs.Codec
	// BatchSize is the number of changesets per request. Default 64.
	BatchSize int
	// PollInterval between downloads absent other activity. Default 1s.
	PollInterval time.Duration
	// EncryptionKey of the File, used to write recovery copies.
	EncryptionKey []byte
}

// Validate returns an error if the Config is invalid.
func (c *Config) Validate() error {
	if _, err := url.Parse(c.BaseURL); err != nil || c.BaseURL == "" {
		return errors.Errorf("invalid BaseURL %q", c.BaseURL)
	} else if c.User == nil {
		return errors.New("expected User")
	} else if c.Schema == nil {
		return errors.New("expected Schema")
	} else if c.Flexible && c.Partition != "" {
		return errors.New("flexible sync does not use a Partition")
	} else if c.Flexible && c.Reset.Strategy == DiscardUnsynced {
		return errors.Errorf("flexible sync does not support the %s client reset strategy", c.Reset.Strategy)
	} else if err := c.Codec.Validate(); err != nil {
		return err
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Transport == nil {
		c.Transport = HTTPTransport{}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
}

// Session synchronizes a File with the sync service.
type Session struct {
	cfg  Config
	m    *mvcc.Manager
	subs *subscription.Manager
	ep   endpoint

	uploadSem   *semaphore.Weighted
	downloadSem *semaphore.Weighted
	kickCh      chan struct{}

	mu       sync.Mutex
	state    State
	conn     ConnectionState
	md       metadata
	acked    uint64 // Local version through which changes are uploaded.
	queries  uint64 // QuerySet version sent to the service.
	started  uint64 // Download rounds started.
	caughtUp uint64 // Most recent download round which caught up.
	progress Progress
	err      error
	changeCh chan struct{}
	cancel   context.CancelFunc
	doneCh   chan struct{}
	closed   bool
}

// New returns an Inactive Session of Manager |m|. |subs| is required for
// flexible sync, and ignored otherwise.
func New(ctx context.Context, m *mvcc.Manager, subs *subscription.Manager, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	} else if cfg.Flexible && subs == nil {
		return nil, errors.New("flexible sync requires a subscription.Manager")
	}
	cfg.setDefaults()

	var md, err = initMetadata(ctx, m)
	if err != nil {
		return nil, errors.WithMessage(err, "loading sync metadata")
	}
	if !cfg.Flexible {
		subs = nil
	}
	return &Session{
		cfg:         cfg,
		m:           m,
		subs:        subs,
		ep:          endpoint{transport: cfg.Transport, baseURL: cfg.BaseURL, codec: cfg.Codec},
		uploadSem:   semaphore.NewWeighted(1),
		downloadSem: semaphore.NewWeighted(1),
		kickCh:      make(chan struct{}, 1),
		md:          md,
		changeCh:    make(chan struct{}),
	}, nil
}

// ClientID is the durable identity of the File with the service.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md.ClientID
}

// State of the Session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionState of the Session.
func (s *Session) ConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Progress of the Session.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Err returns the most recent error of the Session, which is cleared by
// the next successful exchange with the service.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Changes returns a channel which is closed upon the next change of the
// Session's state or progress.
func (s *Session) Changes() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changeCh
}

// Resume an Inactive or Dying Session, making it Active.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	switch s.state {
	case Dying:
		s.setStateLocked(Active)
		return
	case Inactive:
	default:
		return
	}
	var ctx, cancel = context.WithCancel(context.Background())
	s.cancel, s.doneCh = cancel, make(chan struct{})
	s.conn = Connecting
	s.setStateLocked(Active)

	go s.serve(ctx, s.doneCh)
}

// Pause the Session, making it Inactive. Pause blocks until the Session's
// loop has exited.
func (s *Session) Pause() {
	s.mu.Lock()
	var cancel, done = s.cancel, s.doneCh
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Close the Session. An Active Session becomes Dying, and uploads local
// changes until it's caught up or |ctx| is Done, after which it's Inactive.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	var running, done = s.cancel != nil, s.doneCh
	if running && s.state != Dying {
		s.setStateLocked(Dying)
	}
	s.mu.Unlock()
	s.kick()

	var err error
	if running {
		select {
		case <-done:
		case <-ctx.Done():
			err = errors.WithMessage(ctx.Err(), "finishing uploads")
		}
	}
	s.Pause()

	s.mu.Lock()
	s.closed = true
	s.notifyLocked()
	s.mu.Unlock()

	return err
}

// UploadAllLocalChanges blocks until every local change committed before the
// call has been acknowledged by the service. It returns false if |timeout|
// elapses first, in which case uploads continue in the background.
// Concurrent callers queue.
func (s *Session) UploadAllLocalChanges(ctx context.Context, timeout time.Duration) (bool, error) {
	return s.wait(ctx, timeout, s.uploadSem, func() func() bool {
		var target = s.m.Latest().Number
		return func() bool { return s.acked >= target }
	})
}

// DownloadAllServerChanges blocks until a download which began after the
// call has caught up with the service. It returns false if |timeout|
// elapses first, in which case downloads continue in the background.
// Concurrent callers queue.
func (s *Session) DownloadAllServerChanges(ctx context.Context, timeout time.Duration) (bool, error) {
	return s.wait(ctx, timeout, s.downloadSem, func() func() bool {
		s.mu.Lock()
		var round = s.started
		s.mu.Unlock()
		return func() bool { return s.caughtUp > round }
	})
}

func (s *Session) wait(ctx context.Context, timeout time.Duration, sem *semaphore.Weighted, begin func() func() bool) (bool, error) {
	if timeout <= 0 {
		return false, errors.WithMessagef(ErrInvalidTimeout, "got %s", timeout)
	}
	var waitCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := sem.Acquire(waitCtx, 1); err != nil {
		return false, ctx.Err()
	}
	defer sem.Release(1)

	var done = begin()
	s.kick()

	for {
		s.mu.Lock()
		var ok, closed, ch = done(), s.closed, s.changeCh
		s.mu.Unlock()

		if ok {
			return true, nil
		} else if closed {
			return false, ErrClosed
		}
		select {
		case <-ch:
		case <-waitCtx.Done():
			return false, ctx.Err()
		}
	}
}

func (s *Session) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Session) setStateLocked(to State) {
	if s.state == to {
		return
	}
	log.WithFields(log.Fields{
		"client": s.md.ClientID,
		"from":   s.state,
		"to":     to,
	}).Info("sync session transitioned")

	s.state = to
	metrics.SyncSessionTransitionsTotal.WithLabelValues(to.String()).Inc()
	s.notifyLocked()
}

func (s *Session) notifyLocked() {
	close(s.changeCh)
	s.changeCh = make(chan struct{})
}

// serve is the loop of an Active Session.
func (s *Session) serve(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.setStateLocked(Inactive)
		s.conn = Disconnected
		if s.doneCh == done {
			s.cancel = nil
		}
		s.mu.Unlock()
		close(done)
	}()

	var subsCh <-chan struct{}
	for attempt := 0; ; {
		var updateCh = s.m.Updates()
		if s.subs != nil {
			subsCh = s.subs.Changes()
		}

		var err = s.round(ctx)
		if ctx.Err() != nil {
			return
		} else if err != nil {
			if !s.handle(ctx, err) {
				return
			}
			attempt++
		} else {
			attempt = 0
		}

		if s.State() == Dying && s.uploaded() {
			return
		}

		var pollCh <-chan time.Time
		if attempt != 0 {
			pollCh = time.After(backoff(attempt))
			updateCh, subsCh = nil, nil
		} else {
			pollCh = time.After(s.cfg.PollInterval)
		}
		select {
		case <-updateCh:
		case <-subsCh:
		case <-s.kickCh:
		case <-pollCh:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) uploaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked >= s.m.Latest().Number
}

// round performs an upload and, unless Dying, a download.
func (s *Session) round(ctx context.Context) error {
	var token, err = s.authorize()
	if err != nil {
		return err
	} else if err = s.upload(ctx, token); err != nil {
		return err
	} else if s.State() == Dying {
		return nil
	} else if err = s.download(ctx, token); err != nil {
		return err
	}

	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	return nil
}

// authorize returns a valid access token, entering WaitingForAccessToken
// while a token is refreshed.
func (s *Session) authorize() (string, error) {
	var user = s.cfg.User

	if user.Expired() {
		s.mu.Lock()
		if s.state == Active {
			s.setStateLocked(WaitingForAccessToken)
		}
		s.mu.Unlock()
	}
	var tok, err = user.Token()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.state == WaitingForAccessToken {
		s.setStateLocked(Active)
	}
	s.mu.Unlock()

	return tok.AccessToken, nil
}

func (s *Session) connected() {
	s.mu.Lock()
	if s.conn != Connected {
		s.conn = Connected
		s.notifyLocked()
	}
	s.mu.Unlock()
}

// upload sends pending local changesets and any new QuerySet.
func (s *Session) upload(ctx context.Context, token string) error {
	var r, err = s.m.BeginInternalRead()
	if err != nil {
		return err
	}
	defer r.Release()

	s.mu.Lock()
	var acked, sentQueries, clientID = s.acked, s.queries, s.md.ClientID
	s.mu.Unlock()

	pending, err := changeset.Since(r, acked, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	var req = UploadRequest{ClientID: clientID, Partition: s.cfg.Partition, Changesets: pending}

	if s.subs != nil {
		if set := s.subs.Latest(); set.Version > sentQueries && set.State == subscription.Bootstrapping {
			req.Queries = querySet(set)
		}
	}

	// Everything through |through| is uploaded once |pending| is acknowledged.
	var through = r.Version().Number
	if len(pending) == s.cfg.BatchSize {
		through = pending[len(pending)-1].Version
	}
	if len(pending) == 0 && req.Queries == nil {
		s.setAcked(through, 0)
		return nil
	}

	var size uint64
	for _, cs := range pending {
		if b, err := cs.Marshal(); err == nil {
			size += uint64(len(b))
		}
	}
	s.mu.Lock()
	s.progress.UploadableBytes = size
	s.mu.Unlock()

	var resp UploadResponse
	sent, _, err := s.ep.call(ctx, PathUpload, token, nil, req, &resp)
	if err != nil {
		return err
	}
	s.connected()

	metrics.SyncBytesTotal.WithLabelValues("upload").Add(float64(sent))
	metrics.SyncChangesetsTotal.WithLabelValues("upload").Add(float64(len(pending)))

	if len(pending) != 0 {
		if err = s.trim(ctx, resp.Acked); err != nil {
			return err
		}
	}
	s.setAcked(through, uint64(sent))

	if q := req.Queries; q != nil {
		if resp.QueryError != nil {
			s.transitionQueries(ctx, q.Version, subscription.Error, resp.QueryError.Message)
		} else if resp.QueryVersion == q.Version {
			s.transitionQueries(ctx, q.Version, subscription.Pending, "")
		}
		s.mu.Lock()
		s.queries = q.Version
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) setAcked(through, sent uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sent != 0 {
		s.progress.UploadedBytes += sent
		s.progress.UploadableBytes = 0
	}
	if through > s.acked {
		s.acked = through
		s.notifyLocked()
	}
}

// trim removes acknowledged changesets from the File's history.
func (s *Session) trim(ctx context.Context, through uint64) error {
	var w, err = s.m.BeginWrite(ctx)
	if err != nil {
		return err
	}
	if _, err = changeset.Trim(w, through); err != nil {
		_ = w.Rollback()
		return err
	}
	_, err = w.Commit()
	return err
}

// download applies server changesets until caught up.
func (s *Session) download(ctx context.Context, token string) error {
	s.mu.Lock()
	s.started++
	var round = s.started
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var req = DownloadRequest{
			ClientID:  s.md.ClientID,
			Partition: s.cfg.Partition,
			After:     s.md.ServerVersion,
			Limit:     s.cfg.BatchSize,
		}
		s.mu.Unlock()

		var resp DownloadResponse
		var _, recv, err = s.ep.call(ctx, PathDownload, token, req, nil, &resp)
		if err != nil {
			return err
		}
		s.connected()

		if err = s.integrate(ctx, resp, uint64(recv)); err != nil {
			return err
		}
		if resp.CaughtUp {
			s.mu.Lock()
			s.caughtUp = round
			s.notifyLocked()
			s.mu.Unlock()
			return nil
		}
	}
}

// integrate applies the changesets of a DownloadResponse.
func (s *Session) integrate(ctx context.Context, resp DownloadResponse, recv uint64) error {
	s.mu.Lock()
	var md = s.md
	s.progress.DownloadedBytes += recv
	s.mu.Unlock()

	metrics.SyncBytesTotal.WithLabelValues("download").Add(float64(recv))

	if len(resp.Changesets) != 0 || resp.ServerVersion != md.ServerVersion {
		var w, err = s.m.BeginWrite(ctx)
		if err != nil {
			return err
		}
		var txn = object.NewWriteTxn(w, s.cfg.Schema)

		for _, cs := range resp.Changesets {
			if err = changeset.Apply(txn, cs); err != nil {
				_ = w.Rollback()
				return errors.WithMessagef(err, "applying server version %d", cs.Version)
			}
		}
		md.ServerVersion = resp.ServerVersion

		if err = md.store(w); err != nil {
			_ = w.Rollback()
			return err
		} else if _, err = w.Commit(); err != nil {
			return err
		}
		metrics.SyncChangesetsTotal.WithLabelValues("download").Add(float64(len(resp.Changesets)))

		s.mu.Lock()
		s.md = md
		s.mu.Unlock()
	}

	if resp.Bootstrap && resp.QueryVersion != 0 {
		s.transitionQueries(ctx, resp.QueryVersion, subscription.Pending, "")
		s.transitionQueries(ctx, resp.QueryVersion, subscription.Complete, "")
	}
	return nil
}

// transitionQueries moves the subscription Set of |version| to |to|,
// if it's still current.
func (s *Session) transitionQueries(ctx context.Context, version uint64, to subscription.State, reason string) {
	if s.subs == nil || s.subs.Get(version).State == to {
		return
	}
	var err = s.subs.Transition(ctx, version, to, reason)
	if errors.Is(err, subscription.ErrSuperseded) || errors.Is(err, subscription.ErrIllegalTransition) {
		log.WithFields(log.Fields{"version": version, "to": to, "err": err}).Debug("skipped subscription transition")
	} else if err != nil {
		log.WithFields(log.Fields{"version": version, "to": to, "err": err}).Warn("failed to transition subscription set")
	}
}

func querySet(set subscription.Set) *QuerySet {
	var out = &QuerySet{Version: set.Version, Queries: []Query{}}
	for _, sub := range set.Subscriptions {
		out.Queries = append(out.Queries, Query{Class: sub.Class, Query: sub.Query})
	}
	return out
}

// handle an error of a round, returning whether the Session continues.
func (s *Session) handle(ctx context.Context, err error) bool {
	var se, ok = AsError(err)
	if !ok {
		s.deliver(err)
		return true
	}
	if se.Category == CategoryConnection {
		s.mu.Lock()
		s.conn = Disconnected
		s.notifyLocked()
		s.mu.Unlock()
	}

	switch {
	case se.Action == ActionClientReset:
		return s.clientReset(ctx, se)
	case se.Code == CodeInvalidToken:
		s.cfg.User.Invalidate()
		s.deliver(err)
		return true
	case se.IsUnrecoverable():
		s.deliver(err)
		return false
	default:
		s.deliver(err)
		return true
	}
}

func (s *Session) deliver(err error) {
	s.mu.Lock()
	s.err = err
	s.notifyLocked()
	s.mu.Unlock()

	if h := s.cfg.ErrorHandler; h != nil {
		h(s, err)
	} else {
		log.WithFields(log.Fields{"client": s.ClientID(), "err": err}).Warn("sync session error")
	}
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 0, 1:
		return 50 * time.Millisecond
	case 2, 3:
		return 250 * time.Millisecond
	case 4, 5:
		return time.Second
	default:
		return 5 * time.Second
	}
}
