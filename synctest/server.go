// Package synctest is an in-process reference implementation of the sync
// service, suitable for tests and local development. A Server keeps its own
// strata File of integrated objects, and a SQLite database of users, clients,
// and the history of integrated changesets.
//
// Server changes are resolved by last-writer-wins, in order of integration.
// Downloads are state-based: each changed object within the client's view is
// sent as its complete current document, and erasures are always sent.
package synctest

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gschema "github.com/gorilla/schema"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.strata.dev/core/changeset"
	"go.strata.dev/core/codecs"
	"go.strata.dev/core/metrics"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/object"
	"go.strata.dev/core/query"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/session"
	"go.strata.dev/core/value"
	"golang.org/x/crypto/bcrypt"
)

// PartitionProperty is the property of partition-based sync.
const PartitionProperty = "_partition"

// ServerClient is the client ID of changes made through Server.Write.
const ServerClient = "server"

// Options of a Server.
type Options struct {
	// Schema of synchronized objects.
	Schema *schema.Schema
	// DBPath of the SQLite database. Defaults to an in-memory database.
	DBPath string
	// TokenTTL of issued access tokens. Default 30 minutes.
	TokenTTL time.Duration
	// DeniedClasses may not be queried by flexible sync clients.
	DeniedClasses []string
}

// Server is an in-process sync service. It's both an http.Handler and a
// session.Transport.
type Server struct {
	opts   Options
	m      *mvcc.Manager
	store  *store
	key    []byte
	denied map[string]bool
	mux    *http.ServeMux

	// mu serializes integrations and bootstraps, such that the File and
	// the history head are consistent.
	mu      sync.Mutex
	offline bool
}

var queryDecoder = func() *gschema.Decoder {
	var d = gschema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

// NewServer returns a new Server.
func NewServer(opts Options) (*Server, error) {
	if opts.Schema == nil {
		return nil, errors.New("expected Schema")
	}
	if opts.DBPath == "" {
		opts.DBPath = ":memory:"
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = 30 * time.Minute
	}

	var m, err = mvcc.Open(afero.NewMemMapFs(), "/server.strata", mvcc.Options{})
	if err != nil {
		return nil, err
	}
	w, err := m.BeginWrite(context.Background())
	if err == nil {
		if err = object.WriteSchema(w, opts.Schema); err == nil {
			_, err = w.Commit()
		} else {
			_ = w.Rollback()
		}
	}
	if err != nil {
		_ = m.Close()
		return nil, errors.WithMessage(err, "initializing server file")
	}
	st, err := openStore(opts.DBPath)
	if err != nil {
		_ = m.Close()
		return nil, err
	}

	var s = &Server{
		opts:   opts,
		m:      m,
		store:  st,
		key:    []byte(uuid.New().String()),
		denied: make(map[string]bool),
		mux:    http.NewServeMux(),
	}
	for _, c := range opts.DeniedClasses {
		s.denied[c] = true
	}
	s.mux.HandleFunc(session.PathLogin, s.serveLogin)
	s.mux.HandleFunc(session.PathRefresh, s.serveRefresh)
	s.mux.HandleFunc(session.PathUpload, s.serveUpload)
	s.mux.HandleFunc(session.PathDownload, s.serveDownload)

	return s, nil
}

// Close the Server.
func (s *Server) Close() error {
	var err = s.store.close()
	if err2 := s.m.Close(); err == nil {
		err = err2
	}
	return err
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// RoundTrip implements session.Transport by serving |req| in-process.
func (s *Server) RoundTrip(ctx context.Context, req *session.Request) (*session.Response, error) {
	s.mu.Lock()
	var offline = s.offline
	s.mu.Unlock()

	if offline {
		return nil, errors.New("server is offline")
	}
	var hr, err = http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header {
		hr.Header[k] = v
	}
	var rec = httptest.NewRecorder()
	s.ServeHTTP(rec, hr)

	return &session.Response{Status: rec.Code, Header: rec.Header(), Body: rec.Body.Bytes()}, nil
}

// SetOffline makes RoundTrip fail as if the Server were unreachable.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// AddUser adds an email / password user.
func (s *Server) AddUser(ctx context.Context, email, password string) error {
	var hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	return s.store.addUser(ctx, uuid.New().String(), email, hash)
}

// TriggerClientReset requires a client reset of |clientID| upon its next
// request.
func (s *Server) TriggerClientReset(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c, err = s.store.client(ctx, clientID)
	if err != nil {
		return err
	}
	c.ResetPending = true

	log.WithField("client", clientID).Info("triggered client reset")
	return s.store.putClient(ctx, nil, c)
}

// Clients returns the IDs of known clients.
func (s *Server) Clients(ctx context.Context) ([]string, error) {
	return s.store.clientIDs(ctx)
}

// Version returns the server version of the most recent integration.
func (s *Server) Version(ctx context.Context) (uint64, error) {
	return s.store.head(ctx)
}

// Read invokes |fn| with a read transaction of the Server's objects.
func (s *Server) Read(fn func(*object.Txn) error) error {
	var r, err = s.m.BeginRead()
	if err != nil {
		return err
	}
	defer r.Release()
	return fn(object.NewReadTxn(r, s.opts.Schema))
}

// Write invokes |fn| with a write transaction of the Server's objects, and
// integrates its changes as those of ServerClient.
func (s *Server) Write(ctx context.Context, fn func(*object.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var w, err = s.m.BeginWrite(ctx)
	if err != nil {
		return err
	}
	var txn = object.NewWriteTxn(w, s.opts.Schema)
	var rec = changeset.Record(txn)

	if err = fn(txn); err != nil {
		_ = w.Rollback()
		return err
	}
	cs, err := rec.Changeset()
	if err != nil {
		_ = w.Rollback()
		return err
	}
	return s.commit(ctx, w, ServerClient, []changeset.Changeset{cs})
}

// commit |w| together with the history entries of |changesets|.
func (s *Server) commit(ctx context.Context, w *mvcc.WriteTxn, clientID string, changesets []changeset.Changeset) error {
	var tx, err = s.store.db.BeginTx(ctx, nil)
	if err != nil {
		_ = w.Rollback()
		return err
	}
	for _, cs := range changesets {
		if len(cs.Instructions) == 0 {
			continue
		}
		if _, err = s.store.append(ctx, tx, clientID, cs); err != nil {
			_ = tx.Rollback()
			_ = w.Rollback()
			return err
		}
		metrics.ServerChangesetsTotal.WithLabelValues("integrated").Inc()
	}
	if _, err = w.Commit(); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Server) serveLogin(w http.ResponseWriter, r *http.Request) {
	var req session.LoginRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	var userID string

	switch req.Provider {
	case session.ProviderAnonymous:
		userID = uuid.New().String()
	case session.ProviderEmailPassword:
		var id, hash, err = s.store.findUser(r.Context(), req.Email)
		if err == nil {
			err = bcrypt.CompareHashAndPassword(hash, []byte(req.Password))
		}
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, &session.Error{
				Category: session.CategoryClient,
				Code:     session.CodeAuthFailed,
				Message:  "invalid email or password",
			})
			return
		}
		userID = id
	default:
		s.writeError(w, r, http.StatusBadRequest, &session.Error{
			Category: session.CategoryClient,
			Code:     session.CodeBadRequest,
			Message:  "unknown provider " + req.Provider,
		})
		return
	}

	var access, err = s.issue(userID, tokenAccess, s.opts.TokenTTL)
	var refresh string
	if err == nil {
		refresh, err = s.issue(userID, tokenRefresh, 24*time.Hour)
	}
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	log.WithFields(log.Fields{"user": userID, "provider": req.Provider}).Debug("issued tokens")

	s.writeJSON(w, r, session.LoginResponse{UserID: userID, AccessToken: access, RefreshToken: refresh})
}

func (s *Server) serveRefresh(w http.ResponseWriter, r *http.Request) {
	var userID, ok = s.authorize(w, r, tokenRefresh)
	if !ok {
		return
	}
	var access, err = s.issue(userID, tokenAccess, s.opts.TokenTTL)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	s.writeJSON(w, r, session.RefreshResponse{AccessToken: access})
}

func (s *Server) serveUpload(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, tokenAccess); !ok {
		return
	}
	var req session.UploadRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	var resp, serr, err = s.upload(r.Context(), req)
	if serr != nil {
		s.writeError(w, r, http.StatusConflict, serr)
	} else if err != nil {
		s.writeInternal(w, r, err)
	} else {
		s.writeJSON(w, r, resp)
	}
}

func (s *Server) serveDownload(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, tokenAccess); !ok {
		return
	}
	var req session.DownloadRequest
	if err := queryDecoder.Decode(&req, r.URL.Query()); err != nil {
		s.writeError(w, r, http.StatusBadRequest, &session.Error{
			Category: session.CategoryClient,
			Code:     session.CodeBadRequest,
			Message:  err.Error(),
		})
		return
	}
	var resp, serr, err = s.download(r.Context(), req)
	if serr != nil {
		s.writeError(w, r, http.StatusConflict, serr)
	} else if err != nil {
		s.writeInternal(w, r, err)
	} else {
		s.writeJSON(w, r, resp)
	}
}

// upload integrates the changesets and queries of |req|.
func (s *Server) upload(ctx context.Context, req session.UploadRequest) (session.UploadResponse, *session.Error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resp session.UploadResponse
	var c, err = s.store.client(ctx, req.ClientID)
	if err != nil {
		return resp, nil, err
	} else if c.ResetPending {
		return resp, resetRequired(), nil
	}

	var integrate []changeset.Changeset
	for _, cs := range req.Changesets {
		if cs.Version > c.Integrated {
			integrate = append(integrate, cs)
			c.Integrated = cs.Version
		}
	}
	if len(integrate) != 0 {
		var w, err = s.m.BeginWrite(ctx)
		if err != nil {
			return resp, nil, err
		}
		var txn = object.NewWriteTxn(w, s.opts.Schema)

		for _, cs := range integrate {
			if err = changeset.Apply(txn, cs); err != nil {
				_ = w.Rollback()
				return resp, &session.Error{
					Category: session.CategorySession,
					Code:     session.CodeBadRequest,
					Message:  err.Error(),
					Action:   session.ActionFatal,
				}, nil
			}
		}
		if err = s.commit(ctx, w, c.ID, integrate); err != nil {
			return resp, nil, err
		}
	}
	resp.Acked = c.Integrated

	if q := req.Queries; q != nil {
		if serr := s.validateQueries(q.Queries); serr != nil {
			resp.QueryError = serr
		} else {
			if q.Version > c.QueryVersion {
				c.QueryVersion, c.Queries = q.Version, q.Queries
			}
			resp.QueryVersion = q.Version
		}
	}
	if err = s.store.putClient(ctx, nil, c); err != nil {
		return resp, nil, err
	}
	return resp, nil, nil
}

func (s *Server) validateQueries(queries []session.Query) *session.Error {
	for _, q := range queries {
		var reject = func(msg string) *session.Error {
			return &session.Error{Category: session.CategorySession, Code: session.CodeBadQuery, Message: msg}
		}
		if c, ok := s.opts.Schema.Class(q.Class); !ok || c.Embedded {
			return reject("unknown class " + q.Class)
		} else if c.PrimaryKey == "" {
			return reject("class " + q.Class + " has no primary key")
		} else if s.denied[q.Class] {
			return reject("queries of " + q.Class + " are not allowed")
		} else if _, err := query.ParseQuery(q.Class, q.Query); err != nil {
			return reject(err.Error())
		}
	}
	return nil
}

// download serves server changesets of the client's view.
func (s *Server) download(ctx context.Context, req session.DownloadRequest) (session.DownloadResponse, *session.Error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resp session.DownloadResponse
	var c, err = s.store.client(ctx, req.ClientID)
	if err != nil {
		return resp, nil, err
	}

	if req.Fresh {
		c.ResetPending, c.Integrated = false, 0
		log.WithField("client", c.ID).Info("serving client reset bootstrap")
	} else if c.ResetPending {
		return resp, resetRequired(), nil
	}
	var v, verr = s.newView(req.Partition, c)
	if verr != nil {
		return resp, nil, verr
	}

	if req.Fresh || req.After == 0 || c.Bootstrapped < c.QueryVersion {
		if resp, err = s.bootstrap(ctx, v); err != nil {
			return resp, nil, err
		}
		if req.Partition == "" {
			resp.QueryVersion = c.QueryVersion
		}
		c.Bootstrapped = c.QueryVersion
	} else if resp, err = s.incremental(ctx, v, req.After, req.Limit); err != nil {
		return resp, nil, err
	}

	if err = s.store.putClient(ctx, nil, c); err != nil {
		return resp, nil, err
	}
	return resp, nil, nil
}

// bootstrap returns the complete view of a client.
func (s *Server) bootstrap(ctx context.Context, v view) (session.DownloadResponse, error) {
	var resp = session.DownloadResponse{Bootstrap: true, CaughtUp: true}
	var head, err = s.store.head(ctx)
	if err != nil {
		return resp, err
	}
	var cs = changeset.Changeset{Version: head}

	err = s.Read(func(txn *object.Txn) error {
		for _, c := range s.opts.Schema.Classes {
			if c.Embedded || c.PrimaryKey == "" {
				continue
			}
			var err = txn.ForEach(c.Name, func(o object.Obj) error {
				var in, ok, err = v.instruction(o)
				if ok {
					cs.Instructions = append(cs.Instructions, in)
				}
				return err
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return resp, err
	}
	resp.ServerVersion = head
	resp.Changesets = []changeset.Changeset{cs}
	metrics.ServerChangesetsTotal.WithLabelValues("bootstrapped").Inc()
	return resp, nil
}

// incremental returns changesets of the view following |after|.
func (s *Server) incremental(ctx context.Context, v view, after uint64, limit int) (session.DownloadResponse, error) {
	var resp = session.DownloadResponse{ServerVersion: after}
	var entries, err = s.store.since(ctx, after, limit)
	if err != nil {
		return resp, err
	}
	resp.CaughtUp = limit <= 0 || len(entries) < limit

	err = s.Read(func(txn *object.Txn) error {
		for _, e := range entries {
			var cs = changeset.Changeset{Version: e.Version}
			var seen = make(map[string]bool)

			for _, in := range e.Changeset.Instructions {
				var id = in.Class + "/" + in.PK.String()
				if seen[id] {
					continue
				}
				seen[id] = true

				if in.Op == changeset.Erase {
					cs.Instructions = append(cs.Instructions, in)
					continue
				}
				var o, ok, err = txn.FindByPK(in.Class, in.PK)
				if err != nil {
					return err
				} else if !ok {
					continue // Erased by a later changeset.
				}
				out, ok, err := v.instruction(o)
				if err != nil {
					return err
				} else if ok {
					cs.Instructions = append(cs.Instructions, out)
				}
			}
			resp.ServerVersion = e.Version
			if len(cs.Instructions) != 0 {
				resp.Changesets = append(resp.Changesets, cs)
				metrics.ServerChangesetsTotal.WithLabelValues("served").Inc()
			}
		}
		return nil
	})
	return resp, err
}

// view selects the objects of a client.
type view struct {
	partition string
	queries   map[string][]query.Query
}

func (s *Server) newView(partition string, c client) (view, error) {
	var v = view{partition: partition, queries: make(map[string][]query.Query)}
	if partition != "" {
		return v, nil
	}
	for _, q := range c.Queries {
		var parsed, err = query.ParseQuery(q.Class, q.Query)
		if err != nil {
			return v, errors.WithMessagef(err, "parsing query of client %s", c.ID)
		}
		v.queries[q.Class] = append(v.queries[q.Class], parsed)
	}
	return v, nil
}

// instruction returns a Create instruction of |o|, if it's within the view.
func (v view) instruction(o object.Obj) (changeset.Instruction, bool, error) {
	var ok, err = v.matches(o)
	if err != nil || !ok {
		return changeset.Instruction{}, false, err
	}
	doc, err := object.Document(o, true)
	if err != nil {
		return changeset.Instruction{}, false, err
	}
	pk, err := o.PK()
	if err != nil {
		return changeset.Instruction{}, false, err
	}
	return changeset.Instruction{Op: changeset.Create, Class: o.Class(), PK: pk, Fields: doc}, true, nil
}

func (v view) matches(o object.Obj) (bool, error) {
	if v.partition != "" {
		var c, _ = o.Txn().Schema().Class(o.Class())
		if _, ok := c.Property(PartitionProperty); !ok {
			return true, nil
		}
		var p, err = o.Get(PartitionProperty)
		if err != nil {
			return false, err
		}
		return p.Equal(value.String(v.partition)), nil
	}
	for _, q := range v.queries[o.Class()] {
		if ok, err := q.Predicate.Match(query.ObjRecord(o)); err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func resetRequired() *session.Error {
	return &session.Error{
		Category: session.CategorySession,
		Code:     session.CodeClientReset,
		Message:  "client history diverged from the server",
		Action:   session.ActionClientReset,
	}
}

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

type claims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

func (s *Server) issue(userID, typ string, ttl time.Duration) (string, error) {
	var now = time.Now()
	var tok = jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
	})
	return tok.SignedString(s.key)
}

// authorize verifies the bearer token of |r|, returning its user.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, typ string) (string, bool) {
	var raw = r.Header.Get("Authorization")
	const prefix = "Bearer "

	var c claims
	var err error
	if len(raw) <= len(prefix) || raw[:len(prefix)] != prefix {
		err = errors.New("missing bearer token")
	} else {
		_, err = jwt.ParseWithClaims(raw[len(prefix):], &c, func(*jwt.Token) (interface{}, error) {
			return s.key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	}
	if err == nil && c.Type != typ {
		err = errors.Errorf("expected %s token", typ)
	}
	if err != nil {
		var code = session.CodeInvalidToken
		if typ == tokenRefresh {
			code = session.CodeAuthFailed
		}
		s.writeError(w, r, http.StatusUnauthorized, &session.Error{
			Category: session.CategoryClient,
			Code:     code,
			Message:  err.Error(),
		})
		return "", false
	}
	return c.Subject, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	var body bytes.Buffer
	var _, err = body.ReadFrom(r.Body)
	var b = body.Bytes()

	if enc := r.Header.Get("Content-Encoding"); err == nil && enc != "" {
		var codec codecs.Codec
		if codec, err = codecs.Parse(enc); err == nil {
			b, err = codecs.Decompress(codec, b)
		}
	}
	if err == nil {
		err = json.Unmarshal(b, into)
	}
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, &session.Error{
			Category: session.CategoryClient,
			Code:     session.CodeBadRequest,
			Message:  err.Error(),
		})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	s.write(w, r, http.StatusOK, v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, e *session.Error) {
	log.WithFields(log.Fields{"path": r.URL.Path, "code": e.Code, "msg": e.Message}).Debug("sync request failed")
	s.write(w, r, status, e)
}

func (s *Server) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	log.WithFields(log.Fields{"path": r.URL.Path, "err": err}).Error("sync request failed")
	s.write(w, r, http.StatusInternalServerError, &session.Error{
		Category: session.CategoryService,
		Code:     session.CodeInternal,
		Message:  err.Error(),
	})
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	var b, err = json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if codec, err := codecs.Parse(r.Header.Get("Accept-Encoding")); err == nil && codec != codecs.None {
		if cb, err := codecs.Compress(codec, b); err == nil {
			b = cb
			w.Header().Set("Content-Encoding", string(codec))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

var _ session.Transport = (*Server)(nil)
var _ http.Handler = (*Server)(nil)
