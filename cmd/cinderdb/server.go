package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/metrics"
	"github.com/myuser/cinderdb/internal/mvcc"
	"github.com/myuser/cinderdb/internal/sql"
	"github.com/myuser/cinderdb/internal/sql/engine"
	"github.com/myuser/cinderdb/internal/storage"
)

const sessionHeader = "X-Cinder-Session"

// server exposes the SQL engine over HTTP. A client keeps an explicit
// transaction open across requests by sending back the session id it got
// from BEGIN; sessions outside a transaction are not kept. A session idle
// for longer than timeout is rolled back by the reaper.
type server struct {
	store   storage.Engine
	mvcc    *mvcc.MVCC
	kv      *engine.KV
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	nextID   uint64
}

type session struct {
	mu  sync.Mutex
	sql *sql.Session
	// lastUsed is guarded by server.mu.
	lastUsed time.Time
	// closed is set under mu once the reaper has rolled the session back.
	closed bool
}

// newServer rolls back transactions left active by a previous run of the
// node, then serves store. A zero timeout keeps idle sessions forever.
func newServer(store storage.Engine, logger *zap.Logger, timeout time.Duration) (*server, error) {
	m := mvcc.New(store, mvcc.WithLogger(logger.Named("mvcc")))
	recovered, err := m.Recover()
	if err != nil {
		return nil, err
	}
	if len(recovered) > 0 {
		logger.Info("recovered interrupted transactions", zap.Uint64s("versions", recovered))
	}
	return &server{
		store:    store,
		mvcc:     m,
		kv:       engine.NewKV(m),
		logger:   logger,
		timeout:  timeout,
		sessions: make(map[string]*session),
	}, nil
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/execute", s.handleExecute)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/status", s.handleStatus)
	mux.HandleFunc("/debug/compact", s.handleCompact)
	return mux
}

type executeResponse struct {
	Session string      `json:"session,omitempty"`
	Result  *sql.Result `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("sql")
	if query == "" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, executeResponse{Error: err.Error()})
			return
		}
		query = string(body)
	}

	id := r.Header.Get(sessionHeader)
	if id == "" {
		id = r.URL.Query().Get("session")
	}
	id, sess, ok := s.session(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, executeResponse{Error: "unknown session " + id})
		return
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		writeJSON(w, http.StatusNotFound, executeResponse{Error: "session " + id + " expired"})
		return
	}
	res, err := sess.sql.Execute(query)
	inTxn := sess.sql.InTransaction()
	sess.mu.Unlock()
	if !inTxn {
		s.drop(id)
		id = ""
	}

	if err != nil {
		writeJSON(w, errorStatus(err), executeResponse{Session: id, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{Session: id, Result: &res})
}

// session returns the session with the given id, or a new one for an empty
// id, and marks it used.
func (s *server) session(id string) (string, *session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		sess, ok := s.sessions[id]
		if ok {
			sess.lastUsed = time.Now()
		}
		return id, sess, ok
	}
	s.nextID++
	id = strconv.FormatUint(s.nextID, 10)
	sess := &session{
		sql:      sql.NewSession(s.kv, sql.WithLogger(s.logger.Named("sql"))),
		lastUsed: time.Now(),
	}
	s.sessions[id] = sess
	return id, sess, true
}

func (s *server) drop(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// reapIdle rolls back and forgets every session unused since now-timeout.
// It returns the number of sessions reaped.
func (s *server) reapIdle(now time.Time) int {
	if s.timeout <= 0 {
		return 0
	}
	s.mu.Lock()
	var idle []*session
	for id, sess := range s.sessions {
		if now.Sub(sess.lastUsed) > s.timeout {
			idle = append(idle, sess)
			delete(s.sessions, id)
			s.logger.Info("rolling back idle session", zap.String("session", id), zap.Time("last_used", sess.lastUsed))
		}
	}
	s.mu.Unlock()

	// Outside s.mu: a request may still hold the session's lock.
	for _, sess := range idle {
		sess.mu.Lock()
		if err := sess.sql.Close(); err != nil {
			s.logger.Warn("roll back idle session", zap.Error(err))
		}
		sess.closed = true
		sess.mu.Unlock()
	}
	return len(idle)
}

// reapLoop calls reapIdle periodically until ctx is done.
func (s *server) reapLoop(ctx context.Context) {
	if s.timeout <= 0 {
		return
	}
	interval := s.timeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reapIdle(now)
		}
	}
}

// close rolls back every open transaction.
func (s *server) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.mu.Lock()
		if err := sess.sql.Close(); err != nil {
			s.logger.Warn("close session", zap.String("session", id), zap.Error(err))
		}
		sess.closed = true
		sess.mu.Unlock()
		delete(s.sessions, id)
	}
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.mvcc.Status()
	if err != nil {
		writeJSON(w, errorStatus(err), executeResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, executeResponse{Error: "compaction requires POST"})
		return
	}
	if err := s.store.Compact(); err != nil {
		s.logger.Error("compaction failed", zap.Error(err))
		writeJSON(w, errorStatus(err), executeResponse{Error: err.Error()})
		return
	}
	status, err := s.store.Status()
	if err != nil {
		writeJSON(w, errorStatus(err), executeResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, dberr.ErrWriteConflict):
		return http.StatusConflict
	case errors.Is(err, dberr.ErrTableNotFound):
		return http.StatusNotFound
	case errors.Is(err, dberr.ErrIO), errors.Is(err, dberr.ErrCodec), errors.Is(err, dberr.ErrInternal):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
