package sql

import (
	"strconv"
	"time"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
	"go.uber.org/zap"

	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/metrics"
	"github.com/myuser/cinderdb/internal/sql/engine"
	"github.com/myuser/cinderdb/internal/sql/execution"
	"github.com/myuser/cinderdb/internal/sql/types"
)

// ResultKind tells which fields of a Result are set.
type ResultKind string

const (
	KindBegin    ResultKind = "begin"
	KindCommit   ResultKind = "commit"
	KindRollback ResultKind = "rollback"
	KindMessage  ResultKind = "message"
	KindCount    ResultKind = "count"
	KindRows     ResultKind = "rows"
)

// Result is a fully materialised statement result.
type Result struct {
	Kind ResultKind `json:"kind"`
	// Version is the transaction version for begin, commit and rollback.
	Version  uint64      `json:"version,omitempty"`
	ReadOnly bool        `json:"read_only,omitempty"`
	Message  string      `json:"message,omitempty"`
	Count    int64       `json:"count"`
	Columns  []string    `json:"columns,omitempty"`
	Rows     []types.Row `json:"rows,omitempty"`
}

// Session executes statements for one client. It holds at most one explicit
// transaction and is not safe for concurrent use.
type Session struct {
	engine engine.Engine
	txn    engine.Transaction
	logger *zap.Logger
}

type SessionOption func(*Session)

func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

func NewSession(e engine.Engine, opts ...SessionOption) *Session {
	s := &Session{engine: e, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTransaction reports whether an explicit transaction is open.
func (s *Session) InTransaction() bool { return s.txn != nil }

// Execute runs one statement. Statements outside BEGIN ... COMMIT run in
// their own transaction, read-only for SELECT.
func (s *Session) Execute(query string) (Result, error) {
	tokens, err := tokenize(query)
	if err != nil {
		return Result{}, err
	}
	kind := "empty"
	if len(tokens) > 0 {
		kind = statementKind(tokens[0])
	}

	start := time.Now()
	res, err := s.execute(query, tokens)
	metrics.StatementSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Debug("statement failed", zap.String("kind", kind), zap.Error(err))
	}
	metrics.Statements.WithLabelValues(kind, outcome).Inc()
	return res, err
}

func statementKind(first token) string {
	for _, k := range []string{"begin", "commit", "rollback", "select", "insert", "update", "delete", "create", "drop"} {
		if first.is(k) {
			return k
		}
	}
	return "other"
}

func (s *Session) execute(query string, tokens []token) (Result, error) {
	if len(tokens) == 0 {
		return Result{}, dberr.New(dberr.ErrParse, "empty statement")
	}
	p := &ddlParser{tokens: tokens}
	switch {
	case p.accept("begin"):
		return s.begin(p)
	case p.accept("commit"):
		if err := p.end(); err != nil {
			return Result{}, err
		}
		return s.finish(KindCommit)
	case p.accept("rollback"):
		if err := p.end(); err != nil {
			return Result{}, err
		}
		return s.finish(KindRollback)
	}

	if s.txn != nil {
		return s.run(query, s.txn)
	}

	if tokens[0].is("select") {
		txn, err := s.engine.BeginReadOnly()
		if err != nil {
			return Result{}, err
		}
		return s.autocommit(query, txn)
	}
	txn, err := s.engine.Begin()
	if err != nil {
		return Result{}, err
	}
	return s.autocommit(query, txn)
}

// begin parses the rest of BEGIN [READ ONLY [AS OF SYSTEM TIME <version>]].
func (s *Session) begin(p *ddlParser) (Result, error) {
	if s.txn != nil {
		return Result{}, dberr.New(dberr.ErrValue, "already in transaction %d", s.txn.Version())
	}
	p.accept("transaction")

	var (
		readOnly bool
		asOf     *uint64
	)
	if p.accept("read") && !p.accept("write") {
		if err := p.expect("only"); err != nil {
			return Result{}, err
		}
		readOnly = true
	}
	if readOnly && p.accept("as") {
		if err := p.expect("of", "system", "time"); err != nil {
			return Result{}, err
		}
		t := p.next()
		if t.id != sqlparser.INTEGRAL {
			return Result{}, dberr.New(dberr.ErrParse, "expected version, found %s", t)
		}
		v, err := strconv.ParseUint(t.text, 10, 64)
		if err != nil {
			return Result{}, dberr.Wrap(dberr.ErrValue, err, "invalid version %s", t.text)
		}
		asOf = &v
	}
	if err := p.end(); err != nil {
		return Result{}, err
	}

	var (
		txn engine.Transaction
		err error
	)
	switch {
	case asOf != nil:
		txn, err = s.engine.BeginAsOf(*asOf)
	case readOnly:
		txn, err = s.engine.BeginReadOnly()
	default:
		txn, err = s.engine.Begin()
	}
	if err != nil {
		return Result{}, err
	}
	s.txn = txn
	return Result{Kind: KindBegin, Version: txn.Version(), ReadOnly: txn.ReadOnly()}, nil
}

func (s *Session) finish(kind ResultKind) (Result, error) {
	if s.txn == nil {
		return Result{}, dberr.New(dberr.ErrValue, "not in a transaction")
	}
	txn := s.txn
	s.txn = nil
	res := Result{Kind: kind, Version: txn.Version(), ReadOnly: txn.ReadOnly()}
	if kind == KindCommit {
		return res, txn.Commit()
	}
	return res, txn.Rollback()
}

func (s *Session) autocommit(query string, txn engine.Transaction) (Result, error) {
	res, err := s.run(query, txn)
	if err != nil {
		if rerr := txn.Rollback(); rerr != nil {
			s.logger.Warn("rollback after failed statement", zap.Uint64("version", txn.Version()), zap.Error(rerr))
		}
		return Result{}, err
	}
	if err := txn.Commit(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// run plans and executes a statement in txn, draining any rows.
func (s *Session) run(query string, txn engine.Transaction) (Result, error) {
	plan, err := ParseToPlan(query, txn)
	if err != nil {
		return Result{}, err
	}
	rs, err := plan.Execute(txn)
	if err != nil {
		return Result{}, err
	}
	switch rs.Kind {
	case execution.ResultMessage:
		return Result{Kind: KindMessage, Message: rs.Message}, nil
	case execution.ResultCount:
		return Result{Kind: KindCount, Count: rs.Count}, nil
	case execution.ResultView:
		rows, err := types.CollectRows(rs.Rows)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: KindRows, Columns: rs.Columns, Rows: rows}, nil
	default:
		return Result{}, dberr.Internal("unknown result kind %d", rs.Kind)
	}
}

// Close rolls back an open transaction.
func (s *Session) Close() error {
	if s.txn == nil {
		return nil
	}
	_, err := s.finish(KindRollback)
	return err
}
