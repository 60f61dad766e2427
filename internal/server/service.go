// Package server exposes the ingestion engine over HTTP and WebSocket.
//
// All monetary values use shopspring/decimal, never float64 for money.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/operations-engine/internal/connection"
	"github.com/atmx/operations-engine/internal/grouping"
	"github.com/atmx/operations-engine/internal/ingest"
	"github.com/atmx/operations-engine/internal/model"
	"github.com/atmx/operations-engine/internal/normalize"
	"github.com/atmx/operations-engine/internal/source"
	"github.com/atmx/operations-engine/internal/source/rest"
	"github.com/atmx/operations-engine/internal/store"
)

const defaultSnapshotLimit = 20

var errBadTime = errors.New("expected YYYY-MM-DD or RFC3339")

// Connector opens and closes the data source session.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
}

// Service handles the engine's HTTP surface.
type Service struct {
	engine    *ingest.Engine
	store     store.Store
	state     *connection.State
	connector Connector
	accounts  source.Accounts
	resolver  normalize.InstrumentResolver
	loc       *time.Location
	baseCtx   context.Context // parent of load cycles, outlives requests
	logger    *slog.Logger
}

// Deps are the collaborators of a Service.
type Deps struct {
	Engine    *ingest.Engine
	Store     store.Store
	State     *connection.State
	Connector Connector
	// Accounts serves account selection and the portfolio; nil disables them.
	Accounts source.Accounts
	// Resolver names portfolio positions the source left unnamed.
	Resolver normalize.InstrumentResolver
	Location *time.Location
	// BaseContext bounds asynchronous load cycles; defaults to Background.
	BaseContext context.Context
	Logger      *slog.Logger
}

// NewService creates a new service.
func NewService(d Deps) *Service {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Store == nil {
		d.Store = store.NewMemoryStore()
	}
	return &Service{
		engine:    d.Engine,
		store:     d.Store,
		state:     d.State,
		connector: d.Connector,
		accounts:  d.Accounts,
		resolver:  d.Resolver,
		loc:       d.Location,
		baseCtx:   d.BaseContext,
		logger:    d.Logger,
	}
}

// --- Request/Response types ---

// LoadRequest is the JSON body for POST /operations/load. Dates are
// YYYY-MM-DD or RFC3339; a date-only "to" covers that whole day.
type LoadRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FilterRequest is the JSON body for PUT /operations/filter.
type FilterRequest struct {
	Filter string `json:"filter"`
}

// OperationsResponse is returned from GET /operations.
type OperationsResponse struct {
	Operations []model.Operation `json:"operations"`
	Count      int               `json:"count"`
}

// AccountsResponse is returned from GET /accounts.
type AccountsResponse struct {
	Accounts []model.Account `json:"accounts"`
	Selected string          `json:"selected"`
}

// SelectAccountRequest is the JSON body for PUT /accounts/selected.
type SelectAccountRequest struct {
	AccountID string `json:"account_id"`
}

// ConnectionResponse reports the shared connection state.
type ConnectionResponse struct {
	Connected bool `json:"connected"`
}

// --- Connection ---

// GetConnection handles GET /api/v1/connection
func (s *Service) GetConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConnectionResponse{Connected: s.state.Connected()})
}

// Connect handles POST /api/v1/connection
func (s *Service) Connect(w http.ResponseWriter, r *http.Request) {
	if err := s.connector.Connect(r.Context()); err != nil {
		s.logger.Warn("connect failed", "err", err)
		switch {
		case errors.Is(err, rest.ErrNoToken):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, rest.ErrUnauthorized):
			writeError(w, err.Error(), http.StatusUnauthorized)
		case errors.Is(err, source.ErrNoAccounts):
			writeError(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			writeError(w, "data source unreachable: "+err.Error(), http.StatusBadGateway)
		}
		return
	}
	writeJSON(w, http.StatusOK, ConnectionResponse{Connected: s.state.Connected()})
}

// Disconnect handles DELETE /api/v1/connection. A running cycle is cancelled.
func (s *Service) Disconnect(w http.ResponseWriter, r *http.Request) {
	s.connector.Disconnect()
	s.engine.Cancel()
	writeJSON(w, http.StatusOK, ConnectionResponse{Connected: s.state.Connected()})
}

// --- Accounts ---

// ListAccounts handles GET /api/v1/accounts
func (s *Service) ListAccounts(w http.ResponseWriter, r *http.Request) {
	if !s.accountsReady(w) {
		return
	}
	accounts, err := s.accounts.Accounts(r.Context())
	if err != nil {
		s.writeSourceError(w, "failed to list accounts", err)
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	writeJSON(w, http.StatusOK, AccountsResponse{Accounts: accounts, Selected: s.accounts.SelectedAccount()})
}

// SelectAccount handles PUT /api/v1/accounts/selected
// The selection applies from the next load; it is refused while one runs.
func (s *Service) SelectAccount(w http.ResponseWriter, r *http.Request) {
	if !s.accountsReady(w) {
		return
	}
	var req SelectAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	if s.engine.Status().InProgress {
		writeError(w, ingest.ErrAlreadyInProgress.Error(), http.StatusConflict)
		return
	}
	if err := s.accounts.SelectAccount(r.Context(), req.AccountID); err != nil {
		if errors.Is(err, source.ErrUnknownAccount) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		s.writeSourceError(w, "failed to select account", err)
		return
	}
	writeJSON(w, http.StatusOK, SelectAccountRequest{AccountID: s.accounts.SelectedAccount()})
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	if !s.accountsReady(w) {
		return
	}
	p, err := s.accounts.Portfolio(r.Context())
	if err != nil {
		s.writeSourceError(w, "failed to read portfolio", err)
		return
	}
	s.describePositions(r.Context(), p.Positions)
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) accountsReady(w http.ResponseWriter) bool {
	if s.accounts == nil {
		writeError(w, "accounts not supported by this data source", http.StatusNotImplemented)
		return false
	}
	if !s.state.Connected() {
		writeError(w, ingest.ErrNotConnected.Error(), http.StatusServiceUnavailable)
		return false
	}
	return true
}

// describePositions fills in symbol and name from the instrument resolver.
// Lookup failures leave the position as reported.
func (s *Service) describePositions(ctx context.Context, positions []model.Position) {
	if s.resolver == nil {
		return
	}
	for i := range positions {
		p := &positions[i]
		if p.Symbol != "" || p.InstrumentID == "" {
			continue
		}
		inst, err := s.resolver.Resolve(ctx, p.InstrumentID)
		if err != nil {
			s.logger.Debug("instrument lookup failed", "instrument", p.InstrumentID, "err", err)
			continue
		}
		p.Symbol, p.Name = inst.Symbol, inst.Name
		if p.InstrumentType == "" {
			p.InstrumentType = inst.Type
		}
	}
}

func (s *Service) writeSourceError(w http.ResponseWriter, msg string, err error) {
	s.logger.Warn(msg, "err", err)
	writeError(w, msg+": "+err.Error(), http.StatusBadGateway)
}

// --- Loading ---

// Load handles POST /api/v1/operations/load
// The cycle runs in the background (202) unless ?wait=true, in which case
// the response is the terminal outcome.
func (s *Service) Load(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	from, err := parseTime(req.From, s.loc, false)
	if err != nil {
		writeError(w, "invalid from: "+err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTime(req.To, s.loc, true)
	if err != nil {
		writeError(w, "invalid to: "+err.Error(), http.StatusBadRequest)
		return
	}

	done, err := s.engine.Start(s.baseCtx, from, to)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.respond(w, r, done)
}

// LoadMore handles POST /api/v1/operations/more
func (s *Service) LoadMore(w http.ResponseWriter, r *http.Request) {
	done, err := s.engine.StartMore(s.baseCtx)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.respond(w, r, done)
}

func (s *Service) respond(w http.ResponseWriter, r *http.Request, done <-chan ingest.Outcome) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		select {
		case out := <-done:
			writeJSON(w, http.StatusOK, out)
		case <-r.Context().Done():
			// client went away; the cycle keeps running
		}
		return
	}
	writeJSON(w, http.StatusAccepted, s.engine.Status())
}

// Cancel handles POST /api/v1/operations/cancel
func (s *Service) Cancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.engine.Cancel()})
}

// --- Views ---

// ListOperations handles GET /api/v1/operations
// Optionally filtered by ?filter=<all|buy|sell|income|expense>.
func (s *Service) ListOperations(w http.ResponseWriter, r *http.Request) {
	ops := s.engine.Operations()
	if v := r.URL.Query().Get("filter"); v != "" {
		f, err := grouping.ParseFilter(v)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		ops = grouping.Apply(ops, f)
	}
	writeJSON(w, http.StatusOK, OperationsResponse{Operations: ops, Count: len(ops)})
}

// GetStatistics handles GET /api/v1/operations/stats
func (s *Service) GetStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Statistics())
}

// GetGroups handles GET /api/v1/operations/groups
// Without ?filter= the engine's current filter is used.
func (s *Service) GetGroups(w http.ResponseWriter, r *http.Request) {
	f := s.engine.Status().Filter
	if v := r.URL.Query().Get("filter"); v != "" {
		parsed, err := grouping.ParseFilter(v)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		f = parsed
	}
	writeJSON(w, http.StatusOK, s.engine.View(f))
}

// SetFilter handles PUT /api/v1/operations/filter
func (s *Service) SetFilter(w http.ResponseWriter, r *http.Request) {
	var req FilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f, err := grouping.ParseFilter(req.Filter)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.engine.SetFilter(f)
	writeJSON(w, http.StatusOK, FilterRequest{Filter: string(f)})
}

// GetStatus handles GET /api/v1/operations/status
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// --- Snapshots ---

// ListSnapshots handles GET /api/v1/snapshots?limit=N
func (s *Service) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := defaultSnapshotLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	snaps, err := s.store.ListSnapshots(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []model.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// GetSnapshot handles GET /api/v1/snapshots/{snapshotID}
func (s *Service) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshotID")
	snap, err := s.store.GetSnapshot(r.Context(), id)
	s.writeSnapshot(w, snap, err)
}

// LatestSnapshot handles GET /api/v1/snapshots/latest
func (s *Service) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.LatestSnapshot(r.Context())
	s.writeSnapshot(w, snap, err)
}

func (s *Service) writeSnapshot(w http.ResponseWriter, snap *model.Snapshot, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "snapshot not found", http.StatusNotFound)
	case err != nil:
		s.logger.Error("failed to read snapshot", "err", err)
		writeError(w, "failed to read snapshot", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

// --- Helpers ---

// parseTime accepts RFC3339 or a bare date in loc. A bare date is the start
// of that day, or its last instant when endOfDay is set.
func parseTime(s string, loc *time.Location, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("value is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, errBadTime
	}
	if endOfDay {
		return d.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
	}
	return d, nil
}

// writeEngineError maps pre-flight rejections to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidRange):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ingest.ErrNotConnected):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, ingest.ErrAlreadyInProgress):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ingest.ErrNoCycle):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
