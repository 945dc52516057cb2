package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"idletown/internal/config"
	"idletown/internal/economy"
	"idletown/internal/market"
	"idletown/internal/metrics"
	"idletown/internal/placement"
	"idletown/internal/presence"
	"idletown/internal/store"
	"idletown/internal/world"
)

// PlayerHeader identifies the caller. Authentication happens in front of
// this service.
const PlayerHeader = "X-Player-ID"

// minNearbyCap is the floor of the nearby radius cap; the cap grows with
// the configured view distance.
const minNearbyCap = 200

type contextKey string

const playerContextKey contextKey = "player"

type Server struct {
	cfg      config.APIConfig
	tunables config.Tunables
	log      *slog.Logger
	store    store.Store
	hub      *presence.Hub
	metrics  *metrics.Metrics
	mux      *chi.Mux
}

func New(cfg config.APIConfig, tunables config.Tunables, logger *slog.Logger, st store.Store, hub *presence.Hub, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		tunables: tunables,
		log:      logger,
		store:    st,
		hub:      hub,
		metrics:  m,
		mux:      chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Method(http.MethodGet, "/presence", s.hub)
		}
		r.Get("/market", s.handleQuotes)
		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/tunables", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.tunables)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Use(playerMiddleware)
			r.Post("/players", s.handleEnsurePlayer)
			r.Get("/players/me", s.handleGetPlayer)
			r.Patch("/players/me", s.handlePatchPlayer)

			r.Get("/entities/nearby", s.handleNearby)
			r.Get("/entities", s.handleListEntities)
			r.Post("/entities", s.handleCommitConstruction)
			r.Post("/entities/{id}/upgrade", s.handleUpgrade)

			r.Post("/market/orders", s.handleOrder)
			r.Post("/transfers", s.handleTransfer)
		})
	})
}

func playerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(PlayerHeader))
		if id == "" || len(id) > 64 {
			writeError(w, http.StatusUnauthorized, "missing or invalid "+PlayerHeader)
			return
		}
		ctx := context.WithValue(r.Context(), playerContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func playerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(playerContextKey).(string)
	return id
}

func (s *Server) handleEnsurePlayer(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &in); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pl, err := s.store.EnsurePlayer(r.Context(), playerFromContext(r.Context()), in.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pl)
}

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	pl, err := s.store.GetPlayerState(r.Context(), playerFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pl)
}

func (s *Server) handlePatchPlayer(w http.ResponseWriter, r *http.Request) {
	var patch economy.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pl, err := s.store.UpdatePlayerState(r.Context(), playerFromContext(r.Context()), patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pl)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	x, errX := strconv.ParseFloat(q.Get("x"), 64)
	z, errZ := strconv.ParseFloat(q.Get("z"), 64)
	if errX != nil || errZ != nil {
		writeError(w, http.StatusBadRequest, "x and z are required numbers")
		return
	}
	radius := s.tunables.World.ViewDistance
	if raw := q.Get("radius"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || !(v > 0) {
			writeError(w, http.StatusBadRequest, "radius must be a positive number")
			return
		}
		radius = v
	}
	if limit := s.nearbyCap(); radius > limit {
		radius = limit
	}
	if !(world.Vec2{X: x, Z: z}).Valid() {
		writeDomainError(w, world.ErrCorruptPosition)
		return
	}
	items, err := s.store.QueryEntitiesNear(r.Context(), x, z, radius)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) nearbyCap() float64 {
	return math.Max(minNearbyCap, s.tunables.World.ViewDistance)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		owner = playerFromContext(r.Context())
	}
	items, err := s.store.ListEntitiesByOwner(r.Context(), owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCommitConstruction(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Type world.BuildingType `json:"type"`
		X    float64            `json:"x"`
		Z    float64            `json:"z"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := s.store.CommitConstruction(r.Context(), store.Construction{
		OwnerID:        playerFromContext(r.Context()),
		Type:           in.Type,
		X:              in.X,
		Z:              in.Z,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.metrics.EntityCreated()
	if s.hub != nil {
		s.hub.BroadcastEntity(e)
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.UpgradeEntity(r.Context(), playerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.store.Quotes(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": quotes})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Symbol   string `json:"symbol"`
		Side     string `json:"side"`
		Quantity int64  `json:"quantity"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, err := market.ParseSide(in.Side)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	fill, err := s.store.Trade(r.Context(), market.Order{
		PlayerID: playerFromContext(r.Context()),
		Symbol:   in.Symbol,
		Side:     side,
		Quantity: in.Quantity,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.metrics.Trade(string(side))
	writeJSON(w, http.StatusOK, fill)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var in struct {
		To     string  `json:"to"`
		Amount float64 `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.store.Transfer(r.Context(), playerFromContext(r.Context()), strings.TrimSpace(in.To), in.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.store.Leaderboard(r.Context(), store.ClampLimit(limit))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

// Error codes let clients recover the sentinel behind a failed call.
const (
	CodeInsufficientFunds  = "insufficient_funds"
	CodeProtectedZone      = "protected_zone"
	CodeOccupied           = "occupied"
	CodeCorruptPosition    = "corrupt_position"
	CodeNotFound           = "not_found"
	CodeNotOwner           = "not_owner"
	CodeConflict           = "conflict"
	CodeMaxLevel           = "max_level"
	CodeUnknownBuilding    = "unknown_building"
	CodeUnknownSymbol      = "unknown_symbol"
	CodeInvalidQuantity    = "invalid_quantity"
	CodeInvalidSide        = "invalid_side"
	CodeInsufficientShares = "insufficient_shares"
	CodeSelfTransfer       = "self_transfer"
	CodeInvalidAmount      = "invalid_amount"
	CodeInvalidName        = "invalid_name"
	CodeInvalidAppearance  = "invalid_appearance"
)

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, placement.ErrProtectedZone):
		writeCodedError(w, http.StatusUnprocessableEntity, CodeProtectedZone, err)
	case errors.Is(err, placement.ErrOccupied):
		writeCodedError(w, http.StatusConflict, CodeOccupied, err)
	case errors.Is(err, placement.ErrInsufficientFunds), errors.Is(err, market.ErrInsufficientFunds), errors.Is(err, economy.ErrInsufficientFunds):
		writeCodedError(w, http.StatusBadRequest, CodeInsufficientFunds, err)
	case errors.Is(err, market.ErrInsufficientShares):
		writeCodedError(w, http.StatusBadRequest, CodeInsufficientShares, err)
	case errors.Is(err, world.ErrCorruptPosition):
		writeCodedError(w, http.StatusBadRequest, CodeCorruptPosition, err)
	case errors.Is(err, world.ErrUnknownBuilding):
		writeCodedError(w, http.StatusBadRequest, CodeUnknownBuilding, err)
	case errors.Is(err, world.ErrMaxLevel):
		writeCodedError(w, http.StatusConflict, CodeMaxLevel, err)
	case errors.Is(err, world.ErrUnknownSlot), errors.Is(err, world.ErrInvalidColor):
		writeCodedError(w, http.StatusBadRequest, CodeInvalidAppearance, err)
	case errors.Is(err, market.ErrUnknownSymbol):
		writeCodedError(w, http.StatusNotFound, CodeUnknownSymbol, err)
	case errors.Is(err, market.ErrInvalidQuantity):
		writeCodedError(w, http.StatusBadRequest, CodeInvalidQuantity, err)
	case errors.Is(err, market.ErrInvalidSide):
		writeCodedError(w, http.StatusBadRequest, CodeInvalidSide, err)
	case errors.Is(err, store.ErrNotOwner):
		writeCodedError(w, http.StatusForbidden, CodeNotOwner, err)
	case errors.Is(err, store.ErrNotFound):
		writeCodedError(w, http.StatusNotFound, CodeNotFound, err)
	case errors.Is(err, store.ErrSelfTransfer):
		writeCodedError(w, http.StatusBadRequest, CodeSelfTransfer, err)
	case errors.Is(err, store.ErrInvalidAmount), errors.Is(err, economy.ErrInvalidAmount):
		writeCodedError(w, http.StatusBadRequest, CodeInvalidAmount, err)
	case errors.Is(err, store.ErrInvalidName):
		writeCodedError(w, http.StatusBadRequest, CodeInvalidName, err)
	case errors.Is(err, store.ErrConflict):
		writeCodedError(w, http.StatusConflict, CodeConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func writeCodedError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(err.Error()), "code": code})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}
