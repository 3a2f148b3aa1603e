package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"pet-arena/internal/db"
	"pet-arena/internal/engine"
	"pet-arena/internal/ledger"
	"pet-arena/internal/model"
	"pet-arena/internal/ws"
)

const RoleAdmin = "admin"

type Server struct {
	store  *db.Store
	svc    *engine.Service
	ledger *ledger.Ledger
	hub    *ws.Hub
	secret []byte
}

func NewServer(store *db.Store, svc *engine.Service, led *ledger.Ledger, hub *ws.Hub, secret string) *Server {
	return &Server{store: store, svc: svc, ledger: led, hub: hub, secret: []byte(secret)}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	// Health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	// WebSocket, optionally bound to the caller's address via ?token=
	r.Get("/ws", s.serveWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/status", s.getStatus)
		r.Get("/api/ledger", s.getLedger)
		r.Get("/api/catalog", s.getCatalog)

		r.Post("/api/battles", s.postBattle)
		r.Get("/api/battles", s.getMyBattles)

		r.Post("/api/care", s.postCare)
		r.Get("/api/drops", s.getDrops)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/credit", s.adminCredit)
			r.Post("/api/admin/debit", s.adminDebit)
			r.Post("/api/admin/boost", s.adminBoost)
			r.Post("/api/admin/alive", s.adminAlive)
			r.Get("/api/admin/battles", s.adminBattles)
			r.Get("/api/admin/accounts/{address}", s.adminAccount)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

// MakeToken signs a bearer token for an address. Wallet sign-in happens
// upstream; this is what it hands back to clients.
func MakeToken(secret []byte, address, role string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": address,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

type ctxKey string

const (
	ctxAddress ctxKey = "address"
	ctxRole    ctxKey = "role"
)

// parseToken returns the canonical address and role carried by a token.
func (s *Server) parseToken(tokenStr string) (string, string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	if !model.VerifyChecksum(sub) {
		return "", "", fmt.Errorf("bad address checksum")
	}
	addr, err := model.CanonicalAddress(sub)
	if err != nil || addr == model.HouseAddress {
		return "", "", fmt.Errorf("invalid subject")
	}
	role, _ := claims["role"].(string)
	return addr, role, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		addr, role, err := s.parseToken(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			jsonErr(w, 401, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), ctxAddress, addr)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != RoleAdmin {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) string {
	return r.Context().Value(ctxAddress).(string)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	self := ""
	if tok := r.URL.Query().Get("token"); tok != "" {
		addr, _, err := s.parseToken(tok)
		if err != nil {
			jsonErr(w, 401, err.Error())
			return
		}
		self = addr
	}
	s.hub.Serve(w, r, self)
}

// ── Player ───────────────────────────────────────────

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Status(r.Context(), caller(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, snap)
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListLedger(r.Context(), caller(r), limitParam(r, 50, 500))
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	json200(w, entries)
}

func (s *Server) getCatalog(w http.ResponseWriter, r *http.Request) {
	items := s.svc.Catalog().Items()
	if items == nil {
		items = []model.Item{}
	}
	json200(w, items)
}

func (s *Server) postBattle(w http.ResponseWriter, r *http.Request) {
	var req model.BattleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Defender == "" {
		jsonErr(w, 400, "defender required")
		return
	}
	out, err := s.svc.Battle(r.Context(), caller(r), req.Defender)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, out)
}

func (s *Server) getMyBattles(w http.ResponseWriter, r *http.Request) {
	battles, err := s.store.ListBattles(r.Context(), caller(r), limitParam(r, 20, 200))
	if err != nil {
		writeErr(w, err)
		return
	}
	if battles == nil {
		battles = []model.BattleRecord{}
	}
	json200(w, battles)
}

func (s *Server) postCare(w http.ResponseWriter, r *http.Request) {
	var req model.CareReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if !req.Action.Valid() {
		jsonErr(w, 400, "action must be feed, play, clean or train")
		return
	}
	att, err := s.svc.PerformCare(r.Context(), caller(r), req.Action)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, att)
}

func (s *Server) getDrops(w http.ResponseWriter, r *http.Request) {
	drops, err := s.store.ListDropAttempts(r.Context(), caller(r), limitParam(r, 20, 200))
	if err != nil {
		writeErr(w, err)
		return
	}
	if drops == nil {
		drops = []model.DropAttempt{}
	}
	json200(w, drops)
}

// ── Admin ────────────────────────────────────────────

func decodeLedgerReq(r *http.Request, fallback model.LedgerReason) (ledger.Request, error) {
	var req model.LedgerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ledger.Request{}, fmt.Errorf("%w: invalid json", model.ErrInvalidAmount)
	}
	addr, err := model.CanonicalAddress(req.Address)
	if err != nil {
		return ledger.Request{}, err
	}
	if req.Reason == "" {
		req.Reason = fallback
	}
	return ledger.Request{Address: addr, AmountRp: req.AmountRp, Reason: req.Reason, SwapID: req.SwapID, Metadata: req.Metadata}, nil
}

func (s *Server) adminCredit(w http.ResponseWriter, r *http.Request) {
	req, err := decodeLedgerReq(r, model.ReasonAdminAdjust)
	if err != nil {
		writeErr(w, err)
		return
	}
	var res ledger.Result
	if req.SwapID != nil {
		res, err = s.ledger.CreditOnce(r.Context(), *req.SwapID, req)
	} else {
		res, err = s.ledger.Credit(r.Context(), req)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	s.hub.Publish(req.Address, "balance", map[string]any{"address": req.Address, "balance": res.BalanceAfter})
	json200(w, res)
}

func (s *Server) adminDebit(w http.ResponseWriter, r *http.Request) {
	req, err := decodeLedgerReq(r, model.ReasonAdminAdjust)
	if err != nil {
		writeErr(w, err)
		return
	}
	var res ledger.Result
	if req.SwapID != nil {
		res, err = s.ledger.DebitOnce(r.Context(), *req.SwapID, req)
	} else {
		res, err = s.ledger.Debit(r.Context(), req)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	s.hub.Publish(req.Address, "balance", map[string]any{"address": req.Address, "balance": res.BalanceAfter})
	json200(w, res)
}

func (s *Server) adminBoost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address    string `json:"address"`
		Level      int    `json:"level"`
		DurationMs int64  `json:"duration_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	acc, err := s.svc.SetBooster(r.Context(), req.Address, req.Level, time.Duration(req.DurationMs)*time.Millisecond)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, acc)
}

func (s *Server) adminAlive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
		Alive   bool   `json:"alive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	acc, err := s.svc.SetAlive(r.Context(), req.Address, req.Alive)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, acc)
}

func (s *Server) adminBattles(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("address")
	if addr != "" {
		var err error
		if addr, err = model.CanonicalAddress(addr); err != nil {
			writeErr(w, err)
			return
		}
	}
	battles, err := s.store.ListBattles(r.Context(), addr, limitParam(r, 100, 500))
	if err != nil {
		writeErr(w, err)
		return
	}
	if battles == nil {
		battles = []model.BattleRecord{}
	}
	json200(w, battles)
}

func (s *Server) adminAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := model.CanonicalAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeErr(w, err)
		return
	}
	acc, err := s.store.GetAccount(r.Context(), addr)
	if err != nil {
		writeErr(w, err)
		return
	}
	if acc == nil {
		jsonErr(w, 404, "account not found")
		return
	}
	sum, err := s.store.SumLedger(r.Context(), addr)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]any{"account": acc, "ledger_sum": sum})
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeErr maps domain errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		jsonErr(w, 402, "not enough balance")
	case errors.Is(err, model.ErrConcurrencyConflict):
		w.Header().Set("Retry-After", "1")
		jsonErr(w, 409, "busy, please retry")
	case errors.Is(err, ledger.ErrSwapMismatch):
		jsonErr(w, 409, err.Error())
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrNotEligible),
		errors.Is(err, model.ErrInvalidAddress):
		jsonErr(w, 400, err.Error())
	case errors.Is(err, model.ErrNotFound):
		jsonErr(w, 404, err.Error())
	case errors.Is(err, model.ErrConfiguration):
		log.Printf("[api] configuration error: %v", err)
		jsonErr(w, 500, "server misconfigured")
	default:
		log.Printf("[api] internal error: %v", err)
		jsonErr(w, 500, "internal error")
	}
}

func limitParam(r *http.Request, def, max int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= max {
		return n
	}
	return def
}
