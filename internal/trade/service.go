// Package trade provides the HTTP surface of the perp engine: position
// lifecycle, pool liquidity, fee administration, and the WebSocket feed.
//
// All monetary values are unsigned integer base units; share prices are
// shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/perpx/perp-engine/internal/asset"
	"github.com/perpx/perp-engine/internal/custody"
	"github.com/perpx/perp-engine/internal/fee"
	"github.com/perpx/perp-engine/internal/fixedmath"
	"github.com/perpx/perp-engine/internal/metrics"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/oracle"
	"github.com/perpx/perp-engine/internal/pool"
	"github.com/perpx/perp-engine/internal/position"
	"github.com/perpx/perp-engine/internal/risk"
	"github.com/perpx/perp-engine/internal/store"
)

// Identity headers. Traders identify with X-Trader-ID; privileged
// callers present X-Api-Key which resolves to the admin or automation
// identity.
const (
	HeaderTraderID = "X-Trader-ID"
	HeaderAPIKey   = "X-Api-Key"
)

// Service binds the engines to HTTP handlers.
type Service struct {
	pools     *pool.Engine
	positions *position.Engine
	fees      *fee.Engine
	prices    oracle.Source

	adminKey      string
	automationKey string
	automationID  string

	wsHub *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(pools *pool.Engine, positions *position.Engine, fees *fee.Engine,
	prices oracle.Source, adminKey, automationKey, automationID string, hub *WSHub) *Service {
	return &Service{
		pools:         pools,
		positions:     positions,
		fees:          fees,
		prices:        prices,
		adminKey:      adminKey,
		automationKey: automationKey,
		automationID:  automationID,
		wsHub:         hub,
	}
}

// Register mounts every route under the given router.
func (s *Service) Register(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Get("/pools", s.ListPools)
	r.Post("/pools", s.RegisterAsset)
	r.Get("/pools/{asset}", s.GetPool)
	r.Get("/pools/{asset}/price", s.GetPrice)
	r.Post("/pools/{asset}/deposit", s.DepositLiquidity)
	r.Post("/pools/{asset}/withdraw", s.WithdrawLiquidity)
	r.Get("/pools/{asset}/shares/{holder}", s.GetShareBalance)
	r.Post("/pools/{asset}/pause", s.PausePool)
	r.Post("/pools/{asset}/unpause", s.UnpausePool)
	r.Post("/pools/{asset}/emergency-withdraw", s.EmergencyWithdraw)

	r.Post("/positions", s.OpenPosition)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Get("/positions/{positionID}/pnl", s.GetUnrealizedPnL)
	r.Post("/positions/{positionID}/close", s.ClosePosition)
	r.Post("/positions/{positionID}/force-close", s.ForceClosePosition)
	r.Get("/traders/{traderID}/positions", s.ListTraderPositions)

	r.Get("/fees/config", s.GetFeeConfig)
	r.Get("/fees/stats", s.GetFeeStats)
	r.Post("/fees/rate", s.SetFeeRate)
	r.Post("/fees/shares", s.SetFeeShares)
	r.Post("/fees/recipient", s.SetProtocolRecipient)
	r.Post("/fees/admin", s.TransferFeeAdmin)
	r.Post("/fees/pause", s.PauseFees)
	r.Post("/fees/unpause", s.UnpauseFees)
}

// --- Request/Response types ---

// RegisterAssetRequest is the JSON body for pool registration.
type RegisterAssetRequest struct {
	Symbol   string `json:"symbol"`
	Pair     string `json:"pair"` // BASE/QUOTE, base must match symbol
	Decimals uint32 `json:"decimals"`
}

// LiquidityRequest is the JSON body for deposits (base units) and
// withdrawals (shares).
type LiquidityRequest struct {
	Amount uint64 `json:"amount"`
}

// LiquidityResponse reports the executed amount and resulting snapshot.
type LiquidityResponse struct {
	Asset  string             `json:"asset"`
	Amount uint64             `json:"amount"`
	Shares uint64             `json:"shares"`
	Pool   model.PoolSnapshot `json:"pool"`
}

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	Asset     string `json:"asset"`
	Wager     uint64 `json:"wager"`    // base units
	Leverage  uint32 `json:"leverage"` // 1..100
	Direction string `json:"direction"`
}

// FeeRateRequest, FeeSharesRequest, and RecipientRequest carry fee
// administration parameters.
type FeeRateRequest struct {
	RateBps uint32 `json:"rate_bps"`
}

type FeeSharesRequest struct {
	TreasuryBps uint32 `json:"treasury_bps"`
	ProtocolBps uint32 `json:"protocol_bps"`
}

type RecipientRequest struct {
	Recipient string `json:"recipient"`
}

// --- Pool handlers ---

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.pools.List(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	if snaps == nil {
		snaps = []model.PoolSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// RegisterAsset handles POST /api/v1/pools (admin only).
func (s *Service) RegisterAsset(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		writeError(w, "admin key required", http.StatusForbidden)
		return
	}
	var req RegisterAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	desc, err := asset.NewDescriptor(req.Symbol, req.Pair, req.Decimals)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := s.pools.RegisterAsset(r.Context(), desc)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPool handles GET /api/v1/pools/{asset}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pools.Snapshot(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetPrice handles GET /api/v1/pools/{asset}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := s.pools.Snapshot(ctx, chi.URLParam(r, "asset"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	q, err := s.prices.GetPrice(ctx, snap.Pair)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// DepositLiquidity handles POST /api/v1/pools/{asset}/deposit
func (s *Service) DepositLiquidity(w http.ResponseWriter, r *http.Request) {
	owner := s.identity(r)
	if owner == "" {
		writeError(w, "X-Trader-ID header is required", http.StatusBadRequest)
		return
	}
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	a := chi.URLParam(r, "asset")
	snap, err := s.pools.Snapshot(ctx, a)
	if err != nil {
		s.respondError(w, err)
		return
	}
	q, err := s.prices.GetPrice(ctx, snap.Pair)
	if err != nil {
		s.respondError(w, err)
		return
	}

	shares, err := s.pools.Deposit(ctx, owner, a, req.Amount, q)
	if err != nil {
		s.respondError(w, err)
		return
	}
	metrics.PoolDeposits.WithLabelValues(a).Inc()

	snap, err = s.pools.Snapshot(ctx, a)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.broadcastLiquidity("liquidity_deposited", a, req.Amount, shares)
	writeJSON(w, http.StatusOK, LiquidityResponse{
		Asset: a, Amount: req.Amount, Shares: shares, Pool: *snap,
	})
}

// WithdrawLiquidity handles POST /api/v1/pools/{asset}/withdraw
func (s *Service) WithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	owner := s.identity(r)
	if owner == "" {
		writeError(w, "X-Trader-ID header is required", http.StatusBadRequest)
		return
	}
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	a := chi.URLParam(r, "asset")
	amount, err := s.pools.Withdraw(ctx, owner, a, req.Amount)
	if err != nil {
		s.respondError(w, err)
		return
	}
	metrics.PoolWithdrawals.WithLabelValues(a).Inc()

	snap, err := s.pools.Snapshot(ctx, a)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.broadcastLiquidity("liquidity_withdrawn", a, amount, req.Amount)
	writeJSON(w, http.StatusOK, LiquidityResponse{
		Asset: a, Amount: amount, Shares: req.Amount, Pool: *snap,
	})
}

// GetShareBalance handles GET /api/v1/pools/{asset}/shares/{holder}
func (s *Service) GetShareBalance(w http.ResponseWriter, r *http.Request) {
	a := chi.URLParam(r, "asset")
	holder := chi.URLParam(r, "holder")
	balance, err := s.pools.ShareBalance(r.Context(), a, holder)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset": a, "holder": holder, "shares": balance,
	})
}

// PausePool handles POST /api/v1/pools/{asset}/pause (admin only).
func (s *Service) PausePool(w http.ResponseWriter, r *http.Request) {
	s.setPoolPaused(w, r, true)
}

// UnpausePool handles POST /api/v1/pools/{asset}/unpause (admin only).
func (s *Service) UnpausePool(w http.ResponseWriter, r *http.Request) {
	s.setPoolPaused(w, r, false)
}

func (s *Service) setPoolPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if !s.isAdmin(r) {
		writeError(w, "admin key required", http.StatusForbidden)
		return
	}
	a := chi.URLParam(r, "asset")
	var err error
	if paused {
		err = s.pools.Pause(r.Context(), a)
	} else {
		err = s.pools.Unpause(r.Context(), a)
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": a, "paused": paused})
}

// EmergencyWithdraw handles POST /api/v1/pools/{asset}/emergency-withdraw
// (admin only, pool must be paused).
func (s *Service) EmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		writeError(w, "admin key required", http.StatusForbidden)
		return
	}
	var req RecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Recipient == "" {
		writeError(w, "recipient is required", http.StatusBadRequest)
		return
	}
	a := chi.URLParam(r, "asset")
	amount, err := s.pools.EmergencyWithdraw(r.Context(), a, req.Recipient)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": a, "amount": amount})
}

// --- Position handlers ---

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	owner := s.identity(r)
	if owner == "" {
		writeError(w, "X-Trader-ID header is required", http.StatusBadRequest)
		return
	}
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, err := s.positions.Open(r.Context(), owner, req.Asset, req.Wager,
		req.Leverage, model.Direction(req.Direction))
	if err != nil {
		if errors.Is(err, position.ErrInsufficientPoolLiquidity) {
			metrics.LiquidityRejections.Inc()
		}
		s.respondError(w, err)
		return
	}
	metrics.PositionsOpened.WithLabelValues(string(pos.Direction)).Inc()

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "position_opened",
			Asset:      pos.Asset,
			PositionID: pos.ID,
			Owner:      pos.Owner,
			Direction:  string(pos.Direction),
			Price:      formatUint(pos.EntryPrice),
			Wagered:    formatUint(pos.Wagered),
		})
	}
	writeJSON(w, http.StatusCreated, pos)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.positions.Get(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetUnrealizedPnL handles GET /api/v1/positions/{positionID}/pnl
func (s *Service) GetUnrealizedPnL(w http.ResponseWriter, r *http.Request) {
	view, err := s.positions.UnrealizedPnL(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	owner := s.identity(r)
	if owner == "" {
		writeError(w, "X-Trader-ID header is required", http.StatusBadRequest)
		return
	}
	start := time.Now()
	pos, err := s.positions.Close(r.Context(), owner, chi.URLParam(r, "positionID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.recordSettlement(pos, start)
	writeJSON(w, http.StatusOK, pos)
}

// ForceClosePosition handles POST /api/v1/positions/{positionID}/force-close
// (automation key only).
func (s *Service) ForceClosePosition(w http.ResponseWriter, r *http.Request) {
	caller := s.identity(r)
	if r.Header.Get(HeaderAPIKey) == s.automationKey && s.automationKey != "" {
		caller = s.automationID
	}
	start := time.Now()
	pos, err := s.positions.ForceClose(r.Context(), caller, chi.URLParam(r, "positionID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.recordSettlement(pos, start)
	writeJSON(w, http.StatusOK, pos)
}

// ListTraderPositions handles GET /api/v1/traders/{traderID}/positions
func (s *Service) ListTraderPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.positions.History(r.Context(), chi.URLParam(r, "traderID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Service) recordSettlement(pos *model.Position, start time.Time) {
	metrics.PositionsClosed.WithLabelValues(pos.CloseReason).Inc()
	metrics.SettlementLatency.WithLabelValues(pos.CloseReason).
		Observe(time.Since(start).Seconds())

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "position_settled",
			Asset:      pos.Asset,
			PositionID: pos.ID,
			Owner:      pos.Owner,
			Direction:  string(pos.Direction),
			Price:      formatUint(pos.ExitPrice),
			Payout:     formatUint(pos.Payout),
			Reason:     pos.CloseReason,
		})
	}
}

// --- Fee handlers ---

// GetFeeConfig handles GET /api/v1/fees/config
func (s *Service) GetFeeConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.fees.Config(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GetFeeStats handles GET /api/v1/fees/stats
func (s *Service) GetFeeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.fees.Stats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// SetFeeRate handles POST /api/v1/fees/rate. The caller identity must
// match the configured fee admin.
func (s *Service) SetFeeRate(w http.ResponseWriter, r *http.Request) {
	var req FeeRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.feeAdminResult(w, r, s.fees.SetFeeRate(r.Context(), s.identity(r), req.RateBps))
}

// SetFeeShares handles POST /api/v1/fees/shares
func (s *Service) SetFeeShares(w http.ResponseWriter, r *http.Request) {
	var req FeeSharesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.feeAdminResult(w, r, s.fees.SetFeeShares(r.Context(), s.identity(r), req.TreasuryBps, req.ProtocolBps))
}

// SetProtocolRecipient handles POST /api/v1/fees/recipient
func (s *Service) SetProtocolRecipient(w http.ResponseWriter, r *http.Request) {
	var req RecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.feeAdminResult(w, r, s.fees.SetProtocolRecipient(r.Context(), s.identity(r), req.Recipient))
}

// TransferFeeAdmin handles POST /api/v1/fees/admin
func (s *Service) TransferFeeAdmin(w http.ResponseWriter, r *http.Request) {
	var req RecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.feeAdminResult(w, r, s.fees.TransferAdmin(r.Context(), s.identity(r), req.Recipient))
}

// PauseFees handles POST /api/v1/fees/pause
func (s *Service) PauseFees(w http.ResponseWriter, r *http.Request) {
	s.feeAdminResult(w, r, s.fees.Pause(r.Context(), s.identity(r)))
}

// UnpauseFees handles POST /api/v1/fees/unpause
func (s *Service) UnpauseFees(w http.ResponseWriter, r *http.Request) {
	s.feeAdminResult(w, r, s.fees.Unpause(r.Context(), s.identity(r)))
}

func (s *Service) feeAdminResult(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.respondError(w, err)
		return
	}
	cfg, err := s.fees.Config(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- Identity and error plumbing ---

func (s *Service) identity(r *http.Request) string {
	return r.Header.Get(HeaderTraderID)
}

func (s *Service) isAdmin(r *http.Request) bool {
	return s.adminKey != "" && r.Header.Get(HeaderAPIKey) == s.adminKey
}

func (s *Service) broadcastLiquidity(event, a string, amount, shares uint64) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:   event,
		Asset:  a,
		Amount: formatUint(amount),
		Shares: formatUint(shares),
	})
}

func (s *Service) respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

// statusFor maps engine sentinels onto HTTP status codes. Invariant
// violations stay 500: they mean the books are wrong, not the request.
func statusFor(err error) int {
	switch {
	case errors.Is(err, position.ErrNotFound),
		errors.Is(err, pool.ErrUnsupportedAsset),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, oracle.ErrUnknownPair):
		return http.StatusNotFound

	case errors.Is(err, position.ErrNotAuthorized),
		errors.Is(err, position.ErrNotOwner),
		errors.Is(err, fee.ErrNotAuthorized):
		return http.StatusForbidden

	case errors.Is(err, oracle.ErrStaleQuote),
		errors.Is(err, oracle.ErrZeroPrice):
		return http.StatusServiceUnavailable

	case errors.Is(err, position.ErrPaused),
		errors.Is(err, position.ErrExistingOpenPosition),
		errors.Is(err, position.ErrPositionClosed),
		errors.Is(err, position.ErrNotEligible),
		errors.Is(err, position.ErrInsufficientPoolLiquidity),
		errors.Is(err, pool.ErrPaused),
		errors.Is(err, pool.ErrNotPaused),
		errors.Is(err, pool.ErrAlreadyExists),
		errors.Is(err, pool.ErrInsufficientShares),
		errors.Is(err, pool.ErrInsufficientLiquidity),
		errors.Is(err, fee.ErrPaused),
		errors.Is(err, custody.ErrInsufficientBalance),
		errors.Is(err, risk.ErrAssetNotionalCap),
		errors.Is(err, risk.ErrTraderWagerCap):
		return http.StatusConflict

	case errors.Is(err, position.ErrInvalidAmount),
		errors.Is(err, position.ErrInvalidDirection),
		errors.Is(err, position.ErrBelowMinimum),
		errors.Is(err, position.ErrInsufficientPayout),
		errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, pool.ErrBelowMinimum),
		errors.Is(err, fee.ErrInvalidRate),
		errors.Is(err, fee.ErrInvalidShares),
		errors.Is(err, fee.ErrInvalidAddress),
		errors.Is(err, fixedmath.ErrInvalidLeverage),
		errors.Is(err, fixedmath.ErrOverflow):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
