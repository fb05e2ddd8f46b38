package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/recurswap/keeperd/internal/domain"
	"github.com/recurswap/keeperd/internal/ledger"
)

// AdminHandler serves the authorization-gated protocol administration
// endpoints. The server mounts these behind API-key auth.
type AdminHandler struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(led *ledger.Ledger, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{ledger: led, logger: logger}
}

// feeTierJSON is the wire form of one fee tier. A missing max_notional_usd
// marks the open-ended top bracket.
type feeTierJSON struct {
	MaxNotionalUSD string `json:"max_notional_usd,omitempty"`
	Bps            uint32 `json:"bps"`
}

// protocolJSON is the wire form of the protocol fee configuration.
type protocolJSON struct {
	FeeTiers             []feeTierJSON `json:"fee_tiers"`
	FixedExecutionFeeUSD string        `json:"fixed_execution_fee_usd"`
	GasPremiumBps        uint32        `json:"gas_premium_bps"`
	FeeCollector         string        `json:"fee_collector"`
	PublicGraceSecs      int64         `json:"public_grace_secs"`
	PublicTipBps         uint32        `json:"public_tip_bps"`
}

// GetProtocol returns the active protocol fee configuration.
// GET /api/admin/protocol
func (h *AdminHandler) GetProtocol(w http.ResponseWriter, r *http.Request) {
	cfg := h.ledger.Protocol()

	tiers := make([]feeTierJSON, 0, len(cfg.FeeTiers))
	for _, t := range cfg.FeeTiers {
		tj := feeTierJSON{Bps: t.Bps}
		if t.MaxNotionalUSD != nil {
			tj.MaxNotionalUSD = t.MaxNotionalUSD.String()
		}
		tiers = append(tiers, tj)
	}

	writeJSON(w, http.StatusOK, protocolJSON{
		FeeTiers:             tiers,
		FixedExecutionFeeUSD: bigString(cfg.FixedExecutionFeeUSD),
		GasPremiumBps:        cfg.GasPremiumBps,
		FeeCollector:         cfg.FeeCollector.Hex(),
		PublicGraceSecs:      int64(cfg.PublicGracePeriod / time.Second),
		PublicTipBps:         cfg.PublicTipBps,
	})
}

// UpdateProtocol replaces the protocol fee configuration.
// PUT /api/admin/protocol
func (h *AdminHandler) UpdateProtocol(w http.ResponseWriter, r *http.Request) {
	var req protocolJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg := domain.ProtocolConfig{
		GasPremiumBps:     req.GasPremiumBps,
		PublicGracePeriod: time.Duration(req.PublicGraceSecs) * time.Second,
		PublicTipBps:      req.PublicTipBps,
	}
	var err error
	if req.FixedExecutionFeeUSD != "" {
		if cfg.FixedExecutionFeeUSD, err = parseBig(req.FixedExecutionFeeUSD); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if req.FeeCollector != "" {
		if cfg.FeeCollector, err = parseAddress(req.FeeCollector); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	for _, tj := range req.FeeTiers {
		tier := domain.FeeTier{Bps: tj.Bps}
		if tj.MaxNotionalUSD != "" {
			if tier.MaxNotionalUSD, err = parseBig(tj.MaxNotionalUSD); err != nil {
				writeDomainError(w, err)
				return
			}
		}
		cfg.FeeTiers = append(cfg.FeeTiers, tier)
	}

	h.ledger.SetProtocol(r.Context(), cfg)
	h.logger.InfoContext(r.Context(), "admin: protocol config updated")
	h.GetProtocol(w, r)
}

// breakerJSON is the wire form of the circuit-breaker state.
type breakerJSON struct {
	GlobalPause          bool   `json:"global_pause"`
	MaxPositionsPerOwner int    `json:"max_positions_per_owner"`
	MaxGlobalPositions   int    `json:"max_global_positions"`
	MinPositionUSD       string `json:"min_position_usd,omitempty"`
	DailyVolumeCapUSD    string `json:"daily_volume_cap_usd,omitempty"`
	MaxPriceMoveBps      uint32 `json:"max_price_move_bps"`
	EmergencyDelaySecs   int64  `json:"emergency_delay_secs"`
}

// GetBreaker returns the active circuit-breaker limits.
// GET /api/admin/breaker
func (h *AdminHandler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	b := h.ledger.Breaker()

	out := breakerJSON{
		GlobalPause:          b.GlobalPause,
		MaxPositionsPerOwner: b.MaxPositionsPerOwner,
		MaxGlobalPositions:   b.MaxGlobalPositions,
		MaxPriceMoveBps:      b.MaxPriceMoveBps,
		EmergencyDelaySecs:   int64(b.EmergencyDelay / time.Second),
	}
	if b.MinPositionUSD != nil {
		out.MinPositionUSD = b.MinPositionUSD.String()
	}
	if b.DailyVolumeCapUSD != nil {
		out.DailyVolumeCapUSD = b.DailyVolumeCapUSD.String()
	}
	writeJSON(w, http.StatusOK, out)
}

// UpdateBreaker replaces the circuit-breaker limits.
// PUT /api/admin/breaker
func (h *AdminHandler) UpdateBreaker(w http.ResponseWriter, r *http.Request) {
	var req breakerJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	b := domain.BreakerState{
		GlobalPause:          req.GlobalPause,
		MaxPositionsPerOwner: req.MaxPositionsPerOwner,
		MaxGlobalPositions:   req.MaxGlobalPositions,
		MaxPriceMoveBps:      req.MaxPriceMoveBps,
		EmergencyDelay:       time.Duration(req.EmergencyDelaySecs) * time.Second,
	}
	var err error
	if req.MinPositionUSD != "" {
		if b.MinPositionUSD, err = parseBig(req.MinPositionUSD); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if req.DailyVolumeCapUSD != "" {
		if b.DailyVolumeCapUSD, err = parseBig(req.DailyVolumeCapUSD); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	h.ledger.SetBreaker(r.Context(), b)
	h.logger.InfoContext(r.Context(), "admin: breaker state updated")
	h.GetBreaker(w, r)
}

// GlobalPause halts all executions protocol-wide.
// POST /api/admin/pause
func (h *AdminHandler) GlobalPause(w http.ResponseWriter, r *http.Request) {
	h.ledger.SetGlobalPause(r.Context(), true)
	h.logger.WarnContext(r.Context(), "admin: global pause engaged")
	writeJSON(w, http.StatusOK, map[string]any{"global_pause": true})
}

// GlobalResume lifts the global pause.
// POST /api/admin/resume
func (h *AdminHandler) GlobalResume(w http.ResponseWriter, r *http.Request) {
	h.ledger.SetGlobalPause(r.Context(), false)
	h.logger.InfoContext(r.Context(), "admin: global pause lifted")
	writeJSON(w, http.StatusOK, map[string]any{"global_pause": false})
}

// quoteAssetRequest is the body for allow-list changes.
type quoteAssetRequest struct {
	Asset   string `json:"asset"`
	Allowed bool   `json:"allowed"`
}

// SetQuoteAsset adds or removes a stablecoin from the quote allow-list.
// POST /api/admin/quote-assets
func (h *AdminHandler) SetQuoteAsset(w http.ResponseWriter, r *http.Request) {
	var req quoteAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Allowed {
		h.ledger.AllowQuoteAsset(r.Context(), asset)
	} else {
		h.ledger.DisallowQuoteAsset(r.Context(), asset)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":   asset.Hex(),
		"allowed": req.Allowed,
	})
}

// Reconcile recomputes the active-position counter from storage.
// POST /api/admin/reconcile
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	count, err := h.ledger.ReconcileActiveCount(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_positions": count})
}

// Solvency returns the per-asset reserve check.
// GET /api/admin/solvency
func (h *AdminHandler) Solvency(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.SolvencyReport(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	type lineJSON struct {
		Asset     string `json:"asset"`
		Recorded  string `json:"recorded"`
		Custodied string `json:"custodied"`
		Solvent   bool   `json:"solvent"`
	}
	out := make([]lineJSON, 0, len(report))
	solvent := true
	for _, l := range report {
		if !l.Solvent {
			solvent = false
		}
		out = append(out, lineJSON{
			Asset:     l.Asset.Hex(),
			Recorded:  bigString(l.Recorded),
			Custodied: bigString(l.Custodied),
			Solvent:   l.Solvent,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"solvent": solvent,
		"assets":  out,
	})
}
