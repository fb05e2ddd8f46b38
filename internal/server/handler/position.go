package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/recurswap/keeperd/internal/domain"
	"github.com/recurswap/keeperd/internal/ledger"
	"github.com/recurswap/keeperd/internal/ownership"
)

// PositionHandler serves the position lifecycle and escrow endpoints.
type PositionHandler struct {
	ledger    *ledger.Ledger
	ownership *ownership.Registry
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(led *ledger.Ledger, own *ownership.Registry, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		ledger:    led,
		ownership: own,
		logger:    logger,
	}
}

// createPositionRequest is the JSON body for position creation. Amounts are
// decimal strings in base units; USD guards are at 18-decimal precision.
type createPositionRequest struct {
	Owner           string `json:"owner"`
	Beneficiary     string `json:"beneficiary,omitempty"`
	QuoteAsset      string `json:"quote_asset"`
	BaseAsset       string `json:"base_asset"`
	QuoteDecimals   uint8  `json:"quote_decimals"`
	BaseDecimals    uint8  `json:"base_decimals"`
	Direction       string `json:"direction"`
	AmountPerPeriod string `json:"amount_per_period"`
	PriceFloor      string `json:"price_floor,omitempty"`
	PriceCap        string `json:"price_cap,omitempty"`
	StartAt         string `json:"start_at"`
	EndAt           string `json:"end_at,omitempty"`
	Frequency       string `json:"frequency"`
	SlippageBps     uint32 `json:"slippage_bps"`
	MaxDeviationBps uint32 `json:"max_deviation_bps,omitempty"`
	TwapWindowSecs  int64  `json:"twap_window_secs,omitempty"`
	MaxBaseFeeWei   string `json:"max_base_fee_wei,omitempty"`
	MaxTipWei       string `json:"max_tip_wei,omitempty"`
	Venue           string `json:"venue,omitempty"`
	MEVProtected    bool   `json:"mev_protected,omitempty"`
}

// CreatePosition registers a new recurring position.
// POST /api/positions
func (h *PositionHandler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req createPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	params, err := h.buildCreateParams(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	pos, err := h.ledger.Create(r.Context(), caller, params)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: create position failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPositionJSON(pos))
}

func (h *PositionHandler) buildCreateParams(req createPositionRequest) (ledger.CreateParams, error) {
	var params ledger.CreateParams
	var err error

	if params.Owner, err = parseAddress(req.Owner); err != nil {
		return params, err
	}
	params.Beneficiary = params.Owner
	if req.Beneficiary != "" {
		if params.Beneficiary, err = parseAddress(req.Beneficiary); err != nil {
			return params, err
		}
	}
	if params.QuoteAsset, err = parseAddress(req.QuoteAsset); err != nil {
		return params, err
	}
	if params.BaseAsset, err = parseAddress(req.BaseAsset); err != nil {
		return params, err
	}
	params.QuoteDecimals = req.QuoteDecimals
	params.BaseDecimals = req.BaseDecimals
	params.Direction = domain.Direction(req.Direction)
	if params.AmountPerPeriod, err = parseBig(req.AmountPerPeriod); err != nil {
		return params, err
	}
	if req.PriceFloor != "" {
		if params.PriceFloor, err = parseBig(req.PriceFloor); err != nil {
			return params, err
		}
	}
	if req.PriceCap != "" {
		if params.PriceCap, err = parseBig(req.PriceCap); err != nil {
			return params, err
		}
	}
	if params.StartAt, err = parseRFC3339(req.StartAt); err != nil {
		return params, err
	}
	if req.EndAt != "" {
		if params.EndAt, err = parseRFC3339(req.EndAt); err != nil {
			return params, err
		}
	}
	params.Frequency = domain.Frequency(req.Frequency)
	params.SlippageBps = req.SlippageBps
	params.MaxDeviationBps = req.MaxDeviationBps
	params.TwapWindow = time.Duration(req.TwapWindowSecs) * time.Second
	if req.MaxBaseFeeWei != "" {
		if params.MaxBaseFeeWei, err = parseBig(req.MaxBaseFeeWei); err != nil {
			return params, err
		}
	}
	if req.MaxTipWei != "" {
		if params.MaxTipWei, err = parseBig(req.MaxTipWei); err != nil {
			return params, err
		}
	}
	params.Venue = domain.Venue(req.Venue)
	params.MEVProtected = req.MEVProtected
	return params, nil
}

// GetPosition returns one position by id.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := parsePositionID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	pos, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(pos))
}

// ListPositions returns all positions owned by an address.
// GET /api/positions?owner=0x...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("owner")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}
	owner, err := parseAddress(raw)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	positions, err := h.ledger.ListByOwner(r.Context(), owner)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("owner", owner.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	out := make([]positionJSON, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// modifyPositionRequest carries the mutable position fields. Absent fields
// are left unchanged.
type modifyPositionRequest struct {
	SlippageBps     *uint32 `json:"slippage_bps,omitempty"`
	MaxDeviationBps *uint32 `json:"max_deviation_bps,omitempty"`
	MaxBaseFeeWei   *string `json:"max_base_fee_wei,omitempty"`
	MaxTipWei       *string `json:"max_tip_wei,omitempty"`
	PriceFloor      *string `json:"price_floor,omitempty"`
	PriceCap        *string `json:"price_cap,omitempty"`
	ClearPriceFloor bool    `json:"clear_price_floor,omitempty"`
	ClearPriceCap   bool    `json:"clear_price_cap,omitempty"`
	Beneficiary     *string `json:"beneficiary,omitempty"`
	Venue           *string `json:"venue,omitempty"`
	MEVProtected    *bool   `json:"mev_protected,omitempty"`
}

// ModifyPosition updates the mutable parameters of a position.
// PATCH /api/positions/{id}
func (h *PositionHandler) ModifyPosition(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	id, err := parsePositionID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req modifyPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	params := ledger.ModifyParams{
		SlippageBps:     req.SlippageBps,
		MaxDeviationBps: req.MaxDeviationBps,
		ClearPriceFloor: req.ClearPriceFloor,
		ClearPriceCap:   req.ClearPriceCap,
		MEVProtected:    req.MEVProtected,
	}
	if req.MaxBaseFeeWei != nil {
		if params.MaxBaseFeeWei, err = parseBig(*req.MaxBaseFeeWei); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if req.MaxTipWei != nil {
		if params.MaxTipWei, err = parseBig(*req.MaxTipWei); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if req.PriceFloor != nil {
		if params.PriceFloor, err = parseBig(*req.PriceFloor); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if req.PriceCap != nil {
		if params.PriceCap, err = parseBig(*req.PriceCap); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if req.Beneficiary != nil {
		addr, err := parseAddress(*req.Beneficiary)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		params.Beneficiary = &addr
	}
	if req.Venue != nil {
		v := domain.Venue(*req.Venue)
		params.Venue = &v
	}

	pos, err := h.ledger.Modify(r.Context(), caller, id, params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(pos))
}

// PausePosition suspends execution of a position.
// POST /api/positions/{id}/pause
func (h *PositionHandler) PausePosition(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.ledger.Pause)
}

// ResumePosition re-enables execution of a paused position.
// POST /api/positions/{id}/resume
func (h *PositionHandler) ResumePosition(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.ledger.Resume)
}

// CancelPosition permanently retires a position and refunds escrow.
// POST /api/positions/{id}/cancel
func (h *PositionHandler) CancelPosition(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.ledger.Cancel)
}

// EmergencyExit arms or completes the delayed emergency exit.
// POST /api/positions/{id}/emergency-exit
func (h *PositionHandler) EmergencyExit(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.ledger.EmergencyExit)
}

func (h *PositionHandler) lifecycle(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, error),
) {
	caller, err := callerAddress(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	id, err := parsePositionID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	pos, err := op(r.Context(), caller, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(pos))
}

// escrowRequest is the JSON body for deposits and withdrawals.
type escrowRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	To     string `json:"to,omitempty"` // withdrawals only; defaults to caller
}

// Deposit credits escrow from the caller's custody balance.
// POST /api/positions/{id}/deposit
func (h *PositionHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, id, req, err := h.escrowArgs(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	amount, err := parseBig(req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	pos, err := h.ledger.Deposit(r.Context(), caller, id, asset, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(pos))
}

// Withdraw debits escrow and transfers funds out of custody.
// POST /api/positions/{id}/withdraw
func (h *PositionHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, id, req, err := h.escrowArgs(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	amount, err := parseBig(req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	to := caller
	if req.To != "" {
		if to, err = parseAddress(req.To); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	pos, err := h.ledger.Withdraw(r.Context(), caller, id, asset, amount, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(pos))
}

func (h *PositionHandler) escrowArgs(r *http.Request) (common.Address, domain.PositionID, escrowRequest, error) {
	var req escrowRequest
	caller, err := callerAddress(r)
	if err != nil {
		return common.Address{}, 0, req, err
	}
	id, err := parsePositionID(r)
	if err != nil {
		return common.Address{}, 0, req, err
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return common.Address{}, 0, req, domain.ErrValidation
	}
	return caller, id, req, nil
}

// transferRequest is the JSON body for ownership transfer.
type transferRequest struct {
	To string `json:"to"`
}

// TransferOwnership moves the position's ownership certificate to another
// address. Transferring to the zero address burns the certificate.
// POST /api/positions/{id}/transfer
func (h *PositionHandler) TransferOwnership(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	id, err := parsePositionID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	to := common.Address{}
	if req.To != "" {
		if to, err = parseAddress(req.To); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	if err := h.ownership.Transfer(r.Context(), id, caller, to); err != nil {
		writeDomainError(w, err)
		return
	}

	pos, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(pos))
}

// parseRFC3339 parses an RFC3339 timestamp, returning a validation error on
// malformed input.
func parseRFC3339(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.ErrValidation
	}
	return t, nil
}
