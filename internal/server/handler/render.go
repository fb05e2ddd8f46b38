package handler

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/recurswap/keeperd/internal/domain"
)

// errStatus maps domain error categories to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConcurrency):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders a domain error with the mapped status code.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, errStatus(err), err.Error())
}

// callerAddress extracts the acting address from the X-Caller-Address header.
// The custodial API trusts the authenticated gateway to assert identity.
func callerAddress(r *http.Request) (common.Address, error) {
	raw := r.Header.Get("X-Caller-Address")
	if raw == "" {
		return common.Address{}, fmt.Errorf("%w: X-Caller-Address header required", domain.ErrValidation)
	}
	return parseAddress(raw)
}

// parseAddress validates and parses a hex address.
func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", domain.ErrValidation, raw)
	}
	return common.HexToAddress(raw), nil
}

// parseBig parses a non-negative decimal string into a big.Int.
func parseBig(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid amount %q", domain.ErrValidation, raw)
	}
	return v, nil
}

// parsePositionID reads the {id} path parameter.
func parsePositionID(r *http.Request) (domain.PositionID, error) {
	raw := pathParam(r, "id")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid position id %q", domain.ErrValidation, raw)
	}
	return domain.PositionID(n), nil
}

// positionJSON is the wire representation of a position. Big integers are
// decimal strings so precision survives JSON number handling.
type positionJSON struct {
	ID              uint64 `json:"id"`
	Owner           string `json:"owner"`
	Beneficiary     string `json:"beneficiary"`
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
	NextExecAt      string `json:"next_exec_at"`
	Frequency       string `json:"frequency"`
	SlippageBps     uint32 `json:"slippage_bps"`
	MaxDeviationBps uint32 `json:"max_deviation_bps,omitempty"`
	TwapWindowSecs  int64  `json:"twap_window_secs"`
	MaxBaseFeeWei   string `json:"max_base_fee_wei,omitempty"`
	MaxTipWei       string `json:"max_tip_wei,omitempty"`
	Venue           string `json:"venue,omitempty"`
	MEVProtected    bool   `json:"mev_protected"`
	Paused          bool   `json:"paused"`
	Canceled        bool   `json:"canceled"`
	EmergencyUnlock string `json:"emergency_unlock_at,omitempty"`
	ExecNonce       uint64 `json:"exec_nonce"`
	PeriodsExecuted uint64 `json:"periods_executed"`
	QuoteBalance    string `json:"quote_balance"`
	BaseBalance     string `json:"base_balance"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func toPositionJSON(p domain.Position) positionJSON {
	out := positionJSON{
		ID:              uint64(p.ID),
		Owner:           p.Owner.Hex(),
		Beneficiary:     p.Beneficiary.Hex(),
		QuoteAsset:      p.QuoteAsset.Hex(),
		BaseAsset:       p.BaseAsset.Hex(),
		QuoteDecimals:   p.QuoteDecimals,
		BaseDecimals:    p.BaseDecimals,
		Direction:       string(p.Direction),
		AmountPerPeriod: bigString(p.AmountPerPeriod),
		StartAt:         timeString(p.StartAt),
		NextExecAt:      timeString(p.NextExecAt),
		Frequency:       string(p.Frequency),
		SlippageBps:     p.SlippageBps,
		MaxDeviationBps: p.MaxDeviationBps,
		TwapWindowSecs:  int64(p.TwapWindow / time.Second),
		Venue:           string(p.Venue),
		MEVProtected:    p.MEVProtected,
		Paused:          p.Paused,
		Canceled:        p.Canceled,
		ExecNonce:       p.ExecNonce,
		PeriodsExecuted: p.PeriodsExecuted,
		QuoteBalance:    bigString(p.QuoteBalance),
		BaseBalance:     bigString(p.BaseBalance),
		CreatedAt:       timeString(p.CreatedAt),
		UpdatedAt:       timeString(p.UpdatedAt),
	}
	if p.PriceFloor != nil {
		out.PriceFloor = p.PriceFloor.String()
	}
	if p.PriceCap != nil {
		out.PriceCap = p.PriceCap.String()
	}
	if !p.EndAt.IsZero() {
		out.EndAt = timeString(p.EndAt)
	}
	if !p.EmergencyUnlockAt.IsZero() {
		out.EmergencyUnlock = timeString(p.EmergencyUnlockAt)
	}
	if p.MaxBaseFeeWei != nil && p.MaxBaseFeeWei.Sign() > 0 {
		out.MaxBaseFeeWei = p.MaxBaseFeeWei.String()
	}
	if p.MaxTipWei != nil && p.MaxTipWei.Sign() > 0 {
		out.MaxTipWei = p.MaxTipWei.String()
	}
	return out
}

// outcomeJSON is the wire representation of an execution outcome.
type outcomeJSON struct {
	PositionID  uint64 `json:"position_id"`
	Status      string `json:"status"`
	SkipReason  string `json:"skip_reason,omitempty"`
	Venue       string `json:"venue,omitempty"`
	AmountIn    string `json:"amount_in,omitempty"`
	AmountOut   string `json:"amount_out,omitempty"`
	NotionalUSD string `json:"notional_usd,omitempty"`
	ProtocolFee string `json:"protocol_fee,omitempty"`
	ExecFee     string `json:"exec_fee,omitempty"`
	CallerTip   string `json:"caller_tip,omitempty"`
	NextExecAt  string `json:"next_exec_at,omitempty"`
}

func toOutcomeJSON(o domain.Outcome) outcomeJSON {
	out := outcomeJSON{
		PositionID: uint64(o.PositionID),
		Status:     string(o.Status),
		SkipReason: o.SkipReason,
		Venue:      string(o.Venue),
	}
	if o.AmountIn != nil {
		out.AmountIn = o.AmountIn.String()
	}
	if o.AmountOut != nil {
		out.AmountOut = o.AmountOut.String()
	}
	if o.NotionalUSD != nil {
		out.NotionalUSD = o.NotionalUSD.String()
	}
	if o.Fees.ProtocolFee != nil {
		out.ProtocolFee = o.Fees.ProtocolFee.String()
	}
	if o.Fees.ExecutionFee != nil {
		out.ExecFee = o.Fees.ExecutionFee.String()
	}
	if o.Fees.CallerTip != nil {
		out.CallerTip = o.Fees.CallerTip.String()
	}
	if !o.NextExecAt.IsZero() {
		out.NextExecAt = timeString(o.NextExecAt)
	}
	return out
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func timeString(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
