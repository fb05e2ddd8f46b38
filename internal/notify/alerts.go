package notify

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/recurswap/keeperd/internal/domain"
)

// Event type names used to filter operator alerts.
const (
	EventSettlement       = "settlement"
	EventExecutionSkipped = "execution_skipped"
	EventEmergencyExit    = "emergency_exit"
	EventSolvency         = "solvency"
	EventError            = "error"
)

// SettlementAlert reports a completed execution.
func (n *Notifier) SettlementAlert(ctx context.Context, out domain.Outcome) error {
	msg := fmt.Sprintf(
		"position %d executed on %s\nin: %s\nout: %s\nnotional: %s USD\nnext run: %s",
		out.PositionID, out.Venue,
		bigStr(out.AmountIn), bigStr(out.AmountOut), usdStr(out.NotionalUSD),
		out.NextExecAt.UTC().Format("2006-01-02 15:04 MST"),
	)
	return n.Notify(ctx, EventSettlement, "Trade settled", msg)
}

// SkipAlert reports an execution attempt that failed a guard.
func (n *Notifier) SkipAlert(ctx context.Context, out domain.Outcome) error {
	msg := fmt.Sprintf("position %d skipped: %s", out.PositionID, out.SkipReason)
	return n.Notify(ctx, EventExecutionSkipped, "Execution skipped", msg)
}

// EmergencyExitAlert reports that an owner armed or completed an emergency exit.
func (n *Notifier) EmergencyExitAlert(ctx context.Context, id domain.PositionID, phase string) error {
	msg := fmt.Sprintf("position %d emergency exit %s", id, phase)
	return n.Notify(ctx, EventEmergencyExit, "Emergency exit", msg)
}

// SolvencyAlert reports assets whose custodied balance is below the recorded
// ledger total. Call it only with violating lines.
func (n *Notifier) SolvencyAlert(ctx context.Context, violations []SolvencyViolation) error {
	if len(violations) == 0 {
		return nil
	}
	var b strings.Builder
	for _, v := range violations {
		fmt.Fprintf(&b, "%s: recorded %s, custodied %s\n",
			v.Asset, bigStr(v.Recorded), bigStr(v.Custodied))
	}
	return n.Notify(ctx, EventSolvency, "Solvency violation", strings.TrimRight(b.String(), "\n"))
}

// SolvencyViolation is one asset failing the reserve check.
type SolvencyViolation struct {
	Asset     string
	Recorded  *big.Int
	Custodied *big.Int
}

// ErrorAlert reports an operational failure worth human attention.
func (n *Notifier) ErrorAlert(ctx context.Context, component string, err error) error {
	return n.Notify(ctx, EventError, "Keeper error", fmt.Sprintf("%s: %v", component, err))
}

func bigStr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// usdStr renders an 18-decimal USD amount with two decimal places.
func usdStr(v *big.Int) string {
	if v == nil {
		return "0.00"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(domain.USDDecimals)), nil)
	whole, rem := new(big.Int).QuoRem(v, scale, new(big.Int))
	cents := new(big.Int).Div(new(big.Int).Mul(rem.Abs(rem), big.NewInt(100)), scale)
	return fmt.Sprintf("%s.%02d", whole.String(), cents.Int64())
}
