package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recurswap/keeperd/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Token
// amounts and wei values are NUMERIC(78,0) columns moved as decimal strings;
// addresses are lowercase hex text.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, owner_addr, beneficiary_addr, quote_asset, base_asset,
	quote_decimals, base_decimals, direction, amount_per_period::text,
	price_floor::text, price_cap::text,
	start_at, end_at, next_exec_at, frequency,
	slippage_bps, max_deviation_bps, twap_window_secs,
	max_base_fee_wei::text, max_tip_wei::text,
	venue, mev_protected, paused, canceled, paused_at, emergency_unlock_at,
	exec_nonce, periods_executed, quote_balance::text, base_balance::text,
	created_at, updated_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var (
		p                            domain.Position
		id, twapSecs                 int64
		owner, beneficiary           string
		quoteAsset, baseAsset        string
		quoteDecimals, baseDecimals  int16
		direction, frequency, venue  string
		amount, quoteBal, baseBal    string
		floor, capText, baseFee, tip *string
		execNonce, periods           int64
	)

	err := row.Scan(
		&id, &owner, &beneficiary, &quoteAsset, &baseAsset,
		&quoteDecimals, &baseDecimals, &direction, &amount,
		&floor, &capText,
		&p.StartAt, &p.EndAt, &p.NextExecAt, &frequency,
		&p.SlippageBps, &p.MaxDeviationBps, &twapSecs,
		&baseFee, &tip,
		&venue, &p.MEVProtected, &p.Paused, &p.Canceled, &p.PausedAt, &p.EmergencyUnlockAt,
		&execNonce, &periods, &quoteBal, &baseBal,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.ID = domain.PositionID(id)
	p.Owner = common.HexToAddress(owner)
	p.Beneficiary = common.HexToAddress(beneficiary)
	p.QuoteAsset = common.HexToAddress(quoteAsset)
	p.BaseAsset = common.HexToAddress(baseAsset)
	p.QuoteDecimals = uint8(quoteDecimals)
	p.BaseDecimals = uint8(baseDecimals)
	p.Direction = domain.Direction(direction)
	p.Frequency = domain.Frequency(frequency)
	p.TwapWindow = time.Duration(twapSecs) * time.Second
	p.Venue = domain.Venue(venue)
	p.ExecNonce = uint64(execNonce)
	p.PeriodsExecuted = uint64(periods)

	if p.AmountPerPeriod, err = parseNumeric(amount); err != nil {
		return domain.Position{}, err
	}
	if p.QuoteBalance, err = parseNumeric(quoteBal); err != nil {
		return domain.Position{}, err
	}
	if p.BaseBalance, err = parseNumeric(baseBal); err != nil {
		return domain.Position{}, err
	}
	if p.PriceFloor, err = parseNullNumeric(floor); err != nil {
		return domain.Position{}, err
	}
	if p.PriceCap, err = parseNullNumeric(capText); err != nil {
		return domain.Position{}, err
	}
	if p.MaxBaseFeeWei, err = parseNullNumeric(baseFee); err != nil {
		return domain.Position{}, err
	}
	if p.MaxTipWei, err = parseNullNumeric(tip); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: malformed numeric %q", s)
	}
	return v, nil
}

func parseNullNumeric(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	return parseNumeric(*s)
}

func numericArg(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func positionArgs(p domain.Position) []any {
	return []any{
		int64(p.ID), hexAddr(p.Owner), hexAddr(p.Beneficiary),
		hexAddr(p.QuoteAsset), hexAddr(p.BaseAsset),
		int16(p.QuoteDecimals), int16(p.BaseDecimals),
		string(p.Direction), p.AmountPerPeriod.String(),
		numericArg(p.PriceFloor), numericArg(p.PriceCap),
		p.StartAt, p.EndAt, p.NextExecAt, string(p.Frequency),
		p.SlippageBps, p.MaxDeviationBps, int64(p.TwapWindow / time.Second),
		numericArg(p.MaxBaseFeeWei), numericArg(p.MaxTipWei),
		string(p.Venue), p.MEVProtected, p.Paused, p.Canceled,
		p.PausedAt, p.EmergencyUnlockAt,
		int64(p.ExecNonce), int64(p.PeriodsExecuted),
		p.QuoteBalance.String(), p.BaseBalance.String(),
		p.CreatedAt,
	}
}

func hexAddr(a common.Address) string {
	return a.Hex()
}

// NextID allocates a fresh position id from the position_ids sequence.
func (s *PositionStore) NextID(ctx context.Context) (domain.PositionID, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, "SELECT nextval('position_ids')").Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: next position id: %w", err)
	}
	return domain.PositionID(id), nil
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, owner_addr, beneficiary_addr, quote_asset, base_asset,
			quote_decimals, base_decimals, direction, amount_per_period,
			price_floor, price_cap,
			start_at, end_at, next_exec_at, frequency,
			slippage_bps, max_deviation_bps, twap_window_secs,
			max_base_fee_wei, max_tip_wei,
			venue, mev_protected, paused, canceled, paused_at, emergency_unlock_at,
			exec_nonce, periods_executed, quote_balance, base_balance,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9::numeric,
			$10::numeric, $11::numeric,
			$12, $13, $14, $15,
			$16, $17, $18,
			$19::numeric, $20::numeric,
			$21, $22, $23, $24, $25, $26,
			$27, $28, $29::numeric, $30::numeric,
			$31, NOW()
		)`

	_, err := s.pool.Exec(ctx, query, positionArgs(p)...)
	if err != nil {
		return fmt.Errorf("postgres: create position %d: %w", p.ID, err)
	}
	return nil
}

const positionUpdateSet = `
	owner_addr          = $2,
	beneficiary_addr    = $3,
	quote_asset         = $4,
	base_asset          = $5,
	quote_decimals      = $6,
	base_decimals       = $7,
	direction           = $8,
	amount_per_period   = $9::numeric,
	price_floor         = $10::numeric,
	price_cap           = $11::numeric,
	start_at            = $12,
	end_at              = $13,
	next_exec_at        = $14,
	frequency           = $15,
	slippage_bps        = $16,
	max_deviation_bps   = $17,
	twap_window_secs    = $18,
	max_base_fee_wei    = $19::numeric,
	max_tip_wei         = $20::numeric,
	venue               = $21,
	mev_protected       = $22,
	paused              = $23,
	canceled            = $24,
	paused_at           = $25,
	emergency_unlock_at = $26,
	exec_nonce          = $27,
	periods_executed    = $28,
	quote_balance       = $29::numeric,
	base_balance        = $30::numeric,
	created_at          = $31,
	updated_at          = NOW()`

// Update replaces the stored record unconditionally.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	query := `UPDATE positions SET` + positionUpdateSet + ` WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, positionArgs(p)...)
	if err != nil {
		return fmt.Errorf("postgres: update position %d: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: position %d", domain.ErrNotFound, p.ID)
	}
	return nil
}

// UpdateExecuted is the settlement commit: the write lands only while the
// stored exec nonce still equals expectedNonce.
func (s *PositionStore) UpdateExecuted(ctx context.Context, p domain.Position, expectedNonce uint64) error {
	query := `UPDATE positions SET` + positionUpdateSet + ` WHERE id = $1 AND exec_nonce = $32`

	args := append(positionArgs(p), int64(expectedNonce))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: commit position %d: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a vanished row from a lost race.
		var exists bool
		if chkErr := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)", int64(p.ID),
		).Scan(&exists); chkErr == nil && !exists {
			return fmt.Errorf("%w: position %d", domain.ErrNotFound, p.ID)
		}
		return fmt.Errorf("postgres: commit position %d: expected nonce %d: %w",
			p.ID, expectedNonce, domain.ErrNonceMismatch)
	}
	return nil
}

// Get retrieves a single position by id.
func (s *PositionStore) Get(ctx context.Context, id domain.PositionID) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, int64(id))

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("%w: position %d", domain.ErrNotFound, id)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

// ListByOwner returns all positions whose owner matches.
func (s *PositionStore) ListByOwner(ctx context.Context, owner common.Address) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE owner_addr = $1
		 ORDER BY id`, hexAddr(owner))
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by owner: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by owner: %w", err)
	}
	return positions, nil
}

// ListAll returns every stored position, canceled ones included.
func (s *PositionStore) ListAll(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// ListDue returns ids of active positions with next_exec_at at or before now,
// oldest schedule first.
func (s *PositionStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.PositionID, error) {
	query := `
		SELECT id FROM positions
		WHERE NOT paused AND NOT canceled
		  AND next_exec_at <= $1
		  AND (end_at <= $2 OR end_at >= $1)
		ORDER BY next_exec_at, id`
	args := []any{now, time.Time{}}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due positions: %w", err)
	}
	defer rows.Close()

	var ids []domain.PositionID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan due position id: %w", err)
		}
		ids = append(ids, domain.PositionID(id))
	}
	return ids, rows.Err()
}

// CountActive counts positions that are neither canceled nor expired.
func (s *PositionStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	const query = `
		SELECT COUNT(*) FROM positions
		WHERE NOT canceled AND (end_at <= $2 OR end_at >= $1)`

	var n int
	if err := s.pool.QueryRow(ctx, query, now, time.Time{}).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count active positions: %w", err)
	}
	return n, nil
}
