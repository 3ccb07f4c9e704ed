package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/atmx/callmarket/internal/model"
	"github.com/atmx/callmarket/internal/store"
)

// ErrPositionOverflow is returned when an adjustment would take a position
// outside the int64 range.
var ErrPositionOverflow = errors.New("ledger: position overflow")

// GetOrCreatePosition returns the (market, user) position, creating it
// with quantity 0 on the pair's first trade.
func GetOrCreatePosition(ctx context.Context, tx store.Tx, marketID, userID string) (*model.Position, error) {
	pos, err := tx.GetPosition(ctx, marketID, userID)
	if err == nil {
		return pos, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	pos = &model.Position{MarketID: marketID, UserID: userID}
	if err := tx.CreatePosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// AdjustPosition moves a position by delta and returns the quantity held
// before the change.
func AdjustPosition(ctx context.Context, tx store.Tx, marketID, userID string, delta int64) (int64, error) {
	pos, err := GetOrCreatePosition(ctx, tx, marketID, userID)
	if err != nil {
		return 0, fmt.Errorf("ledger: position %s/%s: %w", marketID, userID, err)
	}

	before := pos.Quantity
	if (delta > 0 && before > math.MaxInt64-delta) || (delta < 0 && before < math.MinInt64-delta) {
		return 0, fmt.Errorf("%w: %s/%s holds %d, delta %d", ErrPositionOverflow, marketID, userID, before, delta)
	}
	pos.Quantity += delta
	if err := tx.UpdatePosition(ctx, pos); err != nil {
		return 0, fmt.Errorf("ledger: update position %s/%s: %w", marketID, userID, err)
	}
	return before, nil
}

// ShortIssued returns how many new units a sale of qty creates when the
// seller held before units: the part of the sale not covered by a long
// position.
func ShortIssued(before, qty int64) int64 {
	covered := max(before, 0)
	if qty <= covered {
		return 0
	}
	return qty - covered
}
