// Package ledger owns cash accounts and stock positions. Every function
// operates on a store.Tx so postings become visible together with the rest
// of the clearing round that produced them.
//
// Balances may go negative: funding is not enforced at this layer.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/callmarket/internal/model"
	"github.com/atmx/callmarket/internal/store"
)

// GetOrCreateAccount returns the user's account, creating it with a zero
// balance on first use.
func GetOrCreateAccount(ctx context.Context, tx store.Tx, userID string) (*model.Account, error) {
	acct, err := tx.GetAccount(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	acct = &model.Account{UserID: userID, Balance: decimal.Zero}
	if err := tx.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Execute appends a posting of amount (positive credits, negative debits)
// to the user's account and moves the balance by the same amount.
func Execute(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal, at time.Time) (*model.Transaction, error) {
	acct, err := GetOrCreateAccount(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("ledger: account %s: %w", userID, err)
	}

	txn := &model.Transaction{
		UserID: userID,
		Date:   at,
		Amount: amount,
	}
	if err := tx.AppendTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("ledger: post %s to %s: %w", amount, userID, err)
	}

	acct.Balance = acct.Balance.Add(amount)
	if err := tx.UpdateAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("ledger: update balance %s: %w", userID, err)
	}
	return txn, nil
}

// Balance sums a list of postings.
func Balance(txns []model.Transaction) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range txns {
		sum = sum.Add(t.Amount)
	}
	return sum
}
