package exchange

import (
	"context"

	"github.com/calder-labs/unicex/currency"
	"github.com/calder-labs/unicex/exchanges/order"
)

// Convenience order entry over the Trading surface. Both helpers parse the
// canonical symbol, assemble the submission and dispatch through the
// venue's CreateOrder so venue overrides apply.

// CreateLimitOrder places a limit order at the given price. Venues apply
// their default time in force when the submission leaves it unset.
func CreateLimitOrder(ctx context.Context, v Trading, symbol string, side order.Side, amount, price float64) (*order.Detail, error) {
	p, err := currency.NewPairFromString(symbol)
	if err != nil {
		return nil, err
	}
	s := &order.Submit{
		Pair:   p,
		Type:   order.Limit,
		Side:   side,
		Amount: amount,
		Price:  price,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return v.CreateOrder(ctx, s)
}

// CreateMarketOrder places a market order for the given base amount
func CreateMarketOrder(ctx context.Context, v Trading, symbol string, side order.Side, amount float64) (*order.Detail, error) {
	p, err := currency.NewPairFromString(symbol)
	if err != nil {
		return nil, err
	}
	s := &order.Submit{
		Pair:   p,
		Type:   order.Market,
		Side:   side,
		Amount: amount,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return v.CreateOrder(ctx, s)
}
