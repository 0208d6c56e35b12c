package transaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantra/tradecore/pkg/models"
)

// Fill is the venue's report of an executed trade.
type Fill struct {
	VenueRef string
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// ExecutionVenue submits approved trades to a market. The transaction
// manager calls Execute at most once per request ID; a venue error after
// submission leaves the record failed so operators can reconcile before a
// retry reclaims it.
type ExecutionVenue interface {
	Execute(ctx context.Context, req *models.TradeRequest, quantity, price decimal.Decimal) (*Fill, error)
}

// PaperVenue fills every order at the given price. It records every call
// so tests can assert the at-most-once property.
type PaperVenue struct {
	mu    sync.Mutex
	calls map[string]int
	fail  error
}

func NewPaperVenue() *PaperVenue {
	return &PaperVenue{calls: make(map[string]int)}
}

// FailWith makes subsequent executions return err. Pass nil to heal.
func (v *PaperVenue) FailWith(err error) {
	v.mu.Lock()
	v.fail = err
	v.mu.Unlock()
}

// Calls returns how many times the venue executed the request ID.
func (v *PaperVenue) Calls(requestID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[requestID]
}

func (v *PaperVenue) Execute(ctx context.Context, req *models.TradeRequest, quantity, price decimal.Decimal) (*Fill, error) {
	v.mu.Lock()
	v.calls[req.ID]++
	fail := v.fail
	v.mu.Unlock()

	if fail != nil {
		return nil, fmt.Errorf("paper venue: %w", fail)
	}
	return &Fill{
		VenueRef: "paper-" + uuid.NewString(),
		Quantity: quantity,
		Price:    price,
	}, nil
}
