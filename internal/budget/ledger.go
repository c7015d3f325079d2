// Package budget tracks token consumption per memory layer and per active task.
//
// The ledger is reserve-before-spend: callers reserve capacity up front, spend,
// then commit the actual amount. Commit reconciles and reclaims unused budget.
// No operation blocks; over-reservation fails fast so the caller can shrink
// scope or escalate.
package budget

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// BudgetExceededError is returned when a reservation would breach a layer ceiling.
type BudgetExceededError struct {
	Layer     string
	Requested int
	Available int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded on layer %q: requested %d, available %d",
		e.Layer, e.Requested, e.Available)
}

// OverrunError is returned by Commit when actual usage exceeded the reservation.
// The committed amount is clamped to the reservation; the overrun is never
// silently absorbed; the caller must compact or reject.
type OverrunError struct {
	Layer    string
	Reserved int
	Actual   int
}

func (e *OverrunError) Error() string {
	return fmt.Sprintf("budget overrun on layer %q: reserved %d, actual %d",
		e.Layer, e.Reserved, e.Actual)
}

// Reservation is a live claim on layer capacity.
type Reservation struct {
	ID     string
	Layer  string
	TaskID string
	Amount int
}

// Usage is a point-in-time snapshot of a layer's accounting.
type Usage struct {
	Consumed  int
	Reserved  int
	Ceiling   int
	HighWater int
}

// Ratio returns (consumed+reserved)/ceiling, or 0 for an unlimited layer.
func (u Usage) Ratio() float64 {
	if u.Ceiling <= 0 {
		return 0
	}
	return float64(u.Consumed+u.Reserved) / float64(u.Ceiling)
}

type layerAccount struct {
	ceiling   int
	consumed  int
	reserved  int
	highWater int
	refusing  bool
}

type taskAccount struct {
	consumed  int
	highWater int
}

// Ledger is the token accounting authority. All methods are non-blocking.
type Ledger struct {
	mu           sync.Mutex
	layers       map[string]*layerAccount
	tasks        map[string]*taskAccount
	reservations map[string]*Reservation
}

// NewLedger creates a Ledger with per-layer ceilings. A missing or
// non-positive ceiling means the layer is unlimited.
func NewLedger(ceilings map[string]int) *Ledger {
	l := &Ledger{
		layers:       make(map[string]*layerAccount, len(ceilings)),
		tasks:        make(map[string]*taskAccount),
		reservations: make(map[string]*Reservation),
	}
	for layer, ceiling := range ceilings {
		l.layers[layer] = &layerAccount{ceiling: ceiling}
	}
	return l
}

func (l *Ledger) account(layer string) *layerAccount {
	acct, ok := l.layers[layer]
	if !ok {
		acct = &layerAccount{}
		l.layers[layer] = acct
	}
	return acct
}

// Reserve claims capacity on a layer for a task. Fails fast with
// *BudgetExceededError when the claim would breach the ceiling or the layer
// is refusing reservations (saturation above the refuse threshold).
func (l *Ledger) Reserve(layer, taskID string, amount int) (*Reservation, error) {
	if amount < 0 {
		return nil, fmt.Errorf("negative reservation amount %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.account(layer)
	if acct.refusing {
		return nil, &BudgetExceededError{Layer: layer, Requested: amount, Available: 0}
	}
	if acct.ceiling > 0 {
		available := acct.ceiling - acct.consumed - acct.reserved
		if amount > available {
			return nil, &BudgetExceededError{Layer: layer, Requested: amount, Available: available}
		}
	}

	r := &Reservation{
		ID:     uuid.New().String(),
		Layer:  layer,
		TaskID: taskID,
		Amount: amount,
	}
	acct.reserved += amount
	l.reservations[r.ID] = r
	return r, nil
}

// Commit reconciles a reservation against actual usage and reclaims the
// unused remainder. If actual exceeds the reservation, the committed amount
// is clamped and an *OverrunError is returned.
func (l *Ledger) Commit(r *Reservation, actual int) error {
	if r == nil {
		return fmt.Errorf("nil reservation")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, live := l.reservations[r.ID]; !live {
		return fmt.Errorf("reservation %s is not live", r.ID)
	}
	delete(l.reservations, r.ID)

	acct := l.account(r.Layer)
	acct.reserved -= r.Amount

	committed := actual
	var overrun error
	if actual > r.Amount {
		committed = r.Amount
		overrun = &OverrunError{Layer: r.Layer, Reserved: r.Amount, Actual: actual}
	}
	if committed < 0 {
		committed = 0
	}

	acct.consumed += committed
	if acct.consumed > acct.highWater {
		acct.highWater = acct.consumed
	}

	if r.TaskID != "" {
		ta, ok := l.tasks[r.TaskID]
		if !ok {
			ta = &taskAccount{}
			l.tasks[r.TaskID] = ta
		}
		ta.consumed += committed
		if ta.consumed > ta.highWater {
			ta.highWater = ta.consumed
		}
	}

	return overrun
}

// Release abandons a reservation without consuming anything.
func (l *Ledger) Release(r *Reservation) {
	if r == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, live := l.reservations[r.ID]; !live {
		return
	}
	delete(l.reservations, r.ID)
	l.account(r.Layer).reserved -= r.Amount
}

// Usage returns the accounting snapshot for a layer.
func (l *Ledger) Usage(layer string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.account(layer)
	return Usage{
		Consumed:  acct.consumed,
		Reserved:  acct.reserved,
		Ceiling:   acct.ceiling,
		HighWater: acct.highWater,
	}
}

// TaskConsumed returns the tokens committed against a task so far.
func (l *Ledger) TaskConsumed(taskID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ta, ok := l.tasks[taskID]; ok {
		return ta.consumed
	}
	return 0
}

// SetRefusing toggles reservation refusal for a layer. The degradation
// monitor flips this on when saturation crosses the refuse threshold and
// off once compression brings usage back down.
func (l *Ledger) SetRefusing(layer string, refusing bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account(layer).refusing = refusing
}

// Reclaim reduces a layer's consumed count after compaction. The delta is
// clamped at zero so consumed never goes negative.
func (l *Ledger) Reclaim(layer string, tokens int) {
	if tokens <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.account(layer)
	acct.consumed -= tokens
	if acct.consumed < 0 {
		acct.consumed = 0
	}
}
