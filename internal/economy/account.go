// Package economy owns a player's local economic state and the timers that
// mutate and checkpoint it.
package economy

import (
	"errors"
	"time"

	"idletown/internal/market"
	"idletown/internal/world"
)

const (
	MaxEnergy       = 100
	WorkEnergyCost  = 10
	WorkPay         = 15.0
	BaseCreditLimit = 2000.0
	// CreditPerIncome is how much extra credit each unit of passive income
	// per tick buys.
	CreditPerIncome = 500.0
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTooTired          = errors.New("not enough energy, sleep first")
	ErrInvalidAmount     = errors.New("amount must be > 0")
	ErrCreditLimit       = errors.New("credit limit reached")
	ErrNothingToRepay    = errors.New("no outstanding loan")
)

// Account is the economic part of a player's state.
type Account struct {
	Cash      float64                    `json:"cash"`
	Energy    int                        `json:"energy"`
	Income    float64                    `json:"income"`
	Deposit   float64                    `json:"deposit"`
	Loan      float64                    `json:"loan"`
	Portfolio map[string]market.Position `json:"portfolio,omitempty"`
}

func (a Account) CreditLimit() float64 {
	return BaseCreditLimit + a.Income*CreditPerIncome
}

func (a Account) Clone() Account {
	if a.Portfolio != nil {
		p := make(map[string]market.Position, len(a.Portfolio))
		for k, v := range a.Portfolio {
			p[k] = v
		}
		a.Portfolio = p
	}
	return a
}

// Player is the durable record for one player.
type Player struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Appearance world.Appearance `json:"appearance"`
	Account
	LastSeen time.Time `json:"last_seen"`
}

// Patch is what a checkpoint sends. Money fields are deltas accumulated since
// the previous checkpoint so that concurrent server-side changes (trades,
// transfers, construction) are not overwritten. Energy and profile fields are
// absolute and optional.
type Patch struct {
	CashDelta    float64           `json:"cash_delta"`
	DepositDelta float64           `json:"deposit_delta"`
	LoanDelta    float64           `json:"loan_delta"`
	Energy       *int              `json:"energy,omitempty"`
	Name         *string           `json:"name,omitempty"`
	Appearance   *world.Appearance `json:"appearance,omitempty"`
}

func (p Patch) Empty() bool {
	return p.CashDelta == 0 && p.DepositDelta == 0 && p.LoanDelta == 0 &&
		p.Energy == nil && p.Name == nil && p.Appearance == nil
}

// Apply folds p into pl. Balances never go below zero and energy stays within
// 0..MaxEnergy.
func (p Patch) Apply(pl Player) Player {
	pl.Cash += p.CashDelta
	pl.Deposit += p.DepositDelta
	pl.Loan += p.LoanDelta
	if pl.Deposit < 0 {
		pl.Deposit = 0
	}
	if pl.Loan < 0 {
		pl.Loan = 0
	}
	if p.Energy != nil {
		pl.Energy = clampEnergy(*p.Energy)
	}
	if p.Name != nil {
		pl.Name = *p.Name
	}
	if p.Appearance != nil {
		pl.Appearance = *p.Appearance
	}
	return pl
}

// Rates are per-tick interest rates.
type Rates struct {
	DepositPerTick float64
	LoanPerTick    float64
}

// RatesPerTick converts per-minute rates to the given tick period.
func RatesPerTick(depositPerMinute, loanPerMinute float64, tick time.Duration) Rates {
	f := tick.Seconds() / 60
	return Rates{DepositPerTick: depositPerMinute * f, LoanPerTick: loanPerMinute * f}
}

func clampEnergy(e int) int {
	if e < 0 {
		return 0
	}
	if e > MaxEnergy {
		return MaxEnergy
	}
	return e
}
