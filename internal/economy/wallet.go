package economy

import (
	"fmt"
	"math"
	"sync"

	"idletown/internal/market"
)

type delta struct {
	cash    float64
	deposit float64
	loan    float64
}

// Wallet is the client-side view of an Account. Local changes (income,
// interest, work, banking) are tracked as unsynced deltas until a checkpoint
// ships them. Construction costs are held separately until the store settles
// them.
type Wallet struct {
	mu          sync.Mutex
	acct        Account
	unsynced    delta
	energyDirty bool
	holdCash    float64
	holdIncome  float64
}

func NewWallet(a Account) *Wallet {
	return &Wallet{acct: a.Clone()}
}

func (w *Wallet) Snapshot() Account {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acct.Clone()
}

// Tick applies one economy period: passive income, then interest on the
// deposit and the loan. It returns the income credited.
func (w *Wallet) Tick(r Rates) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var income float64
	if w.acct.Income > 0 {
		income = w.acct.Income
		w.acct.Cash += income
		w.unsynced.cash += income
	}
	if w.acct.Deposit > 0 && r.DepositPerTick > 0 {
		interest := w.acct.Deposit * r.DepositPerTick
		w.acct.Deposit += interest
		w.unsynced.deposit += interest
	}
	if w.acct.Loan > 0 && r.LoanPerTick > 0 {
		interest := w.acct.Loan * r.LoanPerTick
		w.acct.Loan += interest
		w.unsynced.loan += interest
	}
	return income
}

// Spend reserves cost and adds incomeBoost in one step. check sees the
// account as it is at that instant and can veto.
func (w *Wallet) Spend(cost, incomeBoost float64, check func(Account) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if check != nil {
		if err := check(w.acct); err != nil {
			return err
		}
	}
	w.acct.Cash -= cost
	w.acct.Income += incomeBoost
	w.holdCash += cost
	w.holdIncome += incomeBoost
	return nil
}

// Settle releases a hold once the store has applied the same change.
func (w *Wallet) Settle(cost, incomeBoost float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.holdCash -= cost
	w.holdIncome -= incomeBoost
}

// Refund undoes a Spend whose durable commit failed.
func (w *Wallet) Refund(cost, incomeBoost float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acct.Cash += cost
	w.acct.Income -= incomeBoost
	w.holdCash -= cost
	w.holdIncome -= incomeBoost
}

// ApplyRemote mirrors a change the store already made (trade, transfer,
// upgrade) without marking it for the next checkpoint.
func (w *Wallet) ApplyRemote(cashDelta, incomeDelta float64, symbol string, pos *market.Position) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acct.Cash += cashDelta
	w.acct.Income += incomeDelta
	if pos != nil {
		if w.acct.Portfolio == nil {
			w.acct.Portfolio = make(map[string]market.Position)
		}
		if pos.Shares == 0 {
			delete(w.acct.Portfolio, symbol)
		} else {
			w.acct.Portfolio[symbol] = *pos
		}
	}
}

func (w *Wallet) Work() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.acct.Energy < WorkEnergyCost {
		return ErrTooTired
	}
	w.acct.Energy -= WorkEnergyCost
	w.acct.Cash += WorkPay
	w.unsynced.cash += WorkPay
	w.energyDirty = true
	return nil
}

func (w *Wallet) Sleep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acct.Energy = MaxEnergy
	w.energyDirty = true
}

func (w *Wallet) Deposit(amount float64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if amount > w.acct.Cash {
		return fmt.Errorf("%w: have %.2f", ErrInsufficientFunds, w.acct.Cash)
	}
	w.move(-amount, amount, 0)
	return nil
}

func (w *Wallet) Withdraw(amount float64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if amount > w.acct.Deposit {
		return fmt.Errorf("%w: deposit is %.2f", ErrInsufficientFunds, w.acct.Deposit)
	}
	w.move(amount, -amount, 0)
	return nil
}

func (w *Wallet) Borrow(amount float64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	available := w.acct.CreditLimit() - w.acct.Loan
	if amount > available {
		return fmt.Errorf("%w: %.2f available", ErrCreditLimit, math.Max(available, 0))
	}
	w.move(amount, 0, amount)
	return nil
}

// Repay pays down the loan by at most amount, limited by cash and the
// outstanding balance. It returns the amount actually repaid.
func (w *Wallet) Repay(amount float64) (float64, error) {
	if err := validAmount(amount); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.acct.Loan <= 0 {
		return 0, ErrNothingToRepay
	}
	pay := math.Min(amount, math.Min(w.acct.Cash, w.acct.Loan))
	if pay <= 0 {
		return 0, ErrInsufficientFunds
	}
	w.move(-pay, 0, -pay)
	return pay, nil
}

func (w *Wallet) move(cash, deposit, loan float64) {
	w.acct.Cash += cash
	w.acct.Deposit += deposit
	w.acct.Loan += loan
	w.unsynced.cash += cash
	w.unsynced.deposit += deposit
	w.unsynced.loan += loan
}

// TakeUnsynced returns the pending deltas as a Patch and clears them. If the
// checkpoint fails the caller hands the patch back with Restore.
func (w *Wallet) TakeUnsynced() Patch {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := Patch{CashDelta: w.unsynced.cash, DepositDelta: w.unsynced.deposit, LoanDelta: w.unsynced.loan}
	if w.energyDirty {
		e := w.acct.Energy
		p.Energy = &e
	}
	w.unsynced = delta{}
	w.energyDirty = false
	return p
}

func (w *Wallet) Restore(p Patch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unsynced.cash += p.CashDelta
	w.unsynced.deposit += p.DepositDelta
	w.unsynced.loan += p.LoanDelta
	if p.Energy != nil {
		w.energyDirty = true
	}
}

// Reconcile adopts the authoritative account, keeping local changes that
// happened after the checkpoint was taken and any construction still in
// flight. Energy stays local.
func (w *Wallet) Reconcile(server Account) {
	w.mu.Lock()
	defer w.mu.Unlock()
	energy := w.acct.Energy
	w.acct = server.Clone()
	w.acct.Energy = energy
	w.acct.Cash += w.unsynced.cash - w.holdCash
	w.acct.Deposit += w.unsynced.deposit
	w.acct.Loan += w.unsynced.loan
	w.acct.Income += w.holdIncome
}

func validAmount(a float64) error {
	if !(a > 0) || math.IsInf(a, 0) {
		return ErrInvalidAmount
	}
	return nil
}
