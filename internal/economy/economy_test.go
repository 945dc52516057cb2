package economy

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"idletown/internal/sched"
)

const tolerance = 1e-6

func TestTickAccruesIncome(t *testing.T) {
	w := NewWallet(Account{Cash: 1000, Income: 25})
	for i := 0; i < 120; i++ {
		w.Tick(Rates{})
	}
	if got := w.Snapshot().Cash; math.Abs(got-(1000+120*25)) > tolerance {
		t.Fatalf("cash=%v", got)
	}
}

func TestCompoundInterest(t *testing.T) {
	rates := RatesPerTick(0.005, 0.05, time.Second)
	w := NewWallet(Account{Deposit: 5000, Loan: 1000})
	const n = 600
	for i := 0; i < n; i++ {
		w.Tick(rates)
	}
	a := w.Snapshot()
	wantDeposit := 5000 * math.Pow(1+rates.DepositPerTick, n)
	wantLoan := 1000 * math.Pow(1+rates.LoanPerTick, n)
	if math.Abs(a.Deposit-wantDeposit) > 1e-6*wantDeposit {
		t.Fatalf("deposit=%v want %v", a.Deposit, wantDeposit)
	}
	if math.Abs(a.Loan-wantLoan) > 1e-6*wantLoan {
		t.Fatalf("loan=%v want %v", a.Loan, wantLoan)
	}
	if rates.LoanPerTick <= rates.DepositPerTick {
		t.Fatalf("loan rate must exceed deposit rate")
	}
}

func TestWorkAndSleep(t *testing.T) {
	w := NewWallet(Account{Cash: 0, Energy: 15})
	if err := w.Work(); err != nil {
		t.Fatalf("work: %v", err)
	}
	if err := w.Work(); !errors.Is(err, ErrTooTired) {
		t.Fatalf("expected too tired, got %v", err)
	}
	a := w.Snapshot()
	if a.Cash != WorkPay || a.Energy != 5 {
		t.Fatalf("after work %+v", a)
	}
	w.Sleep()
	if w.Snapshot().Energy != MaxEnergy {
		t.Fatalf("sleep did not restore energy")
	}
}

func TestBanking(t *testing.T) {
	w := NewWallet(Account{Cash: 500, Income: 2})
	if err := w.Deposit(600); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := w.Deposit(200); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := w.Withdraw(50); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := w.Borrow(3001); !errors.Is(err, ErrCreditLimit) {
		t.Fatalf("expected credit limit, got %v", err)
	}
	if err := w.Borrow(3000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	paid, err := w.Repay(10000)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if paid != 3000 {
		t.Fatalf("paid=%v", paid)
	}
	a := w.Snapshot()
	if a.Cash != 350 || a.Deposit != 150 || a.Loan != 0 {
		t.Fatalf("account %+v", a)
	}
	p := w.TakeUnsynced()
	if p.CashDelta != -150 || p.DepositDelta != 150 || p.LoanDelta != 0 {
		t.Fatalf("patch %+v", p)
	}
}

func TestSpendRefund(t *testing.T) {
	w := NewWallet(Account{Cash: 1000, Income: 0})
	if err := w.Spend(1000, 20, nil); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if a := w.Snapshot(); a.Cash != 0 || a.Income != 20 {
		t.Fatalf("after spend %+v", a)
	}
	w.Refund(1000, 20)
	if a := w.Snapshot(); a.Cash != 1000 || a.Income != 0 {
		t.Fatalf("after refund %+v", a)
	}
	veto := errors.New("veto")
	if err := w.Spend(1, 1, func(Account) error { return veto }); !errors.Is(err, veto) {
		t.Fatalf("expected veto, got %v", err)
	}
}

type fakeCheckpointer struct {
	player  Player
	fail    error
	patches []Patch
}

func (f *fakeCheckpointer) UpdatePlayerState(_ context.Context, _ string, p Patch) (Player, error) {
	if f.fail != nil {
		return Player{}, f.fail
	}
	f.patches = append(f.patches, p)
	f.player = p.Apply(f.player)
	return f.player, nil
}

func TestCheckpointShipsDeltasAndReconciles(t *testing.T) {
	store := &fakeCheckpointer{player: Player{ID: "p1", Account: Account{Cash: 1000, Income: 10, Energy: 100}}}
	w := NewWallet(store.player.Account)
	e := NewEngine("p1", w, store, EngineConfig{TickEvery: time.Second, CheckpointEvery: 30 * time.Second}, nil, nil)
	s := sched.New(time.Unix(0, 0), 0, nil)
	e.Register(context.Background(), s)

	store.fail = errors.New("offline")
	s.Advance(30 * time.Second)
	if len(store.patches) != 0 {
		t.Fatalf("failed checkpoint recorded a patch")
	}
	store.fail = nil
	// A transfer lands on the server between checkpoints.
	store.player.Cash += 500
	s.Advance(30 * time.Second)
	if len(store.patches) != 1 || store.patches[0].CashDelta != 600 {
		t.Fatalf("patches %+v", store.patches)
	}
	if got := w.Snapshot().Cash; got != 1000+600+500 {
		t.Fatalf("reconciled cash=%v", got)
	}
	if store.player.Cash != 2100 {
		t.Fatalf("server cash=%v", store.player.Cash)
	}
}

func TestTickEmitsIncomeEvents(t *testing.T) {
	w := NewWallet(Account{Income: 5})
	e := NewEngine("p1", w, &fakeCheckpointer{}, EngineConfig{TickEvery: time.Second, CheckpointEvery: time.Minute}, nil, nil)
	var events []Event
	e.OnEvent(func(ev Event) { events = append(events, ev) })
	e.Tick(time.Unix(1, 0))
	e.Tick(time.Unix(2, 0))
	if len(events) != 2 || events[0].Amount != 5 || events[0].Kind != "income" {
		t.Fatalf("events %+v", events)
	}
}

func TestExclusiveShipsDeltasAndHoldsOffCheckpoints(t *testing.T) {
	store := &fakeCheckpointer{player: Player{ID: "p1", Account: Account{Cash: 1000, Income: 10, Energy: 100}}}
	w := NewWallet(store.player.Account)
	e := NewEngine("p1", w, store, EngineConfig{TickEvery: time.Second, CheckpointEvery: 30 * time.Second}, nil, nil)
	for i := 0; i < 3; i++ {
		w.Tick(Rates{})
	}

	done := make(chan error, 1)
	err := e.Exclusive(context.Background(), func(context.Context) error {
		if store.player.Cash != 1030 {
			t.Fatalf("server cash before command=%v", store.player.Cash)
		}
		// The server debits a purchase; a checkpoint fired now must wait
		// until the local mirror below is applied.
		store.player.Cash -= 300
		go func() { done <- e.Checkpoint(context.Background()) }()
		w.ApplyRemote(-300, 0, "", nil)
		return nil
	})
	if err != nil {
		t.Fatalf("exclusive: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if got := w.Snapshot().Cash; got != 730 {
		t.Fatalf("local cash=%v", got)
	}
	if store.player.Cash != 730 {
		t.Fatalf("server cash=%v", store.player.Cash)
	}
}
