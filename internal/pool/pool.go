package pool

import (
	"errors"
	"fmt"

	"CreditLedger/internal/ledger"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/undo"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrCreditLimitExceeded   = errors.New("pool credit limit exceeded")
	ErrWithdrawTooLarge      = errors.New("withdrawal exceeds deposit")
)

// State is the pool's persistent state.
type State struct {
	Underlying        common.Address                  `json:"underlying"`
	Model             InterestModel                   `json:"model"`
	TotalBorrowed     uint256.Int                     `json:"total_borrowed"`
	CreditLimit       uint256.Int                     `json:"credit_limit"`
	BaseInterestIndex uint256.Int                     `json:"base_interest_index"` // RAY
	BorrowRate        uint64                          `json:"borrow_rate"`         // bps, fixed until the next checkpoint
	LastUpdate        int64                           `json:"last_update"`
	TotalLoss         uint256.Int                     `json:"total_loss"` // uncovered bad debt
	Deposits          map[common.Address]*uint256.Int `json:"deposits"`
}

// Pool lends the underlying to positions. Liquidity sits in the pool ledger
// account; interest accrues on a RAY index that grows linearly between
// liquidity changes.
type Pool struct {
	st      State
	tracker *ledger.BalanceTracker
	log     *undo.Log
}

func New(tracker *ledger.BalanceTracker, log *undo.Log, underlying common.Address, model InterestModel, creditLimit *uint256.Int) *Pool {
	p := &Pool{tracker: tracker, log: log}
	p.st.Underlying = underlying
	p.st.Model = model
	p.st.CreditLimit.Set(creditLimit)
	p.st.BaseInterestIndex.Set(fpmath.RAY)
	p.st.BorrowRate = model.BorrowRate(0)
	p.st.Deposits = make(map[common.Address]*uint256.Int)
	return p
}

// StartAt sets the time interest starts accruing from. Genesis only.
func (p *Pool) StartAt(now int64) {
	p.st.LastUpdate = now
}

func (p *Pool) Underlying() common.Address {
	return p.st.Underlying
}

func (p *Pool) account() ledger.AccountKey {
	return ledger.NewPoolAccountKey(p.st.Underlying)
}

// AvailableLiquidity is the underlying held by the pool.
func (p *Pool) AvailableLiquidity() *uint256.Int {
	return p.tracker.GetBalance(p.account())
}

func (p *Pool) TotalBorrowed() *uint256.Int {
	return p.st.TotalBorrowed.Clone()
}

func (p *Pool) TotalLoss() *uint256.Int {
	return p.st.TotalLoss.Clone()
}

// BaseInterestIndex returns the index at now without checkpointing.
func (p *Pool) BaseInterestIndex(now int64) *uint256.Int {
	dt := uint64(0)
	if now > p.st.LastUpdate {
		dt = uint64(now - p.st.LastUpdate)
	}
	return fpmath.CompoundLinear(&p.st.BaseInterestIndex, p.st.BorrowRate, dt)
}

// Utilisation returns current utilisation in bps.
func (p *Pool) Utilisation() uint64 {
	return Utilisation(&p.st.TotalBorrowed, p.AvailableLiquidity())
}

// checkpoint folds elapsed interest into the index. Called before every
// liquidity change; updateRate then reprices for the new utilisation.
func (p *Pool) checkpoint(now int64) {
	undo.SetValue(p.log, &p.st.BaseInterestIndex, *p.BaseInterestIndex(now))
	if now > p.st.LastUpdate {
		undo.SetValue(p.log, &p.st.LastUpdate, now)
	}
}

func (p *Pool) updateRate() {
	undo.SetValue(p.log, &p.st.BorrowRate, p.st.Model.BorrowRate(p.Utilisation()))
}

// Supply moves liquidity from an LP into the pool.
func (p *Pool) Supply(lp common.Address, amount *uint256.Int, now int64) error {
	p.checkpoint(now)
	from := ledger.NewUserAccountKey(lp, p.st.Underlying)
	if err := p.tracker.Transfer(from, p.account(), amount, ledger.JournalTypeLiquiditySupply); err != nil {
		return fmt.Errorf("supply: %w", err)
	}
	deposit := new(uint256.Int)
	if d, ok := p.st.Deposits[lp]; ok {
		deposit.Set(d)
	}
	undo.SetMapEntry(p.log, p.st.Deposits, lp, deposit.Add(deposit, amount))
	p.updateRate()
	return nil
}

// Withdraw returns liquidity to an LP, bounded by their deposit and what is
// not lent out.
func (p *Pool) Withdraw(lp common.Address, amount *uint256.Int, now int64) error {
	deposit, ok := p.st.Deposits[lp]
	if !ok || deposit.Lt(amount) {
		return fmt.Errorf("%w: %s", ErrWithdrawTooLarge, lp.Hex())
	}
	if p.AvailableLiquidity().Lt(amount) {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientLiquidity, p.AvailableLiquidity().Dec(), amount.Dec())
	}
	p.checkpoint(now)
	to := ledger.NewUserAccountKey(lp, p.st.Underlying)
	if err := p.tracker.Transfer(p.account(), to, amount, ledger.JournalTypeLiquidityWithdraw); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	undo.SetMapEntry(p.log, p.st.Deposits, lp, new(uint256.Int).Sub(deposit, amount))
	p.updateRate()
	return nil
}

// Lend moves amount of the underlying to the position.
func (p *Pool) Lend(amount *uint256.Int, positionID uuid.UUID, now int64) error {
	borrowed := new(uint256.Int).Add(&p.st.TotalBorrowed, amount)
	if borrowed.Gt(&p.st.CreditLimit) {
		return fmt.Errorf("%w: %s > %s", ErrCreditLimitExceeded, borrowed.Dec(), p.st.CreditLimit.Dec())
	}
	if p.AvailableLiquidity().Lt(amount) {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientLiquidity, p.AvailableLiquidity().Dec(), amount.Dec())
	}
	p.checkpoint(now)
	to := ledger.NewPositionAccountKey(positionID, p.st.Underlying)
	if err := p.tracker.Transfer(p.account(), to, amount, ledger.JournalTypeBorrow); err != nil {
		return fmt.Errorf("lend: %w", err)
	}
	undo.SetValue(p.log, &p.st.TotalBorrowed, *borrowed)
	p.updateRate()
	return nil
}

// Repay settles a debt reduction whose tokens already reached the pool
// account: principalRepaid lowers total borrowed, profit moves to the
// treasury and loss is covered from treasury funds, with any excess
// recorded as uncovered.
func (p *Pool) Repay(principalRepaid, profit, loss *uint256.Int, now int64) error {
	p.checkpoint(now)
	undo.SetValue(p.log, &p.st.TotalBorrowed, *fpmath.SubFloor(&p.st.TotalBorrowed, principalRepaid))

	treasury := ledger.NewTreasuryAccountKey(p.st.Underlying)
	if !profit.IsZero() {
		if err := p.tracker.Transfer(p.account(), treasury, profit, ledger.JournalTypeProfit); err != nil {
			return fmt.Errorf("repay profit: %w", err)
		}
	}
	if !loss.IsZero() {
		cover := fpmath.Min(loss, p.tracker.GetBalance(treasury))
		if err := p.tracker.Transfer(treasury, p.account(), cover, ledger.JournalTypeLossCover); err != nil {
			return fmt.Errorf("repay loss cover: %w", err)
		}
		uncovered := new(uint256.Int).Sub(loss, cover)
		undo.SetValue(p.log, &p.st.TotalLoss, *new(uint256.Int).Add(&p.st.TotalLoss, uncovered))
	}
	p.updateRate()
	return nil
}

// SetCreditLimit changes the total the pool lends.
func (p *Pool) SetCreditLimit(limit *uint256.Int) {
	undo.SetValue(p.log, &p.st.CreditLimit, *limit)
}

// SetModel replaces the rate curve after checkpointing accrued interest.
func (p *Pool) SetModel(model InterestModel, now int64) {
	p.checkpoint(now)
	undo.SetValue(p.log, &p.st.Model, model)
	p.updateRate()
}

// Snapshot returns a deep copy of the pool state.
func (p *Pool) Snapshot() *State {
	out := p.st
	out.Deposits = make(map[common.Address]*uint256.Int, len(p.st.Deposits))
	for k, v := range p.st.Deposits {
		out.Deposits[k] = v.Clone()
	}
	return &out
}

// Restore replaces the pool state. Not recorded in the undo log.
func (p *Pool) Restore(st *State) {
	p.st = *st
	if p.st.Deposits == nil {
		p.st.Deposits = make(map[common.Address]*uint256.Int)
	}
}
