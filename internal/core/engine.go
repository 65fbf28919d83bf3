package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"time"

	"CreditLedger/internal/adapter"
	"CreditLedger/internal/bots"
	"CreditLedger/internal/event"
	"CreditLedger/internal/ledger"
	"CreditLedger/internal/manager"
	"CreditLedger/internal/observability"
	"CreditLedger/internal/oracle"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/state"
	"CreditLedger/internal/undo"
	"CreditLedger/internal/withdrawal"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// PositionNamespace derives position ids from the opening call's key, so a
// replayed log recreates the same ids.
var PositionNamespace = uuid.MustParse("6f1d3c2e-8a47-5b0e-9c1f-2d4e6a8b0c13")

// PositionIDFor returns the id of the position opened by the call with key.
func PositionIDFor(idempotencyKey string) uuid.UUID {
	return uuid.NewSHA1(PositionNamespace, []byte(idempotencyKey))
}

// DeterministicCore is the single-threaded call processor. It owns every
// in-memory store and applies one call at a time, atomically.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	undo              *undo.Log
	journalGen        *ledger.JournalGenerator
	tracker           *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	params            *state.CreditParams
	registry          *state.TokenRegistry
	positions         *state.PositionManager
	quotas            *state.QuotaKeeper
	governor          *state.RiskGovernor
	oracle            *oracle.Oracle
	pool              *pool.Pool
	bots              *bots.Registry
	queue             *withdrawal.Queue
	adapters          *adapter.Registry
	mgr               *manager.Manager
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger

	configurator common.Address
	whitelisted  bool

	// per-call scratch, reset before each dispatch
	locked  bool
	touched map[uuid.UUID]*state.Position
	events  []event.DomainEvent

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	publishChan    chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one applied call
type CoreOutput struct {
	Envelope   *event.CallEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	Positions  []state.Position // post-call copies of every position the call touched
	Closure    *ClosureRecord
	Risk       RiskState
	Events     []event.DomainEvent
}

// ClosureRecord is a settled position as reported downstream
type ClosureRecord struct {
	PositionID uuid.UUID         `json:"position_id"`
	Owner      common.Address    `json:"owner"`
	Kind       state.ClosureKind `json:"kind"`
	Settlement *state.Settlement `json:"settlement"`
	Shortfall  *uint256.Int      `json:"shortfall"`
	Swept      state.TokenMask   `json:"swept"`
	Caller     common.Address    `json:"caller"`
}

// RiskState is the circuit-breaker view published after every call
type RiskState struct {
	CumulativeLoss            *uint256.Int    `json:"cumulative_loss"`
	MaxCumulativeLoss         *uint256.Int    `json:"max_cumulative_loss"`
	Paused                    bool            `json:"paused"`
	MaxDebtPerBlockMultiplier uint8           `json:"max_debt_per_block_multiplier"`
	ForbiddenMask             state.TokenMask `json:"forbidden_mask"`
	TotalBorrowed             *uint256.Int    `json:"total_borrowed"`
	AvailableLiquidity        *uint256.Int    `json:"available_liquidity"`
	TotalLoss                 *uint256.Int    `json:"total_loss"`
	Utilisation               uint64          `json:"utilisation_bps"`
}

// Receipt is returned to the submitter of an applied (or duplicate) call
type Receipt struct {
	Sequence       int64               `json:"sequence"`
	IdempotencyKey string              `json:"idempotency_key"`
	CallType       event.CallType      `json:"call_type"`
	PositionID     *uuid.UUID          `json:"position_id,omitempty"`
	HealthFactor   uint64              `json:"health_factor,omitempty"` // bps, set when a full check ran
	Closure        *ClosureRecord      `json:"closure,omitempty"`
	Claimed        *uint256.Int        `json:"claimed,omitempty"`
	Events         []event.DomainEvent `json:"events,omitempty"`
	StateHash      common.Hash         `json:"state_hash"`
	Duplicate      bool                `json:"duplicate,omitempty"`
}

// Options wires the core to its surroundings. Nil channels are skipped.
type Options struct {
	StartSequence int64
	LRUCapacity   int

	Persist    chan<- CoreOutput // blocking send
	Projection chan<- CoreOutput // dropped when full
	Publish    chan<- CoreOutput // dropped when full

	DBChecker DBIdempotencyChecker
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// NewDeterministicCore builds every store from genesis.
func NewDeterministicCore(g *Genesis, opts Options) (*DeterministicCore, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if opts.StartSequence == 0 {
		opts.StartSequence = 1
	}
	if opts.LRUCapacity <= 0 {
		opts.LRUCapacity = 1_000_000
	}

	log := undo.New()
	journalGen := ledger.NewJournalGenerator(opts.StartSequence, log)
	tracker := ledger.NewBalanceTracker(log, journalGen)

	params := g.Params
	registry := state.NewTokenRegistry(log, g.Underlying.Address, g.Underlying.Symbol,
		g.Underlying.Decimals, g.Underlying.LiquidationThreshold)
	quotas := state.NewQuotaKeeper(log)
	prices := oracle.New(log)

	tokens := append([]TokenSpec{g.Underlying}, g.Collateral...)
	for i, spec := range tokens {
		if i > 0 {
			if _, err := registry.AddToken(spec.Address, spec.Symbol, spec.Decimals, spec.Quota != nil, spec.LiquidationThreshold); err != nil {
				return nil, fmt.Errorf("genesis token %s: %w", spec.Symbol, err)
			}
			if spec.Quota != nil {
				if err := quotas.AddQuotaToken(spec.Address, spec.Quota.Rate, spec.Quota.IncreaseFee, spec.Quota.Limit, g.Time); err != nil {
					return nil, fmt.Errorf("genesis quota %s: %w", spec.Symbol, err)
				}
			}
		}
		prices.SetFeed(spec.Address, spec.Decimals, spec.PriceSigner)
		if spec.Price != nil {
			if err := prices.SetPrice(spec.Address, spec.Price, false, g.Time); err != nil {
				return nil, fmt.Errorf("genesis price %s: %w", spec.Symbol, err)
			}
		}
		if spec.ReservePrice != nil {
			if err := prices.SetPrice(spec.Address, spec.ReservePrice, true, g.Time); err != nil {
				return nil, fmt.Errorf("genesis reserve price %s: %w", spec.Symbol, err)
			}
		}
	}

	creditLimit := g.CreditLimit
	if creditLimit == nil {
		creditLimit = new(uint256.Int).SetAllOne()
	}
	maxLoss := g.MaxCumulativeLoss
	if maxLoss == nil {
		maxLoss = new(uint256.Int).SetAllOne()
	}
	lendingPool := pool.New(tracker, log, g.Underlying.Address, g.InterestModel, creditLimit)
	lendingPool.StartAt(g.Time)
	governor := state.NewRiskGovernor(log, maxLoss, g.MaxDebtPerBlockMultiplier)
	governor.SetExpiration(g.Expirable, g.ExpirationDate)
	for _, who := range g.EmergencyLiquidators {
		governor.SetEmergencyLiquidator(who, true)
	}

	adapters := adapter.NewRegistry(log)
	for _, a := range g.Adapters {
		if err := adapters.Register(a.ID, a.Target, a.Adapter); err != nil {
			return nil, fmt.Errorf("genesis adapter %s: %w", a.ID.Hex(), err)
		}
	}

	positions := state.NewPositionManager(log)
	queue := withdrawal.NewQueue(tracker, log)
	mgr := &manager.Manager{
		Address:   g.ManagerAddress,
		Params:    &params,
		Positions: positions,
		Tokens:    registry,
		Quotas:    quotas,
		Pool:      lendingPool,
		Queue:     queue,
		Tracker:   tracker,
		Adapters:  adapters,
		Prices:    prices,
	}
	mgr.Evaluator = &state.Evaluator{Registry: registry, Quotas: quotas, Prices: prices, Balances: mgr}

	c := &DeterministicCore{
		sequence:          opts.StartSequence,
		hasher:            NewStateHasher(),
		undo:              log,
		journalGen:        journalGen,
		tracker:           tracker,
		validator:         ledger.NewInvariantValidator(tracker),
		params:            &params,
		registry:          registry,
		positions:         positions,
		quotas:            quotas,
		governor:          governor,
		oracle:            prices,
		pool:              lendingPool,
		bots:              bots.NewRegistry(log),
		queue:             queue,
		adapters:          adapters,
		mgr:               mgr,
		idempotency:       NewIdempotencyChecker(opts.LRUCapacity, opts.DBChecker, opts.Metrics, opts.Logger),
		sequenceValidator: NewSequenceValidator(opts.Metrics),
		metrics:           opts.Metrics,
		log:               opts.Logger,
		configurator:      g.Configurator,
		whitelisted:       g.Whitelisted,
		touched:           make(map[uuid.UUID]*state.Position),
		persistChan:       opts.Persist,
		projectionChan:    opts.Projection,
		publishChan:       opts.Publish,
	}
	return c, nil
}

// ProcessCall is the main processing pipeline. A failed call leaves no
// trace: every store is reverted, nothing is emitted and its key is not
// marked processed, so it may be resubmitted.
func (c *DeterministicCore) ProcessCall(call event.Call) (*Receipt, error) {
	start := time.Now()
	ct := call.CallType()
	callType := ct.String()
	meta := call.Header()
	key := meta.Key

	if err := validateMeta(meta); err != nil {
		c.reject(callType, CategoryInvalid.String())
		return nil, err
	}

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(callType, key)

	// Step 2: Per-caller source sequence
	partition := partitionOf(meta)
	if err := c.sequenceValidator.Check(partition, meta.Sequence, isDuplicate); err != nil {
		c.reject(callType, CategoryOrdering.String())
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}
	if isDuplicate {
		return &Receipt{IdempotencyKey: key, CallType: ct, Duplicate: true}, nil
	}

	payload, err := event.Encode(call)
	if err != nil {
		c.reject(callType, CategoryInvalid.String())
		return nil, fmt.Errorf("%w: encode: %v", ErrInvalidCall, err)
	}

	// Step 3: Dispatch inside an undo scope
	c.resetScratch()
	c.journalGen.Begin(key, meta.Timestamp)
	snap := c.undo.Snapshot()

	receipt, err := c.dispatch(call)
	if err != nil {
		c.undo.RevertTo(snap)
		c.journalGen.Abort()
		c.resetScratch()
		category := Category(err)
		c.reject(callType, category.String())
		c.log.Warn().
			Err(err).
			Str("call_type", callType).
			Str("idempotency_key", key).
			Str("caller", meta.Caller.Hex()).
			Str("category", category.String()).
			Msg("call rejected")
		return nil, err
	}

	// Step 4: Validate journals, then keep the mutations
	batch := c.journalGen.Finish()
	if err := c.validator.ValidateBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: malformed journal batch for %s: %v", key, err))
	}
	c.undo.Commit()
	c.sequenceValidator.Advance(partition, meta.Sequence)

	// Step 5: State hash
	hashStart := time.Now()
	digest := c.computeStateDigest(batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	for i := range c.events {
		c.events[i].Sequence = c.sequence
	}
	receipt.Sequence = c.sequence
	receipt.IdempotencyKey = key
	receipt.CallType = ct
	receipt.StateHash = stateHash
	receipt.Events = c.events

	output := CoreOutput{
		Envelope: &event.CallEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: key,
			CallType:       ct,
			Caller:         meta.Caller,
			Block:          meta.Block,
			Timestamp:      time.Unix(meta.Timestamp, 0).UTC(),
			SourceSequence: meta.Sequence,
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch:      batch,
		StateDelta: digest,
		Positions:  c.touchedPositions(),
		Closure:    receipt.Closure,
		Risk:       c.RiskState(),
		Events:     c.events,
	}
	c.sequence++

	// Step 6: Emit. Persistence blocks; projections and publishing drop
	// when full and catch up from the event log.
	c.emit(output)

	// Step 7: Mark as processed
	c.idempotency.MarkProcessed(callType, key)

	if c.metrics != nil {
		c.metrics.CoreCallsApplied.WithLabelValues(callType).Inc()
		c.metrics.CoreCallDuration.WithLabelValues(callType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.CoreBatchOps.Observe(float64(len(event.Operations(call))))
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
		c.metrics.SetRiskState(toFloat(&c.governor.CumulativeLoss), c.governor.Paused,
			c.governor.MaxDebtPerBlockMultiplier == 0)
		c.metrics.PoolUtilisation.Set(float64(c.pool.Utilisation()))
	}
	return receipt, nil
}

func validateMeta(meta *event.Meta) error {
	if meta.Key == "" {
		return fmt.Errorf("%w: missing idempotency key", ErrInvalidCall)
	}
	if meta.Caller == (common.Address{}) {
		return fmt.Errorf("%w: missing caller", ErrInvalidCall)
	}
	if meta.Block == 0 {
		return fmt.Errorf("%w: block must be positive", ErrInvalidCall)
	}
	return nil
}

// partitionOf orders calls per submitting identity.
func partitionOf(meta *event.Meta) string {
	return "caller:" + meta.Caller.Hex()
}

func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("all").Inc()
			}
		}
	}
	if c.publishChan != nil && len(output.Events) > 0 {
		select {
		case c.publishChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (c *DeterministicCore) reject(callType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCallsRejected.WithLabelValues(callType, reason).Inc()
	}
}

func (c *DeterministicCore) resetScratch() {
	clear(c.touched)
	c.events = nil
}

// touch marks pos for the state digest and projection output.
func (c *DeterministicCore) touch(pos *state.Position) {
	c.touched[pos.ID] = pos
}

func (c *DeterministicCore) emitEvent(typ event.DomainEventType, positionID uuid.UUID, attrs map[string]string) {
	var id *uuid.UUID
	if positionID != uuid.Nil {
		id = &positionID
	}
	c.events = append(c.events, event.DomainEvent{Type: typ, PositionID: id, Attributes: attrs})
}

func (c *DeterministicCore) touchedPositions() []state.Position {
	out := make([]state.Position, 0, len(c.touched))
	for _, pos := range c.touched {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// computeStateDigest creates canonical bytes for the state hash: every
// ledger account the call moved, every position it touched and the risk
// governor, each in a deterministic order.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96+len(c.touched)*192+128)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = binary.LittleEndian.AppendUint16(digest, uint16(len(path)))
		digest = append(digest, path...)
		balance := c.tracker.GetBalance(key).Bytes32()
		digest = append(digest, balance[:]...)
	}
	for _, pos := range c.touchedPositions() {
		digest = append(digest, pos.CanonicalBytes()...)
	}
	return append(digest, c.riskDigest()...)
}

func (c *DeterministicCore) riskDigest() []byte {
	g := c.governor
	buf := make([]byte, 0, 104)
	loss := g.CumulativeLoss.Bytes32()
	buf = append(buf, loss[:]...)
	maxLoss := g.MaxCumulativeLoss.Bytes32()
	buf = append(buf, maxLoss[:]...)
	var flags byte
	if g.Paused {
		flags |= 1
	}
	if g.Expirable {
		flags |= 2
	}
	buf = append(buf, flags, g.MaxDebtPerBlockMultiplier)
	for _, word := range g.ForbiddenMask {
		buf = binary.LittleEndian.AppendUint64(buf, word)
	}
	return buf
}

// RiskState returns the current circuit-breaker and pool view.
func (c *DeterministicCore) RiskState() RiskState {
	g := c.governor
	return RiskState{
		CumulativeLoss:            g.CumulativeLoss.Clone(),
		MaxCumulativeLoss:         g.MaxCumulativeLoss.Clone(),
		Paused:                    g.Paused,
		MaxDebtPerBlockMultiplier: g.MaxDebtPerBlockMultiplier,
		ForbiddenMask:             g.ForbiddenMask,
		TotalBorrowed:             c.pool.TotalBorrowed(),
		AvailableLiquidity:        c.pool.AvailableLiquidity(),
		TotalLoss:                 c.pool.TotalLoss(),
		Utilisation:               c.pool.Utilisation(),
	}
}

func toFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

// dispatch routes a call to its handler under the reentrancy lock.
func (c *DeterministicCore) dispatch(call event.Call) (*Receipt, error) {
	if c.locked {
		return nil, ErrReentrancy
	}
	c.locked = true
	defer func() { c.locked = false }()

	meta := call.Header()
	if call.CallType().IsAdmin() {
		if meta.Caller != c.configurator {
			return nil, fmt.Errorf("%w: %s", ErrNotConfigurator, meta.Caller.Hex())
		}
		if err := c.handleAdmin(call); err != nil {
			return nil, err
		}
		return &Receipt{}, nil
	}

	switch e := call.(type) {
	case *event.OpenPosition:
		return c.handleOpenPosition(e)
	case *event.Multicall:
		return c.handleMulticall(e)
	case *event.BotMulticall:
		return c.handleBotMulticall(e)
	case *event.ClosePosition:
		return c.handleClosePosition(e)
	case *event.LiquidatePosition:
		return c.handleLiquidatePosition(e)
	case *event.TransferOwnership:
		return c.handleTransferOwnership(e)
	case *event.AllowTransfer:
		return c.handleAllowTransfer(e)
	case *event.ClaimWithdrawals:
		return c.handleClaimWithdrawals(e)
	case *event.Mint:
		return c.handleMint(e)
	case *event.Approve:
		return c.handleApprove(e)
	case *event.SupplyLiquidity:
		return c.handleSupplyLiquidity(e)
	case *event.WithdrawLiquidity:
		return c.handleWithdrawLiquidity(e)
	default:
		return nil, fmt.Errorf("%w: unhandled call type %T", ErrInvalidCall, call)
	}
}

// Reenter implements adapter.Dispatcher. Adapters only run inside a batch,
// so every call arriving here hits the reentrancy lock.
func (c *DeterministicCore) Reenter(call any) error {
	ec, ok := call.(event.Call)
	if !ok {
		return fmt.Errorf("%w: %T", ErrInvalidCall, call)
	}
	_, err := c.dispatch(ec)
	return err
}

// --- Snapshot and recovery ---

// SnapshotState is the complete serialisable engine state
type SnapshotState struct {
	Sequence        int64                   `json:"sequence"` // last applied sequence
	StateHash       common.Hash             `json:"state_hash"`
	Params          state.CreditParams      `json:"params"`
	Tokens          []state.TokenEntry      `json:"tokens"`
	Positions       []*state.Position       `json:"positions"`
	Transfers       []state.TransferKey     `json:"transfers"`
	Quotas          *state.QuotaSnapshot    `json:"quotas"`
	Governor        *state.RiskGovernor     `json:"governor"`
	Balances        *ledger.TrackerSnapshot `json:"balances"`
	Pool            *pool.State             `json:"pool"`
	Feeds           []oracle.Feed           `json:"feeds"`
	Bots            *bots.Snapshot          `json:"bots"`
	Withdrawals     *withdrawal.Snapshot    `json:"withdrawals"`
	SequenceState   map[string]int64        `json:"sequence_state"`
	IdempotencyKeys []string                `json:"idempotency_keys"`
}

// CreateSnapshotState copies every store. Only call between calls.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	positions := c.positions.GetAllPositions()
	copies := make([]*state.Position, len(positions))
	for i, pos := range positions {
		cp := *pos
		copies[i] = &cp
	}
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       common.Hash(c.hasher.GetPrevHash()),
		Params:          *c.params,
		Tokens:          c.registry.Entries(),
		Positions:       copies,
		Transfers:       c.positions.Transfers(),
		Quotas:          c.quotas.Snapshot(),
		Governor:        c.governor.Snapshot(),
		Balances:        c.tracker.Snapshot(),
		Pool:            c.pool.Snapshot(),
		Feeds:           c.oracle.Snapshot(),
		Bots:            c.bots.Snapshot(),
		Withdrawals:     c.queue.Snapshot(),
		SequenceState:   c.sequenceValidator.Partitions(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot replaces the in-memory state. Replay of later calls
// from the event log continues at snap.Sequence+1.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.journalGen.SetSequence(c.sequence)

	*c.params = snap.Params
	c.registry.Restore(snap.Tokens)
	c.positions.Restore(snap.Positions, snap.Transfers)
	c.quotas.Restore(snap.Quotas)
	c.governor.Restore(snap.Governor)
	c.tracker.Restore(snap.Balances)
	c.pool.Restore(snap.Pool)
	c.oracle.Restore(snap.Feeds)
	c.bots.Restore(snap.Bots)
	c.queue.Restore(snap.Withdrawals)
	c.sequenceValidator.Restore(snap.SequenceState)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
}

// WarmLRU loads recent idempotency keys (as "type:key") into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// AttachDBChecker enables the Postgres dedup tier. Replay from the event log
// runs before it is attached, since every replayed key is already stored.
func (c *DeterministicCore) AttachDBChecker(db DBIdempotencyChecker) {
	c.idempotency.dbChecker = db
}

// AttachOutputs connects the output channels after replay. Replayed calls
// are already stored, projected and published. Nil channels are skipped.
func (c *DeterministicCore) AttachOutputs(persist, projection, publish chan<- CoreOutput) {
	c.persistChan = persist
	c.projectionChan = projection
	c.publishChan = publish
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the hash of the last applied call.
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// --- Read access; core goroutine only ---

func (c *DeterministicCore) Position(id uuid.UUID) (state.Position, bool) {
	pos, ok := c.positions.Lookup(id)
	if !ok {
		return state.Position{}, false
	}
	return *pos, true
}

func (c *DeterministicCore) Balance(key ledger.AccountKey) *uint256.Int {
	return c.tracker.GetBalance(key)
}

func (c *DeterministicCore) Params() state.CreditParams {
	return *c.params
}

func (c *DeterministicCore) Quota(positionID uuid.UUID, token common.Address) *uint256.Int {
	return c.quotas.Quota(positionID, token)
}

func (c *DeterministicCore) BotPermissions(bot common.Address, positionID uuid.UUID) Permission {
	perms, _, _ := c.bots.PermissionsOf(bot, positionID)
	return Permission(perms)
}

func (c *DeterministicCore) PendingWithdrawals(positionID uuid.UUID) []withdrawal.Entry {
	return c.queue.Pending(positionID)
}

// Evaluate runs a read-only valuation of a position.
func (c *DeterministicCore) Evaluate(id uuid.UUID, now int64) (*state.CollateralDebtData, error) {
	pos, err := c.positions.Get(id)
	if err != nil {
		return nil, err
	}
	return c.mgr.Evaluate(state.EvalRequest{Position: pos, Mode: state.ModeDebtCollateral, Now: now})
}

// ValidateSupply checks token conservation across the whole ledger.
func (c *DeterministicCore) ValidateSupply() error {
	return c.validator.ValidateSupply()
}
