package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"CreditLedger/internal/adapter"
	"CreditLedger/internal/core"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid protocol config")

// Protocol is the YAML protocol configuration the engine starts from.
// Amounts are decimal strings in token units; prices are USD with 8 decimals.
type Protocol struct {
	Underlying           Token               `yaml:"underlying"`
	Collateral           []Token             `yaml:"collateral"`
	Params               Params              `yaml:"params"`
	InterestModel        *pool.InterestModel `yaml:"interest_model"`
	CreditLimit          string              `yaml:"credit_limit"`
	Manager              string              `yaml:"manager"`
	Configurator         string              `yaml:"configurator"`
	EmergencyLiquidators []string            `yaml:"emergency_liquidators"`
	Loss                 LossConfig          `yaml:"loss"`
	Expiration           Expiration          `yaml:"expiration"`
	Whitelisted          bool                `yaml:"whitelisted"`
	Adapters             []Adapter           `yaml:"adapters"`
	GenesisTime          int64               `yaml:"genesis_time"`
}

type Token struct {
	Address              string `yaml:"address"`
	Symbol               string `yaml:"symbol"`
	Decimals             uint8  `yaml:"decimals"`
	LiquidationThreshold uint16 `yaml:"liquidation_threshold"` // bps
	Price                string `yaml:"price"`
	ReservePrice         string `yaml:"reserve_price"`
	PriceSigner          string `yaml:"price_signer"`
	Quota                *Quota `yaml:"quota"`
}

type Quota struct {
	Rate        uint16 `yaml:"rate"`
	IncreaseFee uint16 `yaml:"increase_fee"`
	Limit       string `yaml:"limit"`
}

// Params overrides state.DefaultCreditParams field by field.
type Params struct {
	FeeInterest                *uint16 `yaml:"fee_interest"`
	FeeLiquidation             *uint16 `yaml:"fee_liquidation"`
	LiquidationDiscount        *uint16 `yaml:"liquidation_discount"`
	FeeLiquidationExpired      *uint16 `yaml:"fee_liquidation_expired"`
	LiquidationDiscountExpired *uint16 `yaml:"liquidation_discount_expired"`
	MinDebt                    string  `yaml:"min_debt"`
	MaxDebt                    string  `yaml:"max_debt"`
	MaxEnabledTokens           *int    `yaml:"max_enabled_tokens"`
	QuotaMultiplier            *uint64 `yaml:"quota_multiplier"`
	WithdrawalDelay            *int64  `yaml:"withdrawal_delay"`
	StrictForbiddenChecks      *bool   `yaml:"strict_forbidden_checks"`
}

type LossConfig struct {
	MaxCumulativeLoss         string `yaml:"max_cumulative_loss"`
	MaxDebtPerBlockMultiplier *uint8 `yaml:"max_debt_per_block_multiplier"`
}

type Expiration struct {
	Enabled bool  `yaml:"enabled"`
	Date    int64 `yaml:"date"`
}

// Adapter binds an adapter id to a built-in implementation and its venue.
type Adapter struct {
	ID     string `yaml:"id"`
	Target string `yaml:"target"`
	Kind   string `yaml:"kind"`
	FeeBps uint64 `yaml:"fee_bps"`
}

// Load reads the protocol configuration from disk and validates the result.
func Load(path string) (*Protocol, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: config path required", ErrInvalidConfig)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Protocol
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes a protocol configuration held in memory.
func Parse(data []byte) (*Protocol, error) {
	var cfg Protocol
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Protocol) normalize() {
	trim := func(s *string) { *s = strings.TrimSpace(*s) }
	trim(&cfg.Manager)
	trim(&cfg.Configurator)
	trim(&cfg.CreditLimit)
	cfg.Underlying.normalize()
	for i := range cfg.Collateral {
		cfg.Collateral[i].normalize()
	}
	for i := range cfg.Adapters {
		cfg.Adapters[i].Kind = strings.ToLower(strings.TrimSpace(cfg.Adapters[i].Kind))
	}
}

func (t *Token) normalize() {
	t.Address = strings.TrimSpace(t.Address)
	t.Symbol = strings.TrimSpace(t.Symbol)
	t.Price = strings.TrimSpace(t.Price)
	t.ReservePrice = strings.TrimSpace(t.ReservePrice)
	t.PriceSigner = strings.TrimSpace(t.PriceSigner)
}

// Validate checks the file without building anything. The genesis
// conversion repeats the engine's own checks on the converted values.
func (cfg *Protocol) Validate() error {
	if cfg.Underlying.Address == "" {
		return fmt.Errorf("%w: underlying.address is required", ErrInvalidConfig)
	}
	if cfg.Configurator == "" {
		return fmt.Errorf("%w: configurator is required", ErrInvalidConfig)
	}
	if cfg.Manager == "" {
		return fmt.Errorf("%w: manager is required", ErrInvalidConfig)
	}
	tokens := append([]Token{cfg.Underlying}, cfg.Collateral...)
	for _, t := range tokens {
		if !common.IsHexAddress(t.Address) {
			return fmt.Errorf("%w: token %q: bad address %q", ErrInvalidConfig, t.Symbol, t.Address)
		}
		if t.LiquidationThreshold > 10_000 {
			return fmt.Errorf("%w: token %s: liquidation_threshold above 10000", ErrInvalidConfig, t.Symbol)
		}
	}
	if cfg.Underlying.Quota != nil {
		return fmt.Errorf("%w: the underlying cannot be quoted", ErrInvalidConfig)
	}
	for _, a := range cfg.Adapters {
		if a.Kind != "swap" {
			return fmt.Errorf("%w: adapter %s: unknown kind %q", ErrInvalidConfig, a.ID, a.Kind)
		}
		if !common.IsHexAddress(a.ID) || !common.IsHexAddress(a.Target) {
			return fmt.Errorf("%w: adapter %s: bad address", ErrInvalidConfig, a.ID)
		}
	}
	if cfg.Expiration.Enabled && cfg.Expiration.Date <= cfg.GenesisTime {
		return fmt.Errorf("%w: expiration.date must be after genesis_time", ErrInvalidConfig)
	}
	_, err := cfg.Genesis()
	return err
}

// Genesis converts the file into the engine's start-up configuration.
func (cfg *Protocol) Genesis() (*core.Genesis, error) {
	g := &core.Genesis{
		ManagerAddress: common.HexToAddress(cfg.Manager),
		Configurator:   common.HexToAddress(cfg.Configurator),
		Expirable:      cfg.Expiration.Enabled,
		ExpirationDate: cfg.Expiration.Date,
		Whitelisted:    cfg.Whitelisted,
		Time:           cfg.GenesisTime,
		InterestModel:  pool.DefaultInterestModel,

		// zero would freeze borrowing from the first block
		MaxDebtPerBlockMultiplier: state.NoDebtPerBlockLimit,
	}

	var err error
	if g.Underlying, err = cfg.Underlying.spec(); err != nil {
		return nil, err
	}
	for _, t := range cfg.Collateral {
		spec, err := t.spec()
		if err != nil {
			return nil, err
		}
		g.Collateral = append(g.Collateral, spec)
	}

	if g.Params, err = cfg.Params.apply(state.DefaultCreditParams()); err != nil {
		return nil, err
	}
	if cfg.InterestModel != nil {
		g.InterestModel = *cfg.InterestModel
	}
	if g.CreditLimit, err = optionalAmount("credit_limit", cfg.CreditLimit); err != nil {
		return nil, err
	}
	if g.MaxCumulativeLoss, err = optionalAmount("loss.max_cumulative_loss", cfg.Loss.MaxCumulativeLoss); err != nil {
		return nil, err
	}
	if m := cfg.Loss.MaxDebtPerBlockMultiplier; m != nil {
		g.MaxDebtPerBlockMultiplier = *m
	}
	for _, who := range cfg.EmergencyLiquidators {
		if !common.IsHexAddress(who) {
			return nil, fmt.Errorf("%w: emergency liquidator %q", ErrInvalidConfig, who)
		}
		g.EmergencyLiquidators = append(g.EmergencyLiquidators, common.HexToAddress(who))
	}
	for _, a := range cfg.Adapters {
		g.Adapters = append(g.Adapters, core.AdapterSpec{
			ID:      common.HexToAddress(a.ID),
			Target:  common.HexToAddress(a.Target),
			Adapter: &adapter.SwapAdapter{FeeBps: a.FeeBps},
		})
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return g, nil
}

func (t Token) spec() (core.TokenSpec, error) {
	spec := core.TokenSpec{
		Address:              common.HexToAddress(t.Address),
		Symbol:               t.Symbol,
		Decimals:             t.Decimals,
		LiquidationThreshold: t.LiquidationThreshold,
	}
	var err error
	if spec.Price, err = optionalAmount(t.Symbol+".price", t.Price); err != nil {
		return spec, err
	}
	if spec.ReservePrice, err = optionalAmount(t.Symbol+".reserve_price", t.ReservePrice); err != nil {
		return spec, err
	}
	if t.PriceSigner != "" {
		if !common.IsHexAddress(t.PriceSigner) {
			return spec, fmt.Errorf("%w: %s.price_signer %q", ErrInvalidConfig, t.Symbol, t.PriceSigner)
		}
		spec.PriceSigner = common.HexToAddress(t.PriceSigner)
	}
	if q := t.Quota; q != nil {
		limit, err := amount(t.Symbol+".quota.limit", q.Limit)
		if err != nil {
			return spec, err
		}
		spec.Quota = &core.QuotaSpec{Rate: q.Rate, IncreaseFee: q.IncreaseFee, Limit: limit}
	}
	return spec, nil
}

func (p Params) apply(out state.CreditParams) (state.CreditParams, error) {
	set16 := func(dst *uint16, v *uint16) {
		if v != nil {
			*dst = *v
		}
	}
	set16(&out.FeeInterest, p.FeeInterest)
	set16(&out.FeeLiquidation, p.FeeLiquidation)
	set16(&out.LiquidationDiscount, p.LiquidationDiscount)
	set16(&out.FeeLiquidationExpired, p.FeeLiquidationExpired)
	set16(&out.LiquidationDiscountExpired, p.LiquidationDiscountExpired)
	if p.MaxEnabledTokens != nil {
		out.MaxEnabledTokens = *p.MaxEnabledTokens
	}
	if p.QuotaMultiplier != nil {
		out.QuotaMultiplier = *p.QuotaMultiplier
	}
	if p.WithdrawalDelay != nil {
		out.WithdrawalDelay = *p.WithdrawalDelay
	}
	if p.StrictForbiddenChecks != nil {
		out.StrictForbiddenChecks = *p.StrictForbiddenChecks
	}
	if p.MinDebt != "" {
		v, err := amount("params.min_debt", p.MinDebt)
		if err != nil {
			return out, err
		}
		out.MinDebt = *v
	}
	if p.MaxDebt != "" {
		v, err := amount("params.max_debt", p.MaxDebt)
		if err != nil {
			return out, err
		}
		out.MaxDebt = *v
	}
	return out, nil
}

func amount(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.ReplaceAll(s, "_", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %q is not a decimal amount", ErrInvalidConfig, field, s)
	}
	return v, nil
}

func optionalAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return amount(field, s)
}
