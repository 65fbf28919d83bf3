package core

import (
	"CreditLedger/internal/event"
)

// Permission is the set of operation kinds a batch may run.
type Permission uint64

const (
	PermAddCollateral      Permission = 1
	PermIncreaseDebt       Permission = 1 << 1
	PermDecreaseDebt       Permission = 1 << 2
	PermWithdrawCollateral Permission = 1 << 5
	PermUpdateQuota        Permission = 1 << 6
	PermSetBotPermissions  Permission = 1 << 8
	PermExternalCalls      Permission = 1 << 16

	PermAll = PermAddCollateral | PermIncreaseDebt | PermDecreaseDebt |
		PermWithdrawCollateral | PermUpdateQuota | PermSetBotPermissions | PermExternalCalls

	// PermBotGrantable is what an owner may delegate to a bot.
	PermBotGrantable = PermAll &^ PermSetBotPermissions

	PermOpen      = PermAll &^ (PermDecreaseDebt | PermWithdrawCollateral)
	PermClose     = PermAll &^ PermIncreaseDebt
	PermLiquidate = PermAddCollateral | PermWithdrawCollateral | PermExternalCalls
)

func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// opPermission maps each op to the bit it needs; zero means always allowed.
var opPermission = map[event.OpCode]Permission{
	event.OpStoreExpectedBalances:   0,
	event.OpCompareBalances:         0,
	event.OpSetFullCheckParams:      0,
	event.OpAddCollateral:           PermAddCollateral,
	event.OpAddCollateralWithPermit: PermAddCollateral,
	event.OpIncreaseDebt:            PermIncreaseDebt,
	event.OpDecreaseDebt:            PermDecreaseDebt,
	event.OpUpdateQuota:             PermUpdateQuota,
	event.OpWithdrawCollateral:      PermWithdrawCollateral,
	event.OpSetBotPermissions:       PermSetBotPermissions,
	event.OpExternalCall:            PermExternalCalls,
}

// requiredPermission returns the bit op needs, or false for codes that are
// not valid inside a batch body.
func requiredPermission(code event.OpCode) (Permission, bool) {
	p, ok := opPermission[code]
	return p, ok
}
