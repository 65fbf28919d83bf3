package bots

import (
	"bytes"
	"sort"

	"CreditLedger/internal/undo"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Permissions is a bitmask of operations a bot may run on a position.
type Permissions uint64

// BotInfo is a bot's global status
type BotInfo struct {
	Forbidden bool        `json:"forbidden"`
	Special   Permissions `json:"special"` // granted on every position
}

type key struct {
	Bot      common.Address
	Position uuid.UUID
}

// Registry stores per-position bot permissions.
type Registry struct {
	perms map[key]Permissions
	byPos map[uuid.UUID]map[common.Address]struct{}
	info  map[common.Address]BotInfo
	log   *undo.Log
}

func NewRegistry(log *undo.Log) *Registry {
	return &Registry{
		perms: make(map[key]Permissions),
		byPos: make(map[uuid.UUID]map[common.Address]struct{}),
		info:  make(map[common.Address]BotInfo),
		log:   log,
	}
}

// PermissionsOf returns what bot may do on position, whether the bot is
// globally forbidden, and whether special permissions override the grant.
func (r *Registry) PermissionsOf(bot common.Address, position uuid.UUID) (perms Permissions, forbidden, special bool) {
	info := r.info[bot]
	if info.Special != 0 {
		return info.Special, info.Forbidden, true
	}
	return r.perms[key{Bot: bot, Position: position}], info.Forbidden, false
}

// SetPermissions grants perms to bot on position (zero revokes) and returns
// the number of bots still active on the position.
func (r *Registry) SetPermissions(position uuid.UUID, bot common.Address, perms Permissions) int {
	k := key{Bot: bot, Position: position}
	bots := r.byPos[position]
	if perms == 0 {
		undo.DeleteMapEntry(r.log, r.perms, k)
		if _, ok := bots[bot]; ok {
			undo.DeleteMapEntry(r.log, bots, bot)
		}
		return len(bots)
	}
	if bots == nil {
		bots = make(map[common.Address]struct{})
		undo.SetMapEntry(r.log, r.byPos, position, bots)
	}
	undo.SetMapEntry(r.log, r.perms, k, perms)
	undo.SetMapEntry(r.log, bots, bot, struct{}{})
	return len(bots)
}

// EraseAll revokes every bot on position.
func (r *Registry) EraseAll(position uuid.UUID) {
	for bot := range r.byPos[position] {
		undo.DeleteMapEntry(r.log, r.perms, key{Bot: bot, Position: position})
	}
	undo.DeleteMapEntry(r.log, r.byPos, position)
}

// ActiveBots lists bots with permissions on position, ordered by address.
func (r *Registry) ActiveBots(position uuid.UUID) []common.Address {
	out := make([]common.Address, 0, len(r.byPos[position]))
	for bot := range r.byPos[position] {
		out = append(out, bot)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// SetForbidden blocks or unblocks bot everywhere.
func (r *Registry) SetForbidden(bot common.Address, forbidden bool) {
	info := r.info[bot]
	info.Forbidden = forbidden
	undo.SetMapEntry(r.log, r.info, bot, info)
}

// SetSpecial grants perms to bot on every position.
func (r *Registry) SetSpecial(bot common.Address, perms Permissions) {
	info := r.info[bot]
	info.Special = perms
	undo.SetMapEntry(r.log, r.info, bot, info)
}

// Entry is one serialised grant
type Entry struct {
	Bot         common.Address `json:"bot"`
	Position    uuid.UUID      `json:"position"`
	Permissions Permissions    `json:"permissions"`
}

// Snapshot is the serialisable registry state
type Snapshot struct {
	Grants []Entry                    `json:"grants"`
	Info   map[common.Address]BotInfo `json:"info"`
}

func (r *Registry) Snapshot() *Snapshot {
	snap := &Snapshot{
		Grants: make([]Entry, 0, len(r.perms)),
		Info:   make(map[common.Address]BotInfo, len(r.info)),
	}
	for k, p := range r.perms {
		snap.Grants = append(snap.Grants, Entry{Bot: k.Bot, Position: k.Position, Permissions: p})
	}
	sort.Slice(snap.Grants, func(i, j int) bool {
		a, b := snap.Grants[i], snap.Grants[j]
		if c := bytes.Compare(a.Position[:], b.Position[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Bot[:], b.Bot[:]) < 0
	})
	for bot, info := range r.info {
		snap.Info[bot] = info
	}
	return snap
}

// Restore replaces the registry contents. Not recorded in the undo log.
func (r *Registry) Restore(snap *Snapshot) {
	clear(r.perms)
	clear(r.byPos)
	clear(r.info)
	for _, g := range snap.Grants {
		r.perms[key{Bot: g.Bot, Position: g.Position}] = g.Permissions
		if r.byPos[g.Position] == nil {
			r.byPos[g.Position] = make(map[common.Address]struct{})
		}
		r.byPos[g.Position][g.Bot] = struct{}{}
	}
	for bot, info := range snap.Info {
		r.info[bot] = info
	}
}
