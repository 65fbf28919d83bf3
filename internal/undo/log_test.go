package undo_test

import (
	"testing"

	"CreditLedger/internal/undo"

	"github.com/stretchr/testify/require"
)

func TestLog_RevertRestoresMapAndValues(t *testing.T) {
	log := undo.New()
	m := map[string]int{"a": 1}
	counter := 10

	id := log.Snapshot()
	undo.SetMapEntry(log, m, "a", 2)
	undo.SetMapEntry(log, m, "b", 3)
	undo.DeleteMapEntry(log, m, "a")
	undo.SetValue(log, &counter, 11)
	log.RevertTo(id)

	require.Equal(t, map[string]int{"a": 1}, m)
	require.Equal(t, 10, counter)
	require.False(t, log.Active())
	require.Zero(t, log.Len())
}

func TestLog_NestedScopes(t *testing.T) {
	log := undo.New()
	v := 0

	outer := log.Snapshot()
	undo.SetValue(log, &v, 1)

	inner := log.Snapshot()
	undo.SetValue(log, &v, 2)
	log.RevertTo(inner)
	require.Equal(t, 1, v)

	log.Snapshot()
	undo.SetValue(log, &v, 3)
	log.Commit()
	require.Equal(t, 3, v)
	require.True(t, log.Active())

	log.RevertTo(outer)
	require.Equal(t, 0, v)
}

func TestLog_CommitDropsEntries(t *testing.T) {
	log := undo.New()
	v := 0
	log.Snapshot()
	undo.SetValue(log, &v, 5)
	log.Commit()
	require.Zero(t, log.Len())
	require.Equal(t, 5, v)
}

func TestLog_NilAndInactiveArePermanent(t *testing.T) {
	var nilLog *undo.Log
	v := 0
	undo.SetValue(nilLog, &v, 1)
	require.Equal(t, 1, v)

	log := undo.New()
	undo.SetValue(log, &v, 2)
	require.Zero(t, log.Len())
}
