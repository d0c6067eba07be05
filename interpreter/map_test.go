package interpreter_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/interpreter"
	"github.com/frobware/go-trafficctl/interpreter/memory"
)

func statsMap() *memory.Map {
	return memory.NewMap(interpreter.MapSpec{
		Name:       trafficctl.TagStatsMapName,
		KeySize:    trafficctl.StatsKeySize,
		ValueSize:  trafficctl.StatsSize,
		MaxEntries: 8,
	})
}

func TestTypedMapRoundTripsThroughRawLayout(t *testing.T) {
	raw := statsMap()
	m := interpreter.NewMap[trafficctl.StatsKey, trafficctl.Stats](raw)

	key := trafficctl.StatsKey{UID: 1000, Tag: 100, CounterSet: 1, IfaceIndex: 3}
	require.NoError(t, m.Update(key, trafficctl.Stats{TxTCPBytes: 1500, TxTCPPackets: 1}))

	rawKey := make([]byte, 16)
	binary.NativeEndian.PutUint32(rawKey[0:4], 1000)
	binary.NativeEndian.PutUint32(rawKey[4:8], 100)
	binary.NativeEndian.PutUint32(rawKey[8:12], 1)
	binary.NativeEndian.PutUint32(rawKey[12:16], 3)

	v, err := raw.Lookup(rawKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), binary.NativeEndian.Uint64(v[16:24]))
	assert.Equal(t, uint64(1500), binary.NativeEndian.Uint64(v[24:32]))

	got, err := m.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), got.TxTCPBytes)
}

func TestTypedMapAll(t *testing.T) {
	m := interpreter.NewMap[trafficctl.Cookie, trafficctl.UidTag](memory.NewMap(interpreter.MapSpec{
		Name: trafficctl.CookieTagMapName, KeySize: 8, ValueSize: 8, MaxEntries: 8,
	}))

	want := map[trafficctl.Cookie]trafficctl.UidTag{
		1: {UID: 1000, Tag: 1},
		2: {UID: 1001, Tag: 0},
		3: {UID: 1000, Tag: 7},
	}
	for c, v := range want {
		require.NoError(t, m.Update(c, v))
	}

	got := make(map[trafficctl.Cookie]trafficctl.UidTag)
	for e, err := range m.All() {
		require.NoError(t, err)
		got[e.Key] = e.Value
	}
	assert.Equal(t, want, got)
}

func TestTypedMapDeleteMissing(t *testing.T) {
	m := interpreter.NewMap[uint32, uint32](memory.NewMap(interpreter.MapSpec{
		Name: trafficctl.UidCounterSetMapName, KeySize: 4, ValueSize: 4, MaxEntries: 8,
	}))
	assert.ErrorIs(t, m.Delete(1000), interpreter.ErrNotFound)

	_, err := m.Lookup(1000)
	assert.ErrorIs(t, err, interpreter.ErrNotFound)
}

func TestNewMapRejectsVariableSizeTypes(t *testing.T) {
	assert.Panics(t, func() {
		interpreter.NewMap[string, uint32](statsMap())
	})
}
