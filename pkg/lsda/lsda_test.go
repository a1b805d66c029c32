package lsda

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/ehrt/pkg/ehenc"
)

const (
	funcStart = uint64(0x1000)
	lsdaAddr  = uint64(0x8000)
)

var testBases = ehenc.Bases{Text: 0x1000, Data: 0x8000, Func: funcStart}

func build(t *testing.T, b *Builder) *Table {
	t.Helper()
	blob, err := b.Build(lsdaAddr, testBases)
	require.NoError(t, err)
	tbl, err := Parse(ehenc.Region{Addr: lsdaAddr, Data: blob}, lsdaAddr, testBases)
	require.NoError(t, err)
	return tbl
}

func matchEqual(_ int, typeInfo uint64, payload any) bool {
	v, ok := payload.(uint64)
	return ok && v == typeInfo
}

func TestFindCallSite(t *testing.T) {
	b := new(Builder).
		AddCallSite(0, 10, 0x40).
		AddCallSite(10, 10, 0).
		AddCallSite(20, 10, 0x80)
	tbl := build(t, b)

	for _, tc := range []struct {
		ip  uint64
		pad uint64
	}{
		{ip: 5, pad: funcStart + 0x40},
		{ip: 15, pad: 0},
		{ip: 25, pad: funcStart + 0x80},
		{ip: 35, pad: 0},
	} {
		res, err := tbl.Scan(Query{IP: funcStart + tc.ip, BeforeInsn: true})
		require.NoError(t, err)
		require.Equal(t, tc.pad, res.LandingPad, "ip %d", tc.ip)
		require.Equal(t, tc.pad != 0, res.Found(), "ip %d", tc.ip)
	}

	cs, ok, err := tbl.FindCallSite(funcStart + 15)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), cs.Start)
	require.Zero(t, cs.LandingPad)

	_, ok, err = tbl.FindCallSite(funcStart + 35)
	require.NoError(t, err)
	require.False(t, ok)

	sites, err := tbl.CallSites()
	require.NoError(t, err)
	require.Len(t, sites, 3)
	require.True(t, sites[2].Contains(29))
	require.False(t, sites[2].Contains(30))
}

func TestScanReturnAddressAdjust(t *testing.T) {
	tbl := build(t, new(Builder).AddCallSite(0, 10, 0x40).AddCallSite(10, 10, 0x80))

	// a return address right past the first range still belongs to the call
	res, err := tbl.Scan(Query{IP: funcStart + 10})
	require.NoError(t, err)
	require.Equal(t, funcStart+0x40, res.LandingPad)

	res, err = tbl.Scan(Query{IP: funcStart + 10, BeforeInsn: true})
	require.NoError(t, err)
	require.Equal(t, funcStart+0x80, res.LandingPad)
}

func TestScanActionChain(t *testing.T) {
	const (
		typeA = uint64(0x9100)
		typeB = uint64(0x9200)
	)
	b := new(Builder)
	require.Equal(t, int64(1), b.TypeFilter(typeA))
	require.Equal(t, int64(2), b.TypeFilter(typeB))
	require.Equal(t, int64(2), b.TypeFilter(typeB))
	b.AddCallSite(0, 0x20, 0x60, 2, 0)
	tbl := build(t, b)

	search := Query{IP: funcStart + 8, BeforeInsn: true, Handlers: true, Match: matchEqual}

	t.Run("matching payload", func(t *testing.T) {
		q := search
		q.Payload = typeB
		res, err := tbl.Scan(q)
		require.NoError(t, err)
		require.True(t, res.SawHandler)
		require.Equal(t, 2, res.Handler)
		require.Equal(t, funcStart+0x60, res.LandingPad)
	})

	t.Run("non matching payload", func(t *testing.T) {
		q := search
		q.Payload = typeA
		res, err := tbl.Scan(q)
		require.NoError(t, err)
		require.False(t, res.SawHandler)
		require.True(t, res.SawCleanup)
	})

	t.Run("cleanup only", func(t *testing.T) {
		res, err := tbl.Scan(Query{IP: funcStart + 8, BeforeInsn: true, Payload: typeB, Match: matchEqual})
		require.NoError(t, err)
		require.False(t, res.SawHandler)
		require.True(t, res.SawCleanup)
		require.True(t, res.Found())
		require.Zero(t, res.Handler)
	})
}

func TestScanFirstMatchWins(t *testing.T) {
	b := new(Builder)
	f1 := b.TypeFilter(0x9100)
	f2 := b.TypeFilter(0x9200)
	b.AddCallSite(0, 0x10, 0x30, f1, f2)
	tbl := build(t, b)

	res, err := tbl.Scan(Query{
		IP: funcStart + 1, BeforeInsn: true, Handlers: true,
		Match: func(int, uint64, any) bool { return true },
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Handler)
}

func TestScanBareCleanupAndSpec(t *testing.T) {
	tbl := build(t, new(Builder).
		AddCallSite(0, 0x10, 0x30).
		AddCallSite(0x10, 0x10, 0x50, -1, 0))

	res, err := tbl.Scan(Query{IP: funcStart + 1, BeforeInsn: true, Handlers: true, Match: matchEqual})
	require.NoError(t, err)
	require.True(t, res.SawCleanup)
	require.True(t, res.Found())

	res, err = tbl.Scan(Query{IP: funcStart + 0x11, BeforeInsn: true, Handlers: true, Match: matchEqual})
	require.NoError(t, err)
	require.False(t, res.Found())
}

func TestTypeTableEncodings(t *testing.T) {
	for _, enc := range []ehenc.Encoding{
		ehenc.Absptr,
		ehenc.Udata8,
		ehenc.Sdata4 | ehenc.PCRel,
		ehenc.Sdata4 | ehenc.DataRel,
		ehenc.Udata2 | ehenc.TextRel,
	} {
		t.Run(enc.String(), func(t *testing.T) {
			b := &Builder{TTypeEncoding: enc}
			types := []uint64{0x9100, 0x9208, 0x1100}
			for _, ti := range types {
				b.TypeFilter(ti)
			}
			b.AddCallSite(0, 4, 8, 3, 2, 1)
			tbl := build(t, b)
			require.Equal(t, enc, tbl.TTypeEncoding)
			for i, ti := range types {
				got, err := tbl.TypeInfo(int64(i + 1))
				require.NoError(t, err)
				require.Equal(t, ti, got)
			}
			records, err := tbl.Actions(CallSite{Action: 1})
			require.NoError(t, err)
			require.Len(t, records, 3)
			require.Equal(t, int64(3), records[0].Filter)
			require.Equal(t, int64(1), records[2].Filter)
			require.Zero(t, records[2].Displacement)
		})
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(ehenc.Region{Addr: lsdaAddr, Data: []byte{0xff}}, lsdaAddr, testBases)
	require.ErrorIs(t, err, ehenc.ErrTruncated)

	tbl := build(t, new(Builder).AddCallSite(0, 4, 8))
	_, err = tbl.TypeInfo(1)
	require.ErrorIs(t, err, ErrNoTypeTable)

	_, err = new(Builder).AddCallSite(4, 4, 0).AddCallSite(0, 4, 0).Build(lsdaAddr, testBases)
	require.Error(t, err)
}

func TestDump(t *testing.T) {
	b := new(Builder)
	f := b.TypeFilter(0x9100)
	b.AddCallSite(0, 0x10, 0x30, f, 0).AddCallSite(0x10, 4, 0)
	tbl := build(t, b)

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, tbl))
	out := buf.String()
	require.Contains(t, out, "lsda @ 0x8000")
	require.Contains(t, out, "catch(1)=0x9100 -> cleanup")
	require.Contains(t, out, "0x1030")
}
