package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/ehrt/pkg/ehenc"
	"github.com/grafana/ehrt/pkg/lsda"
)

func writeLSDA(t *testing.T) string {
	b := &lsda.Builder{}
	b.AddCallSite(0x10, 0x10, 0x40, b.TypeFilter(0xabc0), 0)
	b.AddCallSite(0x30, 0x8, 0)
	blob, err := b.Build(0x1000, ehenc.Bases{Func: 0x5000})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "lsda.bin")
	require.NoError(t, os.WriteFile(path, blob, 0o644))
	return path
}

func TestLSDADump(t *testing.T) {
	path := writeLSDA(t)
	params := &lsdaDumpParams{file: path, addr: "0x1000", regionStart: "0x5000", textBase: "0", dataBase: "0", ip: "0x5014"}

	var out bytes.Buffer
	require.NoError(t, lsdaDump(withOutput(context.Background(), &out), params))
	require.Contains(t, out.String(), "LSDA at 0x1000, ")
	require.Contains(t, out.String(), "ip 0x5014\n└── call-site [+0x10, +0x20) landing pad 0x5040\n")
	require.Contains(t, out.String(), "├── catch filter 1 type 0xabc0\n")
	require.Contains(t, out.String(), "└── cleanup\n")

	out.Reset()
	params.ip = "0x5034"
	require.NoError(t, lsdaDump(withOutput(context.Background(), &out), params))
	require.Contains(t, out.String(), "ip 0x5034\n└── no landing pad, unwinding continues\n")

	params.ip = "nope"
	require.Error(t, lsdaDump(withOutput(context.Background(), &out), params))
	params.ip = ""
	params.file = filepath.Join(t.TempDir(), "missing.bin")
	require.Error(t, lsdaDump(withOutput(context.Background(), &out), params))
}

func TestDemo(t *testing.T) {
	var out bytes.Buffer
	cfg.color = false
	require.NoError(t, demo(withOutput(context.Background(), &out), &demoParams{}))
	require.Equal(t, "demo::thrower: throwing something went wrong\n"+
		"demo::worker: cleanup\n"+
		"demo::main: caught something went wrong (selector 1)\n"+
		"demo::main: done\n", out.String())

	out.Reset()
	require.NoError(t, demo(withOutput(context.Background(), &out), &demoParams{dumpLSDA: true}))
	require.Contains(t, out.String(), "demo::thrower [0x1000000180, 0x10000001c0)\n  no exception table\n")
}

func TestCheckError(t *testing.T) {
	require.Zero(t, checkError(nil))
	require.Equal(t, 1, checkError(os.ErrNotExist))
}
