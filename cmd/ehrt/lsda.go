package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/xlab/treeprint"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/ehrt/pkg/ehenc"
	"github.com/grafana/ehrt/pkg/lsda"
)

type lsdaDumpParams struct {
	file        string
	addr        string
	regionStart string
	textBase    string
	dataBase    string
	ip          string
}

func addLSDADumpParams(cmd *kingpin.CmdClause) *lsdaDumpParams {
	params := &lsdaDumpParams{}
	cmd.Arg("file", "File holding the raw LSDA bytes.").Required().ExistingFileVar(&params.file)
	cmd.Flag("addr", "Address the blob is mapped at.").Default("0").StringVar(&params.addr)
	cmd.Flag("region-start", "Start address of the function owning the LSDA.").Default("0").StringVar(&params.regionStart)
	cmd.Flag("text-base", "Base of text relative encodings.").Default("0").StringVar(&params.textBase)
	cmd.Flag("data-base", "Base of data relative encodings.").Default("0").StringVar(&params.dataBase)
	cmd.Flag("ip", "Print the call-site and action chain matching this instruction pointer.").StringVar(&params.ip)
	return params
}

func parseAddr(name, v string) (uint64, error) {
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", name, v)
	}
	return n, nil
}

func lsdaDump(ctx context.Context, params *lsdaDumpParams) error {
	blob, err := os.ReadFile(params.file)
	if err != nil {
		return err
	}
	var addr uint64
	var bases ehenc.Bases
	for _, f := range []struct {
		name string
		v    string
		dst  *uint64
	}{
		{"addr", params.addr, &addr},
		{"region-start", params.regionStart, &bases.Func},
		{"text-base", params.textBase, &bases.Text},
		{"data-base", params.dataBase, &bases.Data},
	} {
		if *f.dst, err = parseAddr(f.name, f.v); err != nil {
			return err
		}
	}

	t, err := lsda.Parse(ehenc.Region{Addr: addr, Data: blob}, addr, bases)
	if err != nil {
		return err
	}
	out := output(ctx)
	fmt.Fprintf(out, "LSDA at %#x, %s\n", addr, humanize.Bytes(uint64(len(blob))))
	if err := lsda.Dump(out, t); err != nil {
		return err
	}
	if params.ip == "" {
		return nil
	}

	ip, err := parseAddr("ip", params.ip)
	if err != nil {
		return err
	}
	tree, err := matchTree(t, ip)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(out, tree.String())
	return err
}

// matchTree shows the call-site covering ip and its action chain.
func matchTree(t *lsda.Table, ip uint64) (treeprint.Tree, error) {
	tree := treeprint.NewWithRoot(fmt.Sprintf("ip %#x", ip))
	cs, ok, err := t.FindCallSite(ip)
	if err != nil {
		return nil, err
	}
	if !ok || cs.LandingPad == 0 {
		tree.AddNode("no landing pad, unwinding continues")
		return tree, nil
	}
	site := tree.AddBranch(fmt.Sprintf("call-site [+%#x, +%#x) landing pad %#x", cs.Start, cs.Start+cs.Length, t.LandingPadAddr(cs)))
	records, err := t.Actions(cs)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		site.AddNode("cleanup")
	}
	for _, r := range records {
		switch {
		case r.Filter == 0:
			site.AddNode("cleanup")
		case r.Filter > 0:
			ti, err := t.TypeInfo(r.Filter)
			if err != nil {
				return nil, err
			}
			site.AddNode(fmt.Sprintf("catch filter %d type %#x", r.Filter, ti))
		default:
			site.AddNode(fmt.Sprintf("exception specification %d, ends the chain", r.Filter))
			return tree, nil
		}
	}
	return tree, nil
}
