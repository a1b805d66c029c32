package lsda

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// Dump writes a human readable rendition of the table: the header followed by
// one row per call-site with its decoded action chain.
func Dump(w io.Writer, t *Table) error {
	fmt.Fprintf(w, "lsda @ %#x\n", t.Addr)
	fmt.Fprintf(w, "  lpstart   %s %#x\n", t.LPStartEncoding, t.LPStart)
	if t.TType != 0 {
		fmt.Fprintf(w, "  ttype     %s %#x\n", t.TTypeEncoding, t.TType)
	} else {
		fmt.Fprintf(w, "  ttype     %s\n", t.TTypeEncoding)
	}
	fmt.Fprintf(w, "  callsites %s [%#x, %#x)\n", t.CallSiteEncoding, t.CallSiteTable, t.ActionTable)

	sites, err := t.CallSites()
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Start", "End", "Landing pad", "Action", "Chain"})
	for i, cs := range sites {
		chain, err := t.chainString(cs)
		if err != nil {
			return fmt.Errorf("call-site %d: %w", i, err)
		}
		pad := "-"
		if cs.LandingPad != 0 {
			pad = fmt.Sprintf("%#x", t.LandingPadAddr(cs))
		}
		table.Append([]string{
			strconv.Itoa(i),
			fmt.Sprintf("%#x", cs.Start),
			fmt.Sprintf("%#x", cs.Start+cs.Length),
			pad,
			strconv.FormatUint(cs.Action, 10),
			chain,
		})
	}
	table.Render()
	return nil
}

func (t *Table) chainString(cs CallSite) (string, error) {
	if cs.LandingPad == 0 {
		return "", nil
	}
	records, err := t.Actions(cs)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "cleanup", nil
	}
	parts := make([]string, 0, len(records))
	for _, r := range records {
		switch {
		case r.Filter == 0:
			parts = append(parts, "cleanup")
		case r.Filter > 0:
			ti, err := t.TypeInfo(r.Filter)
			if err != nil {
				parts = append(parts, fmt.Sprintf("catch(%d)=?", r.Filter))
				continue
			}
			parts = append(parts, fmt.Sprintf("catch(%d)=%#x", r.Filter, ti))
		default:
			parts = append(parts, fmt.Sprintf("spec(%d)", r.Filter))
		}
	}
	return strings.Join(parts, " -> "), nil
}
