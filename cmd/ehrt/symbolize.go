package main

import (
	"context"
	"math"
	"path/filepath"
	"strconv"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/ehrt/pkg/stacktrace"
	"github.com/grafana/ehrt/pkg/symtab"
)

type symbolizeParams struct {
	binary    string
	base      string
	demangle  bool
	addresses []string
}

func addSymbolizeParams(cmd *kingpin.CmdClause) *symbolizeParams {
	params := &symbolizeParams{}
	cmd.Flag("binary", "ELF file the addresses belong to.").Required().ExistingFileVar(&params.binary)
	cmd.Flag("base", "Load bias added to the file's addresses.").Default("0").StringVar(&params.base)
	cmd.Flag("demangle", "Demangle symbol names.").Default("true").BoolVar(&params.demangle)
	cmd.Arg("address", "Addresses to resolve, innermost first.").Required().StringsVar(&params.addresses)
	return params
}

func symbolize(ctx context.Context, params *symbolizeParams) error {
	base, err := strconv.ParseUint(params.base, 0, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid base %q", params.base)
	}
	pcs := make([]uint64, 0, len(params.addresses))
	for _, a := range params.addresses {
		pc, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid address %q", a)
		}
		pcs = append(pcs, pc)
	}

	index := symtab.NewIndex(symtab.Options{Logger: logger, Demangle: params.demangle})
	err = index.AddModule(symtab.Module{
		Name:      filepath.Base(params.binary),
		Path:      params.binary,
		Start:     0,
		End:       math.MaxUint64,
		Base:      base,
		KnownBase: true,
	})
	if err != nil {
		return err
	}
	if err := index.UpdateIndex(ctx); err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "symbols loaded", "binary", params.binary, "symbols", index.Len())

	resolver := stacktrace.NewResolver(stacktrace.Options{
		Index:        index,
		Logger:       logger,
		TrimPrefixes: []string{},
	})
	frames := resolver.Resolve(stacktrace.RawTrace{PCs: pcs})
	if err := stacktrace.Render(output(ctx), frames, stacktrace.RenderOptions{Color: cfg.color}); err != nil {
		return err
	}
	_, err = output(ctx).Write([]byte("\n"))
	return err
}
