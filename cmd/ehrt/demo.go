package main

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/ehrt/pkg/ehenc"
	"github.com/grafana/ehrt/pkg/ehrt"
	"github.com/grafana/ehrt/pkg/fatal"
	"github.com/grafana/ehrt/pkg/lsda"
	"github.com/grafana/ehrt/pkg/unwind"
)

const (
	demoTextBase = uint64(0x10_0000_0000)
	demoDataBase = uint64(0x10_4000_0000)
)

type demoParams struct {
	configFile string
	uncaught   bool
	dumpLSDA   bool
}

func addDemoParams(cmd *kingpin.CmdClause) *demoParams {
	params := &demoParams{}
	cmd.Flag("config.file", "Runtime configuration file.").StringVar(&params.configFile)
	cmd.Flag("uncaught", "Throw an exception no frame handles.").BoolVar(&params.uncaught)
	cmd.Flag("dump-lsda", "Print the exception tables of the demo functions.").BoolVar(&params.dumpLSDA)
	return params
}

type demoProgram struct {
	*ehrt.Program
	main, worker, thrower *unwind.Function
}

// buildDemo lays out main calling worker at +0x14 and worker calling thrower
// at +0x24. main catches demo::Error, worker runs a cleanup on the way out.
func buildDemo(ctx context.Context, rt *ehrt.Runtime) (*demoProgram, error) {
	out := output(ctx)
	p, err := rt.NewProgram("demo", demoTextBase, demoDataBase)
	if err != nil {
		return nil, err
	}
	d := &demoProgram{Program: p}
	d.main, err = p.Function(ehrt.FunctionSpec{
		Name: "demo::main", File: "demo.yr", Line: 12, Size: 0x100,
		CallSites: []ehrt.CallSite{{Start: 0x10, Length: 0x10, Pad: 0x80, Catch: []string{"demo::Error"}}},
		Pads: map[uint64]unwind.LandingPad{
			0x80: func(_ *unwind.Frame, regs unwind.Registers) {
				payload := rt.CatchBegin(regs.Exception)
				fmt.Fprintf(out, "demo::main: caught %v (selector %d)\n", payload, regs.Selector)
			},
		},
	})
	if err != nil {
		return nil, err
	}
	d.worker, err = p.Function(ehrt.FunctionSpec{
		Name: "demo::worker", File: "demo.yr", Line: 6, Size: 0x80,
		CallSites: []ehrt.CallSite{{Start: 0x20, Length: 0x8, Pad: 0x40}},
		Pads: map[uint64]unwind.LandingPad{
			0x40: func(_ *unwind.Frame, regs unwind.Registers) {
				fmt.Fprintln(out, "demo::worker: cleanup")
				rt.Resume(regs.Exception)
			},
		},
	})
	if err != nil {
		return nil, err
	}
	d.thrower, err = p.Function(ehrt.FunctionSpec{Name: "demo::thrower", File: "demo.yr", Line: 2, Size: 0x40})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *demoProgram) run(ctx context.Context, rt *ehrt.Runtime, th *unwind.Thread, payload any) {
	out := output(ctx)
	th.Call(d.main, func(f *unwind.Frame) {
		f.CallAt(0x14, d.worker, func(f *unwind.Frame) {
			f.CallAt(0x24, d.thrower, func(f *unwind.Frame) {
				fmt.Fprintf(out, "demo::thrower: throwing %v\n", payload)
				rt.ThrowAt(th, fatal.Origin{File: "demo.yr", Function: "demo::thrower", Line: 3}, payload)
			})
		})
		fmt.Fprintln(out, "demo::main: done")
	})
}

func (d *demoProgram) dump(ctx context.Context) error {
	m := d.Module()
	mem := ehenc.Region{Addr: m.DataBase, Data: m.Data}
	for _, fn := range []*unwind.Function{d.main, d.worker, d.thrower} {
		fmt.Fprintf(output(ctx), "%s [%#x, %#x)\n", fn.Name, fn.Start, fn.Start+fn.Size)
		if fn.LSDA == 0 {
			fmt.Fprintln(output(ctx), "  no exception table")
			continue
		}
		t, err := lsda.Parse(mem, fn.LSDA, ehenc.Bases{Text: m.TextBase, Data: m.DataBase, Func: fn.Start})
		if err != nil {
			return err
		}
		if err := lsda.Dump(output(ctx), t); err != nil {
			return err
		}
	}
	return nil
}

func demo(ctx context.Context, params *demoParams) error {
	rtCfg := ehrt.DefaultConfig()
	if params.configFile != "" {
		if err := ehrt.LoadConfig(params.configFile, &rtCfg); err != nil {
			return err
		}
	}
	rtCfg.Color = rtCfg.Color && cfg.color
	rt, err := ehrt.New(rtCfg, ehrt.Options{
		Logger:     logger,
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		return err
	}
	d, err := buildDemo(ctx, rt)
	if err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "demo program built", "functions", 3, "lsda_bytes", len(d.Module().Data))
	if params.dumpLSDA {
		if err := d.dump(ctx); err != nil {
			return err
		}
	}

	class := "demo::Error"
	if params.uncaught {
		class = "demo::Fatal"
	}
	rt.Go(func(th *unwind.Thread) {
		d.run(ctx, rt, th, d.New(class, "something went wrong"))
	})()
	return nil
}
