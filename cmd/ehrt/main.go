package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
)

var cfg struct {
	verbose bool
	color   bool
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

type contextKey uint8

const outputKey contextKey = iota

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, outputKey, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(outputKey).(io.Writer); ok {
		return w
	}
	return os.Stdout
}

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Tooling for the exception handling runtime.").UsageWriter(os.Stdout)
	app.Version(version.Print("ehrt"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("color", "Colour rendered stack traces. Defaults to on when stdout is a terminal.").
		Default(strconv.FormatBool(isatty.IsTerminal(os.Stdout.Fd()))).BoolVar(&cfg.color)

	symbolizeCmd := app.Command("symbolize", "Resolve addresses of an ELF binary to functions and print them as a stack trace.")
	symbolizeParams := addSymbolizeParams(symbolizeCmd)

	lsdaCmd := app.Command("lsda", "Operate on language specific data areas.")
	lsdaDumpCmd := lsdaCmd.Command("dump", "Decode a raw LSDA blob.")
	lsdaDumpParams := addLSDADumpParams(lsdaDumpCmd)

	demoCmd := app.Command("demo", "Run a small compiled program through the runtime.")
	demoParams := addDemoParams(demoCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	switch parsedCmd {
	case symbolizeCmd.FullCommand():
		if err := symbolize(ctx, symbolizeParams); err != nil {
			os.Exit(checkError(err))
		}
	case lsdaDumpCmd.FullCommand():
		if err := lsdaDump(ctx, lsdaDumpParams); err != nil {
			os.Exit(checkError(err))
		}
	case demoCmd.FullCommand():
		if err := demo(ctx, demoParams); err != nil {
			os.Exit(checkError(err))
		}
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
