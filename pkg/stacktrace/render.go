package stacktrace

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

type RenderOptions struct {
	Color bool
}

// Render writes frames in the box layout used by diagnostics. Frames are
// numbered from 1, innermost first. A frame without a known file shows the
// function only; a frame without a function shows its module.
func Render(w io.Writer, frames []ResolvedFrame, opts RenderOptions) error {
	fn := color.New(color.FgYellow)
	file := color.New(color.FgGreen)
	if opts.Color {
		fn.EnableColor()
		file.EnableColor()
	} else {
		fn.DisableColor()
		file.DisableColor()
	}

	var sb strings.Builder
	sb.WriteString("╭  Stack trace :")
	for i, f := range frames {
		n := i + 1
		switch {
		case f.HasFile():
			fmt.Fprintf(&sb, "\n╞═ bt ╕ #%d", n)
			if f.HasFunction() {
				fmt.Fprintf(&sb, " in function %s", fn.Sprint(f.Function))
			}
			line := UnknownFile
			if f.Line > 0 {
				line = fmt.Sprint(f.Line)
			}
			fmt.Fprintf(&sb, "\n│     ╘═> %s:%s", file.Sprint(f.File), line)
		case f.HasFunction():
			fmt.Fprintf(&sb, "\n╞═ bt ═ #%d in function %s", n, fn.Sprint(f.Function))
		default:
			where := f.Module
			if where == "" {
				where = fmt.Sprintf("%#x", f.Address)
			}
			fmt.Fprintf(&sb, "\n╞═ bt ╕ #%d\n│     ╘═> %s:%s", n, file.Sprint(where), UnknownFile)
		}
	}
	sb.WriteString("\n╰")
	_, err := io.WriteString(w, sb.String())
	return err
}

// String renders frames without colours.
func String(frames []ResolvedFrame) string {
	var sb strings.Builder
	_ = Render(&sb, frames, RenderOptions{})
	return sb.String()
}
