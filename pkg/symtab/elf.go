package symtab

import (
	"bytes"
	"debug/elf"
	"io"
	"os"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

const pageSize = 0x1000

var errElfBaseNotFound = errors.New("elf base not found")

// loadELF reads the function and vtable symbols of the module's file and
// relocates them by the module's load bias, which is returned as well.
func loadELF(m Module, demangleNames bool) ([]Symbol, uint64, error) {
	f, err := elf.Open(m.Path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "open %s", m.Path)
	}
	defer f.Close()

	base := m.Base
	if !m.KnownBase {
		var ok bool
		if base, ok = findBase(f, m); !ok {
			return nil, 0, errElfBaseNotFound
		}
	}

	elfSyms, err := elfSymbols(f)
	if errors.Is(err, elf.ErrNoSymbols) {
		elfSyms, err = miniDebugInfoSymbols(f)
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "read symbols of %s", m.Path)
	}

	res := make([]Symbol, 0, len(elfSyms))
	for _, s := range elfSyms {
		if s.Section == elf.SHN_UNDEF || s.Value == 0 || s.Name == "" {
			continue
		}
		var kind Kind
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC:
			kind = KindFunction
		case elf.STT_OBJECT:
			if !strings.HasPrefix(s.Name, "_ZTV") {
				continue
			}
			kind = KindVTable
		default:
			continue
		}
		name := s.Name
		if demangleNames {
			name = demangle.Filter(name)
		}
		res = append(res, Symbol{
			Kind:   kind,
			Start:  s.Value + base,
			Size:   s.Size,
			Name:   name,
			Module: m.Name,
		})
	}
	return res, base, nil
}

// findBase computes the load bias from the executable PT_LOAD segment
// mapped at the module's file offset.
func findBase(f *elf.File, m Module) (uint64, bool) {
	if f.FileHeader.Type == elf.ET_EXEC {
		return 0, true
	}
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && (prog.Flags&elf.PF_X != 0) {
			if m.Offset == prog.Off&^(pageSize-1) {
				return m.Start - prog.Vaddr&^(pageSize-1), true
			}
		}
	}
	return 0, false
}

func elfSymbols(f *elf.File) ([]elf.Symbol, error) {
	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	dyn, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	syms = append(syms, dyn...)
	if len(syms) == 0 {
		return nil, elf.ErrNoSymbols
	}
	return syms, nil
}

// miniDebugInfoSymbols reads the xz compressed symbol table stripped
// binaries carry in .gnu_debugdata.
func miniDebugInfoSymbols(f *elf.File) ([]elf.Symbol, error) {
	sec := f.Section(".gnu_debugdata")
	if sec == nil {
		return nil, elf.ErrNoSymbols
	}
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	reader, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var uncompressed bytes.Buffer
	if _, err = io.Copy(&uncompressed, reader); err != nil {
		return nil, err
	}
	mini, err := elf.NewFile(bytes.NewReader(uncompressed.Bytes()))
	if err != nil {
		return nil, err
	}
	defer mini.Close()
	return elfSymbols(mini)
}

func errorType(err error) string {
	if errors.Is(err, os.ErrNotExist) {
		return "ErrNotExist"
	}
	if errors.Is(err, os.ErrPermission) {
		return "ErrPermission"
	}
	if errors.Is(err, errElfBaseNotFound) {
		return "ErrBaseNotFound"
	}
	if errors.Is(err, elf.ErrNoSymbols) {
		return "ErrNoSymbols"
	}
	return "Other"
}
