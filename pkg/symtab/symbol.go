package symtab

import "fmt"

type Kind uint8

const (
	KindNone Kind = iota
	KindFunction
	KindVTable
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFunction:
		return "function"
	case KindVTable:
		return "vtable"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type Symbol struct {
	Kind   Kind
	Start  uint64
	Size   uint64
	Name   string
	Module string
	// File and Line locate the definition when the registering module
	// provided it.
	File string
	Line int
}

// Contains reports whether addr falls inside the symbol. A zero Size means
// the extent is unknown and every address past Start is accepted.
func (s Symbol) Contains(addr uint64) bool {
	if addr < s.Start {
		return false
	}
	return s.Size == 0 || addr-s.Start < s.Size
}

type symbolKey struct {
	module string
	start  uint64
	name   string
}

func (s Symbol) key() symbolKey {
	return symbolKey{module: s.Module, start: s.Start, name: s.Name}
}
