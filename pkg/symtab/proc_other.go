//go:build !linux

package symtab

import "github.com/pkg/errors"

func (x *Index) AddProcessModules() error {
	return errors.New("process modules are only available on linux")
}
