//go:build linux

package symtab

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// AddProcessModules adds every executable file mapping of the current
// process as a module, named by the file's base name.
func (x *Index) AddProcessModules() error {
	self, err := procfs.Self()
	if err != nil {
		return errors.Wrap(err, "open /proc/self")
	}
	maps, err := self.ProcMaps()
	if err != nil {
		return errors.Wrap(err, "read /proc/self/maps")
	}
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Execute || !strings.HasPrefix(m.Pathname, "/") {
			continue
		}
		err = x.AddModule(Module{
			Name:   filepath.Base(m.Pathname),
			Path:   m.Pathname,
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Offset: uint64(m.Offset),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
