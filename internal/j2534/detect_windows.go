//go:build windows

package j2534

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const registryRoot = `SOFTWARE\PassThruSupport.04.04`

type regValues struct{ k registry.Key }

func (r regValues) String(name string) (string, bool) {
	v, _, err := r.k.GetStringValue(name)
	return v, err == nil
}

func (r regValues) Flag(name string) bool {
	v, _, err := r.k.GetIntegerValue(name)
	return err == nil && v != 0
}

// detect walks both registry views; 32-bit drivers register under WOW6432Node.
func detect() ([]Info, []error) {
	var infos []Info
	var errs []error
	for _, view := range []uint32{registry.WOW64_64KEY, registry.WOW64_32KEY} {
		root, err := registry.OpenKey(registry.LOCAL_MACHINE, registryRoot, registry.ENUMERATE_SUB_KEYS|registry.QUERY_VALUE|view)
		if err != nil {
			if !errors.Is(err, registry.ErrNotExist) {
				errs = append(errs, fmt.Errorf("j2534: open %s: %w", registryRoot, err))
			}
			continue
		}
		names, err := root.ReadSubKeyNames(-1)
		if err != nil {
			errs = append(errs, fmt.Errorf("j2534: list %s: %w", registryRoot, err))
		}
		for _, name := range names {
			k, err := registry.OpenKey(root, name, registry.QUERY_VALUE|view)
			if err != nil {
				errs = append(errs, fmt.Errorf("j2534: open %s: %w", name, err))
				continue
			}
			info, err := infoFrom(name, regValues{k})
			k.Close()
			if err != nil {
				errs = append(errs, err)
				continue
			}
			infos = append(infos, info)
		}
		root.Close()
	}
	return dedupe(infos), errs
}
