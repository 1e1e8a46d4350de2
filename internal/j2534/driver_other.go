//go:build !((windows && (386 || amd64)) || (linux && amd64 && cgo) || (linux && arm64 && cgo))

package j2534

import "fmt"

func loadLibrary(path string) (API, error) {
	return nil, fmt.Errorf("%w: no PassThru loader for this platform (%s)", ErrNotLoaded, path)
}
