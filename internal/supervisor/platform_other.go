//go:build !linux && !darwin

package supervisor

import "fmt"

func detectController() Controller {
	return noController{}
}

func platformController(kind string) (Controller, error) {
	return nil, fmt.Errorf("%s: %w", kind, ErrUnsupported)
}
