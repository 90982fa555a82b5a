package supervisor

import (
	"context"
	"fmt"
	"os"

	"github.com/coreos/go-systemd/v22/dbus"
)

const systemdRuntimeDir = "/run/systemd/system"

// systemdController talks to systemd over the system bus.
type systemdController struct{}

func (systemdController) IsLoaded(ctx context.Context, label string) (bool, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return false, fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	prop, err := conn.GetUnitPropertyContext(ctx, label, "LoadState")
	if err != nil {
		return false, fmt.Errorf("query %s: %w", label, err)
	}
	state, _ := prop.Value.Value().(string)
	return state == "loaded", nil
}

func (systemdController) Start(ctx context.Context, label string) error {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	done := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, label, "replace", done); err != nil {
		return fmt.Errorf("start %s: %w", label, err)
	}
	select {
	case result := <-done:
		if result != "done" {
			return &JobError{Label: label, Result: result}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("start %s: %w", label, ctx.Err())
	}
}

func detectController() Controller {
	if info, err := os.Stat(systemdRuntimeDir); err == nil && info.IsDir() {
		return systemdController{}
	}
	return noController{}
}

func platformController(kind string) (Controller, error) {
	if kind == "systemd" {
		return systemdController{}, nil
	}
	return nil, fmt.Errorf("%s: %w", kind, ErrUnsupported)
}
