package supervisor

import (
	"context"
	"fmt"

	"github.com/stephen-fox/launchctlutil"
)

// launchdController asks launchd about system daemons.
type launchdController struct{}

func (launchdController) IsLoaded(_ context.Context, label string) (bool, error) {
	details, err := launchctlutil.CurrentStatus(label)
	if err != nil {
		return false, fmt.Errorf("query %s: %w", label, err)
	}
	return details.Status != launchctlutil.NotInstalled, nil
}

func (launchdController) Start(_ context.Context, label string) error {
	if err := launchctlutil.Start(label, launchctlutil.Daemon); err != nil {
		return fmt.Errorf("start %s: %w", label, err)
	}
	return nil
}

func detectController() Controller {
	return launchdController{}
}

func platformController(kind string) (Controller, error) {
	if kind == "launchd" {
		return launchdController{}, nil
	}
	return nil, fmt.Errorf("%s: %w", kind, ErrUnsupported)
}
