// Package driver talks to the physical devices. The hub hands it desired
// state changes and it feeds status reports and discovery announces back.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/helto4real/go-homelab/device"
)

var log *logrus.Entry

// ErrDeviceUnreachable is returned when a device did not take the change
var ErrDeviceUnreachable = errors.New("device unreachable")

// Driver applies a desired state to one device
type Driver interface {
	Apply(ctx context.Context, id string, desired device.Desired) error
}

// Sink receives what the driver sees on the network
type Sink interface {
	// Report is a partial status bag for a device
	Report(id string, status map[string]interface{})
	// Announce is a device presenting itself
	Announce(d device.Discovered)
}

// Source is a driver that also listens to the network. Start blocks until ctx
// is done.
type Source interface {
	Start(ctx context.Context, sink Sink) error
}

// ApplyError wraps a failure for one device
type ApplyError struct {
	DeviceID string
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.DeviceID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

func init() {
	log = logrus.WithField("prefix", "driver")
}
