// Package systemd notifies the service manager of the exporter's state.
package systemd

import (
	"context"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"github.com/leptonai/gpu-user-exporter/pkg/log"
)

// NotifyReady notifies systemd that the exporter is serving metrics
func NotifyReady(ctx context.Context) error {
	return notify(ctx, sd.SdNotifyReady)
}

// NotifyStopping notifies systemd that the exporter is about to be stopped
func NotifyStopping(ctx context.Context) error {
	return notify(ctx, sd.SdNotifyStopping)
}

var sdNotify = sd.SdNotify

func notify(_ context.Context, state string) error {
	// false when NOTIFY_SOCKET is unset, i.e., not run as a notify type unit
	notified, err := sdNotify(false, state)
	log.Logger.Debugw("sd notification", "state", state, "notified", notified, "error", err)
	return err
}
