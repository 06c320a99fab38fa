package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/leptonai/gpu-user-exporter/pkg/log"
)

// Stopper is stopped on the first terminating signal.
type Stopper interface {
	Stop()
}

var DefaultSignalsToHandle = []os.Signal{
	unix.SIGTERM,
	unix.SIGINT,
	unix.SIGUSR1,
	unix.SIGPIPE,
}

// HandleSignals waits for signals until the first terminating one.
// SIGUSR1 dumps the goroutine stacks to StacksFile, SIGPIPE is ignored.
// On SIGTERM or SIGINT, systemd is notified, the stoppers received on
// stopC are stopped in the reverse order of their registration, the
// context is canceled, and the returned channel is closed.
func HandleSignals(ctx context.Context, cancel context.CancelFunc, signals chan os.Signal, stopC chan Stopper, notifyStopping func(ctx context.Context) error) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		var stoppers []Stopper
		for {
			select {
			case st := <-stopC:
				stoppers = append(stoppers, st)

			case s := <-signals:
				// no log for SIGPIPE, logging to a closed pipe raises it again
				if s == unix.SIGPIPE {
					continue
				}
				if s == unix.SIGUSR1 {
					dumpStacks(StacksFile())
					continue
				}

				log.Logger.Warnw("received terminating signal", "signal", s, "stoppers", len(stoppers))
				shutdown(ctx, notifyStopping, stoppers)
				cancel()
				return
			}
		}
	}()
	return done
}

func shutdown(ctx context.Context, notifyStopping func(ctx context.Context) error, stoppers []Stopper) {
	if err := notifyStopping(ctx); err != nil {
		log.Logger.Errorw("notify stopping failed", "error", err)
	}

	// the server goes first so no scrape observes a half-closed poller
	for i := len(stoppers) - 1; i >= 0; i-- {
		stoppers[i].Stop()
	}
}

// StacksFile is where SIGUSR1 dumps the goroutine stacks.
func StacksFile() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("gpu-user-exporter.%d.stacks.log", os.Getpid()))
}

func dumpStacks(file string) {
	buf := make([]byte, 1<<16)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}

	if err := os.WriteFile(file, buf, 0644); err != nil {
		log.Logger.Errorw("failed to write goroutine stacks", "file", file, "error", err)
		return
	}
	log.Logger.Infow("dumped goroutine stacks", "file", file, "bytes", len(buf))
}
