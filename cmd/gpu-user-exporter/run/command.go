// Package run implements the "run" command.
package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/leptonai/gpu-user-exporter/cmd/gpu-user-exporter/common"
	"github.com/leptonai/gpu-user-exporter/pkg/identity"
	"github.com/leptonai/gpu-user-exporter/pkg/log"
	"github.com/leptonai/gpu-user-exporter/pkg/poller"
	"github.com/leptonai/gpu-user-exporter/pkg/sampler"
	"github.com/leptonai/gpu-user-exporter/pkg/server"
	"github.com/leptonai/gpu-user-exporter/pkg/sink"
	pkgsystemd "github.com/leptonai/gpu-user-exporter/pkg/systemd"
	"github.com/leptonai/gpu-user-exporter/version"
)

func Command(cliContext *cli.Context) error {
	logLevel := cliContext.String("log-level")
	logFile := cliContext.String("log-file")
	zapLvl, err := log.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	log.SetLogger(log.CreateLogger(zapLvl, logFile))

	log.Logger.Debugw("starting run command")

	if runtime.GOOS != "linux" {
		return fmt.Errorf("gpu-user-exporter run on %q not supported", runtime.GOOS)
	}

	if zapLvl.Level() > zap.DebugLevel { // e.g., info, warn, error
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	cfg, err := common.LoadConfig(cliContext)
	if err != nil {
		return err
	}

	auditLogger := log.NewNopAuditLogger()
	if logFile != "" {
		auditLogger = log.NewAuditLogger(log.CreateAuditLogFilepath(logFile))
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	start := time.Now()

	signals := make(chan os.Signal, 2048)
	stopC := make(chan server.Stopper, 2)

	log.Logger.Infow("starting gpu-user-exporter", "version", version.Version, "config", cfg)

	done := server.HandleSignals(rootCtx, rootCancel, signals, stopC, pkgsystemd.NotifyStopping)

	// start the signal handler as soon as we can to make sure that
	// we don't miss any signals during boot
	signal.Notify(signals, server.DefaultSignalsToHandle...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	snk, err := sink.NewPrometheus(reg)
	if err != nil {
		return err
	}

	smp, err := sampler.New(cfg.Backend, sampler.WithNvidiaSMICommand(cfg.NvidiaSMICommand))
	if err != nil {
		return err
	}
	log.Logger.Infow("created sampler", "backend", smp.Name())

	resolver := identity.New(
		identity.WithGetentCommand(cfg.GetentCommand),
		identity.WithProcRoot(cfg.ProcRoot),
		identity.WithOwnerSource(cfg.OwnerSource),
	)

	p, err := poller.New(rootCtx, cfg, smp, resolver, snk,
		poller.WithRegisterer(reg),
		poller.WithAuditLogger(auditLogger),
	)
	if err != nil {
		_ = smp.Close()
		return err
	}
	// closes on the error paths below, a no-op after a signal stopped it
	defer p.Stop()
	p.Start()
	stopC <- p

	srv := server.New(cfg, reg, p)
	if err := srv.Start(); err != nil {
		return err
	}
	stopC <- srv

	if err := pkgsystemd.NotifyReady(rootCtx); err != nil {
		log.Logger.Warnw("notify ready failed", "error", err)
	}

	log.Logger.Infow("successfully booted", "address", srv.Addr(), "tookSeconds", time.Since(start).Seconds())

	select {
	case <-done:
	case err, ok := <-srv.Err():
		if ok && err != nil {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		// closed by a signal-triggered stop
		<-done
	}

	return nil
}
