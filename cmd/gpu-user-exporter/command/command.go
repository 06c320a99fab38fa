package command

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/leptonai/gpu-user-exporter/cmd/gpu-user-exporter/common"
	cmdrun "github.com/leptonai/gpu-user-exporter/cmd/gpu-user-exporter/run"
	cmdscan "github.com/leptonai/gpu-user-exporter/cmd/gpu-user-exporter/scan"
	"github.com/leptonai/gpu-user-exporter/version"
)

const usage = `
# to print the current per-user GPU usage once
gpu-user-exporter scan

# to serve the per-user GPU metrics on :8000/metrics
gpu-user-exporter run

# to poll every 5 seconds and keep idle users for a minute
METRIC_SCRAPE_INTERVAL=5 gpu-user-exporter run --grace-period 60
`

func App() *cli.App {
	app := cli.NewApp()

	app.Name = "gpu-user-exporter"
	app.Version = version.Version
	app.Usage = usage
	app.Description = "Prometheus exporter for per-user GPU memory and utilization"

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintln(c.App.Writer, version.String())
	}

	runFlags := append(common.LogFlags(), common.ConfigFlags()...)
	runFlags = append(runFlags,
		&cli.BoolFlag{
			Name:  "pprof",
			Usage: "enable pprof (default: false)",
		},
	)

	scanFlags := append(common.LogFlags(), common.ConfigFlags()...)
	scanFlags = append(scanFlags,
		&cli.StringFlag{
			Name:  "output,o",
			Usage: "set the output format [plain, json]",
			Value: common.OutputFormatPlain,
		},
	)

	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "starts the exporter and serves the metrics until a terminating signal",
			Action: cmdrun.Command,
			Flags:  runFlags,
		},
		{
			Name:    "scan",
			Aliases: []string{"check", "s"},
			Usage:   "runs a single poll cycle and prints the per-user usage (no server)",
			Action:  cmdscan.CreateCommand(),
			Flags:   scanFlags,
		},
	}

	return app
}
