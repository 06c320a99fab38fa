// Package scan implements the "scan" command, a single poll cycle
// printed to stdout.
package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/leptonai/gpu-user-exporter/cmd/gpu-user-exporter/common"
	"github.com/leptonai/gpu-user-exporter/pkg/attribution"
	"github.com/leptonai/gpu-user-exporter/pkg/config"
	"github.com/leptonai/gpu-user-exporter/pkg/identity"
	"github.com/leptonai/gpu-user-exporter/pkg/log"
	"github.com/leptonai/gpu-user-exporter/pkg/poller"
	"github.com/leptonai/gpu-user-exporter/pkg/process"
	"github.com/leptonai/gpu-user-exporter/pkg/sampler"
	"github.com/leptonai/gpu-user-exporter/pkg/sink"
)

const defaultScanTimeout = time.Minute

func CreateCommand() func(*cli.Context) error {
	return func(cliContext *cli.Context) error {
		zapLvl, err := log.ParseLogLevel(cliContext.String("log-level"))
		if err != nil {
			return err
		}
		log.SetLogger(log.CreateLogger(zapLvl, cliContext.String("log-file")))

		outputFormat, err := common.ParseOutputFormat(cliContext.String("output"))
		if err != nil {
			return err
		}
		cfg, err := common.LoadConfig(cliContext)
		if err != nil {
			return err
		}

		smp, err := sampler.New(cfg.Backend, sampler.WithNvidiaSMICommand(cfg.NvidiaSMICommand))
		if err != nil {
			return err
		}
		resolver := identity.New(
			identity.WithGetentCommand(cfg.GetentCommand),
			identity.WithProcRoot(cfg.ProcRoot),
			identity.WithOwnerSource(cfg.OwnerSource),
		)

		return cmdScan(cfg, smp, resolver, outputFormat, process.FindNames, os.Stdout)
	}
}

// Result is the JSON output of the scan command.
type Result struct {
	*poller.Snapshot

	// ProcessNames maps the attributed pids to their command names.
	ProcessNames map[int]string `json:"process_names,omitempty"`
}

func cmdScan(
	cfg *config.Config,
	smp sampler.Sampler,
	resolver poller.Resolver,
	outputFormat string,
	findNames func(ctx context.Context, pids []int) map[int]string,
	w io.Writer,
) error {
	timeout := cfg.CycleTimeout.Duration
	if timeout == 0 {
		timeout = defaultScanTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// scan publishes nothing, the recorder only backs the lifecycle bookkeeping
	p, err := poller.New(ctx, cfg, smp, resolver, sink.NewRecorder())
	if err != nil {
		_ = smp.Close()
		return err
	}
	defer func() {
		_ = p.Close()
	}()

	snap, err := p.Cycle(ctx)
	if err != nil {
		return err
	}

	pids := make([]int, 0, len(snap.Processes))
	for _, proc := range snap.Processes {
		pids = append(pids, proc.PID)
	}
	names := findNames(ctx, pids)

	if outputFormat == common.OutputFormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(Result{Snapshot: snap, ProcessNames: names})
	}

	fmt.Fprintf(w, "%s scanned %d device(s) with %s\n\n", common.CheckMark, len(snap.Devices), snap.Backend)
	fmt.Fprintln(w, snap.String())
	if len(snap.Processes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprint(w, processTable(snap.Processes, names))
	}
	if n := countUnresolved(snap.Processes); n > 0 {
		fmt.Fprintf(w, "%s %d process(es) without a resolved owner (%s or %s)\n", common.WarningSign, n, identity.SentinelNotFound, identity.SentinelUnknown)
	}
	for _, reason := range sortedReasons(snap.Dropped) {
		fmt.Fprintf(w, "%s dropped %d record(s) (%s)\n", common.WarningSign, snap.Dropped[reason], reason)
	}
	return nil
}

func processTable(procs []attribution.ProcessOwner, names map[int]string) string {
	sorted := make([]attribution.ProcessOwner, len(procs))
	copy(sorted, procs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DeviceIndex != sorted[j].DeviceIndex {
			return sorted[i].DeviceIndex < sorted[j].DeviceIndex
		}
		return sorted[i].PID < sorted[j].PID
	})

	buf := bytes.NewBuffer(nil)
	table := tablewriter.NewWriter(buf)
	table.SetAlignment(tablewriter.ALIGN_CENTER)
	table.SetHeader([]string{"GPU", "PID", "Name", "User", "Memory Used"})
	for _, proc := range sorted {
		name := names[proc.PID]
		if name == "" {
			name = "-"
		}
		table.Append([]string{
			strconv.Itoa(proc.DeviceIndex),
			strconv.Itoa(proc.PID),
			name,
			proc.User,
			humanize.IBytes(proc.MemoryUsedMiB * 1024 * 1024),
		})
	}
	table.Render()
	return buf.String()
}

func countUnresolved(procs []attribution.ProcessOwner) int {
	n := 0
	for _, proc := range procs {
		if identity.IsSentinel(proc.User) {
			n++
		}
	}
	return n
}

func sortedReasons(dropped map[string]int) []string {
	reasons := make([]string, 0, len(dropped))
	for reason, n := range dropped {
		if n > 0 {
			reasons = append(reasons, reason)
		}
	}
	sort.Strings(reasons)
	return reasons
}
