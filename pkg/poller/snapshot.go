package poller

import (
	"bytes"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/leptonai/gpu-user-exporter/pkg/attribution"
	"github.com/leptonai/gpu-user-exporter/pkg/lifecycle"
	"github.com/leptonai/gpu-user-exporter/pkg/sampler"
)

// UserUsage is the usage of one user on one device.
type UserUsage struct {
	attribution.Key
	attribution.Usage
}

// Snapshot is the outcome of one successful poll cycle.
type Snapshot struct {
	Time    time.Time `json:"time"`
	Backend string    `json:"backend"`

	Devices   []sampler.Device           `json:"devices"`
	Users     []UserUsage                `json:"users"`
	Processes []attribution.ProcessOwner `json:"processes"`

	// Series includes the series held at zero in the grace period.
	Series  []lifecycle.Series `json:"series"`
	Report  lifecycle.Report   `json:"report"`
	Evicted int                `json:"evicted,omitempty"`
	Dropped map[string]int     `json:"dropped,omitempty"`
}

const bytesPerMiB = 1024 * 1024

func mib(v uint64) string {
	return humanize.IBytes(v * bytesPerMiB)
}

// String renders the devices and the per-user usage as tables.
func (s *Snapshot) String() string {
	if s == nil {
		return ""
	}
	if len(s.Devices) == 0 {
		return "no device found"
	}

	buf := bytes.NewBuffer(nil)

	table := tablewriter.NewWriter(buf)
	table.SetAlignment(tablewriter.ALIGN_CENTER)
	table.SetHeader([]string{"GPU", "UUID", "Memory Used", "Memory Total", "Utilization"})
	for _, d := range s.Devices {
		table.Append([]string{
			fmt.Sprintf("%d", d.Index),
			d.UUID,
			mib(d.MemoryUsedMiB),
			mib(d.MemoryTotalMiB),
			fmt.Sprintf("%d %%", d.UtilizationPercent),
		})
	}
	table.Render()

	buf.WriteString("\n")

	table = tablewriter.NewWriter(buf)
	table.SetAlignment(tablewriter.ALIGN_CENTER)
	table.SetHeader([]string{"GPU", "User", "Memory Used", "Utilization (estimated)", "State"})
	for _, ss := range s.Series {
		mem, share := "0 B", "0.00 %"
		for _, u := range s.Users {
			if u.Key == ss.Key {
				mem = mib(u.MemoryUsedMiB)
				share = fmt.Sprintf("%.2f %%", u.UtilizationSharePercent)
				break
			}
		}
		table.Append([]string{
			fmt.Sprintf("%d", ss.DeviceIndex),
			ss.User,
			mem,
			share,
			string(ss.State),
		})
	}
	table.Render()

	return buf.String()
}
