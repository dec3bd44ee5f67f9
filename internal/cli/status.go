package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/maxdollinger/sandboxd/internal/orchestrator"
	"github.com/spf13/cobra"
)

func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [names...]",
		Short: "Show sandbox status and resource usage",
		RunE:  withApp(runStatus),
	}

	addSelectorFlags(cmd)
	cmd.Flags().BoolP("json", "j", false, "Print output in JSON format")

	return cmd
}

type statusEntry struct {
	Name         string    `json:"name"`
	Group        string    `json:"group"`
	Image        string    `json:"image"`
	Status       string    `json:"status"`
	IP           string    `json:"ip,omitempty"`
	PID          *int      `json:"pid,omitempty"`
	Restarts     int       `json:"restarts"`
	LastExitCode *int      `json:"last_exit_code,omitempty"`
	Error        string    `json:"error,omitempty"`
	CPU          *float64  `json:"cpu_percent,omitempty"`
	Memory       *uint64   `json:"memory_bytes,omitempty"`
	DiskRead     *uint64   `json:"disk_read_bytes,omitempty"`
	DiskWrite    *uint64   `json:"disk_write_bytes,omitempty"`
	SampledAt    time.Time `json:"sampled_at,omitzero"`
}

func toStatusEntries(statuses []orchestrator.SandboxStatus) []statusEntry {
	out := make([]statusEntry, 0, len(statuses))
	for _, st := range statuses {
		s := st.Sandbox
		e := statusEntry{
			Name:         s.Name,
			Group:        s.GroupName,
			Image:        s.ImageReference,
			Status:       string(s.Status),
			IP:           s.GroupIP,
			PID:          s.MicroVMPID,
			Restarts:     s.Restarts,
			LastExitCode: s.LastExitCode,
			Error:        s.Error,
		}
		if m := st.Metrics; m != nil {
			e.CPU, e.Memory = &m.CPUUsage, &m.MemoryUsage
			e.DiskRead, e.DiskWrite = &m.TotalDiskRead, &m.TotalDiskWrite
			e.SampledAt = m.Timestamp
		}
		out = append(out, e)
	}
	return out
}

func runStatus(cmd *cobra.Command, args []string, a *app) error {
	jsonFlag, _ := cmd.Flags().GetBool("json")

	statuses, err := a.orch.Status(cmd.Context(), selector(cmd, args))
	if err != nil {
		return err
	}
	entries := toStatusEntries(statuses)

	if jsonFlag {
		return writeJSON(cmd.OutOrStdout(), entries)
	}
	writeStatusTable(cmd.OutOrStdout(), entries)
	return nil
}

func writeStatusTable(w io.Writer, entries []statusEntry) {
	header := []string{"Name", "Group", "Status", "IP", "PID", "Restarts", "CPU", "Memory", "Image"}
	data := make([][]string, 0, len(entries))
	for _, e := range entries {
		pid, cpu, mem := "-", "-", "-"
		if e.PID != nil {
			pid = strconv.Itoa(*e.PID)
		}
		if e.CPU != nil {
			cpu = fmt.Sprintf("%.1f%%", *e.CPU)
		}
		if e.Memory != nil {
			mem = humanBytes(int64(*e.Memory))
		}
		status := e.Status
		if e.Error != "" && (status == "failed" || status == "crashed") {
			status += " (" + e.Error + ")"
		}
		data = append(data, []string{e.Name, e.Group, status, e.IP, pid, strconv.Itoa(e.Restarts), cpu, mem, e.Image})
	}
	showTable(w, header, data)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func NewRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove [names...]",
		Short: "Remove stopped sandboxes with their rootfs and state",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			return a.orch.Remove(cmd.Context(), selector(cmd, args))
		}),
	}
	addSelectorFlags(cmd)
	return cmd
}
