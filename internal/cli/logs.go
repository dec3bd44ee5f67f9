package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/maxdollinger/sandboxd/internal/config"
	"github.com/maxdollinger/sandboxd/internal/supervisor"
	"github.com/maxdollinger/sandboxd/pkg/utils"
	"github.com/spf13/cobra"
)

func NewLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Print the output of a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}

	cmd.Flags().Bool("stderr", false, "Print stderr instead of stdout")
	cmd.Flags().BoolP("follow", "f", false, "Keep printing new output")

	return cmd
}

func runLogs(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	stderr, _ := cmd.Flags().GetBool("stderr")
	follow, _ := cmd.Flags().GetBool("follow")

	path := logPath(settings, args[0], stderr)
	out := cmd.OutOrStdout()

	if follow {
		err := utils.TailPollUntilIdle(cmd.Context(), path, out, 0, 250*time.Millisecond)
		if errors.Is(err, cmd.Context().Err()) {
			return nil
		}
		return err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("no logs for %s", args[0])
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(out, f)
	return err
}

func logPath(s *config.Settings, name string, stderr bool) string {
	if stderr {
		return supervisor.StderrPath(s.LogsDir(), name)
	}
	return supervisor.StdoutPath(s.LogsDir(), name)
}
