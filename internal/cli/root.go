package cli

import (
	"github.com/maxdollinger/sandboxd/internal/config"
	"github.com/maxdollinger/sandboxd/internal/orchestrator"
	"github.com/spf13/cobra"
)

func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "sandboxd",
		Short:         "Run groups of VM-backed sandboxes built from OCI images",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(NewUpCommand())
	root.AddCommand(NewDownCommand())
	root.AddCommand(NewStatusCommand())
	root.AddCommand(NewRemoveCommand())
	root.AddCommand(NewPullCommand())
	root.AddCommand(NewImagesCommand())
	root.AddCommand(NewRmiCommand())
	root.AddCommand(NewLogsCommand())
	root.AddCommand(NewDaemonCommand())
	root.AddCommand(NewSchemaCommand())
	root.AddCommand(NewValidateCommand())
	return root
}

// withApp loads the settings, wires the daemon state and closes it after fn.
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), settings)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}

func addSelectorFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("group", "g", "", "Only sandboxes of this group")
}

func selector(cmd *cobra.Command, args []string) orchestrator.Selector {
	group, _ := cmd.Flags().GetString("group")
	return orchestrator.Selector{Group: group, Names: args}
}

func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Config file (default sandboxd.yaml, .yml, .toml or .json in the working directory)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flag, _ := cmd.Flags().GetString("config")
	path, err := config.Find(flag, ".")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}
