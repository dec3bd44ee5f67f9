package cli

import (
	"errors"
	"fmt"

	"github.com/maxdollinger/sandboxd/internal/config"
	"github.com/spf13/cobra"
)

func NewSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.SchemaJSON()
			if err != nil {
				return fmt.Errorf("failed to generate schema: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file without starting anything",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}
	addConfigFlag(cmd)
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		for _, p := range verr.Problems {
			fmt.Fprintln(cmd.ErrOrStderr(), "  -", p)
		}
		return fmt.Errorf("config is invalid: %d problems", len(verr.Problems))
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "config is valid: %d services in %d groups\n", len(cfg.Services), len(cfg.GroupNames()))
	return nil
}
