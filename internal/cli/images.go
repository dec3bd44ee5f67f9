package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/maxdollinger/sandboxd/internal/catalog"
	"github.com/maxdollinger/sandboxd/internal/config"
	"github.com/maxdollinger/sandboxd/pkg/oci"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func NewPullCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull [refs...]",
		Short: "Pull images into the catalog",
		Long:  "Pull the given image references, or the images of the config file when none are given.",
		RunE:  withApp(runPull),
	}

	addConfigFlag(cmd)
	addSelectorFlags(cmd)
	cmd.Flags().Bool("quiet", false, "Do not show download progress")

	return cmd
}

func runPull(cmd *cobra.Command, args []string, a *app) error {
	quiet, _ := cmd.Flags().GetBool("quiet")

	var cfg *config.Config
	if len(args) == 0 {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = c
	}

	var opts []catalog.PullOption
	if !quiet {
		bar := newPullBar(os.Stderr)
		defer bar.Finish()
		opts = append(opts, catalog.WithProgress(func(oci.Layer) io.Writer { return bar }))
	}

	refs := args
	if cfg != nil {
		refs = nil
	}
	images, err := a.orch.Pull(cmd.Context(), cfg, selector(cmd, nil), refs, opts...)
	for _, img := range images {
		if img == nil {
			continue
		}
		state := "pulled"
		if img.Cached {
			state = "up to date"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", img.Reference, state, img.HeadCID)
	}
	return err
}

// newPullBar counts downloaded bytes of every layer of the pull.
func newPullBar(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(w, "\n") }),
	)
}

func NewImagesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "List the image catalog",
		Args:  cobra.NoArgs,
		RunE:  withApp(runImages),
	}
	cmd.Flags().BoolP("json", "j", false, "Print output in JSON format")
	return cmd
}

func runImages(cmd *cobra.Command, args []string, a *app) error {
	jsonFlag, _ := cmd.Flags().GetBool("json")

	images, err := a.catalog.List(cmd.Context())
	if err != nil {
		return err
	}
	if jsonFlag {
		return writeJSON(cmd.OutOrStdout(), images)
	}

	header := []string{"Reference", "Size", "Rootfs", "Last used"}
	data := make([][]string, 0, len(images))
	for _, img := range images {
		head := img.HeadCID.String()
		if len(head) > 19 {
			head = head[:19]
		}
		data = append(data, []string{img.Reference, humanBytes(img.SizeBytes), head, img.LastUsedAt.Format(time.RFC3339)})
	}
	showTable(cmd.OutOrStdout(), header, data)
	return nil
}

func NewRmiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rmi <ref>",
		Short: "Remove an image from the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			return a.catalog.Remove(cmd.Context(), args[0])
		}),
	}
}
