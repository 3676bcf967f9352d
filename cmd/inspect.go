package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/mdimg-client/internal/markdown"
	"github.com/JakeFAU/mdimg-client/internal/submit"
)

// newInspectCmd lists the images a Markdown file references without
// contacting the backend.
func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "inspect <file>",
		Short:       "List the images a Markdown file references",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{offlineAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := submit.ValidateFile(args[0], 0)
			if err != nil {
				return err
			}
			if !info.Markdown {
				return fmt.Errorf("%s is an image, not a Markdown document", info.Name)
			}
			src, err := os.ReadFile(info.Path) //nolint:gosec // path is supplied by the local user
			if err != nil {
				return fmt.Errorf("read %s: %w", info.Path, err)
			}
			summary := markdown.Inspect(src)
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%s: %d image(s), %d remote\n", info.Name, summary.Count(), summary.RemoteCount())
			for _, img := range summary.Images {
				kind := "local"
				if img.Remote() {
					kind = "remote"
				}
				_, _ = fmt.Fprintf(out, "  %-6s %s\n", kind, img.Destination)
			}
			return nil
		},
	}
}
