package cmd

import (
	"github.com/spf13/cobra"
)

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a Markdown file or image for conversion",
		Long: `Validates the file locally, uploads it, and follows the job until the
backend reports completion. The converted artifact is archived to the
configured storage backend.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := appInstance.RunFile(cmd.Context(), args[0]); err != nil {
				return reportedError{err: err}
			}
			return nil
		},
	}
}

func newConvertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert <url>",
		Short: "Convert a Markdown document fetched from a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := appInstance.RunURL(cmd.Context(), args[0]); err != nil {
				return reportedError{err: err}
			}
			return nil
		},
	}
}
