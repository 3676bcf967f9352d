// Package cmd defines the mdimg command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdimg-client/internal/app"
	"github.com/JakeFAU/mdimg-client/internal/config"
	"github.com/JakeFAU/mdimg-client/internal/store"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// offlineAnnotation marks commands that never build the application.
const offlineAnnotation = "mdimg/offline"

// App defines what commands need from the application so tests can inject
// a fake.
type App interface {
	RunFile(ctx context.Context, path string) (app.Result, error)
	RunURL(ctx context.Context, rawURL string) (app.Result, error)
	History() store.HistoryRepository
	Logger() *zap.Logger
	Close()
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, out io.Writer) (App, error) {
	a, err := app.New(ctx, cfg, app.WithOutput(out))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// reportedError wraps failures the terminal view already rendered.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

type rootOptions struct {
	cfgFile  string
	opsAddr  string
	logLevel string
	noColor  bool
}

// rootCommand owns the application built for the executing subcommand so it
// can be closed on every exit path, including a failed RunE.
type rootCommand struct {
	*cobra.Command
	app App
}

func newRootCmd() *rootCommand {
	var opts rootOptions
	root := &rootCommand{}
	cmd := &cobra.Command{
		Use:   "mdimg",
		Short: "Convert Markdown images through an mdimg backend",
		Long: `mdimg submits Markdown files, images, or Markdown URLs to an mdimg
conversion backend and follows the job's progress over a WebSocket channel
until the converted document is ready.`,
		SilenceErrors: true,
		SilenceUsage:  true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[offlineAnnotation] == "true" {
				return nil
			}
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			appInstance, err := newApp(cmd.Context(), cfg, cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			root.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default is ./mdimg.yaml or $HOME/.mdimg/mdimg.yaml)")
	flags.StringVar(&opts.opsAddr, "ops-addr", "", "serve health, metrics, and job history on this address while running")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	cmd.AddCommand(newUploadCmd(), newConvertCmd(), newHistoryCmd(), newInspectCmd())
	root.Command = cmd
	return root
}

// ExecuteContext runs the command tree and then closes the application, if
// one was built, whether or not the command succeeded.
func (r *rootCommand) ExecuteContext(ctx context.Context) error {
	defer func() {
		if r.app != nil {
			r.app.Close()
			r.app = nil
		}
	}()
	return r.Command.ExecuteContext(ctx)
}

func loadConfig(cmd *cobra.Command, opts rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("ops-addr") {
		cfg.Ops.Addr = opts.opsAddr
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.noColor {
		cfg.View.Color = false
	}
	return cfg, nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var reported reportedError
	if !errors.As(err, &reported) {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(1)
}
