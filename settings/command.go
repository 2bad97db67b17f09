package settings

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Base is implemented by settings structs which embed Common.
type Base interface {
	Base() *Common
}

func (c *Common) Base() *Common { return c }

// RunFunc is the body of a command.
type RunFunc func(ctx context.Context, log *zap.SugaredLogger) error

// NewCommand returns a command with its flags bound to the settings struct s. The settings are
// resolved before run is called with a logger of the given name.
func NewCommand(use, logName, short string, s Base, run RunFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:          use,
		Short:        short,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
	}
	b, err := Bind(cmd.Flags(), s)
	if err != nil {
		panic(err)
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := b.Load(); err != nil {
			return err
		}
		log, err := Logger(logName, s.Base().LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync()
		return run(cmd.Context(), log)
	}
	return cmd
}

// Execute runs the command with a context which is cancelled on SIGINT or SIGTERM. The process
// exits with status 1 if the command fails.
func Execute(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
