package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dmitrijs2005/dailycrypt/internal/app"
	"github.com/dmitrijs2005/dailycrypt/internal/config"
	"github.com/dmitrijs2005/dailycrypt/internal/logging"
)

// Seams for tests.
var (
	isTerminal = term.IsTerminal
	newApp     = app.NewApp
)

type runner struct {
	out    io.Writer
	errOut io.Writer
}

// NewRootCmd builds the command tree writing results to out and logs to
// errOut.
func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	r := &runner{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "dailycrypt",
		Short: "Daily key rotation for the encrypted JSON data store",
		Long: `dailycrypt keeps the data store encrypted under a key derived from the
calendar day. Run "dailycrypt rotate" once a day (or let the serving process
check on every request) and "dailycrypt cleanup" to expire old backups.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.AddCommand(
		r.command("rotate", "Re-encrypt the store under today's key", cobra.NoArgs, r.rotate),
		r.command("cleanup", "Remove backups older than the retention", cobra.NoArgs, r.cleanup),
		r.command("status", "Show encryption metadata, lock, backups and recent attempts", cobra.NoArgs, r.status),
		r.command("show <file>", "Print a data file through the ordinary read path", cobra.ExactArgs(1), r.show),
		versionCmd(out),
	)
	return root
}

type action func(ctx context.Context, a *app.App, args []string) error

// command builds a subcommand whose raw args are handed to the config
// loader. Positional arguments left after removing config flags go to fn.
func (r *runner) command(use, short string, posArgs cobra.PositionalArgs, fn action) *cobra.Command {
	return &cobra.Command{
		Use:                use,
		Short:              short,
		Long:               short + "\n\nConfiguration flags: " + fmt.Sprint(config.Flags) + " and -c/-config <file.json>.",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if slices.Contains(args, "-h") || slices.Contains(args, "--help") {
				return cmd.Help()
			}

			positional := positionals(args)
			if err := posArgs(cmd, positional); err != nil {
				return err
			}

			a, err := r.setup(cmd.Context(), args)
			if err != nil {
				return err
			}
			defer a.Close()

			return fn(cmd.Context(), a, positional)
		},
	}
}

func (r *runner) setup(ctx context.Context, args []string) (*app.App, error) {
	cfg, err := config.LoadConfig(args)
	if err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.New(r.errOut, level, r.textLogs())

	return newApp(ctx, cfg, logger)
}

// textLogs picks human readable logs for an interactive terminal and JSON
// otherwise.
func (r *runner) textLogs() bool {
	f, ok := r.errOut.(*os.File)
	return ok && isTerminal(int(f.Fd()))
}

// positionals drops flags and the values of known config flags from args.
func positionals(args []string) []string {
	known := make(map[string]bool)
	for _, f := range append(slices.Clone(config.Flags), "-c", "-config") {
		known[f] = true
		known["-"+f] = true
	}

	var out []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return append(out, args[i+1:]...)
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			out = append(out, arg)
			continue
		}
		if strings.Contains(arg, "=") {
			continue
		}
		if known[arg] && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
		}
	}
	return out
}
