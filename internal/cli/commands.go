package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/dailycrypt/internal/app"
	"github.com/dmitrijs2005/dailycrypt/internal/buildinfo"
	"github.com/dmitrijs2005/dailycrypt/internal/codec"
	"github.com/dmitrijs2005/dailycrypt/internal/common"
	"github.com/dmitrijs2005/dailycrypt/internal/rotation"
)

const statusAttempts = 5

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed, color.Bold)
	keyColor  = color.New(color.Bold)
)

func (r *runner) rotate(ctx context.Context, a *app.App, _ []string) error {
	res, err := a.Rotate(ctx)
	if err != nil {
		failColor.Fprintf(r.out, "Daily re-encryption failed: %v\n", err)
		if len(res.Restored) > 0 {
			fmt.Fprintf(r.out, "Restored from backup: %d file(s)\n", len(res.Restored))
		}
		if res.Snapshot != "" {
			fmt.Fprintf(r.out, "Backup kept at: %s\n", res.Snapshot)
		}
		return err
	}

	switch res.State {
	case rotation.StateCommitted:
		okColor.Fprintln(r.out, "Daily re-encryption completed successfully.")
		fmt.Fprintf(r.out, "Key: %s -> %s\n", res.PreviousDate, res.Date)
		fmt.Fprintf(r.out, "Files re-encrypted: %d\n", len(res.Processed))
		fmt.Fprintf(r.out, "Backup: %s\n", res.Snapshot)
	case rotation.StateActivated:
		okColor.Fprintf(r.out, "Encryption activated with the key of %s.\n", res.Date)
	case rotation.StateUpToDate:
		fmt.Fprintf(r.out, "Already on the key of %s, nothing to do.\n", res.Date)
	case rotation.StateContended:
		warnColor.Fprintln(r.out, "Another rotation is in progress, skipped.")
	default:
		fmt.Fprintf(r.out, "Rotation finished in state %s.\n", res.State)
	}
	return nil
}

func (r *runner) cleanup(ctx context.Context, a *app.App, _ []string) error {
	removed, err := a.Cleanup(ctx)
	for _, dir := range removed {
		fmt.Fprintf(r.out, "removed %s\n", filepath.Base(dir))
	}
	if err != nil {
		failColor.Fprintf(r.out, "Cleanup failed: %v\n", err)
		return err
	}
	okColor.Fprintf(r.out, "Removed %d old backup(s).\n", len(removed))
	return nil
}

func (r *runner) status(ctx context.Context, a *app.App, _ []string) error {
	s, err := a.Status(ctx, statusAttempts)

	m := s.Metadata
	field(r.out, "Encrypted", fmt.Sprint(m.IsEncrypted))
	field(r.out, "Key date", orDash(m.LastEncryptionDate))
	if m.LastBackupDate != nil {
		field(r.out, "Previous key date", *m.LastBackupDate)
	} else {
		field(r.out, "Previous key date", "-")
	}

	switch {
	case !s.Lock.Held:
		field(r.out, "Rotation lock", "free")
	case s.Lock.Stale:
		field(r.out, "Rotation lock", warnColor.Sprintf("stale (since %s)", s.Lock.AcquiredAt.Format(common.TimestampLayout)))
	default:
		field(r.out, "Rotation lock", warnColor.Sprintf("held since %s", s.Lock.AcquiredAt.Format(common.TimestampLayout)))
	}

	field(r.out, "Backups", fmt.Sprint(len(s.Snapshots)))
	if n := len(s.Snapshots); n > 0 {
		field(r.out, "Latest backup", s.Snapshots[n-1].Name)
	}

	if len(s.Attempts) > 0 {
		keyColor.Fprintln(r.out, "Recent attempts:")
		for _, at := range s.Attempts {
			state := at.State
			if rotation.State(at.State).Failed() {
				state = failColor.Sprint(state)
			}
			fmt.Fprintf(r.out, "  %s  %-19s %s -> %s  files=%d", at.StartedAt.Format(common.TimestampLayout), state, orDash(at.PreviousDate), at.Date, at.Processed)
			if at.Error != "" {
				fmt.Fprintf(r.out, "  error=%q", at.Error)
			}
			fmt.Fprintln(r.out)
		}
	}

	return err
}

func (r *runner) show(ctx context.Context, a *app.App, args []string) error {
	v, status, err := a.Show(ctx, args[0])
	if err != nil {
		return err
	}
	if status == codec.Defaulted {
		warnColor.Fprintf(r.errOut, "%s could not be decoded; showing the default value\n", args[0])
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", args[0], err)
	}
	fmt.Fprintln(r.out, string(data))
	return nil
}

func versionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			buildinfo.PrintBuildData(out)
		},
	}
}

func field(w io.Writer, name, value string) {
	keyColor.Fprintf(w, "%-20s", name+":")
	fmt.Fprintln(w, value)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
