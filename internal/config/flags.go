package config

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/dailycrypt/internal/flagx"
)

// Flags lists every flag parseFlags understands. The CLI uses it to let
// these through its own parser.
var Flags = []string{
	"-d", "-m", "-k", "-b", "-p", "-o", "-n", "-s", "-t", "-r", "-j", "-l",
	"-s3-bucket", "-s3-prefix", "-s3-region", "-s3-endpoint", "-s3-access-key", "-s3-secret-key",
}

// parseFlags overlays command-line flags onto config.
//
// Supported flags:
//
//	-d string     data directory
//	-m string     metadata file
//	-k string     rotation lock file
//	-b string     backup directory
//	-p list       primary files, comma separated
//	-o list       collection directories, comma separated
//	-n string     collection file pattern (doublestar)
//	-s string     base secret
//	-t duration   stale lock threshold (e.g. "10m")
//	-r duration   backup retention (e.g. "168h")
//	-j string     journal SQLite DSN
//	-l string     log level
//	-s3-bucket, -s3-prefix, -s3-region, -s3-endpoint,
//	-s3-access-key, -s3-secret-key   snapshot mirror settings
//
// args is filtered down to these flags first, so it may contain
// subcommands and their flags.
func parseFlags(config *Config, args []string) error {
	args = flagx.FilterArgs(args, withDoubleDash(Flags))

	fs := flag.NewFlagSet("dailycrypt", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.DataDir, "d", config.DataDir, "data directory")
	fs.StringVar(&config.MetadataFile, "m", config.MetadataFile, "encryption metadata file")
	fs.StringVar(&config.LockFile, "k", config.LockFile, "rotation lock file")
	fs.StringVar(&config.BackupDir, "b", config.BackupDir, "backup directory")
	primary := fs.String("p", strings.Join(config.PrimaryFiles, ","), "primary files, comma separated")
	collections := fs.String("o", strings.Join(config.CollectionDirs, ","), "collection directories, comma separated")
	fs.StringVar(&config.CollectionPattern, "n", config.CollectionPattern, "collection file pattern")
	fs.StringVar(&config.Secret, "s", config.Secret, "base secret")
	fs.DurationVar(&config.StaleLockAfter, "t", config.StaleLockAfter, "stale lock threshold")
	fs.DurationVar(&config.BackupRetention, "r", config.BackupRetention, "backup retention")
	fs.StringVar(&config.JournalDSN, "j", config.JournalDSN, "journal SQLite DSN")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.S3Bucket, "s3-bucket", config.S3Bucket, "S3 bucket for snapshot mirroring")
	fs.StringVar(&config.S3Prefix, "s3-prefix", config.S3Prefix, "S3 key prefix")
	fs.StringVar(&config.S3Region, "s3-region", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "s3-endpoint", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.S3AccessKey, "s3-access-key", config.S3AccessKey, "S3 access key")
	fs.StringVar(&config.S3SecretKey, "s3-secret-key", config.S3SecretKey, "S3 secret key")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	config.PrimaryFiles = flagx.SplitList(*primary)
	config.CollectionDirs = flagx.SplitList(*collections)
	return nil
}

func withDoubleDash(flags []string) []string {
	out := make([]string, 0, 2*len(flags))
	for _, f := range flags {
		out = append(out, f, "-"+f)
	}
	return out
}
