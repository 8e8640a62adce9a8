package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/dailycrypt/internal/flagx"
	"github.com/dmitrijs2005/dailycrypt/internal/timex"
)

// JsonConfig is the on-disk form of Config. Durations use timex.Duration,
// which accepts both "10m" style strings and integer nanoseconds. Only keys
// present in the file override the current values.
type JsonConfig struct {
	DataDir           *string         `json:"data_dir"`
	MetadataFile      *string         `json:"metadata_file"`
	LockFile          *string         `json:"lock_file"`
	BackupDir         *string         `json:"backup_dir"`
	PrimaryFiles      []string        `json:"primary_files"`
	CollectionDirs    []string        `json:"collection_dirs"`
	CollectionPattern *string         `json:"collection_pattern"`
	Secret            *string         `json:"secret"`
	StaleLockAfter    *timex.Duration `json:"stale_lock_after"`
	BackupRetention   *timex.Duration `json:"backup_retention"`
	JournalDSN        *string         `json:"journal_dsn"`
	LogLevel          *string         `json:"log_level"`
	S3Bucket          *string         `json:"s3_bucket"`
	S3Prefix          *string         `json:"s3_prefix"`
	S3Region          *string         `json:"s3_region"`
	S3BaseEndpoint    *string         `json:"s3_base_endpoint"`
	S3AccessKey       *string         `json:"s3_access_key"`
	S3SecretKey       *string         `json:"s3_secret_key"`
}

// parseJson overlays the JSON file named by -c or -config in args onto
// config. Without either flag nothing is loaded.
func parseJson(config *Config, args []string) error {
	jsonConfigFile := flagx.JsonConfigFlags(args)
	if jsonConfigFile == "" {
		return nil
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		return fmt.Errorf("read config %s: %w", jsonConfigFile, err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parse config %s: %w", jsonConfigFile, err)
	}

	setString(&config.DataDir, c.DataDir)
	setString(&config.MetadataFile, c.MetadataFile)
	setString(&config.LockFile, c.LockFile)
	setString(&config.BackupDir, c.BackupDir)
	if c.PrimaryFiles != nil {
		config.PrimaryFiles = c.PrimaryFiles
	}
	if c.CollectionDirs != nil {
		config.CollectionDirs = c.CollectionDirs
	}
	setString(&config.CollectionPattern, c.CollectionPattern)
	setString(&config.Secret, c.Secret)
	if c.StaleLockAfter != nil {
		config.StaleLockAfter = c.StaleLockAfter.Duration
	}
	if c.BackupRetention != nil {
		config.BackupRetention = c.BackupRetention.Duration
	}
	setString(&config.JournalDSN, c.JournalDSN)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Prefix, c.S3Prefix)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.S3AccessKey, c.S3AccessKey)
	setString(&config.S3SecretKey, c.S3SecretKey)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
