package common

// DateLayout is the calendar-day format used for key derivation, metadata
// dates and backup directory tags.
const DateLayout = "2006-01-02"

// TimestampLayout formats the creation time embedded in backup directory
// names (backup_<date>_<timestamp>).
const TimestampLayout = "2006-01-02_15-04-05"

// TempSuffix is appended to a target path while its replacement is being
// written; the temp file is renamed over the target once complete.
const TempSuffix = ".tmp"
