package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildAuditBatchPath returns the hour-partitioned key of an audit batch.
func BuildAuditBatchPath(flushedAt time.Time, batchID string) (string, error) {
	if err := validatePathComponent(batchID, "batch id"); err != nil {
		return "", err
	}
	ts := flushedAt.UTC()
	return path.Join(
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("audit-%d-%s.parquet", ts.UnixMilli(), batchID),
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
