package audit

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// Record is one generation outcome as archived to object storage.
type Record struct {
	JobID           string `parquet:"job_id" json:"job_id,omitempty"`
	Prompt          string `parquet:"prompt" json:"prompt"`
	DataSource      string `parquet:"data_source" json:"data_source,omitempty"`
	Model           string `parquet:"model" json:"model"`
	SQL             string `parquet:"sql" json:"sql,omitempty"`
	Outcome         string `parquet:"outcome" json:"outcome"`
	ErrorKind       string `parquet:"error_kind" json:"error_kind,omitempty"`
	DurationMs      int64  `parquet:"duration_ms" json:"duration_ms"`
	CreatedAtUnixMs int64  `parquet:"created_at_unix_ms" json:"created_at_unix_ms"`
}

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

func EncodeBatch(records []Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("records are required")
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[Record](buf)
	if _, err := writer.Write(records); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeBatch(data []byte) ([]Record, error) {
	reader := parquet.NewGenericReader[Record](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	records := make([]Record, reader.NumRows())
	count, err := reader.Read(records)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	return records[:count], nil
}
