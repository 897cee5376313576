package export

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"lukechampine.com/blake3"

	"lendledger/services/auditd/archive"
)

// Config captures the dependencies required to construct an Exporter.
type Config struct {
	Store     *archive.Store
	Directory string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Exporter materialises periodic parquet reports from the event archive. Each
// report covers the sequences archived since the previous export and carries
// a blake3 digest so later tampering with the file is detectable.
type Exporter struct {
	store  *archive.Store
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewExporter constructs an exporter with sane defaults.
func NewExporter(cfg Config) (*Exporter, error) {
	if cfg.Store == nil {
		return nil, errors.New("export: store must be configured")
	}
	if cfg.Directory == "" {
		return nil, errors.New("export: directory must be configured")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Exporter{store: cfg.Store, dir: cfg.Directory, logger: logger, now: now}, nil
}

// Run exports everything archived since the previous export. It returns the
// recorded export, or nil when no new events have arrived.
func (e *Exporter) Run(ctx context.Context) (*archive.Export, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var start uint64
	last, err := e.store.LastExport()
	if err != nil {
		return nil, err
	}
	if last != nil {
		start = last.EndSequence
	}
	end, err := e.store.LatestSequence()
	if err != nil {
		return nil, err
	}
	if end <= start {
		return nil, nil
	}
	rows, err := e.store.EventsBetween(start, end)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: ensure output dir: %w", err)
	}
	path := filepath.Join(e.dir, fmt.Sprintf("events_%010d_%010d.parquet", start+1, end))
	if err := writeParquet(path, rows); err != nil {
		return nil, err
	}
	digest, err := digestFile(path)
	if err != nil {
		return nil, err
	}

	export := &archive.Export{
		StartSequence: start,
		EndSequence:   end,
		Rows:          int64(len(rows)),
		Path:          path,
		Digest:        digest,
		CreatedAt:     e.now(),
	}
	if err := e.store.RecordExport(export); err != nil {
		return nil, err
	}
	e.logger.Info("Export written", "path", path, "rows", len(rows), "digest", digest)
	return export, nil
}

type parquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Cursor     string `parquet:"name=cursor, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt string `parquet:"name=received_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []archive.Event) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			Sequence:   int64(row.Sequence),
			Cursor:     row.Cursor,
			Type:       row.Type,
			Attributes: row.Attributes,
			ReceivedAt: row.ReceivedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}

// digestFile hashes the finished report so operators can verify it later.
func digestFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("export: read back report: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the digest of a previously written report.
func Verify(path, digest string) (bool, error) {
	computed, err := digestFile(path)
	if err != nil {
		return false, err
	}
	return computed == digest, nil
}
