package output

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"

	"github.com/wesleyorama2/vuload/internal/logging"
	"github.com/wesleyorama2/vuload/internal/sampler"
)

// OutcomeRow is one request outcome as stored in Parquet.
type OutcomeRow struct {
	Timestamp    int64   `parquet:"name=ts, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	VU           int32   `parquet:"name=vu, type=INT32"`
	Iteration    int64   `parquet:"name=iteration, type=INT64"`
	LatencyMs    float64 `parquet:"name=latency_ms, type=DOUBLE"`
	HTTPStatus   int32   `parquet:"name=http_status, type=INT32"`
	Success      bool    `parquet:"name=success, type=BOOLEAN"`
	Failure      string  `parquet:"name=failure, type=BYTE_ARRAY, convertedtype=UTF8"`
	Bytes        int64   `parquet:"name=bytes, type=INT64"`
	ChecksPassed int32   `parquet:"name=checks_passed, type=INT32"`
	ChecksFailed int32   `parquet:"name=checks_failed, type=INT32"`
}

func rowFromOutcome(o sampler.Outcome) OutcomeRow {
	return OutcomeRow{
		Timestamp:    o.Timestamp.UnixMicro(),
		VU:           int32(o.VU),
		Iteration:    o.Iteration,
		LatencyMs:    float64(o.Latency.Microseconds()) / 1000,
		HTTPStatus:   int32(o.Status),
		Success:      o.Success,
		Failure:      string(o.Failure),
		Bytes:        o.Bytes,
		ChecksPassed: int32(o.ChecksPassed),
		ChecksFailed: int32(o.ChecksFailed),
	}
}

// DefaultParquetBatchSize is the number of rows buffered before a write.
const DefaultParquetBatchSize = 1000

// ParquetSink writes every outcome to a Parquet file. It is a metrics.Sink;
// write errors are kept and returned by Close.
type ParquetSink struct {
	writer    *writer.ParquetWriter
	file      source.ParquetFile
	filePath  string
	batchSize int
	logger    *zap.Logger

	mutex   sync.Mutex
	rows    []OutcomeRow
	written int64
	err     error
	closed  bool
}

// NewParquetSink creates path (and its directory) for writing.
func NewParquetSink(path string, batchSize int, logger *zap.Logger) (*ParquetSink, error) {
	if batchSize <= 0 {
		batchSize = DefaultParquetBatchSize
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file: %w", err)
	}

	pw, err := writer.NewParquetWriter(file, new(OutcomeRow), 4)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	return &ParquetSink{
		writer:    pw,
		file:      file,
		filePath:  path,
		batchSize: batchSize,
		logger:    logging.OrNop(logger),
		rows:      make([]OutcomeRow, 0, batchSize),
	}, nil
}

// Record buffers an outcome and flushes when the batch is full.
func (ps *ParquetSink) Record(o sampler.Outcome) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed || ps.err != nil {
		return
	}

	ps.rows = append(ps.rows, rowFromOutcome(o))
	if len(ps.rows) >= ps.batchSize {
		if err := ps.flush(); err != nil {
			ps.err = err
			ps.logger.Error("parquet write failed, further outcomes are not written",
				zap.String("path", ps.filePath), zap.Error(err))
		}
	}
}

// flush writes the buffered rows. Caller holds mutex.
func (ps *ParquetSink) flush() error {
	for _, row := range ps.rows {
		if err := ps.writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	ps.written += int64(len(ps.rows))
	ps.rows = ps.rows[:0]
	return nil
}

// Close flushes remaining rows and finalizes the file. It returns the
// first error seen while writing.
func (ps *ParquetSink) Close() error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return ps.err
	}
	ps.closed = true

	if ps.err == nil {
		ps.err = ps.flush()
	}
	if err := ps.writer.WriteStop(); err != nil && ps.err == nil {
		ps.err = fmt.Errorf("failed to stop parquet writer: %w", err)
	}
	if err := ps.file.Close(); err != nil && ps.err == nil {
		ps.err = fmt.Errorf("failed to close parquet file: %w", err)
	}

	ps.logger.Debug("parquet file written", zap.String("path", ps.filePath), zap.Int64("rows", ps.written))
	return ps.err
}

// Written returns the number of rows written so far.
func (ps *ParquetSink) Written() int64 {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	return ps.written
}

// Path returns the file being written.
func (ps *ParquetSink) Path() string {
	return ps.filePath
}
