// Package parquet exports the sorted feature stream to a Parquet file for
// inspection and ad-hoc analysis.
package parquet

import (
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
)

// FeatureWriter writes sorted features (key, layer, WKB geometry, tags) to
// Parquet in batches.
type FeatureWriter struct {
	file      *os.File
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	batchSize int
	count     int
}

// NewFeatureWriter creates a feature Parquet writer.
func NewFeatureWriter(path string, batchSize int) (*FeatureWriter, error) {
	if batchSize < 1 {
		batchSize = 100000
	}
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "sort_key", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "layer", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "geom_wkb", Type: arrow.BinaryTypes.Binary, Nullable: false},
		{Name: "tags", Type: arrow.BinaryTypes.String, Nullable: false},
	}, nil)

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)

	writer, err := pqarrow.NewFileWriter(schema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, err
	}

	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)

	return &FeatureWriter{
		file:      f,
		writer:    writer,
		builder:   builder,
		batchSize: batchSize,
	}, nil
}

// Write appends one feature row.
func (w *FeatureWriter) Write(sortKey int64, layer string, geomWKB []byte, tagsJSON string) error {
	w.builder.Field(0).(*array.Int64Builder).Append(sortKey)
	w.builder.Field(1).(*array.StringBuilder).Append(layer)
	w.builder.Field(2).(*array.BinaryBuilder).Append(geomWKB)
	w.builder.Field(3).(*array.StringBuilder).Append(tagsJSON)

	w.count++
	if w.count >= w.batchSize {
		return w.flush()
	}
	return nil
}

func (w *FeatureWriter) flush() error {
	if w.count == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	err := w.writer.Write(rec)
	w.count = 0
	return err
}

// Close flushes the final batch and closes the file.
func (w *FeatureWriter) Close() error {
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.writer.Close(); err != nil {
		return err
	}
	return w.file.Close()
}
