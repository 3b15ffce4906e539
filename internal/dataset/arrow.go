package dataset

import (
	"fmt"
	"io"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// CellField is the name of the string column holding the observation label.
const CellField = "cell"

// ArrowSchema returns the observation-major schema for t: a cell label column
// followed by one float64 column per row label.
func ArrowSchema(t *Table) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(t.Rows)+1)
	fields = append(fields, arrow.Field{Name: CellField, Type: arrow.BinaryTypes.String})
	for _, r := range t.Rows {
		fields = append(fields, arrow.Field{Name: r, Type: arrow.PrimitiveTypes.Float64})
	}
	return arrow.NewSchema(fields, nil)
}

// WriteArrow writes t transposed (one record row per column label) as an
// Arrow IPC stream.
func WriteArrow(w io.Writer, t *Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	mem := memory.NewGoAllocator()
	schema := ArrowSchema(t)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	b.Field(0).(*array.StringBuilder).AppendValues(t.Columns, nil)
	for i := range t.Rows {
		b.Field(i+1).(*array.Float64Builder).AppendValues(t.Values[i], nil)
	}
	rec := b.NewRecord()
	defer rec.Release()

	sw := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := sw.Write(rec); err != nil {
		sw.Close()
		return fmt.Errorf("write arrow record: %w", err)
	}
	if err := sw.Close(); err != nil {
		return fmt.Errorf("close arrow writer: %w", err)
	}
	return nil
}
