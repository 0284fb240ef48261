package fixture

import (
	"fmt"
	"os"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-testgen/internal/fastdiv"
	"github.com/23skdu/longbow-testgen/internal/tensor"
)

// ArrowEmitter writes Arrow IPC files. Each fixture becomes one record batch
// with a row per tensor: inputs in order, then the expected output.
type ArrowEmitter struct {
	Dir string
	// Mem defaults to a Go allocator.
	Mem memory.Allocator
}

const (
	RoleInput    = "input"
	RoleExpected = "expected"
)

// FixtureSchema is the row layout of a fixture artifact.
func FixtureSchema(op string) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{"format_version", "op"},
		[]string{strconv.Itoa(FormatVersion), op},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "fixture_id", Type: arrow.BinaryTypes.String},
		{Name: "op", Type: arrow.BinaryTypes.String},
		{Name: "config", Type: arrow.BinaryTypes.String},
		{Name: "role", Type: arrow.BinaryTypes.String},
		{Name: "tensor_name", Type: arrow.BinaryTypes.String},
		{Name: "dtype", Type: arrow.BinaryTypes.String},
		{Name: "layout", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
		{Name: "abs_tol", Type: arrow.PrimitiveTypes.Float64},
		{Name: "rel_tol", Type: arrow.PrimitiveTypes.Float64},
		{Name: "ulps", Type: arrow.PrimitiveTypes.Uint32},
		{Name: "nan", Type: arrow.FixedWidthTypes.Boolean},
	}, &md)
}

// WitnessType is one (dividend, quotient) pair of a fastdiv vector.
var WitnessType = arrow.StructOf(
	arrow.Field{Name: "dividend", Type: arrow.PrimitiveTypes.Int64},
	arrow.Field{Name: "quotient", Type: arrow.PrimitiveTypes.Int64},
)

// FastDivSchema is the row layout of the fastdiv table.
func FastDivSchema() *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{"format_version", "op"},
		[]string{strconv.Itoa(FormatVersion), fastdiv.Op},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "divisor", Type: arrow.PrimitiveTypes.Int64},
		{Name: "multiplier", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "shift", Type: arrow.PrimitiveTypes.Uint32},
		{Name: "mulhi_shift", Type: arrow.PrimitiveTypes.Uint32, Nullable: true},
		{Name: "domain_min", Type: arrow.PrimitiveTypes.Int64},
		{Name: "domain_max", Type: arrow.PrimitiveTypes.Int64},
		{Name: "witnesses", Type: arrow.ListOf(WitnessType)},
	}, &md)
}

func (e *ArrowEmitter) allocator() memory.Allocator {
	if e.Mem != nil {
		return e.Mem
	}
	return memory.NewGoAllocator()
}

func (e *ArrowEmitter) Open(op string) (Sink, error) {
	f, err := os.Create(Path(e.Dir, op, FormatArrow))
	if err != nil {
		return nil, fmt.Errorf("failed to create fixture file for %s: %w", op, err)
	}
	mem := e.allocator()
	schema := FixtureSchema(op)
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create arrow writer for %s: %w", op, err)
	}
	return &arrowSink{op: op, file: f, w: w, mem: mem, schema: schema}, nil
}

type arrowSink struct {
	op     string
	file   *os.File
	w      *ipc.FileWriter
	mem    memory.Allocator
	schema *arrow.Schema
}

func (s *arrowSink) Write(f *Fixture) error {
	if err := checkOp(s.op, f); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	cfg, err := json.Marshal(f.Config)
	if err != nil {
		return &SerializationError{FixtureID: f.ID, Err: err}
	}

	b := array.NewRecordBuilder(s.mem, s.schema)
	defer b.Release()

	appendRow := func(role string, t *tensor.Tensor) {
		b.Field(0).(*array.StringBuilder).Append(f.ID)
		b.Field(1).(*array.StringBuilder).Append(f.Op)
		b.Field(2).(*array.StringBuilder).Append(string(cfg))
		b.Field(3).(*array.StringBuilder).Append(role)
		b.Field(4).(*array.StringBuilder).Append(t.Name)
		b.Field(5).(*array.StringBuilder).Append(t.DType.String())
		b.Field(6).(*array.StringBuilder).Append(t.Layout.String())

		shape := b.Field(7).(*array.ListBuilder)
		shape.Append(true)
		dims := shape.ValueBuilder().(*array.Int64Builder)
		for _, d := range t.Shape {
			dims.Append(int64(d))
		}

		data := b.Field(8).(*array.ListBuilder)
		data.Append(true)
		data.ValueBuilder().(*array.Float64Builder).AppendValues(t.Data, nil)

		b.Field(9).(*array.Float64Builder).Append(f.Tolerance.Abs)
		b.Field(10).(*array.Float64Builder).Append(f.Tolerance.Rel)
		b.Field(11).(*array.Uint32Builder).Append(f.Tolerance.ULPs)
		b.Field(12).(*array.BooleanBuilder).Append(f.NaN)
	}
	for _, t := range f.Inputs {
		appendRow(RoleInput, t)
	}
	appendRow(RoleExpected, f.Expected)

	rec := b.NewRecord()
	defer rec.Release()
	if err := s.w.Write(rec); err != nil {
		return fmt.Errorf("failed to write record for %s: %w", f.ID, err)
	}
	return nil
}

func (s *arrowSink) Close() error {
	if err := s.w.Close(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("failed to finalize arrow file for %s: %w", s.op, err)
	}
	return s.file.Close()
}

func (s *arrowSink) Abort() error {
	_ = s.w.Close()
	_ = s.file.Close()
	return os.Remove(s.file.Name())
}

func (e *ArrowEmitter) WriteFastDiv(vectors []fastdiv.Vector) error {
	mem := e.allocator()
	schema := FastDivSchema()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for _, v := range vectors {
		b.Field(0).(*array.Int64Builder).Append(v.Divisor)
		b.Field(1).(*array.Uint64Builder).Append(v.Multiplier)
		b.Field(2).(*array.Uint32Builder).Append(uint32(v.Shift))
		if hs, ok := v.MulHiShift(); ok {
			b.Field(3).(*array.Uint32Builder).Append(uint32(hs))
		} else {
			b.Field(3).AppendNull()
		}
		b.Field(4).(*array.Int64Builder).Append(v.DomainMin)
		b.Field(5).(*array.Int64Builder).Append(v.DomainMax)

		witnesses := b.Field(6).(*array.ListBuilder)
		witnesses.Append(true)
		pairs := witnesses.ValueBuilder().(*array.StructBuilder)
		for _, w := range v.Witnesses() {
			pairs.Append(true)
			pairs.FieldBuilder(0).(*array.Int64Builder).Append(w.Dividend)
			pairs.FieldBuilder(1).(*array.Int64Builder).Append(w.Quotient)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	f, err := os.Create(Path(e.Dir, fastdiv.Op, FormatArrow))
	if err != nil {
		return fmt.Errorf("failed to create fastdiv file: %w", err)
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to create arrow writer for fastdiv: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		_ = f.Close()
		return fmt.Errorf("failed to write fastdiv record: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to finalize fastdiv file: %w", err)
	}
	return f.Close()
}
