package fixture

import (
	"errors"
	"math"
	"os"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-testgen/internal/fastdiv"
)

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("arrow")
	require.NoError(t, err)
	assert.Equal(t, FormatArrow, f)

	_, err = ParseFormat("csv")
	assert.Error(t, err)
}

func writeAll(t *testing.T, em Emitter, op string, n int) {
	t.Helper()
	sink, err := em.Open(op)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, sink.Write(newFixture(op, i)))
	}
	require.NoError(t, sink.Close())
}

type jsonDoc struct {
	FormatVersion int    `json:"format_version"`
	Op            string `json:"op"`
	Fixtures      []struct {
		ID        string          `json:"id"`
		Op        string          `json:"op"`
		Config    testConfig      `json:"config"`
		Tolerance Tolerance       `json:"tolerance"`
		Inputs    []jsonTensorDoc `json:"inputs"`
		Expected  jsonTensorDoc   `json:"expected"`
	} `json:"fixtures"`
}

type jsonTensorDoc struct {
	Name   string    `json:"name"`
	DType  string    `json:"dtype"`
	Layout string    `json:"layout"`
	Shape  []int     `json:"shape"`
	Data   []float64 `json:"data"`
}

func TestJSONEmitterStructure(t *testing.T) {
	dir := t.TempDir()
	em, err := New(FormatJSON, dir)
	require.NoError(t, err)
	writeAll(t, em, "transpose", 3)

	b, err := os.ReadFile(Path(dir, "transpose", FormatJSON))
	require.NoError(t, err)
	var doc jsonDoc
	require.NoError(t, json.Unmarshal(b, &doc))

	assert.Equal(t, FormatVersion, doc.FormatVersion)
	assert.Equal(t, "transpose", doc.Op)
	require.Len(t, doc.Fixtures, 3)
	for i, f := range doc.Fixtures {
		assert.Equal(t, ID("transpose", i), f.ID)
	}

	want := jsonTensorDoc{
		Name:   "output",
		DType:  "float32",
		Layout: "row_major",
		Shape:  []int{3, 2},
		Data:   []float64{1, 2, 3, 4, 5, 1},
	}
	if diff := cmp.Diff(want, doc.Fixtures[0].Expected); diff != "" {
		t.Errorf("expected tensor mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, testConfig{Rows: 2, Cols: 3}, doc.Fixtures[0].Config)
	assert.Equal(t, uint32(4), doc.Fixtures[0].Tolerance.ULPs)
}

func TestJSONEmitterEmptyCollection(t *testing.T) {
	dir := t.TempDir()
	em, err := New(FormatJSON, dir)
	require.NoError(t, err)
	writeAll(t, em, "reduce", 0)

	b, err := os.ReadFile(Path(dir, "reduce", FormatJSON))
	require.NoError(t, err)
	var doc jsonDoc
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Empty(t, doc.Fixtures)
}

func TestEmitterDeterministic(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatArrow} {
		t.Run(string(format), func(t *testing.T) {
			var outputs [2][]byte
			for i := range outputs {
				dir := t.TempDir()
				em, err := New(format, dir)
				require.NoError(t, err)
				writeAll(t, em, "bias", 4)
				outputs[i], err = os.ReadFile(Path(dir, "bias", format))
				require.NoError(t, err)
			}
			assert.True(t, string(outputs[0]) == string(outputs[1]), "artifacts differ between identical runs")
		})
	}
}

func TestArrowEmitterReadBack(t *testing.T) {
	dir := t.TempDir()
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	em := &ArrowEmitter{Dir: dir, Mem: mem}
	writeAll(t, em, "softmax", 2)

	f, err := os.Open(Path(dir, "softmax", FormatArrow))
	require.NoError(t, err)
	defer f.Close()
	r, err := ipc.NewFileReader(f)
	require.NoError(t, err)
	defer r.Close()

	version, ok := r.Schema().Metadata().GetValue("format_version")
	require.True(t, ok)
	assert.Equal(t, "1", version)
	require.Equal(t, 2, r.NumRecords())

	rec, err := r.RecordAt(1)
	require.NoError(t, err)
	defer rec.Release()

	require.Equal(t, int64(2), rec.NumRows())
	ids := rec.Column(0).(*array.String)
	roles := rec.Column(3).(*array.String)
	assert.Equal(t, "softmax/00001", ids.Value(0))
	assert.Equal(t, RoleInput, roles.Value(0))
	assert.Equal(t, RoleExpected, roles.Value(1))

	shapes := rec.Column(7).(*array.List)
	dims := shapes.ListValues().(*array.Int64)
	start, end := shapes.ValueOffsets(1)
	assert.Equal(t, []int64{3, 2}, dims.Int64Values()[start:end])

	data := rec.Column(8).(*array.List)
	values := data.ListValues().(*array.Float64)
	start, end = data.ValueOffsets(1)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 1}, values.Float64Values()[start:end])

	var cfg testConfig
	require.NoError(t, json.Unmarshal([]byte(rec.Column(2).(*array.String).Value(0)), &cfg))
	assert.Equal(t, testConfig{Rows: 2, Cols: 3}, cfg)
	assert.Equal(t, uint32(4), rec.Column(11).(*array.Uint32).Value(1))
}

func TestSinkRejectsForeignOrInvalidFixture(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatArrow} {
		t.Run(string(format), func(t *testing.T) {
			em, err := New(format, t.TempDir())
			require.NoError(t, err)
			sink, err := em.Open("matmul")
			require.NoError(t, err)
			defer sink.Abort()

			err = sink.Write(newFixture("conv2d", 0))
			assert.True(t, errors.Is(err, ErrSerialization), "op mismatch: %v", err)

			bad := newFixture("matmul", 1)
			bad.Expected.Data[0] = math.Inf(1)
			err = sink.Write(bad)
			assert.True(t, errors.Is(err, ErrSerialization), "non-finite: %v", err)
		})
	}
}

func TestAbortRemovesArtifact(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatArrow} {
		t.Run(string(format), func(t *testing.T) {
			dir := t.TempDir()
			em, err := New(format, dir)
			require.NoError(t, err)
			sink, err := em.Open("pooling")
			require.NoError(t, err)
			require.NoError(t, sink.Write(newFixture("pooling", 0)))

			require.NoError(t, sink.Abort())
			assert.NoFileExists(t, Path(dir, "pooling", format))
		})
	}
}

func testVectors(t *testing.T) []fastdiv.Vector {
	t.Helper()
	g := fastdiv.Generator{DomainMax: 1<<12 - 1, MaxShift: 63, MultiplierBits: 32}
	vs, err := g.Table([]int64{9, 1, 3, 9})
	require.NoError(t, err)
	return vs
}

func TestWriteFastDivJSON(t *testing.T) {
	dir := t.TempDir()
	em, err := New(FormatJSON, dir)
	require.NoError(t, err)
	vs := testVectors(t)
	require.NoError(t, em.WriteFastDiv(vs))

	b, err := os.ReadFile(Path(dir, fastdiv.Op, FormatJSON))
	require.NoError(t, err)
	var doc struct {
		Op      string `json:"op"`
		Vectors []struct {
			Divisor    int64             `json:"divisor"`
			Multiplier uint64            `json:"multiplier"`
			Shift      uint              `json:"shift"`
			DomainMax  int64             `json:"domain_max"`
			Witnesses  []fastdiv.Witness `json:"witnesses"`
		} `json:"vectors"`
	}
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, fastdiv.Op, doc.Op)
	require.Len(t, doc.Vectors, 3)

	for i, v := range doc.Vectors {
		assert.Equal(t, vs[i].Divisor, v.Divisor)
		assert.Equal(t, vs[i].Multiplier, v.Multiplier)
		assert.Equal(t, int64(1<<12-1), v.DomainMax)
		require.NotEmpty(t, v.Witnesses)
		for _, w := range v.Witnesses {
			assert.Equal(t, w.Dividend/v.Divisor, w.Quotient)
		}
	}
}

func TestWriteFastDivArrow(t *testing.T) {
	dir := t.TempDir()
	em, err := New(FormatArrow, dir)
	require.NoError(t, err)
	vs := testVectors(t)
	require.NoError(t, em.WriteFastDiv(vs))

	f, err := os.Open(Path(dir, fastdiv.Op, FormatArrow))
	require.NoError(t, err)
	defer f.Close()
	r, err := ipc.NewFileReader(f)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 1, r.NumRecords())

	rec, err := r.RecordAt(0)
	require.NoError(t, err)
	defer rec.Release()

	require.Equal(t, int64(len(vs)), rec.NumRows())
	divisors := rec.Column(0).(*array.Int64)
	multipliers := rec.Column(1).(*array.Uint64)
	witnesses := rec.Column(6).(*array.List)
	pairs := witnesses.ListValues().(*array.Struct)
	dividends := pairs.Field(0).(*array.Int64)
	quotients := pairs.Field(1).(*array.Int64)
	for i, v := range vs {
		assert.Equal(t, v.Divisor, divisors.Value(i))
		assert.Equal(t, v.Multiplier, multipliers.Value(i))

		start, end := witnesses.ValueOffsets(i)
		var got []fastdiv.Witness
		for j := start; j < end; j++ {
			got = append(got, fastdiv.Witness{Dividend: dividends.Value(int(j)), Quotient: quotients.Value(int(j))})
		}
		if diff := cmp.Diff(v.Witnesses(), got); diff != "" {
			t.Errorf("witnesses for divisor %d (-want +got):\n%s", v.Divisor, diff)
		}
	}
}

func nanFixture(op string) *Fixture {
	f := newFixture(op, 0)
	f.Inputs[0].Data[2] = math.NaN()
	f.Expected.Data[0] = math.NaN()
	f.NaN = true
	return f
}

func TestJSONEmitterWritesNaNAsNull(t *testing.T) {
	dir := t.TempDir()
	em, err := New(FormatJSON, dir)
	require.NoError(t, err)
	sink, err := em.Open("pooling")
	require.NoError(t, err)
	require.NoError(t, sink.Write(newFixture("pooling", 1)))
	require.NoError(t, sink.Write(nanFixture("pooling")))
	require.NoError(t, sink.Close())

	b, err := os.ReadFile(Path(dir, "pooling", FormatJSON))
	require.NoError(t, err)
	var doc struct {
		Fixtures []struct {
			NaN    bool `json:"nan"`
			Inputs []struct {
				Data []*float64 `json:"data"`
			} `json:"inputs"`
			Expected struct {
				Data []*float64 `json:"data"`
			} `json:"expected"`
		} `json:"fixtures"`
	}
	require.NoError(t, json.Unmarshal(b, &doc))
	require.Len(t, doc.Fixtures, 2)

	assert.False(t, doc.Fixtures[0].NaN)
	assert.NotContains(t, string(b), "\"nan\":false")

	f := doc.Fixtures[1]
	assert.True(t, f.NaN)
	assert.Nil(t, f.Inputs[0].Data[2])
	require.NotNil(t, f.Inputs[0].Data[1])
	assert.Equal(t, 2.0, *f.Inputs[0].Data[1])
	assert.Nil(t, f.Expected.Data[0])
	require.NotNil(t, f.Expected.Data[1])
	assert.Equal(t, 2.0, *f.Expected.Data[1])
}

func TestArrowEmitterKeepsNaN(t *testing.T) {
	dir := t.TempDir()
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	em := &ArrowEmitter{Dir: dir, Mem: mem}
	sink, err := em.Open("pooling")
	require.NoError(t, err)
	require.NoError(t, sink.Write(nanFixture("pooling")))
	require.NoError(t, sink.Close())

	f, err := os.Open(Path(dir, "pooling", FormatArrow))
	require.NoError(t, err)
	defer f.Close()
	r, err := ipc.NewFileReader(f)
	require.NoError(t, err)
	defer r.Close()

	rec, err := r.RecordAt(0)
	require.NoError(t, err)
	defer rec.Release()

	data := rec.Column(8).(*array.List)
	values := data.ListValues().(*array.Float64)
	start, _ := data.ValueOffsets(0)
	assert.True(t, math.IsNaN(values.Value(int(start)+2)))
	start, _ = data.ValueOffsets(1)
	assert.True(t, math.IsNaN(values.Value(int(start))))
	assert.True(t, rec.Column(12).(*array.Boolean).Value(0))
}
