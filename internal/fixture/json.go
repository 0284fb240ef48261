package fixture

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-testgen/internal/fastdiv"
	"github.com/23skdu/longbow-testgen/internal/tensor"
)

// JSONEmitter writes one JSON document per op: a header followed by one
// fixture object per line, so regenerated files diff line by line.
type JSONEmitter struct {
	Dir string
}

type tensorRecord struct {
	Name   string        `json:"name"`
	DType  tensor.DType  `json:"dtype"`
	Layout tensor.Layout `json:"layout"`
	Shape  []int         `json:"shape"`
	Data   any           `json:"data"`
}

type fixtureRecord struct {
	ID        string         `json:"id"`
	Op        string         `json:"op"`
	Config    any            `json:"config"`
	Tolerance Tolerance      `json:"tolerance"`
	NaN       bool           `json:"nan,omitempty"`
	Inputs    []tensorRecord `json:"inputs"`
	Expected  tensorRecord   `json:"expected"`
}

type fastDivRecord struct {
	Divisor    int64             `json:"divisor"`
	Multiplier uint64            `json:"multiplier"`
	Shift      uint              `json:"shift"`
	MulHiShift *uint             `json:"mulhi_shift,omitempty"`
	DomainMin  int64             `json:"domain_min"`
	DomainMax  int64             `json:"domain_max"`
	Witnesses  []fastdiv.Witness `json:"witnesses"`
}

func toTensorRecord(t *tensor.Tensor) tensorRecord {
	shape := []int(t.Shape)
	if shape == nil {
		shape = []int{}
	}
	return tensorRecord{Name: t.Name, DType: t.DType, Layout: t.Layout, Shape: shape, Data: jsonData(t.Data)}
}

// jsonData writes NaN as null. Tensors without NaN keep the plain
// number array.
func jsonData(data []float64) any {
	if !slices.ContainsFunc(data, math.IsNaN) {
		return data
	}
	out := make([]*float64, len(data))
	for i := range data {
		if !math.IsNaN(data[i]) {
			out[i] = &data[i]
		}
	}
	return out
}

func (e *JSONEmitter) Open(op string) (Sink, error) {
	f, err := os.Create(Path(e.Dir, op, FormatJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create fixture file for %s: %w", op, err)
	}
	s := &jsonSink{op: op, file: f, w: bufio.NewWriter(f)}
	if _, err := fmt.Fprintf(s.w, "{\"format_version\":%d,\"op\":%q,\"fixtures\":[", FormatVersion, op); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write header for %s: %w", op, err)
	}
	return s, nil
}

type jsonSink struct {
	op    string
	file  *os.File
	w     *bufio.Writer
	count int
}

func (s *jsonSink) Write(f *Fixture) error {
	if err := checkOp(s.op, f); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	rec := fixtureRecord{
		ID:        f.ID,
		Op:        f.Op,
		Config:    f.Config,
		Tolerance: f.Tolerance,
		NaN:       f.NaN,
		Inputs:    make([]tensorRecord, len(f.Inputs)),
		Expected:  toTensorRecord(f.Expected),
	}
	for i, t := range f.Inputs {
		rec.Inputs[i] = toTensorRecord(t)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return &SerializationError{FixtureID: f.ID, Err: err}
	}
	sep := ",\n"
	if s.count == 0 {
		sep = "\n"
	}
	if _, err := s.w.WriteString(sep); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	s.count++
	return nil
}

func (s *jsonSink) Close() error {
	if _, err := s.w.WriteString("\n]}\n"); err != nil {
		_ = s.file.Close()
		return err
	}
	if err := s.w.Flush(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

func (s *jsonSink) Abort() error {
	_ = s.file.Close()
	return os.Remove(s.file.Name())
}

func (e *JSONEmitter) WriteFastDiv(vectors []fastdiv.Vector) error {
	records := make([]fastDivRecord, len(vectors))
	for i, v := range vectors {
		records[i] = fastDivRecord{
			Divisor:    v.Divisor,
			Multiplier: v.Multiplier,
			Shift:      v.Shift,
			DomainMin:  v.DomainMin,
			DomainMax:  v.DomainMax,
			Witnesses:  v.Witnesses(),
		}
		if hs, ok := v.MulHiShift(); ok {
			records[i].MulHiShift = &hs
		}
	}
	doc := struct {
		FormatVersion int             `json:"format_version"`
		Op            string          `json:"op"`
		Vectors       []fastDivRecord `json:"vectors"`
	}{FormatVersion, fastdiv.Op, records}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &SerializationError{FixtureID: fastdiv.Op, Err: err}
	}
	b = append(b, '\n')
	if err := os.WriteFile(Path(e.Dir, fastdiv.Op, FormatJSON), b, 0o644); err != nil {
		return fmt.Errorf("failed to write fastdiv table: %w", err)
	}
	return nil
}
