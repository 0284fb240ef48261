package fixture

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-testgen/internal/fastdiv"
)

// Sink receives the fixtures of one operator family in enumeration order.
type Sink interface {
	Write(f *Fixture) error
	// Close finalizes the artifact.
	Close() error
	// Abort removes the partially written artifact.
	Abort() error
}

// Emitter persists fixture collections. Each op gets its own output target,
// so sinks for different ops may be used concurrently.
type Emitter interface {
	Open(op string) (Sink, error)
	WriteFastDiv(vectors []fastdiv.Vector) error
}

// Format names a supported artifact encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatArrow Format = "arrow"
)

// ParseFormat accepts "json" or "arrow".
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatArrow:
		return FormatArrow, nil
	}
	return "", fmt.Errorf("unknown fixture format %q (want json or arrow)", s)
}

// New returns the emitter for a format writing under dir.
func New(format Format, dir string) (Emitter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	switch format {
	case FormatJSON:
		return &JSONEmitter{Dir: dir}, nil
	case FormatArrow:
		return &ArrowEmitter{Dir: dir}, nil
	}
	return nil, fmt.Errorf("unknown fixture format %q", format)
}

// Path is the artifact file for an op.
func Path(dir, op string, format Format) string {
	return filepath.Join(dir, op+"."+string(format))
}

// checkOp rejects a fixture written to another op's sink.
func checkOp(sinkOp string, f *Fixture) error {
	if f.Op != sinkOp {
		return &SerializationError{FixtureID: f.ID, Err: fmt.Errorf("fixture for op %s written to %s sink", f.Op, sinkOp)}
	}
	return nil
}
