package ingest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mycok/uSketch/graph"
)

// Loader iterates the updates of a text stream. The stream starts with a
// "nodes updates" header followed by one "kind src dst" line per update,
// where kind 0 inserts and kind 1 deletes an edge.
type Loader struct {
	scanner *bufio.Scanner

	numNodes   uint32
	numUpdates uint64

	line   int
	read   uint64
	update graph.Update
	err    error
}

// NewLoader reads the stream header from r.
func NewLoader(r io.Reader) (*Loader, error) {
	l := &Loader{scanner: bufio.NewScanner(r)}

	fields, err := l.nextFields(2)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}

		return nil, fmt.Errorf("stream header: %w", err)
	}

	nodes, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("stream header: node count: %w", err)
	}

	updates, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("stream header: update count: %w", err)
	}

	l.numNodes, l.numUpdates = uint32(nodes), updates

	return l, nil
}

// NumNodes returns the node count declared by the header.
func (l *Loader) NumNodes() uint32 { return l.numNodes }

// NumUpdates returns the update count declared by the header.
func (l *Loader) NumUpdates() uint64 { return l.numUpdates }

// Next advances the iterator. It returns false at the end of the stream or
// on error.
func (l *Loader) Next() bool {
	if l.err != nil || l.read >= l.numUpdates {
		return false
	}

	fields, err := l.nextFields(3)
	if err != nil {
		if err == io.EOF {
			err = fmt.Errorf("stream ended after %d of %d updates: %w", l.read, l.numUpdates, io.ErrUnexpectedEOF)
		}
		l.err = err

		return false
	}

	var vals [3]uint64
	for i, f := range fields {
		if vals[i], err = strconv.ParseUint(f, 10, 32); err != nil {
			l.err = fmt.Errorf("line %d: %w", l.line, err)

			return false
		}
	}

	var kind graph.UpdateKind
	switch vals[0] {
	case 0:
		kind = graph.Insert
	case 1:
		kind = graph.Delete
	default:
		l.err = fmt.Errorf("line %d: unknown update kind %d", l.line, vals[0])

		return false
	}

	l.update = graph.Update{
		Edge: graph.Edge{Src: graph.VertexID(vals[1]), Dst: graph.VertexID(vals[2])},
		Kind: kind,
	}
	l.read++

	return true
}

// Update returns the update the iterator currently points to.
func (l *Loader) Update() graph.Update { return l.update }

// Error returns the last error encountered by the iterator.
func (l *Loader) Error() error { return l.err }

func (l *Loader) nextFields(want int) ([]string, error) {
	for l.scanner.Scan() {
		l.line++

		fields := strings.Fields(l.scanner.Text())
		if len(fields) == 0 {
			continue
		}

		if len(fields) != want {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", l.line, want, len(fields))
		}

		return fields, nil
	}

	if err := l.scanner.Err(); err != nil {
		return nil, err
	}

	return nil, io.EOF
}
