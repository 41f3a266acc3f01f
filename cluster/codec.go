package cluster

import (
	"encoding/binary"
	"fmt"

	"github.com/mycok/uSketch/graph"
)

const (
	// WorkerInitSize is the payload size of an Init sent to a worker.
	WorkerInitSize = 16

	// ForwarderInitSize is the payload size of an Init sent to a forwarder.
	ForwarderInitSize = WorkerInitSize + 8

	// StopReplySize is the payload size of a worker's reply to Stop.
	StopReplySize = 8

	batchHeaderSize = 8
	vertexIDSize    = 4
)

// InitParams configures a worker epoch.
type InitParams struct {
	NumNodes       uint32
	Seed           uint64
	MaxMessageSize uint32
}

// AppendBinary appends the worker Init payload to dst.
func (p InitParams) AppendBinary(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, p.NumNodes)
	dst = binary.LittleEndian.AppendUint64(dst, p.Seed)

	return binary.LittleEndian.AppendUint32(dst, p.MaxMessageSize)
}

// DecodeWorkerInit parses the payload of an Init sent to a worker.
func DecodeWorkerInit(payload []byte) (InitParams, error) {
	if len(payload) != WorkerInitSize {
		return InitParams{}, fmt.Errorf("worker init of %d bytes, want %d: %w", len(payload), WorkerInitSize, ErrBadMessage)
	}

	return decodeInit(payload), nil
}

func decodeInit(payload []byte) InitParams {
	return InitParams{
		NumNodes:       binary.LittleEndian.Uint32(payload[0:]),
		Seed:           binary.LittleEndian.Uint64(payload[4:]),
		MaxMessageSize: binary.LittleEndian.Uint32(payload[12:]),
	}
}

// ForwarderInit configures a forwarder epoch. Forwarders need the shape of
// the cluster on top of the worker parameters to derive the workers they
// own.
type ForwarderInit struct {
	InitParams
	NumForwarders uint32
	NumWorkers    uint32
}

// AppendBinary appends the forwarder Init payload to dst.
func (p ForwarderInit) AppendBinary(dst []byte) []byte {
	dst = p.InitParams.AppendBinary(dst)
	dst = binary.LittleEndian.AppendUint32(dst, p.NumForwarders)

	return binary.LittleEndian.AppendUint32(dst, p.NumWorkers)
}

// DecodeForwarderInit parses the payload of an Init sent to a forwarder.
func DecodeForwarderInit(payload []byte) (ForwarderInit, error) {
	if len(payload) != ForwarderInitSize {
		return ForwarderInit{}, fmt.Errorf("forwarder init of %d bytes, want %d: %w", len(payload), ForwarderInitSize, ErrBadMessage)
	}

	return ForwarderInit{
		InitParams:    decodeInit(payload),
		NumForwarders: binary.LittleEndian.Uint32(payload[16:]),
		NumWorkers:    binary.LittleEndian.Uint32(payload[20:]),
	}, nil
}

// AppendBatches appends a Batch payload sent by the given lane to dst.
// Batches without neighbors are skipped.
func AppendBatches(dst []byte, lane uint32, batches []graph.Batch) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, lane)
	for _, b := range batches {
		if len(b.Neighbors) == 0 {
			continue
		}

		dst = binary.LittleEndian.AppendUint32(dst, uint32(b.Vertex))
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b.Neighbors)))
		for _, n := range b.Neighbors {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(n))
		}
	}

	return dst
}

// BatchesSize returns the number of bytes AppendBatches would append.
func BatchesSize(batches []graph.Batch) int {
	size := vertexIDSize
	for _, b := range batches {
		if len(b.Neighbors) != 0 {
			size += batchHeaderSize + vertexIDSize*len(b.Neighbors)
		}
	}

	return size
}

// ParseBatches decodes a Batch payload. Decoded batches are written into
// dst, reusing the neighbor storage it already holds; the returned slice
// is only valid until the next call with the same dst.
func ParseBatches(payload []byte, dst []graph.Batch) (uint32, []graph.Batch, error) {
	if len(payload) < vertexIDSize {
		return 0, dst[:0], fmt.Errorf("batch payload of %d bytes: %w", len(payload), ErrBadMessage)
	}

	lane := binary.LittleEndian.Uint32(payload)
	payload = payload[vertexIDSize:]
	dst = dst[:0]

	for len(payload) != 0 {
		if len(payload) < batchHeaderSize {
			return lane, dst, fmt.Errorf("truncated batch header: %w", ErrBadMessage)
		}

		vertex := binary.LittleEndian.Uint32(payload)
		count := int(binary.LittleEndian.Uint32(payload[4:]))
		payload = payload[batchHeaderSize:]

		if count > len(payload)/vertexIDSize {
			return lane, dst, fmt.Errorf("batch for vertex %d claims %d neighbors: %w", vertex, count, ErrBadMessage)
		}

		i := len(dst)
		if i < cap(dst) {
			dst = dst[:i+1]
		} else {
			dst = append(dst, graph.Batch{})
		}

		b := &dst[i]
		b.Vertex = graph.VertexID(vertex)
		b.Neighbors = b.Neighbors[:0]
		for j := 0; j < count; j++ {
			b.Neighbors = append(b.Neighbors, graph.VertexID(binary.LittleEndian.Uint32(payload[j*vertexIDSize:])))
		}
		payload = payload[count*vertexIDSize:]
	}

	return lane, dst, nil
}

// AppendDelta appends one framed delta to dst.
func AppendDelta(dst []byte, v graph.VertexID, data []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(v))

	return append(dst, data...)
}

// ParseDeltas walks a Delta payload made of fixed-size deltas and invokes
// fn for each of them. The data passed to fn aliases payload.
func ParseDeltas(payload []byte, deltaSize int, fn func(v graph.VertexID, data []byte) error) error {
	frame := vertexIDSize + deltaSize
	if deltaSize <= 0 || len(payload)%frame != 0 {
		return fmt.Errorf("delta payload of %d bytes is not a multiple of %d: %w", len(payload), frame, ErrBadMessage)
	}

	for off := 0; off < len(payload); off += frame {
		v := graph.VertexID(binary.LittleEndian.Uint32(payload[off:]))
		if err := fn(v, payload[off+vertexIDSize:off+frame]); err != nil {
			return err
		}
	}

	return nil
}

// AppendStopReply appends a worker's processed-update count to dst.
func AppendStopReply(dst []byte, processed uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, processed)
}

// DecodeStopReply parses a worker's reply to Stop.
func DecodeStopReply(payload []byte) (uint64, error) {
	if len(payload) != StopReplySize {
		return 0, fmt.Errorf("stop reply of %d bytes: %w", len(payload), ErrBadMessage)
	}

	return binary.LittleEndian.Uint64(payload), nil
}

// MaxMessageSize returns the size of the largest Batch or Delta payload
// exchanged when messages carry at most batchesPerMessage batches of at most
// gutterSize neighbors each.
func MaxMessageSize(batchesPerMessage, gutterSize, deltaSize int) int {
	batch := vertexIDSize + batchesPerMessage*(batchHeaderSize+vertexIDSize*gutterSize)
	delta := batchesPerMessage * (vertexIDSize + deltaSize)

	if batch > delta {
		return batch
	}

	return delta
}
