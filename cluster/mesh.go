package cluster

import (
	"context"
	"fmt"
)

// Mesh connects a fixed number of in-process ranks. Each rank talks to the
// mesh through its own Transport endpoint.
type Mesh struct {
	boxes []*Mailbox
}

// NewMesh creates a mesh of size ranks.
func NewMesh(size int) *Mesh {
	m := &Mesh{boxes: make([]*Mailbox, size)}
	for i := range m.boxes {
		m.boxes[i] = NewMailbox()
	}

	return m
}

// Size returns the number of ranks of the mesh.
func (m *Mesh) Size() int { return len(m.boxes) }

// Endpoint returns the transport used by the given rank.
func (m *Mesh) Endpoint(rank int) Transport {
	return &meshEndpoint{mesh: m, rank: rank}
}

// Close closes every rank's mailbox.
func (m *Mesh) Close() {
	for _, box := range m.boxes {
		box.Close()
	}
}

type meshEndpoint struct {
	mesh *Mesh
	rank int
}

func (e *meshEndpoint) Rank() int { return e.rank }

func (e *meshEndpoint) Size() int { return len(e.mesh.boxes) }

func (e *meshEndpoint) Send(ctx context.Context, dest int, code MessageCode, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	box, err := e.box(dest)
	if err != nil {
		return err
	}

	return box.Deliver(e.rank, code, append([]byte(nil), payload...), nil)
}

func (e *meshEndpoint) SendAsync(dest int, code MessageCode, payload []byte) (*Request, error) {
	box, err := e.box(dest)
	if err != nil {
		return nil, err
	}

	req := NewRequest()
	if err := box.Deliver(e.rank, code, payload, req); err != nil {
		return nil, err
	}

	return req, nil
}

func (e *meshEndpoint) Recv(ctx context.Context, source int, filter CodeFilter, buf []byte) (Envelope, error) {
	return e.mesh.boxes[e.rank].Receive(ctx, source, filter, buf)
}

func (e *meshEndpoint) Close() error {
	e.mesh.boxes[e.rank].Close()

	return nil
}

func (e *meshEndpoint) box(dest int) (*Mailbox, error) {
	if dest < 0 || dest >= len(e.mesh.boxes) {
		return nil, fmt.Errorf("send to %d: %w", dest, ErrUnknownRank)
	}

	return e.mesh.boxes[dest], nil
}
