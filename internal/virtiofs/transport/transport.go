// Package transport moves a single FUSE request/response pair over one
// virtio-fs request queue. It owns DMA buffer sizing discipline but not the
// queue itself — callers supply a Queue implementation bound to the real
// virtio-fs device.
package transport

import (
	"context"
	"strconv"

	"github.com/redoxnix/guestagent/internal/virtiofs/fuseabi"
	"github.com/redoxnix/guestagent/pkg/errors"
)

// MetaResponseSize is the fixed response buffer size used for metadata
// opcodes (LOOKUP, GETATTR, OPEN, RELEASE, STATFS, ...). Any reasonable
// size works for these; virtiofsd does not use it to bound a host read.
const MetaResponseSize = 4096

// Queue submits a descriptor chain to the virtio-fs device and blocks until
// the device signals completion. Submit sends readable as the
// device-readable segment and allocates a device-writable segment of
// writableLen bytes, returning exactly the bytes the device wrote.
//
// Implementations MAY choose to leak the underlying DMA buffers rather than
// free them immediately — spec.md's concurrency model tolerates this as a
// concession to host kernels with buggy DMA teardown, and callers must not
// depend on either discipline.
type Queue interface {
	Submit(ctx context.Context, readable []byte, writableLen int) ([]byte, error)
}

// Transport sends FUSE requests over a Queue and validates responses.
type Transport struct {
	queue Queue
}

// New wraps a Queue as a Transport.
func New(queue Queue) *Transport {
	return &Transport{queue: queue}
}

// MetaRequest sends a metadata-opcode request and returns the raw response
// bytes (header + body), using the fixed metadata response size.
func (t *Transport) MetaRequest(ctx context.Context, request []byte) ([]byte, error) {
	return t.request(ctx, request, MetaResponseSize)
}

// DataRequest sends a READ/READDIR request whose response buffer must be
// sized to exactly header + dataSize bytes — this is load-bearing because
// virtiofsd uses the writable descriptor's length to decide how many bytes
// to read from the host file.
func (t *Transport) DataRequest(ctx context.Context, request []byte, dataSize int) ([]byte, error) {
	return t.request(ctx, request, fuseabi.OutHeaderSize+dataSize)
}

func (t *Transport) request(ctx context.Context, request []byte, maxResponse int) ([]byte, error) {
	resp, err := t.queue.Submit(ctx, request, maxResponse)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeDMAAllocFailed, "virtqueue submit failed").
			WithComponent("transport").
			WithCause(err)
	}

	if len(resp) < fuseabi.OutHeaderSize {
		return nil, errors.NewError(errors.ErrCodeShortResponse, "response shorter than FUSE out-header").
			WithComponent("transport").
			WithDetail("bytes", len(resp))
	}

	return resp, nil
}

// ParseResponse validates a response's OutHeader, returning the transport
// error ErrCodeFuseProtoError carrying the host errno if the header reports
// a negative error, otherwise the header and body.
func ParseResponse(data []byte) (fuseabi.OutHeader, []byte, error) {
	hdr, ok := fuseabi.DecodeOutHeader(data)
	if !ok {
		return fuseabi.OutHeader{}, nil, errors.NewError(errors.ErrCodeShortResponse, "response shorter than FUSE out-header").
			WithComponent("transport")
	}

	if hdr.Error < 0 {
		return hdr, nil, errors.NewError(errors.ErrCodeFuseProtoError, "host returned FUSE error").
			WithComponent("transport").
			WithDetail("errno", hdr.Error).
			WithContext("unique", strconv.FormatUint(hdr.Unique, 10))
	}

	body := data[fuseabi.OutHeaderSize:]
	return hdr, body, nil
}
