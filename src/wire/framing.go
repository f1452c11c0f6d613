package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize guards against a corrupt length prefix causing an enormous
// allocation.
const maxFrameSize = 64 << 20

// WriteEnvelope writes e to w as a 4-byte little-endian length prefix
// followed by its JSON encoding. This is the same two-part framing this
// codebase uses for its subprocess build workers, with JSON standing in for
// protobuf since no schema compiler is available in this environment.
func WriteEnvelope(w io.Writer, e *Envelope) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, int32(len(b))); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadEnvelope reads one framed Envelope from r. It returns io.EOF (or a
// wrapped io.ErrUnexpectedEOF) when the peer has closed the pipe, which the
// worker treats as an IPC-channel-closed failure (§7).
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var size int32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if size < 0 || size > maxFrameSize {
		return nil, fmt.Errorf("implausible frame size %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	var e Envelope
	if err := json.Unmarshal(buf, &e); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return &e, nil
}
