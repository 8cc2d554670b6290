package cell

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// DecodeNext reads exactly one cell from r, honoring the circuit-id width of
// version. Because the underlying reader is a blocking byte stream (a TLS
// connection wrapped in a bufio.Reader), "need more bytes" is realized by the
// read simply blocking rather than by a distinct return value; DecodeNext
// returns once a full cell is available or the connection errors.
//
// Before negotiation (version == VersionUnnegotiated) only VERSIONS is a
// legal command; any other command is a fatal channel error per tor-spec
// §4.1, surfaced here as a plain error for the caller to treat as fatal.
func DecodeNext(r *bufio.Reader, version LinkVersion) (Cell, error) {
	idLen := version.CircIDLen()
	hdr := make([]byte, idLen+1)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("read cell header: %w", err)
	}
	cmd := hdr[idLen]

	if version == VersionUnnegotiated && cmd != CmdVersions {
		return nil, fmt.Errorf("malformed cell: command %d before VERSIONS negotiation", cmd)
	}

	if IsVariableLength(cmd) {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("read varlen length: %w", err)
		}
		pLen := binary.BigEndian.Uint16(lenBuf[:])
		if int(pLen) > MaxVarPayloadLen {
			return nil, fmt.Errorf("malformed cell: variable-length payload too large: %d bytes (max %d)", pLen, MaxVarPayloadLen)
		}
		c := make(Cell, idLen+3+int(pLen))
		copy(c, hdr)
		copy(c[idLen+1:idLen+3], lenBuf[:])
		if pLen > 0 {
			if _, err := io.ReadFull(r, c[idLen+3:]); err != nil {
				return nil, fmt.Errorf("read varlen payload: %w", err)
			}
		}
		return c, nil
	}

	// Fixed-length cell: payload fills out the remainder of the cell for this
	// circuit-id width (514 bytes total for 4-byte ids, 512 for 2-byte ids).
	total := idLen + 1 + MaxPayloadLen
	c := make(Cell, total)
	copy(c, hdr)
	if _, err := io.ReadFull(r, c[idLen+1:]); err != nil {
		return nil, fmt.Errorf("read fixed payload: %w", err)
	}
	return c, nil
}

// Encode writes cell to w verbatim. Well-formed cells (as produced by
// NewFixedCell/NewVarCell/NewVersionsCell) always encode without error.
func Encode(w io.Writer, c Cell) error {
	_, err := w.Write(c)
	return err
}
