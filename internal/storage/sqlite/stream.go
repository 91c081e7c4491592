package sqlite

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tidemark/tidemark/internal/types"
)

// Stream frame layout, little-endian:
//
//	uint64 user_ts (microseconds since the Unix epoch, 0 = server time at persistence)
//	uint32 asset_code length, followed by that many bytes
//	uint32 payload length, followed by the JSON datapoint bytes
//
// Frames repeat until EOF. A short frame mid-stream is an error; readings
// decoded before it are still committed.

// maxStreamField caps asset and payload lengths so a corrupt length
// prefix cannot drive an allocation.
const maxStreamField = 16 << 20

// ReadingStream decodes packed readings from r and persists them with the
// same semantics as AppendReadings. Commit is unconditional: the
// connection may serve other callers between stream segments, so no
// transaction spans two calls.
func (s *Store) ReadingStream(ctx context.Context, r io.Reader) (int, error) {
	readings, err := decodeStream(r)
	if err != nil && len(readings) == 0 {
		return -1, err
	}
	n, appendErr := s.AppendReadings(ctx, readings)
	if appendErr != nil {
		return n, appendErr
	}
	return n, err
}

func decodeStream(r io.Reader) ([]*types.Reading, error) {
	var out []*types.Reading
	for {
		var micros uint64
		if err := binary.Read(r, binary.LittleEndian, &micros); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("read stream frame timestamp: %w", err)
		}
		asset, err := readLenPrefixed(r)
		if err != nil {
			return out, fmt.Errorf("read stream frame asset: %w", err)
		}
		payload, err := readLenPrefixed(r)
		if err != nil {
			return out, fmt.Errorf("read stream frame payload: %w", err)
		}
		reading := &types.Reading{
			AssetCode: string(asset),
			Payload:   payload,
		}
		// A zero timestamp stays zero here; the append path substitutes
		// the server timestamp at the actual write.
		if micros > 0 {
			reading.UserTS = time.UnixMicro(int64(micros)).UTC()
		}
		out = append(out, reading)
	}
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n > maxStreamField {
		return nil, fmt.Errorf("frame field length %d exceeds cap", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
