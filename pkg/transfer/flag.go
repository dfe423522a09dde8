package transfer

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/Nativu5/rdma-write/pkg/types"
	"github.com/Nativu5/rdma-write/pkg/verbs"
)

// FlagSize is the size of the sequence word written after a payload.
const FlagSize = 8

// WriteWithFlag writes payload to remoteAddr and then the 8-byte sequence
// word seq to flagAddr. The responder learns the payload is complete by
// watching the flag: reliable connections execute writes in order, so the
// flag never lands before the payload. flag must be FlagSize bytes of a
// registered region; seq is stored there before posting.
func (e *Engine) WriteWithFlag(ctx context.Context, payload, flag Segment, remoteAddr, flagAddr uint64, rkey uint32, seq uint64) (verbs.WorkCompletion, error) {
	if flag.Region == nil || flag.Length != FlagSize {
		return verbs.WorkCompletion{}, fmt.Errorf("%w: flag segment must be %d bytes", types.ErrPost, FlagSize)
	}
	var word [FlagSize]byte
	binary.LittleEndian.PutUint64(word[:], seq)
	if _, err := flag.Region.WriteAt(word[:], int64(flag.Offset)); err != nil {
		return verbs.WorkCompletion{}, fmt.Errorf("%w: store sequence word: %w", types.ErrPost, err)
	}

	payloadID, err := e.Write(payload, remoteAddr, rkey)
	if err != nil {
		return verbs.WorkCompletion{}, err
	}
	flagID, err := e.Write(flag, flagAddr, rkey)
	if err != nil {
		// The payload is in flight; reap it before reporting.
		if _, werr := e.await(ctx, payloadID); werr != nil {
			return verbs.WorkCompletion{}, werr
		}
		return verbs.WorkCompletion{}, err
	}

	if _, err := e.await(ctx, payloadID); err != nil {
		return verbs.WorkCompletion{}, err
	}
	return e.await(ctx, flagID)
}

// WaitFlag polls the sequence word at offset of mem until it equals seq.
func WaitFlag(ctx context.Context, mem io.ReaderAt, offset int64, seq uint64, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", interval)
	}
	var word [FlagSize]byte
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := mem.ReadAt(word[:], offset); err != nil {
			return fmt.Errorf("read sequence word: %w", err)
		}
		if binary.LittleEndian.Uint64(word[:]) == seq {
			return nil
		}
		select {
		case <-ctx.Done():
			return waitErr(ctx.Err(), "sequence word %d", seq)
		case <-t.C:
		}
	}
}
