package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Nativu5/rdma-write/pkg/types"
)

// Watch describes how to observe local memory for a remote write. Nothing
// notifies the target of a one-sided write, so the only way to see it is to
// look.
type Watch struct {
	// Interval between looks.
	Interval time.Duration
	// Attempts bounds the number of looks; zero means until ctx is done.
	Attempts int
	// Match reports whether the snapshot shows the expected write.
	Match func(snapshot []byte) bool
	// OnTick, if set, sees every snapshot.
	OnTick func(attempt int, snapshot []byte)
}

// HasPrefix returns a Match for memory starting with prefix.
func HasPrefix(prefix string) func([]byte) bool {
	return func(b []byte) bool { return bytes.HasPrefix(b, []byte(prefix)) }
}

// Observe takes a snapshot of size bytes of mem every Interval until Match
// holds, Attempts run out or ctx is done. It returns the last snapshot and
// whether it matched. Running out of attempts is not an error.
func Observe(ctx context.Context, mem io.ReaderAt, size int, w Watch) ([]byte, bool, error) {
	if w.Match == nil {
		return nil, false, errors.New("watch has no match function")
	}
	if w.Interval <= 0 {
		return nil, false, fmt.Errorf("watch interval must be positive, got %v", w.Interval)
	}
	snapshot := make([]byte, size)
	t := time.NewTicker(w.Interval)
	defer t.Stop()

	for attempt := 0; w.Attempts == 0 || attempt < w.Attempts; attempt++ {
		select {
		case <-ctx.Done():
			return snapshot, false, waitErr(ctx.Err(), "remote write")
		case <-t.C:
		}
		if _, err := mem.ReadAt(snapshot, 0); err != nil && !errors.Is(err, io.EOF) {
			return snapshot, false, fmt.Errorf("snapshot memory: %w", err)
		}
		if w.OnTick != nil {
			w.OnTick(attempt, snapshot)
		}
		if w.Match(snapshot) {
			return snapshot, true, nil
		}
	}
	return snapshot, false, nil
}

// CString returns b up to its first NUL, the way the peer's C-string
// messages are meant to be read.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func waitErr(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: waiting for %s: %w", types.ErrTimeout, what, err)
	}
	return fmt.Errorf("waiting for %s: %w", what, err)
}
