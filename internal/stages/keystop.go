package stages

import (
	"context"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/term"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/pipeline"
)

// ErrNotTerminal is returned by NewKeyStop when stdin is not a terminal.
var ErrNotTerminal = errors.New("input is not a terminal")

// ctrlC only arrives as a byte when input is not a terminal; a terminal
// turns it into SIGINT.
const ctrlC = 0x03

// KeyStop ends the run once q is pressed. The cancel function passed to the
// constructor is called at once, so a run blocked reading a frame or waiting
// on the detector returns without waiting for the next frame.
type KeyStop struct {
	stopped atomic.Bool
	cancel  context.CancelFunc
	restore func() error
}

// NewKeyStop switches f into cbreak mode (no line buffering, no echo; signals
// and output processing unchanged) and listens for keys on it.
func NewKeyStop(f *os.File, cancel context.CancelFunc) (*KeyStop, error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNotTerminal
	}
	restore, err := enterCbreak(fd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to enter cbreak mode")
	}
	k := NewKeyStopReader(f, cancel)
	k.restore = restore
	return k, nil
}

// NewKeyStopReader listens for keys on r without touching terminal state.
// cancel may be nil.
func NewKeyStopReader(r io.Reader, cancel context.CancelFunc) *KeyStop {
	k := &KeyStop{cancel: cancel}
	go k.listen(r)
	return k
}

func (k *KeyStop) listen(r io.Reader) {
	buf := make([]byte, 16)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b == 'q' || b == 'Q' || b == ctrlC {
				k.stopped.Store(true)
				if k.cancel != nil {
					k.cancel()
				}
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Stopped reports whether a stop key was seen.
func (k *KeyStop) Stopped() bool { return k.stopped.Load() }

func (k *KeyStop) Name() string { return "key-stop" }

func (k *KeyStop) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	if k.stopped.Load() {
		return pipeline.Cancel()
	}
	return pipeline.Continue(fc)
}

// Close restores the terminal.
func (k *KeyStop) Close() error {
	if k.restore == nil {
		return nil
	}
	err := k.restore()
	k.restore = nil
	return err
}
