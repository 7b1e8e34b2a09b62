package capture

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/logger"
	"github.com/andresmejia3/distguard/internal/mailbox"
	"github.com/andresmejia3/distguard/internal/pipeline"
	"github.com/andresmejia3/distguard/internal/types"
)

// Latest reads frames on its own goroutine and keeps only the newest one
// the pipeline has not collected yet.
type Latest struct {
	sourceID string
	reader   *frameReader
	box      *mailbox.Mailbox[types.FrameTask]
	group    *errgroup.Group
	cancel   context.CancelFunc
	proc     *process
	input    io.Reader

	closeOnce sync.Once
	closeErr  error
}

// NewLatest starts reading r immediately. The reader goroutine stops at the
// end of the stream, on a read error, or when ctx is done.
func NewLatest(ctx context.Context, sourceID string, r io.Reader, opts Options) *Latest {
	return newLatest(ctx, sourceID, r, opts, nil)
}

func newLatest(ctx context.Context, sourceID string, r io.Reader, opts Options, proc *process) *Latest {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	l := &Latest{
		sourceID: sourceID,
		reader:   newFrameReader(r, opts),
		box:      mailbox.New[types.FrameTask](),
		group:    g,
		cancel:   cancel,
		proc:     proc,
		input:    r,
	}

	g.Go(func() error {
		defer l.box.Close()
		for {
			task, err := l.reader.next()
			if err == io.EOF {
				if l.proc != nil {
					l.proc.drained = true
				}
				return nil
			}
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			if gctx.Err() != nil {
				return nil
			}
			l.box.Put(task)
		}
	})
	return l
}

// Next blocks until a frame newer than the last one is available.
func (l *Latest) Next(ctx context.Context) (*pipeline.FrameContext, error) {
	task, err := l.box.Take(ctx)
	if errors.Is(err, mailbox.ErrClosed) {
		// The reader has exited, so Wait returns at once.
		if werr := l.group.Wait(); werr != nil {
			return nil, werr
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return pipeline.NewFrameContext(l.sourceID, task), nil
}

// Drops is the number of frames overwritten before the pipeline took them.
func (l *Latest) Drops() uint64 { return l.box.Drops() }

// Close stops the reader and the decoder behind it.
func (l *Latest) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		// Unblock a reader stuck in Read
		if c, ok := l.input.(io.Closer); ok {
			c.Close()
		}
		werr := l.group.Wait()
		if l.proc != nil {
			l.closeErr = l.proc.Close()
		}
		if werr != nil && l.closeErr == nil {
			l.closeErr = werr
		}
		logger.Named("capture").Infow("live source closed",
			logger.FieldSourceID, l.sourceID,
			logger.FieldCount, l.reader.index,
			logger.FieldDrops, l.box.Drops(),
		)
	})
	return l.closeErr
}
