// Package capture turns an ffmpeg MJPEG pipe into pipeline sources.
//
// Sequential delivers every nth frame in order and suits files, where the
// whole video must be analysed. Latest runs the reader on its own goroutine
// and hands frames over through a single-slot mailbox, so a slow pipeline
// always works on the freshest frame of a live stream.
package capture

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/pipeline"
	"github.com/andresmejia3/distguard/internal/types"
	"github.com/andresmejia3/distguard/internal/utils"
)

const megabyte = 1024 * 1024

// Buffer pool to reduce GC pressure while reading frames
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// Recycle returns a processed frame's encoded bytes to the pool. The frame
// must not be used afterwards.
func Recycle(fc *pipeline.FrameContext) {
	if fc == nil || fc.Raw == nil {
		return
	}
	frameBufferPool.Put(fc.Raw[:0])
	fc.Raw = nil
}

// Options configure frame selection.
type Options struct {
	// NthFrame keeps frames whose index is a multiple of it. Values < 1 keep all.
	NthFrame int
	// FPS converts frame indices into timestamps. Zero leaves them unset.
	FPS float64
	// Live selects the latest-frame source instead of the sequential one.
	Live bool
}

// frameReader splits a JPEG stream into numbered frames.
type frameReader struct {
	scanner *bufio.Scanner
	nth     int
	fps     float64
	index   int // index of the next frame in the stream
}

func newFrameReader(r io.Reader, opts Options) *frameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	nth := opts.NthFrame
	if nth < 1 {
		nth = 1
	}
	return &frameReader{scanner: scanner, nth: nth, fps: opts.FPS}
}

// next returns the next selected frame or io.EOF.
func (f *frameReader) next() (types.FrameTask, error) {
	for f.scanner.Scan() {
		idx := f.index
		f.index++
		if idx%f.nth != 0 {
			continue
		}

		data := f.scanner.Bytes()
		buf := frameBufferPool.Get().([]byte)
		if cap(buf) < len(data) {
			buf = make([]byte, len(data))
		}
		buf = buf[:len(data)]
		copy(buf, data)

		task := types.FrameTask{Index: idx, Data: buf}
		if f.fps > 0 {
			task.Timestamp = time.Duration(float64(idx) / f.fps * float64(time.Second))
		}
		return task, nil
	}
	if err := f.scanner.Err(); err != nil {
		return types.FrameTask{}, errors.Wrap(err, "frame scanner failed")
	}
	return types.FrameTask{}, io.EOF
}

// process is the decoder behind a source.
type process struct {
	cmd *utils.SafeCommand
	out io.ReadCloser
	ctx context.Context
	// drained is set once the reader saw the end of the stream.
	drained bool
}

func (p *process) Close() error {
	p.out.Close()
	err := p.cmd.Wait()
	// Closing early or cancelling kills ffmpeg; that exit status is expected.
	if err == nil || !p.drained || p.ctx.Err() != nil {
		return nil
	}
	return errors.WithDetail(errors.Wrap(err, "ffmpeg decoder failed"), p.cmd.Stderr.String())
}

// Open starts an ffmpeg decoder on address (a file path or stream URL) and
// returns a source over its frames.
func Open(ctx context.Context, address, sourceID string, opts Options) (pipeline.Source, error) {
	cmd := utils.NewFFmpegDecoder(ctx, address)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create FFmpeg stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "failed to start FFmpeg"), "is ffmpeg installed and on PATH?")
	}
	proc := &process{cmd: cmd, out: out, ctx: ctx}

	if opts.Live {
		return newLatest(ctx, sourceID, out, opts, proc), nil
	}
	s := NewSequential(sourceID, out, opts)
	s.proc = proc
	return s, nil
}

// Sequential yields frames in stream order without dropping any.
type Sequential struct {
	sourceID string
	reader   *frameReader
	proc     *process
}

func NewSequential(sourceID string, r io.Reader, opts Options) *Sequential {
	return &Sequential{sourceID: sourceID, reader: newFrameReader(r, opts)}
}

func (s *Sequential) Next(ctx context.Context) (*pipeline.FrameContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	task, err := s.reader.next()
	if err != nil {
		if err == io.EOF && s.proc != nil {
			s.proc.drained = true
		}
		return nil, err
	}
	return pipeline.NewFrameContext(s.sourceID, task), nil
}

// Read is the number of frames read from the stream, skipped ones included.
func (s *Sequential) Read() int { return s.reader.index }

func (s *Sequential) Close() error {
	if s.proc == nil {
		return nil
	}
	return s.proc.Close()
}
