package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/geometry"
	"github.com/andresmejia3/distguard/internal/types"
	"github.com/andresmejia3/distguard/internal/utils"
)

// ErrWorker marks errors the detector process reported about a frame. The
// process is still healthy after one.
var ErrWorker = errors.New("python worker error")

// ErrTimeout is returned when the detector does not answer in time. The
// process is killed, since its pipes are no longer in a known state, so the
// error is also marked ErrWorkerExited.
var ErrTimeout = errors.New("detector timed out")

// ErrWorkerExited marks failures after which the detector process is gone.
// Every later Detect call fails the same way.
var ErrWorkerExited = errors.New("detector process exited")

// maxResponse bounds a single response so a corrupt length cannot allocate
// gigabytes.
const maxResponse = 64 << 20

// Detector turns one encoded frame into detections.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]types.Detection, error)
}

// Config controls how the detector subprocess is launched.
type Config struct {
	Command string
	Args    []string
	// ReadTimeout bounds one request/response round trip. Zero disables it.
	ReadTimeout time.Duration
	// MinConfidence drops detections scored below it.
	MinConfidence float64
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	cfg  Config
	mu   sync.Mutex
	dead bool
}

// NewPythonWorker starts the detector process. Requests go to its stdin;
// responses come back on a side-channel pipe that the child sees as FD 3, so
// anything the model prints to stdout cannot corrupt the protocol.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if cfg.Command == "" {
		return nil, errors.WithHint(errors.New("no detector command configured"),
			"set detector.command in distguard.yaml or pass --detections to replay precomputed output")
	}
	py := utils.NewSafeCommand(ctx, cfg.Command, cfg.Args...)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pipe")
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, errors.Wrap(err, "failed to create stdin pipe")
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, errors.Wrapf(err, "worker %d failed to start", id)
	}

	// Only the child holds the write end now
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		cfg:      cfg,
	}, nil
}

// Communicate sends one length-prefixed request and reads one
// length-prefixed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed interpreter shows up here
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, errors.Newf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Detect implements Detector. Calls are serialised; the protocol has one
// request in flight at a time.
func (w *PythonWorker) Detect(ctx context.Context, frame []byte) ([]types.Detection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return nil, errors.Mark(errors.Newf("worker %d is no longer running", w.ID), ErrWorkerExited)
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := w.Communicate(frame)
		done <- reply{body, err}
	}()

	var timeout <-chan time.Time
	if w.cfg.ReadTimeout > 0 {
		timer := time.NewTimer(w.cfg.ReadTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			w.dead = true
			return nil, errors.Mark(errors.Wrapf(r.err, "worker %d", w.ID), ErrWorkerExited)
		}
		dets, err := DecodeResponse(r.body)
		if err != nil {
			return nil, err
		}
		return filterConfidence(dets, w.cfg.MinConfidence), nil
	case <-timeout:
		w.kill()
		return nil, errors.Mark(errors.Wrapf(ErrTimeout, "worker %d after %s", w.ID, w.cfg.ReadTimeout), ErrWorkerExited)
	case <-ctx.Done():
		w.kill()
		return nil, ctx.Err()
	}
}

func (w *PythonWorker) kill() {
	w.dead = true
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
	// Unblock the reader goroutine
	w.DataPipe.Close()
}

// Close shuts down the worker and waits for the process to exit.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	if err := w.Cmd.Wait(); err != nil && !w.dead {
		return errors.Wrapf(err, "worker %d exited", w.ID)
	}
	return nil
}

// DecodeResponse parses a response payload:
//
//	[u8 status]
//	status 0: [u32 n] then n x [i32 class][f32 conf][f32 x][f32 y][f32 w][f32 h]
//	status 1: [u32 len][message]
//
// All integers and floats are big endian.
func DecodeResponse(payload []byte) ([]types.Detection, error) {
	r := bytes.NewReader(payload)
	status, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "empty response")
	}

	switch status {
	case 0:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, errors.Wrap(err, "reading detection count")
		}
		const recordSize = 24
		if int64(n)*recordSize > int64(r.Len()) {
			return nil, errors.Newf("truncated response: %d detections in %d bytes", n, r.Len())
		}
		dets := make([]types.Detection, 0, n)
		for i := uint32(0); i < n; i++ {
			var rec struct {
				Class int32
				Conf  float32
				Box   [4]float32
			}
			if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
				return nil, errors.Wrapf(err, "reading detection %d", i)
			}
			dets = append(dets, types.Detection{
				ClassID:    int(rec.Class),
				Confidence: float64(rec.Conf),
				Box: geometry.BoundingBox{
					X:      float64(rec.Box[0]),
					Y:      float64(rec.Box[1]),
					Width:  float64(rec.Box[2]),
					Height: float64(rec.Box[3]),
				},
			})
		}
		return dets, nil
	case 1:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, errors.Wrap(err, "reading error length")
		}
		if int64(msgLen) > int64(r.Len()) {
			return nil, errors.Newf("truncated error message: %d of %d bytes", r.Len(), msgLen)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, err
		}
		return nil, errors.Mark(errors.Newf("python worker error: %s", msg), ErrWorker)
	default:
		return nil, errors.Newf("unknown response status %d", status)
	}
}

func filterConfidence(dets []types.Detection, min float64) []types.Detection {
	if min <= 0 {
		return dets
	}
	kept := dets[:0]
	for _, d := range dets {
		if d.Confidence >= min && !math.IsNaN(d.Confidence) {
			kept = append(kept, d)
		}
	}
	return kept
}
