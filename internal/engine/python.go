package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/imaging"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils" // Using the SafeCommand wrapper
)

// Protocol opcodes understood by the Python engine.
const (
	opDetect byte = 1
	opEmbed  byte = 2
	opLocate byte = 3
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// Config describes how to launch the Python engine.
type Config struct {
	Command     string
	Args        []string
	ReadTimeout time.Duration // 0 disables the per-response deadline
}

// DefaultConfig runs python/engine.py from the working directory.
func DefaultConfig() Config {
	return Config{
		Command:     "python3",
		Args:        []string{"-u", "python/engine.py"},
		ReadTimeout: 60 * time.Second,
	}
}

// PythonEngine talks to one child process over stdin and a side-channel pipe.
type PythonEngine struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration

	// Detection and embedding calls for one photo reuse the same transport bytes.
	lastImg *image.RGBA
	lastPNG []byte
}

// NewFactory returns a Factory that launches one Python process per engine.
func NewFactory(cfg Config) Factory {
	return func(ctx context.Context, id int) (Engine, error) {
		e, err := NewPythonEngine(ctx, id, cfg)
		if err != nil {
			return nil, err // avoid a typed nil inside the interface
		}
		return e, nil
	}
}

func NewPythonEngine(ctx context.Context, id int, cfg Config) (*PythonEngine, error) {
	py := utils.NewSafeCommand(ctx, cfg.Command, cfg.Args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeEngineStartFailure, "failed to create pipe")
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, errs.Wrap(err, errs.CodeEngineStartFailure, "failed to create stdin pipe")
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, errs.Wrap(err, errs.CodeEngineStartFailure, fmt.Sprintf("engine %d failed to start", id))
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonEngine{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
// Protocol: [Length uint32 BE][Data]
func (w *PythonEngine) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, errs.Wrap(err, errs.CodeEngineTransport, "write request header")
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, errs.Wrap(err, errs.CodeEngineTransport, "write request body")
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.readTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(w.readTimeout))
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, errs.Wrap(err, errs.CodeEngineTransport, "read response header") // the child died (e.g. ModuleNotFoundError)
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, errs.Wrap(err, errs.CodeEngineTransport, "read response body")
	}
	return respBody, nil
}

// call encodes [op][hdrLen][hdr JSON][png] and decodes the face list in the reply.
func (w *PythonEngine) call(ctx context.Context, op byte, header any, img *image.RGBA) ([]types.FaceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if img != w.lastImg || w.lastPNG == nil {
		data, err := imaging.EncodePNG(img)
		if err != nil {
			return nil, err
		}
		w.lastImg, w.lastPNG = img, data
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal engine header: %w", err)
	}

	payload := make([]byte, 0, 1+4+len(hdr)+len(w.lastPNG))
	payload = append(payload, op)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(hdr)))
	payload = append(payload, hdr...)
	payload = append(payload, w.lastPNG...)

	resp, err := w.Communicate(payload)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

// parseResponse handles [Status][...]. Status 1 carries [MsgLen][Msg].
func parseResponse(resp []byte) ([]types.FaceResult, error) {
	if len(resp) == 0 {
		return nil, errs.New(errs.CodeEngineRemote, "empty engine response")
	}

	switch resp[0] {
	case statusOK:
		var faces []types.FaceResult
		if err := json.Unmarshal(resp[1:], &faces); err != nil {
			return nil, errs.Wrap(err, errs.CodeEngineRemote, "malformed engine response")
		}
		return faces, nil
	case statusError:
		if len(resp) < 5 {
			return nil, errs.New(errs.CodeEngineRemote, "truncated engine error")
		}
		msgLen := binary.BigEndian.Uint32(resp[1:5])
		if int(msgLen) > len(resp)-5 {
			return nil, errs.New(errs.CodeEngineRemote, "truncated engine error")
		}
		return nil, errs.New(errs.CodeEngineRemote, "python worker error: "+string(resp[5:5+msgLen]))
	default:
		return nil, errs.New(errs.CodeEngineRemote, fmt.Sprintf("unknown engine status %d", resp[0]))
	}
}

func (w *PythonEngine) Detect(ctx context.Context, img *image.RGBA, opts DetectOptions) ([]types.FaceCandidate, error) {
	faces, err := w.call(ctx, opDetect, opts, img)
	if err != nil {
		return nil, err
	}
	out := make([]types.FaceCandidate, 0, len(faces))
	for _, f := range faces {
		box, ok := types.BoxFromLoc(f.Loc)
		if !ok {
			continue
		}
		out = append(out, types.FaceCandidate{Box: box, Detector: types.DetectorNeural, Confidence: f.Conf})
	}
	return out, nil
}

type embedHeader struct {
	Boxes [][]int `json:"boxes"`
}

func (w *PythonEngine) Embed(ctx context.Context, img *image.RGBA, boxes []types.BoundingBox) ([]types.Embedding, error) {
	if len(boxes) == 0 {
		return nil, nil
	}
	hdr := embedHeader{Boxes: make([][]int, len(boxes))}
	for i, b := range boxes {
		hdr.Boxes[i] = b.Loc()
	}

	faces, err := w.call(ctx, opEmbed, hdr, img)
	if err != nil {
		return nil, err
	}
	if len(faces) != len(boxes) {
		return nil, errs.New(errs.CodeEngineRemote, "engine returned a different number of encodings than boxes",
			errs.Field("boxes", len(boxes)), errs.Field("encodings", len(faces)))
	}

	out := make([]types.Embedding, len(boxes))
	for i, f := range faces {
		if len(f.Vec) > 0 {
			out[i] = types.Embedding(f.Vec)
		}
	}
	return out, nil
}

func (w *PythonEngine) Locate(ctx context.Context, img *image.RGBA) ([]types.FaceCandidate, error) {
	faces, err := w.call(ctx, opLocate, struct{}{}, img)
	if err != nil {
		return nil, err
	}
	out := make([]types.FaceCandidate, 0, len(faces))
	for _, f := range faces {
		box, ok := types.BoxFromLoc(f.Loc)
		if !ok || len(f.Vec) == 0 {
			continue
		}
		out = append(out, types.FaceCandidate{Box: box, Embedding: types.Embedding(f.Vec), Detector: types.DetectorLocate})
	}
	return out, nil
}

// Close shuts the child down and waits for it. Crash logs stay in Cmd.Stderr.
func (w *PythonEngine) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
