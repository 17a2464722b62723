package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

var errFramingLimit = errors.New("mcpgateway: too many consecutive framing errors")

// ServeStdio serves a single client session over the process's stdin and
// stdout until the client closes stdin or ctx is done.
func (g *Gateway) ServeStdio(ctx context.Context) error {
	return g.ServeConn(ctx, os.Stdin, os.Stdout)
}

// ServeConn serves one client session over a newline-delimited JSON-RPC
// stream. It returns nil when r reaches EOF.
func (g *Gateway) ServeConn(ctx context.Context, r io.Reader, w io.Writer) error {
	s := g.sessions.Create(TransportStdio)

	writer := newFrameWriter(w)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		g.writeLoop(s, writer)
	}()

	type frame struct {
		line []byte
		err  error
	}
	frames := make(chan frame)
	reader := newFrameReader(r, g.opts.MaxMessageBytes)
	go func() {
		defer close(frames)
		for {
			line, err := reader.next()
			if errors.Is(err, errFrameTooLong) {
				err = parseError(err)
			} else if err != nil {
				select {
				case frames <- frame{err: err}:
				case <-s.Done():
				}
				return
			}
			select {
			case frames <- frame{line: line, err: err}:
			case <-s.Done():
				return
			}
		}
	}()

	var result error
loop:
	for {
		select {
		case <-ctx.Done():
			result = ctx.Err()
			break loop
		case <-s.Done():
			result = s.Err()
			break loop
		case f, ok := <-frames:
			if !ok {
				break loop
			}
			var pe *Error
			if f.err != nil && !errors.As(f.err, &pe) {
				if !errors.Is(f.err, io.EOF) {
					result = fmt.Errorf("mcpgateway: read: %w", f.err)
				}
				break loop
			}
			if err := g.receive(ctx, s, f.line, f.err); err != nil {
				result = err
				break loop
			}
		}
	}
	g.sessions.Close(s.ID(), errSessionClosed)
	<-writeDone
	if errors.Is(result, errSessionClosed) || errors.Is(result, errFramingLimit) {
		return nil
	}
	return result
}

// receive handles one line from a stream connection. It returns
// errFramingLimit once the session has produced too many consecutive
// framing errors.
func (g *Gateway) receive(ctx context.Context, s *ClientSession, line []byte, readErr error) error {
	var msg jsonrpc.Message
	err := readErr
	if err == nil {
		msg, err = decodeFrame(line)
	}
	if err != nil {
		return g.framingFailure(s, err)
	}
	s.framingOK()
	s.touch(g.sessions.now())
	g.dispatcher.handle(ctx, s, msg)
	return nil
}

// framingFailure answers a malformed message with a null-id error and closes
// the session once the consecutive limit is reached.
func (g *Gateway) framingFailure(s *ClientSession, err error) error {
	g.opts.Metrics.IncrementFramingErrors(string(s.Transport()))
	n := s.framingError()
	g.opts.Logger.Debug("framing error",
		slog.String("session", s.ID()),
		slog.Int("consecutive", n),
		slog.Any("error", err))
	if dErr := s.deliver(errorResponse(jsonrpc.ID{}, err)); dErr != nil {
		return dErr
	}
	if n >= g.opts.FramingErrorLimit {
		g.opts.Logger.Warn("closing session after repeated framing errors", slog.String("session", s.ID()))
		return errFramingLimit
	}
	return nil
}

// writeLoop drains the session outbox until the session closes, then flushes
// whatever is still queued.
func (g *Gateway) writeLoop(s *ClientSession, w *frameWriter) {
	write := func(msg jsonrpc.Message) error {
		err := w.write(msg)
		if err != nil {
			g.opts.Logger.Debug("write failed", slog.String("session", s.ID()), slog.Any("error", err))
		}
		return err
	}
	for {
		select {
		case msg := <-s.outbox:
			if err := write(msg); err != nil {
				g.sessions.Close(s.ID(), err)
				return
			}
		case <-s.Done():
			for {
				select {
				case msg := <-s.outbox:
					if write(msg) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
