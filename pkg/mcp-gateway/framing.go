package mcpgateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

const defaultMaxMessageBytes = 4 << 20

var errFrameTooLong = errors.New("message exceeds size limit")

// frameReader splits a stream into newline-delimited messages. Oversized
// lines are skipped and reported, leaving the reader usable.
type frameReader struct {
	r   *bufio.Reader
	max int
}

func newFrameReader(r io.Reader, max int) *frameReader {
	if max <= 0 {
		max = defaultMaxMessageBytes
	}
	return &frameReader{r: bufio.NewReaderSize(r, 64<<10), max: max}
}

// next returns the next non-empty line without its terminator.
func (f *frameReader) next() ([]byte, error) {
	for {
		var (
			line     []byte
			overflow bool
		)
		for {
			chunk, err := f.r.ReadSlice('\n')
			if !overflow {
				if len(line)+len(chunk) > f.max+1 {
					overflow = true
					line = nil
				} else {
					line = append(line, chunk...)
				}
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if err != nil {
				if errors.Is(err, io.EOF) && !overflow && len(bytes.TrimSpace(line)) > 0 {
					return bytes.TrimSpace(line), nil
				}
				if errors.Is(err, io.EOF) && overflow {
					return nil, errFrameTooLong
				}
				return nil, err
			}
			break
		}
		if overflow {
			return nil, errFrameTooLong
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

// decodeFrame parses one JSON-RPC message, separating malformed JSON (parse
// error) from well-formed JSON that is not a valid message.
func decodeFrame(line []byte) (jsonrpc.Message, error) {
	if !json.Valid(line) {
		return nil, parseError(errors.New("malformed JSON"))
	}
	msg, err := jsonrpc.DecodeMessage(line)
	if err != nil {
		e := invalidRequest("invalid JSON-RPC message")
		e.Err = err
		return nil, e
	}
	return msg, nil
}

// frameWriter writes newline-delimited messages. It is safe for concurrent
// use.
type frameWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: bufio.NewWriter(w)}
}

func (f *frameWriter) write(msg jsonrpc.Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.Write(data); err != nil {
		return err
	}
	if err := f.w.WriteByte('\n'); err != nil {
		return err
	}
	return f.w.Flush()
}

// nullIDResponse is the wire form of an error reply to a message whose id
// could not be read.
type nullIDResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *jsonrpc.Error  `json:"error"`
}

// encodeMessage encodes msg, writing "id": null on error replies without
// a usable id.
func encodeMessage(msg jsonrpc.Message) ([]byte, error) {
	if resp, ok := msg.(*jsonrpc.Response); ok && !resp.ID.IsValid() {
		var wire *jsonrpc.Error
		switch e := resp.Error.(type) {
		case nil:
			wire = wireError(invalidRequest("missing response id"))
		case *jsonrpc.Error:
			wire = e
		default:
			wire = wireError(e)
		}
		return json.Marshal(nullIDResponse{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: wire})
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: encode: %w", err)
	}
	return data, nil
}

// errorResponse builds an error reply. A zero id renders as null.
func errorResponse(id jsonrpc.ID, err error) *jsonrpc.Response {
	return &jsonrpc.Response{ID: id, Error: wireError(err)}
}
