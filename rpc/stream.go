package rpc

import (
	"errors"
	"io"
	"net"
)

// Stream is a bidirectional byte channel carrying newline-delimited JSON
// messages. Both transport kinds (a subprocess stdio pipe pair and a TCP
// socket) satisfy it and share the same framing contract.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// pipeStream joins a subprocess's stdout (read side) and stdin (write side)
// into one Stream.
type pipeStream struct {
	r io.ReadCloser
	w io.WriteCloser
}

// NewPipeStream wraps a subprocess's stdin/stdout pipe pair as a Stream.
// Closing the stream closes both ends; closing stdin signals EOF to the
// child process.
func NewPipeStream(stdin io.WriteCloser, stdout io.ReadCloser) Stream {
	return &pipeStream{r: stdout, w: stdin}
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeStream) Close() error {
	return errors.Join(p.w.Close(), p.r.Close())
}

// NewSocketStream wraps a stream-oriented network connection as a Stream.
func NewSocketStream(conn net.Conn) Stream { return conn }
