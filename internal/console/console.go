// Package console writes command output to stdout, line by line, without
// failing when the reader goes away (as with `refload | head`).
package console

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

type Writer struct {
	out    *bufio.Writer
	errOut io.Writer
	broken bool // stdout reader is gone; drop everything
}

func New(out, errOut io.Writer) *Writer {
	return &Writer{out: bufio.NewWriter(out), errOut: errOut}
}

func Stdout() *Writer {
	return New(os.Stdout, os.Stderr)
}

// Write buffers p and flushes once a full line is buffered.
func (w *Writer) Write(p []byte) (int, error) {
	if w.broken {
		return len(p), nil
	}
	if _, err := w.out.Write(p); err != nil {
		return len(p), w.fail(err)
	}
	if bytes.IndexByte(p, '\n') >= 0 {
		if err := w.Flush(); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (w *Writer) Printf(format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func (w *Writer) Println(args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}

func (w *Writer) Flush() error {
	if w.broken {
		return nil
	}
	if err := w.out.Flush(); err != nil {
		return w.fail(err)
	}
	return nil
}

// fail swallows broken pipes. Anything else is reported on stderr and
// returned.
func (w *Writer) fail(err error) error {
	if errors.Is(err, syscall.EPIPE) {
		w.broken = true
		return nil
	}
	if _, werr := fmt.Fprintf(w.errOut, "abort: %v\n", err); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}
