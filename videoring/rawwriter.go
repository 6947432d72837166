package videoring

import (
	"bufio"
	"os"
)

// rawWriter streams raw BGRA frames to a file through a buffered sink,
// per spec.md §4.4 ("streams the raw frames to out_path through a
// buffered sink").
type rawWriter struct {
	f *os.File
	w *bufio.Writer
}

func newRawWriter(f *os.File) *rawWriter {
	return &rawWriter{f: f, w: bufio.NewWriterSize(f, 1<<20)}
}

func (rw *rawWriter) write(frame []byte) error {
	_, err := rw.w.Write(frame)
	return err
}

func (rw *rawWriter) close() error {
	if err := rw.w.Flush(); err != nil {
		rw.f.Close()
		return err
	}
	return rw.f.Close()
}
