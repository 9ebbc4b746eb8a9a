package helpers

import (
	"io"
)

// Counter is satisfied by *expvar.Int and prometheus counters via AdderFunc.
type Counter interface {
	Add(int64)
}

type AdderFunc func(int64)

func (f AdderFunc) Add(delta int64) { f(delta) }

type StatReader struct {
	R io.Reader
	C Counter
}

var _ io.Reader = &StatReader{}

func NewStatReader(r io.Reader, c Counter) io.Reader {
	return &StatReader{R: r, C: c}
}

func (sr *StatReader) Read(p []byte) (n int, err error) {
	n, err = sr.R.Read(p)
	if n > 0 {
		sr.C.Add(int64(n))
	}
	return
}

type StatWriter struct {
	W io.Writer
	C Counter
}

var _ io.Writer = &StatWriter{}

func NewStatWriter(w io.Writer, c Counter) io.Writer {
	return &StatWriter{W: w, C: c}
}

func (sw *StatWriter) Write(p []byte) (n int, err error) {
	n, err = sw.W.Write(p)
	if n > 0 {
		sw.C.Add(int64(n))
	}
	return
}
