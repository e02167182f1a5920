package log

import "io"

// dmesg is the kernel-wide log ring. It is a process-wide singleton,
// reachable only through the accessor functions below.
var dmesg Ring

// Dmesg returns the global kernel log ring buffer.
func Dmesg() *Ring {
	return &dmesg
}

// Write appends p to the global kernel log. It implements io.Writer so the
// kernel log can be used directly as kfmt's default output sink.
func Write(p []byte) (int, error) {
	return dmesg.Write(p)
}

// Drain copies every currently buffered byte of the kernel log to w, in the
// order it was written, without otherwise disturbing callers that are
// concurrently writing to the log. It is used by the panic handler to flush
// accumulated log output to a reliable sink (the serial port) before
// halting, since whatever sink Printf was using up to that point may itself
// be the thing that's broken.
func Drain(w io.Writer) {
	var chunk [256]byte
	for {
		n, _ := dmesg.Read(chunk[:])
		if n == 0 {
			return
		}
		w.Write(chunk[:n])
	}
}
