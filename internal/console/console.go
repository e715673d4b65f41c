// Package console multiplexes one attached WebSocket session over a VM's
// serial log and stdin FIFO: a reader thread tails the log, filters out
// exec-protocol marker lines, and forwards everything else as STDOUT frames;
// inbound STDIN frames are written to the FIFO through the backend.
package console

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/opensandbox/opensandbox/internal/metrics"
	"github.com/opensandbox/opensandbox/internal/vmexec"
)

// Frame prefixes discriminating the two logical channels over one binary
// WebSocket connection.
const (
	frameStdout byte = 0x01
	frameStdin  byte = 0x03
)

const (
	readChunkSize   = 4096
	tailSeekBytes   = 512
	leftoverFlush   = 8192
	emptyReadsFlush = 2
	pollInterval    = 50 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Writer forwards keystrokes into a VM's stdin FIFO. internal/backend.Backend
// satisfies this.
type Writer interface {
	WriteConsoleInput(userID, name string, data []byte) error
}

// Session owns one attached WebSocket console for one VM.
type Session struct {
	UserID  string
	VMName  string
	Backend Writer
	LogPath string
	Timeout time.Duration
}

// Serve upgrades c's request to a WebSocket and runs the session until
// timeout, remote close, or an I/O error. A failed upgrade is returned as an
// error; once the upgrade has succeeded it returns nil: later errors are
// logged, never surfaced as an HTTP error, since the response has already
// been hijacked by the upgrade.
func (s *Session) Serve(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	metrics.ConsoleSessionsActive.WithLabelValues().Inc()
	defer metrics.ConsoleSessionsActive.WithLabelValues().Dec()

	out := make(chan []byte, 16)
	stop := make(chan struct{})

	tailDone := make(chan struct{})
	go func() {
		defer close(tailDone)
		s.tail(out, stop)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for chunk := range out {
			if err := ws.WriteMessage(websocket.BinaryMessage, append([]byte{frameStdout}, chunk...)); err != nil {
				return
			}
		}
	}()

	// The session budget is absolute: the read deadline is set once and never
	// extended, so even a busy session ends at the configured timeout. Pings
	// are still answered with pongs by the connection's default handler.
	_ = ws.SetReadDeadline(time.Now().Add(s.Timeout))

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if len(msg) == 0 {
			continue
		}
		switch msg[0] {
		case frameStdin:
			if err := s.Backend.WriteConsoleInput(s.UserID, s.VMName, msg[1:]); err != nil {
				log.Printf("noidd: console %s/%s: write stdin: %v", s.UserID, s.VMName, err)
			}
		default:
			// Unknown channel prefix, ignored.
		}
	}

	close(stop)
	<-tailDone
	<-writerDone

	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return nil
}

// tail opens the serial log positioned near its end, then polls for new
// content until stop is closed or its own session timeout elapses,
// filtering out exec-protocol marker lines before pushing complete (or
// force-flushed) chunks onto out. Always closes out on return, which is
// what lets the writer goroutine in Serve exit via its range loop.
func (s *Session) tail(out chan<- []byte, stop <-chan struct{}) {
	defer close(out)

	f, pos, err := openNearEnd(s.LogPath, tailSeekBytes)
	if err != nil {
		log.Printf("noidd: console %s/%s: open serial log: %v", s.UserID, s.VMName, err)
		return
	}
	defer f.Close()

	var leftover []byte
	emptyReads := 0
	buf := make([]byte, readChunkSize)
	deadline := time.Now().Add(s.Timeout)

	flush := func(b []byte) bool {
		chunk := filterMarkers(b)
		if len(chunk) == 0 {
			return true
		}
		select {
		case out <- chunk:
			return true
		case <-stop:
			return false
		}
	}

	for time.Now().Before(deadline) {
		select {
		case <-stop:
			return
		default:
		}

		n, err := f.ReadAt(buf, pos)
		if n > 0 {
			pos += int64(n)
			leftover = append(leftover, buf[:n]...)
			emptyReads = 0

			if idx := bytes.LastIndexByte(leftover, '\n'); idx >= 0 {
				complete := leftover[:idx+1]
				leftover = append([]byte(nil), leftover[idx+1:]...)
				if !flush(complete) {
					return
				}
			}
			if len(leftover) > leftoverFlush {
				if !flush(leftover) {
					return
				}
				leftover = nil
			}
			continue
		}

		if err != nil && !isEOF(err) {
			sleepOrStop(pollInterval, stop)
			continue
		}

		emptyReads++
		if emptyReads >= emptyReadsFlush && len(leftover) > 0 {
			if !flush(leftover) {
				return
			}
			leftover = nil
			emptyReads = 0
		}
		sleepOrStop(pollInterval, stop)
	}
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) {
	select {
	case <-time.After(d):
	case <-stop:
	}
}

// filterMarkers drops every line that is a bare exec-protocol marker,
// passing everything else through with line endings intact.
func filterMarkers(b []byte) []byte {
	lines := bytes.SplitAfter(b, []byte("\n"))
	var kept bytes.Buffer
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		trimmed := bytes.TrimRight(line, "\r\n")
		if vmexec.IsMarkerLine(string(trimmed)) {
			continue
		}
		kept.Write(line)
	}
	return kept.Bytes()
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// openNearEnd opens path and returns a read position seekBytes before its
// current end (clamped to 0), so an attaching viewer sees recent context
// instead of starting from an empty tail.
func openNearEnd(path string, seekBytes int64) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	pos := fi.Size() - seekBytes
	if pos < 0 {
		pos = 0
	}
	return f, pos, nil
}
