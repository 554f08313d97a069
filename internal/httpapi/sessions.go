package httpapi

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
)

const outputPollInterval = 500 * time.Millisecond

// GET /api/sessions/:id
func (s *Server) getSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	session, err := s.store.GetSession(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// GET /api/sessions/:id/output
//
// Tails the session's stdout log as SSE. Existing content is replayed
// first, then appended chunks are streamed until the client disconnects
// or the session reaches a terminal state with no more output pending.
func (s *Server) streamSessionOutput(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	file, err := os.Open(session.StdoutPath)
	if err != nil {
		respondError(c, http.StatusNotFound, "no_output", "session output is not available")
		return
	}
	defer func() { _ = file.Close() }()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, 32*1024)
	terminal := !session.Status.IsActive()

	for {
		n, readErr := file.Read(buf)
		if n > 0 {
			if err := writeSSEChunk(c.Writer, buf[:n]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			if terminal {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(outputPollInterval):
			}
			// Refresh terminal-ness so the stream closes once the
			// process has exited and the log stops growing.
			if refreshed, err := s.store.GetSession(ctx, id); err == nil {
				terminal = !refreshed.Status.IsActive()
			}
			continue
		}
		if readErr != nil {
			return
		}
	}
}

// writeSSEChunk frames raw output bytes as one SSE data event. Embedded
// newlines become continuation "data:" lines per the SSE spec.
func writeSSEChunk(w io.Writer, chunk []byte) error {
	start := 0
	for i, b := range chunk {
		if b == '\n' {
			if _, err := w.Write(append(append([]byte("data: "), chunk[start:i]...), '\n')); err != nil {
				return err
			}
			start = i + 1
		}
	}
	if start < len(chunk) {
		if _, err := w.Write(append(append([]byte("data: "), chunk[start:]...), '\n')); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte("\n"))
	return err
}
