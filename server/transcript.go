package server

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tkuester/taky/cot"
)

// openAppend opens a transcript file for appending.
func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// transcriptDate is the layout of the date prefix on transcript files.
const transcriptDate = "2006-01-02"

// logEvent appends a routed event to the per-session transcript, when a
// log directory is configured. Pings never reach here.
func (c *TAKClient) logEvent(evt *cot.Event) {
	if c.logDir == "" || evt.IsPing() {
		return
	}

	raw, err := evt.XML()
	if err != nil {
		return
	}
	c.writeTranscript(raw)
}

// logInvalid records an event that failed to unmarshal, with the error
// embedded as a comment next to the offending bytes.
func (c *TAKClient) logInvalid(raw []byte, parseErr error) {
	if c.logDir == "" {
		return
	}

	// "--" may not appear inside an XML comment.
	msg := strings.ReplaceAll(parseErr.Error(), "--", "- -")
	entry := append([]byte{}, raw...)
	entry = append(entry, []byte("\n<!-- "+msg+" -->")...)
	c.writeTranscript(entry)
}

// writeTranscript appends one entry, opening or rotating the file as
// needed. A write failure disables transcript logging for this session.
func (c *TAKClient) writeTranscript(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.logDisabled {
		return
	}

	date := time.Now().Format(transcriptDate)
	if c.logFP == nil || c.logDate != date {
		if !c.openTranscriptLocked(date) {
			return
		}
	}

	if _, err := c.logFP.Write(append(data, '\n')); err != nil {
		c.log.WithError(err).Warn("unable to write CoT transcript")
		c.closeTranscriptLocked()
		c.logDisabled = true
	}
}

// transcriptNameLocked derives the session's transcript name: its UID
// and callsign once identified, its IP before that.
func (c *TAKClient) transcriptNameLocked() string {
	switch {
	case c.monitor:
		return "monitor-" + c.ip
	case c.user != nil:
		return c.user.UID + "-" + c.user.Callsign
	default:
		return "anonymous-" + c.ip
	}
}

// openTranscriptLocked opens <date>-<name>.cot under the log directory,
// refusing any name that would escape it.
func (c *TAKClient) openTranscriptLocked(date string) bool {
	c.closeTranscriptLocked()

	name := date + "-" + sanitizeName(c.transcriptNameLocked()) + ".cot"
	path := filepath.Join(c.logDir, name)
	if filepath.Dir(path) != filepath.Clean(c.logDir) {
		c.log.WithField("path", path).Warn("refusing transcript path outside log dir")
		c.logDisabled = true
		return false
	}

	fp, err := openAppend(path)
	if err != nil {
		c.log.WithError(err).Warn("unable to open CoT transcript")
		c.logDisabled = true
		return false
	}

	c.log.WithField("path", path).Info("opening transcript")
	c.logFP = fp
	c.logDate = date
	return true
}

// rotateTranscript closes the current file so the next write reopens it
// under the session's current name.
func (c *TAKClient) rotateTranscript() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeTranscriptLocked()
}

func (c *TAKClient) closeTranscriptLocked() {
	if c.logFP != nil {
		_ = c.logFP.Close()
		c.logFP = nil
	}
}

// sanitizeName keeps transcript names to a conservative character set so
// a hostile UID or callsign cannot traverse out of the log directory.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
