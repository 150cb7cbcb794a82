package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tkuester/taky/cot"
)

const (
	// recvSize is how much is pulled off the socket per read.
	recvSize = 4096

	// handshakeTimeout is how long a TLS client has to complete its
	// handshake before the session is dropped.
	handshakeTimeout = 10 * time.Second

	// writeTimeout bounds a single send to a peer. A peer that cannot
	// accept a write within it is disconnected.
	writeTimeout = 5 * time.Second
)

// TAKClient is one connected session: the socket, the XML deframer, the
// identified user (once seen), counters, and the rotating CoT
// transcript.
type TAKClient struct {
	conn    net.Conn
	ip      string
	monitor bool

	router *Router
	logDir string

	defr *cot.Deframer

	mu        sync.Mutex
	user      *cot.TAKUser
	peerCert  *x509.Certificate
	connected time.Time
	numRX     int64
	lastRX    time.Time

	logFP       *os.File
	logDate     string
	logDisabled bool

	// ready flips once the connection can carry events: immediately for
	// plaintext, at handshake completion for TLS. Outbound events are
	// silently dropped before that.
	ready atomic.Bool

	// sendMu guards sendQ, the unbounded outbound queue drained by the
	// writer goroutine. Queueing never blocks the router; a peer that
	// stops draining is killed by the write deadline instead.
	sendMu sync.Mutex
	sendQ  [][]byte
	wake   chan struct{}

	done      chan struct{}
	closeOnce sync.Once

	log *logrus.Entry
}

// newTAKClient wraps an accepted connection. The caller registers the
// session with the router and starts run in its own goroutine.
func newTAKClient(conn net.Conn, router *Router, logDir string, monitor bool) *TAKClient {
	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		ip = conn.RemoteAddr().String()
	}

	return &TAKClient{
		conn:      conn,
		ip:        ip,
		monitor:   monitor,
		router:    router,
		logDir:    logDir,
		defr:      cot.NewDeframer(),
		connected: time.Now(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "client",
			"addr":      conn.RemoteAddr().String(),
			"monitor":   monitor,
		}),
	}
}

// User implements Client. The returned identity is a snapshot; the live
// user is only ever written under the session mutex, so callers must not
// be handed the mutable struct.
func (c *TAKClient) User() *cot.TAKUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	snap := *c.user
	return &snap
}

// Monitor implements Client.
func (c *TAKClient) Monitor() bool {
	return c.monitor
}

// PeerCert returns the peer's TLS certificate, or nil.
func (c *TAKClient) PeerCert() *x509.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerCert
}

// Send implements Client. Events queued before the TLS handshake
// completes are dropped; after that the queue grows as needed, so a
// persistence snapshot is never truncated.
func (c *TAKClient) Send(evt *cot.Event) {
	if !c.ready.Load() {
		return
	}

	data, err := evt.XML()
	if err != nil {
		c.log.WithError(err).WithField("uid", evt.UID).Warn("unable to serialize event")
		return
	}

	c.sendMu.Lock()
	c.sendQ = append(c.sendQ, data)
	c.sendMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// takeSendQ swaps out the pending outbound queue.
func (c *TAKClient) takeSendQ() [][]byte {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	q := c.sendQ
	c.sendQ = nil
	return q
}

// run owns the session from accept to close: TLS handshake, the monitor
// snapshot, then the receive loop.
func (c *TAKClient) run() {
	go c.writer()

	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := tlsConn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			c.disconnect("TLS handshake failed: " + err.Error())
			return
		}

		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			c.mu.Lock()
			c.peerCert = state.PeerCertificates[0]
			c.mu.Unlock()
		}
	}
	c.ready.Store(true)

	if c.monitor {
		// Monitor sessions never identify, so they get their snapshot
		// of the world up front.
		c.router.SendPersist(c)
	}

	c.readLoop()
}

// writer drains the outbound queue onto the socket. A write error or
// deadline expiry kills the session.
func (c *TAKClient) writer() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for _, data := range c.takeSendQ() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.conn.Write(data); err != nil {
				c.disconnect(err.Error())
				return
			}
		}
	}
}

// readLoop pulls bytes off the socket and feeds them through the
// deframer.
func (c *TAKClient) readLoop() {
	buf := make([]byte, recvSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, ferr := c.defr.Feed(buf[:n])
			for _, frame := range frames {
				c.handleEvent(frame)
			}
			if ferr != nil {
				c.log.WithError(ferr).Warn("XML parsing error")
				c.disconnect("XML Syntax Error")
				return
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed):
				// disconnect already ran
			case errors.Is(err, io.EOF):
				c.disconnect("Client disconnected")
			default:
				c.disconnect(err.Error())
			}
			return
		}
	}
}

// handleEvent processes one complete <event> element off the stream.
func (c *TAKClient) handleEvent(raw []byte) {
	c.mu.Lock()
	c.numRX++
	c.lastRX = time.Now()
	c.mu.Unlock()

	evt, err := cot.EventFromBytes(raw)
	if err != nil {
		c.log.WithError(err).Warn("unable to parse event")
		c.logInvalid(raw, err)
		return
	}

	if evt.IsPing() {
		c.pong()
		return
	}

	if evt.IsAtom() && !c.monitor {
		if _, ok := evt.Detail.(*cot.TAKUserDetail); ok {
			c.handleIdent(evt)
		}
	}

	c.router.Route(c, evt)
	c.logEvent(evt)
}

// handleIdent folds a TAKUser self-description into the session's user.
// The first identification rotates the transcript off its anonymous name
// and replays the persisted world view to the client.
func (c *TAKClient) handleIdent(evt *cot.Event) {
	c.mu.Lock()
	first := false
	if c.user == nil {
		user := cot.NewTAKUser()
		if f, ok := user.UpdateFromEvent(evt); ok {
			c.user = user
			first = f
		}
	} else if _, ok := c.user.UpdateFromEvent(evt); !ok {
		c.log.WithFields(logrus.Fields{
			"uid":     c.user.UID,
			"evt_uid": evt.UID,
		}).Warn("ignoring TAKUser update with mismatched uid")
	}
	c.mu.Unlock()

	if first {
		c.log.WithFields(logrus.Fields{
			"uid":      evt.UID,
			"callsign": c.User().Callsign,
		}).Info("client identified")
		c.rotateTranscript()
		c.router.SendPersist(c)
	}
}

// pong answers a TAK ping, to the sender only. Clients that do not hear
// a pong in time disconnect on their own.
func (c *TAKClient) pong() {
	now := time.Now().UTC()
	c.Send(&cot.Event{
		Version: "2.0",
		UID:     "takPong",
		Type:    "t-x-c-t-r",
		How:     "h-g-i-g-o",
		Time:    now,
		Start:   now,
		Stale:   now.Add(20 * time.Second),
		Point:   cot.NewPoint(),
	})
}

// disconnect tears the session down exactly once: socket, router
// registration, transcript.
func (c *TAKClient) disconnect(reason string) {
	c.closeOnce.Do(func() {
		c.log.WithField("reason", reason).Info("client disconnect")
		close(c.done)

		// Best-effort shutdown before close.
		if tcp, ok := c.conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		_ = c.conn.Close()

		c.router.ClientDisconnect(c)

		c.mu.Lock()
		c.closeTranscriptLocked()
		c.mu.Unlock()
	})
}

// Kick disconnects the session for administrative reasons.
func (c *TAKClient) Kick(reason string) {
	c.disconnect(reason)
}
