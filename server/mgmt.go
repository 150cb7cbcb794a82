package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/tkuester/taky"
	"github.com/tkuester/taky/certdb"
	"github.com/tkuester/taky/cot"
)

const (
	// mgmtMaxRequest caps one management request frame.
	mgmtMaxRequest = 64 * 1024

	// mgmtRecvTimeout bounds the wait for a complete request frame.
	mgmtRecvTimeout = 5 * time.Second
)

// mgmtRequest is one NUL-framed JSON command off the management socket.
type mgmtRequest struct {
	Cmd  string `json:"cmd"`
	User string `json:"user,omitempty"`
}

// readNullFramed reads bytes up to (and consuming) a NUL terminator,
// erroring out if the frame exceeds max bytes.
func readNullFramed(r io.Reader, max int) ([]byte, error) {
	buf := make([]byte, 0, 256)
	one := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, one); err != nil {
			return nil, err
		}
		if one[0] == 0 {
			return buf, nil
		}
		buf = append(buf, one[0])
		if len(buf) > max {
			return nil, fmt.Errorf("request exceeds %d bytes", max)
		}
	}
}

// mgmtLoop accepts control connections on the management socket.
func (s *COTServer) mgmtLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.mgmtLis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.log.WithError(err).Warn("management accept failed")
			continue
		}
		go s.handleMgmt(conn)
	}
}

// handleMgmt serves one control connection. Each request is answered in
// order; the connection stays open for further requests until the peer
// hangs up or stalls past the receive timeout.
func (s *COTServer) handleMgmt(conn net.Conn) {
	defer conn.Close()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(mgmtRecvTimeout))
		raw, err := readNullFramed(conn, mgmtMaxRequest)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.WithError(err).Debug("management connection dropped")
			}
			return
		}

		var req mgmtRequest
		var reply any
		if err := json.Unmarshal(raw, &req); err != nil {
			reply = map[string]string{"error": "invalid request: " + err.Error()}
		} else {
			reply = s.dispatchMgmt(&req)
		}

		data, err := json.Marshal(reply)
		if err != nil {
			data = []byte(`{"error":"internal error"}`)
		}
		if _, err = conn.Write(append(data, 0)); err != nil {
			return
		}
	}
}

func (s *COTServer) dispatchMgmt(req *mgmtRequest) any {
	s.log.WithField("cmd", req.Cmd).Info("management command")

	switch req.Cmd {
	case "ping":
		return map[string]string{"pong": "taky"}
	case "status":
		return s.mgmtStatus()
	case "purge_persist":
		return map[string]int{"purged": s.router.Store().Purge()}
	case "kickban":
		return s.mgmtKickban(req.User)
	default:
		return map[string]string{"error": fmt.Sprintf("unknown command: %q", req.Cmd)}
	}
}

// mgmtStatus reports the server and its identified sessions. Monitor
// sessions are not clients and are left out.
func (s *COTServer) mgmtStatus() any {
	clients := make([]map[string]any, 0)
	for _, c := range s.router.Clients() {
		tc, ok := c.(*TAKClient)
		if !ok || tc.Monitor() {
			continue
		}
		clients = append(clients, tc.statusEntry())
	}

	return map[string]any{
		"version":     taky.Version,
		"uptime":      int(time.Since(s.started).Seconds()),
		"num_clients": len(clients),
		"clients":     clients,
	}
}

// statusEntry summarizes the session for the management status command.
// The entry is flat: device fields sit beside the identity fields.
func (c *TAKClient) statusEntry() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	lastRX := ""
	if !c.lastRX.IsZero() {
		lastRX = c.lastRX.UTC().Format(time.RFC3339)
	}
	ent := map[string]any{
		"ip":        c.ip,
		"connected": c.connected.UTC().Format(time.RFC3339),
		"num_rx":    c.numRX,
		"last_rx":   lastRX,
	}

	if c.user == nil {
		ent["anonymous"] = true
		return ent
	}

	ent["uid"] = c.user.UID
	ent["callsign"] = c.user.Callsign
	ent["group"] = c.user.Group.String()
	ent["role"] = c.user.Role
	ent["battery"] = c.user.Battery

	dev := c.user.Device
	if dev == nil {
		dev = &cot.TAKDevice{}
	}
	ent["device"] = dev.Device
	ent["os"] = dev.OS
	ent["version"] = dev.Version
	ent["platform"] = dev.Platform

	return ent
}

// mgmtKickban revokes every valid certificate issued to the named user
// and disconnects any live session presenting one of them.
func (s *COTServer) mgmtKickban(user string) any {
	if user == "" {
		return map[string]string{"error": "kickban requires a user"}
	}
	if s.certDB == nil {
		return map[string]string{"error": "no certificate database configured"}
	}

	now := time.Now()
	revoked := make([]*big.Int, 0)
	for _, rec := range s.certDB.ByName(user) {
		if rec.Status != certdb.StatusValid {
			continue
		}
		if err := s.certDB.Revoke(rec.Serial, now); err != nil {
			s.log.WithError(err).WithField("user", user).Warn("unable to revoke certificate")
			continue
		}
		revoked = append(revoked, rec.Serial)
	}

	for _, c := range s.router.Clients() {
		tc, ok := c.(*TAKClient)
		if !ok {
			continue
		}
		cert := tc.PeerCert()
		if cert == nil {
			continue
		}
		for _, sn := range revoked {
			if cert.SerialNumber.Cmp(sn) == 0 {
				tc.Kick("Banned")
				break
			}
		}
	}

	return map[string]any{"revoked_sns": revoked}
}
