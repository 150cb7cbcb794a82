package server

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tkuester/taky/certdb"
	"github.com/tkuester/taky/config"
	"github.com/tkuester/taky/persist"
)

// COTServer hosts the CoT listener (TCP or TLS), the optional plaintext
// monitor listener, and the management UNIX socket, and routes events
// between the sessions accepted on them.
type COTServer struct {
	cfg    *config.Config
	router *Router
	certDB *certdb.DB
	tlsCfg *tls.Config

	lis     net.Listener
	monLis  net.Listener
	mgmtLis net.Listener

	started   time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	log *logrus.Entry
}

// New builds the server from its configuration: persistence backend,
// router, TLS context, and certificate database. It does not bind any
// sockets; call SockSetup next.
func New(cfg *config.Config) (*COTServer, error) {
	store, err := persist.Build(cfg.Taky.ServerAddress, cfg.Taky.Redis.Enabled, cfg.Taky.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("persistence setup: %w", err)
	}

	s := &COTServer{
		cfg:    cfg,
		router: NewRouter(store, cfg.COTServer.MaxPersistTTL),
		done:   make(chan struct{}),
		log:    logrus.WithField("component", "server"),
	}

	if cfg.SSL.Enabled {
		if s.tlsCfg, err = buildTLSConfig(&cfg.SSL, s.log); err != nil {
			return nil, fmt.Errorf("ssl setup: %w", err)
		}
		if cfg.SSL.CertDB != "" {
			if s.certDB, err = certdb.Load(cfg.SSL.CertDB); err != nil {
				return nil, fmt.Errorf("cert db: %w", err)
			}
		}
	}

	return s, nil
}

// Router exposes the router, primarily for tests.
func (s *COTServer) Router() *Router {
	return s.router
}

// SockSetup binds the CoT listener, the monitor listener (TLS mode
// only), and the management UNIX socket. Any failure here is
// startup-fatal.
func (s *COTServer) SockSetup() error {
	cot := &s.cfg.COTServer

	addr := net.JoinHostPort(s.cfg.Taky.BindIP, strconv.Itoa(cot.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = lis

	mode := "tcp"
	if s.tlsCfg != nil {
		mode = "ssl"
	}
	s.log.WithFields(logrus.Fields{
		"mode": mode,
		"addr": addr,
	}).Info("listening for cot")

	if s.tlsCfg != nil && cot.MonPort > 0 {
		monAddr := net.JoinHostPort(cot.MonIP, strconv.Itoa(cot.MonPort))
		if s.monLis, err = net.Listen("tcp", monAddr); err != nil {
			s.closeListeners()
			return err
		}
		s.log.WithField("addr", monAddr).Info("listening for plaintext monitors")
	}

	sockPath := s.cfg.MgmtSockPath()
	if err = checkStaleSocket(sockPath); err != nil {
		s.closeListeners()
		return err
	}
	if s.mgmtLis, err = net.Listen("unix", sockPath); err != nil {
		s.closeListeners()
		return err
	}
	if err = os.Chmod(sockPath, 0o600); err != nil {
		s.closeListeners()
		return err
	}
	s.log.WithField("path", sockPath).Info("management socket ready")

	return nil
}

// Serve runs the accept loops and blocks until Shutdown is called.
func (s *COTServer) Serve() {
	s.started = time.Now()

	s.wg.Add(2)
	go s.acceptLoop(s.lis, false)
	go s.pruneLoop()

	if s.monLis != nil {
		s.wg.Add(1)
		go s.acceptLoop(s.monLis, true)
	}
	if s.mgmtLis != nil {
		s.wg.Add(1)
		go s.mgmtLoop()
	}

	s.wg.Wait()
}

// Shutdown disconnects every session, closes the listeners, and removes
// the management socket. Safe to call more than once.
func (s *COTServer) Shutdown() {
	s.closeOnce.Do(func() {
		s.log.Info("sending disconnect to clients")
		close(s.done)

		for _, c := range s.router.Clients() {
			if tc, ok := c.(*TAKClient); ok {
				tc.Kick("Server shutting down")
			}
		}

		s.closeListeners()
		_ = os.Remove(s.cfg.MgmtSockPath())
		s.log.Info("stopped")
	})
}

func (s *COTServer) closeListeners() {
	for _, lis := range []net.Listener{s.lis, s.monLis, s.mgmtLis} {
		if lis != nil {
			_ = lis.Close()
		}
	}
}

// acceptLoop accepts sessions on one listener. Connections on the main
// listener are wrapped in TLS with a deferred handshake; monitor
// connections stay plaintext.
func (s *COTServer) acceptLoop(lis net.Listener, monitor bool) {
	defer s.wg.Done()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		if !monitor && s.tlsCfg != nil {
			conn = tls.Server(conn, s.tlsCfg)
		}

		s.log.WithFields(logrus.Fields{
			"addr":    conn.RemoteAddr().String(),
			"monitor": monitor,
		}).Info("new client")

		client := newTAKClient(conn, s.router, s.cfg.COTServer.LogCOT, monitor)
		s.router.ClientConnect(client)
		go client.run()
	}
}

// pruneLoop ticks the rate-limited persistence prune, standing in for
// the original's once-per-loop-iteration call.
func (s *COTServer) pruneLoop() {
	defer s.wg.Done()

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-tick.C:
			s.router.Prune()
		}
	}
}

// buildTLSConfig loads the server certificate (optionally with an
// encrypted key) and the client CA material.
func buildTLSConfig(ssl *config.SSL, log *logrus.Entry) (*tls.Config, error) {
	cert, err := loadKeyPair(ssl.Cert, ssl.Key, ssl.KeyPw)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	if !ssl.ClientCertRequired {
		log.Info("clients will not need to present a certificate")
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if ssl.CA != "" {
		pool := x509.NewCertPool()
		caPEM, err := os.ReadFile(ssl.CA)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in %s", ssl.CA)
		}
		cfg.ClientCAs = pool
	}

	return cfg, nil
}

// loadKeyPair reads a PEM certificate and key, decrypting the key when a
// password is configured.
func loadKeyPair(certPath, keyPath, keyPw string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}

	if keyPw != "" {
		block, _ := pem.Decode(keyPEM)
		if block == nil {
			return tls.Certificate{}, fmt.Errorf("no PEM data in %s", keyPath)
		}
		if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy taky keys
			der, err := x509.DecryptPEMBlock(block, []byte(keyPw)) //nolint:staticcheck
			if err != nil {
				return tls.Certificate{}, err
			}
			keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
		}
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}

// checkStaleSocket guards against clobbering a live server: if the
// management socket path exists, a ping with a 1 second timeout decides
// whether a peer is alive (startup-fatal) or the socket is stale (unlink
// and proceed).
func checkStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		logrus.WithField("path", path).Info("removing stale management socket")
		return os.Remove(path)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(time.Second))
	if _, err = conn.Write(append([]byte(`{"cmd":"ping"}`), 0)); err == nil {
		if reply, err := readNullFramed(conn, mgmtMaxRequest); err == nil {
			var pong map[string]any
			if json.Unmarshal(reply, &pong) == nil {
				return fmt.Errorf("another taky instance is using %s", path)
			}
		}
	}

	logrus.WithField("path", path).Info("removing stale management socket")
	return os.Remove(path)
}
