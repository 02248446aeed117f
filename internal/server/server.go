package server

import (
	"crypto/tls"
	"net"
	"time"

	"blitiri.com.ar/go/log"

	"kannader.org/kannader/internal/maillog"
	"kannader.org/kannader/internal/policy"
	"kannader.org/kannader/internal/queue"
)

// SocketMode tells a listener whether it speaks TLS from the first byte
// (e.g. the legacy SMTPS submission port) or starts in the clear and
// upgrades via STARTTLS.
type SocketMode struct {
	// TLS means the listener wraps every accepted connection in TLS
	// before Conn ever sees it (port 465-style). Otherwise, the
	// connection starts in the clear and may upgrade via STARTTLS.
	TLS bool
}

var (
	ModePlain       = SocketMode{TLS: false}
	ModeImplicitTLS = SocketMode{TLS: true}
)

// Server listens on one or more addresses and hands accepted connections
// to Conn.Handle, using a shared policy.Pool and queue.Queue.
type Server struct {
	Hostname    string
	MaxDataSize int64

	TLSConfig *tls.Config

	HAProxyEnabled bool

	CommandTimeout time.Duration

	Policies *policy.Pool
	Queue    *queue.Queue

	addrs     map[SocketMode][]string
	listeners map[SocketMode][]net.Listener
}

// NewServer returns an empty Server with chasquid's usual defaults.
func NewServer() *Server {
	return &Server{
		CommandTimeout: 1 * time.Minute,
		TLSConfig:      &tls.Config{SessionTicketsDisabled: true},
		addrs:          map[SocketMode][]string{},
		listeners:      map[SocketMode][]net.Listener{},
	}
}

// AddCerts loads a certificate/key pair to serve TLS connections with.
func (s *Server) AddCerts(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}
	s.TLSConfig.Certificates = append(s.TLSConfig.Certificates, cert)
	return nil
}

// AddAddr registers an address for the server to listen on once
// ListenAndServe is called.
func (s *Server) AddAddr(addr string, mode SocketMode) {
	s.addrs[mode] = append(s.addrs[mode], addr)
}

// AddListeners registers already-open listeners (e.g. handed down via
// systemd socket activation) for the server to serve on.
func (s *Server) AddListeners(ls []net.Listener, mode SocketMode) {
	s.listeners[mode] = append(s.listeners[mode], ls...)
}

// ListenAndServe opens every registered address, serves every registered
// listener, and never returns.
func (s *Server) ListenAndServe() {
	if len(s.TLSConfig.Certificates) == 0 {
		log.Fatalf("At least one TLS certificate is needed")
	}

	for mode, addrs := range s.addrs {
		for _, addr := range addrs {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				log.Fatalf("Error listening on %s: %v", addr, err)
			}
			log.Infof("Server listening on %s (tls=%v)", addr, mode.TLS)
			maillog.Listening(addr)
			go s.serve(l, mode)
		}
	}

	for mode, ls := range s.listeners {
		for _, l := range ls {
			log.Infof("Server listening on %s (tls=%v, via systemd)", l.Addr(), mode.TLS)
			maillog.Listening(l.Addr().String())
			go s.serve(l, mode)
		}
	}

	for {
		time.Sleep(24 * time.Hour)
	}
}

func (s *Server) serve(l net.Listener, mode SocketMode) {
	if mode.TLS {
		l = tls.NewListener(l, s.TLSConfig)
	}

	for {
		nc, err := l.Accept()
		if err != nil {
			log.Fatalf("Error accepting on %s: %v", l.Addr(), err)
		}

		c := New(nc, s.Hostname, s.Policies, s.Queue, s.TLSConfig,
			s.CommandTimeout, s.MaxDataSize, s.HAProxyEnabled)
		go c.Handle()
	}
}
