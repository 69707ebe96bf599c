package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs an in-process NATS server for single-node deployments
// that have no broker of their own.
type EmbeddedServer struct {
	server *server.Server
}

// StartEmbeddedServer starts a server on host:port. Port -1 picks a free port.
func StartEmbeddedServer(host string, port int) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "threat-guard",
		Host:       host,
		Port:       port,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within timeout")
	}

	return &EmbeddedServer{server: ns}, nil
}

func (s *EmbeddedServer) ClientURL() string {
	return s.server.ClientURL()
}

// Port returns the port the server listens on, useful when it was started
// with -1.
func (s *EmbeddedServer) Port() int {
	if addr, ok := s.server.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (s *EmbeddedServer) Shutdown() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
