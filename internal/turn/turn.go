package turn

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/turn/v3"
)

// Server wraps the embedded TURN relay. The core hands its credentials to
// browsers via /api/turn-config; actual NAT traversal stays in the browser
// transport stack.
type Server struct {
	server   *turn.Server
	username string
	password string
	logger   *slog.Logger
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func Initialize(port int, realm, publicIP string, logger *slog.Logger) (*Server, error) {
	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("turn udp listener: %w", err)
	}

	relayIP := net.ParseIP(publicIP)
	if relayIP == nil {
		relayIP = detectLocalIP()
	}

	creds := Credentials{Username: "talktime", Password: generatePassword()}

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       realm,
		AuthHandler: staticAuthHandler(creds.Username, realm, creds.Password),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("turn server: %w", err)
	}

	logger.Info("turn server listening", "port", port, "realm", realm, "relay_ip", relayIP.String())
	return &Server{server: s, username: creds.Username, password: creds.Password, logger: logger}, nil
}

func (s *Server) GetCredentials() Credentials {
	return Credentials{Username: s.username, Password: s.password}
}

func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func staticAuthHandler(expectedUsername, realm, password string) turn.AuthHandler {
	return func(username string, _ string, _ net.Addr) ([]byte, bool) {
		if username == expectedUsername {
			return turn.GenerateAuthKey(username, realm, password), true
		}
		return nil, false
	}
}

func generatePassword() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// detectLocalIP finds the outbound interface address as a relay fallback
// when no public IP is configured.
func detectLocalIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
