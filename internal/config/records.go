package config

import "github.com/kstaniek/gnss-bridge/internal/logging"

// Records are read once at the top of every connect cycle, so edits to the
// file take effect on the next reconnect.

type NTRIPClient struct {
	Active     bool
	Host       string
	Port       int
	Mountpoint string
	Username   string
	Password   string
	Color      uint32
}

type NTRIPServer struct {
	Active     bool
	Host       string
	Port       int
	Mountpoint string
	Password   string
	Color      uint32
}

type NTRIPCaster struct {
	Active     bool
	Port       int
	Mountpoint string
	Username   string
	Password   string
	Color      uint32
}

type SocketServer struct {
	Active  bool
	TCPPort int
	UDPPort int
	Color   uint32
}

type SocketClient struct {
	Active         bool
	Host           string
	Port           int
	TCP            bool
	ConnectMessage string
	Color          uint32
}

// refresh picks up file edits; a broken file keeps the previous values.
func (s *Store) refresh() {
	if _, err := s.Reload(); err != nil {
		logging.L().Warn("config_reload_failed", "path", s.path, "error", err)
	}
}

func (s *Store) NTRIPClient() NTRIPClient {
	s.refresh()
	return NTRIPClient{
		Active:     s.GetBool(NTRIPClientActive),
		Host:       s.GetString(NTRIPClientHost),
		Port:       s.GetInt(NTRIPClientPort),
		Mountpoint: s.GetString(NTRIPClientMountpoint),
		Username:   s.GetString(NTRIPClientUsername),
		Password:   s.GetString(NTRIPClientPassword),
		Color:      s.GetColor(NTRIPClientColor),
	}
}

func (s *Store) NTRIPServer() NTRIPServer {
	s.refresh()
	return NTRIPServer{
		Active:     s.GetBool(NTRIPServerActive),
		Host:       s.GetString(NTRIPServerHost),
		Port:       s.GetInt(NTRIPServerPort),
		Mountpoint: s.GetString(NTRIPServerMountpoint),
		Password:   s.GetString(NTRIPServerPassword),
		Color:      s.GetColor(NTRIPServerColor),
	}
}

func (s *Store) NTRIPCaster() NTRIPCaster {
	s.refresh()
	return NTRIPCaster{
		Active:     s.GetBool(NTRIPCasterActive),
		Port:       s.GetInt(NTRIPCasterPort),
		Mountpoint: s.GetString(NTRIPCasterMountpoint),
		Username:   s.GetString(NTRIPCasterUsername),
		Password:   s.GetString(NTRIPCasterPassword),
		Color:      s.GetColor(NTRIPCasterColor),
	}
}

func (s *Store) SocketServer() SocketServer {
	s.refresh()
	return SocketServer{
		Active:  s.GetBool(SocketServerActive),
		TCPPort: s.GetInt(SocketServerTCPPort),
		UDPPort: s.GetInt(SocketServerUDPPort),
		Color:   s.GetColor(SocketServerColor),
	}
}

func (s *Store) SocketClient() SocketClient {
	s.refresh()
	return SocketClient{
		Active:         s.GetBool(SocketClientActive),
		Host:           s.GetString(SocketClientHost),
		Port:           s.GetInt(SocketClientPort),
		TCP:            s.GetBool(SocketClientTCPOrUDP),
		ConnectMessage: s.GetString(SocketClientConnectMessage),
		Color:          s.GetColor(SocketClientColor),
	}
}

// LogForward reports whether log records are mirrored onto the serial link.
func (s *Store) LogForward() bool { return s.GetBool(UARTLogForward) }
