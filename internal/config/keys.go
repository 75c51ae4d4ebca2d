package config

import "github.com/kstaniek/gnss-bridge/internal/ntrip"

// Kind is the value type of a key.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
	KindColor
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindColor:
		return "color"
	}
	return "unknown"
}

// Key describes one setting.
type Key struct {
	Name    string
	Kind    Kind
	Default any
}

func (k Key) accepts(v any) bool {
	switch k.Kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindInt, KindColor:
		switch v.(type) {
		case int, int64, uint32, uint64:
			return true
		}
	}
	return false
}

// DefaultColor is the indicator color used when none is configured.
const DefaultColor = 0x00000055

// Key names.
const (
	NTRIPClientActive     = "ntrip_client.active"
	NTRIPClientHost       = "ntrip_client.host"
	NTRIPClientPort       = "ntrip_client.port"
	NTRIPClientMountpoint = "ntrip_client.mountpoint"
	NTRIPClientUsername   = "ntrip_client.username"
	NTRIPClientPassword   = "ntrip_client.password"
	NTRIPClientColor      = "ntrip_client.color"

	NTRIPServerActive     = "ntrip_server.active"
	NTRIPServerHost       = "ntrip_server.host"
	NTRIPServerPort       = "ntrip_server.port"
	NTRIPServerMountpoint = "ntrip_server.mountpoint"
	NTRIPServerPassword   = "ntrip_server.password"
	NTRIPServerColor      = "ntrip_server.color"

	NTRIPCasterActive     = "ntrip_caster.active"
	NTRIPCasterPort       = "ntrip_caster.port"
	NTRIPCasterMountpoint = "ntrip_caster.mountpoint"
	NTRIPCasterUsername   = "ntrip_caster.username"
	NTRIPCasterPassword   = "ntrip_caster.password"
	NTRIPCasterColor      = "ntrip_caster.color"

	SocketServerActive  = "socket_server.active"
	SocketServerTCPPort = "socket_server.tcp_port"
	SocketServerUDPPort = "socket_server.udp_port"
	SocketServerColor   = "socket_server.color"

	SocketClientActive         = "socket_client.active"
	SocketClientHost           = "socket_client.host"
	SocketClientPort           = "socket_client.port"
	SocketClientTCPOrUDP       = "socket_client.tcp_or_udp"
	SocketClientConnectMessage = "socket_client.connect_message"
	SocketClientColor          = "socket_client.color"

	UARTLogForward = "uart.log_forward"
)

var keyTable = []Key{
	{NTRIPClientActive, KindBool, false},
	{NTRIPClientHost, KindString, ""},
	{NTRIPClientPort, KindInt, ntrip.DefaultPort},
	{NTRIPClientMountpoint, KindString, ntrip.DefaultMountpoint},
	{NTRIPClientUsername, KindString, ""},
	{NTRIPClientPassword, KindString, ""},
	{NTRIPClientColor, KindColor, DefaultColor},

	{NTRIPServerActive, KindBool, false},
	{NTRIPServerHost, KindString, ""},
	{NTRIPServerPort, KindInt, ntrip.DefaultPort},
	{NTRIPServerMountpoint, KindString, ntrip.DefaultMountpoint},
	{NTRIPServerPassword, KindString, ""},
	{NTRIPServerColor, KindColor, DefaultColor},

	{NTRIPCasterActive, KindBool, false},
	{NTRIPCasterPort, KindInt, ntrip.DefaultPort},
	{NTRIPCasterMountpoint, KindString, ntrip.DefaultMountpoint},
	{NTRIPCasterUsername, KindString, ""},
	{NTRIPCasterPassword, KindString, ""},
	{NTRIPCasterColor, KindColor, DefaultColor},

	{SocketServerActive, KindBool, false},
	{SocketServerTCPPort, KindInt, 23},
	{SocketServerUDPPort, KindInt, 23},
	{SocketServerColor, KindColor, DefaultColor},

	{SocketClientActive, KindBool, false},
	{SocketClientHost, KindString, ""},
	{SocketClientPort, KindInt, 23},
	{SocketClientTCPOrUDP, KindBool, true},
	{SocketClientConnectMessage, KindString, "\n"},
	{SocketClientColor, KindColor, DefaultColor},

	{UARTLogForward, KindBool, false},
}

var keyIndex = func() map[string]Key {
	m := make(map[string]Key, len(keyTable))
	for _, k := range keyTable {
		m[k.Name] = k
	}
	return m
}()

func lookup(name string) (Key, bool) {
	k, ok := keyIndex[name]
	return k, ok
}

// Keys lists every known key in declaration order.
func Keys() []Key { return append([]Key(nil), keyTable...) }
