package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	// defaults for when not provided in Config
	EventChannelLength  uint16        = 1024
	ListenPort          uint16        = 5209
	TcpDialTimeout      time.Duration = time.Second * 3
	TcpWriteTimeout     time.Duration = time.Second * 3
	TcpHandshakeTimeout time.Duration = time.Second * 3
	TcpFrameReadTimeout time.Duration = time.Second * 5
	TcpAcceptRetryDelay time.Duration = time.Second
	UnboundWait         time.Duration = time.Second
	WatchDebounce       time.Duration = time.Millisecond * 500
	DecodeWorkers       uint16        = 4
	BroadcastFanout     uint16        = 16
	PublishConcurrency  uint16        = 8
	MaxHandshakes       uint16        = 64
	MaxRegistered       uint16        = 64
	MaxPayloadLen       uint32        = 16384 // 16 KB
)

// AnyAddress is the listen ip sentinel for binding every local interface.
const AnyAddress = "null"

var validate = validator.New()

type Listen struct {
	IP   string `yaml:"ip"`
	Port uint16 `yaml:"port"`
}

type PeerAddress struct {
	IP   string `yaml:"ip" validate:"required,ip|hostname"`
	Port uint16 `yaml:"port" validate:"required"`
}

// Config describes one relay node. Zero valued tuning fields fall back to the
// package defaults; durations are expressed in milliseconds.
type Config struct {
	Name   string                 `yaml:"name"`
	Listen Listen                 `yaml:"listen"`
	Peers  map[string]PeerAddress `yaml:"peers"`

	EventChannelLength  uint16 `yaml:"event-channel-length,omitempty"`
	TcpDialTimeout      uint16 `yaml:"tcp-dial-timeout,omitempty"`
	TcpWriteTimeout     uint16 `yaml:"tcp-write-timeout,omitempty"`
	TcpHandshakeTimeout uint16 `yaml:"tcp-handshake-timeout,omitempty"`
	TcpFrameReadTimeout uint16 `yaml:"tcp-frame-read-timeout,omitempty"`
	TcpAcceptRetryDelay uint16 `yaml:"tcp-accept-retry-delay,omitempty"`
	UnboundWait         uint16 `yaml:"unbound-wait,omitempty"`
	WatchDebounce       uint16 `yaml:"watch-debounce,omitempty"`
	DecodeWorkers       uint16 `yaml:"decode-workers,omitempty"`
	BroadcastFanout     uint16 `yaml:"broadcast-fanout,omitempty"`
	PublishConcurrency  uint16 `yaml:"publish-concurrency,omitempty"`
	MaxHandshakes       uint16 `yaml:"max-handshakes,omitempty"`
	MaxRegistered       uint16 `yaml:"max-registered,omitempty"`
	MaxPayloadLen       uint32 `yaml:"max-payload-len,omitempty"`

	LogPrefix string `yaml:"log-prefix,omitempty"`
	LogDebug  bool   `yaml:"log-debug,omitempty"`
}

func (c *Config) Validate() error {
	log := zap.S()

	if c == nil {
		err := fmt.Errorf("nil config")
		log.Warnf("%s", err.Error())
		return err
	}

	if c.Name == "" {
		err := fmt.Errorf("invalid Name=%s", c.Name)
		log.Warnf("%s", err.Error())
		return err
	}

	if !c.Listen.AnyAddress() {
		err := validate.Var(c.Listen.IP, "ip|hostname")
		if err != nil {
			err = fmt.Errorf("invalid Listen.IP=%s, err=%w", c.Listen.IP, err)
			log.Warnf("%s", err.Error())
			return err
		}
	}

	for name, peer := range c.Peers {
		if name == "" {
			err := fmt.Errorf("empty peer name, invalid Peers=%+v", c.Peers)
			log.Warnf("%s", err.Error())
			return err
		}

		err := validate.Struct(peer)
		if err != nil {
			err = fmt.Errorf("invalid peer %s=%+v, err=%w", name, peer, err)
			log.Warnf("%s", err.Error())
			return err
		}
	}

	if c.MaxPayloadLen != 0 && c.MaxPayloadLen < 64 {
		err := fmt.Errorf("invalid MaxPayloadLen=%d", c.MaxPayloadLen)
		log.Warnf("%s", err.Error())
		return err
	}

	return nil
}

// AnyAddress reports whether the listener should bind every local interface.
func (l Listen) AnyAddress() bool {
	return l.IP == "" || l.IP == AnyAddress
}

// Address returns the bind address. A zero port means ListenPort.
func (l Listen) Address() string {
	host := l.IP
	if l.AnyAddress() {
		host = ""
	}
	port := l.Port
	if port == 0 {
		port = ListenPort
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

func (c *Config) Prefix() string {
	if c.LogPrefix == "" {
		return c.Name
	}
	return c.LogPrefix
}

func millis(v uint16, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return time.Millisecond * time.Duration(v)
}

func count(v uint16, def uint16) int {
	if v == 0 {
		return int(def)
	}
	return int(v)
}

func (c *Config) DialTimeout() time.Duration {
	return millis(c.TcpDialTimeout, TcpDialTimeout)
}

func (c *Config) WriteTimeout() time.Duration {
	return millis(c.TcpWriteTimeout, TcpWriteTimeout)
}

func (c *Config) HandshakeTimeout() time.Duration {
	return millis(c.TcpHandshakeTimeout, TcpHandshakeTimeout)
}

func (c *Config) FrameReadTimeout() time.Duration {
	return millis(c.TcpFrameReadTimeout, TcpFrameReadTimeout)
}

func (c *Config) AcceptRetryDelay() time.Duration {
	return millis(c.TcpAcceptRetryDelay, TcpAcceptRetryDelay)
}

func (c *Config) UnboundWaitDelay() time.Duration {
	return millis(c.UnboundWait, UnboundWait)
}

func (c *Config) WatchDebounceDelay() time.Duration {
	return millis(c.WatchDebounce, WatchDebounce)
}

func (c *Config) EventChannelCapacity() uint16 {
	return uint16(count(c.EventChannelLength, EventChannelLength))
}

func (c *Config) DecodeWorkerCount() int {
	return count(c.DecodeWorkers, DecodeWorkers)
}

func (c *Config) BroadcastFanoutLimit() int {
	return count(c.BroadcastFanout, BroadcastFanout)
}

// PublishConcurrencyLimit caps background broadcasts; Publish blocks beyond it.
func (c *Config) PublishConcurrencyLimit() int {
	return count(c.PublishConcurrency, PublishConcurrency)
}

func (c *Config) MaxHandshakeCount() int {
	return count(c.MaxHandshakes, MaxHandshakes)
}

func (c *Config) MaxRegisteredCount() int {
	return count(c.MaxRegistered, MaxRegistered)
}

func (c *Config) PayloadLimit() uint32 {
	if c.MaxPayloadLen == 0 {
		return MaxPayloadLen
	}
	return c.MaxPayloadLen
}
