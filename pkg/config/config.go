package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sessamekesh/spanreed-frontend/pkg/cluster"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/client"
	"github.com/sessamekesh/spanreed-frontend/pkg/routing"
	"github.com/spf13/viper"
)

const EnvPrefix = "SPANREED"

type NodeConfig struct {
	ID         string `mapstructure:"id"`
	ServerType string `mapstructure:"server_type"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Frontend   bool   `mapstructure:"frontend"`
}

func (n NodeConfig) Node() cluster.Node {
	return cluster.Node{
		Id:         n.ID,
		ServerType: n.ServerType,
		Host:       n.Host,
		Port:       n.Port,
		Frontend:   n.Frontend,
	}
}

type Config struct {
	Node NodeConfig `mapstructure:"node"`

	Client struct {
		Transport           string   `mapstructure:"transport"`
		Host                string   `mapstructure:"host"`
		Port                int      `mapstructure:"port"`
		WsEndpoint          string   `mapstructure:"ws_endpoint"`
		AllowAllHosts       bool     `mapstructure:"allow_all_hosts"`
		AllowlistedHosts    []string `mapstructure:"allowlisted_hosts"`
		DenylistedHosts     []string `mapstructure:"denylisted_hosts"`
		MaxMessageSize      uint32   `mapstructure:"max_message_size"`
		OutgoingQueueLength uint32   `mapstructure:"outgoing_queue_length"`
	} `mapstructure:"client"`

	Cluster struct {
		Nodes []NodeConfig `mapstructure:"nodes"`
	} `mapstructure:"cluster"`

	Rpc struct {
		DialTimeout       time.Duration `mapstructure:"dial_timeout"`
		ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		QueueLength       uint32        `mapstructure:"queue_length"`
		MaxFrameSize      uint32        `mapstructure:"max_frame_size"`
	} `mapstructure:"rpc"`

	Routes struct {
		File     string   `mapstructure:"file"`
		Commands []string `mapstructure:"commands"`

		// Server types routed by uid hash instead of at random.
		Sticky []string `mapstructure:"sticky"`
	} `mapstructure:"routes"`

	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	Metrics struct {
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")
	v.SetDefault("node.server_type", "connector")
	v.SetDefault("node.host", "127.0.0.1")
	v.SetDefault("node.port", 3150)
	v.SetDefault("node.frontend", true)

	v.SetDefault("client.transport", string(client.TransportKind_Tcp))
	v.SetDefault("client.host", "0.0.0.0")
	v.SetDefault("client.port", 3010)
	v.SetDefault("client.ws_endpoint", "/ws")
	v.SetDefault("client.allow_all_hosts", false)
	v.SetDefault("client.max_message_size", 64*1024)
	v.SetDefault("client.outgoing_queue_length", 64)

	v.SetDefault("rpc.dial_timeout", 5*time.Second)
	v.SetDefault("rpc.reconnect_interval", 2*time.Second)
	v.SetDefault("rpc.heartbeat_interval", 10*time.Second)
	v.SetDefault("rpc.queue_length", 1024)
	v.SetDefault("rpc.max_frame_size", 1024*1024)

	v.SetDefault("routes.file", "")
	v.SetDefault("routes.commands", []string{})
	v.SetDefault("routes.sticky", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("metrics.listen_addr", "")
}

// LoadConfig reads the YAML file at path, if any, over the defaults. SPANREED_* environment
// variables override both, e.g. SPANREED_NODE_SERVER_TYPE for node.server_type. List keys
// take comma separated values (SPANREED_ROUTES_STICKY=chat,lobby); cluster.nodes can only
// be set from the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if c.Node.ID == "" {
		c.Node.ID = fmt.Sprintf("%s-%s", c.Node.ServerType, uuid.NewString())
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Node.ServerType == "" {
		return fmt.Errorf("node.server_type is required")
	}
	switch client.TransportKind(c.Client.Transport) {
	case client.TransportKind_Tcp, client.TransportKind_Websocket:
	default:
		return fmt.Errorf("client.transport must be %q or %q, got %q", client.TransportKind_Tcp, client.TransportKind_Websocket, c.Client.Transport)
	}
	if c.Client.Port <= 0 || c.Client.Port > 65535 {
		return fmt.Errorf("client.port out of range: %d", c.Client.Port)
	}
	for _, n := range c.Cluster.Nodes {
		if n.ID == "" || n.ServerType == "" {
			return fmt.Errorf("cluster.nodes entries need id and server_type")
		}
	}
	return nil
}

func (c *Config) Self() cluster.Node {
	self := c.Node.Node()
	self.Frontend = true
	return self
}

func (c *Config) TransportKind() client.TransportKind {
	return client.TransportKind(c.Client.Transport)
}

// ClusterNodes returns the configured cluster with this node included.
func (c *Config) ClusterNodes() []cluster.Node {
	nodes := []cluster.Node{c.Self()}
	for _, n := range c.Cluster.Nodes {
		if n.ID == c.Node.ID {
			continue
		}
		nodes = append(nodes, n.Node())
	}
	return nodes
}

// RouteTable loads routes.file when set, otherwise builds the table from routes.commands.
func (c *Config) RouteTable() (*routing.RouteTable, error) {
	if c.Routes.File != "" {
		return routing.LoadRouteTable(c.Routes.File)
	}
	return routing.NewRouteTable(c.Routes.Commands)
}
