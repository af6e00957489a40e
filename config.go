package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"contractd/coordinator"
)

const (
	transportLibp2p   = "libp2p"
	transportPostgres = "postgres"
	transportEtcd     = "etcd"
	transportUDP      = "udp"

	storeNone     = "none"
	storeEtcd     = "etcd"
	storeDynamoDB = "dynamodb"
)

type config struct {
	command    string
	configFile string

	Account        string        `mapstructure:"account"`
	NodeName       string        `mapstructure:"nodeName"`
	APIURL         string        `mapstructure:"apiUrl"`
	ListenAddress  string        `mapstructure:"listen"`
	LogLevel       string        `mapstructure:"logLevel"`
	LogFormat      string        `mapstructure:"logFormat"`
	StatusInterval time.Duration `mapstructure:"statusInterval"`

	Transport   transportConfig   `mapstructure:"transport"`
	Store       storeConfig       `mapstructure:"store"`
	Etcd        etcdConfig        `mapstructure:"etcd"`
	Storage     storageConfig     `mapstructure:"storage"`
	Coordinator coordinatorConfig `mapstructure:"coordinator"`
}

type transportConfig struct {
	Kind     string         `mapstructure:"kind"`
	Libp2p   libp2pConfig   `mapstructure:"libp2p"`
	Postgres postgresConfig `mapstructure:"postgres"`
	Etcd     etcdBusConfig  `mapstructure:"etcd"`
	UDP      udpConfig      `mapstructure:"udp"`
}

type libp2pConfig struct {
	ListenAddrs    []string `mapstructure:"listenAddrs"`
	BootstrapPeers []string `mapstructure:"bootstrapPeers"`
	MDNS           bool     `mapstructure:"mdns"`
	DHT            bool     `mapstructure:"dht"`
}

type postgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type etcdBusConfig struct {
	MessageTTL time.Duration `mapstructure:"messageTtl"`
}

type udpConfig struct {
	Listen string   `mapstructure:"listen"`
	Port   int      `mapstructure:"port"`
	Peers  []string `mapstructure:"peers"`
}

type storeConfig struct {
	Kind string `mapstructure:"kind"`
}

// etcdConfig is shared by the etcd transport and the etcd status store.
type etcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
}

type storageConfig struct {
	AutoClaim         bool     `mapstructure:"autoClaim"`
	ReleaseOnShutdown bool     `mapstructure:"releaseOnShutdown"`
	Contracts         []string `mapstructure:"contracts"`
}

type coordinatorConfig struct {
	BeaconInterval  time.Duration `mapstructure:"beaconInterval"`
	FreshnessWindow time.Duration `mapstructure:"freshnessWindow"`
	ClaimTimeout    time.Duration `mapstructure:"claimTimeout"`
	PeerTimeout     time.Duration `mapstructure:"peerTimeout"`
	DecisionDelay   time.Duration `mapstructure:"decisionDelay"`
	DecisionJitter  time.Duration `mapstructure:"decisionJitter"`
}

func (c coordinatorConfig) toCoordinator() coordinator.Config {
	return coordinator.Config{
		BeaconInterval:  c.BeaconInterval,
		FreshnessWindow: c.FreshnessWindow,
		ClaimTimeout:    c.ClaimTimeout,
		PeerTimeout:     c.PeerTimeout,
		DecisionDelay:   c.DecisionDelay,
		DecisionJitter:  c.DecisionJitter,
	}
}

// parseFlags reads the command line, loads the config file and
// environment, and lets explicitly set flags win over both.
func parseFlags(args []string, stderr io.Writer) (config, error) {
	fs := flag.NewFlagSet("contractd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configFile := fs.String("config", "", "Path to a YAML config file")
	account := fs.String("account", "", "Account whose instances form the cluster")
	nodeName := fs.String("node-name", "", "Name of this node (defaults to hostname)")
	listen := fs.String("listen", "", "Address for the HTTP API to listen on")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	transportKind := fs.String("transport", "", "Transport kind (libp2p, postgres, etcd, udp)")
	storeKind := fs.String("store", "", "Status store kind (none, etcd, dynamodb)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: contractd [options] [command]\n")
		fmt.Fprintln(stderr, "Commands:")
		fmt.Fprintln(stderr, "  daemon      Run the contract coordinator (default)")
		fmt.Fprintln(stderr, "  status      Print a summary of every node's last reported status")
		fmt.Fprintln(stderr, "  init-table  Create the DynamoDB status table")
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	conf, err := loadConfig(*configFile)
	if err != nil {
		return config{}, err
	}
	conf.configFile = *configFile

	conf.command = fs.Arg(0)
	if conf.command == "" {
		conf.command = "daemon"
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "account":
			conf.Account = *account
		case "node-name":
			conf.NodeName = *nodeName
		case "listen":
			conf.ListenAddress = *listen
		case "log-level":
			conf.LogLevel = *logLevel
		case "transport":
			conf.Transport.Kind = *transportKind
		case "store":
			conf.Store.Kind = *storeKind
		}
	})

	if conf.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return config{}, fmt.Errorf("failed to get hostname: %w", err)
		}
		conf.NodeName = hostname
	}

	if err := conf.validate(); err != nil {
		return config{}, err
	}
	return conf, nil
}

func setDefaults(v *viper.Viper) {
	defaults := coordinator.DefaultConfig()

	v.SetDefault("account", "")
	v.SetDefault("nodeName", "")
	v.SetDefault("apiUrl", "")
	v.SetDefault("listen", ":8080")
	v.SetDefault("logLevel", "info")
	v.SetDefault("logFormat", "json")
	v.SetDefault("statusInterval", 10*time.Second)

	v.SetDefault("transport.kind", transportLibp2p)
	v.SetDefault("transport.libp2p.listenAddrs", []string{"/ip4/0.0.0.0/tcp/4011"})
	v.SetDefault("transport.libp2p.bootstrapPeers", []string{})
	v.SetDefault("transport.libp2p.mdns", true)
	v.SetDefault("transport.libp2p.dht", true)
	v.SetDefault("transport.postgres.dsn", "postgres://postgres@127.0.0.1:5432/?sslmode=disable")
	v.SetDefault("transport.etcd.messageTtl", 30*time.Second)
	v.SetDefault("transport.udp.listen", ":4012")
	v.SetDefault("transport.udp.port", 4012)
	v.SetDefault("transport.udp.peers", []string{})

	v.SetDefault("store.kind", storeNone)

	v.SetDefault("etcd.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("etcd.dialTimeout", 5*time.Second)

	v.SetDefault("storage.autoClaim", true)
	v.SetDefault("storage.releaseOnShutdown", true)
	v.SetDefault("storage.contracts", []string{})

	v.SetDefault("coordinator.beaconInterval", defaults.BeaconInterval)
	v.SetDefault("coordinator.freshnessWindow", defaults.FreshnessWindow)
	v.SetDefault("coordinator.claimTimeout", defaults.ClaimTimeout)
	v.SetDefault("coordinator.peerTimeout", defaults.PeerTimeout)
	v.SetDefault("coordinator.decisionDelay", defaults.DecisionDelay)
	v.SetDefault("coordinator.decisionJitter", defaults.DecisionJitter)
}

// loadConfig reads cfgFile, or contractd.yaml from the usual places when
// cfgFile is empty, overlaid with CONTRACTD_* environment variables.
func loadConfig(cfgFile string) (config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("contractd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/contractd")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CONTRACTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var conf config
	if err := v.Unmarshal(&conf); err != nil {
		return config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return conf, nil
}

func (c config) validate() error {
	if c.Account == "" {
		return fmt.Errorf("account must be specified with -account or in the config file")
	}

	switch c.Transport.Kind {
	case transportLibp2p, transportPostgres, transportEtcd, transportUDP:
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}

	switch c.Store.Kind {
	case storeNone, storeEtcd, storeDynamoDB:
	default:
		return fmt.Errorf("unknown status store kind %q", c.Store.Kind)
	}

	if c.StatusInterval <= 0 {
		return fmt.Errorf("status interval must be greater than zero")
	}

	if err := c.Coordinator.toCoordinator().Validate(); err != nil {
		return fmt.Errorf("invalid coordinator timings: %w", err)
	}
	return nil
}

// usesEtcd reports whether any component needs an etcd client.
func (c config) usesEtcd() bool {
	return c.Transport.Kind == transportEtcd || c.Store.Kind == storeEtcd
}
