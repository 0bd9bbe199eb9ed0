package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
	"gopkg.in/yaml.v3"
)

const configver = "1.0.0"

// DefaultDomain is a reserved private-use suffix (RFC 8375).
const DefaultDomain = "home.arpa."

// Config type
type Config struct {
	Version string `toml:"version" yaml:"version" json:"version"`

	// Network is the overlay network identifier served by this process.
	Network   string    `toml:"network" yaml:"network" json:"network"`
	Directory Directory `toml:"directory" yaml:"directory" json:"directory"`

	Domain     string   `toml:"domain" yaml:"domain" json:"domain"`
	Wildcard   bool     `toml:"wildcard" yaml:"wildcard" json:"wildcard"`
	TTL        uint32   `toml:"ttl" yaml:"ttl" json:"ttl"`
	Interval   Duration `toml:"interval" yaml:"interval" json:"interval"`
	Hostsfile  string   `toml:"hostsfile" yaml:"hostsfile" json:"hostsfile"`
	Nameserver string   `toml:"nameserver" yaml:"nameserver" json:"nameserver"`

	Bind           string   `toml:"bind" yaml:"bind" json:"bind"`
	BindTLS        string   `toml:"bindtls" yaml:"bindtls" json:"bindtls"`
	BindDOQ        string   `toml:"binddoq" yaml:"binddoq" json:"binddoq"`
	BindDOH        string   `toml:"binddoh" yaml:"binddoh" json:"binddoh"`
	TLSCertificate string   `toml:"tlscertificate" yaml:"tlscertificate" json:"tlscertificate"`
	TLSPrivateKey  string   `toml:"tlsprivatekey" yaml:"tlsprivatekey" json:"tlsprivatekey"`
	Advertise      []string `toml:"advertise" yaml:"advertise" json:"advertise"`

	Forwarders   []string `toml:"forwarders" yaml:"forwarders" json:"forwarders"`
	ResolvConf   string   `toml:"resolvconf" yaml:"resolvconf" json:"resolvconf"`
	Timeout      Duration `toml:"timeout" yaml:"timeout" json:"timeout"`
	QueryTimeout Duration `toml:"querytimeout" yaml:"querytimeout" json:"querytimeout"`

	AccessList      []string `toml:"accesslist" yaml:"accesslist" json:"accesslist"`
	ClientRateLimit int      `toml:"clientratelimit" yaml:"clientratelimit" json:"clientratelimit"`
	AccessLog       string   `toml:"accesslog" yaml:"accesslog" json:"accesslog"`
	API             string   `toml:"api" yaml:"api" json:"api"`
	LogLevel        string   `toml:"loglevel" yaml:"loglevel" json:"loglevel"`

	sVersion string
}

// Directory holds the membership source settings.
type Directory struct {
	// Kind is "central" or "kubernetes".
	Kind      string `toml:"kind" yaml:"kind" json:"kind"`
	URL       string `toml:"url" yaml:"url" json:"url"`
	Token     string `toml:"token" yaml:"token" json:"token"`
	TokenFile string `toml:"tokenfile" yaml:"tokenfile" json:"tokenfile"`

	Kubeconfig string `toml:"kubeconfig" yaml:"kubeconfig" json:"kubeconfig"`
	Namespace  string `toml:"namespace" yaml:"namespace" json:"namespace"`
	Selector   string `toml:"selector" yaml:"selector" json:"selector"`
}

// ServerVersion return current server version
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText for duration type
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Overlay network identifier, can be overridden by the start command argument
network = ""

# Authoritative top level domain for overlay members
domain = "home.arpa."

# Register *.<label> records for every top level label in the zone
wildcard = false

# TTL of served records in seconds
ttl = 60

# How often the member roster is synchronized
interval = "30s"

# Static hosts file merged into the zone, entries override member records, left blank for disabled
hostsfile = ""

# Name announced in the NS and SOA records of the zone, left blank for the zone apex
nameserver = ""

# Address to bind to for the DNS server
bind = ":53"

# Address to bind to for the DNS-over-TLS server
# bindtls = ":853"

# Address to bind to for the DNS-over-QUIC server
# binddoq = ":853"

# Address to bind to for the DNS-over-HTTPS server
# binddoh = ":8053"

# TLS certificate file
# tlscertificate = "server.crt"

# TLS private key file
# tlsprivatekey = "server.key"

# Addresses pushed to the directory as the resolvers of the network.
# Left blank, the bind address is used when it is not a wildcard address.
advertise = [
]

# Upstream resolvers for names outside the domain, "host:port" or "tcp://host:port".
# Left blank, the nameservers of resolvconf are used.
forwarders = [
]

# Resolver configuration file used when forwarders is empty
resolvconf = "/etc/resolv.conf"

# Timeout for each upstream resolver
timeout = "2s"

# Maximum time spent on a single query
querytimeout = "5s"

# Which clients allowed to make queries
accesslist = [
"0.0.0.0/0",
"::0/0"
]

# Client ip address based ratelimit per minute, 0 for disabled
clientratelimit = 0

# The location of access log file, left blank for disabled.
# accesslog = ""

# Address to bind to for the http API server, left blank for disabled
api = "127.0.0.1:8080"

# What kind of information should be logged, Log verbosity level [debug,info,warn,error]
loglevel = "info"

[directory]
# Membership source: "central" or "kubernetes"
kind = "central"

# Base URL of the central API
url = "https://my.zerotier.com/api/v1"

# API token, or a file containing it. The MESHNS_TOKEN environment variable is used when both are empty.
# token = ""
# tokenfile = ""

# Kubernetes settings, used when kind is "kubernetes"
# kubeconfig = ""
# namespace = "default"
# selector = "meshns.io/member=true"
`

// Load loads the given config file
func Load(cfgfile, version string) (*Config, error) {
	config := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if path.Base(cfgfile) == "meshns.conf" {
			if err := generateConfig(cfgfile); err != nil {
				return nil, err
			}
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	if err := decode(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	config.sVersion = version
	config.setDefaults()

	return config, nil
}

func decode(cfgfile string, config *Config) error {
	switch strings.ToLower(filepath.Ext(cfgfile)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(cfgfile)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(data, config)
	case ".json":
		data, err := os.ReadFile(cfgfile)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, config)
	default:
		_, err := toml.DecodeFile(cfgfile, config)
		return err
	}
}

func (c *Config) setDefaults() {
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}

	if c.TTL == 0 {
		c.TTL = 60
	}

	if c.Interval.Duration <= 0 {
		c.Interval.Duration = 30 * time.Second
	}

	if c.Bind == "" {
		c.Bind = ":53"
	}

	if c.ResolvConf == "" {
		c.ResolvConf = "/etc/resolv.conf"
	}

	if c.Timeout.Duration <= 0 {
		c.Timeout.Duration = 2 * time.Second
	}

	if c.QueryTimeout.Duration <= 0 {
		c.QueryTimeout.Duration = 5 * time.Second
	}

	if c.Directory.Kind == "" {
		c.Directory.Kind = "central"
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}
