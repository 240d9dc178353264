package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/fystack/orion/pkg/logger"
	"github.com/fystack/orion/pkg/storage"
	"github.com/fystack/orion/pkg/trust"
)

const (
	// Environment constants
	Production  = "production"
	Development = "development"

	TLSModeStrict = "strict"
	TLSModeOff    = "off"

	PropagationSync  = "sync"
	PropagationAsync = "async"

	PinStoreFile   = "file"
	PinStoreConsul = "consul"

	RegistryNone   = "none"
	RegistryConsul = "consul"

	defaultNodeAddr             = ":8080"
	defaultNodeURL              = "https://localhost:8080"
	defaultClientAddr           = ":8888"
	defaultClientURL            = "http://localhost:8888"
	defaultWorkDir              = "."
	defaultStorage              = "badger:db"
	defaultBackupDir            = "backups"
	defaultBackupPeriodSeconds  = 300
	defaultStorageRetryAttempts = 3
	defaultTrustMode            = "tofu"
	defaultPropagationTimeout   = 30 * time.Second
	defaultPushAttempts         = 3
	defaultPushConcurrency      = 8
	defaultDiscoveryInterval    = 30 * time.Second
	defaultConsulKeyPrefix      = "orion"
	defaultNATsSubject          = "orion.propagation"

	EnvConfigFile = "ORION_CONFIG_FILE"
)

type Config struct {
	Consul *ConsulConfig `mapstructure:"consul"`
	NATs   *NATsConfig   `mapstructure:"nats"`

	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`

	// NodeURL is the address other nodes use to reach this node; NodeAddr is
	// the local listen address of the node API.
	NodeURL    string `mapstructure:"node_url"`
	NodeAddr   string `mapstructure:"node_addr"`
	ClientURL  string `mapstructure:"client_url"`
	ClientAddr string `mapstructure:"client_addr"`

	// Relative paths below are resolved against WorkDir.
	WorkDir      string   `mapstructure:"work_dir"`
	PublicKeys   []string `mapstructure:"public_keys"`
	PrivateKeys  []string `mapstructure:"private_keys"`
	Passwords    string   `mapstructure:"passwords"`
	OtherNodes   []string `mapstructure:"other_nodes"`
	AlwaysSendTo []string `mapstructure:"always_send_to"`

	// Storage configuration
	Storage              string          `mapstructure:"storage"`
	StorageRetryAttempts int             `mapstructure:"storage_retry_attempts"`
	BadgerPassword       string          `mapstructure:"badger_password"`
	Postgres             *PostgresConfig `mapstructure:"postgres"`

	BackupDir           string `mapstructure:"backup_dir"`
	BackupEnabled       bool   `mapstructure:"backup_enabled"`
	BackupPeriodSeconds int    `mapstructure:"backup_period_seconds"`

	TLS         *NodeTLSConfig     `mapstructure:"tls"`
	Propagation *PropagationConfig `mapstructure:"propagation"`
	Discovery   *DiscoveryConfig   `mapstructure:"discovery"`
}

type ConsulConfig struct {
	Address   string `mapstructure:"address"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Token     string `mapstructure:"token"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type NATsConfig struct {
	URL      string     `mapstructure:"url"`
	Username string     `mapstructure:"username"`
	Password string     `mapstructure:"password"`
	TLS      *TLSConfig `mapstructure:"tls"`
	// Subject receives one JSON propagation report per send.
	Subject string `mapstructure:"subject"`
}

type TLSConfig struct {
	ClientCert string `mapstructure:"client_cert"`
	ClientKey  string `mapstructure:"client_key"`
	CACert     string `mapstructure:"ca_cert"`
}

type PostgresConfig struct {
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// NodeTLSConfig covers the node-to-node channel. The server side decides
// which clients may connect; the client side decides which servers this
// node pushes to.
type NodeTLSConfig struct {
	Mode     string `mapstructure:"mode"`
	PinStore string `mapstructure:"pin_store"`

	ServerCert   string   `mapstructure:"server_cert"`
	ServerKey    string   `mapstructure:"server_key"`
	ServerTrust  string   `mapstructure:"server_trust"`
	ServerChain  []string `mapstructure:"server_chain"`
	KnownClients string   `mapstructure:"known_clients"`

	ClientCert   string   `mapstructure:"client_cert"`
	ClientKey    string   `mapstructure:"client_key"`
	ClientTrust  string   `mapstructure:"client_trust"`
	ClientChain  []string `mapstructure:"client_chain"`
	KnownServers string   `mapstructure:"known_servers"`
}

type PropagationConfig struct {
	Mode        string        `mapstructure:"mode"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Attempts    int           `mapstructure:"attempts"`
	Concurrency int           `mapstructure:"concurrency"`
}

type DiscoveryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Registry string        `mapstructure:"registry"`
}

var (
	app *Config
	mu  sync.RWMutex
)

func initConfig() error {
	// env
	viper.SetEnvPrefix("ORION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("environment", Development)
	viper.SetDefault("node_addr", defaultNodeAddr)
	viper.SetDefault("node_url", defaultNodeURL)
	viper.SetDefault("client_addr", defaultClientAddr)
	viper.SetDefault("client_url", defaultClientURL)
	viper.SetDefault("work_dir", defaultWorkDir)
	viper.SetDefault("storage", defaultStorage)
	viper.SetDefault("storage_retry_attempts", defaultStorageRetryAttempts)
	viper.SetDefault("backup_dir", defaultBackupDir)
	viper.SetDefault("backup_period_seconds", defaultBackupPeriodSeconds)
	viper.SetDefault("backup_enabled", false)
	viper.SetDefault("tls.mode", TLSModeStrict)
	viper.SetDefault("tls.pin_store", PinStoreFile)
	viper.SetDefault("tls.server_trust", defaultTrustMode)
	viper.SetDefault("tls.client_trust", defaultTrustMode)
	viper.SetDefault("propagation.mode", PropagationSync)
	viper.SetDefault("propagation.timeout", defaultPropagationTimeout)
	viper.SetDefault("discovery.enabled", true)
	viper.SetDefault("discovery.interval", defaultDiscoveryInterval)
	viper.SetDefault("discovery.registry", RegistryNone)

	// set env config file
	configFile := os.Getenv(EnvConfigFile)
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/orion/")
		viper.AddConfigPath("$HOME/.orion/")
	}

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("viper read config: %w", err)
	}

	return nil
}

func SetEnvConfigPath(configPath string) {
	if configPath != "" {
		os.Setenv(EnvConfigFile, configPath)
	}
}

func LoadConfig() (*Config, error) {
	cfg, err := decode(viper.AllSettings())
	if err != nil {
		return nil, err
	}
	setConfig(cfg)
	return cfg, nil
}

func decode(settings map[string]interface{}) (*Config, error) {
	var cfg Config
	decoderConfig := &mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func Load() (*Config, error) {
	if err := initConfig(); err != nil {
		return nil, err
	}
	return LoadConfig()
}

func validateEnvironment(environment string) error {
	validEnvironments := []string{Production, Development}

	if !slices.Contains(validEnvironments, environment) {
		return fmt.Errorf("invalid environment '%s'. Must be one of: %s", environment, strings.Join(validEnvironments, ", "))
	}
	return nil
}

func validateOneOf(field, value string, allowed ...string) error {
	if !slices.Contains(allowed, value) {
		return fmt.Errorf("invalid %s '%s'. Must be one of: %s", field, value, strings.Join(allowed, ", "))
	}
	return nil
}

func validate(cfg *Config) error {
	if err := validateEnvironment(cfg.Environment); err != nil {
		return err
	}
	if _, err := storage.ParseLocation(cfg.Storage); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if len(cfg.PublicKeys) != len(cfg.PrivateKeys) {
		return fmt.Errorf("public_keys has %d entries but private_keys has %d", len(cfg.PublicKeys), len(cfg.PrivateKeys))
	}
	if err := validateOneOf("tls.mode", cfg.TLS.Mode, TLSModeStrict, TLSModeOff); err != nil {
		return err
	}
	if err := validateOneOf("tls.pin_store", cfg.TLS.PinStore, PinStoreFile, PinStoreConsul); err != nil {
		return err
	}
	if _, err := trust.ParseMode(cfg.TLS.ServerTrust); err != nil {
		return fmt.Errorf("tls.server_trust: %w", err)
	}
	if _, err := trust.ParseMode(cfg.TLS.ClientTrust); err != nil {
		return fmt.Errorf("tls.client_trust: %w", err)
	}
	if err := validateOneOf("propagation.mode", cfg.Propagation.Mode, PropagationSync, PropagationAsync); err != nil {
		return err
	}
	if err := validateOneOf("discovery.registry", cfg.Discovery.Registry, RegistryNone, RegistryConsul); err != nil {
		return err
	}
	if (cfg.TLS.PinStore == PinStoreConsul || cfg.Discovery.Registry == RegistryConsul) && cfg.Consul == nil {
		return fmt.Errorf("consul section is required when consul is used for pins or discovery")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = Development
	}
	if cfg.NodeAddr == "" {
		cfg.NodeAddr = defaultNodeAddr
	}
	if cfg.NodeURL == "" {
		cfg.NodeURL = defaultNodeURL
	}
	if cfg.ClientAddr == "" {
		cfg.ClientAddr = defaultClientAddr
	}
	if cfg.ClientURL == "" {
		cfg.ClientURL = defaultClientURL
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = defaultWorkDir
	}
	if cfg.Storage == "" {
		cfg.Storage = defaultStorage
	}
	if cfg.StorageRetryAttempts == 0 {
		cfg.StorageRetryAttempts = defaultStorageRetryAttempts
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = defaultBackupDir
	}
	if cfg.BackupPeriodSeconds == 0 {
		cfg.BackupPeriodSeconds = defaultBackupPeriodSeconds
	}
	if cfg.Postgres == nil {
		cfg.Postgres = &PostgresConfig{}
	}

	if cfg.TLS == nil {
		cfg.TLS = &NodeTLSConfig{}
	}
	tls := cfg.TLS
	if tls.Mode == "" {
		tls.Mode = TLSModeStrict
	}
	if tls.PinStore == "" {
		tls.PinStore = PinStoreFile
	}
	if tls.ServerTrust == "" {
		tls.ServerTrust = defaultTrustMode
	}
	if tls.ClientTrust == "" {
		tls.ClientTrust = defaultTrustMode
	}
	if tls.ServerCert == "" {
		tls.ServerCert = filepath.Join("tls", "server-cert.pem")
	}
	if tls.ServerKey == "" {
		tls.ServerKey = filepath.Join("tls", "server-key.pem")
	}
	if tls.KnownClients == "" {
		tls.KnownClients = filepath.Join("tls", "known-clients")
	}
	if tls.ClientCert == "" {
		tls.ClientCert = filepath.Join("tls", "client-cert.pem")
	}
	if tls.ClientKey == "" {
		tls.ClientKey = filepath.Join("tls", "client-key.pem")
	}
	if tls.KnownServers == "" {
		tls.KnownServers = filepath.Join("tls", "known-servers")
	}

	if cfg.Propagation == nil {
		cfg.Propagation = &PropagationConfig{}
	}
	if cfg.Propagation.Mode == "" {
		cfg.Propagation.Mode = PropagationSync
	}
	if cfg.Propagation.Timeout == 0 {
		cfg.Propagation.Timeout = defaultPropagationTimeout
	}
	if cfg.Propagation.Attempts == 0 {
		cfg.Propagation.Attempts = defaultPushAttempts
	}
	if cfg.Propagation.Concurrency == 0 {
		cfg.Propagation.Concurrency = defaultPushConcurrency
	}

	if cfg.Discovery == nil {
		cfg.Discovery = &DiscoveryConfig{Enabled: true}
	}
	if cfg.Discovery.Interval == 0 {
		cfg.Discovery.Interval = defaultDiscoveryInterval
	}
	if cfg.Discovery.Registry == "" {
		cfg.Discovery.Registry = RegistryNone
	}

	if cfg.Consul != nil && cfg.Consul.KeyPrefix == "" {
		cfg.Consul.KeyPrefix = defaultConsulKeyPrefix
	}
	if cfg.NATs != nil && cfg.NATs.Subject == "" {
		cfg.NATs.Subject = defaultNATsSubject
	}
}

func setConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	app = cfg
}

// These helper functions centralize access to runtime configuration data.

// GetConfig returns the in-memory application configuration.
// It exits the process if the configuration has not been loaded yet.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if app == nil {
		logger.Fatal("configuration not loaded", nil)
	}
	return app
}

// Update applies the provided function while holding the configuration write lock.
// It panics if the configuration has not been loaded yet.
func Update(fn func(cfg *Config)) {
	mu.Lock()
	defer mu.Unlock()
	if app == nil {
		panic("configuration not loaded")
	}
	fn(app)
}

// ResolvePath resolves p against the configured work directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.WorkDir, p)
}

// StorageLocation parses the storage string. Badger directories are
// resolved against the work directory.
func (c *Config) StorageLocation() (storage.Location, error) {
	loc, err := storage.ParseLocation(c.Storage)
	if err != nil {
		return storage.Location{}, err
	}
	if loc.Backend == storage.BackendBadger {
		loc.Path = c.ResolvePath(loc.Path)
	}
	return loc, nil
}

func BadgerPassword() string {
	return GetConfig().BadgerPassword
}

func SetBadgerPassword(password string) {
	Update(func(cfg *Config) {
		cfg.BadgerPassword = password
	})
}

func NodeURL() string {
	return GetConfig().NodeURL
}

func OtherNodes() []string {
	return GetConfig().OtherNodes
}

func AlwaysSendTo() []string {
	return GetConfig().AlwaysSendTo
}

func BackupEnabled() bool {
	return GetConfig().BackupEnabled
}

func BackupPeriodSeconds() int {
	return GetConfig().BackupPeriodSeconds
}

func BackupDir() string {
	cfg := GetConfig()
	return cfg.ResolvePath(cfg.BackupDir)
}

func NATs() *NATsConfig {
	return GetConfig().NATs
}

func Environment() string {
	return GetConfig().Environment
}

func TLSEnabled() bool {
	return GetConfig().TLS.Mode != TLSModeOff
}

func IsProduction() bool {
	return strings.EqualFold(Environment(), Production)
}
