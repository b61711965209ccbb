package config

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the top-level configuration structure.
type Config struct {
	Global     GlobalConfig      `yaml:"global"     mapstructure:"global"`
	Interfaces []InterfaceConfig `yaml:"interfaces" mapstructure:"interfaces"`
	Services   []ServiceConfig   `yaml:"services"   mapstructure:"services"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel       string    `yaml:"log_level"       mapstructure:"log_level"`
	AdminListen    string    `yaml:"admin_listen"    mapstructure:"admin_listen"`
	TickInterval   string    `yaml:"tick_interval"   mapstructure:"tick_interval"`
	SessionTimeout string    `yaml:"session_timeout" mapstructure:"session_timeout"`
	FinLinger      string    `yaml:"fin_linger"      mapstructure:"fin_linger"`
	RemovalPoll    string    `yaml:"removal_poll"    mapstructure:"removal_poll"`
	ShutdownGrace  string    `yaml:"shutdown_grace"  mapstructure:"shutdown_grace"`
	PortRange      string    `yaml:"port_range"      mapstructure:"port_range"`
	Guard          *bool     `yaml:"guard"           mapstructure:"guard"`
	ARP            ARPConfig `yaml:"arp"             mapstructure:"arp"`
}

// GetAdminListen returns the admin API listen address.
// Defaults to 127.0.0.1:9180 if not set.
func (g GlobalConfig) GetAdminListen() string {
	if g.AdminListen == "" {
		return "127.0.0.1:9180"
	}
	return g.AdminListen
}

// GetTickInterval returns how long an idle worker sleeps between timer runs.
// Defaults to 1ms if not set or invalid.
func (g GlobalConfig) GetTickInterval() time.Duration {
	return parseDuration(g.TickInterval, time.Millisecond)
}

// GetSessionTimeout returns the idle timeout of services without their own.
// Defaults to 30s if not set or invalid.
func (g GlobalConfig) GetSessionTimeout() time.Duration {
	return parseDuration(g.SessionTimeout, 30*time.Second)
}

// GetFinLinger returns how long a session lives after the backend's FIN.
// Defaults to 3ms if not set or invalid.
func (g GlobalConfig) GetFinLinger() time.Duration {
	return parseDuration(g.FinLinger, 3*time.Millisecond)
}

// GetRemovalPoll returns the drain check period of graceful removals.
// Defaults to 1s if not set or invalid.
func (g GlobalConfig) GetRemovalPoll() time.Duration {
	return parseDuration(g.RemovalPoll, time.Second)
}

// GetShutdownGrace returns how long shutdown waits for sessions to drain.
// Defaults to 10s if not set or invalid.
func (g GlobalConfig) GetShutdownGrace() time.Duration {
	return parseDuration(g.ShutdownGrace, 10*time.Second)
}

// GetPortRange returns the bounds of the NAT ephemeral port pools.
// Defaults to 49152-65535 if not set or invalid.
func (g GlobalConfig) GetPortRange() (uint16, uint16) {
	if g.PortRange == "" {
		return 49152, 65535
	}
	lo, hi, err := parsePortRange(g.PortRange)
	if err != nil {
		return 49152, 65535
	}
	return lo, hi
}

// IsGuardEnabled returns whether kernel drop rules are installed for owned
// addresses. Defaults to true if not explicitly set.
func (g GlobalConfig) IsGuardEnabled() bool {
	if g.Guard == nil {
		return true
	}
	return *g.Guard
}

// ARPConfig tunes the per-interface neighbor caches.
type ARPConfig struct {
	Lifetime     string  `yaml:"lifetime"      mapstructure:"lifetime"`
	GCInterval   string  `yaml:"gc_interval"   mapstructure:"gc_interval"`
	RequestRate  float64 `yaml:"request_rate"  mapstructure:"request_rate"`
	RequestBurst int     `yaml:"request_burst" mapstructure:"request_burst"`
}

// GetLifetime defaults to 60s.
func (a ARPConfig) GetLifetime() time.Duration {
	return parseDuration(a.Lifetime, 60*time.Second)
}

// GetGCInterval defaults to 10s.
func (a ARPConfig) GetGCInterval() time.Duration {
	return parseDuration(a.GCInterval, 10*time.Second)
}

// GetRequestRate returns the ARP requests allowed per second. Defaults to 100.
func (a ARPConfig) GetRequestRate() float64 {
	if a.RequestRate <= 0 {
		return 100
	}
	return a.RequestRate
}

// GetRequestBurst defaults to 16.
func (a ARPConfig) GetRequestBurst() int {
	if a.RequestBurst <= 0 {
		return 16
	}
	return a.RequestBurst
}

// InterfaceConfig names a link the balancer drives.
type InterfaceConfig struct {
	Name        string `yaml:"name"        mapstructure:"name"`
	Driver      string `yaml:"driver"      mapstructure:"driver"`
	Address     string `yaml:"address"     mapstructure:"address"`
	Gateway     string `yaml:"gateway"     mapstructure:"gateway"`
	MAC         string `yaml:"mac"         mapstructure:"mac"`
	Promiscuous *bool  `yaml:"promiscuous" mapstructure:"promiscuous"`
}

// GetDriver returns the device driver.
// Defaults to "raw" if not set.
func (i InterfaceConfig) GetDriver() string {
	if i.Driver == "" {
		return "raw"
	}
	return i.Driver
}

// IsPromiscuous defaults to true: DR and DNAT backends may address frames
// to MACs other than the interface's own.
func (i InterfaceConfig) IsPromiscuous() bool {
	if i.Promiscuous == nil {
		return true
	}
	return *i.Promiscuous
}

// ServiceConfig defines a virtual service with its backends and health check settings.
type ServiceConfig struct {
	Name        string            `yaml:"name"         mapstructure:"name"`
	Interface   string            `yaml:"interface"    mapstructure:"interface"`
	Listen      string            `yaml:"listen"       mapstructure:"listen"`
	Protocol    string            `yaml:"protocol"     mapstructure:"protocol"`
	Scheduler   string            `yaml:"scheduler"    mapstructure:"scheduler"`
	Timeout     string            `yaml:"timeout"      mapstructure:"timeout"`
	Private     []PrivateConfig   `yaml:"private"      mapstructure:"private"`
	HealthCheck HealthCheckConfig `yaml:"health_check" mapstructure:"health_check"`
	Backends    []BackendConfig   `yaml:"backends"     mapstructure:"backends"`
}

// GetTimeout returns the service's idle timeout, or 0 for the global one.
func (s ServiceConfig) GetTimeout() time.Duration {
	return parseDuration(s.Timeout, 0)
}

// HealthCheckEnabled reports whether the service's backends are probed.
// UDP services are never probed.
func (s ServiceConfig) HealthCheckEnabled() bool {
	return s.Protocol != "udp" && s.HealthCheck.IsEnabled()
}

// PrivateConfig is the source address a service uses towards NAT backends
// on one interface.
type PrivateConfig struct {
	Interface string `yaml:"interface" mapstructure:"interface"`
	Address   string `yaml:"address"   mapstructure:"address"`
}

// HealthCheckConfig defines per-service health check parameters.
type HealthCheckConfig struct {
	Enabled            *bool  `yaml:"enabled"              mapstructure:"enabled"`
	Type               string `yaml:"type"                 mapstructure:"type"`
	Interval           string `yaml:"interval"             mapstructure:"interval"`
	Timeout            string `yaml:"timeout"              mapstructure:"timeout"`
	FailCount          int    `yaml:"fail_count"           mapstructure:"fail_count"`
	RiseCount          int    `yaml:"rise_count"           mapstructure:"rise_count"`
	HTTPPath           string `yaml:"http_path"            mapstructure:"http_path"`
	HTTPExpectedStatus int    `yaml:"http_expected_status" mapstructure:"http_expected_status"`
}

// IsEnabled returns whether health check is enabled for this service.
// Defaults to true if not explicitly set.
func (h HealthCheckConfig) IsEnabled() bool {
	if h.Enabled == nil {
		return true
	}
	return *h.Enabled
}

// GetInterval parses and returns the health check interval duration.
// Defaults to 5s if not set or invalid.
func (h HealthCheckConfig) GetInterval() time.Duration {
	return parseDuration(h.Interval, 5*time.Second)
}

// GetTimeout parses and returns the health check timeout duration.
// Defaults to 3s if not set or invalid.
func (h HealthCheckConfig) GetTimeout() time.Duration {
	return parseDuration(h.Timeout, 3*time.Second)
}

// GetType returns the health check type.
// Defaults to "tcp" if not set.
func (h HealthCheckConfig) GetType() string {
	if h.Type == "" {
		return "tcp"
	}
	return h.Type
}

// GetHTTPPath defaults to "/".
func (h HealthCheckConfig) GetHTTPPath() string {
	if h.HTTPPath == "" {
		return "/"
	}
	return h.HTTPPath
}

// GetHTTPExpectedStatus defaults to 200.
func (h HealthCheckConfig) GetHTTPExpectedStatus() int {
	if h.HTTPExpectedStatus <= 0 {
		return 200
	}
	return h.HTTPExpectedStatus
}

// GetFailCount returns the consecutive failure threshold.
// Defaults to 3 if not set.
func (h HealthCheckConfig) GetFailCount() int {
	if h.FailCount <= 0 {
		return 3
	}
	return h.FailCount
}

// GetRiseCount returns the consecutive success threshold.
// Defaults to 2 if not set.
func (h HealthCheckConfig) GetRiseCount() int {
	if h.RiseCount <= 0 {
		return 2
	}
	return h.RiseCount
}

// BackendConfig defines a real server. Interface defaults to the service's.
type BackendConfig struct {
	Address   string `yaml:"address"   mapstructure:"address"`
	Weight    int    `yaml:"weight"    mapstructure:"weight"`
	Interface string `yaml:"interface" mapstructure:"interface"`
	Mode      string `yaml:"mode"      mapstructure:"mode"`
}

// GetMode defaults to "nat".
func (b BackendConfig) GetMode() string {
	if b.Mode == "" {
		return "nat"
	}
	return b.Mode
}

// InterfaceOf returns the interface a backend is reached through.
func (s ServiceConfig) InterfaceOf(b BackendConfig) string {
	if b.Interface == "" {
		return s.Interface
	}
	return b.Interface
}

// validSchedulers is the set of supported scheduling algorithms.
var validSchedulers = map[string]bool{
	"rr":     true,
	"wrr":    true,
	"random": true,
	"r":      true,
	"lc":     true,
	"sh":     true,
}

// validProtocols is the set of supported protocols.
var validProtocols = map[string]bool{
	"tcp": true,
	"udp": true,
}

var validModes = map[string]bool{
	"nat":  true,
	"dnat": true,
	"dr":   true,
}

var validDrivers = map[string]bool{
	"raw":    true,
	"memory": true,
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func parsePortRange(s string) (uint16, uint16, error) {
	loStr, hiStr, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("port range %q must look like min-max", s)
	}
	lo, err := strconv.ParseUint(strings.TrimSpace(loStr), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	hi, err := strconv.ParseUint(strings.TrimSpace(hiStr), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	if lo == 0 || lo > hi {
		return 0, 0, fmt.Errorf("invalid port range %q", s)
	}
	return uint16(lo), uint16(hi), nil
}

// parseIPv4HostPort checks an ip:port string with a non-zero port.
func parseIPv4HostPort(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.Is4() {
		return fmt.Errorf("invalid IPv4 address %q", host)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return fmt.Errorf("port must be a positive number")
	}
	return nil
}

func isIPv4(s string) bool {
	ip, err := netip.ParseAddr(s)
	return err == nil && ip.Is4()
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)

	// Set defaults
	viperInstance.SetDefault("global.log_level", "info")
	viperInstance.SetDefault("global.admin_listen", "127.0.0.1:9180")

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file, unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness and fills in defaulted
// protocol, interface and mode fields.
func Validate(cfg *Config) error {
	if err := validateGlobal(&cfg.Global); err != nil {
		return err
	}
	if len(cfg.Interfaces) == 0 {
		return fmt.Errorf("at least one interface must be defined")
	}

	ifaceSet := make(map[string]bool)
	for i, ifc := range cfg.Interfaces {
		if ifc.Name == "" {
			return fmt.Errorf("interface[%d]: name is required", i)
		}
		if ifaceSet[ifc.Name] {
			return fmt.Errorf("interface[%d]: duplicate interface name %q", i, ifc.Name)
		}
		ifaceSet[ifc.Name] = true

		if !validDrivers[ifc.GetDriver()] {
			return fmt.Errorf("interface %q: unsupported driver %q (supported: raw, memory)", ifc.Name, ifc.Driver)
		}
		if ifc.Address != "" {
			prefix, err := netip.ParsePrefix(ifc.Address)
			if err != nil || !prefix.Addr().Is4() {
				return fmt.Errorf("interface %q: address %q must be an IPv4 CIDR", ifc.Name, ifc.Address)
			}
		}
		if ifc.Gateway != "" && !isIPv4(ifc.Gateway) {
			return fmt.Errorf("interface %q: invalid gateway %q", ifc.Name, ifc.Gateway)
		}
		if ifc.MAC != "" {
			if _, err := net.ParseMAC(ifc.MAC); err != nil {
				return fmt.Errorf("interface %q: invalid mac %q: %w", ifc.Name, ifc.MAC, err)
			}
		}
	}

	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one service must be defined")
	}

	nameSet := make(map[string]bool)
	listenSet := make(map[string]bool)

	for i, svc := range cfg.Services {
		if svc.Name == "" {
			return fmt.Errorf("service[%d]: name is required", i)
		}
		if nameSet[svc.Name] {
			return fmt.Errorf("service[%d]: duplicate service name %q", i, svc.Name)
		}
		nameSet[svc.Name] = true

		if svc.Interface == "" {
			if len(cfg.Interfaces) != 1 {
				return fmt.Errorf("service %q: interface is required when more than one interface is defined", svc.Name)
			}
			cfg.Services[i].Interface = cfg.Interfaces[0].Name
			svc.Interface = cfg.Interfaces[0].Name
		}
		if !ifaceSet[svc.Interface] {
			return fmt.Errorf("service %q: unknown interface %q", svc.Name, svc.Interface)
		}

		if err := parseIPv4HostPort(svc.Listen); err != nil {
			return fmt.Errorf("service %q: invalid listen address %q: %w", svc.Name, svc.Listen, err)
		}

		// Validate protocol (default to tcp)
		protocol := svc.Protocol
		if protocol == "" {
			cfg.Services[i].Protocol = "tcp"
			protocol = "tcp"
		}
		if !validProtocols[protocol] {
			return fmt.Errorf("service %q: unsupported protocol %q (supported: tcp, udp)", svc.Name, protocol)
		}

		// The same ip:port may be served once per protocol and interface.
		listenKey := svc.Interface + "/" + svc.Listen + "/" + protocol
		if listenSet[listenKey] {
			return fmt.Errorf("service %q: duplicate listen address %q for protocol %q", svc.Name, svc.Listen, protocol)
		}
		listenSet[listenKey] = true

		if svc.Scheduler == "" {
			cfg.Services[i].Scheduler = "rr"
		} else if !validSchedulers[svc.Scheduler] {
			return fmt.Errorf("service %q: unsupported scheduler %q (supported: rr, wrr, random, lc, sh)", svc.Name, svc.Scheduler)
		}

		if svc.Timeout != "" {
			if d, err := time.ParseDuration(svc.Timeout); err != nil || d < 0 {
				return fmt.Errorf("service %q: invalid timeout %q", svc.Name, svc.Timeout)
			}
		}

		privateSet := make(map[string]bool)
		for j, p := range svc.Private {
			if !ifaceSet[p.Interface] {
				return fmt.Errorf("service %q: private[%d]: unknown interface %q", svc.Name, j, p.Interface)
			}
			if privateSet[p.Interface] {
				return fmt.Errorf("service %q: private[%d]: duplicate interface %q", svc.Name, j, p.Interface)
			}
			privateSet[p.Interface] = true
			if !isIPv4(p.Address) {
				return fmt.Errorf("service %q: private[%d]: invalid address %q", svc.Name, j, p.Address)
			}
		}

		if err := validateHealthCheck(svc); err != nil {
			return err
		}

		// Validate backends
		if len(svc.Backends) == 0 {
			return fmt.Errorf("service %q: at least one backend is required", svc.Name)
		}

		backendSet := make(map[string]bool)
		for j, backend := range svc.Backends {
			if backend.Address == "" {
				return fmt.Errorf("service %q: backend[%d]: address is required", svc.Name, j)
			}
			if err := parseIPv4HostPort(backend.Address); err != nil {
				return fmt.Errorf("service %q: backend[%d]: invalid address %q: %w", svc.Name, j, backend.Address, err)
			}
			ifc := svc.InterfaceOf(backend)
			if !ifaceSet[ifc] {
				return fmt.Errorf("service %q: backend[%d]: unknown interface %q", svc.Name, j, ifc)
			}
			key := ifc + "/" + backend.Address
			if backendSet[key] {
				return fmt.Errorf("service %q: backend[%d]: duplicate address %q", svc.Name, j, backend.Address)
			}
			backendSet[key] = true

			if backend.Weight <= 0 {
				return fmt.Errorf("service %q: backend[%d]: weight must be a positive integer", svc.Name, j)
			}

			mode := backend.GetMode()
			if !validModes[mode] {
				return fmt.Errorf("service %q: backend[%d]: unsupported mode %q (supported: nat, dnat, dr)", svc.Name, j, backend.Mode)
			}
			cfg.Services[i].Backends[j].Mode = mode
			if mode == "nat" && !privateSet[ifc] {
				return fmt.Errorf("service %q: backend[%d]: nat mode needs a private address on interface %q", svc.Name, j, ifc)
			}
		}
	}

	return nil
}

func validateGlobal(g *GlobalConfig) error {
	for name, value := range map[string]string{
		"tick_interval":   g.TickInterval,
		"session_timeout": g.SessionTimeout,
		"fin_linger":      g.FinLinger,
		"removal_poll":    g.RemovalPoll,
		"shutdown_grace":  g.ShutdownGrace,
		"arp.lifetime":    g.ARP.Lifetime,
		"arp.gc_interval": g.ARP.GCInterval,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("global: invalid %s %q", name, value)
		}
	}
	if g.PortRange != "" {
		if _, _, err := parsePortRange(g.PortRange); err != nil {
			return fmt.Errorf("global: %w", err)
		}
	}
	if g.AdminListen != "" {
		if _, _, err := net.SplitHostPort(g.AdminListen); err != nil {
			return fmt.Errorf("global: invalid admin_listen %q: %w", g.AdminListen, err)
		}
	}
	return nil
}

func validateHealthCheck(svc ServiceConfig) error {
	if !svc.HealthCheck.IsEnabled() {
		return nil
	}
	if svc.HealthCheck.Interval != "" {
		if _, err := time.ParseDuration(svc.HealthCheck.Interval); err != nil {
			return fmt.Errorf("service %q: invalid health_check.interval %q: %w", svc.Name, svc.HealthCheck.Interval, err)
		}
	}
	if svc.HealthCheck.Timeout != "" {
		if _, err := time.ParseDuration(svc.HealthCheck.Timeout); err != nil {
			return fmt.Errorf("service %q: invalid health_check.timeout %q: %w", svc.Name, svc.HealthCheck.Timeout, err)
		}
	}

	checkType := svc.HealthCheck.GetType()
	if checkType != "tcp" && checkType != "http" {
		return fmt.Errorf("service %q: unsupported health_check.type %q (supported: tcp, http)", svc.Name, checkType)
	}
	if checkType == "http" {
		if svc.HealthCheck.HTTPPath != "" && svc.HealthCheck.HTTPPath[0] != '/' {
			return fmt.Errorf("service %q: health_check.http_path must start with '/'", svc.Name)
		}
		if svc.HealthCheck.HTTPExpectedStatus != 0 &&
			(svc.HealthCheck.HTTPExpectedStatus < 100 || svc.HealthCheck.HTTPExpectedStatus > 599) {
			return fmt.Errorf("service %q: health_check.http_expected_status must be between 100 and 599", svc.Name)
		}
	}
	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
func (m *Manager) WatchConfig() {
	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
