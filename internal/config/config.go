package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dnspick/internal/health"
)

// ErrInvalid wraps every configuration validation failure. Validation is
// fail-fast: out-of-range values are rejected, never clamped.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Addr        string `yaml:"addr"`         // API bind address
	LogDir      string `yaml:"log_dir"`      // logs directory
	DatabaseURL string `yaml:"database_url"` // empty means in-memory run store
	WebhookURL  string `yaml:"webhook_url"`  // optional run-completion webhook

	DNSServers []string `yaml:"dns_servers"`

	Policy    string `yaml:"policy"`     // latency | speed | balanced
	Mode      string `yaml:"mode"`       // comprehensive | sequential
	HostsMode string `yaml:"hosts_mode"` // individual | unique

	// Domains is the watchlist the scheduler re-tests; the API accepts
	// arbitrary domain lists regardless.
	Domains         []string      `yaml:"domains"`
	RecheckInterval time.Duration `yaml:"recheck_interval"` // 0 disables the scheduler

	Test   TestParams   `yaml:"test_params"`
	Health HealthParams `yaml:"health"`
}

// TestParams are the tunables the resolution and probe engines consume.
type TestParams struct {
	PingCount             int           `yaml:"ping_count"`
	PingTimeout           time.Duration `yaml:"ping_timeout"`
	TestDuration          time.Duration `yaml:"test_duration"`
	PacketSize            int           `yaml:"packet_size"`
	ConcurrentConnections int           `yaml:"concurrent_connections"`
	MaxThreads            int           `yaml:"max_threads"`
	DNSThreads            int           `yaml:"dns_threads"`
	DNSTimeout            time.Duration `yaml:"dns_timeout"`
	TopN                  int           `yaml:"top_n_ips"`
	SpeedTestType         string        `yaml:"speed_test_type"` // tcp | udp | both
	EnableIPv6            bool          `yaml:"enable_ipv6"`
	EnableDownloadTest    bool          `yaml:"enable_download_test"`
	EnableUploadTest      bool          `yaml:"enable_upload_test"`
	MinDataThreshold      int64         `yaml:"min_data_threshold"`
	MinValidData          int64         `yaml:"min_valid_data"`
	MinSpeedMbps          float64       `yaml:"min_speed"`
	DNSFanOut             int           `yaml:"dns_fan_out"`   // servers queried per domain
	OutlierSigma          float64       `yaml:"outlier_sigma"` // RTT outlier cutoff in standard deviations

	// Balanced-policy weights.
	LatencyWeight float64 `yaml:"latency_weight"`
	LossWeight    float64 `yaml:"loss_weight"`
	SpeedWeight   float64 `yaml:"speed_weight"`
}

// TierParam is one adaptive-timeout tier: servers whose rolling mean falls
// below the bound get the budget.
type TierParam struct {
	Below  time.Duration `yaml:"below"`
	Budget time.Duration `yaml:"budget"`
}

// HealthParams tune the per-server circuit breaker and the adaptive timeout
// tiers.
type HealthParams struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	CooldownFactor   float64       `yaml:"cooldown_factor"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
	HistorySize      int           `yaml:"history_size"`

	VeryFast TierParam `yaml:"very_fast"`
	Fast     TierParam `yaml:"fast"`
	Normal   TierParam `yaml:"normal"`
	Slow     TierParam `yaml:"slow"`
	VerySlow TierParam `yaml:"very_slow"` // below is ignored, catches the rest
}

// Options converts the breaker tunables for the health registry.
func (h HealthParams) Options() health.Options {
	return health.Options{
		FailureThreshold: h.FailureThreshold,
		Cooldown:         h.Cooldown,
		CooldownFactor:   h.CooldownFactor,
		MaxCooldown:      h.MaxCooldown,
		HistorySize:      h.HistorySize,
	}
}

// TierTable converts the configured tiers for the health registry.
func (h HealthParams) TierTable() health.TierTable {
	return health.TierTable{
		VeryFast: health.Tier{Below: h.VeryFast.Below, Budget: h.VeryFast.Budget},
		Fast:     health.Tier{Below: h.Fast.Below, Budget: h.Fast.Budget},
		Normal:   health.Tier{Below: h.Normal.Below, Budget: h.Normal.Budget},
		Slow:     health.Tier{Below: h.Slow.Below, Budget: h.Slow.Budget},
		VerySlow: health.Tier{Budget: h.VerySlow.Budget},
	}
}

func Default() Config {
	return Config{
		Addr:   "127.0.0.1:8080",
		LogDir: "logs",
		DNSServers: []string{
			"8.8.8.8", "1.1.1.1", "9.9.9.9", "208.67.222.222", "4.2.2.1",
		},
		Policy:    "balanced",
		Mode:      "comprehensive",
		HostsMode: "individual",
		Test: TestParams{
			PingCount:             7,
			PingTimeout:           1500 * time.Millisecond,
			TestDuration:          25 * time.Second,
			PacketSize:            1024,
			ConcurrentConnections: 12,
			MaxThreads:            50,
			DNSThreads:            50,
			DNSTimeout:            2 * time.Second,
			TopN:                  10,
			SpeedTestType:         "tcp",
			EnableDownloadTest:    true,
			MinDataThreshold:      1 << 20, // 1 MiB
			MinValidData:          100 << 10,
			MinSpeedMbps:          1.0,
			DNSFanOut:             5,
			OutlierSigma:          2.0,
			LatencyWeight:         0.5,
			LossWeight:            0.3,
			SpeedWeight:           0.2,
		},
		Health: HealthParams{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			CooldownFactor:   2,
			MaxCooldown:      5 * time.Minute,
			HistorySize:      20,
			VeryFast:         TierParam{Below: 300 * time.Millisecond, Budget: 800 * time.Millisecond},
			Fast:             TierParam{Below: 600 * time.Millisecond, Budget: 1200 * time.Millisecond},
			Normal:           TierParam{Below: 1200 * time.Millisecond, Budget: 2 * time.Second},
			Slow:             TierParam{Below: 2500 * time.Millisecond, Budget: 3500 * time.Millisecond},
			VerySlow:         TierParam{Budget: 5 * time.Second},
		},
	}
}

// Load builds the config from defaults, an optional YAML file, then env
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("API_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		c.WebhookURL = v
	}
	if v := os.Getenv("DNS_SERVERS"); v != "" {
		var servers []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		c.DNSServers = servers
	}
	if n, ok := envInt("PING_COUNT"); ok {
		c.Test.PingCount = n
	}
	if d, ok := envMillis("PING_TIMEOUT_MS"); ok {
		c.Test.PingTimeout = d
	}
	if d, ok := envMillis("TEST_DURATION_MS"); ok {
		c.Test.TestDuration = d
	}
	if n, ok := envInt("PACKET_SIZE"); ok {
		c.Test.PacketSize = n
	}
	if n, ok := envInt("CONCURRENT_CONNECTIONS"); ok {
		c.Test.ConcurrentConnections = n
	}
	if n, ok := envInt("MAX_THREADS"); ok {
		c.Test.MaxThreads = n
	}
	if n, ok := envInt("DNS_THREADS"); ok {
		c.Test.DNSThreads = n
	}
	if d, ok := envMillis("DNS_TIMEOUT_MS"); ok {
		c.Test.DNSTimeout = d
	}
	if n, ok := envInt("TOP_N_IPS"); ok {
		c.Test.TopN = n
	}
	if v := os.Getenv("SPEED_TEST_TYPE"); v != "" {
		c.Test.SpeedTestType = v
	}
	if n, ok := envInt("DNS_FAN_OUT"); ok {
		c.Test.DNSFanOut = n
	}
	if f, ok := envFloat("OUTLIER_SIGMA"); ok {
		c.Test.OutlierSigma = f
	}
	if v := os.Getenv("POLICY"); v != "" {
		c.Policy = v
	}
	if v := os.Getenv("PIPELINE_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("HOSTS_MODE"); v != "" {
		c.HostsMode = v
	}
	if v := os.Getenv("DOMAINS"); v != "" {
		var domains []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				domains = append(domains, s)
			}
		}
		c.Domains = domains
	}
	if d, ok := envMillis("RECHECK_INTERVAL_MS"); ok {
		c.RecheckInterval = d
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envMillis(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// Validate rejects values outside their documented ranges.
func (c *Config) Validate() error {
	if len(c.DNSServers) == 0 {
		return fmt.Errorf("%w: dns_servers must not be empty", ErrInvalid)
	}
	for _, s := range c.DNSServers {
		if _, err := netip.ParseAddr(s); err != nil {
			return fmt.Errorf("%w: dns server %q is not an IP literal", ErrInvalid, s)
		}
	}
	t := c.Test
	checks := []struct {
		ok   bool
		what string
	}{
		{t.PingCount >= 1 && t.PingCount <= 100, "ping_count must be 1-100"},
		{t.PingTimeout >= 100*time.Millisecond && t.PingTimeout <= 10*time.Second, "ping_timeout must be 100ms-10s"},
		{t.TestDuration >= time.Second && t.TestDuration <= 120*time.Second, "test_duration must be 1s-120s"},
		{t.PacketSize >= 64 && t.PacketSize <= 65507, "packet_size must be 64-65507"},
		{t.ConcurrentConnections >= 1 && t.ConcurrentConnections <= 20, "concurrent_connections must be 1-20"},
		{t.MaxThreads >= 1 && t.MaxThreads <= 200, "max_threads must be 1-200"},
		{t.DNSThreads >= 1 && t.DNSThreads <= 100, "dns_threads must be 1-100"},
		{t.DNSTimeout >= 100*time.Millisecond && t.DNSTimeout <= 30*time.Second, "dns_timeout must be 100ms-30s"},
		{t.TopN >= 1 && t.TopN <= 100, "top_n_ips must be 1-100"},
		{t.SpeedTestType == "tcp" || t.SpeedTestType == "udp" || t.SpeedTestType == "both", "speed_test_type must be tcp, udp or both"},
		{t.MinDataThreshold >= 0, "min_data_threshold must be >= 0"},
		{t.MinValidData >= 0, "min_valid_data must be >= 0"},
		{t.MinSpeedMbps >= 0, "min_speed must be >= 0"},
		{t.DNSFanOut >= 1 && t.DNSFanOut <= 50, "dns_fan_out must be 1-50"},
		{t.OutlierSigma > 0 && t.OutlierSigma <= 10, "outlier_sigma must be in (0,10]"},
		{t.LatencyWeight >= 0 && t.LossWeight >= 0 && t.SpeedWeight >= 0, "weights must be >= 0"},
		{t.LatencyWeight+t.LossWeight+t.SpeedWeight > 0, "at least one weight must be positive"},
		{c.Policy == "latency" || c.Policy == "speed" || c.Policy == "balanced", "policy must be latency, speed or balanced"},
		{c.Mode == "comprehensive" || c.Mode == "sequential", "mode must be comprehensive or sequential"},
		{c.HostsMode == "individual" || c.HostsMode == "unique", "hosts_mode must be individual or unique"},
		{c.RecheckInterval >= 0, "recheck_interval must be >= 0"},
		{c.RecheckInterval == 0 || len(c.Domains) > 0, "recheck_interval needs a domains watchlist"},
	}
	h := c.Health
	checks = append(checks, []struct {
		ok   bool
		what string
	}{
		{h.FailureThreshold >= 1 && h.FailureThreshold <= 100, "health failure_threshold must be 1-100"},
		{h.Cooldown >= time.Second && h.Cooldown <= 10*time.Minute, "health cooldown must be 1s-10m"},
		{h.CooldownFactor >= 1 && h.CooldownFactor <= 10, "health cooldown_factor must be 1-10"},
		{h.MaxCooldown >= h.Cooldown, "health max_cooldown must be >= cooldown"},
		{h.HistorySize >= 1 && h.HistorySize <= 1000, "health history_size must be 1-1000"},
		{h.VeryFast.Below < h.Fast.Below && h.Fast.Below < h.Normal.Below && h.Normal.Below < h.Slow.Below,
			"health tier bounds must be strictly increasing"},
		{h.VeryFast.Budget > 0 && h.VeryFast.Budget <= h.Fast.Budget && h.Fast.Budget <= h.Normal.Budget &&
			h.Normal.Budget <= h.Slow.Budget && h.Slow.Budget <= h.VerySlow.Budget,
			"health tier budgets must be positive and non-decreasing"},
	}...)
	for _, ch := range checks {
		if !ch.ok {
			return fmt.Errorf("%w: %s", ErrInvalid, ch.what)
		}
	}
	return nil
}
