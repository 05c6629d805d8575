package config

import "time"

// AppConfig holds the global application configuration
type AppConfig struct {
	StateDir           string           `yaml:"state_dir"`
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Fetch              FetchConfig      `yaml:"fetch,omitempty"`
	Stealth            StealthConfig    `yaml:"stealth,omitempty"`
	Browser            BrowserConfig    `yaml:"browser,omitempty"`
	Policy             PolicyConfig     `yaml:"policy,omitempty"`
	Batch              BatchConfig      `yaml:"batch,omitempty"`
	Commit             CommitConfig     `yaml:"commit,omitempty"`
	Metadata           MetadataConfig   `yaml:"metadata,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP transport
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"`
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"` // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`
}

// FetchConfig holds orchestrator-wide settings
type FetchConfig struct {
	TransferTimeout   time.Duration `yaml:"transfer_timeout,omitempty"` // authoritative image transfer
	MaxRetries        int           `yaml:"max_retries,omitempty"`      // direct strategy only
	InitialRetryDelay time.Duration `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay,omitempty"`
	MaxImageSizeBytes int64         `yaml:"max_image_size_bytes,omitempty"` // 0 = unlimited
	DiagnosticLimit   int           `yaml:"diagnostic_limit,omitempty"`
}

// StealthConfig controls the browser-imitating HTTP session and its candidate crawl
type StealthConfig struct {
	WarmupTimeout      time.Duration `yaml:"warmup_timeout,omitempty"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout,omitempty"`
	CandidateCap       int           `yaml:"candidate_cap,omitempty"`
	DiscoveryCap       int           `yaml:"discovery_cap,omitempty"`
	SampleErrors       int           `yaml:"sample_errors,omitempty"`
	ChallengeRounds    int           `yaml:"challenge_rounds,omitempty"`
	ChallengeInterval  time.Duration `yaml:"challenge_interval,omitempty"`
	InsecureSkipVerify *bool         `yaml:"insecure_skip_verify,omitempty"`
	UserAgents         []string      `yaml:"user_agents,omitempty"`
	AcceptLanguage     string        `yaml:"accept_language,omitempty"`
	RespectRobots      bool          `yaml:"respect_robots,omitempty"` // discover skips pages robots.txt disallows
}

// BrowserConfig controls browser automation
type BrowserConfig struct {
	Headed            *bool         `yaml:"headed,omitempty"`
	Channel           string        `yaml:"channel,omitempty"`  // preferred channel, tried first
	Channels          []string      `yaml:"channels,omitempty"` // fallback order after Channel; "" or "chromium" = bundled engine
	NavigationTimeout time.Duration `yaml:"navigation_timeout,omitempty"`
	RequestTimeout    time.Duration `yaml:"request_timeout,omitempty"`
	IdleTimeout       time.Duration `yaml:"idle_timeout,omitempty"`
	WarmRounds        int           `yaml:"warm_rounds,omitempty"`
	MainRounds        int           `yaml:"main_rounds,omitempty"`
	PollInterval      time.Duration `yaml:"poll_interval,omitempty"`
	MaxImageElements  int           `yaml:"max_image_elements,omitempty"`
	Locale            string        `yaml:"locale,omitempty"`
}

// PolicyConfig controls which targets are routed straight to evasion strategies
type PolicyConfig struct {
	ForceBrowser     bool     `yaml:"force_browser,omitempty"`
	SensitiveDomains []string `yaml:"sensitive_domains,omitempty"`
}

// BatchConfig controls the batch downloader
type BatchConfig struct {
	OutputDir          string        `yaml:"output_dir,omitempty"`
	Workers            int           `yaml:"workers,omitempty"`
	MaxRequestsPerHost int           `yaml:"max_requests_per_host,omitempty"`
	IntervalMin        time.Duration `yaml:"interval_min,omitempty"`
	IntervalMax        time.Duration `yaml:"interval_max,omitempty"`
	Turbo              bool          `yaml:"turbo,omitempty"`
	MaxRetries         int           `yaml:"max_retries,omitempty"`
	PauseInterval      time.Duration `yaml:"pause_interval,omitempty"`
	PersistState       *bool         `yaml:"persist_state,omitempty"`
	Columns            ColumnConfig  `yaml:"columns,omitempty"`
}

// ColumnConfig names the spreadsheet columns read for batch input
type ColumnConfig struct {
	Sheet    string `yaml:"sheet,omitempty"`
	StartRow int    `yaml:"start_row,omitempty"`
	Name     string `yaml:"name,omitempty"`
	Intro    string `yaml:"intro,omitempty"`
	URL      string `yaml:"url,omitempty"`
	Source   string `yaml:"source,omitempty"`
}

// CommitConfig controls backup naming for replace operations
type CommitConfig struct {
	BackupTimeFormat string `yaml:"backup_time_format,omitempty"`
	KeepRejected     *bool  `yaml:"keep_rejected,omitempty"`
}

// MetadataConfig selects how metadata is reapplied after a replace
type MetadataConfig struct {
	Mode string `yaml:"mode,omitempty"` // embedded, sidecar, both, none
}

// Metadata reconciler modes
const (
	MetadataModeEmbedded = "embedded"
	MetadataModeSidecar  = "sidecar"
	MetadataModeBoth     = "both"
	MetadataModeNone     = "none"
)

// DefaultUserAgents is the desktop identity rotation used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

// DefaultSensitiveDomains lists host substrings that always require evasion.
var DefaultSensitiveDomains = []string{
	".gov.cn",
	".edu.cn",
	".mil.cn",
	".org.cn",
	"12371.cn",
	"people.com.cn",
	"xinhuanet.com",
}

// DefaultChannels is the launch order after an explicitly configured channel.
// The empty string selects the bundled chromium.
var DefaultChannels = []string{"chrome", "msedge", ""}

// IsHeaded reports the effective headed mode (headed unless explicitly disabled).
func (b BrowserConfig) IsHeaded() bool {
	return b.Headed == nil || *b.Headed
}

// LaunchOrder returns the de-duplicated channel order: Channel first, then Channels.
func (b BrowserConfig) LaunchOrder() []string {
	order := make([]string, 0, len(b.Channels)+1)
	seen := make(map[string]bool)
	add := func(ch string) {
		if ch == "chromium" {
			ch = ""
		}
		if seen[ch] {
			return
		}
		seen[ch] = true
		order = append(order, ch)
	}
	if b.Channel != "" {
		add(b.Channel)
	}
	for _, ch := range b.Channels {
		add(ch)
	}
	return order
}

// SkipsTLSVerify reports whether certificate verification is relaxed (default true).
func (s StealthConfig) SkipsTLSVerify() bool {
	return s.InsecureSkipVerify == nil || *s.InsecureSkipVerify
}

// PersistsState reports whether batch state goes to the on-disk store (default true).
func (b BatchConfig) PersistsState() bool {
	return b.PersistState == nil || *b.PersistState
}

// KeepsRejected reports whether a candidate failing the pixel guard is kept as a
// .rejected copy for inspection (default true).
func (c CommitConfig) KeepsRejected() bool {
	return c.KeepRejected == nil || *c.KeepRejected
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *AppConfig {
	cfg := &AppConfig{}
	_, _ = cfg.Validate()
	return cfg
}
