package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './refetch_state'")
		c.StateDir = "./refetch_state"
	}

	c.validateHTTPClientSettings()
	warnings = append(warnings, c.Fetch.validate()...)
	warnings = append(warnings, c.Stealth.validate()...)
	warnings = append(warnings, c.Browser.validate()...)
	c.Policy.validate()

	batchWarnings, err := c.Batch.validate()
	warnings = append(warnings, batchWarnings...)
	if err != nil {
		return warnings, err
	}

	if c.Commit.BackupTimeFormat == "" {
		c.Commit.BackupTimeFormat = "20060102_150405"
	}

	switch strings.ToLower(c.Metadata.Mode) {
	case "":
		c.Metadata.Mode = MetadataModeBoth
	case MetadataModeEmbedded, MetadataModeSidecar, MetadataModeBoth, MetadataModeNone:
		c.Metadata.Mode = strings.ToLower(c.Metadata.Mode)
	default:
		return warnings, fmt.Errorf("%w: metadata.mode %q (want embedded, sidecar, both or none)",
			utils.ErrConfigValidation, c.Metadata.Mode)
	}

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 60 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

func (f *FetchConfig) validate() (warnings []string) {
	if f.TransferTimeout <= 0 {
		f.TransferTimeout = 45 * time.Second
	}

	if f.MaxRetries < 0 {
		warnings = append(warnings, "fetch.max_retries cannot be negative, setting to 0")
		f.MaxRetries = 0
	}
	if f.MaxRetries > 0 {
		if f.InitialRetryDelay <= 0 {
			f.InitialRetryDelay = 1 * time.Second
		}
		if f.MaxRetryDelay <= 0 {
			f.MaxRetryDelay = 10 * time.Second
		}
	}
	if f.InitialRetryDelay > f.MaxRetryDelay && f.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"fetch.initial_retry_delay (%v) > fetch.max_retry_delay (%v), using max_retry_delay for initial",
			f.InitialRetryDelay, f.MaxRetryDelay))
		f.InitialRetryDelay = f.MaxRetryDelay
	}

	if f.MaxImageSizeBytes < 0 {
		warnings = append(warnings, "fetch.max_image_size_bytes cannot be negative, setting to 0 (unlimited)")
		f.MaxImageSizeBytes = 0
	}
	if f.DiagnosticLimit <= 0 {
		f.DiagnosticLimit = 560
	}
	return warnings
}

func (s *StealthConfig) validate() (warnings []string) {
	if s.WarmupTimeout <= 0 {
		s.WarmupTimeout = 6 * time.Second
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = 15 * time.Second
	}
	if s.CandidateCap <= 0 {
		if s.CandidateCap < 0 {
			warnings = append(warnings, "stealth.candidate_cap cannot be negative, defaulting to 20")
		}
		s.CandidateCap = 20
	}
	if s.DiscoveryCap <= 0 {
		s.DiscoveryCap = 50
	}
	if s.SampleErrors <= 0 {
		s.SampleErrors = 6
	}
	if s.ChallengeRounds <= 0 {
		s.ChallengeRounds = 2
	}
	if s.ChallengeInterval <= 0 {
		s.ChallengeInterval = 1 * time.Second
	}
	if len(s.UserAgents) == 0 {
		s.UserAgents = append([]string(nil), DefaultUserAgents...)
	}
	if s.AcceptLanguage == "" {
		s.AcceptLanguage = "zh-CN,zh;q=0.9,en;q=0.8"
	}
	return warnings
}

func (b *BrowserConfig) validate() (warnings []string) {
	if len(b.Channels) == 0 {
		b.Channels = append([]string(nil), DefaultChannels...)
	}
	if b.NavigationTimeout <= 0 {
		b.NavigationTimeout = 45 * time.Second
	}
	if b.RequestTimeout <= 0 {
		b.RequestTimeout = 45 * time.Second
	}
	if b.IdleTimeout <= 0 {
		b.IdleTimeout = 10 * time.Second
	}
	if b.WarmRounds <= 0 {
		b.WarmRounds = 6
	}
	if b.MainRounds <= 0 {
		b.MainRounds = 4
	}
	if b.PollInterval <= 0 {
		b.PollInterval = 2500 * time.Millisecond
	}
	if b.MaxImageElements <= 0 {
		b.MaxImageElements = 50
	}
	if b.Locale == "" {
		b.Locale = "zh-CN"
	}
	if !b.IsHeaded() {
		warnings = append(warnings, "browser.headed is false; headless browsers are detected by more challenge pages")
	}
	return warnings
}

func (p *PolicyConfig) validate() {
	if len(p.SensitiveDomains) == 0 {
		p.SensitiveDomains = append([]string(nil), DefaultSensitiveDomains...)
	}
	for i, d := range p.SensitiveDomains {
		p.SensitiveDomains[i] = strings.ToLower(strings.TrimSpace(d))
	}
}

func (b *BatchConfig) validate() (warnings []string, err error) {
	if b.OutputDir == "" {
		warnings = append(warnings, "batch.output_dir is empty, defaulting to './downloads'")
		b.OutputDir = "./downloads"
	}
	if b.Workers <= 0 {
		b.Workers = 1
	}
	if b.MaxRequestsPerHost <= 0 {
		b.MaxRequestsPerHost = 1
	}
	if b.IntervalMin < 0 || b.IntervalMax < 0 {
		return warnings, fmt.Errorf("%w: batch interval cannot be negative", utils.ErrConfigValidation)
	}
	if b.IntervalMin == 0 && b.IntervalMax == 0 {
		b.IntervalMin = 20 * time.Second
		b.IntervalMax = 45 * time.Second
	}
	if b.IntervalMax < b.IntervalMin {
		warnings = append(warnings, fmt.Sprintf(
			"batch.interval_max (%v) < batch.interval_min (%v), using interval_min for both",
			b.IntervalMax, b.IntervalMin))
		b.IntervalMax = b.IntervalMin
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = 3
	}
	if b.PauseInterval <= 0 {
		b.PauseInterval = 500 * time.Millisecond
	}

	col := &b.Columns
	if col.StartRow <= 0 {
		col.StartRow = 2
	}
	if col.Name == "" {
		col.Name = "E"
	}
	if col.Intro == "" {
		col.Intro = "F"
	}
	if col.URL == "" {
		col.URL = "G"
	}
	return warnings, nil
}
