package pds

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// accountMode controls whether a PDS accepts one account or many
type accountMode string

const (
	ModeMulti  accountMode = "multi"
	ModeSingle accountMode = "single"
)

// Config represents the TOML configuration file structure
type Config struct {
	Hosts     map[string]Host  `toml:"hosts"`
	Blobstore *BlobstoreConfig `toml:"blobstore"`

	PLCURL         string   `toml:"plc_url"`
	RelayURL       string   `toml:"relay_url"`
	AppviewURLs    []string `toml:"appview_urls"`
	Mode           string   `toml:"mode"`
	InviteRequired bool     `toml:"invite_required"`
	AdminDIDs      []string `toml:"admin_dids"`
}

// runtimeConfig holds the parsed, validated server-wide settings that apply
// across all hosts, as opposed to loadedHostConfig which is per-hostname.
type runtimeConfig struct {
	plcURL         string
	relayURL       string
	appviewURLs    []string
	mode           accountMode
	inviteRequired bool
	adminDIDs      map[string]bool
}

// BlobstoreConfig contains S3-compatible storage settings
type BlobstoreConfig struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// JWTConfig carries the two HS256 secrets a host signs session tokens with.
// Access and refresh tokens are kept on separate secrets so that
// compromising one token class never lets an attacker forge the other.
type JWTConfig struct {
	AccessSecret  string `toml:"access_secret"`
	RefreshSecret string `toml:"refresh_secret"`
}

// Host contains configuration for a single PDS hostname
type Host struct {
	ServiceDID     string    `toml:"service_did"`
	JWT            JWTConfig `toml:"jwt"`
	UserDomains    []string  `toml:"user_domains"`
	ContactEmail   string    `toml:"contact_email"`
	PrivacyPolicy  string    `toml:"privacy_policy"`
	TermsOfService string    `toml:"terms_of_service"`
}

// loadedHostConfig contains the parsed and validated config for a single host
type loadedHostConfig struct {
	hostname       string
	serviceDID     string
	accessSecret   []byte
	refreshSecret  []byte
	userDomains    []string
	contactEmail   string
	privacyPolicy  string
	termsOfService string
}

// LoadedConfig contains the fully parsed configuration
type LoadedConfig struct {
	Hosts     map[string]*loadedHostConfig
	Blobstore *BlobstoreConfig
	Runtime   runtimeConfig
}

// LoadConfig reads and parses the TOML config file, validating each host's settings
func LoadConfig(path string) (*LoadedConfig, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("config must define at least one host")
	}

	hosts := make(map[string]*loadedHostConfig, len(cfg.Hosts))
	for hostname, host := range cfg.Hosts {
		if err := validateHostConfig(hostname, &host); err != nil {
			return nil, fmt.Errorf("invalid config for host %q: %w", hostname, err)
		}

		hosts[hostname] = &loadedHostConfig{
			hostname:       hostname,
			serviceDID:     host.ServiceDID,
			accessSecret:   []byte(host.JWT.AccessSecret),
			refreshSecret:  []byte(host.JWT.RefreshSecret),
			userDomains:    host.UserDomains,
			contactEmail:   host.ContactEmail,
			privacyPolicy:  host.PrivacyPolicy,
			termsOfService: host.TermsOfService,
		}
	}

	mode := ModeMulti
	if accountMode(cfg.Mode) == ModeSingle {
		mode = ModeSingle
	}

	if mode == ModeSingle && len(hosts) > 1 {
		return nil, fmt.Errorf("single account mode only supports one configured host")
	}

	adminDIDs := make(map[string]bool, len(cfg.AdminDIDs))
	for _, did := range cfg.AdminDIDs {
		adminDIDs[did] = true
	}

	return &LoadedConfig{
		Hosts:     hosts,
		Blobstore: cfg.Blobstore,
		Runtime: runtimeConfig{
			plcURL:         cfg.PLCURL,
			relayURL:       cfg.RelayURL,
			appviewURLs:    cfg.AppviewURLs,
			mode:           mode,
			inviteRequired: cfg.InviteRequired,
			adminDIDs:      adminDIDs,
		},
	}, nil
}

func validateHostConfig(hostname string, cfg *Host) error {
	switch {
	case hostname == "":
		return fmt.Errorf("hostname cannot be empty")
	case cfg.ServiceDID == "":
		return fmt.Errorf("service_did is required")
	case cfg.JWT.AccessSecret == "":
		return fmt.Errorf("jwt.access_secret is required")
	case cfg.JWT.RefreshSecret == "":
		return fmt.Errorf("jwt.refresh_secret is required")
	case cfg.JWT.AccessSecret == cfg.JWT.RefreshSecret:
		return fmt.Errorf("jwt.access_secret and jwt.refresh_secret must differ")
	case len(cfg.UserDomains) == 0:
		return fmt.Errorf("user_domains is required")
	}
	return nil
}
