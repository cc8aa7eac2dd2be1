// Package config holds the wit-harvester command configuration. Values
// are read from flags and environment variables with goconfig.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/wit-harvester/pkg/client"
	"github.com/Sternrassler/wit-harvester/pkg/logging"
	"github.com/Sternrassler/wit-harvester/pkg/pagination"
	"github.com/google/uuid"
)

// TokenEnv is read for the personal access token when none is configured.
const TokenEnv = "AZURE_DEVOPS_EXT_PAT"

type Configuration struct {
	Organization string `usage:"Azure DevOps organization"`
	Project      string `usage:"team project"`
	Token        string `usage:"personal access token (defaults to $AZURE_DEVOPS_EXT_PAT)"`
	BaseURL      string `usage:"service root, e.g. an Azure DevOps Server collection URL"`

	Query        string `usage:"WIQL query; overrides the default open items query"`
	QueryID      string `usage:"saved query id (GUID); overrides query and work item type"`
	WorkItemType string `usage:"work item type selected by the default query"`
	Keyword      string `usage:"keyword searched for, case-insensitive"`
	Fields       string `usage:"comma separated fields searched for the keyword"`

	BatchSize    int           `usage:"work items per request (1..200)"`
	Concurrency  int           `usage:"maximum concurrent batch requests"`
	BatchTimeout time.Duration `usage:"timeout per batch request"`
	Policy       string        `usage:"batch window policy: half-open | legacy"`
	OnError      string        `usage:"batch failure policy: fail-fast | best-effort"`

	RequestsPerSecond float64       `usage:"client-side request rate, 0 disables pacing"`
	MaxRetries        int           `usage:"retries per request for server, network and rate limit errors"`
	MaxRateLimitWait  time.Duration `usage:"longest wait for the service's rate limit before a request fails"`
	RedisAddr         string        `usage:"Redis address for the response cache and shared rate limit state"`
	RedisDB           int           `usage:"Redis database"`
	CacheTTL          time.Duration `usage:"cache lifetime for responses without Expires"`

	Sorted  bool `usage:"sort output by work item id"`
	Summary bool `usage:"print the result count before the matches"`

	MetricsAddr string `usage:"serve Prometheus metrics on this address"`
	LogLevel    string `usage:"log level: debug | info | warn | error"`
	LogPretty   bool   `usage:"human readable logs on stderr"`

	Version    bool `usage:"show version and exit"`
	ShowConfig bool `usage:"print config"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Configuration {
	fetch := pagination.DefaultConfig()
	return Configuration{
		Token:             os.Getenv(TokenEnv),
		BaseURL:           client.DefaultBaseURL,
		WorkItemType:      "User Story",
		Keyword:           "fargo",
		BatchSize:         client.MaxBatchSize,
		Concurrency:       fetch.MaxConcurrency,
		BatchTimeout:      fetch.Timeout,
		Policy:            pagination.PolicyHalfOpen.String(),
		OnError:           pagination.FailFast.String(),
		RequestsPerSecond: 20,
		MaxRetries:        3,
		MaxRateLimitWait:  client.DefaultMaxRateLimitWait,
		CacheTTL:          5 * time.Minute,
		Sorted:            true,
		Summary:           true,
		LogLevel:          string(logging.LevelInfo),
	}
}

// Validate reports every invalid setting.
func (c *Configuration) Validate() error {
	var errs []error
	if c.Organization == "" {
		errs = append(errs, errors.New("organization is required"))
	}
	if c.Project == "" {
		errs = append(errs, errors.New("project is required"))
	}
	if c.Token == "" {
		errs = append(errs, fmt.Errorf("token is required (flag or $%s)", TokenEnv))
	}
	if strings.TrimSpace(c.Keyword) == "" {
		errs = append(errs, errors.New("keyword is required"))
	}
	if c.QueryID == "" && c.Query == "" && c.WorkItemType == "" {
		errs = append(errs, errors.New("query id, query or work item type is required"))
	}
	if c.QueryID != "" {
		if _, err := uuid.Parse(c.QueryID); err != nil {
			errs = append(errs, fmt.Errorf("query id %q is not a GUID", c.QueryID))
		}
	}
	if c.BatchSize < 1 || c.BatchSize > client.MaxBatchSize {
		errs = append(errs, fmt.Errorf("batch size must be between 1 and %d (got %d)", client.MaxBatchSize, c.BatchSize))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1 (got %d)", c.Concurrency))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must be >= 0 (got %d)", c.MaxRetries))
	}
	if c.MaxRateLimitWait < 0 {
		errs = append(errs, fmt.Errorf("max rate limit wait must be >= 0 (got %s)", c.MaxRateLimitWait))
	}
	if c.MaxRateLimitWait == 0 || c.BatchTimeout <= c.MaxRateLimitWait {
		errs = append(errs, fmt.Errorf("batch timeout (%s) must exceed max rate limit wait (%s)", c.BatchTimeout, c.MaxRateLimitWait))
	}
	if _, err := pagination.ParsePolicy(c.Policy); err != nil {
		errs = append(errs, err)
	}
	if _, err := pagination.ParseErrorPolicy(c.OnError); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WIQL returns the configured query, or the open items query for the
// project and work item type.
func (c *Configuration) WIQL() string {
	if c.Query != "" {
		return c.Query
	}
	return client.OpenItemsQuery(c.Project, c.WorkItemType)
}

// SearchFields returns the fields searched for the keyword. Nil means
// the filter defaults.
func (c *Configuration) SearchFields() []string {
	var fields []string
	for _, f := range strings.Split(c.Fields, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// FetchConfig returns the batch fetcher settings. Call after Validate.
func (c *Configuration) FetchConfig() pagination.Config {
	cfg := pagination.DefaultConfig()
	cfg.BatchSize = c.BatchSize
	cfg.MaxConcurrency = c.Concurrency
	cfg.Timeout = c.BatchTimeout
	cfg.Policy, _ = pagination.ParsePolicy(c.Policy)
	cfg.OnError, _ = pagination.ParseErrorPolicy(c.OnError)
	return cfg
}

// ClientConfig returns the REST client settings without a Redis client.
func (c *Configuration) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.Organization, c.Project, c.Token)
	if c.BaseURL != "" {
		cfg.BaseURL = c.BaseURL
	}
	cfg.RequestsPerSecond = c.RequestsPerSecond
	cfg.MaxRetries = c.MaxRetries
	cfg.MaxRateLimitWait = c.MaxRateLimitWait
	cfg.CacheTTL = c.CacheTTL
	return cfg
}

// Redacted returns a copy safe to print.
func (c Configuration) Redacted() Configuration {
	if c.Token != "" {
		c.Token = "****"
	}
	return c
}
