package cfg

import (
	"io"

	"github.com/pelletier/go-toml"
)

type Config struct {
	HTTPListenAddr            string `toml:"http_server_listen_addr"`
	HTTPSListenAddr           string `toml:"https_server_listen_addr"`
	HTTPSCertFile             string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile              string `toml:"https_ssl_key_file"`
	HTTPGithubWebhookEndpoint string `toml:"github_webhook_endpoint"`
	HTTPMetricsEndpoint       string `toml:"metrics_endpoint"`
	GithubWebHookSecret       string `toml:"github_webhook_secret"`
	GithubAPIToken            string `toml:"github_api_token"`
	LogFormat                 string `toml:"log_format"`
	LogTimeKey                string `toml:"log_time_key"`
	LogLevel                  string `toml:"log_level"`
	DatabaseURL               string `toml:"database_url"`

	Launchpad Launchpad `toml:"launchpad"`
	Poller    Poller    `toml:"poller"`
}

// Launchpad holds the connection settings for the Launchpad web service.
type Launchpad struct {
	APIBaseURL     string `toml:"api_base_url"`
	ConsumerKey    string `toml:"consumer_key"`
	TokenKey       string `toml:"token_key"`
	TokenSecret    string `toml:"token_secret"`
	ServiceAccount string `toml:"service_account"`
}

// DefGithubRepoPrefix is used when poller.github_repository_prefix is unset.
// Repository URLs are formed by joining it with <owner>/<name>.
const DefGithubRepoPrefix = "https://github.com"

// Poller configures the repository poll pass.
type Poller struct {
	Interval              string `toml:"interval"`
	Concurrency           int    `toml:"concurrency"`
	RequestBuilds         bool   `toml:"request_builds"`
	BuildThresholdHours   int    `toml:"build_threshold_hours"`
	GithubRepoPrefix      string `toml:"github_repository_prefix"`
	WebhookTriggerQuery   string `toml:"webhook_trigger_query"`
	SnapcraftManifestPath string `toml:"snapcraft_manifest_path"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	if result.Poller.GithubRepoPrefix == "" {
		result.Poller.GithubRepoPrefix = DefGithubRepoPrefix
	}

	return &result, nil
}

func (r *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(r)
}
