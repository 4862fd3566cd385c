package cfg

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleConfig = `
http_server_listen_addr = ":8085"
github_webhook_endpoint = "/listener/github"
metrics_endpoint = "/metrics"
github_webhook_secret = "hook-secret"
github_api_token = "api-token"
log_format = "logfmt"
log_time_key = "time_iso8601"
log_level = "info"
database_url = "sqlite:///var/lib/snapwatcher/snapwatcher.db"

[launchpad]
api_base_url = "https://api.launchpad.net/devel"
consumer_key = "snapwatcher.example.com"
token_key = "token-key"
token_secret = "token-secret"
service_account = "snapbuilder"

[poller]
interval = "30m"
concurrency = 4
request_builds = true
build_threshold_hours = 24
github_repository_prefix = "https://github.com"
webhook_trigger_query = '.ref == ("refs/heads/" + .repository.default_branch)'
`

func TestLoad(t *testing.T) {
	config, err := Load(strings.NewReader(exampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8085", config.HTTPListenAddr)
	assert.Equal(t, "/listener/github", config.HTTPGithubWebhookEndpoint)
	assert.Equal(t, "/metrics", config.HTTPMetricsEndpoint)
	assert.Equal(t, "hook-secret", config.GithubWebHookSecret)
	assert.Equal(t, "sqlite:///var/lib/snapwatcher/snapwatcher.db", config.DatabaseURL)

	assert.Equal(t, "https://api.launchpad.net/devel", config.Launchpad.APIBaseURL)
	assert.Equal(t, "snapbuilder", config.Launchpad.ServiceAccount)

	assert.Equal(t, "30m", config.Poller.Interval)
	assert.Equal(t, 4, config.Poller.Concurrency)
	assert.True(t, config.Poller.RequestBuilds)
	assert.Equal(t, 24, config.Poller.BuildThresholdHours)
	assert.Equal(t, "https://github.com", config.Poller.GithubRepoPrefix)
}

func TestLoadDefaultsGithubRepoPrefix(t *testing.T) {
	config, err := Load(strings.NewReader(`
[poller]
interval = "30m"
`))
	require.NoError(t, err)

	assert.Equal(t, DefGithubRepoPrefix, config.Poller.GithubRepoPrefix)
}

func TestLoadInvalidToml(t *testing.T) {
	_, err := Load(strings.NewReader("this is not toml ["))
	require.Error(t, err)
}

func TestMarshalRoundtrip(t *testing.T) {
	config, err := Load(strings.NewReader(exampleConfig))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, config.Marshal(&buf))

	reloaded, err := Load(&buf)
	require.NoError(t, err)

	assert.Equal(t, config, reloaded)
}
