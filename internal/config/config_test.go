package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("QACRAWL_SOURCE_BASE_URL", "https://qa.example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 4, cfg.Crawl.Workers)
	require.Equal(t, 3, cfg.Crawl.SoftBlockEscalate)
	require.Equal(t, 2, cfg.Session.LowWater)
	require.Equal(t, 60*time.Minute, cfg.SessionMaxAge())
	require.Equal(t, 15*time.Second, cfg.SourceTimeout())
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9090
source:
  base_url: https://qa.example.com
crawl:
  workers: 8
  soft_block_escalate: 5
session:
  degrade_after: 2
  retire_after: 6
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 8, cfg.Crawl.Workers)
	require.Equal(t, 5, cfg.Crawl.SoftBlockEscalate)
	require.Equal(t, 2, cfg.Session.DegradeAfter)
	require.Equal(t, 6, cfg.Session.RetireAfter)
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Source:  SourceConfig{BaseURL: "https://qa.example.com", TimeoutSeconds: 10},
		Crawl:   CrawlConfig{Workers: 2, MaxPagesPerTarget: 10, SoftBlockEscalate: 3},
		Session: SessionConfig{DegradeAfter: 3, RetireAfter: 8},
	}
	require.NoError(t, base.Validate())

	noURL := base
	noURL.Source.BaseURL = ""
	require.Error(t, noURL.Validate())

	noWorkers := base
	noWorkers.Crawl.Workers = 0
	require.Error(t, noWorkers.Validate())

	badBrowser := base
	badBrowser.Browser = BrowserConfig{Enabled: true, MaxParallel: 0}
	require.Error(t, badBrowser.Validate())
}
