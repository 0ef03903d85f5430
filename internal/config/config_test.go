package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/sedes/internal/cluster"
	"github.com/dreamware/sedes/internal/protocol"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const managerYAML = `
siteId: site1
role: primary
dataDir: /var/lib/sedes
serviceAddr: ":9001"
healthAddr: ":9101"
redis:
  addr: localhost:6379
peerChannel: sedes:replica:site2
checkInterval: 10s
`

func managerFlags(c *Manager) *pflag.FlagSet {
	fs := pflag.NewFlagSet("manager", pflag.ContinueOnError)
	fs.StringVar(&c.SiteID, "site-id", "", "")
	fs.StringVar(&c.ServiceAddr, "service-addr", ":9001", "")
	fs.DurationVar((*time.Duration)(&c.CheckInterval), "check-interval", 5*time.Second, "")
	return fs
}

func TestLoadManagerPrecedence(t *testing.T) {
	path := writeFile(t, "manager.yaml", managerYAML)

	t.Run("file over flag defaults", func(t *testing.T) {
		var c Manager
		fs := managerFlags(&c)
		require.NoError(t, fs.Parse(nil))

		require.NoError(t, Load(&c, fs, path, ""))
		assert.Equal(t, "site1", c.SiteID)
		assert.Equal(t, 10*time.Second, c.CheckInterval.Std())
		assert.Equal(t, "localhost:6379", c.Peer().Addr, "peer redis defaults to the site's")
		assert.Equal(t, "sedes:replica:site1", c.BroadcastChannel())
	})

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("SEDES_SITE_ID", "site2")
		t.Setenv("SEDES_PEER_CHANNEL", "sedes:replica:site1")
		t.Setenv("SEDES_CHECK_INTERVAL", "1m")
		t.Setenv("SEDES_PEER_REDIS_ADDR", "peer:6379")

		var c Manager
		require.NoError(t, Load(&c, nil, path, ""))
		assert.Equal(t, "site2", c.SiteID)
		assert.Equal(t, time.Minute, c.CheckInterval.Std())
		assert.Equal(t, "peer:6379", c.Peer().Addr)
	})

	t.Run("explicit flags over env", func(t *testing.T) {
		t.Setenv("SEDES_SITE_ID", "site2")
		t.Setenv("SEDES_PEER_CHANNEL", "sedes:replica:site1")

		var c Manager
		fs := managerFlags(&c)
		require.NoError(t, fs.Parse([]string{"--site-id=site3", "--check-interval=2s"}))

		require.NoError(t, Load(&c, fs, path, ""))
		assert.Equal(t, "site3", c.SiteID)
		assert.Equal(t, 2*time.Second, c.CheckInterval.Std())
		assert.Equal(t, ":9001", c.ServiceAddr)
	})
}

func TestLoadEnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", "SEDES_SITE_ID=site2\nSEDES_DATA_DIR=/data\nSEDES_SERVICE_ADDR=:9002\nSEDES_HEALTH_ADDR=:9102\n")

	var c Manager
	require.NoError(t, Load(&c, nil, "", envFile))
	assert.Equal(t, "site2", c.SiteID)
	assert.Equal(t, "/data", c.DataDir)

	t.Setenv("SEDES_SITE_ID", "site9")
	c = Manager{}
	require.NoError(t, Load(&c, nil, "", envFile))
	assert.Equal(t, "site9", c.SiteID, "process environment wins over the env file")
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		envFile string
	}{
		{"unknown field", managerYAML + "colour: blue\n", nil, ""},
		{"bad duration in file", managerYAML + "recoveryDelay: soon\n", nil, ""},
		{"bad duration in env", managerYAML, map[string]string{"SEDES_LOAN_PERIOD": "a week"}, ""},
		{"bad int in env", managerYAML, map[string]string{"SEDES_REDIS_DB": "zero"}, ""},
		{"missing env file", managerYAML, nil, "/nonexistent/.env"},
		{"invalid result", "siteId: site1\n", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			var c Manager
			assert.Error(t, Load(&c, nil, writeFile(t, "c.yaml", tt.yaml), tt.envFile))
		})
	}

	var c Manager
	assert.Error(t, Load(&c, nil, "/nonexistent/manager.yaml", ""))
}

func TestManagerValidate(t *testing.T) {
	valid := func() Manager {
		return Manager{SiteID: "site1", DataDir: "d", ServiceAddr: ":9001", HealthAddr: ":9101"}
	}
	tests := []struct {
		name   string
		modify func(*Manager)
		ok     bool
	}{
		{"valid", func(*Manager) {}, true},
		{"no site", func(c *Manager) { c.SiteID = "" }, false},
		{"no data dir", func(c *Manager) { c.DataDir = "" }, false},
		{"same addresses", func(c *Manager) { c.HealthAddr = c.ServiceAddr }, false},
		{"bad role", func(c *Manager) { c.Role = "leader" }, false},
		{"secondary role", func(c *Manager) { c.Role = "secondary" }, true},
		{"peer channel without redis", func(c *Manager) { c.PeerChannel = "sedes:replica:site2" }, false},
		{"peer channel equals own", func(c *Manager) {
			c.Redis.Addr = "r:6379"
			c.PeerChannel = "sedes:replica:site1"
		}, false},
		{"negative duration", func(c *Manager) { c.LoanPeriod = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(&c)
			if tt.ok {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}

func TestHandlerConfig(t *testing.T) {
	t.Setenv("SEDES_SITES", "site1=http://a:9001;http://a:9101, site2=http://b:9002")
	t.Setenv("SEDES_KINDS", "prestar, BORROW")

	var c Handler
	path := writeFile(t, "handler.yaml", "listenAddr: \":8081\"\npolicy: exhaustive\ntimeout: 3s\n")
	require.NoError(t, Load(&c, nil, path, ""))

	assert.Equal(t, []cluster.SiteInfo{
		{ID: "site1", Addr: "http://a:9001", HealthAddr: "http://a:9101"},
		{ID: "site2", Addr: "http://b:9002"},
	}, c.Sites)
	kinds, err := c.ParsedKinds()
	require.NoError(t, err)
	assert.Equal(t, []protocol.Kind{protocol.KindBorrow}, kinds)
	assert.Equal(t, 3*time.Second, c.Timeout.Std())

	bad := []func(*Handler){
		func(h *Handler) { h.Sites = nil },
		func(h *Handler) { h.Kinds = []string{"RESERVAR"} },
		func(h *Handler) { h.Policy = "random" },
		func(h *Handler) { h.ListenAddr = "" },
		func(h *Handler) { h.Topic = "sedes:ops:return" },
		func(h *Handler) { h.Workers = -1 },
	}
	for i, modify := range bad {
		h := c
		modify(&h)
		assert.Error(t, h.Validate(), "case %d", i)
	}
}

func TestRouterValidate(t *testing.T) {
	base := Router{ListenAddr: ":8080", BorrowHandler: "http://h1", ReturnHandler: "http://h2", RenewHandler: "http://h3"}
	assert.NoError(t, base.Validate())

	ff := base
	ff.ReturnHandler = ""
	ff.ReturnStrategy = "fire-and-forget"
	assert.Error(t, ff.Validate(), "fire-and-forget needs redis")
	ff.Redis.Addr = "localhost:6379"
	assert.NoError(t, ff.Validate())

	missing := base
	missing.RenewHandler = ""
	assert.Error(t, missing.Validate())

	unknown := base
	unknown.RenewStrategy = "later"
	assert.Error(t, unknown.Validate())

	noBorrow := base
	noBorrow.BorrowHandler = ""
	assert.Error(t, noBorrow.Validate())
}

func TestMonitorConfig(t *testing.T) {
	c := Monitor{
		ListenAddr: ":9200",
		Sites: []cluster.SiteInfo{
			{ID: "site1", HealthAddr: "localhost:9101"},
			{ID: "site2", HealthAddr: "localhost:9102"},
		},
	}
	require.NoError(t, c.Validate())
	p, s := c.Pair()
	assert.Equal(t, "site1", p)
	assert.Equal(t, "site2", s)

	c.Primary, c.Secondary = "site2", "site1"
	require.NoError(t, c.Validate())

	c.Secondary = "site3"
	assert.Error(t, c.Validate())

	c.Secondary = "site2"
	assert.Error(t, c.Validate())

	assert.Error(t, (&Monitor{ListenAddr: ":9200"}).Validate())
}

func TestParseSites(t *testing.T) {
	s, err := ParseSites("")
	require.NoError(t, err)
	assert.Empty(t, s)

	_, err = ParseSites("site1")
	assert.Error(t, err)
	_, err = ParseSites("=http://a")
	assert.Error(t, err)
}

func TestDurationYAML(t *testing.T) {
	var c Monitor
	require.NoError(t, decodeYAML([]byte("checkInterval: 750ms\n"), &c))
	assert.Equal(t, 750*time.Millisecond, c.CheckInterval.Std())
	assert.Equal(t, "750ms", c.CheckInterval.String())

	require.NoError(t, decodeYAML(nil, &c), "empty file")
}

func TestListFlags(t *testing.T) {
	var c Handler
	c.Kinds = []string{"BORROW"}
	fs := pflag.NewFlagSet("handler", pflag.ContinueOnError)
	fs.Var(SitesValue(&c.Sites), "sites", "")
	fs.Var(ListValue(&c.Kinds), "kinds", "")
	fs.StringVar(&c.ListenAddr, "listen-addr", "", "")
	require.NoError(t, fs.Parse([]string{
		"--sites", "site1=http://a:9001;http://a:9101,site2=http://b:9002",
		"--kinds", "RETURN,RENEW",
		"--listen-addr", ":8081",
	}))

	t.Setenv("SEDES_SITES", "site9=http://z:1")
	t.Setenv("SEDES_KINDS", "BORROW")
	require.NoError(t, Load(&c, fs, "", ""))

	assert.Equal(t, []string{"RETURN", "RENEW"}, c.Kinds)
	require.Len(t, c.Sites, 2)
	assert.Equal(t, "http://a:9101", c.Sites[0].HealthAddr)
	assert.Equal(t, "site1=http://a:9001;http://a:9101,site2=http://b:9002", FormatSites(c.Sites))

	assert.Error(t, fs.Set("sites", "broken"))
}
