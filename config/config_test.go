package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPersonaForServer(t *testing.T) {
	cfg := &Config{
		Personas: []PersonaConfig{
			{ID: "alpha", ServerID: "server1"},
			{ID: "beta", ServerID: "server2"},
		},
	}

	got := cfg.PersonaForServer("server2")
	assert.NotNil(t, got)
	assert.Equal(t, "beta", got.ID)

	assert.Nil(t, cfg.PersonaForServer("server3"))
}

func TestResolveDBPath(t *testing.T) {
	p := &PersonaConfig{ServerID: "server1"}
	got := p.ResolveDBPath("/data/convobridge.db")
	assert.Equal(t, "/data/personas/server1/convobridge.db", got)

	p2 := &PersonaConfig{ServerID: "server1", DBPath: "/custom/path.db"}
	assert.Equal(t, "/custom/path.db", p2.ResolveDBPath("/data/convobridge.db"))
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.toml"
	writeFile(t, path, `
[bot]
token = "abc"
[provider]
api_key = "test-key"
`)
	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, 180000, cfg.Engine.MaxContextTokens)
	assert.Equal(t, 30000, cfg.Engine.FreezeThresholdTokens)
	assert.InDelta(t, 4.0, cfg.Engine.CharsPerToken, 0.0001)
	assert.Equal(t, ":8080", cfg.Web.Addr)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.Provider.BaseURL)
	assert.Equal(t, 30, cfg.Provider.RequestTimeoutSeconds)
}

func TestLoadRequiresProviderAPIKey(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.toml"
	writeFile(t, path, `
[bot]
token = "abc"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRequiresTokenUnlessPersonasHaveOne(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.toml"
	writeFile(t, path, `
[provider]
api_key = "test-key"
[[personas]]
id = "a"
server_id = "s1"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}
