package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "baboonrc")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const validConfig = `
[user]
jid = alice@example.com
passwd = secret

[server]
master = baboond@example.com
pubsub = pubsub.example.com
streamer = streamer.example.com
max_stanza_size = 32768

[myproject]
path = /home/alice/code/myproject
scm = git
enable = 1

[archived]
path = /home/alice/code/archived
scm = git
enable = 0
`

func TestLoad_ParsesUserServerAndProjectSections(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", cfg.User.JID)
	assert.Equal(t, "secret", cfg.User.Passwd)
	assert.Equal(t, "baboond@example.com", cfg.Server.Master)
	assert.Equal(t, 32768, cfg.Server.MaxStanzaSize)

	require.Len(t, cfg.Projects, 2)
	proj, ok := cfg.Project("myproject")
	require.True(t, ok)
	assert.True(t, proj.Enabled)
	assert.Equal(t, ScmGit, proj.Scm)
}

func TestLoad_EnabledProjectsFiltersDisabled(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	enabled := cfg.EnabledProjects()
	require.Len(t, enabled, 1)
	assert.Equal(t, "myproject", enabled[0].Name)
}

func TestLoad_DefaultsMaxStanzaSizeWhenAbsent(t *testing.T) {
	path := writeConfig(t, `
[user]
jid = a@b.com
passwd = x

[server]
master = m@b.com
pubsub = pubsub.b.com
streamer = streamer.b.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxStanzaSize, cfg.Server.MaxStanzaSize)
}

func TestLoad_MissingUserJIDIsConfigError(t *testing.T) {
	path := writeConfig(t, `
[user]
passwd = x

[server]
master = m@b.com
pubsub = p.b.com
streamer = s.b.com
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsUnsupportedScm(t *testing.T) {
	path := writeConfig(t, `
[user]
jid = a@b.com
passwd = x

[server]
master = m@b.com
pubsub = p.b.com
streamer = s.b.com

[proj]
path = /x
scm = svn
enable = 1
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsNonBooleanEnable(t *testing.T) {
	path := writeConfig(t, `
[user]
jid = a@b.com
passwd = x

[server]
master = m@b.com
pubsub = p.b.com
streamer = s.b.com

[proj]
path = /x
scm = git
enable = maybe
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent"))
	assert.Error(t, err)
}
