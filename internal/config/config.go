// Package config loads and validates the Baboon INI configuration file
// (spec §6): one [user] section, one [server] section, and one section
// per project named after the project itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/baboon-sync/baboon/internal/errors"
	"gopkg.in/ini.v1"
)

// ScmKind enumerates the source-control backends a project may use.
// The core only implements git (spec §4.1's ignore engine is
// git-specific); other values are rejected at load time.
type ScmKind string

// ScmGit is the only supported SCM backend.
const ScmGit ScmKind = "git"

// UserConfig holds the [user] section: the XMPP identity Baboon
// authenticates as.
type UserConfig struct {
	JID    string
	Passwd string
}

// ServerConfig holds the [server] section: where the daemon lives on
// the XMPP network and the stanza-splitting threshold.
type ServerConfig struct {
	Master        string
	Pubsub        string
	Streamer      string
	MaxStanzaSize int
}

// ProjectConfig holds one per-project section.
type ProjectConfig struct {
	Name    string
	Path    string
	Scm     ScmKind
	Enabled bool
}

// Config is the fully parsed and validated configuration file.
type Config struct {
	User     UserConfig
	Server   ServerConfig
	Projects []ProjectConfig
}

// EnabledProjects returns the subset of Projects with Enabled set,
// which is what `start` iterates over (spec §6).
func (c *Config) EnabledProjects() []ProjectConfig {
	var out []ProjectConfig
	for _, p := range c.Projects {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Project looks up a project section by name.
func (c *Config) Project(name string) (ProjectConfig, bool) {
	for _, p := range c.Projects {
		if p.Name == name {
			return p, true
		}
	}
	return ProjectConfig{}, false
}

const defaultMaxStanzaSize = 65536

// DefaultUserConfigPath returns ~/.baboonrc, the conventional location
// for the config file.
func DefaultUserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".baboonrc"
	}
	return filepath.Join(home, ".baboonrc")
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.ConfigErr(fmt.Sprintf("read config %s", path), err)
	}
	return fromFile(f)
}

func fromFile(f *ini.File) (*Config, error) {
	cfg := &Config{}

	userSec, err := f.GetSection("user")
	if err != nil {
		return nil, errors.ConfigErr("missing [user] section", err)
	}
	cfg.User = UserConfig{
		JID:    userSec.Key("jid").String(),
		Passwd: userSec.Key("passwd").String(),
	}
	if cfg.User.JID == "" {
		return nil, errors.ConfigErr("user.jid is required", nil)
	}
	if cfg.User.Passwd == "" {
		return nil, errors.ConfigErr("user.passwd is required", nil)
	}

	serverSec, err := f.GetSection("server")
	if err != nil {
		return nil, errors.ConfigErr("missing [server] section", err)
	}
	cfg.Server = ServerConfig{
		Master:        serverSec.Key("master").String(),
		Pubsub:        serverSec.Key("pubsub").String(),
		Streamer:      serverSec.Key("streamer").String(),
		MaxStanzaSize: serverSec.Key("max_stanza_size").MustInt(defaultMaxStanzaSize),
	}
	if cfg.Server.Master == "" {
		return nil, errors.ConfigErr("server.master is required", nil)
	}
	if cfg.Server.Pubsub == "" {
		return nil, errors.ConfigErr("server.pubsub is required", nil)
	}
	if cfg.Server.Streamer == "" {
		return nil, errors.ConfigErr("server.streamer is required", nil)
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection || name == "user" || name == "server" {
			continue
		}

		proj := ProjectConfig{
			Name: name,
			Path: sec.Key("path").String(),
			Scm:  ScmKind(sec.Key("scm").String()),
		}
		enabled, err := sec.Key("enable").Bool()
		if err != nil {
			return nil, errors.ConfigErr(fmt.Sprintf("project %q: enable must be 0 or 1", name), err)
		}
		proj.Enabled = enabled

		if proj.Path == "" {
			return nil, errors.ConfigErr(fmt.Sprintf("project %q: path is required", name), nil)
		}
		if proj.Scm != ScmGit {
			return nil, errors.ConfigErr(fmt.Sprintf("project %q: unsupported scm %q", name, proj.Scm), nil)
		}

		cfg.Projects = append(cfg.Projects, proj)
	}

	return cfg, nil
}
