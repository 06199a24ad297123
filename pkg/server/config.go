package server

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parley-chat/parley/pkg/crypto"
	"github.com/parley-chat/parley/pkg/datastore"
	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/state"
)

// configYAML is the on-disk server configuration. Every field is
// optional; absent fields keep their defaults.
type configYAML struct {
	ListenAddr    string `yaml:"listen_addr,omitempty"`
	VoiceAddr     string `yaml:"voice_addr,omitempty"`
	MetricsAddr   string `yaml:"metrics_addr,omitempty"`
	DBPath        string `yaml:"db_path,omitempty"`
	CommunityName string `yaml:"community_name,omitempty"`
	BootstrapFile string `yaml:"bootstrap_file,omitempty"`
	WriteTimeout  string `yaml:"write_timeout,omitempty"`
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return cfg, fmt.Errorf("server: read config: %w", err)
	}
	var y configYAML
	if err := yaml.Unmarshal(data, &y); err != nil {
		return cfg, fmt.Errorf("server: parse config: %w", err)
	}

	if y.ListenAddr != "" {
		cfg.ListenAddr = y.ListenAddr
	}
	if y.VoiceAddr != "" {
		cfg.VoiceAddr = y.VoiceAddr
	}
	if y.MetricsAddr != "" {
		cfg.MetricsAddr = y.MetricsAddr
	}
	if y.DBPath != "" {
		cfg.DBPath = y.DBPath
	}
	if y.CommunityName != "" {
		cfg.CommunityName = y.CommunityName
	}
	if y.BootstrapFile != "" {
		cfg.BootstrapFile = y.BootstrapFile
	}
	if y.WriteTimeout != "" {
		d, err := time.ParseDuration(y.WriteTimeout)
		if err != nil {
			return cfg, fmt.Errorf("server: parse write_timeout: %w", err)
		}
		cfg.WriteTimeout = d
	}
	return cfg, nil
}

// ChannelYAML represents a seed channel in the bootstrap file.
type ChannelYAML struct {
	Name string `yaml:"name"`
	Type string `yaml:"type,omitempty"` // TEXT (default) or VOICE
}

// UserYAML represents a seed user in the bootstrap file. Exactly one of
// password and password_hash should be set; a plain password is hashed
// on import.
type UserYAML struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty"`
	Role         string `yaml:"role,omitempty"` // member (default), moderator, admin, owner
}

// BootstrapConfig is the top-level YAML bootstrap file: channels and
// users to ensure exist on startup.
type BootstrapConfig struct {
	Channels []ChannelYAML `yaml:"channels"`
	Users    []UserYAML    `yaml:"users"`
}

// LoadBootstrapFromYAML reads a bootstrap file and seeds the community.
func LoadBootstrapFromYAML(path string, st *state.State, store datastore.DataStore) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided config
	if err != nil {
		return fmt.Errorf("server: read bootstrap file: %w", err)
	}
	return ImportBootstrapFromYAML(data, st, store)
}

// ImportBootstrapFromYAML parses bootstrap YAML and creates the channels
// and users that do not exist yet. Existing entries are left untouched.
func ImportBootstrapFromYAML(data []byte, st *state.State, store datastore.DataStore) error {
	var cfg BootstrapConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("server: parse bootstrap file: %w", err)
	}

	for _, ch := range cfg.Channels {
		if err := ensureChannel(st, store, ch); err != nil {
			slog.Error("failed to seed channel", "name", ch.Name, "err", err)
		}
	}
	for _, u := range cfg.Users {
		if err := ensureUser(st, store, u); err != nil {
			slog.Error("failed to seed user", "username", u.Username, "err", err)
		}
	}

	slog.Info("bootstrap applied", "channels", len(cfg.Channels), "users", len(cfg.Users))
	return nil
}

func ensureChannel(st *state.State, store datastore.DataStore, seed ChannelYAML) error {
	for _, existing := range st.Snapshot() {
		if existing.Name == seed.Name {
			return nil
		}
	}

	typeName := seed.Type
	if typeName == "" {
		typeName = model.ChannelText.String()
	}
	chType, err := model.ParseChannelType(typeName)
	if err != nil {
		return err
	}

	ch, err := st.CreateChannel(seed.Name, chType)
	if err != nil {
		return err
	}
	if err := store.SaveChannel(st.CommunityID(), &ch); err != nil {
		return err
	}
	slog.Debug("seeded channel", "name", ch.Name, "type", ch.Type)
	return nil
}

func ensureUser(st *state.State, store datastore.DataStore, seed UserYAML) error {
	// Existing users keep their password; the file's role is re-asserted
	// so a role change takes effect on the next start.
	if userID, _, ok := st.Credentials(seed.Username); ok {
		if seed.Role != "" {
			st.AssignRole(userID, StandingRoleID(model.ParseRoleKind(seed.Role)))
		}
		return nil
	}

	hash := seed.PasswordHash
	if hash == "" {
		if seed.Password == "" {
			return fmt.Errorf("user %q has neither password nor password_hash", seed.Username)
		}
		var err error
		hash, err = crypto.HashPassword(seed.Password)
		if err != nil {
			return err
		}
	}

	u, err := NewCommunityUser(seed.Username, hash, seed.Role)
	if err != nil {
		return err
	}
	st.AddUser(u)
	if err := store.SaveUser(st.CommunityID(), u); err != nil {
		return err
	}
	slog.Debug("seeded user", "username", u.Username, "role", seed.Role)
	return nil
}

// NewCommunityUser builds a user with the standing role named by kind.
// An empty kind gets the member tier's implicit permissions and no
// explicit role assignment.
func NewCommunityUser(username, passwordHash, roleKind string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, err
	}
	u := model.NewUser(username, passwordHash)
	if roleKind != "" {
		u.AssignRole(StandingRoleID(model.ParseRoleKind(roleKind)))
	}
	return u, nil
}
