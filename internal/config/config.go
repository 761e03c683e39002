// Package config loads the engine configuration from config.yaml, the
// SPELEOSTORE_ environment and built-in defaults.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"speleostore/internal/common"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

const (
	// ConfigEnvVar points at an explicit configuration file
	ConfigEnvVar = "SPELEOSTORE_CONFIG"

	// EnvPrefix prefixes every environment override, e.g. SPELEOSTORE_GIT_BRANCH
	EnvPrefix = "SPELEOSTORE"

	configDirName = ".speleostore"
)

var configValidate = validator.New()

func GetConfigPath() string {
	if configPath := os.Getenv(ConfigEnvVar); configPath != "" {
		return filepath.Dir(configPath)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, configDirName)
}

func GetConfigFile() string {
	if configFile := os.Getenv(ConfigEnvVar); configFile != "" {
		cleaned, err := common.CleanPath(configFile)
		if err != nil {
			return filepath.Join(GetConfigPath(), "config.yaml")
		}
		return cleaned
	}
	return filepath.Join(GetConfigPath(), "config.yaml")
}

// Defaults are applied below the configuration file and the environment.
// Storage paths default to directories under base.
func setDefaults(v *viper.Viper, base string) {
	v.SetDefault("storage.root", filepath.Join(base, "projects"))
	v.SetDefault("storage.remotes_root", filepath.Join(base, "remotes"))
	v.SetDefault("storage.scratch_root", filepath.Join(base, "scratch"))
	v.SetDefault("storage.database", filepath.Join(base, "db"))
	v.SetDefault("git.branch", "master")
	v.SetDefault("git.committer_name", "SpeleoStore")
	v.SetDefault("git.committer_email", "noreply@speleostore.local")
	v.SetDefault("git.max_attempts", 3)
	v.SetDefault("git.remote_base_url", "")
	v.SetDefault("log.level", "info")
}

// Load reads the configuration file if present, applies environment
// overrides and validates the result
func Load() (*models.Config, error) {
	return LoadFile(GetConfigFile())
}

// LoadFile is Load for an explicit file. A missing file leaves the defaults.
func LoadFile(configFile string) (*models.Config, error) {
	cleanedPath, err := common.CleanPath(configFile)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "Invalid config file path")
	}

	v := viper.New()
	setDefaults(v, filepath.Dir(cleanedPath))
	v.SetConfigFile(cleanedPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "Failed to read config file").
				WithContext("path", cleanedPath)
		}
	}

	var config models.Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "Failed to decode config").
			WithContext("path", cleanedPath)
	}
	if err := Validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the struct tags of config
func Validate(config *models.Config) error {
	if err := configValidate.Struct(config); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.New(errors.ErrCodeConfiguration,
				fmt.Sprintf("Invalid configuration: %s fails %q", fe.Namespace(), fe.Tag())).
				WithContext("field", fe.Namespace()).
				WithContext("received", fe.Value())
		}
		return errors.Wrap(err, errors.ErrCodeConfiguration, "Invalid configuration")
	}
	for _, u := range config.Users {
		for project, level := range u.Projects {
			if !models.AccessLevel(strings.ToUpper(string(level))).Valid() {
				return errors.New(errors.ErrCodeConfiguration,
					fmt.Sprintf("Invalid access level %q for user %s on project %s", level, u.Name, project))
			}
		}
	}
	return nil
}

// Save writes config to configFile, creating its directory
func Save(config *models.Config, configFile string) error {
	if err := os.MkdirAll(filepath.Dir(configFile), common.DirPermissionSecure); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, common.FilePermissionSecure); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Exists reports whether configFile is present
func Exists(configFile string) bool {
	_, err := os.Stat(configFile)
	return err == nil
}
