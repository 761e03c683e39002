package models

// Config is the engine configuration file (config.yaml)
type Config struct {
	Storage Storage     `yaml:"storage" mapstructure:"storage"`
	Git     GitSettings `yaml:"git" mapstructure:"git"`
	Log     LogSettings `yaml:"log" mapstructure:"log"`
	Users   []User      `yaml:"users" mapstructure:"users" validate:"dive"`
}

// Storage locates the on-disk state of the engine
type Storage struct {
	Root        string `yaml:"root" mapstructure:"root" validate:"required"`                 // Working copies, one per project
	RemotesRoot string `yaml:"remotes_root" mapstructure:"remotes_root" validate:"required"` // Bare remotes for local provisioning
	ScratchRoot string `yaml:"scratch_root" mapstructure:"scratch_root"`                     // Checkout and download scratch space
	Database    string `yaml:"database" mapstructure:"database" validate:"required"`         // Record store directory
}

// GitSettings controls the Repository Manager
type GitSettings struct {
	Branch         string `yaml:"branch" mapstructure:"branch" validate:"required"`
	CommitterName  string `yaml:"committer_name" mapstructure:"committer_name" validate:"required"`
	CommitterEmail string `yaml:"committer_email" mapstructure:"committer_email" validate:"required,email"`
	MaxAttempts    int    `yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=1,max=10"`
	RemoteBaseURL  string `yaml:"remote_base_url" mapstructure:"remote_base_url"` // Empty means local bare remotes
}

// LogSettings controls the zap logger
type LogSettings struct {
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error none"`
}

// User is an access control entry
type User struct {
	Name     string                 `yaml:"name" mapstructure:"name" validate:"required"`
	Email    string                 `yaml:"email" mapstructure:"email" validate:"omitempty,email"`
	Admin    bool                   `yaml:"admin" mapstructure:"admin"`
	Projects map[string]AccessLevel `yaml:"projects" mapstructure:"projects"`
}
