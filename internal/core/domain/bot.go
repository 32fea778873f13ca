package domain

import (
	"regexp"
	"strings"
	"time"
)

// BotStatus is the persisted lifecycle state of a bot.
type BotStatus string

const (
	StatusStopped   BotStatus = "stopped"
	StatusDeploying BotStatus = "deploying"
	StatusRunning   BotStatus = "running"
	StatusError     BotStatus = "error"
)

// DeploySource tells the resolver how to materialize a bot's artifact.
type DeploySource string

const (
	SourceArchive    DeploySource = "archive"
	SourceRepository DeploySource = "repository"
	SourceContainer  DeploySource = "container"
)

// Bot represents a user-supplied program registered for managed hosting.
type Bot struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Language     string       `json:"language"`
	Source       DeploySource `json:"source"`
	RepoURL      string       `json:"repo_url,omitempty"`
	BuildCommand string       `json:"build_command,omitempty"`
	RunCommand   string       `json:"run_command"`
	AutoRestart  bool         `json:"auto_restart"`
	Status       BotStatus    `json:"status"`
	// ArtifactPath is the resolved directory for file-backed bots, or the
	// image reference for container-backed bots.
	ArtifactPath string    `json:"artifact_path,omitempty"`
	EnvText      string    `json:"-"`
	Port         int       `json:"port"`
	PID          int       `json:"pid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ContainerBacked reports whether the bot runs as a container rather than
// a host process.
func (b *Bot) ContainerBacked() bool {
	return b.Source == SourceContainer
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateName checks the bot name against the allowed charset.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// Validate rejects bots that cannot be deployed before any side effect.
func (b *Bot) Validate() error {
	if err := ValidateName(b.Name); err != nil {
		return err
	}
	switch b.Source {
	case SourceArchive:
	case SourceRepository, SourceContainer:
		if strings.TrimSpace(b.RepoURL) == "" {
			return ErrMissingRepoURL
		}
	default:
		return ErrUnknownSource
	}
	return nil
}

// BotUpdate is a partial patch applied to a persisted bot. Nil fields are
// left untouched. Port is fixed at registration and has no patch field.
type BotUpdate struct {
	Status       *BotStatus
	ArtifactPath *string
	EnvText      *string
	PID          *int
	RunCommand   *string
	BuildCommand *string
	AutoRestart  *bool
}
