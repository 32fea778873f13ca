package domain

import "errors"

var (
	ErrNotFound       = errors.New("bot not found")
	ErrNameTaken      = errors.New("bot name already in use")
	ErrInvalidName    = errors.New("bot name must match [A-Za-z0-9_-], max 64 chars")
	ErrMissingRepoURL = errors.New("repository URL is required for this source")
	ErrUnknownSource  = errors.New("unknown deployment source")
	ErrAlreadyRunning = errors.New("bot is already running")
	ErrNotRunning     = errors.New("bot is not running")
	ErrNotDeployed    = errors.New("bot has no resolved artifact")
	ErrDeployInFlight = errors.New("a deployment is already in progress")
)
