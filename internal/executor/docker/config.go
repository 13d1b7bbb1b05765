package docker

import (
	"time"
)

// Config holds the settings for running commands inside a container.
type Config struct {
	// Container is the name or id of the running container that hosts the
	// borg repositories and the provisioning scripts.
	Container string
	// User runs the command as this user inside the container.
	User string
	// WorkingDir is the command's working directory inside the container.
	WorkingDir string
	// Env is passed to every exec.
	Env []string
	// Timeout bounds every command that does not carry its own.
	Timeout time.Duration
}

// DefaultConfig targets the container used by the stock compose file.
func DefaultConfig() Config {
	return Config{
		Container: "borgwarehouse",
		User:      "borgwarehouse",
		Timeout:   30 * time.Second,
	}
}
