// Package provisioner is the typed boundary to the shell scripts that create,
// resize, delete and compact borg repositories and report their freshness and
// disk usage.
//
// Every failure mode of a script (could not start, timed out, wrote to stderr,
// printed something unparseable) comes back as an apperror.ErrProvisioner.
package provisioner

import "context"

// LastSave is one entry of the getLastSave report.
type LastSave struct {
	RepositoryName string `json:"repositoryName"`
	LastSave       int64  `json:"lastSave"`
}

// StorageUsage is one entry of the getStorageUsed report (KB).
type StorageUsage struct {
	RepositoryName string  `json:"repositoryName"`
	StorageUsed    float64 `json:"storageUsed"`
}

// Provisioner performs the out-of-process repository operations.
type Provisioner interface {
	// CreateRepo returns the repository name chosen by the script.
	CreateRepo(ctx context.Context, sshPublicKey string, storageSizeGB int, appendOnly bool) (string, error)
	UpdateRepo(ctx context.Context, repositoryName, sshPublicKey string, storageSizeGB int, appendOnly bool) error
	DeleteRepo(ctx context.Context, repositoryName string) error
	CompactRepo(ctx context.Context, repositoryName string) error
	GetLastSaveList(ctx context.Context) ([]LastSave, error)
	GetStorageUsed(ctx context.Context) ([]StorageUsage, error)
}
