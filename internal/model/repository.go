// Package model defines the records persisted by the RecordStore and
// exchanged with the HTTP API. Field names follow the JSON layout of the
// on-disk collections (camelCase), so existing repo.json / users.json files
// decode without a migration step.
package model

// Repository is one hosted Borg backup target.
//
// ID and RepositoryName never change after creation. StorageUsed, Status and
// LastSave are written by reconciliation and storage monitoring only.
type Repository struct {
	ID                  int     `json:"id"`
	RepositoryName      string  `json:"repositoryName"`
	Alias               string  `json:"alias"`
	SSHPublicKey        string  `json:"sshPublicKey"`
	StorageSize         int     `json:"storageSize"` // GB
	StorageUsed         float64 `json:"storageUsed"` // KB
	Status              bool    `json:"status"`
	LastSave            int64   `json:"lastSave"`
	Alert               int64   `json:"alert"` // seconds, 0 disables alerting
	LastStatusAlertSend *int64  `json:"lastStatusAlertSend,omitempty"`
	Comment             string  `json:"comment"`
	LanCommand          bool    `json:"lanCommand"`
	AppendOnlyMode      bool    `json:"appendOnlyMode"`
	DisplayDetails      bool    `json:"displayDetails"`
	OwnerID             int     `json:"ownerId"`
}

// AlertingEnabled reports whether the repository may ever join an alert batch.
func (r *Repository) AlertingEnabled() bool {
	return r.Alert != 0
}

// CloneRepositories returns a deep copy of repos, including the
// LastStatusAlertSend pointers.
func CloneRepositories(repos []Repository) []Repository {
	if repos == nil {
		return nil
	}
	out := make([]Repository, len(repos))
	copy(out, repos)
	for i := range out {
		if out[i].LastStatusAlertSend != nil {
			v := *out[i].LastStatusAlertSend
			out[i].LastStatusAlertSend = &v
		}
	}
	return out
}

// NextRepositoryID returns max(existing ids)+1, or 0 for an empty list.
func NextRepositoryID(repos []Repository) int {
	if len(repos) == 0 {
		return 0
	}
	next := repos[0].ID
	for _, r := range repos[1:] {
		if r.ID > next {
			next = r.ID
		}
	}
	return next + 1
}

// FindRepository returns the index of the repository with the given name, or -1.
func FindRepository(repos []Repository, name string) int {
	for i := range repos {
		if repos[i].RepositoryName == name {
			return i
		}
	}
	return -1
}
