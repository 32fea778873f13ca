package ports

import "context"

// RepoCloner fetches a remote repository into a local directory.
type RepoCloner interface {
	Clone(ctx context.Context, url, dir string) error
}
