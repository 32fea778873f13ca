// Package gitrepo implements ports.RepoCloner on go-git.
package gitrepo

import (
	"context"
	"fmt"

	git "github.com/go-git/go-git/v5"
)

type Cloner struct{}

func NewCloner() *Cloner {
	return &Cloner{}
}

// Clone performs a shallow clone of url into dir.
func (c *Cloner) Clone(ctx context.Context, url, dir string) error {
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:   url,
		Depth: 1, // shallow clone for speed
	})
	if err != nil {
		return fmt.Errorf("failed to clone repo: %w", err)
	}
	return nil
}
