package ports

import "context"

// ImageBuilder defines operations for building container images from a
// resolved source directory.
type ImageBuilder interface {
	// BuildImage builds an image from the Dockerfile at the root of dir and
	// tags it with tag. Milestone build output is delivered through onLine.
	BuildImage(ctx context.Context, dir, tag string, onLine func(line string)) error
}
