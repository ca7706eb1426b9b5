// Package image provisions the two images a sandbox needs: the VM disk
// image (downloaded, verified and extracted on the host) and the container
// image (checked against its registry digest).
package image

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// ResolveDigest returns the registry digest ("sha256:...") of imageRef
// without downloading it. For multi-platform images this is the index
// digest, which is what Docker records in RepoDigests after a pull.
func ResolveDigest(ctx context.Context, imageRef string, opts ...name.Option) (string, error) {
	ref, err := name.ParseReference(imageRef, opts...)
	if err != nil {
		return "", fmt.Errorf("parse image ref %q: %w", imageRef, err)
	}

	desc, err := remote.Head(ref, remote.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", imageRef, err)
	}
	return desc.Digest.String(), nil
}
