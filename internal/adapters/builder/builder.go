// Package builder builds container images from resolved artifact
// directories.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "builder")

// Adapter implements ports.ImageBuilder on the Docker engine.
type Adapter struct {
	cli *client.Client
}

func NewAdapter() (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli}, nil
}

// BuildImage tars dir as the build context and builds the Dockerfile at its
// root. Only milestone lines reach onLine to keep the deployment log
// readable; the full raw output is retained for the error message when the
// build fails.
func (a *Adapter) BuildImage(ctx context.Context, dir, tag string, onLine func(string)) error {
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := a.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	var raw strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("image build failed: %s\n%s", msg.Error.Message, tail(raw.String()))
		}
		line := strings.TrimRight(msg.Stream, "\n")
		if line == "" {
			continue
		}
		raw.WriteString(line)
		raw.WriteString("\n")
		if milestone(line) {
			onLine(line)
		}
	}
	log.WithField("tag", tag).Info("image built")
	return nil
}

// milestone picks the step and success markers out of the build stream so
// the deployment log is not flooded with layer output.
func milestone(line string) bool {
	return strings.HasPrefix(line, "Step ") ||
		strings.HasPrefix(line, "Successfully built") ||
		strings.HasPrefix(line, "Successfully tagged")
}

const tailLines = 30

// tail returns the last few lines of the raw build output for diagnosis.
func tail(raw string) string {
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	if len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	return strings.Join(lines, "\n")
}
