package provisioner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	buildtypes "github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// ImageAPI is the narrow slice of the Docker SDK the Image Builder depends
// on, so tests can supply a fake instead of a real daemon connection.
type ImageAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options buildtypes.ImageBuildOptions) (buildtypes.ImageBuildResponse, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
}

// ImageBuilder streams the build context to the engine, tagging the result
// with the app's stable image name.
type ImageBuilder struct {
	docker ImageAPI
	logger *slog.Logger
}

// NewImageBuilder constructs an ImageBuilder.
func NewImageBuilder(docker ImageAPI, logger *slog.Logger) *ImageBuilder {
	return &ImageBuilder{docker: docker, logger: logger}
}

// Build streams tar to the container engine's build endpoint, tagging the
// image image_name(appID) and labeling it with the app's slug. Every
// progress record is forwarded verbatim as an ImageBuildChunk event.
func (b *ImageBuilder) Build(ctx context.Context, appID int64, slug string, tar io.Reader, events chan<- Event) error {
	opts := buildtypes.ImageBuildOptions{
		Tags:        []string{ImageName(appID)},
		Remove:      true,
		ForceRemove: true,
		Labels: map[string]string{
			LabelAppSlug: slug,
		},
	}

	resp, err := b.docker.ImageBuild(ctx, tar, opts)
	if err != nil {
		if events != nil {
			events <- Err("image build failed: %v", err)
		}
		return fmt.Errorf("image build failed: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var chunk struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(line, &chunk); err == nil && chunk.Error != "" {
			if events != nil {
				events <- Err("image build failed: %s", chunk.Error)
			}
			return fmt.Errorf("image build failed: %s", chunk.Error)
		}

		if events != nil {
			raw := make(json.RawMessage, len(line))
			copy(raw, line)
			events <- ImageBuildChunk(raw)
		}
	}
	if err := scanner.Err(); err != nil {
		if events != nil {
			events <- Err("image build failed: %v", err)
		}
		return fmt.Errorf("image build failed: reading build stream: %w", err)
	}

	return nil
}
