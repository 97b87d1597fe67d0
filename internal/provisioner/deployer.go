package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
)

// App is the subset of apps row state the Deployer reads and writes.
type App struct {
	AppID       int64
	Slug        string
	Enabled     bool
	ContainerID *string
	NetworkID   *string
}

// AppStore is the slice of app row access the Deployer needs.
type AppStore interface {
	GetApp(ctx context.Context, appID int64) (*App, error)
	SetAppDeployment(ctx context.Context, appID int64, containerID, networkID string) error
}

// ContainerEngine is the narrow Docker SDK surface the Deployer drives for
// network and container lifecycle.
type ContainerEngine interface {
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
}

// DeployError carries a descriptive message for invariant violations
// encountered while driving the container engine.
type DeployError struct {
	Step    DeployStep
	Message string
}

func (e *DeployError) Error() string { return fmt.Sprintf("%s: %s", e.Step, e.Message) }

// WarmUpInterval is the default delay between cut-in and cut-over. There
// is no health probe; the new container just gets this long to boot.
var WarmUpInterval = 5 * time.Second

// Deployer drives the container lifecycle for a single app, from a freshly
// built image to the reverse proxy serving the new container.
type Deployer struct {
	docker             ContainerEngine
	proxy              ProxyAPI
	apps               AppStore
	proxyContainerName string
	warmUp             time.Duration
	logger             *slog.Logger
}

// NewDeployer constructs a Deployer. proxyContainerName is the reverse proxy
// container (e.g. "caddy-server") attached to each new app network. The
// warm-up delay defaults to WarmUpInterval at construction time.
func NewDeployer(docker ContainerEngine, proxy ProxyAPI, apps AppStore, proxyContainerName string, logger *slog.Logger) *Deployer {
	return &Deployer{
		docker:             docker,
		proxy:              proxy,
		apps:               apps,
		proxyContainerName: proxyContainerName,
		warmUp:             WarmUpInterval,
		logger:             logger,
	}
}

// Deploy drives the deployment state machine for appID, emitting one
// Deploy event per transition: reconcile the network, start the new
// container, cut the proxy over, retire the old container, persist.
func (d *Deployer) Deploy(ctx context.Context, appID int64, events chan<- Event) error {
	emit := func(step DeployStep, fields map[string]any) {
		if events != nil {
			events <- Deploy(step, fields)
		}
	}
	fail := func(what string, err error) error {
		if events != nil {
			events <- Err("%s", err.Error())
		}
		return fmt.Errorf("%s: %w", what, err)
	}

	emit(StepDeployBegin, map[string]any{"app_id": appID, "image_id": ImageName(appID)})

	// ReadApp
	app, err := d.apps.GetApp(ctx, appID)
	if err != nil {
		return fail("read app", fmt.Errorf("app not found: %w", err))
	}
	oldContainerID := app.ContainerID

	// EnsureNetwork
	networkID := ""
	if app.NetworkID == nil {
		networkName := NetworkName(appID)
		emit(StepCreatingNetwork, map[string]any{"network_name": networkName})

		resp, err := d.docker.NetworkCreate(ctx, networkName, network.CreateOptions{
			Labels: map[string]string{LabelAppSlug: app.Slug},
		})
		if err != nil {
			return fail("create network", fmt.Errorf("failed to create network: %w", err))
		}
		networkID = resp.ID
		emit(StepCreatedNetwork, map[string]any{"network_id": networkID})
	} else {
		networkID = *app.NetworkID
		emit(StepUsingExistingNetwork, map[string]any{"network_id": networkID})
	}

	// AttachProxyToNetwork, idempotent: "already attached" is not fatal.
	if err := d.docker.NetworkConnect(ctx, networkID, d.proxyContainerName, nil); err != nil && !isAlreadyAttached(err) {
		return fail("attach proxy to network", fmt.Errorf("failed to attach proxy to network: %w", err))
	}

	// CreateContainer
	emit(StepCreatingNewContainer, nil)
	containerConfig := &container.Config{
		Image:  ImageName(appID),
		Labels: map[string]string{LabelAppSlug: app.Slug},
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(networkID),
	}
	created, err := d.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return fail("create container", fmt.Errorf("failed to create container: %w", err))
	}
	newContainerID := created.ID
	emit(StepCreatedNewContainer, map[string]any{"container_id": newContainerID})

	// StartContainer
	emit(StepStartingNewContainer, nil)
	if err := d.docker.ContainerStart(ctx, newContainerID, container.StartOptions{}); err != nil {
		return fail("start container", fmt.Errorf("failed to start container: %w", err))
	}
	emit(StepStartedNewContainer, nil)

	// ReadContainerAddress
	emit(StepRetrievingContainerIP, nil)
	ip, port, err := d.readContainerAddress(ctx, newContainerID, networkID)
	if err != nil {
		return fail("retrieve container ip", err)
	}
	upstream := fmt.Sprintf("%s:%d", ip, port)
	emit(StepRetrievedContainerIP, map[string]any{"ip_address": ip, "port": port})

	// ProxyCutIn
	emit(StepAddingNewContainerUpstream, map[string]any{"upstream": upstream})
	routeCreated, err := d.proxy.UpsertSingleUpstream(ctx, appID, app.Slug, upstream)
	if err != nil {
		return fail("cut in new upstream", fmt.Errorf("failed to cut in new upstream: %w", err))
	}
	if routeCreated {
		emit(StepCreatingNewRoute, map[string]any{"route_id": RouteID(appID)})
	}

	// WarmUp
	select {
	case <-time.After(d.warmUp):
	case <-ctx.Done():
		return fail("warm up", ctx.Err())
	}

	// ProxyCutOver
	emit(StepRemovingOldContainerUpstream, map[string]any{"upstream": upstream})
	if err := d.proxy.ReplaceUpstreamList(ctx, appID, upstream); err != nil {
		// Cut-in already put the new upstream in the route; which container
		// serves traffic now depends on the proxy's load balancing, so log
		// both sides for manual reconciliation.
		d.logger.Warn("cut-over failed after cut-in succeeded, route may serve both containers",
			"app_id", appID, "upstream", upstream, "old_container_id", lo.FromPtrOr(oldContainerID, ""))
		return fail("cut over upstream", fmt.Errorf("failed to cut over upstream: %w", err))
	}

	// StopOldContainer / RemoveOldContainer
	if oldContainerID != nil && *oldContainerID != "" {
		emit(StepStoppingOldContainer, map[string]any{"container_id": *oldContainerID})
		if err := d.docker.ContainerStop(ctx, *oldContainerID, container.StopOptions{}); err != nil && !isNotFoundOrNotModified(err) {
			d.logger.Error("failed to stop old container, traffic has already cut over", "container_id", *oldContainerID, "error", err)
		}

		emit(StepRemovingOldContainer, map[string]any{"container_id": *oldContainerID})
		if err := d.docker.ContainerRemove(ctx, *oldContainerID, container.RemoveOptions{Force: true}); err != nil && !isNotFoundOrNotModified(err) {
			d.logger.Error("failed to remove old container, traffic has already cut over", "container_id", *oldContainerID, "error", err)
		}
	}

	// PersistDeploymentState
	if err := d.apps.SetAppDeployment(ctx, appID, newContainerID, networkID); err != nil {
		return fail("persist deployment state", fmt.Errorf("failed to persist deployment state: %w", err))
	}

	emit(StepDeployEnd, map[string]any{"app_id": appID, "app_slug": app.Slug})
	return nil
}

// readContainerAddress inspects the container, locates its entry under the
// given network, parses the IP (stripping any /<prefix>), and discovers the
// upstream port from the image's exposed ports (first */tcp entry, 80 if
// none).
func (d *Deployer) readContainerAddress(ctx context.Context, containerID, networkID string) (string, int, error) {
	inspect, err := d.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", 0, &DeployError{Step: StepRetrievingContainerIP, Message: "Failed to get container info: " + err.Error()}
	}
	if inspect.NetworkSettings == nil {
		return "", 0, &DeployError{Step: StepRetrievingContainerIP, Message: "Failed to get network_settings"}
	}

	var netSettings *network.EndpointSettings
	for name, settings := range inspect.NetworkSettings.Networks {
		if name == networkID || settings.NetworkID == networkID {
			netSettings = settings
			break
		}
	}
	if netSettings == nil {
		return "", 0, &DeployError{Step: StepRetrievingContainerIP, Message: "Failed to find network in network_settings"}
	}
	if netSettings.IPAddress == "" {
		return "", 0, &DeployError{Step: StepRetrievingContainerIP, Message: "Failed to get ip_address"}
	}

	ip := netSettings.IPAddress
	if idx := strings.Index(ip, "/"); idx != -1 {
		ip = ip[:idx]
	}

	port := d.discoverPort(ctx, inspect.Image)
	return ip, port, nil
}

func (d *Deployer) discoverPort(ctx context.Context, imageID string) int {
	inspect, err := d.docker.ImageInspect(ctx, imageID)
	if err != nil || inspect.Config == nil {
		return 80
	}
	for portProto := range inspect.Config.ExposedPorts {
		p := nat.Port(portProto)
		if p.Proto() != "tcp" {
			continue
		}
		if n, err := strconv.Atoi(p.Port()); err == nil {
			return n
		}
	}
	return 80
}

func isAlreadyAttached(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func isNotFoundOrNotModified(err error) bool {
	if err == nil {
		return false
	}
	return errdefs.IsNotFound(err) || errdefs.IsNotModified(err) ||
		strings.Contains(strings.ToLower(err.Error()), "not found") ||
		strings.Contains(strings.ToLower(err.Error()), "not modified")
}
