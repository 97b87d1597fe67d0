package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	dockerspec "github.com/moby/docker-image-spec/specs-go/v1"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeEngine struct {
	networkCreates  []string
	networkConnects []string
	createdConfigs  []*container.Config
	started         []string
	stopped         []string
	removed         []string

	createdContainerID string
	networkID          string
	networkName        string
	containerIP        string
	exposedPorts       map[string]struct{}

	stopErr   error
	removeErr error
}

func (f *fakeEngine) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	f.networkCreates = append(f.networkCreates, name)
	return network.CreateResponse{ID: f.networkID}, nil
}

func (f *fakeEngine) NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error {
	f.networkConnects = append(f.networkConnects, fmt.Sprintf("%s<-%s", networkID, containerID))
	return nil
}

func (f *fakeEngine) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.createdConfigs = append(f.createdConfigs, config)
	return container.CreateResponse{ID: f.createdContainerID}, nil
}

func (f *fakeEngine) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeEngine) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: containerID, Image: "sha256:deadbeef"},
		NetworkSettings: &container.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				f.networkName: {NetworkID: f.networkID, IPAddress: f.containerIP},
			},
		},
	}, nil
}

func (f *fakeEngine) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.stopped = append(f.stopped, containerID)
	return f.stopErr
}

func (f *fakeEngine) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.removed = append(f.removed, containerID)
	return f.removeErr
}

func (f *fakeEngine) ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	return image.InspectResponse{
		Config: &dockerspec.DockerOCIImageConfig{
			ImageConfig: ocispec.ImageConfig{ExposedPorts: f.exposedPorts},
		},
	}, nil
}

type fakeProxyAPI struct {
	upserts      []string
	replaced     []string
	added        []string
	removed      []int64
	createsRoute bool
	upsertErr    error
	replaceErr   error
}

func (f *fakeProxyAPI) UpsertSingleUpstream(ctx context.Context, appID int64, slug, upstream string) (bool, error) {
	f.upserts = append(f.upserts, upstream)
	return f.createsRoute, f.upsertErr
}

func (f *fakeProxyAPI) ReplaceUpstreamList(ctx context.Context, appID int64, upstream string) error {
	f.replaced = append(f.replaced, upstream)
	return f.replaceErr
}

func (f *fakeProxyAPI) AddUpstream(ctx context.Context, appID int64, upstream string) error {
	f.added = append(f.added, upstream)
	return nil
}

func (f *fakeProxyAPI) RemoveRoute(ctx context.Context, appID int64) error {
	f.removed = append(f.removed, appID)
	return nil
}

type fakeAppStore struct {
	app        *App
	getErr     error
	persisted  []string
	persistErr error
}

func (f *fakeAppStore) GetApp(ctx context.Context, appID int64) (*App, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.app, nil
}

func (f *fakeAppStore) SetAppDeployment(ctx context.Context, appID int64, containerID, networkID string) error {
	f.persisted = append(f.persisted, fmt.Sprintf("%s@%s", containerID, networkID))
	return f.persistErr
}

func newTestDeployer(engine *fakeEngine, proxy *fakeProxyAPI, apps *fakeAppStore) *Deployer {
	d := NewDeployer(engine, proxy, apps, "caddy-server", slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.warmUp = 0
	return d
}

func collectSteps(events chan Event) []DeployStep {
	var steps []DeployStep
	for {
		select {
		case ev := <-events:
			if ev.Kind == KindDeploy {
				steps = append(steps, ev.Step)
			}
		default:
			return steps
		}
	}
}

func assertSteps(t *testing.T, events chan Event, want []DeployStep) {
	t.Helper()
	got := collectSteps(events)
	if len(got) != len(want) {
		t.Fatalf("step sequence mismatch:\n got %v\nwant %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d: got %q, want %q\nfull sequence: %v", i, got[i], want[i], got)
		}
	}
}

func TestDeploy_FreshApp(t *testing.T) {
	engine := &fakeEngine{
		createdContainerID: "C_new",
		networkID:          "N1",
		networkName:        "haas_apps_42",
		containerIP:        "10.0.0.5",
		exposedPorts:       map[string]struct{}{"3000/tcp": {}},
	}
	proxy := &fakeProxyAPI{createsRoute: true}
	apps := &fakeAppStore{app: &App{AppID: 42, Slug: "blog", Enabled: true}}
	d := newTestDeployer(engine, proxy, apps)

	events := make(chan Event, 64)
	if err := d.Deploy(context.Background(), 42, events); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	assertSteps(t, events, []DeployStep{
		StepDeployBegin,
		StepCreatingNetwork,
		StepCreatedNetwork,
		StepCreatingNewContainer,
		StepCreatedNewContainer,
		StepStartingNewContainer,
		StepStartedNewContainer,
		StepRetrievingContainerIP,
		StepRetrievedContainerIP,
		StepAddingNewContainerUpstream,
		StepCreatingNewRoute,
		StepRemovingOldContainerUpstream,
		StepDeployEnd,
	})

	if len(engine.networkCreates) != 1 || engine.networkCreates[0] != "haas_apps_42" {
		t.Fatalf("unexpected network creates: %v", engine.networkCreates)
	}
	if len(engine.networkConnects) != 1 || engine.networkConnects[0] != "N1<-caddy-server" {
		t.Fatalf("proxy not attached to network: %v", engine.networkConnects)
	}
	if len(proxy.upserts) != 1 || proxy.upserts[0] != "10.0.0.5:3000" {
		t.Fatalf("unexpected cut-in upstream: %v", proxy.upserts)
	}
	if len(proxy.replaced) != 1 || proxy.replaced[0] != "10.0.0.5:3000" {
		t.Fatalf("unexpected cut-over upstream: %v", proxy.replaced)
	}
	if len(engine.stopped) != 0 || len(engine.removed) != 0 {
		t.Fatal("fresh app has no old container to retire")
	}
	if len(apps.persisted) != 1 || apps.persisted[0] != "C_new@N1" {
		t.Fatalf("unexpected persisted state: %v", apps.persisted)
	}

	cfg := engine.createdConfigs[0]
	if cfg.Image != "haas-apps-42" {
		t.Fatalf("unexpected image: %q", cfg.Image)
	}
	if cfg.Labels[LabelAppSlug] != "blog" {
		t.Fatalf("missing slug label: %#v", cfg.Labels)
	}
}

func TestDeploy_ReusesExistingNetworkAndRetiresOldContainer(t *testing.T) {
	oldContainer := "C_old"
	networkID := "N1"
	engine := &fakeEngine{
		createdContainerID: "C_new",
		networkID:          networkID,
		networkName:        "haas_apps_42",
		containerIP:        "10.0.0.7",
		exposedPorts:       map[string]struct{}{"3000/tcp": {}},
	}
	proxy := &fakeProxyAPI{}
	apps := &fakeAppStore{app: &App{AppID: 42, Slug: "blog", Enabled: true, ContainerID: &oldContainer, NetworkID: &networkID}}
	d := newTestDeployer(engine, proxy, apps)

	events := make(chan Event, 64)
	if err := d.Deploy(context.Background(), 42, events); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	assertSteps(t, events, []DeployStep{
		StepDeployBegin,
		StepUsingExistingNetwork,
		StepCreatingNewContainer,
		StepCreatedNewContainer,
		StepStartingNewContainer,
		StepStartedNewContainer,
		StepRetrievingContainerIP,
		StepRetrievedContainerIP,
		StepAddingNewContainerUpstream,
		StepRemovingOldContainerUpstream,
		StepStoppingOldContainer,
		StepRemovingOldContainer,
		StepDeployEnd,
	})

	if len(engine.networkCreates) != 0 {
		t.Fatalf("expected no network create on reuse, got %v", engine.networkCreates)
	}
	if len(engine.stopped) != 1 || engine.stopped[0] != "C_old" {
		t.Fatalf("old container not stopped: %v", engine.stopped)
	}
	if len(engine.removed) != 1 || engine.removed[0] != "C_old" {
		t.Fatalf("old container not removed: %v", engine.removed)
	}
	if apps.persisted[0] != "C_new@N1" {
		t.Fatalf("unexpected persisted state: %v", apps.persisted)
	}
}

func TestDeploy_OldContainerAlreadyGone(t *testing.T) {
	oldContainer := "C_old"
	networkID := "N1"
	engine := &fakeEngine{
		createdContainerID: "C_new",
		networkID:          networkID,
		networkName:        "haas_apps_42",
		containerIP:        "10.0.0.7",
		exposedPorts:       map[string]struct{}{"3000/tcp": {}},
		stopErr:            errors.New("container not found"),
		removeErr:          errors.New("container not found"),
	}
	proxy := &fakeProxyAPI{}
	apps := &fakeAppStore{app: &App{AppID: 42, Slug: "blog", Enabled: true, ContainerID: &oldContainer, NetworkID: &networkID}}
	d := newTestDeployer(engine, proxy, apps)

	events := make(chan Event, 64)
	if err := d.Deploy(context.Background(), 42, events); err != nil {
		t.Fatalf("deploy should swallow not-found on old container: %v", err)
	}

	steps := collectSteps(events)
	if steps[len(steps)-1] != StepDeployEnd {
		t.Fatalf("expected deploy_end, got %v", steps)
	}
	if len(apps.persisted) != 1 {
		t.Fatal("deployment state not persisted")
	}
}

func TestDeploy_DefaultsToPort80(t *testing.T) {
	engine := &fakeEngine{
		createdContainerID: "C_new",
		networkID:          "N1",
		networkName:        "haas_apps_42",
		containerIP:        "10.0.0.5",
	}
	proxy := &fakeProxyAPI{createsRoute: true}
	apps := &fakeAppStore{app: &App{AppID: 42, Slug: "blog", Enabled: true}}
	d := newTestDeployer(engine, proxy, apps)

	events := make(chan Event, 64)
	if err := d.Deploy(context.Background(), 42, events); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if proxy.upserts[0] != "10.0.0.5:80" {
		t.Fatalf("expected port 80 fallback, got %q", proxy.upserts[0])
	}
}

func TestDeploy_IgnoresNonTCPPorts(t *testing.T) {
	engine := &fakeEngine{
		createdContainerID: "C_new",
		networkID:          "N1",
		networkName:        "haas_apps_42",
		containerIP:        "10.0.0.5",
		exposedPorts:       map[string]struct{}{"53/udp": {}},
	}
	proxy := &fakeProxyAPI{createsRoute: true}
	apps := &fakeAppStore{app: &App{AppID: 42, Slug: "blog", Enabled: true}}
	d := newTestDeployer(engine, proxy, apps)

	events := make(chan Event, 64)
	if err := d.Deploy(context.Background(), 42, events); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if proxy.upserts[0] != "10.0.0.5:80" {
		t.Fatalf("expected port 80 fallback for udp-only image, got %q", proxy.upserts[0])
	}
}

func TestDeploy_StripsPrefixFromIP(t *testing.T) {
	engine := &fakeEngine{
		createdContainerID: "C_new",
		networkID:          "N1",
		networkName:        "haas_apps_42",
		containerIP:        "10.0.0.5/24",
		exposedPorts:       map[string]struct{}{"3000/tcp": {}},
	}
	proxy := &fakeProxyAPI{createsRoute: true}
	apps := &fakeAppStore{app: &App{AppID: 42, Slug: "blog", Enabled: true}}
	d := newTestDeployer(engine, proxy, apps)

	events := make(chan Event, 64)
	if err := d.Deploy(context.Background(), 42, events); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if proxy.upserts[0] != "10.0.0.5:3000" {
		t.Fatalf("expected prefix stripped, got %q", proxy.upserts[0])
	}
}

func TestDeploy_AppNotFound(t *testing.T) {
	engine := &fakeEngine{}
	proxy := &fakeProxyAPI{}
	apps := &fakeAppStore{getErr: errors.New("no rows in result set")}
	d := newTestDeployer(engine, proxy, apps)

	events := make(chan Event, 64)
	err := d.Deploy(context.Background(), 42, events)
	if err == nil {
		t.Fatal("expected error for missing app")
	}
	if len(engine.networkCreates) != 0 || len(engine.createdConfigs) != 0 {
		t.Fatal("no engine calls expected after read-app failure")
	}

	var sawError bool
	for {
		select {
		case ev := <-events:
			if ev.IsError() {
				sawError = true
			}
		default:
			if !sawError {
				t.Fatal("expected an error event")
			}
			return
		}
	}
}

func TestDeploy_CutInFailureAbortsBeforeCutOver(t *testing.T) {
	engine := &fakeEngine{
		createdContainerID: "C_new",
		networkID:          "N1",
		networkName:        "haas_apps_42",
		containerIP:        "10.0.0.5",
		exposedPorts:       map[string]struct{}{"3000/tcp": {}},
	}
	proxy := &fakeProxyAPI{upsertErr: errors.New("route create rejected")}
	apps := &fakeAppStore{app: &App{AppID: 42, Slug: "blog", Enabled: true}}
	d := newTestDeployer(engine, proxy, apps)

	events := make(chan Event, 64)
	if err := d.Deploy(context.Background(), 42, events); err == nil {
		t.Fatal("expected cut-in failure to be fatal")
	}
	if len(proxy.replaced) != 0 {
		t.Fatal("cut-over must not run after cut-in failure")
	}
	if len(apps.persisted) != 0 {
		t.Fatal("deployment state must not be persisted on failure")
	}
}

func TestDeploy_CutOverFailureIsFatalButOldContainerKept(t *testing.T) {
	oldContainer := "C_old"
	networkID := "N1"
	engine := &fakeEngine{
		createdContainerID: "C_new",
		networkID:          networkID,
		networkName:        "haas_apps_42",
		containerIP:        "10.0.0.7",
		exposedPorts:       map[string]struct{}{"3000/tcp": {}},
	}
	proxy := &fakeProxyAPI{replaceErr: errors.New("admin api down")}
	apps := &fakeAppStore{app: &App{AppID: 42, Slug: "blog", Enabled: true, ContainerID: &oldContainer, NetworkID: &networkID}}
	d := newTestDeployer(engine, proxy, apps)

	events := make(chan Event, 64)
	if err := d.Deploy(context.Background(), 42, events); err == nil {
		t.Fatal("expected cut-over failure to be fatal")
	}
	if len(engine.stopped) != 0 {
		t.Fatal("old container must keep serving when cut-over fails")
	}
	if len(apps.persisted) != 0 {
		t.Fatal("deployment state must not be persisted on failure")
	}
}
