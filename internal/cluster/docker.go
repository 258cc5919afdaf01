package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/sourcegraph/conc/pool"
)

const (
	stopTimeoutSecs   = 10
	scaleConcurrency  = 4
	defaultLabelScope = "clusterchat"
)

// DockerConfig configures the Docker backend.
type DockerConfig struct {
	// LabelPrefix namespaces the labels that group deployment replicas.
	LabelPrefix string
	// Runtime can be "" for the default runtime or e.g. "runsc" for gVisor.
	Runtime string
}

// Docker implements Backend against a Docker engine.
type Docker struct {
	cli     *client.Client
	runtime string

	labelManaged    string
	labelDeployment string
	labelReplica    string
	labelImage      string
	labelNetwork    string
	labelPorts      string
}

var _ Backend = (*Docker)(nil)

// NewDocker creates a Docker-backed cluster using the environment's DOCKER_HOST settings.
func NewDocker(cfg DockerConfig) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	prefix := cfg.LabelPrefix
	if prefix == "" {
		prefix = defaultLabelScope
	}
	runtimeName := cfg.Runtime
	if runtimeName == "" {
		runtimeName = "default"
	}
	slog.Info("Docker client initialized", "runtime", runtimeName, "label_prefix", prefix)
	return &Docker{
		cli:             cli,
		runtime:         cfg.Runtime,
		labelManaged:    prefix + ".managed",
		labelDeployment: prefix + ".deployment",
		labelReplica:    prefix + ".replica",
		labelImage:      prefix + ".image",
		labelNetwork:    prefix + ".network",
		labelPorts:      prefix + ".ports",
	}, nil
}

// Close releases the client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

func (d *Docker) Status(ctx context.Context) (Status, error) {
	info, err := d.cli.Info(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("docker info: %w", err)
	}
	return Status{
		Name:              info.Name,
		ServerVersion:     info.ServerVersion,
		OperatingSystem:   info.OperatingSystem,
		CPUs:              info.NCPU,
		MemoryBytes:       info.MemTotal,
		Containers:        info.Containers,
		ContainersRunning: info.ContainersRunning,
		ContainersStopped: info.ContainersStopped + info.ContainersPaused,
		Images:            info.Images,
	}, nil
}

func (d *Docker) fromSummary(s container.Summary) Container {
	c := Container{
		ID:         s.ID,
		Image:      s.Image,
		State:      s.State,
		Status:     s.Status,
		Labels:     s.Labels,
		Deployment: s.Labels[d.labelDeployment],
		Created:    time.Unix(s.Created, 0),
	}
	if len(s.Names) > 0 {
		c.Name = strings.TrimPrefix(s.Names[0], "/")
	}
	if s.NetworkSettings != nil {
		for name, ep := range s.NetworkSettings.Networks {
			c.Network = name
			if ep != nil {
				c.IP = ep.IPAddress
			}
			break
		}
	}
	for _, p := range s.Ports {
		if p.PublicPort != 0 {
			c.Ports = append(c.Ports, fmt.Sprintf("%d:%d/%s", p.PublicPort, p.PrivatePort, p.Type))
		} else {
			c.Ports = append(c.Ports, fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
		}
	}
	return c
}

func (d *Docker) ListContainers(ctx context.Context, networkName string) ([]Container, error) {
	opts := container.ListOptions{All: true}
	if networkName != "" {
		opts.Filters = filters.NewArgs(filters.Arg("network", networkName))
	}
	list, err := d.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]Container, 0, len(list))
	for _, s := range list {
		out = append(out, d.fromSummary(s))
	}
	slices.SortFunc(out, func(a, b Container) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (d *Docker) Container(ctx context.Context, name string) (Container, error) {
	inspect, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return Container{}, fmt.Errorf("inspect container %s: %w", name, err)
	}
	c := Container{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.State != nil {
		c.State = inspect.State.Status
		c.Status = inspect.State.Status
		if inspect.State.Running {
			c.Status = "Up since " + inspect.State.StartedAt
		}
	}
	if inspect.Config != nil {
		c.Image = inspect.Config.Image
		c.Labels = inspect.Config.Labels
		c.Deployment = inspect.Config.Labels[d.labelDeployment]
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		c.Created = created
	}
	if inspect.NetworkSettings != nil {
		for netName, ep := range inspect.NetworkSettings.Networks {
			c.Network = netName
			if ep != nil {
				c.IP = ep.IPAddress
			}
			break
		}
	}
	if inspect.HostConfig != nil {
		for port, bindings := range inspect.HostConfig.PortBindings {
			for _, b := range bindings {
				c.Ports = append(c.Ports, b.HostPort+":"+string(port))
			}
		}
		slices.Sort(c.Ports)
	}
	return c, nil
}

func (d *Docker) ContainerLogs(ctx context.Context, name string, tail int) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", name, err)
	}
	rc, err := d.cli.ContainerLogs(ctx, inspect.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("read logs of %s: %w", name, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	// TTY containers are not multiplexed.
	if inspect.Config != nil && inspect.Config.Tty {
		_, err = io.Copy(&buf, rc)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, rc)
	}
	if err != nil {
		return "", fmt.Errorf("read logs of %s: %w", name, err)
	}
	return buf.String(), nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) (Container, error) {
	if err := validName("container", spec.Name); err != nil {
		return Container{}, err
	}
	if strings.TrimSpace(spec.Image) == "" {
		return Container{}, fmt.Errorf("%w: image is required", ErrInvalidArgument)
	}
	if _, err := d.cli.ContainerInspect(ctx, spec.Name); err == nil {
		return Container{}, fmt.Errorf("container %s: %w", spec.Name, errdefs.ErrConflict)
	}

	exposed, bindings, err := nat.ParsePortSpecs(spec.Ports)
	if err != nil {
		return Container{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	labels := map[string]string{d.labelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		Labels:       labels,
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		Runtime:       d.runtime,
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if errdefs.IsNotFound(err) {
		// Missing image: pull once and retry.
		if pullErr := d.pull(ctx, spec.Image); pullErr != nil {
			return Container{}, pullErr
		}
		resp, err = d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	}
	if err != nil {
		return Container{}, fmt.Errorf("create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return Container{}, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Container created and started", "container_id", resp.ID, "name", spec.Name)
	return d.Container(ctx, resp.ID)
}

func (d *Docker) pull(ctx context.Context, ref string) error {
	slog.Info("Pulling image", "image", ref)
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// DeleteContainer stops and removes a container.
func (d *Docker) DeleteContainer(ctx context.Context, name string) error {
	inspect, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return fmt.Errorf("inspect container %s: %w", name, err)
	}
	return d.remove(ctx, inspect.ID)
}

// remove is idempotent and tolerates concurrent removal.
func (d *Docker) remove(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container_id", containerID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	// Force to ensure it's removed even if stop failed.
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Container stopped and removed", "container_id", containerID)
	return nil
}

type replica struct {
	index int
	c     Container
}

func (d *Docker) replicas(ctx context.Context, name string) ([]replica, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", d.labelDeployment+"="+name)),
	})
	if err != nil {
		return nil, fmt.Errorf("list replicas of %s: %w", name, err)
	}
	out := make([]replica, 0, len(list))
	for _, s := range list {
		idx, _ := strconv.Atoi(s.Labels[d.labelReplica])
		out = append(out, replica{index: idx, c: d.fromSummary(s)})
	}
	slices.SortFunc(out, func(a, b replica) int { return a.index - b.index })
	return out, nil
}

// deploymentOf folds replicas into a Deployment. With every replica stopped
// the deployment is reported as scaled to zero.
func (d *Docker) deploymentOf(name string, reps []replica) Deployment {
	dep := Deployment{Name: name}
	for _, r := range reps {
		if dep.Image == "" {
			dep.Image = r.c.Labels[d.labelImage]
			dep.Network = r.c.Labels[d.labelNetwork]
		}
		dep.Pods = append(dep.Pods, r.c)
		if r.c.Running() {
			dep.Ready++
		}
	}
	if dep.Ready > 0 {
		dep.Replicas = len(reps)
	}
	return dep
}

func (d *Docker) createReplica(ctx context.Context, spec DeploymentSpec, idx int) error {
	_, err := d.CreateContainer(ctx, ContainerSpec{
		Name:    replicaName(spec.Name, idx),
		Image:   spec.Image,
		Network: spec.Network,
		Ports:   spec.Ports,
		Env:     spec.Env,
		Labels: map[string]string{
			d.labelDeployment: spec.Name,
			d.labelReplica:    strconv.Itoa(idx),
			d.labelImage:      spec.Image,
			d.labelNetwork:    spec.Network,
			d.labelPorts:      strings.Join(spec.Ports, ","),
		},
	})
	return err
}

func (d *Docker) CreateDeployment(ctx context.Context, spec DeploymentSpec) (Deployment, error) {
	if err := validName("deployment", spec.Name); err != nil {
		return Deployment{}, err
	}
	if spec.Replicas < 1 {
		return Deployment{}, fmt.Errorf("%w: a new deployment needs at least one replica", ErrInvalidArgument)
	}
	existing, err := d.replicas(ctx, spec.Name)
	if err != nil {
		return Deployment{}, err
	}
	if len(existing) > 0 {
		return Deployment{}, fmt.Errorf("deployment %s: %w", spec.Name, errdefs.ErrConflict)
	}

	p := pool.New().WithMaxGoroutines(scaleConcurrency).WithErrors()
	for i := 1; i <= spec.Replicas; i++ {
		p.Go(func() error { return d.createReplica(ctx, spec, i) })
	}
	if err := p.Wait(); err != nil {
		return Deployment{}, fmt.Errorf("create deployment %s: %w", spec.Name, err)
	}
	return d.Deployment(ctx, spec.Name)
}

func (d *Docker) ListDeployments(ctx context.Context, networkName string) ([]Deployment, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", d.labelDeployment)),
	})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	groups := make(map[string][]replica)
	for _, s := range list {
		name := s.Labels[d.labelDeployment]
		idx, _ := strconv.Atoi(s.Labels[d.labelReplica])
		groups[name] = append(groups[name], replica{index: idx, c: d.fromSummary(s)})
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]Deployment, 0, len(names))
	for _, name := range names {
		reps := groups[name]
		slices.SortFunc(reps, func(a, b replica) int { return a.index - b.index })
		dep := d.deploymentOf(name, reps)
		if networkName == "" || dep.Network == networkName {
			out = append(out, dep)
		}
	}
	return out, nil
}

func (d *Docker) Deployment(ctx context.Context, name string) (Deployment, error) {
	reps, err := d.replicas(ctx, name)
	if err != nil {
		return Deployment{}, err
	}
	if len(reps) == 0 {
		return Deployment{}, fmt.Errorf("deployment %s: %w", name, errdefs.ErrNotFound)
	}
	return d.deploymentOf(name, reps), nil
}

// ScaleDeployment converges replicas 1..n. Scaling to zero stops the
// replicas instead of removing them so the deployment can be scaled up again.
func (d *Docker) ScaleDeployment(ctx context.Context, name string, replicas int) (Deployment, error) {
	if replicas < 0 {
		return Deployment{}, fmt.Errorf("%w: replicas must be non-negative", ErrInvalidArgument)
	}
	reps, err := d.replicas(ctx, name)
	if err != nil {
		return Deployment{}, err
	}
	if len(reps) == 0 {
		return Deployment{}, fmt.Errorf("deployment %s: %w", name, errdefs.ErrNotFound)
	}

	first := reps[0].c
	spec := DeploymentSpec{
		Name:    name,
		Image:   first.Labels[d.labelImage],
		Network: first.Labels[d.labelNetwork],
	}
	if ports := first.Labels[d.labelPorts]; ports != "" {
		spec.Ports = strings.Split(ports, ",")
	}
	have := make(map[int]replica, len(reps))
	for _, r := range reps {
		have[r.index] = r
	}

	p := pool.New().WithMaxGoroutines(scaleConcurrency).WithErrors()
	if replicas == 0 {
		for _, r := range reps {
			p.Go(func() error {
				timeout := stopTimeoutSecs
				return d.cli.ContainerStop(ctx, r.c.ID, container.StopOptions{Timeout: &timeout})
			})
		}
	} else {
		for _, r := range reps {
			switch {
			case r.index > replicas:
				p.Go(func() error { return d.remove(ctx, r.c.ID) })
			case !r.c.Running():
				p.Go(func() error { return d.cli.ContainerStart(ctx, r.c.ID, container.StartOptions{}) })
			}
		}
		for i := 1; i <= replicas; i++ {
			if _, ok := have[i]; !ok {
				p.Go(func() error { return d.createReplica(ctx, spec, i) })
			}
		}
	}
	if err := p.Wait(); err != nil {
		return Deployment{}, fmt.Errorf("scale deployment %s: %w", name, err)
	}
	slog.Info("Deployment scaled", "deployment", name, "replicas", replicas)
	return d.Deployment(ctx, name)
}

func (d *Docker) DeleteDeployment(ctx context.Context, name string) error {
	reps, err := d.replicas(ctx, name)
	if err != nil {
		return err
	}
	if len(reps) == 0 {
		return fmt.Errorf("deployment %s: %w", name, errdefs.ErrNotFound)
	}
	p := pool.New().WithMaxGoroutines(scaleConcurrency).WithErrors()
	for _, r := range reps {
		p.Go(func() error { return d.remove(ctx, r.c.ID) })
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("delete deployment %s: %w", name, err)
	}
	return nil
}

func (d *Docker) ListNetworks(ctx context.Context) ([]Network, error) {
	list, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	out := make([]Network, 0, len(list))
	for _, n := range list {
		out = append(out, Network{ID: n.ID, Name: n.Name, Driver: n.Driver, Scope: n.Scope, Labels: n.Labels})
	}
	slices.SortFunc(out, func(a, b Network) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (d *Docker) Network(ctx context.Context, name string) (Network, error) {
	n, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return Network{}, fmt.Errorf("inspect network %s: %w", name, err)
	}
	out := Network{ID: n.ID, Name: n.Name, Driver: n.Driver, Scope: n.Scope, Labels: n.Labels}
	for _, ep := range n.Containers {
		out.Containers = append(out.Containers, ep.Name)
	}
	slices.Sort(out.Containers)
	return out, nil
}

// CreateNetwork creates a bridge network unless one with the name exists.
func (d *Docker) CreateNetwork(ctx context.Context, name string) (Network, error) {
	if err := validName("network", name); err != nil {
		return Network{}, err
	}
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return Network{}, fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == name {
			return Network{}, fmt.Errorf("network %s: %w", name, errdefs.ErrConflict)
		}
	}

	createResp, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{d.labelManaged: "true"},
	})
	if err != nil {
		return Network{}, fmt.Errorf("create network %s: %w", name, err)
	}
	slog.Info("Network created", "network_id", createResp.ID, "name", name)
	return Network{ID: createResp.ID, Name: name, Driver: "bridge", Scope: "local"}, nil
}

func (d *Docker) DeleteNetwork(ctx context.Context, name string) error {
	if err := d.cli.NetworkRemove(ctx, name); err != nil {
		return fmt.Errorf("remove network %s: %w", name, err)
	}
	return nil
}

func fromVolume(v volume.Volume) Volume {
	return Volume{Name: v.Name, Driver: v.Driver, Mountpoint: v.Mountpoint, Labels: v.Labels, Created: v.CreatedAt}
}

func (d *Docker) ListVolumes(ctx context.Context) ([]Volume, error) {
	resp, err := d.cli.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	out := make([]Volume, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v != nil {
			out = append(out, fromVolume(*v))
		}
	}
	slices.SortFunc(out, func(a, b Volume) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (d *Docker) Volume(ctx context.Context, name string) (Volume, error) {
	v, err := d.cli.VolumeInspect(ctx, name)
	if err != nil {
		return Volume{}, fmt.Errorf("inspect volume %s: %w", name, err)
	}
	return fromVolume(v), nil
}

func (d *Docker) CreateVolume(ctx context.Context, spec VolumeSpec) (Volume, error) {
	if err := validName("volume", spec.Name); err != nil {
		return Volume{}, err
	}
	if _, err := d.cli.VolumeInspect(ctx, spec.Name); err == nil {
		return Volume{}, fmt.Errorf("volume %s: %w", spec.Name, errdefs.ErrConflict)
	}
	labels := map[string]string{d.labelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	v, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: spec.Name, Driver: spec.Driver, Labels: labels})
	if err != nil {
		return Volume{}, fmt.Errorf("create volume %s: %w", spec.Name, err)
	}
	return fromVolume(v), nil
}

func (d *Docker) DeleteVolume(ctx context.Context, name string) error {
	if err := d.cli.VolumeRemove(ctx, name, false); err != nil {
		return fmt.Errorf("remove volume %s: %w", name, err)
	}
	return nil
}

func (d *Docker) ListImages(ctx context.Context) ([]Image, error) {
	list, err := d.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	out := make([]Image, 0, len(list))
	for _, img := range list {
		out = append(out, Image{ID: img.ID, Tags: img.RepoTags, Size: img.Size, Created: time.Unix(img.Created, 0)})
	}
	return out, nil
}
