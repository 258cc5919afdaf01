package cluster

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

const defaultNetwork = "bridge"

// Memory is an in-process Backend. Containers never actually run; created
// containers are reported as running until removed.
type Memory struct {
	mu          sync.Mutex
	containers  map[string]Container
	deployments map[string]DeploymentSpec
	networks    map[string]Network
	volumes     map[string]Volume
	images      map[string]Image
	logs        map[string]string
	now         func() time.Time
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty host with the default bridge network.
func NewMemory() *Memory {
	m := &Memory{
		containers:  make(map[string]Container),
		deployments: make(map[string]DeploymentSpec),
		networks:    make(map[string]Network),
		volumes:     make(map[string]Volume),
		images:      make(map[string]Image),
		logs:        make(map[string]string),
		now:         time.Now,
	}
	m.networks[defaultNetwork] = Network{ID: newID(), Name: defaultNetwork, Driver: "bridge", Scope: "local"}
	return m
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func notFound(kind, name string) error {
	return fmt.Errorf("%s %s: %w", kind, name, errdefs.ErrNotFound)
}

func conflict(kind, name string) error {
	return fmt.Errorf("%s %s: %w", kind, name, errdefs.ErrConflict)
}

// SetLogs replaces the log output reported for a container.
func (m *Memory) SetLogs(name, logs string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[name] = logs
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Status(context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Name:            "memory",
		ServerVersion:   "in-memory",
		OperatingSystem: runtime.GOOS,
		CPUs:            runtime.NumCPU(),
		Containers:      len(m.containers),
		Images:          len(m.images),
	}
	for _, c := range m.containers {
		if c.Running() {
			st.ContainersRunning++
		} else {
			st.ContainersStopped++
		}
	}
	return st, nil
}

func sortedValues[T any](in map[string]T) []T {
	keys := slices.Sorted(maps.Keys(in))
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, in[k])
	}
	return out
}

func (m *Memory) ListContainers(_ context.Context, network string) ([]Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Container
	for _, c := range sortedValues(m.containers) {
		if network == "" || c.Network == network {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) Container(_ context.Context, name string) (Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[name]
	if !ok {
		return Container{}, notFound("container", name)
	}
	return c, nil
}

func (m *Memory) ContainerLogs(_ context.Context, name string, tail int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[name]; !ok {
		return "", notFound("container", name)
	}
	lines := strings.Split(strings.TrimRight(m.logs[name], "\n"), "\n")
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n"), nil
}

// createLocked adds a running container. The caller holds m.mu.
func (m *Memory) createLocked(spec ContainerSpec, deployment string) (Container, error) {
	if err := validName("container", spec.Name); err != nil {
		return Container{}, err
	}
	if strings.TrimSpace(spec.Image) == "" {
		return Container{}, fmt.Errorf("%w: image is required", ErrInvalidArgument)
	}
	if _, ok := m.containers[spec.Name]; ok {
		return Container{}, conflict("container", spec.Name)
	}
	network := spec.Network
	if network == "" {
		network = defaultNetwork
	}
	if _, ok := m.networks[network]; !ok {
		return Container{}, notFound("network", network)
	}
	c := Container{
		ID:         newID(),
		Name:       spec.Name,
		Image:      spec.Image,
		State:      "running",
		Status:     "Up",
		Network:    network,
		IP:         fmt.Sprintf("172.18.0.%d", len(m.containers)+2),
		Ports:      slices.Clone(spec.Ports),
		Deployment: deployment,
		Labels:     maps.Clone(spec.Labels),
		Created:    m.now(),
	}
	m.containers[c.Name] = c
	if _, ok := m.images[spec.Image]; !ok {
		m.images[spec.Image] = Image{ID: "sha256:" + newID(), Tags: []string{spec.Image}, Created: m.now()}
	}
	return c, nil
}

func (m *Memory) CreateContainer(_ context.Context, spec ContainerSpec) (Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(spec, "")
}

func (m *Memory) DeleteContainer(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[name]; !ok {
		return notFound("container", name)
	}
	delete(m.containers, name)
	delete(m.logs, name)
	return nil
}

func replicaName(deployment string, i int) string {
	return fmt.Sprintf("%s-%d", deployment, i)
}

func (m *Memory) deploymentLocked(name string) (Deployment, bool) {
	spec, ok := m.deployments[name]
	if !ok {
		return Deployment{}, false
	}
	d := Deployment{Name: name, Image: spec.Image, Network: spec.Network, Replicas: spec.Replicas}
	for i := 1; i <= spec.Replicas; i++ {
		c, ok := m.containers[replicaName(name, i)]
		if !ok {
			continue
		}
		d.Pods = append(d.Pods, c)
		if c.Running() {
			d.Ready++
		}
	}
	return d, true
}

func (m *Memory) CreateDeployment(_ context.Context, spec DeploymentSpec) (Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := validName("deployment", spec.Name); err != nil {
		return Deployment{}, err
	}
	if _, ok := m.deployments[spec.Name]; ok {
		return Deployment{}, conflict("deployment", spec.Name)
	}
	if spec.Network == "" {
		spec.Network = defaultNetwork
	}
	m.deployments[spec.Name] = DeploymentSpec{Name: spec.Name, Image: spec.Image, Network: spec.Network, Ports: spec.Ports, Env: spec.Env}
	if err := m.scaleLocked(spec.Name, spec.Replicas); err != nil {
		for name, c := range m.containers {
			if c.Deployment == spec.Name {
				delete(m.containers, name)
			}
		}
		delete(m.deployments, spec.Name)
		return Deployment{}, err
	}
	d, _ := m.deploymentLocked(spec.Name)
	return d, nil
}

// scaleLocked converges replicas 1..n and removes the rest.
func (m *Memory) scaleLocked(name string, replicas int) error {
	spec := m.deployments[name]
	for i := 1; i <= replicas; i++ {
		rn := replicaName(name, i)
		if _, ok := m.containers[rn]; ok {
			continue
		}
		if _, err := m.createLocked(ContainerSpec{
			Name: rn, Image: spec.Image, Network: spec.Network, Ports: spec.Ports, Env: spec.Env,
		}, name); err != nil {
			return err
		}
	}
	for i := replicas + 1; i <= max(spec.Replicas, replicas); i++ {
		delete(m.containers, replicaName(name, i))
	}
	spec.Replicas = replicas
	m.deployments[name] = spec
	return nil
}

func (m *Memory) ListDeployments(_ context.Context, network string) ([]Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Deployment
	for _, name := range slices.Sorted(maps.Keys(m.deployments)) {
		d, _ := m.deploymentLocked(name)
		if network == "" || d.Network == network {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) Deployment(_ context.Context, name string) (Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deploymentLocked(name)
	if !ok {
		return Deployment{}, notFound("deployment", name)
	}
	return d, nil
}

func (m *Memory) ScaleDeployment(_ context.Context, name string, replicas int) (Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[name]; !ok {
		return Deployment{}, notFound("deployment", name)
	}
	if replicas < 0 {
		return Deployment{}, fmt.Errorf("%w: replicas must be non-negative", ErrInvalidArgument)
	}
	if err := m.scaleLocked(name, replicas); err != nil {
		return Deployment{}, err
	}
	d, _ := m.deploymentLocked(name)
	return d, nil
}

func (m *Memory) DeleteDeployment(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[name]; !ok {
		return notFound("deployment", name)
	}
	if err := m.scaleLocked(name, 0); err != nil {
		return err
	}
	delete(m.deployments, name)
	return nil
}

func (m *Memory) networkLocked(name string) Network {
	n := m.networks[name]
	n.Containers = nil
	for _, c := range sortedValues(m.containers) {
		if c.Network == name {
			n.Containers = append(n.Containers, c.Name)
		}
	}
	return n
}

func (m *Memory) ListNetworks(context.Context) ([]Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Network, 0, len(m.networks))
	for _, name := range slices.Sorted(maps.Keys(m.networks)) {
		out = append(out, m.networkLocked(name))
	}
	return out, nil
}

func (m *Memory) Network(_ context.Context, name string) (Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.networks[name]; !ok {
		return Network{}, notFound("network", name)
	}
	return m.networkLocked(name), nil
}

func (m *Memory) CreateNetwork(_ context.Context, name string) (Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := validName("network", name); err != nil {
		return Network{}, err
	}
	if _, ok := m.networks[name]; ok {
		return Network{}, conflict("network", name)
	}
	n := Network{ID: newID(), Name: name, Driver: "bridge", Scope: "local"}
	m.networks[name] = n
	return n, nil
}

func (m *Memory) DeleteNetwork(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.networks[name]; !ok {
		return notFound("network", name)
	}
	if n := m.networkLocked(name); len(n.Containers) > 0 {
		return fmt.Errorf("network %s has active endpoints (%s): %w", name, strings.Join(n.Containers, ", "), errdefs.ErrFailedPrecondition)
	}
	delete(m.networks, name)
	return nil
}

func (m *Memory) ListVolumes(context.Context) ([]Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedValues(m.volumes), nil
}

func (m *Memory) Volume(_ context.Context, name string) (Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[name]
	if !ok {
		return Volume{}, notFound("volume", name)
	}
	return v, nil
}

func (m *Memory) CreateVolume(_ context.Context, spec VolumeSpec) (Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := validName("volume", spec.Name); err != nil {
		return Volume{}, err
	}
	if _, ok := m.volumes[spec.Name]; ok {
		return Volume{}, conflict("volume", spec.Name)
	}
	driver := spec.Driver
	if driver == "" {
		driver = "local"
	}
	v := Volume{
		Name:       spec.Name,
		Driver:     driver,
		Mountpoint: "/var/lib/docker/volumes/" + spec.Name + "/_data",
		Labels:     maps.Clone(spec.Labels),
		Created:    m.now().UTC().Format(time.RFC3339),
	}
	m.volumes[spec.Name] = v
	return v, nil
}

func (m *Memory) DeleteVolume(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.volumes[name]; !ok {
		return notFound("volume", name)
	}
	delete(m.volumes, name)
	return nil
}

func (m *Memory) ListImages(context.Context) ([]Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedValues(m.images), nil
}
