// Package cluster exposes a container host as a set of agent operations.
//
// The host is modelled with five resource kinds: containers, deployments
// (label-grouped replica sets of containers), networks, volumes and images.
package cluster

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Container is one running or stopped workload.
type Container struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Image      string            `yaml:"image"`
	State      string            `yaml:"state"`
	Status     string            `yaml:"status,omitempty"`
	Network    string            `yaml:"network,omitempty"`
	IP         string            `yaml:"ip,omitempty"`
	Ports      []string          `yaml:"ports,omitempty"`
	Deployment string            `yaml:"deployment,omitempty"`
	Labels     map[string]string `yaml:"labels,omitempty"`
	Created    time.Time         `yaml:"created"`
}

// Running reports whether the container is up.
func (c Container) Running() bool { return c.State == "running" }

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name    string
	Image   string
	Network string
	// Ports are docker-style publish specs such as "8080:80" or "80".
	Ports  []string
	Env    map[string]string
	Labels map[string]string
}

// Deployment is a named group of identical replicas.
type Deployment struct {
	Name     string      `yaml:"name"`
	Image    string      `yaml:"image"`
	Network  string      `yaml:"network,omitempty"`
	Replicas int         `yaml:"replicas"`
	Ready    int         `yaml:"ready"`
	Pods     []Container `yaml:"containers,omitempty"`
}

// DeploymentSpec describes a deployment to create.
type DeploymentSpec struct {
	Name     string
	Image    string
	Replicas int
	Network  string
	Ports    []string
	Env      map[string]string
}

// Network is an isolated network segment.
type Network struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Driver     string            `yaml:"driver"`
	Scope      string            `yaml:"scope,omitempty"`
	Containers []string          `yaml:"containers,omitempty"`
	Labels     map[string]string `yaml:"labels,omitempty"`
}

// Volume is a named persistent volume.
type Volume struct {
	Name       string            `yaml:"name"`
	Driver     string            `yaml:"driver"`
	Mountpoint string            `yaml:"mountpoint,omitempty"`
	Labels     map[string]string `yaml:"labels,omitempty"`
	Created    string            `yaml:"created,omitempty"`
}

// VolumeSpec describes a volume to create.
type VolumeSpec struct {
	Name   string
	Driver string
	Labels map[string]string
}

// Image is a locally available image.
type Image struct {
	ID      string
	Tags    []string
	Size    int64
	Created time.Time
}

// Status summarises the host.
type Status struct {
	Name              string
	ServerVersion     string
	OperatingSystem   string
	CPUs              int
	MemoryBytes       int64
	Containers        int
	ContainersRunning int
	ContainersStopped int
	Images            int
}

// Backend is the container host the catalog drives. Lookups of missing
// resources return an error satisfying errdefs.IsNotFound.
type Backend interface {
	Ping(ctx context.Context) error
	Status(ctx context.Context) (Status, error)

	ListContainers(ctx context.Context, network string) ([]Container, error)
	Container(ctx context.Context, name string) (Container, error)
	ContainerLogs(ctx context.Context, name string, tail int) (string, error)
	CreateContainer(ctx context.Context, spec ContainerSpec) (Container, error)
	DeleteContainer(ctx context.Context, name string) error

	CreateDeployment(ctx context.Context, spec DeploymentSpec) (Deployment, error)
	ListDeployments(ctx context.Context, network string) ([]Deployment, error)
	Deployment(ctx context.Context, name string) (Deployment, error)
	ScaleDeployment(ctx context.Context, name string, replicas int) (Deployment, error)
	DeleteDeployment(ctx context.Context, name string) error

	ListNetworks(ctx context.Context) ([]Network, error)
	Network(ctx context.Context, name string) (Network, error)
	CreateNetwork(ctx context.Context, name string) (Network, error)
	DeleteNetwork(ctx context.Context, name string) error

	ListVolumes(ctx context.Context) ([]Volume, error)
	Volume(ctx context.Context, name string) (Volume, error)
	CreateVolume(ctx context.Context, spec VolumeSpec) (Volume, error)
	DeleteVolume(ctx context.Context, name string) error

	ListImages(ctx context.Context) ([]Image, error)
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// validName reports whether name is usable as a resource name on the host.
func validName(kind, name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %s name %q must start with a letter or digit and contain only [a-zA-Z0-9_.-]", ErrInvalidArgument, kind, name)
	}
	return nil
}
