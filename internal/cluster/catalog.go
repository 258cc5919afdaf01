package cluster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/clusterchat/internal/operation"
	"github.com/containerd/errdefs"
	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const defaultLogTail = 50

// ErrInvalidArgument marks arguments the backend refused before touching the host.
var ErrInvalidArgument = errors.New("invalid argument")

var describable = []string{"container", "deployment", "network", "volume"}

// Catalog builds the operations exposed to the agent.
type Catalog struct {
	backend Backend
	now     func() time.Time
}

// NewCatalog creates a catalog over b.
func NewCatalog(b Backend) *Catalog {
	return &Catalog{backend: b, now: time.Now}
}

func nameParam(kind string) operation.Param {
	return operation.Param{Name: "name", Type: operation.TypeString, Required: true, Description: "Name of the " + kind}
}

var networkFilterParam = operation.Param{
	Name: "network", Type: operation.TypeString,
	Description: "Only include resources attached to this network; omit for all",
}

// Operations returns the full operation table. Deletions and scaling are
// mutating and require confirmation.
func (c *Catalog) Operations() []operation.Operation {
	return []operation.Operation{
		{
			Name:        "list_containers",
			Description: "List containers with their state, optionally filtered by network.",
			Params:      []operation.Param{networkFilterParam},
			Invoke:      c.listContainers,
		},
		{
			Name:        "get_container",
			Description: "Show the state, image, network and IP of one container.",
			Params:      []operation.Param{nameParam("container")},
			Invoke:      c.getContainer,
		},
		{
			Name:        "get_container_logs",
			Description: "Show the last lines of a container's logs.",
			Params: []operation.Param{
				nameParam("container"),
				{Name: "tail_lines", Type: operation.TypeInteger, Description: "Number of lines to return (default 50)"},
			},
			Invoke: c.containerLogs,
		},
		{
			Name:        "create_container",
			Description: "Create and start a container from an image.",
			Params: []operation.Param{
				nameParam("container"),
				{Name: "image", Type: operation.TypeString, Required: true, Description: "Image reference, e.g. nginx:latest"},
				{Name: "network", Type: operation.TypeString, Description: "Network to attach to"},
				{Name: "port", Type: operation.TypeString, Description: "Port to publish, e.g. 8080:80"},
				{Name: "env", Type: operation.TypeObject, Description: "Environment variables"},
			},
			Invoke: c.createContainer,
		},
		{
			Name:        "delete_container",
			Description: "Stop and remove a container. Requires confirmation.",
			Params:      []operation.Param{nameParam("container")},
			Mutating:    true,
			Confirm:     operation.ConfirmSpec{Verb: "delete", Resource: "container", Target: "name"},
			Invoke:      c.deleteContainer,
		},
		{
			Name:        "create_deployment",
			Description: "Create a deployment: a named group of identical container replicas.",
			Params: []operation.Param{
				nameParam("deployment"),
				{Name: "image", Type: operation.TypeString, Required: true, Description: "Image reference"},
				{Name: "replicas", Type: operation.TypeInteger, Description: "Number of replicas (default 1)"},
				{Name: "network", Type: operation.TypeString, Description: "Network to attach replicas to"},
				{Name: "port", Type: operation.TypeString, Description: "Container port to expose, e.g. 80"},
			},
			Invoke: c.createDeployment,
		},
		{
			Name:        "list_deployments",
			Description: "List deployments, optionally filtered by network.",
			Params:      []operation.Param{networkFilterParam},
			Invoke:      c.listDeployments,
		},
		{
			Name:        "get_deployment_status",
			Description: "Show desired and ready replicas of a deployment.",
			Params:      []operation.Param{nameParam("deployment")},
			Invoke:      c.deploymentStatus,
		},
		{
			Name:        "scale_deployment",
			Description: "Change the number of replicas of a deployment. Requires confirmation.",
			Params: []operation.Param{
				nameParam("deployment"),
				{Name: "replicas", Type: operation.TypeInteger, Required: true, Description: "Target replica count"},
			},
			Mutating: true,
			Confirm:  operation.ConfirmSpec{Verb: "scale", Resource: "deployment", Target: "name"},
			Invoke:   c.scaleDeployment,
		},
		{
			Name:        "delete_deployment",
			Description: "Remove a deployment and all its replicas. Requires confirmation.",
			Params:      []operation.Param{nameParam("deployment")},
			Mutating:    true,
			Confirm:     operation.ConfirmSpec{Verb: "delete", Resource: "deployment", Target: "name"},
			Invoke:      c.deleteDeployment,
		},
		{
			Name:        "list_networks",
			Description: "List networks.",
			Invoke:      c.listNetworks,
		},
		{
			Name:        "create_network",
			Description: "Create a bridge network.",
			Params:      []operation.Param{nameParam("network")},
			Invoke:      c.createNetwork,
		},
		{
			Name:        "delete_network",
			Description: "Remove a network. Requires confirmation.",
			Params:      []operation.Param{nameParam("network")},
			Mutating:    true,
			Confirm:     operation.ConfirmSpec{Verb: "delete", Resource: "network", Target: "name"},
			Invoke:      c.deleteNetwork,
		},
		{
			Name:        "list_volumes",
			Description: "List volumes.",
			Invoke:      c.listVolumes,
		},
		{
			Name:        "create_volume",
			Description: "Create a named volume.",
			Params: []operation.Param{
				nameParam("volume"),
				{Name: "driver", Type: operation.TypeString, Description: "Volume driver (default local)"},
			},
			Invoke: c.createVolume,
		},
		{
			Name:        "delete_volume",
			Description: "Remove a volume and its data. Requires confirmation.",
			Params:      []operation.Param{nameParam("volume")},
			Mutating:    true,
			Confirm:     operation.ConfirmSpec{Verb: "delete", Resource: "volume", Target: "name"},
			Invoke:      c.deleteVolume,
		},
		{
			Name:        "list_images",
			Description: "List locally available images.",
			Invoke:      c.listImages,
		},
		{
			Name:        "describe_resource",
			Description: "Describe a container, deployment, network or volume in full as YAML.",
			Params: []operation.Param{
				{Name: "resource_type", Type: operation.TypeString, Required: true, Description: "One of container, deployment, network, volume"},
				nameParam("resource"),
			},
			Invoke: c.describe,
		},
		{
			Name:        "get_cluster_status",
			Description: "Summarise the host: version, capacity and container counts.",
			Invoke:      c.clusterStatus,
		},
	}
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}

func scope(network string) string {
	if network == "" {
		return ""
	}
	return " in network " + network
}

func (c *Catalog) listContainers(ctx context.Context, args operation.Args) (string, error) {
	network := args.String("network", "")
	list, err := c.backend.ListContainers(ctx, network)
	if err != nil {
		return fmt.Sprintf("Error listing containers: %v", err), nil
	}
	names := make([]string, 0, len(list))
	for _, ct := range list {
		names = append(names, fmt.Sprintf("%s (%s)", ct.Name, ct.State))
	}
	if network != "" {
		return fmt.Sprintf("Containers in network %s: %s", network, joinOrNone(names)), nil
	}
	return "All containers: " + joinOrNone(names), nil
}

func (c *Catalog) getContainer(ctx context.Context, args operation.Args) (string, error) {
	name := args.String("name", "")
	ct, err := c.backend.Container(ctx, name)
	if errdefs.IsNotFound(err) {
		return fmt.Sprintf("Container %s not found.", name), nil
	}
	if err != nil {
		return fmt.Sprintf("Error getting container %s: %v", name, err), nil
	}
	ip := ct.IP
	if ip == "" {
		ip = "None"
	}
	return fmt.Sprintf("Container %s: State=%s, Image=%s, Network=%s, IP=%s, Age=%s",
		ct.Name, ct.State, ct.Image, ct.Network, ip, c.age(ct.Created)), nil
}

func (c *Catalog) containerLogs(ctx context.Context, args operation.Args) (string, error) {
	name := args.String("name", "")
	tail := args.Int("tail_lines", defaultLogTail)
	if tail <= 0 {
		tail = defaultLogTail
	}
	logs, err := c.backend.ContainerLogs(ctx, name, tail)
	if errdefs.IsNotFound(err) {
		return fmt.Sprintf("Container '%s' not found.", name), nil
	}
	if err != nil {
		return fmt.Sprintf("Error getting logs for container '%s': %v", name, err), nil
	}
	if strings.TrimSpace(logs) == "" {
		return fmt.Sprintf("No logs found for container '%s'.", name), nil
	}
	return fmt.Sprintf("Last %d lines of logs for container '%s':\n%s", tail, name, strings.TrimRight(logs, "\n")), nil
}

func portSpecs(args operation.Args) []string {
	if p := args.String("port", ""); p != "" {
		return []string{p}
	}
	return nil
}

func (c *Catalog) createContainer(ctx context.Context, args operation.Args) (string, error) {
	spec := ContainerSpec{
		Name:    args.String("name", ""),
		Image:   args.String("image", ""),
		Network: args.String("network", ""),
		Ports:   portSpecs(args),
		Env:     args.StringMap("env"),
	}
	if _, err := c.backend.CreateContainer(ctx, spec); err != nil {
		if errdefs.IsConflict(err) {
			return fmt.Sprintf("Container %s already exists.", spec.Name), nil
		}
		return fmt.Sprintf("Error creating container %s: %v", spec.Name, err), nil
	}
	return fmt.Sprintf("Container %s created successfully%s.", spec.Name, scope(spec.Network)), nil
}

func (c *Catalog) deleteContainer(ctx context.Context, args operation.Args) (string, error) {
	name := args.String("name", "")
	if err := c.backend.DeleteContainer(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Sprintf("Container %s not found.", name), nil
		}
		return fmt.Sprintf("Error deleting container %s: %v", name, err), nil
	}
	return fmt.Sprintf("Container %s deleted successfully.", name), nil
}

func (c *Catalog) createDeployment(ctx context.Context, args operation.Args) (string, error) {
	spec := DeploymentSpec{
		Name:     args.String("name", ""),
		Image:    args.String("image", ""),
		Replicas: args.Int("replicas", 1),
		Network:  args.String("network", ""),
		Ports:    portSpecs(args),
	}
	if spec.Replicas < 0 {
		return "Error: Replicas must be a non-negative integer.", nil
	}
	if _, err := c.backend.CreateDeployment(ctx, spec); err != nil {
		if errdefs.IsConflict(err) {
			return fmt.Sprintf("Deployment %s already exists.", spec.Name), nil
		}
		return fmt.Sprintf("Error creating deployment %s: %v", spec.Name, err), nil
	}
	return fmt.Sprintf("Deployment %s created successfully%s with %d replicas.", spec.Name, scope(spec.Network), spec.Replicas), nil
}

func (c *Catalog) listDeployments(ctx context.Context, args operation.Args) (string, error) {
	network := args.String("network", "")
	list, err := c.backend.ListDeployments(ctx, network)
	if err != nil {
		return fmt.Sprintf("Error listing deployments: %v", err), nil
	}
	names := make([]string, 0, len(list))
	for _, d := range list {
		names = append(names, fmt.Sprintf("%s (%d/%d ready)", d.Name, d.Ready, d.Replicas))
	}
	if network != "" {
		return fmt.Sprintf("Deployments in network %s: %s", network, joinOrNone(names)), nil
	}
	return "All deployments: " + joinOrNone(names), nil
}

func (c *Catalog) deploymentStatus(ctx context.Context, args operation.Args) (string, error) {
	name := args.String("name", "")
	d, err := c.backend.Deployment(ctx, name)
	if errdefs.IsNotFound(err) {
		return fmt.Sprintf("Deployment %s not found.", name), nil
	}
	if err != nil {
		return fmt.Sprintf("Error getting deployment status for %s: %v", name, err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Deployment %s status:\n", d.Name)
	fmt.Fprintf(&b, "  Image: %s\n", d.Image)
	fmt.Fprintf(&b, "  Replicas: %d desired, %d ready\n", d.Replicas, d.Ready)
	for _, ct := range d.Pods {
		fmt.Fprintf(&b, "  - %s: %s\n", ct.Name, ct.State)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (c *Catalog) scaleDeployment(ctx context.Context, args operation.Args) (string, error) {
	name := args.String("name", "")
	replicas := args.Int("replicas", -1)
	if replicas < 0 {
		return "Error: Replicas must be a non-negative integer.", nil
	}
	if _, err := c.backend.ScaleDeployment(ctx, name, replicas); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Sprintf("Deployment %s not found.", name), nil
		}
		return fmt.Sprintf("Error scaling deployment %s: %v", name, err), nil
	}
	return fmt.Sprintf("Deployment %s scaled to %d replicas successfully.", name, replicas), nil
}

func (c *Catalog) deleteDeployment(ctx context.Context, args operation.Args) (string, error) {
	name := args.String("name", "")
	if err := c.backend.DeleteDeployment(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Sprintf("Deployment %s not found.", name), nil
		}
		return fmt.Sprintf("Error deleting deployment %s: %v", name, err), nil
	}
	return fmt.Sprintf("Deployment %s deleted successfully.", name), nil
}

func (c *Catalog) listNetworks(ctx context.Context, _ operation.Args) (string, error) {
	list, err := c.backend.ListNetworks(ctx)
	if err != nil {
		return fmt.Sprintf("Error listing networks: %v", err), nil
	}
	names := make([]string, 0, len(list))
	for _, n := range list {
		names = append(names, n.Name)
	}
	return "Available networks: " + joinOrNone(names), nil
}

func (c *Catalog) createNetwork(ctx context.Context, args operation.Args) (string, error) {
	name := args.String("name", "")
	if _, err := c.backend.CreateNetwork(ctx, name); err != nil {
		if errdefs.IsConflict(err) {
			return fmt.Sprintf("Network %s already exists.", name), nil
		}
		return fmt.Sprintf("Error creating network %s: %v", name, err), nil
	}
	return fmt.Sprintf("Network %s created successfully.", name), nil
}

func (c *Catalog) deleteNetwork(ctx context.Context, args operation.Args) (string, error) {
	name := args.String("name", "")
	if err := c.backend.DeleteNetwork(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Sprintf("Network %s not found.", name), nil
		}
		return fmt.Sprintf("Error deleting network %s: %v", name, err), nil
	}
	return fmt.Sprintf("Network %s deleted successfully.", name), nil
}

func (c *Catalog) listVolumes(ctx context.Context, _ operation.Args) (string, error) {
	list, err := c.backend.ListVolumes(ctx)
	if err != nil {
		return fmt.Sprintf("Error listing volumes: %v", err), nil
	}
	names := make([]string, 0, len(list))
	for _, v := range list {
		names = append(names, v.Name)
	}
	return "Volumes: " + joinOrNone(names), nil
}

func (c *Catalog) createVolume(ctx context.Context, args operation.Args) (string, error) {
	spec := VolumeSpec{Name: args.String("name", ""), Driver: args.String("driver", "")}
	if _, err := c.backend.CreateVolume(ctx, spec); err != nil {
		if errdefs.IsConflict(err) {
			return fmt.Sprintf("Volume '%s' already exists.", spec.Name), nil
		}
		return fmt.Sprintf("Error creating volume '%s': %v", spec.Name, err), nil
	}
	return fmt.Sprintf("Volume '%s' created successfully.", spec.Name), nil
}

func (c *Catalog) deleteVolume(ctx context.Context, args operation.Args) (string, error) {
	name := args.String("name", "")
	if err := c.backend.DeleteVolume(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Sprintf("Volume '%s' not found.", name), nil
		}
		return fmt.Sprintf("Error deleting volume '%s': %v", name, err), nil
	}
	return fmt.Sprintf("Volume '%s' deleted successfully.", name), nil
}

func (c *Catalog) listImages(ctx context.Context, _ operation.Args) (string, error) {
	list, err := c.backend.ListImages(ctx)
	if err != nil {
		return fmt.Sprintf("Error listing images: %v", err), nil
	}
	entries := make([]string, 0, len(list))
	for _, img := range list {
		label := "<none>"
		if len(img.Tags) > 0 {
			label = strings.Join(img.Tags, ", ")
		}
		entries = append(entries, fmt.Sprintf("%s (%s)", label, units.HumanSize(float64(img.Size))))
	}
	return "Images: " + joinOrNone(entries), nil
}

func (c *Catalog) describe(ctx context.Context, args operation.Args) (string, error) {
	kind := strings.ToLower(args.String("resource_type", ""))
	name := args.String("name", "")

	var obj any
	var err error
	switch kind {
	case "container":
		obj, err = c.backend.Container(ctx, name)
	case "deployment":
		obj, err = c.backend.Deployment(ctx, name)
	case "network":
		obj, err = c.backend.Network(ctx, name)
	case "volume":
		obj, err = c.backend.Volume(ctx, name)
	default:
		return fmt.Sprintf("Unsupported resource type for description: %s. Supported types: %s",
			kind, strings.Join(describable, ", ")), nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Sprintf("%s '%s' not found.", kind, name), nil
	}
	if err != nil {
		return fmt.Sprintf("Error describing %s '%s': %v", kind, name, err), nil
	}
	out, err := yaml.Marshal(obj)
	if err != nil {
		return fmt.Sprintf("Error describing %s '%s': %v", kind, name, err), nil
	}
	return fmt.Sprintf("Description of %s '%s':\n%s", kind, name, strings.TrimRight(string(out), "\n")), nil
}

func (c *Catalog) clusterStatus(ctx context.Context, _ operation.Args) (string, error) {
	st, err := c.backend.Status(ctx)
	if err != nil {
		return fmt.Sprintf("Error getting cluster status: %v", err), nil
	}
	deployments, err := c.backend.ListDeployments(ctx, "")
	if err != nil {
		return fmt.Sprintf("Error getting cluster status: %v", err), nil
	}
	names := make([]string, 0, len(deployments))
	for _, d := range deployments {
		names = append(names, d.Name)
	}
	slices.Sort(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Cluster status (%s):\n", st.Name)
	fmt.Fprintf(&b, "  Engine: %s on %s\n", st.ServerVersion, st.OperatingSystem)
	fmt.Fprintf(&b, "  Capacity: %d CPUs, %s memory\n", st.CPUs, units.BytesSize(float64(st.MemoryBytes)))
	fmt.Fprintf(&b, "  Containers: %d total, %d running, %d stopped\n", st.Containers, st.ContainersRunning, st.ContainersStopped)
	fmt.Fprintf(&b, "  Images: %d\n", st.Images)
	fmt.Fprintf(&b, "  Deployments: %s", joinOrNone(names))
	return b.String(), nil
}

// age renders how long ago t was, for listings.
func (c *Catalog) age(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return units.HumanDuration(c.now().Sub(t))
}
