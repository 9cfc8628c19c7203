package types

import "time"

// Kind is the resource kind an event refers to.
type Kind string

const (
	KindContainer Kind = "container"
	KindImage     Kind = "image"
	KindSystem    Kind = "system"
)

// EntityKinds returns the kinds that are stored as entities.
func EntityKinds() []Kind {
	return []Kind{KindContainer, KindImage}
}

// ContainerStateRunning is the state daemons report for live containers.
const ContainerStateRunning = "running"

// Container is a container as reported by one scope's daemon.
type Container struct {
	Key      Key               `json:"key"`
	Names    []string          `json:"names"`
	Image    string            `json:"image"`
	ImageKey Key               `json:"image_key"` // zero when the daemon reported no image id
	Command  []string          `json:"command"`
	State    string            `json:"state"`
	Status   string            `json:"status"`
	Pod      string            `json:"pod,omitempty"`
	Ports    []string          `json:"ports,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Created  time.Time         `json:"created"`
}

// IsRunning reports whether the container is running.
func (c Container) IsRunning() bool {
	return c.State == ContainerStateRunning
}

// Name returns the first container name, or the short id.
func (c Container) Name() string {
	if len(c.Names) > 0 {
		return c.Names[0]
	}
	return c.Key.ShortID()
}

// Clone returns a deep copy.
func (c Container) Clone() Container {
	out := c
	out.Names = cloneStrings(c.Names)
	out.Command = cloneStrings(c.Command)
	out.Ports = cloneStrings(c.Ports)
	out.Labels = cloneLabels(c.Labels)
	return out
}

// Image is an image as reported by one scope's daemon.
type Image struct {
	Key        Key       `json:"key"`
	RepoTags   []string  `json:"repo_tags"`
	Size       int64     `json:"size"`
	Created    time.Time `json:"created"`
	Entrypoint []string  `json:"entrypoint,omitempty"`
	Command    []string  `json:"command,omitempty"`
	Ports      []string  `json:"ports,omitempty"`
	Author     string    `json:"author,omitempty"`
}

// Clone returns a deep copy.
func (i Image) Clone() Image {
	out := i
	out.RepoTags = cloneStrings(i.RepoTags)
	out.Entrypoint = cloneStrings(i.Entrypoint)
	out.Command = cloneStrings(i.Command)
	out.Ports = cloneStrings(i.Ports)
	return out
}

// ContainerStats is a resource usage sample for a running container.
// A missing entry means "not sampled"; Unavailable means the daemon cannot
// produce stats for this container at all.
type ContainerStats struct {
	Key         Key       `json:"key"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemUsage    uint64    `json:"mem_usage"`
	MemLimit    uint64    `json:"mem_limit"`
	NetInput    uint64    `json:"net_input"`
	NetOutput   uint64    `json:"net_output"`
	BlockInput  uint64    `json:"block_input"`
	BlockOutput uint64    `json:"block_output"`
	PIDs        uint64    `json:"pids"`
	SampledAt   time.Time `json:"sampled_at"`
	Unavailable bool      `json:"unavailable,omitempty"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
