package podman

import (
	"fmt"
	"sort"
	"time"

	"github.com/yairfalse/podsync/types"
)

// wireContainer is one entry of libpod's containers/json.
type wireContainer struct {
	ID      string            `json:"Id"`
	Names   []string          `json:"Names"`
	Image   string            `json:"Image"`
	ImageID string            `json:"ImageID"`
	Command []string          `json:"Command"`
	State   string            `json:"State"`
	Status  string            `json:"Status"`
	Pod     string            `json:"Pod"`
	PodName string            `json:"PodName"`
	Ports   []wirePort        `json:"Ports"`
	Labels  map[string]string `json:"Labels"`
	Created time.Time         `json:"Created"`
}

type wirePort struct {
	HostIP        string `json:"host_ip"`
	ContainerPort uint16 `json:"container_port"`
	HostPort      uint16 `json:"host_port"`
	Range         uint16 `json:"range"`
	Protocol      string `json:"protocol"`
}

// String renders the port the way `podman ps` does.
func (p wirePort) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	if p.HostPort == 0 {
		return fmt.Sprintf("%d/%s", p.ContainerPort, proto)
	}
	host := p.HostIP
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d->%d/%s", host, p.HostPort, p.ContainerPort, proto)
}

func (w wireContainer) toContainer(scope types.Scope) types.Container {
	c := types.Container{
		Key:     types.NewKey(scope, w.ID),
		Names:   w.Names,
		Image:   w.Image,
		Command: w.Command,
		State:   w.State,
		Status:  w.Status,
		Pod:     w.PodName,
		Labels:  w.Labels,
		Created: w.Created,
	}
	if c.Pod == "" {
		c.Pod = w.Pod
	}
	if w.ImageID != "" {
		c.ImageKey = types.NewKey(scope, w.ImageID)
	}
	for _, p := range w.Ports {
		c.Ports = append(c.Ports, p.String())
	}
	return c
}

// wireImage is one entry of libpod's images/json.
type wireImage struct {
	ID       string   `json:"Id"`
	RepoTags []string `json:"RepoTags"`
	Size     int64    `json:"Size"`
	Created  int64    `json:"Created"`
}

// wireImageInspect holds the fields read from images/{id}/json.
type wireImageInspect struct {
	ID     string `json:"Id"`
	Author string `json:"Author"`
	Config struct {
		Entrypoint   []string            `json:"Entrypoint"`
		Cmd          []string            `json:"Cmd"`
		ExposedPorts map[string]struct{} `json:"ExposedPorts"`
	} `json:"Config"`
}

func (w wireImage) toImage(scope types.Scope, info *wireImageInspect) types.Image {
	img := types.Image{
		Key:      types.NewKey(scope, w.ID),
		RepoTags: w.RepoTags,
		Size:     w.Size,
	}
	if w.Created > 0 {
		img.Created = time.Unix(w.Created, 0).UTC()
	}
	if info != nil {
		img.Author = info.Author
		img.Entrypoint = info.Config.Entrypoint
		img.Command = info.Config.Cmd
		for port := range info.Config.ExposedPorts {
			img.Ports = append(img.Ports, port)
		}
		sort.Strings(img.Ports)
	}
	return img
}

// wireStats is the docker-compatible stats document.
type wireStats struct {
	Read        time.Time    `json:"read"`
	CPUStats    wireCPUStats `json:"cpu_stats"`
	PreCPUStats wireCPUStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
	BlkioStats struct {
		IOServiceBytesRecursive []struct {
			Op    string `json:"op"`
			Value uint64 `json:"value"`
		} `json:"io_service_bytes_recursive"`
	} `json:"blkio_stats"`
	PidsStats struct {
		Current uint64 `json:"current"`
	} `json:"pids_stats"`
}

type wireCPUStats struct {
	CPUUsage struct {
		TotalUsage  uint64   `json:"total_usage"`
		PercpuUsage []uint64 `json:"percpu_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

func (w wireStats) toStats(key types.Key) types.ContainerStats {
	st := types.ContainerStats{
		Key:        key,
		CPUPercent: w.cpuPercent(),
		MemUsage:   w.MemoryStats.Usage,
		MemLimit:   w.MemoryStats.Limit,
		PIDs:       w.PidsStats.Current,
		SampledAt:  w.Read,
	}
	if st.SampledAt.IsZero() {
		st.SampledAt = time.Now()
	}
	for _, n := range w.Networks {
		st.NetInput += n.RxBytes
		st.NetOutput += n.TxBytes
	}
	for _, b := range w.BlkioStats.IOServiceBytesRecursive {
		switch b.Op {
		case "read", "Read":
			st.BlockInput += b.Value
		case "write", "Write":
			st.BlockOutput += b.Value
		}
	}
	return st
}

// cpuPercent computes usage over the interval between the two samples,
// scaled by the number of CPUs.
func (w wireStats) cpuPercent() float64 {
	if w.CPUStats.CPUUsage.TotalUsage < w.PreCPUStats.CPUUsage.TotalUsage ||
		w.CPUStats.SystemUsage <= w.PreCPUStats.SystemUsage {
		return 0
	}
	cpuDelta := float64(w.CPUStats.CPUUsage.TotalUsage - w.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(w.CPUStats.SystemUsage - w.PreCPUStats.SystemUsage)

	cpus := float64(w.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(w.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100
}

// wireEvent is one message of the events stream.
type wireEvent struct {
	Type   string `json:"Type"`
	Action string `json:"Action"`
	Status string `json:"status"`
	ID     string `json:"id"`
	Actor  struct {
		ID string `json:"ID"`
	} `json:"Actor"`
	Time     int64 `json:"time"`
	TimeNano int64 `json:"timeNano"`
}

func (w wireEvent) toEvent(scope types.Scope) types.Event {
	ev := types.Event{
		Kind:   types.Kind(w.Type),
		Status: types.Status(w.Action),
		ID:     w.Actor.ID,
		Scope:  scope,
	}
	if ev.Status == "" {
		ev.Status = types.Status(w.Status)
	}
	if ev.ID == "" {
		ev.ID = w.ID
	}
	switch {
	case w.TimeNano > 0:
		ev.Time = time.Unix(0, w.TimeNano).UTC()
	case w.Time > 0:
		ev.Time = time.Unix(w.Time, 0).UTC()
	}
	return ev
}
