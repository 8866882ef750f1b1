// Copyright 2025 James Ross

// Package catalogue parses the XML document declaring worker containers
// and the task types each may execute. Containers and tasks are kept as
// two independent collections joined by a capability relation; lookups
// query the relation in either direction on demand.
package catalogue

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/dcf21/eas-orchestrator/internal/store"
)

// allContainers is the wildcard container name: a task declaring it may
// run on every container in the catalogue.
const allContainers = "all"

type xmlResourceRequirements struct {
	CPU      float64 `xml:"cpu"`
	GPU      float64 `xml:"gpu"`
	MemoryGB float64 `xml:"memory_gb"`
}

type xmlContainer struct {
	Name      string                  `xml:"name"`
	Resources xmlResourceRequirements `xml:"resourceRequirements"`
}

type xmlTask struct {
	Name       string   `xml:"name"`
	Containers []string `xml:"container"`
}

type xmlCatalogue struct {
	XMLName    xml.Name       `xml:"catalogue"`
	Containers []xmlContainer `xml:"containers>container"`
	Tasks      []xmlTask      `xml:"tasks>task"`
}

// Container is one worker image and its declared resource envelope.
type Container struct {
	Name     string
	CPU      float64
	GPU      float64
	MemoryGB float64
}

// Catalogue holds the parsed container and task declarations plus the
// capability relation between them.
type Catalogue struct {
	containers map[string]Container
	// capability maps task name to the set of container names that can
	// run it, with "all" already expanded.
	capability map[string][]string
	taskOrder  []string
}

// Load reads and validates the catalogue document at path. Parsing is
// strict: a task naming an undeclared container is an error, not a
// skipped entry.
func Load(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	return Parse(data)
}

// Parse builds a Catalogue from raw XML.
func Parse(data []byte) (*Catalogue, error) {
	var doc xmlCatalogue
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalogue: %w", err)
	}
	if len(doc.Containers) == 0 {
		return nil, fmt.Errorf("catalogue declares no containers")
	}

	c := &Catalogue{
		containers: make(map[string]Container, len(doc.Containers)),
		capability: make(map[string][]string, len(doc.Tasks)),
	}
	var allNames []string
	for _, cont := range doc.Containers {
		if cont.Name == "" {
			return nil, fmt.Errorf("catalogue container with empty name")
		}
		if cont.Name == allContainers {
			return nil, fmt.Errorf("container name %q is reserved", allContainers)
		}
		if _, dup := c.containers[cont.Name]; dup {
			return nil, fmt.Errorf("duplicate container %q", cont.Name)
		}
		c.containers[cont.Name] = Container{
			Name:     cont.Name,
			CPU:      cont.Resources.CPU,
			GPU:      cont.Resources.GPU,
			MemoryGB: cont.Resources.MemoryGB,
		}
		allNames = append(allNames, cont.Name)
	}

	for _, task := range doc.Tasks {
		if task.Name == "" {
			return nil, fmt.Errorf("catalogue task with empty name")
		}
		if _, dup := c.capability[task.Name]; dup {
			return nil, fmt.Errorf("duplicate task %q", task.Name)
		}
		var names []string
		for _, containerName := range task.Containers {
			if containerName == allContainers {
				names = append(names, allNames...)
				continue
			}
			if _, ok := c.containers[containerName]; !ok {
				return nil, fmt.Errorf("task %q names unknown container %q", task.Name, containerName)
			}
			names = append(names, containerName)
		}
		c.capability[task.Name] = dedupe(names)
		c.taskOrder = append(c.taskOrder, task.Name)
	}
	return c, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// TaskTypes lists every declared task type, in document order.
func (c *Catalogue) TaskTypes() []string {
	return append([]string(nil), c.taskOrder...)
}

// Container reports a container's declaration.
func (c *Catalogue) Container(name string) (Container, bool) {
	cont, ok := c.containers[name]
	return cont, ok
}

// ContainersFor reports which containers may run a task type.
func (c *Catalogue) ContainersFor(taskType string) []string {
	return append([]string(nil), c.capability[taskType]...)
}

// CapabilitySet reports which task types a given container may execute,
// in document order. This is what a worker process reads at startup.
func (c *Catalogue) CapabilitySet(containerName string) ([]string, error) {
	if _, ok := c.containers[containerName]; !ok {
		return nil, fmt.Errorf("unknown container %q", containerName)
	}
	var out []string
	for _, taskName := range c.taskOrder {
		for _, cont := range c.capability[taskName] {
			if cont == containerName {
				out = append(out, taskName)
				break
			}
		}
	}
	return out, nil
}

// SyncToStore registers every task type and its per-container resource
// declarations in the Store, so diagnostics can join attempts to
// resource envelopes.
func (c *Catalogue) SyncToStore(ctx context.Context, st store.Store) error {
	for _, taskName := range c.taskOrder {
		var resources []model.ContainerResources
		for _, containerName := range c.capability[taskName] {
			cont := c.containers[containerName]
			resources = append(resources, model.ContainerResources{
				Container: cont.Name,
				CPU:       cont.CPU,
				GPU:       cont.GPU,
				MemoryGB:  cont.MemoryGB,
			})
		}
		tt := model.TaskType{Name: taskName, Containers: c.capability[taskName]}
		if err := st.RegisterTaskType(ctx, tt, resources); err != nil {
			return err
		}
	}
	return nil
}
