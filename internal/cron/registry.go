package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Job represents a scheduled task that runs inside the housekeeper.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds housekeeping jobs by name. Names are unique since they
// label job metrics and select a job from the command line. The zero value
// is an empty registry.
type Registry struct {
	order []string
	jobs  map[string]Job
}

// NewRegistry builds a registry preloaded with the provided jobs.
func NewRegistry(jobs ...Job) (*Registry, error) {
	registry := &Registry{}
	for _, job := range jobs {
		if err := registry.Register(job); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Register adds a job, rejecting nil jobs and duplicate or blank names.
func (r *Registry) Register(job Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	name := strings.TrimSpace(job.Name())
	if name == "" {
		return errors.New("job name is required")
	}
	if _, exists := r.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	if r.jobs == nil {
		r.jobs = make(map[string]Job)
	}
	r.jobs[name] = job
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the job registered under name.
func (r *Registry) Lookup(name string) (Job, bool) {
	job, ok := r.jobs[strings.TrimSpace(name)]
	return job, ok
}

// Names lists job names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Jobs returns the registered jobs in the order they were added.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, 0, len(r.order))
	for _, name := range r.order {
		jobs = append(jobs, r.jobs[name])
	}
	return jobs
}
