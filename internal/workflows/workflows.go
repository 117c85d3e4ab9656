// Package workflows parses and validates workflow markdown documents and
// keeps an in-memory registry of accepted workflows.
//
// A workflow document describes a multi-step browsing procedure in
// markdown. Steps are declared as `## Step N: Title (id: X)` headings and
// may reference input sources with `[[source:KEY]]` tokens; every
// referenced source must be declared alongside the document.
package workflows

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	stepHeading = regexp.MustCompile(`^## Step\s+(\d+):\s+(.+?)\s+\(id:\s*([^)]+)\)\s*$`)
	sourceToken = regexp.MustCompile(`\[\[source:([^\]]+)\]\]`)
)

// Source declares an input a workflow may reference by key
type Source struct {
	Key       string         `json:"key"`
	Type      string         `json:"type"`
	Mode      string         `json:"mode"`
	Connector map[string]any `json:"connector,omitempty"`
	Snapshot  map[string]any `json:"snapshot,omitempty"`
	Security  map[string]any `json:"security,omitempty"`
}

// CreateRequest is a workflow submission
type CreateRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Deliverable string   `json:"deliverable"`
	WorkflowMD  string   `json:"workflow_md"`
	Sources     []Source `json:"sources"`
}

// Step is one parsed workflow step
type Step struct {
	StepID     string   `json:"step_id"`
	Title      string   `json:"title"`
	Order      int      `json:"order"`
	SourceKeys []string `json:"source_keys"`
}

// ValidationError is one structured validation failure
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validation is the full validation result attached to a workflow
type Validation struct {
	ParsedSteps          []Step            `json:"parsed_steps"`
	ReferencedSourceKeys []string          `json:"referenced_source_keys"`
	MissingSources       []string          `json:"missing_sources"`
	Warnings             []string          `json:"warnings"`
	Errors               []ValidationError `json:"errors"`
}

// Workflow is a stored workflow document
type Workflow struct {
	ID          string     `json:"workflow_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Deliverable string     `json:"deliverable"`
	WorkflowMD  string     `json:"workflow_md"`
	Sources     []Source   `json:"sources"`
	Version     int        `json:"version"`
	Status      string     `json:"status"`
	Validation  Validation `json:"validation"`
	CreatedAt   string     `json:"created_at"`
	UpdatedAt   string     `json:"updated_at"`
}

// CreateResponse is returned for a workflow submission
type CreateResponse struct {
	WorkflowID string     `json:"workflow_id"`
	Version    int        `json:"version"`
	Status     string     `json:"status"`
	Validation Validation `json:"validation"`
}

// Parse extracts the step structure and the referenced source keys from
// workflow markdown. A step's body runs from its heading to the next
// heading; referenced keys are returned deduplicated in first-seen order.
func Parse(workflowMD string) ([]Step, []string) {
	lines := strings.Split(workflowMD, "\n")

	type heading struct {
		line   int
		order  int
		title  string
		stepID string
	}
	var headings []heading
	for i, line := range lines {
		m := stepHeading.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		order, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		headings = append(headings, heading{line: i, order: order, title: m[2], stepID: m[3]})
	}

	steps := make([]Step, 0, len(headings))
	var referenced []string
	seen := make(map[string]bool)

	for i, h := range headings {
		start := h.line + 1
		end := len(lines)
		if i+1 < len(headings) {
			end = headings[i+1].line
		}
		section := strings.Join(lines[start:end], "\n")

		var keys []string
		for _, m := range sourceToken.FindAllStringSubmatch(section, -1) {
			keys = append(keys, m[1])
			if !seen[m[1]] {
				seen[m[1]] = true
				referenced = append(referenced, m[1])
			}
		}

		steps = append(steps, Step{
			StepID:     strings.TrimSpace(h.stepID),
			Title:      strings.TrimSpace(h.title),
			Order:      h.order,
			SourceKeys: keys,
		})
	}

	return steps, referenced
}

// Validate parses the markdown and checks every referenced source key
// against the declared sources
func Validate(req *CreateRequest) Validation {
	steps, referenced := Parse(req.WorkflowMD)

	provided := make(map[string]bool, len(req.Sources))
	for _, src := range req.Sources {
		provided[src.Key] = true
	}

	var missing []string
	for _, key := range referenced {
		if !provided[key] {
			missing = append(missing, key)
		}
	}

	validation := Validation{
		ParsedSteps:          steps,
		ReferencedSourceKeys: referenced,
		MissingSources:       missing,
		Warnings:             []string{},
		Errors:               []ValidationError{},
	}
	for _, key := range missing {
		validation.Errors = append(validation.Errors, ValidationError{
			Code:    "MISSING_SOURCE",
			Message: fmt.Sprintf("Workflow references [[source:%s]] but no source with key=%s was provided.", key, key),
		})
	}
	return validation
}

// Registry stores accepted workflows and caches responses by idempotency
// key. It is constructed once and injected; there is no package-level
// instance.
type Registry struct {
	mu          sync.RWMutex
	workflows   map[string]*Workflow
	idempotency map[string]*CreateResponse
}

// NewRegistry creates an empty workflow registry
func NewRegistry() *Registry {
	return &Registry{
		workflows:   make(map[string]*Workflow),
		idempotency: make(map[string]*CreateResponse),
	}
}

// Create validates and stores a workflow. When idempotencyKey is
// non-empty and has been seen before, the original response is returned
// without re-validating or storing anything.
func (r *Registry) Create(idempotencyKey string, req *CreateRequest) *CreateResponse {
	if idempotencyKey != "" {
		r.mu.RLock()
		cached, ok := r.idempotency[idempotencyKey]
		r.mu.RUnlock()
		if ok {
			return cached
		}
	}

	validation := Validate(req)
	status := "ready"
	if len(validation.MissingSources) > 0 {
		status = "invalid"
	}

	now := time.Now().UTC().Format(time.RFC3339)
	wf := &Workflow{
		ID:          "wf_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
		Title:       req.Title,
		Description: req.Description,
		Deliverable: req.Deliverable,
		WorkflowMD:  req.WorkflowMD,
		Sources:     req.Sources,
		Version:     1,
		Status:      status,
		Validation:  validation,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	resp := &CreateResponse{
		WorkflowID: wf.ID,
		Version:    wf.Version,
		Status:     wf.Status,
		Validation: wf.Validation,
	}

	r.mu.Lock()
	r.workflows[wf.ID] = wf
	if idempotencyKey != "" {
		r.idempotency[idempotencyKey] = resp
	}
	r.mu.Unlock()

	return resp
}

// Get returns a stored workflow, or nil when unknown
func (r *Registry) Get(workflowID string) *Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workflows[workflowID]
}

// Count returns the number of stored workflows
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}
