// Package diff computes sync plans from a manifest, an observed
// installation snapshot and the model index.
package diff

import (
	"fmt"

	"comfyenv/internal/manifest"
)

// OpKind discriminates the Operation variants. String-valued so dry-run
// reports serialize readably.
type OpKind string

const (
	OpNodeAdd        OpKind = "node-add"
	OpNodeUpdate     OpKind = "node-update"
	OpNodeRemove     OpKind = "node-remove"
	OpModelDownload  OpKind = "model-download"
	OpWorkflowImport OpKind = "workflow-import"
)

// Operation is one tagged step of a sync plan. Exactly one of the
// payload pointers is set, matching Kind.
type Operation struct {
	ID        string   `json:"id"`
	Kind      OpKind   `json:"kind"`
	DependsOn []string `json:"depends_on,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`

	Node     *manifest.NodeEntry     `json:"node,omitempty"`
	Model    *manifest.ModelRef      `json:"model,omitempty"`
	Workflow *manifest.WorkflowTrack `json:"workflow,omitempty"`

	// ObservedVersion is set on node updates: what the installation
	// currently has.
	ObservedVersion string `json:"observed_version,omitempty"`
}

// Describe renders the operation for reports.
func (op *Operation) Describe() string {
	switch op.Kind {
	case OpNodeAdd:
		return fmt.Sprintf("install node %s", op.Node.ID)
	case OpNodeUpdate:
		return fmt.Sprintf("update node %s (%s -> %s)", op.Node.ID, op.ObservedVersion, nodeWant(op.Node))
	case OpNodeRemove:
		return fmt.Sprintf("remove node %s", op.Node.ID)
	case OpModelDownload:
		return fmt.Sprintf("download model %s", op.Model.Hash[:12])
	case OpWorkflowImport:
		return fmt.Sprintf("import workflow %s", op.Workflow.Name)
	}
	return string(op.Kind)
}

func nodeWant(n *manifest.NodeEntry) string {
	if n.Commit != "" {
		if len(n.Commit) > 12 {
			return n.Commit[:12]
		}
		return n.Commit
	}
	return n.Version
}

// UnresolvedModel reports a model ref the index could not satisfy and
// for which no operation was planned.
type UnresolvedModel struct {
	Ref      manifest.ModelRef `json:"ref"`
	Optional bool              `json:"optional"`
	Reason   string            `json:"reason"`
}

// PendingAddition is a dependency auto-detected from a tracked workflow
// graph that is not yet declared in the manifest. Pending additions are
// surfaced for confirmation, never silently added.
type PendingAddition struct {
	Workflow string `json:"workflow"`

	// NodePack is set for a discovered custom node dependency.
	NodePack string `json:"node_pack,omitempty"`

	// ModelFile is set for a discovered model file reference. Hash is
	// filled when the index resolves the name to exactly one content
	// hash; Candidates lists the hashes when the name is ambiguous.
	ModelFile  string   `json:"model_file,omitempty"`
	Hash       string   `json:"hash,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

// Ambiguous reports whether the addition needs caller disambiguation.
func (p PendingAddition) Ambiguous() bool {
	return len(p.Candidates) > 1
}

// Plan is an ordered list of operations plus everything the diff decided
// not to plan and why.
type Plan struct {
	Ops        []Operation       `json:"ops"`
	Untracked  []string          `json:"untracked,omitempty"`
	Unresolved []UnresolvedModel `json:"unresolved,omitempty"`
	Pending    []PendingAddition `json:"pending,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// Empty reports whether the plan contains no operations.
func (p *Plan) Empty() bool {
	return len(p.Ops) == 0
}

// Find returns the operation with the given id, if present.
func (p *Plan) Find(id string) (*Operation, bool) {
	for i := range p.Ops {
		if p.Ops[i].ID == id {
			return &p.Ops[i], true
		}
	}
	return nil, false
}

// Summary renders one line per operation.
func (p *Plan) Summary() []string {
	out := make([]string, 0, len(p.Ops))
	for i := range p.Ops {
		out = append(out, p.Ops[i].Describe())
	}
	return out
}
