// Package partition tags graph regions for backend delegation. A
// partitioner inspects an exported program, decides which nodes a backend
// can execute, and marks them through node metadata. It never changes the
// graph's topology or weight table.
package partition

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gomlx/go-edgeir/graph"
	"github.com/gomlx/go-edgeir/program"
)

// CompileSpec is an opaque backend compilation option forwarded to the
// delegate at lowering time.
type CompileSpec struct {
	Key   string
	Value []byte
}

// DelegationSpec names the backend a tagged region is destined for, with
// its compile specs.
type DelegationSpec struct {
	BackendID    string
	CompileSpecs []CompileSpec
}

// Result is a partitioner's output: the tagged program and the mapping from
// each delegation tag to its spec. Every tag written into node metadata must
// appear in PartitionTags.
type Result struct {
	TaggedProgram *program.Program
	PartitionTags map[string]DelegationSpec
}

// Partitioner decides which portions of an exported program are delegated.
// Implementations must only add delegation tags to node metadata; any other
// mutation of the program is a contract violation.
type Partitioner interface {
	Partition(p *program.Program) (Result, error)
}

// SupportedOpsPartitioner tags maximal runs of consecutive supported nodes
// for a single backend. Consecutive supported nodes share a tag; an
// unsupported node in between starts a new region. Placeholder, get_attr,
// and output nodes are never tagged; they stay with the host.
type SupportedOpsPartitioner struct {
	backendID string
	supported map[graph.OpKind]bool
	specs     []CompileSpec
}

// NewSupportedOpsPartitioner creates a partitioner for the given backend and
// its supported operator set.
func NewSupportedOpsPartitioner(backendID string, supported []graph.OpKind, specs ...CompileSpec) *SupportedOpsPartitioner {
	set := make(map[graph.OpKind]bool, len(supported))
	for _, op := range supported {
		set[op] = true
	}
	return &SupportedOpsPartitioner{backendID: backendID, supported: set, specs: specs}
}

// Partition walks the node order once, tagging runs of supported nodes.
func (sp *SupportedOpsPartitioner) Partition(p *program.Program) (Result, error) {
	if sp.backendID == "" {
		return Result{}, errors.New("partitioner has no backend ID")
	}
	tags := make(map[string]DelegationSpec)
	region := 0
	inRegion := false
	for _, n := range p.Graph().Nodes() {
		switch n.Op() {
		case graph.OpPlaceholder, graph.OpGetAttr, graph.OpOutput:
			continue
		}
		if !sp.supported[n.Op()] {
			if inRegion {
				region++
				inRegion = false
			}
			continue
		}
		tag := fmt.Sprintf("%s_region_%d", sp.backendID, region)
		n.Meta().DelegationTag = tag
		if _, ok := tags[tag]; !ok {
			tags[tag] = DelegationSpec{BackendID: sp.backendID, CompileSpecs: sp.specs}
		}
		inRegion = true
	}
	return Result{TaggedProgram: p, PartitionTags: tags}, nil
}
