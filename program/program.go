// Package program holds the exported-program container consumed by lowering
// passes: a graph plus the weight table backing its get_attr nodes.
//
// Tensors live in one of three named storage classes (trainable parameters,
// non-trainable buffers, and frozen constants), with raw module attributes as
// a fallback for tensors the export step did not lift. The graph signature
// maps a get_attr node's target to its storage key, so a pass can locate and
// overwrite a tensor by symbolic name without breaking other references to
// that name.
package program

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gomlx/go-edgeir/graph"
)

// StorageClass identifies where a get_attr node's backing tensor lives.
type StorageClass int

const (
	// StorageParameter is a trainable parameter in the state dict.
	StorageParameter StorageClass = iota
	// StorageBuffer is non-trainable persistent state in the state dict.
	StorageBuffer
	// StorageConstant is a frozen literal in the constants table.
	StorageConstant
	// StorageAttribute is a raw attribute on the owning module, used for
	// tensors the export step did not lift into the signature.
	StorageAttribute
)

func (c StorageClass) String() string {
	switch c {
	case StorageParameter:
		return "parameter"
	case StorageBuffer:
		return "buffer"
	case StorageConstant:
		return "constant"
	case StorageAttribute:
		return "attribute"
	default:
		return "unknown"
	}
}

// Storage is the resolved storage location of a get_attr node: the class
// plus the key needed to find and overwrite the backing tensor.
type Storage struct {
	Class StorageClass
	Key   string
}

// Signature maps get_attr targets to their storage keys, one map per lifted
// storage class. Targets absent from all three maps fall back to raw
// attributes.
type Signature struct {
	InputsToParameters map[string]string
	InputsToBuffers    map[string]string
	InputsToConstants  map[string]string
}

// NewSignature creates an empty signature.
func NewSignature() Signature {
	return Signature{
		InputsToParameters: make(map[string]string),
		InputsToBuffers:    make(map[string]string),
		InputsToConstants:  make(map[string]string),
	}
}

// Program is an exported program: the graph, its weight table, and the
// signature binding them. It is the unit a pass pipeline operates on.
//
// A Program is single-session state: one pass mutates it at a time, and
// mutations are not transactional. Callers that need rollback on a failed
// pass should snapshot the program before running it.
type Program struct {
	id    string
	graph *graph.Graph

	// stateDict holds parameters and buffers; constants holds frozen
	// literals; attrs holds raw, unlifted module attributes.
	stateDict map[string]*graph.Tensor
	constants map[string]*graph.Tensor
	attrs     map[string]*graph.Tensor

	signature Signature
}

// New creates a program wrapping the given graph, with an empty weight
// table and a fresh session ID.
func New(g *graph.Graph) *Program {
	return &Program{
		id:        uuid.New().String(),
		graph:     g,
		stateDict: make(map[string]*graph.Tensor),
		constants: make(map[string]*graph.Tensor),
		attrs:     make(map[string]*graph.Tensor),
		signature: NewSignature(),
	}
}

// ID returns the program's session identifier.
func (p *Program) ID() string { return p.id }

// Graph returns the program's graph.
func (p *Program) Graph() *graph.Graph { return p.graph }

// SetGraph replaces the program's graph. Passes that rebuild the graph
// rather than mutating it in place install the replacement here.
func (p *Program) SetGraph(g *graph.Graph) { p.graph = g }

// Signature returns the program's graph signature.
func (p *Program) Signature() Signature { return p.signature }

// AddParameter registers a trainable parameter and returns a get_attr node
// fetching it. The target is the node-level name; the key names the entry in
// the state dict.
func (p *Program) AddParameter(target, key string, t *graph.Tensor) *graph.Node {
	p.stateDict[key] = t.SetRequiresGrad(true)
	p.signature.InputsToParameters[target] = key
	return p.graph.GetAttr(target, target)
}

// AddBuffer registers a non-trainable buffer and returns a get_attr node
// fetching it.
func (p *Program) AddBuffer(target, key string, t *graph.Tensor) *graph.Node {
	p.stateDict[key] = t.SetRequiresGrad(false)
	p.signature.InputsToBuffers[target] = key
	return p.graph.GetAttr(target, target)
}

// AddConstant registers a frozen constant and returns a get_attr node
// fetching it.
func (p *Program) AddConstant(target, key string, t *graph.Tensor) *graph.Node {
	p.constants[key] = t.SetRequiresGrad(false)
	p.signature.InputsToConstants[target] = key
	return p.graph.GetAttr(target, target)
}

// SetAttr registers a raw module attribute under its own name and returns a
// get_attr node fetching it. Raw attributes are not part of the signature.
func (p *Program) SetAttr(target string, t *graph.Tensor) *graph.Node {
	p.attrs[target] = t
	return p.graph.GetAttr(target, target)
}

// ResolveStorage determines which storage class backs the given get_attr
// node. The second return is false when the node is not a get_attr node or
// its target resolves to no storage at all (a bare in-graph value).
func (p *Program) ResolveStorage(n *graph.Node) (Storage, bool) {
	if n == nil || n.Op() != graph.OpGetAttr {
		return Storage{}, false
	}
	target := n.Target()
	if key, ok := p.signature.InputsToParameters[target]; ok {
		if _, present := p.stateDict[key]; present {
			return Storage{Class: StorageParameter, Key: key}, true
		}
	}
	if key, ok := p.signature.InputsToBuffers[target]; ok {
		if _, present := p.stateDict[key]; present {
			return Storage{Class: StorageBuffer, Key: key}, true
		}
	}
	if key, ok := p.signature.InputsToConstants[target]; ok {
		if _, present := p.constants[key]; present {
			return Storage{Class: StorageConstant, Key: key}, true
		}
	}
	if _, ok := p.attrs[target]; ok {
		return Storage{Class: StorageAttribute, Key: target}, true
	}
	return Storage{}, false
}

// IsParamNode reports whether the node is a get_attr node backed by one of
// the four storage classes.
func (p *Program) IsParamNode(n *graph.Node) bool {
	_, ok := p.ResolveStorage(n)
	return ok
}

// TensorFor fetches the backing tensor for a resolved storage location.
func (p *Program) TensorFor(st Storage) (*graph.Tensor, error) {
	var t *graph.Tensor
	switch st.Class {
	case StorageParameter, StorageBuffer:
		t = p.stateDict[st.Key]
	case StorageConstant:
		t = p.constants[st.Key]
	case StorageAttribute:
		t = p.attrs[st.Key]
	}
	if t == nil {
		return nil, errors.Errorf("no tensor stored for %s %q", st.Class, st.Key)
	}
	return t, nil
}

// ReplaceTensor overwrites the tensor at a resolved storage location,
// keeping the same class and key so every other reference to the symbolic
// name stays valid.
func (p *Program) ReplaceTensor(st Storage, t *graph.Tensor) error {
	switch st.Class {
	case StorageParameter, StorageBuffer:
		if _, ok := p.stateDict[st.Key]; !ok {
			return errors.Errorf("no state dict entry %q to replace", st.Key)
		}
		p.stateDict[st.Key] = t
	case StorageConstant:
		if _, ok := p.constants[st.Key]; !ok {
			return errors.Errorf("no constant %q to replace", st.Key)
		}
		p.constants[st.Key] = t
	case StorageAttribute:
		p.attrs[st.Key] = t
	default:
		return errors.Errorf("unknown storage class %d", st.Class)
	}
	return nil
}

// NamedTensors returns every tensor in the weight table keyed by storage
// key, across all storage classes. Used by serialization.
func (p *Program) NamedTensors() map[string]*graph.Tensor {
	all := make(map[string]*graph.Tensor, len(p.stateDict)+len(p.constants)+len(p.attrs))
	for k, t := range p.stateDict {
		all[k] = t
	}
	for k, t := range p.constants {
		all[k] = t
	}
	for k, t := range p.attrs {
		all[k] = t
	}
	return all
}

// resolveAttrShape is the graph.AttrResolver backed by this program's
// weight table.
func (p *Program) resolveAttrShape(target string) (shapes.Shape, error) {
	st, ok := p.resolveTargetStorage(target)
	if !ok {
		return shapes.Shape{}, errors.Errorf("get_attr target %q resolves to no storage class", target)
	}
	t, err := p.TensorFor(st)
	if err != nil {
		return shapes.Shape{}, err
	}
	return t.Shape(), nil
}

func (p *Program) resolveTargetStorage(target string) (Storage, bool) {
	if key, ok := p.signature.InputsToParameters[target]; ok {
		return Storage{Class: StorageParameter, Key: key}, true
	}
	if key, ok := p.signature.InputsToBuffers[target]; ok {
		return Storage{Class: StorageBuffer, Key: key}, true
	}
	if key, ok := p.signature.InputsToConstants[target]; ok {
		return Storage{Class: StorageConstant, Key: key}, true
	}
	if _, ok := p.attrs[target]; ok {
		return Storage{Class: StorageAttribute, Key: target}, true
	}
	return Storage{}, false
}

// Finalize revalidates the graph and recomputes shape/dtype metadata for
// every node. A pass is not complete until Finalize succeeds; a failure
// after a rewrite means the pass produced an inconsistent program and the
// compilation must be treated as failed.
func (p *Program) Finalize() error {
	if err := p.graph.Validate(); err != nil {
		return errors.WithMessage(err, "graph validation failed")
	}
	if err := p.graph.RecomputeShapes(p.resolveAttrShape); err != nil {
		return errors.WithMessage(err, "shape metadata recomputation failed")
	}
	return nil
}
