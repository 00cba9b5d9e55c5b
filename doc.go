// Package goedgeir provides graph lowering passes for an edge-model export
// pipeline: rewrites that transform an exported computation graph into forms
// that mobile NPU, DSP, and coprocessor backends can consume.
//
// # Architecture
//
// The package is organized into several sub-packages:
//
//   - graph: the IR, with typed operation nodes, tensors, topology
//     editing, validation, and shape inference
//   - program: the exported program, a graph plus weight table (parameter,
//     buffer, and constant storage classes) and graph signature
//   - passes: the pass driver and the lowering passes themselves
//   - partition: backend delegation tagging
//   - interp: a reference evaluator used to check passes for numeric
//     equivalence
//   - blob: binary serialization of a program's weight table
//
// # Usage
//
// This package is a library consumed by a host export pipeline; it has no
// standalone binary. A host builds or receives an exported program, then
// applies passes:
//
//	pipeline := passes.NewPipeline(
//	    passes.NewConv1dUnsqueezePass(),
//	    passes.NewReplaceSDPAPass(false),
//	)
//	modified, err := pipeline.Run(prog)
//	if err != nil {
//	    // The compilation failed; the program must not be used.
//	}
//
// Passes run strictly sequentially and mutate the program in place. Each
// pass finalizes the program (re-validates the graph and recomputes shape
// metadata) before returning; a pass that fails aborts the pipeline and
// leaves previously applied mutations in place, so hosts needing rollback
// snapshot the program before running the pipeline.
package goedgeir
