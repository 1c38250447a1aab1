// Package opcheck is a differential testing harness for the operators of a tensor compiler.
//
// For each operator, a test builds the computation twice: with the eager reference framework in package
// reference, which also computes gradients, and with the program builder in package netbuilder. The candidate
// program goes through named transformation passes (package passes), is lowered to StableHLO and executed with
// a PJRT plugin, or with the Go interpreter (package runtime). The results are compared with package allclose.
//
// The harness is in package optest, and the operator tests in package ops. Configuration is read from the
// environment:
//
//   - LOG_LEVEL: DEBUG, INFO, WARNING or ERROR. DEBUG prints the programs before and after the passes.
//   - OPCHECK_TARGET: host, nvgpu or interpreter. By default the accelerator is used if available.
//   - OPCHECK_HOST_PLUGIN, OPCHECK_ACCELERATOR_PLUGIN: the PJRT plugins of each target.
//   - OPCHECK_DUMP_DIR: where to save the programs of failing comparisons, see cmd/opcheck_replay.
package opcheck
