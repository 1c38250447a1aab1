// Package ops holds the differential tests of the operators: each test file defines an optest.Case that builds
// the operator with the reference framework and with the NetBuilder, and compares both on the default target.
//
// The target is selected by target.Default and can be forced with OPCHECK_TARGET, e.g.:
//
//	OPCHECK_TARGET=interpreter go test ./ops/...
//	LOG_LEVEL=DEBUG go test ./ops/... -run TopK
//
// Tests that need a PJRT plugin that is not installed are skipped.
package ops
