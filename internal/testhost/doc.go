// Package testhost implements workers that discover and run Go tests on the
// local machine.
//
// A source is a Go package directory. Discovery parses the package's
// _test.go files and reports every top-level TestXxx function. Execution
// runs "go test -json" in the package directory and turns the test2json
// event stream into results. Each worker belongs to a provider, which adds
// its own go flags, environment and command.
package testhost
