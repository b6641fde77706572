// Package container implements a mux backend that runs each pane inside
// a docker or podman container with memory, CPU, process and file limits
// and an optional disabled network.
package container
