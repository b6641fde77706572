// Command orchctl drives an orchflowd gateway from the shell.
//
//	orchctl new-session --name build
//	orchctl spawn sess_01J... --kind scripted --command "make test"
//	orchctl exec pane_01J... ls -la
//	orchctl batch --stop-on-error pane_01J... "go vet ./..." "go test ./..."
//	orchctl watch --session sess_01J...
//
// Unary commands post to /v1/requests; watch holds a WebSocket open and
// prints one JSON event per line.
package main
