// Package protocol defines the versioned request and response schema that
// every transport speaks, the JSON and CBOR codecs for it, and Peer, which
// dispatches one connection's requests to the orchestrator.
//
// Messages are flat tagged unions with a "type" discriminator and a "v"
// schema version. Readers ignore unknown fields; an unknown type is answered
// with an unsupported_operation error.
//
// Transport adapters live in subpackages: inproc (no serialization), socket
// (length-prefixed frames), pubsub (WebSocket) and rpc (gRPC stream).
//
// Example Usage:
//
//	peer := protocol.NewPeer(orch, sender, protocol.PeerOptions{
//		Transport: "socket",
//		Streaming: true,
//	})
//	defer peer.Close()
//	peer.HandleFrame(ctx, protocol.JSON, frame)
package protocol
