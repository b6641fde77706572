/*
Package tracing records lightweight spans for gateway requests and rpc
streams and logs them through zap.

# Overview

A trace id follows one request from the transport into the orchestrator.
Callers may pass X-Trace-ID and X-Span-ID (HTTP headers or gRPC metadata);
otherwise a new trace starts at the edge. Finished spans are collected on a
buffered channel and written by one goroutine, so a burst of requests never
waits on the logger.

# Usage

	tracer := tracing.New("orchflowd", logger.Component("tracing"))
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	server := grpc.NewServer(grpc.StreamInterceptor(tracing.GRPCStreamInterceptor(tracer)))

	span, ctx := tracer.StartSpan(ctx, "spawn_terminal")
	defer tracer.End(span)
	span.SetTag("pane_id", paneID.String())

# Propagation

- X-Trace-ID: shared by every span of one request flow
- X-Span-ID: the caller's span, recorded as the parent
*/
package tracing
