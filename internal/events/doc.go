// Package events defines the engine's Event value and the bounded fan-out
// Bus that delivers events to subscribers.
//
// Producers (one reader task per pane, the orchestrator) call Publish, which
// never blocks. Each subscriber owns a bounded buffer; when it is full the
// event is dropped for that subscriber only and the next delivery it
// receives carries a Lagged count. Subscriptions only see events published
// after Subscribe returns.
package events
