// Package shutdown releases a result backend's resources in order.
//
// Shared consumers are stopped first so that no drain is in flight when the
// broker connection closes; span export is flushed last so the spans of the
// final operations are not lost.
//
//	coord := shutdown.ForBackend(shutdown.DefaultConfig(), registry, b, provider)
//	coord.HandleSignals()
//	<-coord.Done()
//
// Other handlers can be registered at any phase. Handlers in the same phase
// run concurrently; a failing handler does not stop later phases unless
// Config.ContinueOnError is false.
package shutdown
