package gateway

import "time"

// Observer receives gateway events for metrics collection. Calls are made
// from the worker and from submitting goroutines and must not block.
type Observer interface {
	CommandCompleted(code string, outcome string, latency time.Duration)
	CommandDropped(code string, reason string)
	StateChanged(state State, conn Connection)
	ReconnectAttempt(success bool)
	QueueDepth(depth int)
	StaleFrame(code string)
}

type noopObserver struct{}

func (noopObserver) CommandCompleted(string, string, time.Duration) {}
func (noopObserver) CommandDropped(string, string)                  {}
func (noopObserver) StateChanged(State, Connection)                 {}
func (noopObserver) ReconnectAttempt(bool)                          {}
func (noopObserver) QueueDepth(int)                                 {}
func (noopObserver) StaleFrame(string)                              {}
