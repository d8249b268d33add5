package agent

import (
	"context"
	"fmt"
	"sync"
)

// Scripted is an Executor for tests: it replays a queue of canned results and
// records every request it received.
type Scripted struct {
	mu       sync.Mutex
	queue    []scriptedStep
	Requests []Request
}

type scriptedStep struct {
	result *Result
	err    error
}

// Enqueue adds a canned response to the script.
func (s *Scripted) Enqueue(result *Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, scriptedStep{result: result, err: err})
}

// EnqueueOutput adds a successful response with the given output text.
func (s *Scripted) EnqueueOutput(output string) {
	s.Enqueue(&Result{Output: output, SessionID: fmt.Sprintf("scripted-%d", len(s.queue))}, nil)
}

// Execute pops the next canned response. Running off the end of the script is
// a test bug and returns an error.
func (s *Scripted) Execute(_ context.Context, req Request) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if len(s.queue) == 0 {
		return nil, fmt.Errorf("scripted executor exhausted after %d calls", len(s.Requests))
	}
	step := s.queue[0]
	s.queue = s.queue[1:]
	return step.result, step.err
}

// Calls returns how many invocations were made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}
