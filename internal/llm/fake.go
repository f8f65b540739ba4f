package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is a scripted Provider for tests. Responses are matched by
// substring of the prompt; the first match wins. Unmatched prompts
// return Default, or an error if Default is empty.
type Fake struct {
	mu        sync.Mutex
	scripts   []fakeScript
	Default   string
	callCount int
	prompts   []string
	// Err, when set, is returned for every call until cleared.
	Err error
}

type fakeScript struct {
	contains string
	response string
	err      error
	once     bool
	used     bool
}

// NewFake returns an empty fake provider.
func NewFake() *Fake { return &Fake{} }

// Respond scripts a response for prompts containing the substring.
func (f *Fake) Respond(contains, response string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, fakeScript{contains: contains, response: response})
	return f
}

// RespondOnce scripts a response consumed by the first matching call;
// later matches fall through to subsequent scripts. Lets tests model a
// bad first attempt followed by a corrected retry.
func (f *Fake) RespondOnce(contains, response string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, fakeScript{contains: contains, response: response, once: true})
	return f
}

// Fail scripts an error for prompts containing the substring.
func (f *Fake) Fail(contains string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, fakeScript{contains: contains, err: err})
	return f
}

// DefaultModel implements Provider.
func (f *Fake) DefaultModel() string { return "fake-model" }

// Generate implements Provider.
func (f *Fake) Generate(_ context.Context, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	f.prompts = append(f.prompts, req.Prompt)

	if f.Err != nil {
		return Response{}, f.Err
	}
	for i := range f.scripts {
		s := &f.scripts[i]
		if s.used || !strings.Contains(req.Prompt+"\n"+req.System, s.contains) {
			continue
		}
		if s.once {
			s.used = true
		}
		if s.err != nil {
			return Response{}, s.err
		}
		return f.response(s.response), nil
	}
	if f.Default != "" {
		return f.response(f.Default), nil
	}
	return Response{}, fmt.Errorf("llm: fake has no script for prompt %q", truncate(req.Prompt, 80))
}

// GenerateStream implements Provider by emitting the scripted response
// as a single chunk.
func (f *Fake) GenerateStream(ctx context.Context, req Request) (<-chan string, <-chan error, error) {
	resp, err := f.Generate(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan string, 1)
	errs := make(chan error, 1)
	out <- resp.Text
	close(out)
	close(errs)
	return out, errs, nil
}

// Calls returns the number of Generate calls seen.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

// Prompts returns a copy of all prompts seen, in order.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func (f *Fake) response(text string) Response {
	return Response{
		Text:  text,
		Model: "fake-model",
		Usage: Usage{
			PromptTokens:     EstimateTokens(text),
			CompletionTokens: EstimateTokens(text),
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
