package worker

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestPipeJoinedOutputs(t *testing.T) {
	r := Request{OutputPaths: []string{"a/b.o", "a/c.o"}}
	if got, want := r.PipeJoinedOutputs(), "a/b.o|a/c.o"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestPoolRunsSubmittedRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(ctx, 1, t.TempDir(), 2*time.Second)
	defer p.Close()

	p.Submit(Request{ActionName: "echo-test", Command: "echo hi"})
	resp := <-p.Responses()

	if !resp.Success {
		t.Fatalf("expected success, got err %v", resp.Err)
	}
	if resp.ActionName != "echo-test" {
		t.Fatalf("expected response to echo the action name, got %q", resp.ActionName)
	}
	if !strings.Contains(string(resp.Output), "hi") {
		t.Fatalf("expected output to contain hi, got %q", resp.Output)
	}
}

func TestPoolReportsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(ctx, 1, t.TempDir(), 2*time.Second)
	defer p.Close()

	p.Submit(Request{ActionName: "fail-test", Command: "exit 1"})
	resp := <-p.Responses()

	if resp.Success {
		t.Fatalf("expected failure")
	}
	if resp.Err == nil {
		t.Fatalf("expected a non-nil error")
	}
}
