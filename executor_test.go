package queue_test

import (
	"context"
	"errors"
	"testing"

	queue "github.com/lalaz-foundation/queue-engine"
	"github.com/lalaz-foundation/queue-engine/job"
	"github.com/lalaz-foundation/queue-engine/message"
)

func TestExecutorExecuteDecodesPayloadBeforeInvoking(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	invoked := false
	reg.Register("ping", func(ctx context.Context, msg *message.Message) error {
		invoked = true
		var decoded map[string]any
		if err := msg.DecodePayload(&decoded); err != nil {
			t.Fatalf("handler-side decode: %v", err)
		}
		if decoded["n"] != float64(3) {
			t.Fatalf("expected payload field n=3, got %v", decoded["n"])
		}
		return nil
	})

	exec := queue.NewExecutor(reg)
	rec := &job.Record{Task: "ping"}
	if err := rec.Message.EncodePayload(map[string]any{"n": 3}); err != nil {
		t.Fatalf("encode payload: %v", err)
	}

	res := exec.Execute(context.Background(), rec)
	if res.Outcome != queue.OutcomeSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if !invoked {
		t.Fatal("expected handler to be invoked")
	}
}

func TestExecutorExecuteRejectsUndecodablePayload(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	reg.Register("ping", func(ctx context.Context, msg *message.Message) error {
		t.Fatal("handler must not run when payload decode fails")
		return nil
	})

	exec := queue.NewExecutor(reg)
	rec := &job.Record{Task: "ping"}
	rec.Message.Payload = []byte("not json")

	res := exec.Execute(context.Background(), rec)
	if res.Outcome != queue.OutcomeFailure {
		t.Fatalf("expected failure outcome, got %+v", res)
	}
	if !errors.Is(res.Err, queue.ErrDecodeFailed) {
		t.Fatalf("expected ErrDecodeFailed, got %v", res.Err)
	}
}

func TestExecutorExecuteResolutionFailure(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	exec := queue.NewExecutor(reg)
	rec := &job.Record{Task: "missing"}

	res := exec.Execute(context.Background(), rec)
	if res.Outcome != queue.OutcomeResolutionFailed {
		t.Fatalf("expected resolution failure, got %+v", res)
	}
	if !errors.Is(res.Err, queue.ErrResolutionFailed) {
		t.Fatalf("expected ErrResolutionFailed, got %v", res.Err)
	}
}
