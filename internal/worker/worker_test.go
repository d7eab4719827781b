package worker

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kb9ops/dispatch-gateway/internal/audit"
	"github.com/kb9ops/dispatch-gateway/internal/llm"
	"github.com/kb9ops/dispatch-gateway/internal/radio"
	"github.com/kb9ops/dispatch-gateway/internal/sendhelper"
	"github.com/kb9ops/dispatch-gateway/internal/session"
)

func newTestWorker(queue <-chan Item, client llm.Client, fake *radio.Fake, sessions *session.Manager) (*Worker, *bytes.Buffer) {
	var buf bytes.Buffer
	al := audit.New(&buf)
	send := sendhelper.New(fake, nil, 180, time.Millisecond)
	w := New(queue, sessions, send, client, al, nil, nil, "test-model", 256, 50*time.Millisecond)
	return w, &buf
}

func TestHandleTriage_AppendsTurnsAndSuffixesFooter(t *testing.T) {
	sessions := session.New()
	sender := radio.NodeID("!n1")
	sessions.OpenTriage(session.Triage{Sender: sender, Trigger: "FIRE", DisplayName: "Alice"})

	fake := radio.NewFake("!local")
	client := &llm.Fake{Default: "What is the address of the fire?"}
	queue := make(chan Item, 1)
	w, _ := newTestWorker(queue, client, fake, sessions)

	w.process(context.Background(), Item{Sender: sender, Text: "my house is on fire", Triage: true})

	sent := fake.SentTo(sender)
	if len(sent) != 1 {
		t.Fatalf("got %d sends, want 1", len(sent))
	}
	if !strings.Contains(sent[0], "What is the address") {
		t.Errorf("reply missing model text: %q", sent[0])
	}
	if !strings.HasSuffix(sent[0], "[Send !safe when emergency is resolved]") {
		t.Errorf("reply missing safe footer: %q", sent[0])
	}

	snap, ok := sessions.SnapshotTriage(sender)
	if !ok {
		t.Fatal("session should still be open")
	}
	if len(snap.Transcript) != 2 {
		t.Fatalf("transcript len = %d, want 2 (citizen + operator)", len(snap.Transcript))
	}
	if snap.Transcript[0].Role != session.RoleCitizen || snap.Transcript[1].Role != session.RoleOperator {
		t.Errorf("transcript roles = %v, want citizen then operator", snap.Transcript)
	}
}

func TestHandleTriage_EmptyModelOutputUsesFallback(t *testing.T) {
	sessions := session.New()
	sender := radio.NodeID("!n1")
	sessions.OpenTriage(session.Triage{Sender: sender, Trigger: "FIRE"})

	fake := radio.NewFake("!local")
	client := &llm.Fake{Default: ""}
	queue := make(chan Item, 1)
	w, _ := newTestWorker(queue, client, fake, sessions)

	w.process(context.Background(), Item{Sender: sender, Text: "help", Triage: true})

	sent := fake.SentTo(sender)
	if len(sent) != 1 || !strings.Contains(sent[0], emptyOutputFallback) {
		t.Errorf("got %v, want fallback text", sent)
	}
}

func TestHandleTriage_NoSessionReturnsError(t *testing.T) {
	sessions := session.New()
	fake := radio.NewFake("!local")
	client := &llm.Fake{Default: "reply"}
	queue := make(chan Item, 1)
	w, buf := newTestWorker(queue, client, fake, sessions)

	w.process(context.Background(), Item{Sender: "!ghost", Text: "hi", Triage: true})

	sent := fake.SentTo("!ghost")
	if len(sent) != 1 || !strings.Contains(sent[0], "[SYSTEM]") {
		t.Errorf("got %v, want a system error notice", sent)
	}
	if !strings.Contains(buf.String(), "ai_worker_error") {
		t.Errorf("audit log missing ai_worker_error: %s", buf.String())
	}
}

func TestHandleGeneral_CapsRollingHistory(t *testing.T) {
	sessions := session.New()
	sender := radio.NodeID("!n1")
	fake := radio.NewFake("!local")
	client := &llm.Fake{Default: "ok"}
	queue := make(chan Item, 1)
	w, _ := newTestWorker(queue, client, fake, sessions)

	for i := 0; i < 3; i++ {
		w.process(context.Background(), Item{Sender: sender, Text: "hello", Triage: false})
	}

	history := sessions.GeneralHistory(sender)
	if len(history) != 4 {
		t.Fatalf("history len = %d, want 4 (capped)", len(history))
	}
}

func TestProcess_LLMErrorSendsSystemNotice(t *testing.T) {
	sessions := session.New()
	sender := radio.NodeID("!n1")
	fake := radio.NewFake("!local")
	client := &llm.Fake{Err: errors.New("model unavailable")}
	queue := make(chan Item, 1)
	w, _ := newTestWorker(queue, client, fake, sessions)

	w.process(context.Background(), Item{Sender: sender, Text: "hi", Triage: false})

	sent := fake.SentTo(sender)
	if len(sent) != 1 || !strings.Contains(sent[0], "[SYSTEM]") {
		t.Errorf("got %v, want a system error notice", sent)
	}
}

func TestRun_DrainsQueueUntilClosed(t *testing.T) {
	sessions := session.New()
	fake := radio.NewFake("!local")
	client := &llm.Fake{Default: "ok"}
	queue := make(chan Item, 2)
	w, _ := newTestWorker(queue, client, fake, sessions)

	queue <- Item{Sender: "!n1", Text: "hi", Triage: false}
	queue <- Item{Sender: "!n2", Text: "hi", Triage: false}
	close(queue)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fake.Sent()) != 2 {
		t.Errorf("got %d sends, want 2", len(fake.Sent()))
	}
}
