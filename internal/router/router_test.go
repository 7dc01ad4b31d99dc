package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/rickgao/tandem-realtime/internal/connection"
	"github.com/rickgao/tandem-realtime/internal/subscription"
)

// effectLog records side effects from all three collaborators in one sequence.
type effectLog struct {
	effects   []string
	notifyErr error
}

func (l *effectLog) Invalidate(key string) {
	l.effects = append(l.effects, "invalidate:"+key)
}

func (l *effectLog) Schedule(_ context.Context, title, body string) error {
	l.effects = append(l.effects, fmt.Sprintf("notify:%s|%s", title, body))
	return l.notifyErr
}

func (l *effectLog) Emit(event string, msg Message) int {
	l.effects = append(l.effects, "emit:"+event)
	return 0
}

func frame(s string) connection.RawMessage {
	return connection.RawMessage{Data: []byte(s), ReceivedAt: time.Now()}
}

func newTestRouter() (Router, *effectLog) {
	log := &effectLog{}
	return NewRouter(log, log, log, slog.Default()), log
}

func TestRouter_DispatchEffects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  []string
	}{
		{
			name:  "task_updated",
			frame: `{"type":"task_updated","data":{"id":"t1","title":"Buy milk","completed":true}}`,
			want:  []string{"invalidate:tasks", "emit:task_updated"},
		},
		{
			name:  "task_updated without object",
			frame: `{"type":"task_updated","data":"t1"}`,
			want:  []string{"invalidate:tasks", "emit:task_updated"},
		},
		{
			name:  "task_created",
			frame: `{"type":"task_created","data":{"id":"t1","title":"Buy milk"}}`,
			want:  []string{"invalidate:tasks", "notify:New Task|Buy milk", "emit:task_created"},
		},
		{
			name:  "nudge_sent with message",
			frame: `{"type":"nudge_sent","data":{"id":"n1","taskId":"t1","message":"hurry up"}}`,
			want:  []string{"invalidate:notifications", "notify:Nudge!|hurry up", "emit:nudge_sent"},
		},
		{
			name:  "nudge_sent default body",
			frame: `{"type":"nudge_sent","data":{"id":"n1","taskId":"t1"}}`,
			want:  []string{"invalidate:notifications", "notify:Nudge!|" + DefaultNudgeBody, "emit:nudge_sent"},
		},
		{
			name:  "notification",
			frame: `{"type":"notification","data":{"id":"x","title":"Done","message":"Task finished","type":"task_completed"}}`,
			want:  []string{"invalidate:notifications", "notify:Done|Task finished", "emit:notification"},
		},
		{
			name:  "unknown type",
			frame: `{"type":"ping"}`,
			want:  nil,
		},
		{
			name:  "invalid json",
			frame: `{not json`,
			want:  nil,
		},
		{
			name:  "missing type",
			frame: `{"data":{}}`,
			want:  nil,
		},
		{
			name:  "task_created without object",
			frame: `{"type":"task_created","data":null}`,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, log := newTestRouter()
			r.HandleFrame(frame(tt.frame))

			if len(log.effects) != len(tt.want) {
				t.Fatalf("effects = %v, want %v", log.effects, tt.want)
			}
			for i := range tt.want {
				if log.effects[i] != tt.want[i] {
					t.Errorf("effects[%d] = %q, want %q", i, log.effects[i], tt.want[i])
				}
			}
		})
	}
}

func TestRouter_NotifyFailureStillEmits(t *testing.T) {
	log := &effectLog{notifyErr: errors.New("permission denied")}
	r := NewRouter(log, log, log, slog.Default())

	r.HandleFrame(frame(`{"type":"task_created","data":{"title":"Buy milk"}}`))

	if got := log.effects[len(log.effects)-1]; got != "emit:task_created" {
		t.Errorf("last effect = %q, want emit:task_created", got)
	}
	if stats := r.Stats(); stats.NotifyErrors != 1 {
		t.Errorf("NotifyErrors = %d, want 1", stats.NotifyErrors)
	}
}

func TestRouter_NilCollaborators(t *testing.T) {
	r := NewRouter(nil, nil, nil, nil)

	r.HandleFrame(frame(`{"type":"nudge_sent","data":{}}`))

	if stats := r.Stats(); stats.MessagesDispatched != 1 {
		t.Errorf("MessagesDispatched = %d, want 1", stats.MessagesDispatched)
	}
}

func TestRouter_EmitsToRegistry(t *testing.T) {
	reg := subscription.New[Message](nil, slog.Default())
	r := NewRouter(nil, nil, reg, slog.Default())

	var got []Message
	reg.On(string(TypeTaskCreated), func(m Message) error {
		got = append(got, m)
		return nil
	})
	reg.On(string(TypeTaskCreated), func(Message) error {
		return errors.New("listener broke")
	})

	r.HandleFrame(frame(`{"type":"task_created","data":{"id":"t1","title":"Buy milk"}}`))
	r.HandleFrame(frame(`{"type":"task_updated","data":{"id":"t1"}}`))

	if len(got) != 1 {
		t.Fatalf("received %d messages, want 1", len(got))
	}
	p, ok := got[0].Payload.(TaskCreated)
	if !ok {
		t.Fatalf("Payload = %T, want TaskCreated", got[0].Payload)
	}
	if p.ID != "t1" || p.Title != "Buy milk" {
		t.Errorf("payload = %+v, want id t1 title Buy milk", p)
	}
	if got[0].ReceivedAt.IsZero() {
		t.Error("ReceivedAt not set")
	}

	stats := r.Stats()
	if stats.ListenerErrors != 1 {
		t.Errorf("ListenerErrors = %d, want 1", stats.ListenerErrors)
	}
	if stats.MessagesDispatched != 2 {
		t.Errorf("MessagesDispatched = %d, want 2", stats.MessagesDispatched)
	}
}

func TestRouter_Stats(t *testing.T) {
	r, _ := newTestRouter()

	r.HandleFrame(frame(`{"type":"task_updated","data":{}}`))
	r.HandleFrame(frame(`{"type":"pong"}`))
	r.HandleFrame(frame(`garbage`))
	r.HandleFrame(frame(`{"type":"notification","data":[1,2]}`))

	stats := r.Stats()
	if stats.MessagesReceived != 4 {
		t.Errorf("MessagesReceived = %d, want 4", stats.MessagesReceived)
	}
	if stats.MessagesDispatched != 1 {
		t.Errorf("MessagesDispatched = %d, want 1", stats.MessagesDispatched)
	}
	if stats.UnknownMessages != 1 {
		t.Errorf("UnknownMessages = %d, want 1", stats.UnknownMessages)
	}
	if stats.ParseErrors != 2 {
		t.Errorf("ParseErrors = %d, want 2", stats.ParseErrors)
	}
}
