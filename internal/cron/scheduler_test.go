package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

type recordedTrigger struct {
	Event   string
	Payload map[string]any
}

type fakePublisher struct {
	triggers []recordedTrigger
	err      error
}

func (p *fakePublisher) Emit(event string, payload any) error {
	if p.err != nil {
		return p.err
	}
	raw, _ := json.Marshal(payload)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	p.triggers = append(p.triggers, recordedTrigger{Event: event, Payload: decoded})
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 9 * * *", false},
		{"*/5 * * * *", false},
		{"0 0 1 1 *", false},
		{"@hourly", false},
		{"", true},
		{"not a schedule", true},
		{"0 9 * *", true},     // four fields
		{"0 0 9 * * *", true}, // six fields (seconds)
		{"61 * * * *", true},  // minute out of range
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestNextRunEvaluatesInUTC(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 10:30 Berlin summer time is 08:30 UTC; daily 09:00 fires the same UTC day.
	now := time.Date(2025, 7, 1, 10, 30, 0, 0, berlin)
	next, err := NextRun("0 9 * * *", now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestSchedulerFiresDueTask(t *testing.T) {
	now := time.Date(2025, 7, 1, 8, 59, 30, 0, time.UTC)
	pub := &fakePublisher{}
	s, err := NewScheduler(pub, []Task{
		{ID: "digest", Name: "Morning digest", Schedule: "0 9 * * *", Task: "Compile the digest.", Enabled: true,
			Notify: []models.ChannelAddress{{Channel: "whatsapp", UserID: "ops"}}},
	}, WithNow(fixedClock(now)))
	if err != nil {
		t.Fatal(err)
	}

	if fired := s.RunDue(context.Background()); fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}

	now = time.Date(2025, 7, 1, 9, 0, 1, 0, time.UTC)
	s.now = fixedClock(now)
	if fired := s.RunDue(context.Background()); fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	if len(pub.triggers) != 1 || pub.triggers[0].Event != "cron.trigger" {
		t.Fatalf("triggers = %v", pub.triggers)
	}
	payload := pub.triggers[0].Payload
	if payload["taskId"] != "digest" || payload["task"] != "Compile the digest." {
		t.Errorf("payload = %v", payload)
	}
	notify, _ := payload["notify"].([]any)
	if len(notify) != 1 {
		t.Fatalf("notify = %v", payload["notify"])
	}
	if addr, _ := notify[0].(map[string]any); addr["channel"] != "whatsapp" || addr["userId"] != "ops" {
		t.Errorf("notify[0] = %v", notify[0])
	}
	wantKey := fmt.Sprintf("cron:digest:%d", now.Unix())
	if payload["sessionKey"] != wantKey {
		t.Errorf("sessionKey = %v, want %s", payload["sessionKey"], wantKey)
	}

	// Firing rolls the schedule to the next day and records the run.
	task := s.Tasks()[0]
	if !task.LastRun.Equal(now) {
		t.Errorf("LastRun = %v", task.LastRun)
	}
	wantNext := time.Date(2025, 7, 2, 9, 0, 0, 0, time.UTC)
	if !task.NextRun.Equal(wantNext) {
		t.Errorf("NextRun = %v, want %v", task.NextRun, wantNext)
	}

	// The same instant does not fire twice.
	if fired := s.RunDue(context.Background()); fired != 0 {
		t.Errorf("double fire: %d", fired)
	}
}

func TestSchedulerSkipsDisabledTask(t *testing.T) {
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	pub := &fakePublisher{}
	s, err := NewScheduler(pub, []Task{
		{ID: "off", Schedule: "* * * * *", Task: "noop", Enabled: false},
	}, WithNow(fixedClock(now)))
	if err != nil {
		t.Fatal(err)
	}
	s.now = fixedClock(now.Add(2 * time.Minute))
	if fired := s.RunDue(context.Background()); fired != 0 {
		t.Errorf("disabled task fired %d times", fired)
	}
}

func TestSchedulerRejectsInvalidTask(t *testing.T) {
	s, err := NewScheduler(&fakePublisher{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	cases := []Task{
		{ID: "", Schedule: "* * * * *", Task: "x"},
		{ID: "a", Schedule: "bad", Task: "x"},
		{ID: "b", Schedule: "* * * * *", Task: "  "},
	}
	for _, task := range cases {
		if err := s.Add(context.Background(), task); err == nil {
			t.Errorf("Add(%+v) should fail", task)
		}
	}
}

func TestSchedulerPersistsDurableChanges(t *testing.T) {
	var persisted [][]Task
	persist := func(_ context.Context, tasks []Task) error {
		persisted = append(persisted, tasks)
		return nil
	}
	s, err := NewScheduler(&fakePublisher{}, nil, WithPersistence(persist))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.Add(ctx, Task{ID: "durable", Schedule: "0 9 * * *", Task: "x", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 || len(persisted[0]) != 1 || persisted[0][0].ID != "durable" {
		t.Fatalf("persisted = %v", persisted)
	}

	// Ephemeral mutations skip the hook.
	if err := s.Add(ctx, Task{ID: "temp", Schedule: "0 9 * * *", Task: "x", Enabled: true, Ephemeral: true}); err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 {
		t.Errorf("ephemeral add should not persist, persisted %d times", len(persisted))
	}

	if err := s.Remove(ctx, "durable"); err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 2 || len(persisted[1]) != 0 {
		t.Errorf("remove should persist the emptied durable table: %v", persisted)
	}
}

func TestSchedulerAddDuplicate(t *testing.T) {
	s, _ := NewScheduler(&fakePublisher{}, []Task{
		{ID: "a", Schedule: "0 9 * * *", Task: "x", Enabled: true},
	})
	err := s.Add(context.Background(), Task{ID: "a", Schedule: "0 9 * * *", Task: "y", Enabled: true})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("expected duplicate error, got %v", err)
	}
}

func TestSchedulerFireByID(t *testing.T) {
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	pub := &fakePublisher{}
	s, _ := NewScheduler(pub, []Task{
		{ID: "digest", Schedule: "0 9 * * *", Task: "Compile.", Enabled: true},
	}, WithNow(fixedClock(now)))

	if err := s.Fire(context.Background(), "digest"); err != nil {
		t.Fatal(err)
	}
	if len(pub.triggers) != 1 {
		t.Fatalf("triggers = %d", len(pub.triggers))
	}
	if err := s.Fire(context.Background(), "nope"); err == nil {
		t.Error("firing an unknown task should fail")
	}
}
