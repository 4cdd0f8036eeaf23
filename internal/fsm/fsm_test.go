package fsm

import "testing"

func TestBelt_Transitions(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		want   State
		staged int
	}{
		{"fill", []Event{EventPlace, EventPlace}, StateFull, 2},
		{"fill then shift", []Event{EventPlace, EventPlace, EventShiftBack}, StateEmpty, 0},
		{"take one", []Event{EventPlace, EventPlace, EventTake}, StateHalf, 1},
		{"drain and refill", []Event{EventPlace, EventTake, EventRefill}, StateFull, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBelt()
			for _, e := range tt.events {
				if err := b.Fire(e); err != nil {
					t.Fatalf("Fire(%s) 失败: %v", e, err)
				}
			}
			if got := b.Current(); got != tt.want {
				t.Errorf("状态为 %s, 预期 %s", got, tt.want)
			}
			if got := b.Staged(); got != tt.staged {
				t.Errorf("槽位计数为 %d, 预期 %d", got, tt.staged)
			}
		})
	}
}

func TestBelt_RejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup []Event
		fire  Event
	}{
		{"take from empty", nil, EventTake},
		{"place on full", []Event{EventPlace, EventPlace}, EventPlace},
		{"shift half", []Event{EventPlace}, EventShiftBack},
		{"refill half", []Event{EventPlace}, EventRefill},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBelt()
			for _, e := range tt.setup {
				if err := b.Fire(e); err != nil {
					t.Fatal(err)
				}
			}
			before := b.Current()
			if err := b.Fire(tt.fire); err == nil {
				t.Fatalf("预期 %s 在 %s 状态下被拒绝", tt.fire, before)
			}
			if b.Current() != before {
				t.Errorf("非法转移不应改变状态: %s -> %s", before, b.Current())
			}
		})
	}
}

func TestBelt_OnChange(t *testing.T) {
	b := NewBelt()
	var seen []State
	b.OnChange(func(from, to State, e Event) { seen = append(seen, to) })

	_ = b.Fire(EventPlace)
	_ = b.Fire(EventTake)
	_ = b.Fire(EventTake) // 非法，不回调

	if len(seen) != 2 || seen[0] != StateHalf || seen[1] != StateEmpty {
		t.Errorf("回调序列为 %v", seen)
	}
}
