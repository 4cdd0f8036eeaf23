package util

import (
	"context"
	"testing"
)

func TestWithOpID_ReusesExisting(t *testing.T) {
	ctx, id := WithOpID(context.Background())
	if len(id) != 16 {
		t.Fatalf("操作 ID %q 长度不对", id)
	}
	_, again := WithOpID(ctx)
	if again != id {
		t.Errorf("嵌套操作应沿用 %s, 得到 %s", id, again)
	}
	if _, other := WithOpID(context.Background()); other == id {
		t.Error("两次独立操作的 ID 不应相同")
	}
}
