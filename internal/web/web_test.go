package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"piece-feeder/internal/event"
	"piece-feeder/internal/types"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStateTracker_IgnoresStaleEvents(t *testing.T) {
	st := NewStateTracker(nil)

	newer := event.Event{Type: event.PieceLoaded, Seq: 5, SessionID: "s1", State: &types.SessionState{Remaining: 2, Staged: 2}}
	older := event.Event{Type: event.PieceLoaded, Seq: 4, SessionID: "s1", State: &types.SessionState{Remaining: 1, Staged: 1}}

	if !st.Apply(newer) {
		t.Fatal("新事件应被应用")
	}
	if st.Apply(older) {
		t.Fatal("过期事件不应被应用")
	}
	if got := st.Snapshot(); got.State.Remaining != 2 || got.Seq != 5 {
		t.Errorf("视图为 %+v", got)
	}
	if st.Apply(event.Event{Type: event.ActionRetried, Seq: 9}) {
		t.Error("不带状态的事件不应被应用")
	}
}

func TestStateTracker_Ended(t *testing.T) {
	st := NewStateTracker(nil)
	st.Apply(event.Event{Type: event.SessionEnded, Seq: 1, State: &types.SessionState{}})
	if !st.Snapshot().Ended {
		t.Error("SessionEnded 之后视图应标记为已结束")
	}
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接 WebSocket 失败: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("客户端没有注册")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st := NewStateTracker(hub)
	st.Apply(event.Event{Type: event.PieceGrabbed, Seq: 1, SessionID: "s1", State: &types.SessionState{Remaining: 3, Staged: 1}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取广播失败: %v", err)
	}
	var view StatusView
	if err := json.Unmarshal(msg, &view); err != nil {
		t.Fatal(err)
	}
	if view.SessionID != "s1" || view.State.Remaining != 3 || view.LastEvent != event.PieceGrabbed {
		t.Errorf("收到的视图 %+v", view)
	}
}
