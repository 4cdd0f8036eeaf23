package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"piece-feeder/internal/types"
	"piece-feeder/internal/util"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBridge 启动一个以 sim 为后端的驱动服务，并返回连接它的客户端
func newTestBridge(t *testing.T, sim *Sim) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(NewHandler(sim, testLogger()))
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, time.Second, testLogger())
}

func TestHTTPClient_RoundTrip(t *testing.T) {
	sim := NewSim(SimOptions{})
	c := newTestBridge(t, sim)
	ctx := context.Background()

	if err := c.Calibrate(ctx); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	pose := types.Pose{X: 0.14, Z: 0.203, Pitch: 0.759}
	if err := c.MoveToPose(ctx, pose); err != nil {
		t.Fatalf("MoveToPose: %v", err)
	}
	if err := c.SetMaxVelocity(ctx, 30); err != nil {
		t.Fatalf("SetMaxVelocity: %v", err)
	}
	if sim.Velocity() != 30 {
		t.Errorf("速度应为 30, 实际 %d", sim.Velocity())
	}

	id, err := c.CurrentToolID(ctx)
	if err != nil || id != types.ToolGripper1 {
		t.Errorf("CurrentToolID = %v, %v", id, err)
	}
	if err := c.Grasp(ctx); err != nil || !sim.Gripping() {
		t.Errorf("Grasp 之后夹爪应夹紧: %v", err)
	}

	status, err := c.HardwareStatus(ctx)
	if err != nil {
		t.Fatalf("HardwareStatus: %v", err)
	}
	if len(status.HardwareErrors) != SimStatusSlots {
		t.Errorf("状态向量长度 %d", len(status.HardwareErrors))
	}

	conveyor, err := c.SetConveyor(ctx)
	if err != nil {
		t.Fatalf("SetConveyor: %v", err)
	}
	if err := c.RunConveyor(ctx, conveyor, 25, types.ConveyorBackward); err != nil {
		t.Fatalf("RunConveyor: %v", err)
	}
	if err := c.StopConveyor(ctx, conveyor); err != nil {
		t.Fatalf("StopConveyor: %v", err)
	}

	calls := sim.Calls()
	var run *Call
	for i := range calls {
		if calls[i].Name == CapRunConveyor {
			run = &calls[i]
		}
	}
	if run == nil || run.Arg != "25 BACKWARD" {
		t.Errorf("传送带命令参数错误: %+v", run)
	}

	if err := c.End(ctx); err != nil || !sim.Ended() {
		t.Errorf("End: %v", err)
	}
}

func TestHTTPClient_ErrorMapping(t *testing.T) {
	sim := NewSim(SimOptions{Failures: map[string]error{
		CapUpdateTool: errors.New("工具总线故障"),
	}})
	c := newTestBridge(t, sim)
	ctx := context.Background()

	sim.InjectTimeouts(CapCalibrate, 1)
	if err := c.Calibrate(ctx); !errors.Is(err, ErrTransientTimeout) {
		t.Errorf("504 应映射为偶发超时, 实际 %v", err)
	}
	if err := c.Calibrate(ctx); err != nil {
		t.Errorf("超时耗尽后应成功: %v", err)
	}

	if err := c.SetMaxVelocity(ctx, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("非法速度应映射为非法参数, 实际 %v", err)
	}
	if err := c.RunConveyor(ctx, 7, 25, types.ConveyorForward); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("未注册的传送带应映射为非法参数, 实际 %v", err)
	}

	err := c.UpdateTool(ctx)
	if err == nil || errors.Is(err, ErrTransientTimeout) || errors.Is(err, ErrInvalidArgument) {
		t.Errorf("其他驱动错误不应被当作可重试或非法参数: %v", err)
	}
}

func TestHTTPClient_StatusUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "no status in simulation"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, testLogger())
	if _, err := c.HardwareStatus(context.Background()); !errors.Is(err, ErrStatusUnavailable) {
		t.Errorf("501 应映射为状态不可用, 实际 %v", err)
	}
}

func TestHTTPClient_ClientTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewHTTPClient(srv.URL, 20*time.Millisecond, testLogger())
	if err := c.Grasp(context.Background()); !errors.Is(err, ErrTransientTimeout) {
		t.Errorf("客户端超时应映射为偶发超时, 实际 %v", err)
	}
}

func TestHTTPClient_CancelledContext(t *testing.T) {
	c := newTestBridge(t, NewSim(SimOptions{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Calibrate(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("取消的 ctx 应返回 context.Canceled, 实际 %v", err)
	}
}

func TestHTTPClient_ForwardsOpID(t *testing.T) {
	var (
		mu  sync.Mutex
		got string
	)
	sim := NewSim(SimOptions{})
	inner := NewHandler(sim, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.Header.Get("X-Op-ID")
		mu.Unlock()
		inner.ServeHTTP(w, r)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, testLogger())
	ctx, want := util.WithOpID(context.Background())
	if err := c.Release(ctx); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got != want {
		t.Errorf("X-Op-ID = %q, 期望 %q", got, want)
	}
}

func TestHTTPDialer(t *testing.T) {
	srv := httptest.NewServer(NewHandler(NewSim(SimOptions{}), testLogger()))
	defer srv.Close()
	dial := HTTPDialer(time.Second, testLogger())

	d, err := dial(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("探测健康的服务失败: %v", err)
	}
	if err := d.Calibrate(context.Background()); err != nil {
		t.Errorf("末尾的斜杠应被去掉: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if _, err := dial(context.Background(), down.URL); err == nil {
		t.Error("健康检查失败时应返回错误")
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()
	if _, err := dial(context.Background(), addr); err == nil {
		t.Error("连接被拒绝时应返回错误")
	}
}

func TestHandler_RejectsMalformedBody(t *testing.T) {
	srv := httptest.NewServer(NewHandler(NewSim(SimOptions{}), testLogger()))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/arm/move", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("格式错误的请求体应返回 400, 实际 %d", resp.StatusCode)
	}
}

func TestSim_DetectsBeltConflicts(t *testing.T) {
	slot := types.Pose{X: 0.125, Z: 0.152, Pitch: 1.55}
	sim := NewSim(SimOptions{BeltPoses: []types.Pose{slot}})
	ctx := context.Background()

	id, _ := sim.SetConveyor(ctx)
	_ = sim.MoveToPose(ctx, slot)
	_ = sim.RunConveyor(ctx, id, 25, types.ConveyorForward)
	_ = sim.MoveToPose(ctx, slot)
	_ = sim.StopConveyor(ctx, id)

	if got := len(sim.Violations()); got != 2 {
		t.Errorf("应检测到 2 次冲突, 实际 %d: %v", got, sim.Violations())
	}
}

func TestSim_CallHistoryIsBounded(t *testing.T) {
	sim := NewSim(SimOptions{MaxCalls: 3})
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		_ = sim.SetMaxVelocity(ctx, i)
	}
	calls := sim.Calls()
	if len(calls) != 3 {
		t.Fatalf("应只保留最近 3 条记录, 实际 %d 条", len(calls))
	}
	if calls[0].Arg != "8" || calls[2].Arg != "10" {
		t.Errorf("保留的记录 %+v", calls)
	}
	if n := sim.CountCalls(CapSetMaxVelocity); n != 3 {
		t.Errorf("CountCalls = %d", n)
	}
	if n := sim.TotalCalls(); n != 10 {
		t.Errorf("累计调用 %d 次, 预期 10", n)
	}
}
