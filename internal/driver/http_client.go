package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"piece-feeder/internal/types"
	"piece-feeder/internal/util"
	"strings"
	"time"
)

// DefaultRequestTimeout 单条驱动命令的默认超时时间
const DefaultRequestTimeout = 5 * time.Second

// HTTPClient 通过 HTTP 调用驱动桥接服务的客户端
// 它实现了 Driver 接口，使得控制核心可以像对待本地驱动一样对待它
type HTTPClient struct {
	Endpoint string       // 驱动服务的地址 (e.g., http://localhost:9090)
	Client   *http.Client // HTTP 客户端
	logger   *slog.Logger // 日志记录器
}

var _ Driver = (*HTTPClient)(nil)

// NewHTTPClient 创建一个新的驱动客户端实例
func NewHTTPClient(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "driver", "endpoint", endpoint),
	}
}

// HTTPDialer 返回一个 Dialer，建立连接时会先探测 /healthz
// 连接被拒绝等错误会在这里直接暴露出来
func HTTPDialer(timeout time.Duration, logger *slog.Logger) Dialer {
	return func(ctx context.Context, address string) (Driver, error) {
		c := NewHTTPClient(address, timeout, logger)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"/healthz", nil)
		if err != nil {
			return nil, fmt.Errorf("创建探测请求失败: %w", err)
		}
		resp, err := c.Client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("连接驱动服务失败 %s: %w", address, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("驱动服务不可用 %s: %s", address, resp.Status)
		}
		return c, nil
	}
}

// 以下是驱动服务的请求/响应体定义，客户端与 NewHandler 共用

type moveRequest struct {
	Pose types.Pose `json:"pose"`
}

type velocityRequest struct {
	Percent int `json:"percent"`
}

type toolIDResponse struct {
	ToolID types.ToolID `json:"tool_id"`
}

type conveyorRequest struct {
	ConveyorID ConveyorID              `json:"conveyor_id"`
	Speed      int                     `json:"speed,omitempty"`
	Direction  types.ConveyorDirection `json:"direction,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// call 发送一条 POST 命令，并把传输层错误映射为驱动错误类型
func (c *HTTPClient) call(ctx context.Context, path string, in, out any) error {
	logger := util.Logger(ctx, c.logger)

	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return fmt.Errorf("%s: 编码请求失败: %v: %w", path, err, ErrInvalidArgument)
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+path, &body)
	if err != nil {
		return fmt.Errorf("%s: 创建请求失败: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// 将操作 ID 放入 Header，便于与驱动端日志对照
	if opID, ok := util.OpIDFromContext(ctx); ok {
		httpReq.Header.Set("X-Op-ID", opID)
	}

	logger.Debug("发送驱动命令", "path", path)
	resp, err := c.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%s: %v: %w", path, err, ErrTransientTimeout)
		}
		return fmt.Errorf("%s: 远程调用失败: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var eResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&eResp)
		msg := eResp.Error
		if msg == "" {
			msg = resp.Status
		}
		switch resp.StatusCode {
		case http.StatusGatewayTimeout:
			return fmt.Errorf("%s: %s: %w", path, msg, ErrTransientTimeout)
		case http.StatusBadRequest:
			return fmt.Errorf("%s: %s: %w", path, msg, ErrInvalidArgument)
		case http.StatusNotImplemented:
			return fmt.Errorf("%s: %s: %w", path, msg, ErrStatusUnavailable)
		default:
			return fmt.Errorf("%s: 驱动服务错误: %s", path, msg)
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: 解析响应失败: %w", path, err)
		}
	}
	return nil
}

func (c *HTTPClient) Calibrate(ctx context.Context) error {
	return c.call(ctx, "/arm/calibrate", nil, nil)
}

func (c *HTTPClient) MoveToPose(ctx context.Context, pose types.Pose) error {
	return c.call(ctx, "/arm/move", moveRequest{Pose: pose}, nil)
}

func (c *HTTPClient) SetMaxVelocity(ctx context.Context, percent int) error {
	return c.call(ctx, "/arm/velocity", velocityRequest{Percent: percent}, nil)
}

func (c *HTTPClient) HardwareStatus(ctx context.Context) (HardwareStatus, error) {
	var status HardwareStatus
	err := c.call(ctx, "/arm/status", nil, &status)
	return status, err
}

func (c *HTTPClient) UpdateTool(ctx context.Context) error {
	return c.call(ctx, "/tool/update", nil, nil)
}

func (c *HTTPClient) CurrentToolID(ctx context.Context) (types.ToolID, error) {
	var resp toolIDResponse
	err := c.call(ctx, "/tool/id", nil, &resp)
	return resp.ToolID, err
}

func (c *HTTPClient) Release(ctx context.Context) error {
	return c.call(ctx, "/tool/release", nil, nil)
}

func (c *HTTPClient) Grasp(ctx context.Context) error {
	return c.call(ctx, "/tool/grasp", nil, nil)
}

func (c *HTTPClient) SetConveyor(ctx context.Context) (ConveyorID, error) {
	var resp conveyorRequest
	err := c.call(ctx, "/conveyor/register", nil, &resp)
	return resp.ConveyorID, err
}

func (c *HTTPClient) RunConveyor(ctx context.Context, id ConveyorID, speed int, dir types.ConveyorDirection) error {
	return c.call(ctx, "/conveyor/run", conveyorRequest{ConveyorID: id, Speed: speed, Direction: dir}, nil)
}

func (c *HTTPClient) StopConveyor(ctx context.Context, id ConveyorID) error {
	return c.call(ctx, "/conveyor/stop", conveyorRequest{ConveyorID: id}, nil)
}

// End 通知驱动服务结束会话，并关闭空闲连接
func (c *HTTPClient) End(ctx context.Context) error {
	defer c.Client.CloseIdleConnections()
	return c.call(ctx, "/session/end", nil, nil)
}
