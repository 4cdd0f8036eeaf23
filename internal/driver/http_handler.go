package driver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// NewHandler 把任意 Driver 暴露为 HTTPClient 可以调用的 HTTP 服务
// 仿真服务 (cmd/arm-sim) 和传输层测试都使用它
func NewHandler(d Driver, logger *slog.Logger) http.Handler {
	h := &handler{logger: logger.With("component", "driver-server")}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /arm/calibrate", h.noBody(d.Calibrate))
	mux.HandleFunc("POST /arm/move", func(w http.ResponseWriter, r *http.Request) {
		var req moveRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.reply(w, r, d.MoveToPose(r.Context(), req.Pose), nil)
	})
	mux.HandleFunc("POST /arm/velocity", func(w http.ResponseWriter, r *http.Request) {
		var req velocityRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.reply(w, r, d.SetMaxVelocity(r.Context(), req.Percent), nil)
	})
	mux.HandleFunc("POST /arm/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := d.HardwareStatus(r.Context())
		h.reply(w, r, err, status)
	})

	mux.HandleFunc("POST /tool/update", h.noBody(d.UpdateTool))
	mux.HandleFunc("POST /tool/id", func(w http.ResponseWriter, r *http.Request) {
		id, err := d.CurrentToolID(r.Context())
		h.reply(w, r, err, toolIDResponse{ToolID: id})
	})
	mux.HandleFunc("POST /tool/release", h.noBody(d.Release))
	mux.HandleFunc("POST /tool/grasp", h.noBody(d.Grasp))

	mux.HandleFunc("POST /conveyor/register", func(w http.ResponseWriter, r *http.Request) {
		id, err := d.SetConveyor(r.Context())
		h.reply(w, r, err, conveyorRequest{ConveyorID: id})
	})
	mux.HandleFunc("POST /conveyor/run", func(w http.ResponseWriter, r *http.Request) {
		var req conveyorRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.reply(w, r, d.RunConveyor(r.Context(), req.ConveyorID, req.Speed, req.Direction), nil)
	})
	mux.HandleFunc("POST /conveyor/stop", func(w http.ResponseWriter, r *http.Request) {
		var req conveyorRequest
		if !h.decode(w, r, &req) {
			return
		}
		h.reply(w, r, d.StopConveyor(r.Context(), req.ConveyorID), nil)
	})

	mux.HandleFunc("POST /session/end", h.noBody(d.End))
	return mux
}

type handler struct {
	logger *slog.Logger
}

func (h *handler) noBody(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.reply(w, r, fn(r.Context()), nil)
	}
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Warn("解析请求失败", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

// reply 把驱动错误映射为 HTTP 状态码，与 HTTPClient.call 的映射保持对称
func (h *handler) reply(w http.ResponseWriter, r *http.Request, err error, out any) {
	logger := h.logger.With("path", r.URL.Path)
	if opID := r.Header.Get("X-Op-ID"); opID != "" {
		logger = logger.With("op_id", opID)
	}
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrTransientTimeout):
			status = http.StatusGatewayTimeout
		case errors.Is(err, ErrInvalidArgument):
			status = http.StatusBadRequest
		case errors.Is(err, ErrStatusUnavailable):
			status = http.StatusNotImplemented
		}
		logger.Warn("驱动命令失败", "status", status, "error", err)
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	logger.Debug("驱动命令完成")
	if out == nil {
		out = struct{}{}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
