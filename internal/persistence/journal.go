package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"piece-feeder/internal/event"
	"piece-feeder/internal/types"
	"sync"
	"time"
)

// Entry 代表日志文件中的一条记录
type Entry struct {
	Seq       uint64              `json:"seq"`
	Time      time.Time           `json:"time"`
	Type      event.EventType     `json:"type"`
	SessionID string              `json:"session_id,omitempty"`
	State     *types.SessionState `json:"state,omitempty"`
	Action    string              `json:"action,omitempty"`
	Attempt   int                 `json:"attempt,omitempty"`
	Lane      *int                `json:"lane,omitempty"`
	Direction string              `json:"direction,omitempty"`
	Duration  float64             `json:"duration_seconds,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// NewEntry 把总线事件转换为日志记录
func NewEntry(e event.Event) Entry {
	entry := Entry{
		Seq:       e.Seq,
		Time:      e.Time,
		Type:      e.Type,
		SessionID: e.SessionID,
		State:     e.State,
		Action:    e.Action,
		Attempt:   e.Attempt,
		Direction: string(e.Direction),
		Duration:  e.Duration.Seconds(),
	}
	if e.Type == event.PieceDropped {
		lane := e.Lane
		entry.Lane = &lane
	}
	if e.Error != nil {
		entry.Error = e.Error.Error()
	}
	return entry
}

// Journal 只追加的事件日志 (每行一个 JSON 对象)
// 只用于事后审计，进程重启时不会读回，会话状态不跨进程保存
type Journal struct {
	file *os.File   // 日志文件句柄
	mu   sync.Mutex // 互斥锁，保证文件写入的原子性
}

// OpenJournal 创建或打开一个日志文件
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: file}, nil
}

// Append 写入一条记录
func (j *Journal) Append(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，进程被中断时也不丢记录
	return j.file.Sync()
}

// Close 关闭日志文件
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
