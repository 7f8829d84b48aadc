package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/channel"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/watch"
)

// Replies of get-file-path when no directory was chosen.
const (
	PickCancelled = "cancelled"
	PickError     = "error"
)

// Register installs every host handler on the bus.
func (h *Host) Register() error {
	invokes := map[channel.Name]channel.InvokeHandler{
		channel.Ping:                  h.ping,
		channel.GetFilePath:           h.getFilePath,
		channel.EncryptData:           h.encryptData,
		channel.DecryptData:           h.decryptData,
		channel.SaveData:              h.saveData,
		channel.LoadData:              h.loadData,
		channel.DeleteEncryptedData:   h.deleteEncryptedData,
		channel.CheckHasEncryptedData: h.checkHasEncryptedData,
		channel.WatchDir:              h.watchDir,
		channel.EditorAddOpenFile:     h.addOpenFile,
		channel.OpenLogsDirectory:     h.openLogsDirectory,
		channel.GetPort:               h.getPort,
	}
	sends := map[channel.Name]channel.SendHandler{
		channel.Ping:        h.onPing,
		channel.GetFilePath: h.onGetFilePath,
		channel.GetPort:     h.onGetPort,
		channel.Unsubscribe: h.onUnsubscribe,
		channel.LogError:    h.onLogError,
	}

	var errs []error
	for name, fn := range invokes {
		errs = append(errs, h.bus.Handle(name, fn))
	}
	for name, fn := range sends {
		errs = append(errs, h.bus.On(name, fn))
	}
	return errors.Join(errs...)
}

func stringArg(args []json.RawMessage, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	var s string
	if err := sonic.Unmarshal(args[i], &s); err != nil {
		return "", fmt.Errorf("argument %d: %w", i, err)
	}
	return s, nil
}

func (h *Host) ping(context.Context, []json.RawMessage) (interface{}, error) {
	return "pong", nil
}

func (h *Host) onPing([]json.RawMessage) {
	h.logger.Info("PONG!")
}

func (h *Host) encryptData(_ context.Context, args []json.RawMessage) (interface{}, error) {
	plain, err := stringArg(args, 0)
	if err != nil {
		return nil, err
	}
	encoded, err := h.bridge.EncryptData(plain)
	if err != nil {
		h.logger.Error("Encryption failed", zap.Error(err))
		return nil, err
	}
	return encoded, nil
}

func (h *Host) decryptData(_ context.Context, args []json.RawMessage) (interface{}, error) {
	encoded, err := stringArg(args, 0)
	if err != nil {
		return nil, err
	}
	plain, err := h.bridge.DecryptData(encoded)
	if err != nil {
		h.logger.Error("Decryption failed", zap.Error(err))
		return nil, err
	}
	return plain, nil
}

func (h *Host) saveData(ctx context.Context, args []json.RawMessage) (interface{}, error) {
	plain, err := stringArg(args, 0)
	if err != nil {
		return nil, err
	}
	return h.store.SaveData(ctx, plain), nil
}

func (h *Host) loadData(context.Context, []json.RawMessage) (interface{}, error) {
	return h.bridge.LoadData(), nil
}

func (h *Host) deleteEncryptedData(ctx context.Context, _ []json.RawMessage) (interface{}, error) {
	return h.store.DeleteEncryptedData(ctx), nil
}

func (h *Host) checkHasEncryptedData(context.Context, []json.RawMessage) (interface{}, error) {
	return h.bridge.CheckHasEncryptedData(), nil
}

func (h *Host) getPort(context.Context, []json.RawMessage) (interface{}, error) {
	port := h.Port()
	if port == 0 {
		return nil, ErrNotStarted
	}
	return port, nil
}

func (h *Host) onGetPort([]json.RawMessage) {
	if err := h.bus.Push(channel.GetPortResponse, h.Port()); err != nil {
		h.logger.Debug("Could not push port", zap.Error(err))
	}
}

func (h *Host) pickDirectory(ctx context.Context) string {
	if h.pick == nil {
		return PickCancelled
	}
	path, err := h.pick(ctx)
	switch {
	case err != nil:
		h.logger.Error("(IPC Event get-file-path) Failed to open dialog", zap.Error(err))
		return PickError
	case path == "":
		return PickCancelled
	}
	return path
}

func (h *Host) getFilePath(ctx context.Context, _ []json.RawMessage) (interface{}, error) {
	return h.pickDirectory(ctx), nil
}

func (h *Host) onGetFilePath([]json.RawMessage) {
	// The dialog may block for a long time; answer from a separate goroutine
	// so sends behind it keep flowing.
	go h.guard("get-file-path", func() {
		path := h.pickDirectory(context.Background())
		if err := h.bus.Push(channel.FilePathResponse, path); err != nil {
			h.logger.Debug("Could not push file path", zap.Error(err))
		}
	})
}

func (h *Host) onLogError(args []json.RawMessage) {
	parts := make([]string, 0, len(args))
	for _, raw := range args {
		var s string
		if err := sonic.Unmarshal(raw, &s); err == nil {
			parts = append(parts, s)
		} else {
			parts = append(parts, string(raw))
		}
	}
	h.uiLogger.Error(strings.Join(parts, " "))
}

func (h *Host) openLogsDirectory(context.Context, []json.RawMessage) (interface{}, error) {
	dir := h.LogDir()
	if h.openPath != nil {
		if err := h.openPath(dir); err != nil {
			h.logger.Warn("Failed to open logs directory", zap.String("dir", dir), zap.Error(err))
		}
	}
	return dir, nil
}

func (h *Host) ensureWatcher() (*watch.Watcher, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watcher != nil {
		return h.watcher, nil
	}
	w, err := watch.New(watch.Options{
		Logger: h.root,
		OnChange: func(c watch.Change) {
			h.guard("editor-file-changed", func() {
				if err := h.bus.Push(channel.EditorFileChanged, c); err != nil {
					h.logger.Debug("Could not push file change", zap.Error(err))
				}
			})
		},
	})
	if err != nil {
		return nil, err
	}
	h.watcher = w
	return w, nil
}

func (h *Host) watchDir(_ context.Context, args []json.RawMessage) (interface{}, error) {
	dir, err := stringArg(args, 0)
	if err != nil {
		return nil, err
	}
	w, err := h.ensureWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Watch(dir); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *Host) addOpenFile(_ context.Context, args []json.RawMessage) (interface{}, error) {
	path, err := stringArg(args, 0)
	if err != nil {
		return nil, err
	}
	w, err := h.ensureWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.AddOpenFile(path); err != nil {
		return nil, err
	}
	return true, nil
}

// onUnsubscribe stops the editor watcher. A later watch-dir starts a new one.
func (h *Host) onUnsubscribe([]json.RawMessage) {
	h.mu.Lock()
	w := h.watcher
	h.watcher = nil
	h.mu.Unlock()
	if w == nil {
		return
	}
	if err := w.Close(); err != nil {
		h.logger.Warn("Failed to stop watcher", zap.Error(err))
	}
}
