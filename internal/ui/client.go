package ui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/channel"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/watch"
)

// ErrSecretsUnavailable wraps a failed vault result from the host.
var ErrSecretsUnavailable = errors.New("secure storage unavailable")

// secretTimeout bounds vault calls made without a caller context.
const secretTimeout = 5 * time.Second

// ServerErrorSink receives backend errors pushed by the host.
type ServerErrorSink interface {
	// ServerError receives an ordinary error line.
	ServerError(text string)
	// BackendCrashed receives the notice for an unexpected exit.
	BackendCrashed(notice string)
}

// Client is the UI's view of the host. It talks only through the channel
// API, so every value it gets back has crossed the boundary serialized.
type Client struct {
	api    *channel.API
	logger *zap.Logger

	// secrets serializes read-modify-write cycles on the vault blob.
	secrets sync.Mutex
}

// New wraps the UI side of a pipe.
func New(api *channel.API, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{api: api, logger: logger.Named("ui")}
}

func decode[T any](raw []byte) (T, error) {
	var v T
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode reply: %w", err)
	}
	return v, nil
}

// Ping checks the host is serving.
func (c *Client) Ping(ctx context.Context) error {
	raw, err := c.api.Invoke(ctx, channel.Ping)
	if err != nil {
		return err
	}
	pong, err := decode[string](raw)
	if err != nil {
		return err
	}
	if pong != "pong" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}

// Port returns the backend port.
func (c *Client) Port(ctx context.Context) (int, error) {
	raw, err := c.api.Invoke(ctx, channel.GetPort)
	if err != nil {
		return 0, err
	}
	return decode[int](raw)
}

// BackendURL returns the base URL of the backend on loopback.
func (c *Client) BackendURL(ctx context.Context) (string, error) {
	port, err := c.Port(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

// PickDirectory asks the host for a project directory. It returns "" when
// the user cancelled.
func (c *Client) PickDirectory(ctx context.Context) (string, error) {
	raw, err := c.api.Invoke(ctx, channel.GetFilePath)
	if err != nil {
		return "", err
	}
	path, err := decode[string](raw)
	if err != nil {
		return "", err
	}
	switch path {
	case "cancelled":
		return "", nil
	case "error":
		return "", errors.New("directory dialog failed")
	}
	return path, nil
}

// OpenLogsDirectory asks the host to reveal the log directory and returns it.
func (c *Client) OpenLogsDirectory(ctx context.Context) (string, error) {
	raw, err := c.api.Invoke(ctx, channel.OpenLogsDirectory)
	if err != nil {
		return "", err
	}
	return decode[string](raw)
}

// LogError writes msg to the host's UI log.
func (c *Client) LogError(msg string) {
	if err := c.api.Send(channel.LogError, msg); err != nil {
		c.logger.Warn("Could not forward error to host", zap.String("message", msg), zap.Error(err))
	}
}

// BindServerErrors forwards server-error pushes to sink, normally the session
// machine. The returned func stops forwarding.
func (c *Client) BindServerErrors(sink ServerErrorSink) (func(), error) {
	return c.api.Receive(channel.ServerError, func(args ...json.RawMessage) {
		text := "backend error"
		if len(args) > 0 {
			if s, err := decode[string](args[0]); err == nil {
				text = s
			}
		}
		if len(args) > 1 {
			if fatal, err := decode[bool](args[1]); err == nil && fatal {
				sink.BackendCrashed(text)
				return
			}
		}
		sink.ServerError(text)
	})
}

// WatchDir starts watching dir for the editor.
func (c *Client) WatchDir(ctx context.Context, dir string) error {
	_, err := c.api.Invoke(ctx, channel.WatchDir, dir)
	return err
}

// AddOpenFile marks path as open so its changes carry content.
func (c *Client) AddOpenFile(ctx context.Context, path string) error {
	_, err := c.api.Invoke(ctx, channel.EditorAddOpenFile, path)
	return err
}

// StopWatching stops the editor watcher.
func (c *Client) StopWatching() error {
	return c.api.Send(channel.Unsubscribe)
}

// OnFileChanged subscribes fn to editor-file-changed pushes.
func (c *Client) OnFileChanged(fn func(watch.Change)) (func(), error) {
	return c.api.Receive(channel.EditorFileChanged, func(args ...json.RawMessage) {
		if len(args) == 0 {
			return
		}
		change, err := decode[watch.Change](args[0])
		if err != nil {
			c.logger.Warn("Dropping malformed file change", zap.Error(err))
			return
		}
		fn(change)
	})
}

func (c *Client) vaultResult(ctx context.Context, name channel.Name, args ...interface{}) (types.Result, error) {
	raw, err := c.api.Invoke(ctx, name, args...)
	if err != nil {
		return types.Result{}, err
	}
	return decode[types.Result](raw)
}

// Secrets returns the decrypted secret map. An empty vault is an empty map,
// and so is a blob that no longer decrypts: the next save replaces it.
func (c *Client) Secrets(ctx context.Context) (map[string]string, error) {
	res, err := c.vaultResult(ctx, channel.LoadData)
	if err != nil {
		return nil, err
	}
	if !res.Success && res.Message == types.MsgDecryptionFailed {
		c.logger.Warn("Stored secrets could not be decrypted, treating as empty")
		return make(map[string]string), nil
	}
	if !res.Success {
		return nil, fmt.Errorf("%w: %s", ErrSecretsUnavailable, res.Message)
	}
	values := make(map[string]string)
	if res.Data == "" {
		return values, nil
	}
	if err := sonic.UnmarshalString(res.Data, &values); err != nil {
		c.logger.Warn("Stored secrets are not a string map, treating as empty", zap.Error(err))
		return make(map[string]string), nil
	}
	return values, nil
}

// SetSecrets merges values into the vault.
func (c *Client) SetSecrets(ctx context.Context, values map[string]string) error {
	c.secrets.Lock()
	defer c.secrets.Unlock()

	current, err := c.Secrets(ctx)
	if err != nil {
		return err
	}
	for k, v := range values {
		current[k] = v
	}
	data, err := sonic.MarshalString(current)
	if err != nil {
		return err
	}
	res, err := c.vaultResult(ctx, channel.SaveData, data)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrSecretsUnavailable, res.Message)
	}
	return nil
}

// HasSecrets reports whether the vault holds anything.
func (c *Client) HasSecrets(ctx context.Context) (bool, error) {
	res, err := c.vaultResult(ctx, channel.CheckHasEncryptedData)
	if err != nil {
		return false, err
	}
	return res.Success, nil
}

// ClearSecrets deletes the vault blob. Deleting an absent blob is not an
// error.
func (c *Client) ClearSecrets(ctx context.Context) error {
	c.secrets.Lock()
	defer c.secrets.Unlock()
	_, err := c.vaultResult(ctx, channel.DeleteEncryptedData)
	return err
}

// APIKey returns the stored key of model. It lets the session machine fill a
// create request that carries no key.
func (c *Client) APIKey(model string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), secretTimeout)
	defer cancel()
	values, err := c.Secrets(ctx)
	if err != nil {
		return "", err
	}
	return values[model], nil
}
