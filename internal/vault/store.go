package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
)

// Keys of the settings kept next to the per-model secrets.
const (
	KeySelectedModel  = "model"
	KeyVersioningType = "versioning_type"
)

// ErrStoreClosed is returned by mutations issued after Close.
var ErrStoreClosed = errors.New("vault store closed")

type mutation struct {
	do   func() error
	done chan error
}

// Store is a string map persisted as one encrypted blob. Reads run
// concurrently. Every write, including raw saves and deletes of the whole
// blob, is applied one at a time by a single writer.
type Store struct {
	bridge *Bridge
	logger *zap.Logger

	queue   chan mutation
	closing chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewStore starts the writer goroutine.
func NewStore(bridge *Bridge) *Store {
	s := &Store{
		bridge:  bridge,
		logger:  bridge.logger.Named("store"),
		queue:   make(chan mutation, 32),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

// Close stops the writer after the mutation in progress.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.closing)
		<-s.stopped
	})
}

func (s *Store) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.closing:
			return
		case m := <-s.queue:
			m.done <- m.do()
		}
	}
}

func (s *Store) write(apply func(map[string]string)) error {
	current, err := s.read()
	if err != nil {
		return err
	}
	apply(current)

	plain, err := sonic.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode vault map: %w", err)
	}
	sealed, err := s.bridge.Encrypt(plain)
	if err != nil {
		s.bridge.metrics.RecordVaultOp("write", false)
		return err
	}
	if err := s.bridge.Persist(sealed); err != nil {
		s.bridge.metrics.RecordVaultOp("write", false)
		return err
	}
	s.bridge.metrics.RecordVaultOp("write", true)
	return nil
}

// read decrypts the blob into a fresh map. A blob that no longer decrypts
// reads as empty.
func (s *Store) read() (map[string]string, error) {
	values := make(map[string]string)

	sealed, err := s.bridge.Load()
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}
	if len(sealed) == 0 {
		return values, nil
	}

	plain, err := s.bridge.Decrypt(sealed)
	switch {
	case errors.Is(err, ErrDecryptionFailed):
		s.logger.Warn("Stored secrets could not be decrypted, treating as empty", zap.Error(err))
		return values, nil
	case err != nil:
		return nil, err
	}

	if len(plain) == 0 {
		return values, nil
	}
	if err := sonic.Unmarshal(plain, &values); err != nil {
		s.logger.Warn("Stored secrets are not a string map, treating as empty", zap.Error(err))
		return make(map[string]string), nil
	}
	return values, nil
}

func (s *Store) mutate(ctx context.Context, apply func(map[string]string)) error {
	return s.enqueue(ctx, func() error { return s.write(apply) })
}

func (s *Store) enqueue(ctx context.Context, do func() error) error {
	select {
	case <-s.closing:
		return ErrStoreClosed
	default:
	}

	m := mutation{do: do, done: make(chan error, 1)}
	select {
	case s.queue <- m:
	case <-s.closing:
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-m.done:
		return err
	case <-s.stopped:
		// The writer may have finished this mutation just before stopping.
		select {
		case err := <-m.done:
			return err
		default:
			return ErrStoreClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaveData replaces the blob with plain on the writer, so it never
// interleaves with map mutations. It answers like Bridge.SaveData.
func (s *Store) SaveData(ctx context.Context, plain string) types.Result {
	var res types.Result
	if err := s.enqueue(ctx, func() error {
		res = s.bridge.SaveData(plain)
		return nil
	}); err != nil {
		s.logger.Error("Failed to queue encrypted data save", zap.Error(err))
		return types.Fail(msgSaveFailed)
	}
	return res
}

// DeleteEncryptedData removes the blob on the writer. It answers like
// Bridge.DeleteEncryptedData.
func (s *Store) DeleteEncryptedData(ctx context.Context) types.Result {
	var res types.Result
	if err := s.enqueue(ctx, func() error {
		res = s.bridge.DeleteEncryptedData()
		return nil
	}); err != nil {
		s.logger.Error("Failed to queue encrypted data delete", zap.Error(err))
		return types.Fail(msgDeleteFailed)
	}
	return res
}

// All returns a copy of every stored value.
func (s *Store) All() (map[string]string, error) {
	return s.read()
}

// Get returns one value.
func (s *Store) Get(key string) (string, bool, error) {
	values, err := s.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Set stores one value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.mutate(ctx, func(m map[string]string) { m[key] = value })
}

// SetMany stores several values in one write.
func (s *Store) SetMany(ctx context.Context, values map[string]string) error {
	return s.mutate(ctx, func(m map[string]string) {
		for k, v := range values {
			m[k] = v
		}
	})
}

// Delete removes one value.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.mutate(ctx, func(m map[string]string) { delete(m, key) })
}

// Clear removes every value.
func (s *Store) Clear(ctx context.Context) error {
	return s.mutate(ctx, func(m map[string]string) {
		for k := range m {
			delete(m, k)
		}
	})
}

// APIKey returns the stored key of a model. It satisfies session.SecretSource.
func (s *Store) APIKey(model string) (string, error) {
	v, _, err := s.Get(model)
	return v, err
}

// SetAPIKey stores the key of a model.
func (s *Store) SetAPIKey(ctx context.Context, model, key string) error {
	if model == "" {
		return errors.New("model cannot be empty")
	}
	return s.Set(ctx, model, key)
}

// SelectedModel returns the last model picked by the user.
func (s *Store) SelectedModel() (string, error) {
	v, _, err := s.Get(KeySelectedModel)
	return v, err
}

// SetSelectedModel records the picked model.
func (s *Store) SetSelectedModel(ctx context.Context, model string) error {
	return s.Set(ctx, KeySelectedModel, model)
}

// VersioningType returns the stored versioning preference, "git" or "none".
func (s *Store) VersioningType() (string, error) {
	v, _, err := s.Get(KeyVersioningType)
	return v, err
}

// SetVersioningType records the versioning preference.
func (s *Store) SetVersioningType(ctx context.Context, versioning string) error {
	if versioning != "git" && versioning != "none" {
		return fmt.Errorf("invalid versioning type: %q", versioning)
	}
	return s.Set(ctx, KeyVersioningType, versioning)
}
