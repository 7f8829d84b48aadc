package vault

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
)

// Messages returned to the UI in failed results.
const (
	msgEncryptionUnavailable = "Encryption not available"
	msgDecryptionUnavailable = "Decryption not available"
	msgSaveFailed            = "Failed to save encrypted data"
	msgReadFailed            = "Failed to read encrypted data"
	msgNotAvailable          = "Data not available"
	msgCheckFailed           = "Failed to get encrypted data"
	msgDeleted               = "Encrypted data deleted successfully."
	msgMissing               = "File does not exist."
	msgDeleteFailed          = "Failed to delete encrypted data."
)

// Bridge owns the encrypted blob on disk.
type Bridge struct {
	path    string
	cipher  Cipher
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewBridge binds a cipher to the blob at path.
func NewBridge(path string, c Cipher, logger *zap.Logger, metrics *monitoring.Metrics) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{path: path, cipher: c, logger: logger.Named("vault"), metrics: metrics}
}

// Path returns the blob location.
func (b *Bridge) Path() string { return b.path }

// Available reports whether the cipher can be used.
func (b *Bridge) Available() bool { return b.cipher.Available() }

// Encrypt seals plain.
func (b *Bridge) Encrypt(plain []byte) ([]byte, error) {
	if !b.cipher.Available() {
		return nil, ErrEncryptionUnavailable
	}
	return b.cipher.Encrypt(plain)
}

// Decrypt opens sealed. It returns ErrDecryptionUnavailable or
// ErrDecryptionFailed.
func (b *Bridge) Decrypt(sealed []byte) ([]byte, error) {
	if !b.cipher.Available() {
		return nil, ErrDecryptionUnavailable
	}
	plain, err := b.cipher.Decrypt(sealed)
	if err != nil && !errors.Is(err, ErrDecryptionFailed) {
		err = fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, err
}

// Persist replaces the blob with sealed. Readers see either the old or the
// new file, never a partial one.
func (b *Bridge) Persist(sealed []byte) error {
	return writeAtomic(b.path, sealed, 0o600)
}

// Load reads the blob. A missing file reads as empty.
func (b *Bridge) Load() ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Exists reports whether the blob file is present.
func (b *Bridge) Exists() bool {
	_, err := os.Stat(b.path)
	return err == nil
}

// Delete removes the blob. It returns os.ErrNotExist when there is none.
func (b *Bridge) Delete() error {
	return os.Remove(b.path)
}

// SaveData encrypts plain and persists it.
func (b *Bridge) SaveData(plain string) types.Result {
	if !b.cipher.Available() {
		b.metrics.RecordVaultOp("save", false)
		return types.Fail(msgEncryptionUnavailable)
	}
	sealed, err := b.cipher.Encrypt([]byte(plain))
	if err == nil {
		err = b.Persist(sealed)
	}
	if err != nil {
		b.logger.Error("Failed to save encrypted data", zap.Error(err))
		b.metrics.RecordVaultOp("save", false)
		return types.Fail(msgSaveFailed)
	}
	b.metrics.RecordVaultOp("save", true)
	return types.Result{Success: true}
}

// LoadData decrypts the blob. An empty or missing blob loads as empty data.
// A blob that fails to decrypt answers types.MsgDecryptionFailed.
func (b *Bridge) LoadData() types.Result {
	if !b.cipher.Available() {
		b.metrics.RecordVaultOp("load", false)
		return types.Fail(msgDecryptionUnavailable)
	}
	sealed, err := b.Load()
	if err != nil {
		b.logger.Error("Failed to read encrypted data", zap.Error(err))
		b.metrics.RecordVaultOp("load", false)
		return types.Fail(msgReadFailed)
	}
	if len(sealed) == 0 {
		b.metrics.RecordVaultOp("load", true)
		return types.Ok("")
	}
	plain, err := b.cipher.Decrypt(sealed)
	if err != nil {
		b.logger.Warn("Encrypted data could not be decrypted", zap.Error(err))
		b.metrics.RecordVaultOp("load", false)
		return types.Fail(types.MsgDecryptionFailed)
	}
	b.metrics.RecordVaultOp("load", true)
	return types.Ok(string(plain))
}

// CheckHasEncryptedData reports whether a non-empty blob exists.
func (b *Bridge) CheckHasEncryptedData() types.Result {
	info, err := os.Stat(b.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return types.Fail(msgNotAvailable)
	case err != nil:
		b.logger.Error("Failed to get encrypted data", zap.Error(err))
		return types.Fail(msgCheckFailed)
	case info.Size() == 0:
		return types.Fail(msgNotAvailable)
	}
	return types.Result{Success: true}
}

// DeleteEncryptedData removes the blob.
func (b *Bridge) DeleteEncryptedData() types.Result {
	err := b.Delete()
	switch {
	case err == nil:
		b.metrics.RecordVaultOp("delete", true)
		return types.Result{Success: true, Message: msgDeleted}
	case errors.Is(err, os.ErrNotExist):
		b.metrics.RecordVaultOp("delete", false)
		return types.Fail(msgMissing)
	default:
		b.logger.Error("Failed to delete encrypted data", zap.Error(err))
		b.metrics.RecordVaultOp("delete", false)
		return types.Fail(msgDeleteFailed)
	}
}

// EncryptData seals plain and returns it hex encoded.
func (b *Bridge) EncryptData(plain string) (string, error) {
	sealed, err := b.Encrypt([]byte(plain))
	if err != nil {
		b.metrics.RecordVaultOp("encrypt", false)
		return "", err
	}
	b.metrics.RecordVaultOp("encrypt", true)
	return hex.EncodeToString(sealed), nil
}

// DecryptData opens a hex value produced by EncryptData.
func (b *Bridge) DecryptData(encoded string) (string, error) {
	sealed, err := hex.DecodeString(encoded)
	if err != nil {
		b.metrics.RecordVaultOp("decrypt", false)
		return "", fmt.Errorf("%w: invalid hex: %v", ErrDecryptionFailed, err)
	}
	plain, err := b.Decrypt(sealed)
	if err != nil {
		b.metrics.RecordVaultOp("decrypt", false)
		return "", err
	}
	b.metrics.RecordVaultOp("decrypt", true)
	return string(plain), nil
}

// writeAtomic writes data to a temp file in the target directory, syncs it,
// then renames it over path.
func writeAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
