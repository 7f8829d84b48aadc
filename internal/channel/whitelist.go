package channel

import (
	"errors"
	"fmt"
)

// Name identifies a channel.
type Name string

// Category is the direction a channel may be used in.
type Category string

const (
	// CategorySend is UI to host, fire and forget.
	CategorySend Category = "send"
	// CategoryInvoke is UI to host with a reply.
	CategoryInvoke Category = "invoke"
	// CategoryReceive is host to UI pushes.
	CategoryReceive Category = "receive"
)

// Channel names used by the desktop.
const (
	GetFilePath           Name = "get-file-path"
	Ping                  Name = "ping"
	GetPort               Name = "get-port"
	Unsubscribe           Name = "unsubscribe"
	LogError              Name = "log-error"
	EncryptData           Name = "encrypt-data"
	DecryptData           Name = "decrypt-data"
	SaveData              Name = "save-data"
	LoadData              Name = "load-data"
	DeleteEncryptedData   Name = "delete-encrypted-data"
	CheckHasEncryptedData Name = "check-has-encrypted-data"
	WatchDir              Name = "watch-dir"
	EditorAddOpenFile     Name = "editor-add-open-file"
	OpenLogsDirectory     Name = "open-logs-directory"
	ServerError           Name = "server-error"
	FilePathResponse      Name = "file-path-response"
	GetPortResponse       Name = "get-port-response"
	EditorFileChanged     Name = "editor-file-changed"
)

// ErrInvalidChannel is wrapped by every whitelist rejection.
var ErrInvalidChannel = errors.New("invalid channel")

// InvalidChannelError reports a name that is not declared for the category
// it was used in.
type InvalidChannelError struct {
	Category Category
	Name     Name
}

func (e *InvalidChannelError) Error() string {
	return fmt.Sprintf("invalid %s channel: %s", e.Category, e.Name)
}

func (e *InvalidChannelError) Unwrap() error { return ErrInvalidChannel }

// Whitelist declares the channel names allowed per category. Anything not
// listed is rejected, including names listed under another category.
type Whitelist struct {
	Send    []Name
	Invoke  []Name
	Receive []Name
}

// DefaultWhitelist returns the production channel lists.
func DefaultWhitelist() Whitelist {
	return Whitelist{
		Send: []Name{GetFilePath, Ping, GetPort, Unsubscribe, LogError},
		Invoke: []Name{
			Ping, GetFilePath, EncryptData, DecryptData, SaveData, LoadData,
			DeleteEncryptedData, CheckHasEncryptedData, WatchDir,
			EditorAddOpenFile, OpenLogsDirectory, GetPort,
		},
		Receive: []Name{ServerError, FilePathResponse, GetPortResponse, EditorFileChanged},
	}
}

// Allows reports whether name is declared for cat.
func (w Whitelist) Allows(cat Category, name Name) bool {
	var names []Name
	switch cat {
	case CategorySend:
		names = w.Send
	case CategoryInvoke:
		names = w.Invoke
	case CategoryReceive:
		names = w.Receive
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// Check returns an *InvalidChannelError when name is not allowed for cat.
func (w Whitelist) Check(cat Category, name Name) error {
	if w.Allows(cat, name) {
		return nil
	}
	return &InvalidChannelError{Category: cat, Name: name}
}
