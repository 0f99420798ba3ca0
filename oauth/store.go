package oauth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/onnwee/autocat/crypto"
	"github.com/onnwee/autocat/filestore"
)

// FileStore keeps credentials in a JSON file, sealing the tokens when an
// encryptor is configured.
type FileStore struct {
	path string
	enc  crypto.Encryptor
}

// NewFileStore returns a store at path; enc may be nil.
func NewFileStore(path string, enc crypto.Encryptor) *FileStore {
	return &FileStore{path: path, enc: enc}
}

func (s *FileStore) Load(_ context.Context) (Credentials, bool, error) {
	var c Credentials
	found, err := filestore.ReadJSON(s.path, &c)
	if err != nil || !found {
		return Credentials{}, found, err
	}
	if c.AccessToken, err = crypto.Open(s.enc, c.AccessToken); err != nil {
		return Credentials{}, true, fmt.Errorf("open access token: %w", err)
	}
	if c.RefreshToken, err = crypto.Open(s.enc, c.RefreshToken); err != nil {
		return Credentials{}, true, fmt.Errorf("open refresh token: %w", err)
	}
	return c, true, nil
}

func (s *FileStore) Save(_ context.Context, c Credentials) error {
	var err error
	if c.AccessToken, err = crypto.Seal(s.enc, c.AccessToken); err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	if c.RefreshToken, err = crypto.Seal(s.enc, c.RefreshToken); err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	return filestore.WriteJSON(s.path, c, 0o600)
}

func (s *FileStore) Delete(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
