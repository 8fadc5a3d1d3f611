package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"

	"github.com/pauljones0/itchclaim/internal/models"
)

const sessionFileVersion = 1

type sessionFile struct {
	Version  int           `json:"version"`
	Username string        `json:"username"`
	Cookies  []savedCookie `json:"cookies"`
	Owned    []ownedGame   `json:"owned_games"`
	SavedAt  time.Time     `json:"saved_at"`
}

type savedCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Expires time.Time `json:"expires,omitzero"`
}

type ownedGame struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// fileStore reads and writes session files. With a passphrase the file is encrypted
// with an age scrypt recipient.
type fileStore struct {
	dir        string
	passphrase string
	workFactor int
}

func (f fileStore) path(username string) string {
	ext := ".json"
	if f.passphrase != "" {
		ext = ".age"
	}
	return filepath.Join(f.dir, url.PathEscape(username)+ext)
}

func (f fileStore) load(username string) (*sessionFile, error) {
	data, err := os.ReadFile(f.path(username))
	if errors.Is(err, os.ErrNotExist) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	if f.passphrase != "" {
		identity, err := age.NewScryptIdentity(f.passphrase)
		if err != nil {
			return nil, fmt.Errorf("creating scrypt identity: %w", err)
		}
		r, err := age.Decrypt(bytes.NewReader(data), identity)
		if err != nil {
			return nil, fmt.Errorf("decrypting session file: %w", err)
		}
		if data, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("reading decrypted session: %w", err)
		}
	}

	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("decoding session file: %w", err)
	}
	if sf.Version != sessionFileVersion {
		return nil, fmt.Errorf("session file version %d: %w", sf.Version, models.ErrSchemaMismatch)
	}
	return &sf, nil
}

func (f fileStore) save(sf *sessionFile) error {
	data, err := json.Marshal(sf)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if f.passphrase != "" {
		recipient, err := age.NewScryptRecipient(f.passphrase)
		if err != nil {
			return fmt.Errorf("creating scrypt recipient: %w", err)
		}
		if f.workFactor > 0 {
			recipient.SetWorkFactor(f.workFactor)
		}
		var buf bytes.Buffer
		w, err := age.Encrypt(&buf, recipient)
		if err != nil {
			return fmt.Errorf("creating encrypted writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("encrypting session: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("finalizing encryption: %w", err)
		}
		data = buf.Bytes()
	}

	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	path := f.path(sf.Username)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

func toSaved(cookies []*http.Cookie) []savedCookie {
	out := make([]savedCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, savedCookie{Name: c.Name, Value: c.Value, Expires: c.Expires})
	}
	return out
}

func fromSaved(saved []savedCookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(saved))
	for _, c := range saved {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/", Expires: c.Expires})
	}
	return out
}
