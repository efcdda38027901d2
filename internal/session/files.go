package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	cookiesFile      = "cookies.json"
	storageStateFile = "storage_state.json"
)

// writeJSON replaces path atomically so a crash never leaves a half written file behind.
func writeJSON(path string, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(encoded)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0o600)
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON decodes path into value, a missing file leaves value untouched.
func readJSON(path string, value any) error {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	err = json.Unmarshal(content, value)
	if err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeState(dir string, cookies []Cookie, origins []OriginState) error {
	if cookies == nil {
		cookies = []Cookie{}
	}
	if origins == nil {
		origins = []OriginState{}
	}
	err := writeJSON(filepath.Join(dir, cookiesFile), cookies)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, storageStateFile), StorageState{
		Cookies: cookies,
		Origins: origins,
	})
}

func readState(dir string) ([]Cookie, []OriginState, error) {
	var cookies []Cookie
	err := readJSON(filepath.Join(dir, cookiesFile), &cookies)
	if err != nil {
		return nil, nil, err
	}
	var state StorageState
	err = readJSON(filepath.Join(dir, storageStateFile), &state)
	if err != nil {
		return nil, nil, err
	}
	if cookies == nil {
		cookies = state.Cookies
	}
	return cookies, state.Origins, nil
}
