package mirror

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tonimelisma/keysync/internal/model"
)

const filePermissions = 0o644

// encodeModel renders m as indented JSON with a trailing newline. A model
// that only holds a primitive is written as that primitive.
func encodeModel(m *model.Map) ([]byte, error) {
	var v any = m
	if scalar, ok := m.Get(model.ValueField); ok && m.Len() == 1 {
		v = scalar
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mirror: encoding model: %w", err)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("mirror: indenting model: %w", err)
	}

	buf.WriteByte('\n')

	return buf.Bytes(), nil
}

// decodeFile parses file content into the value to store. Sequences are
// projected to index-keyed maps, and an object holding only the reserved
// field is unwrapped to its primitive.
func decodeFile(data []byte) (model.Value, error) {
	v, err := model.ParseJSON(data)
	if err != nil {
		return model.Value{}, err
	}

	if v.IsPrimitive() {
		return v, nil
	}

	m := model.NewMap()
	model.ReplaceAt(m, nil, v)

	if scalar, ok := m.Get(model.ValueField); ok && m.Len() == 1 {
		return scalar, nil
	}

	return model.MapOf(m), nil
}

// readFile returns the file's content, or nil when it does not exist.
func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("mirror: reading %s: %w", path, err)
	}

	return data, nil
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it over path, so watchers never see a partial file.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)

	f, err := os.CreateTemp(dir, ".keysync-*.tmp")
	if err != nil {
		return fmt.Errorf("mirror: creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("mirror: writing temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("mirror: syncing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("mirror: closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, filePermissions); err != nil {
		return fmt.Errorf("mirror: setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("mirror: renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
