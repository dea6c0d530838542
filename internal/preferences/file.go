package preferences

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"meetzap/backend/internal/models"

	"gopkg.in/yaml.v3"
)

// FileRepository keeps one YAML document per user under Dir.
type FileRepository struct {
	Dir string
}

// NewFileRepository creates dir if needed.
func NewFileRepository(dir string) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create preferences dir: %w", err)
	}
	return &FileRepository{Dir: dir}, nil
}

func (r *FileRepository) path(userID string) (string, error) {
	if userID == "" || strings.ContainsAny(userID, `/\`) || userID == "." || userID == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return filepath.Join(r.Dir, userID+".yaml"), nil
}

func (r *FileRepository) Load(_ context.Context, userID string) (models.Preferences, error) {
	p, err := r.path(userID)
	if err != nil {
		return models.Preferences{}, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return models.DefaultPreferences(), nil
	}
	if err != nil {
		return models.Preferences{}, fmt.Errorf("read preferences: %w", err)
	}

	prefs := models.DefaultPreferences()
	if err := yaml.Unmarshal(data, &prefs); err != nil {
		return models.Preferences{}, fmt.Errorf("decode preferences %s: %w", p, err)
	}
	prefs.Filters = prefs.Filters.Normalize()
	return prefs, nil
}

// Save writes to a temp file and renames it over the old one.
func (r *FileRepository) Save(_ context.Context, userID string, prefs models.Preferences) error {
	p, err := r.path(userID)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}
	return nil
}
