package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/utils"
)

// MediaStore holds uploaded documents and synthesized audio behind opaque
// refs. Refs are relative paths inside the store root.
type MediaStore interface {
	ReadText(ctx context.Context, ref string) (string, error)
	WriteAudio(ctx context.Context, name string, data []byte) (string, error)
}

type localMediaStore struct {
	log  *logger.Logger
	root string
}

func NewLocalMediaStore(log *logger.Logger) (MediaStore, error) {
	root := utils.GetEnv("MEDIA_ROOT", "./media", log)
	for _, sub := range []string{"documents", "audio"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create media dir %s: %w", sub, err)
		}
	}
	return &localMediaStore{log: log.With("service", "LocalMediaStore"), root: root}, nil
}

func (s *localMediaStore) resolve(ref string) (string, error) {
	clean := filepath.Clean("/" + ref)
	if clean == "/" || strings.Contains(ref, "..") {
		return "", fmt.Errorf("invalid media ref %q", ref)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *localMediaStore) ReadText(_ context.Context, ref string) (string, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read media %s: %w", ref, err)
	}
	return string(data), nil
}

func (s *localMediaStore) WriteAudio(_ context.Context, name string, data []byte) (string, error) {
	ref := filepath.Join("audio", filepath.Base(name))
	path, err := s.resolve(ref)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write audio %s: %w", name, err)
	}
	return ref, nil
}
