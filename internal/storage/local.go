package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
)

// Compile-time check to ensure implementation satisfies the interface.
var _ interfaces.ArtifactStore = (*LocalStore)(nil)

// LocalStore хранит артефакты на диске за публичным базовым URL.
// Выдача — через подписанные ссылки с ограниченным сроком жизни:
// HMAC-SHA256 от "key|expiry" на секретном ключе.
type LocalStore struct {
	basePath   string
	baseURL    string
	signingKey []byte
	logger     *zap.Logger
}

func NewLocalStore(basePath, baseURL, signingKey string, logger *zap.Logger) (*LocalStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("artifact store base path is not configured")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("artifact store base URL is not configured")
	}
	if signingKey == "" {
		return nil, fmt.Errorf("artifact store signing key is not configured")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact store dir: %w", err)
	}
	return &LocalStore{
		basePath:   basePath,
		baseURL:    strings.TrimRight(baseURL, "/"),
		signingKey: []byte(signingKey),
		logger:     logger.Named("LocalStore"),
	}, nil
}

// Put сохраняет байты по ключу. Запись атомарна: во временный файл с rename.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize artifact: %w", err)
	}
	s.logger.Info("Artifact stored", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat artifact: %w", err)
}

// SignedGet возвращает URL с подписью и сроком жизни.
func (s *LocalStore) SignedGet(key string, ttl time.Duration) (string, error) {
	if _, err := s.resolve(key); err != nil {
		return "", err
	}
	expiry := time.Now().Add(ttl).Unix()
	sig := s.sign(key, expiry)
	return fmt.Sprintf("%s/media/%s?exp=%d&sig=%s", s.baseURL, url.PathEscape(key), expiry, sig), nil
}

// VerifySignature проверяет подпись выданной ссылки. Используется
// media-обработчиком при отдаче файла.
func (s *LocalStore) VerifySignature(key, expStr, sig string) bool {
	expiry, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || time.Now().Unix() > expiry {
		return false
	}
	expected := s.sign(key, expiry)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Open открывает файл артефакта для отдачи клиенту.
func (s *LocalStore) Open(key string) (string, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("artifact not found: %w", err)
	}
	return path, nil
}

func (s *LocalStore) sign(key string, expiry int64) string {
	mac := hmac.New(sha256.New, s.signingKey)
	fmt.Fprintf(mac, "%s|%d", key, expiry)
	return hex.EncodeToString(mac.Sum(nil))
}

// resolve переводит ключ в путь на диске и отсекает выход за basePath.
func (s *LocalStore) resolve(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid artifact key: %q", key)
	}
	path := filepath.Join(s.basePath, filepath.FromSlash(key))
	if !strings.HasPrefix(path, filepath.Clean(s.basePath)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid artifact key: %q", key)
	}
	return path, nil
}
