package openai

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// tokenLoadTimeout bounds the one-time download of the token encoding
const tokenLoadTimeout = 10 * time.Second

// bpeLoader loads tiktoken rank files from the local cache, downloading them
// with a bounded client when missing. It shares the cache layout of the
// library's default loader.
type bpeLoader struct {
	client   *resty.Client
	cacheDir string
}

func newBPELoader(timeout time.Duration) *bpeLoader {
	cacheDir := strings.TrimSpace(os.Getenv("TIKTOKEN_CACHE_DIR"))
	if cacheDir == "" {
		cacheDir = strings.TrimSpace(os.Getenv("DATA_GYM_CACHE_DIR"))
	}
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "data-gym-cache")
	}
	return &bpeLoader{
		client:   resty.New().SetTimeout(timeout),
		cacheDir: cacheDir,
	}
}

// LoadTiktokenBpe implements tiktoken.BpeLoader
func (l *bpeLoader) LoadTiktokenBpe(file string) (map[string]int, error) {
	contents, err := l.read(file)
	if err != nil {
		return nil, err
	}
	return parseBPE(contents)
}

func (l *bpeLoader) read(file string) ([]byte, error) {
	if !strings.HasPrefix(file, "http://") && !strings.HasPrefix(file, "https://") {
		return os.ReadFile(file)
	}

	cachePath := filepath.Join(l.cacheDir, fmt.Sprintf("%x", sha1.Sum([]byte(file))))
	if contents, err := os.ReadFile(cachePath); err == nil {
		return contents, nil
	}

	resp, err := l.client.R().Get(file)
	if err != nil {
		return nil, fmt.Errorf("failed to download token encoding: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to download token encoding: status %d", resp.StatusCode())
	}
	contents := resp.Body()

	// A failed cache write only costs a download next time
	if err := os.MkdirAll(l.cacheDir, 0o755); err == nil {
		tmp := cachePath + ".tmp"
		if err := os.WriteFile(tmp, contents, 0o644); err == nil {
			_ = os.Rename(tmp, cachePath)
		}
	}
	return contents, nil
}

// parseBPE reads "<base64 token> <rank>" lines
func parseBPE(contents []byte) (map[string]int, error) {
	ranks := make(map[string]int)
	for _, line := range strings.Split(string(contents), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed encoding line %q", line)
		}
		token, err := base64.StdEncoding.DecodeString(parts[0])
		if err != nil {
			return nil, err
		}
		rank, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, err
		}
		ranks[string(token)] = rank
	}
	return ranks, nil
}
