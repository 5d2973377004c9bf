package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/bicingtrips-data/internal/common/logger"
)

// HTTPDownloader fetches a remote file to a local path.
type HTTPDownloader struct {
	client *http.Client
	logger logger.Logger
}

func NewHTTPDownloader(log logger.Logger) *HTTPDownloader {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPDownloader{
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger: log,
	}
}

// Download streams url into destPath through a temp file in the same
// directory, so destPath is either absent or complete.
func (d *HTTPDownloader) Download(ctx context.Context, url string, destPath string) error {
	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	tempFile, err := os.CreateTemp(destDir, "bicing_download_*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)

	d.logger.Info("Starting download", "url", url, "dest", destPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		tempFile.Close()
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		tempFile.Close()
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		tempFile.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	written, err := d.copyWithProgress(tempFile, resp.Body, resp.ContentLength)
	tempFile.Close()
	if err != nil {
		return fmt.Errorf("downloading file: %w", err)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		return fmt.Errorf("moving file to destination: %w", err)
	}

	d.logger.Info("Download completed", "url", url, "dest", destPath, "size_bytes", written)
	return nil
}

func (d *HTTPDownloader) copyWithProgress(dst io.Writer, src io.Reader, totalSize int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	lastLog := time.Now()

	for {
		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
			written += int64(nw)

			if time.Since(lastLog) > 5*time.Second && totalSize > 0 {
				d.logger.Debug("Download progress",
					"progress_percent", fmt.Sprintf("%.1f", float64(written)/float64(totalSize)*100),
					"bytes_downloaded", written,
					"total_bytes", totalSize)
				lastLog = time.Now()
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// DownloadTarget returns where rawURL should be stored inside dir, named
// after the last path segment of the URL.
func DownloadTarget(dir, rawURL string) string {
	name := "bicing_data"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	return filepath.Join(dir, name)
}
