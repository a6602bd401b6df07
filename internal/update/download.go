package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"
)

const binaryName = "washline-agent"

// SelectAsset picks the release binary for goos/goarch. Asset names follow
// washline-agent-<goos>-<goarch>[.exe]; a bare washline-agent.exe is accepted
// on windows.
func SelectAsset(assets []ReleaseAsset, goos, goarch string) (ReleaseAsset, bool) {
	want := fmt.Sprintf("%s-%s-%s", binaryName, goos, goarch)
	if goos == "windows" {
		want += ".exe"
	}

	for _, asset := range assets {
		if strings.EqualFold(asset.Name, want) {
			return asset, true
		}
	}

	if goos == "windows" {
		for _, asset := range assets {
			if strings.EqualFold(asset.Name, binaryName+".exe") {
				return asset, true
			}
		}
	}

	return ReleaseAsset{}, false
}

// DownloadForPlatform downloads the asset for the running platform into a
// temporary file and returns its path.
func DownloadForPlatform(ctx context.Context, result Result) (string, error) {
	asset, ok := SelectAsset(result.Assets, runtime.GOOS, runtime.GOARCH)
	if !ok {
		return "", fmt.Errorf("release %s has no binary for %s/%s", result.Version, runtime.GOOS, runtime.GOARCH)
	}

	return downloadToTemp(ctx, asset.BrowserDownloadURL, binaryName+"-*"+exeSuffix())
}

func downloadToTemp(ctx context.Context, url, pattern string) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", errors.New("asset has no download url")
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	client := &http.Client{Timeout: 60 * time.Second}
	response, err := client.Do(request)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode >= 300 {
		return "", fmt.Errorf("download status %d", response.StatusCode)
	}

	tmpFile, err := os.CreateTemp(os.TempDir(), pattern)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = tmpFile.Close()
	}()

	if _, err = io.Copy(tmpFile, response.Body); err != nil {
		_ = os.Remove(tmpFile.Name())
		return "", err
	}

	return tmpFile.Name(), nil
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}
