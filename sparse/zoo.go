package sparse

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// zooStubPrefix marks a recipe source as a model-zoo stub rather than a
// local path, e.g. "zoo:yolact/pruned82_quant".
const zooStubPrefix = "zoo:"

const (
	zooBaseURL     = "https://api.neuralmagic.com/recipes"
	cacheDirName   = ".yolact"
	recipesDirName = "recipes"
	zooHTTPTimeout = 30 * time.Second
)

// ResolveZooStub fetches the recipe behind a zoo: stub and returns a local
// file path, caching downloads under ~/.yolact/recipes so repeat runs work
// offline.
func ResolveZooStub(stub string) (string, error) {
	rel := strings.TrimPrefix(stub, zooStubPrefix)
	if rel == "" {
		return "", errors.Errorf("empty zoo stub %q", stub)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "locating home directory for recipe cache")
	}
	cachePath := filepath.Join(home, cacheDirName, recipesDirName, cacheFileName(rel))
	if _, err := os.Stat(cachePath); err == nil {
		logrus.Debugf("Using cached recipe for %s", stub)
		return cachePath, nil
	}
	return fetchRecipeFromURL(zooBaseURL+"/"+rel, cachePath, stub)
}

// cacheFileName flattens a stub path into a single cache file name.
func cacheFileName(rel string) string {
	return strings.NewReplacer("/", "-", ":", "-", "?", "-").Replace(rel) + ".yaml"
}

// fetchRecipeFromURL downloads a recipe and writes it to cachePath.
// Extracted from ResolveZooStub so tests can point it at a local server.
func fetchRecipeFromURL(url, cachePath, stub string) (string, error) {
	client := &http.Client{Timeout: zooHTTPTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return "", errors.Wrapf(err, "fetching recipe %s", stub)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", errors.Errorf("recipe %s not found (HTTP 404 from %s)", stub, url)
	case resp.StatusCode != http.StatusOK:
		return "", errors.Errorf("fetching recipe %s: HTTP %d from %s", stub, resp.StatusCode, url)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(err, "reading recipe %s", stub)
	}
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return "", errors.Wrap(err, "creating recipe cache directory")
	}
	if err := os.WriteFile(cachePath, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "caching recipe %s", stub)
	}
	logrus.Infof("Downloaded recipe %s to %s", stub, cachePath)
	return cachePath, nil
}
