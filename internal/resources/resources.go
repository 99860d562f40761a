// Package resources resolves JAR dependencies for Flink tasks: standard
// engine directories first, download as a fallback, cached per manager.
package resources

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"
)

// Resolved holds the resolved resource paths for one task.
type Resolved struct {
	// JarPaths are passed to the engine with --jar.
	JarPaths []string
	// ClasspathJars are appended to CLASSPATH instead.
	ClasspathJars []string
}

// JAR describes one requested JAR resource.
type JAR struct {
	Name     string
	Location string // local path or URL
	Source   string // "download" permits fetching over HTTP
	Type     string // "classpath" routes the JAR to CLASSPATH
}

// JARFromDoc reads a JAR spec out of a schemaless resource entry.
func JARFromDoc(doc map[string]any) JAR {
	str := func(key string) string {
		s, _ := doc[key].(string)
		return s
	}
	j := JAR{
		Name:     str("name"),
		Location: str("location"),
		Source:   str("source"),
		Type:     str("type"),
	}
	if j.Location == "" {
		j.Location = str("download_link")
	}
	return j
}

// Manager resolves JARs against the local Flink install, downloading into a
// private temp dir when allowed. Safe for concurrent use.
type Manager struct {
	flinkHome    string
	flinkCDCHome string
	httpClient   *http.Client
	logger       *slog.Logger

	mu       sync.Mutex
	tempDir  string
	resolved map[string]string // location → local path
}

// NewManager creates a Manager rooted at the given engine homes.
func NewManager(flinkHome, flinkCDCHome string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		flinkHome:    flinkHome,
		flinkCDCHome: flinkCDCHome,
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		logger:       logger,
		resolved:     map[string]string{},
	}
}

// ProcessResources resolves every JAR in the resources document. Entries
// that cannot be resolved are skipped; the engine surfaces missing classes
// at submit time with a clearer error than we could synthesize here.
func (m *Manager) ProcessResources(ctx context.Context, resources map[string]any) (Resolved, error) {
	var out Resolved
	for _, key := range []string{"flink_cdc_jars", "flink_jars"} {
		entries, _ := resources[key].([]any)
		for _, entry := range entries {
			doc, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			jar := JARFromDoc(doc)
			p, err := m.ResolveJAR(ctx, jar)
			if err != nil {
				return Resolved{}, err
			}
			if p == "" {
				continue
			}
			if jar.Type == "classpath" {
				out.ClasspathJars = append(out.ClasspathJars, p)
			} else {
				out.JarPaths = append(out.JarPaths, p)
			}
		}
	}
	return out, nil
}

// ResolveJAR returns a local path for the JAR, or "" when it cannot be
// resolved. Only context errors are returned as errors.
func (m *Manager) ResolveJAR(ctx context.Context, jar JAR) (string, error) {
	if jar.Location == "" {
		m.logger.Warn("jar has no location", "name", jar.Name)
		return "", nil
	}

	m.mu.Lock()
	cached, ok := m.resolved[jar.Location]
	m.mu.Unlock()
	if ok {
		return cached, nil
	}

	filename := basename(jar.Location)

	if p := m.findInStandardLocations(filename); p != "" {
		m.logger.Info("found jar in standard location", "jar", filename, "path", p)
		return p, nil
	}

	if jar.Source == "download" {
		p, err := m.download(ctx, jar.Location)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			m.logger.Error("jar download failed", "jar", filename, "error", err)
			return "", nil
		}
		if p != "" {
			m.mu.Lock()
			m.resolved[jar.Location] = p
			m.mu.Unlock()
			return p, nil
		}
	}

	m.logger.Warn("could not resolve jar", "jar", filename)
	return "", nil
}

// findInStandardLocations checks FLINK_HOME/lib, FLINK_CDC_HOME/lib, then
// walks FLINK_HOME/plugins.
func (m *Manager) findInStandardLocations(filename string) string {
	if m.flinkHome != "" {
		p := filepath.Join(m.flinkHome, "lib", filename)
		if fileExists(p) {
			return p
		}
	}
	if m.flinkCDCHome != "" {
		p := filepath.Join(m.flinkCDCHome, "lib", filename)
		if fileExists(p) {
			return p
		}
	}
	if m.flinkHome != "" {
		var found string
		plugins := filepath.Join(m.flinkHome, "plugins")
		_ = filepath.WalkDir(plugins, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && d.Name() == filename {
				found = p
				return fs.SkipAll
			}
			return nil
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func (m *Manager) download(ctx context.Context, jarURL string) (string, error) {
	dir, err := m.ensureTempDir()
	if err != nil {
		return "", err
	}

	target := filepath.Join(dir, basename(jarURL))
	if fileExists(target) {
		return target, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jarURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", jarURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.logger.Error("jar download rejected", "url", jarURL, "status", resp.StatusCode)
		return "", nil
	}

	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(target)
		return "", fmt.Errorf("write %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("close %s: %w", target, err)
	}
	return target, nil
}

func (m *Manager) ensureTempDir() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tempDir != "" {
		return m.tempDir, nil
	}
	dir, err := os.MkdirTemp("", "flink_resources_")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	m.tempDir = dir
	return dir, nil
}

// Cleanup removes the manager's downloaded files.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	dir := m.tempDir
	m.tempDir = ""
	m.resolved = map[string]string{}
	m.mu.Unlock()

	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Error("cleanup temp dir failed", "dir", dir, "error", err)
	}
}

// basename extracts a filename from a URL or local path.
func basename(location string) string {
	if u, err := url.Parse(location); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return filepath.Base(location)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
