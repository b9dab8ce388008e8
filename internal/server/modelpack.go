package server

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kartoza/diet-planner/internal/config"
	"github.com/kartoza/diet-planner/internal/httputil"
)

// ModelPackManifest describes the contents of a model pack zip. File names
// are relative to the pack root.
type ModelPackManifest struct {
	Format      string         `json:"format"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Created     string         `json:"created"`
	Model       string         `json:"model"`
	ModelFormat string         `json:"model_format,omitempty"`
	Guidelines  string         `json:"guidelines"`
	Schema      string         `json:"schema,omitempty"`
	Mode        string         `json:"mode,omitempty"`
	Labels      map[int]string `json:"labels,omitempty"`
}

// ReadModelPack reads and checks the manifest of an extracted pack.
func ReadModelPack(dir string) (*ModelPackManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("invalid model pack: missing manifest.json: %w", err)
	}

	var m ModelPackManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid model pack manifest: %w", err)
	}
	if m.Model == "" || m.Guidelines == "" {
		return nil, errors.New("invalid model pack: manifest must name a model and a guideline file")
	}
	for _, name := range []string{m.Model, m.Guidelines, m.Schema} {
		if name == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("invalid model pack: %s not found", name)
		}
	}
	return &m, nil
}

// ApplyModelPack returns a copy of cfg whose artifact paths point into the
// pack directory.
func ApplyModelPack(cfg *config.Config, dir string, m *ModelPackManifest) *config.Config {
	c := *cfg
	c.Model.Path = filepath.Join(dir, m.Model)
	if m.ModelFormat != "" {
		c.Model.Format = m.ModelFormat
	}
	c.Guidelines.Path = filepath.Join(dir, m.Guidelines)
	if m.Mode != "" {
		c.Guidelines.Mode = m.Mode
		if m.Mode == "binary" && len(m.Labels) == 0 {
			c.Guidelines.Labels = nil
		}
	}
	if len(m.Labels) > 0 {
		c.Guidelines.Labels = m.Labels
	}
	if m.Schema != "" {
		c.Schema.Snapshot = filepath.Join(dir, m.Schema)
		c.Schema.Fields = nil
		c.Schema.TrainingCSV = ""
	}
	return &c
}

// handleModelPackStatus returns the current model pack status
func (s *Server) handleModelPackStatus(w http.ResponseWriter, r *http.Request) {
	loaded := s.Current() != nil

	settings, err := config.LoadSettings()
	if err != nil {
		httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"installed": false,
			"loaded":    loaded,
			"error":     err.Error(),
		})
		return
	}

	if settings.ModelPackPath == "" {
		httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"installed": false,
			"loaded":    loaded,
		})
		return
	}

	manifest, err := ReadModelPack(settings.ModelPackPath)
	if err != nil {
		httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"installed": false,
			"loaded":    loaded,
			"error":     err.Error(),
		})
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"installed":   true,
		"loaded":      loaded,
		"path":        settings.ModelPackPath,
		"version":     manifest.Version,
		"description": manifest.Description,
	})
}

// handleModelPackInstall extracts a model pack zip, loads it and swaps it in
// for new requests. The running pipeline is kept if the pack fails to load.
func (s *Server) handleModelPackInstall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Path == "" {
		httputil.RespondError(w, http.StatusBadRequest, "path is required")
		return
	}
	if _, err := os.Stat(req.Path); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, fmt.Sprintf("file not found: %s", req.Path))
		return
	}
	if !strings.HasSuffix(strings.ToLower(req.Path), ".zip") {
		httputil.RespondError(w, http.StatusBadRequest, "file must be a .zip archive")
		return
	}

	storeDir, err := config.DataStoreDir()
	if err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, fmt.Sprintf("could not determine data directory: %v", err))
		return
	}
	extractDir := filepath.Join(storeDir, "modelpacks")
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, fmt.Sprintf("could not create directory: %v", err))
		return
	}

	stagingDir, err := os.MkdirTemp(extractDir, ".staging-")
	if err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, fmt.Sprintf("could not create directory: %v", err))
		return
	}
	defer os.RemoveAll(stagingDir)

	stagedDir, err := extractModelPack(req.Path, stagingDir)
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, fmt.Sprintf("extraction failed: %v", err))
		return
	}

	manifest, err := ReadModelPack(stagedDir)
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	pipe, err := LoadPipeline(ApplyModelPack(s.cfg, stagedDir, manifest), s.logger)
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, fmt.Sprintf("model pack failed to load: %v", err))
		return
	}

	packDir := filepath.Join(extractDir, filepath.Base(stagedDir))
	if err := replaceDir(stagedDir, packDir); err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, fmt.Sprintf("could not install model pack: %v", err))
		return
	}

	settings, _ := config.LoadSettings()
	settings.ModelPackPath = packDir
	if err := config.SaveSettings(settings); err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, fmt.Sprintf("could not save settings: %v", err))
		return
	}

	s.swap(pipe)

	s.logger.Info("Model pack installed", zap.String("path", packDir), zap.String("version", manifest.Version))
	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"installed": true,
		"path":      packDir,
		"version":   manifest.Version,
		"message":   "Model pack installed. New predictions use it immediately.",
	})
}

// replaceDir moves src to dst. An existing dst is only removed once src is
// in place; if the move fails the old dst is restored.
func replaceDir(src, dst string) error {
	backup := dst + ".previous"
	os.RemoveAll(backup)

	hadOld := false
	if _, err := os.Stat(dst); err == nil {
		if err := os.Rename(dst, backup); err != nil {
			return err
		}
		hadOld = true
	}
	if err := os.Rename(src, dst); err != nil {
		if hadOld {
			os.Rename(backup, dst)
		}
		return err
	}
	if hadOld {
		os.RemoveAll(backup)
	}
	return nil
}

// extractModelPack unzips a model pack archive into an empty target
// directory. Returns the path to the extracted pack root directory.
func extractModelPack(zipPath, targetDir string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("could not open zip: %w", err)
	}
	defer r.Close()

	// Every entry must live under one root directory
	var rootDir string
	for _, f := range r.File {
		root, _, _ := strings.Cut(f.Name, "/")
		if rootDir == "" {
			rootDir = root
		}
		if root != rootDir || root == "" || root == "." || root == ".." {
			return "", fmt.Errorf("model pack must contain a single root directory, found %q", f.Name)
		}
	}
	if rootDir == "" {
		return "", fmt.Errorf("empty zip archive")
	}

	packDir := filepath.Join(targetDir, rootDir)

	for _, f := range r.File {
		// Sanitize path to prevent zip slip
		destPath := filepath.Join(targetDir, f.Name)
		if !strings.HasPrefix(destPath, filepath.Clean(targetDir)+string(os.PathSeparator)) {
			return "", fmt.Errorf("illegal file path in zip: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			os.MkdirAll(destPath, 0o755)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return "", fmt.Errorf("could not create directory: %w", err)
		}
		if err := extractFile(f, destPath); err != nil {
			return "", err
		}
	}

	return packDir, nil
}

func extractFile(f *zip.File, destPath string) error {
	outFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	defer outFile.Close()

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("could not open zip entry: %w", err)
	}
	defer rc.Close()

	if _, err := io.Copy(outFile, rc); err != nil {
		return fmt.Errorf("could not extract file: %w", err)
	}
	return nil
}
