package pii

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hannes/piibridge/src/backend/pii/detectors"
)

// DetectorFactory builds the detector for a validated model directory.
type DetectorFactory func(cfg ModelConfig) (detectors.Detector, error)

// ModelManager manages the lifecycle of a model-backed recognizer with
// thread-safe hot reload. It is itself a Detector delegating to the
// current model, so it can be registered once and reloaded in place.
type ModelManager struct {
	name    string
	factory DetectorFactory
	logger  *slog.Logger

	mu             sync.RWMutex
	current        *loadedModel
	modelDirectory string
	isHealthy      bool
	lastError      error
}

// loadedModel counts the Detect calls still using a detector so a reload
// closes it only after they return.
type loadedModel struct {
	detector detectors.Detector
	inflight sync.WaitGroup
}

// retire waits for in-flight calls and closes the detector.
func (lm *loadedModel) retire() error {
	lm.inflight.Wait()
	return lm.detector.Close()
}

// ModelConfig holds paths to required model files
type ModelConfig struct {
	ModelPath     string
	TokenizerPath string
	LabelMapPath  string
}

// ONNXDetectorFactory returns a factory loading ONNX token-classification
// models with the given label mapping.
func ONNXDetectorFactory(name string, entityLabels map[string]string) DetectorFactory {
	return func(cfg ModelConfig) (detectors.Detector, error) {
		return detectors.NewONNXModelDetector(name, cfg.ModelPath, cfg.TokenizerPath, cfg.LabelMapPath, entityLabels)
	}
}

// NewModelManager creates a model manager and loads the model in directory.
// A failed initial load leaves the manager unhealthy rather than failing,
// so the service starts with its pattern recognizers only.
func NewModelManager(name, directory string, factory DetectorFactory) *ModelManager {
	mm := &ModelManager{
		name:           name,
		factory:        factory,
		modelDirectory: directory,
		logger:         slog.Default().With("component", "model_manager", "model", name),
	}

	if err := mm.ReloadModel(directory); err != nil {
		mm.logger.Warn("failed to load initial model, manager marked as unhealthy", "error", err)
	}
	return mm
}

// GetName implements detectors.Detector
func (mm *ModelManager) GetName() string {
	return mm.name
}

// Detect runs the current model. It fails when no healthy model is loaded.
func (mm *ModelManager) Detect(ctx context.Context, input detectors.DetectorInput) (detectors.DetectorOutput, error) {
	mm.mu.RLock()
	lm, err := mm.currentLocked()
	if err != nil {
		mm.mu.RUnlock()
		return detectors.DetectorOutput{}, err
	}
	lm.inflight.Add(1)
	mm.mu.RUnlock()
	defer lm.inflight.Done()

	return lm.detector.Detect(ctx, input)
}

// GetDetector returns the current detector in a thread-safe manner. Callers
// holding it across a reload may see it closed; Detect is safe against that.
func (mm *ModelManager) GetDetector() (detectors.Detector, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	lm, err := mm.currentLocked()
	if err != nil {
		return nil, err
	}
	return lm.detector, nil
}

func (mm *ModelManager) currentLocked() (*loadedModel, error) {
	if !mm.isHealthy {
		return nil, fmt.Errorf("model is unhealthy: %w", mm.lastError)
	}
	if mm.current == nil {
		return nil, errors.New("no detector available")
	}
	return mm.current, nil
}

// ReloadModel reloads the model from the specified directory with validation
func (mm *ModelManager) ReloadModel(newDirectory string) error {
	mm.logger.Info("reloading model", "directory", newDirectory)

	config, err := mm.validateDirectory(newDirectory)
	if err != nil {
		mm.markUnhealthy(err)
		return fmt.Errorf("validation failed: %w", err)
	}

	// Load outside the lock to keep the current model serving.
	newDetector, err := mm.factory(*config)
	if err != nil {
		mm.markUnhealthy(err)
		return fmt.Errorf("failed to load model: %w", err)
	}

	testInput := detectors.DetectorInput{Text: "Test with John Smith in Athens", Language: "en"}
	if _, err := newDetector.Detect(context.Background(), testInput); err != nil {
		if closeErr := newDetector.Close(); closeErr != nil {
			mm.logger.Warn("failed to close rejected detector", "error", closeErr)
		}
		mm.markUnhealthy(err)
		return fmt.Errorf("model validation failed: %w", err)
	}

	mm.mu.Lock()
	old := mm.current
	mm.current = &loadedModel{detector: newDetector}
	mm.modelDirectory = newDirectory
	mm.isHealthy = true
	mm.lastError = nil
	mm.mu.Unlock()

	// Close the old detector outside the lock once its callers are done
	if old != nil {
		if err := old.retire(); err != nil {
			mm.logger.Warn("failed to close old detector", "error", err)
		}
	}

	mm.logger.Info("model reload complete", "directory", newDirectory)
	return nil
}

// markUnhealthy records err and takes the model out of rotation.
func (mm *ModelManager) markUnhealthy(err error) {
	mm.mu.Lock()
	mm.isHealthy = false
	mm.lastError = err
	mm.mu.Unlock()
	mm.logger.Error("model unavailable", "error", err)
}

// IsHealthy returns whether the current model is healthy
func (mm *ModelManager) IsHealthy() bool {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.isHealthy
}

// GetLastError returns the last error encountered (if any)
func (mm *ModelManager) GetLastError() error {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.lastError
}

// ModelInfo describes the model state for the health endpoint.
type ModelInfo struct {
	Name      string  `json:"name"`
	Directory string  `json:"directory"`
	Healthy   bool    `json:"healthy"`
	Error     *string `json:"error"`
}

// GetInfo returns information about the current model state
func (mm *ModelManager) GetInfo() ModelInfo {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	info := ModelInfo{
		Name:      mm.name,
		Directory: mm.modelDirectory,
		Healthy:   mm.isHealthy,
	}
	if mm.lastError != nil {
		msg := mm.lastError.Error()
		info.Error = &msg
	}
	return info
}

// requiredModelFiles must all be present in a model directory.
var requiredModelFiles = []string{
	"model_quantized.onnx",
	"tokenizer.json",
	"label_mappings.json",
}

// validateDirectory checks that the directory exists and contains all required files
func (mm *ModelManager) validateDirectory(dir string) (*ModelConfig, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory does not exist: %s", dir)
		}
		return nil, fmt.Errorf("failed to access directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dir)
	}

	var missingFiles []string
	for _, filename := range requiredModelFiles {
		if _, err := os.Stat(filepath.Join(dir, filename)); os.IsNotExist(err) {
			missingFiles = append(missingFiles, filename)
		}
	}
	if len(missingFiles) > 0 {
		return nil, fmt.Errorf("missing required files in directory: %v", missingFiles)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}

	return &ModelConfig{
		ModelPath:     filepath.Join(absDir, "model_quantized.onnx"),
		TokenizerPath: filepath.Join(absDir, "tokenizer.json"),
		LabelMapPath:  filepath.Join(absDir, "label_mappings.json"),
	}, nil
}

// Close closes the current detector after in-flight calls return.
func (mm *ModelManager) Close() error {
	mm.mu.Lock()
	lm := mm.current
	mm.current = nil
	mm.isHealthy = false
	mm.mu.Unlock()

	if lm != nil {
		if err := lm.retire(); err != nil {
			return fmt.Errorf("failed to close detector: %w", err)
		}
	}
	return nil
}
