package detectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"
)

const (
	maxSeqLen    = 512
	chunkOverlap = 64
	chunkStride  = maxSeqLen - chunkOverlap

	// minTokenConfidence drops tokens the model is unsure about.
	minTokenConfidence = 0.5
)

// DefaultModelLabels maps the labels emitted by common token-classification
// models onto the service's entity types. Labels not listed are ignored.
var DefaultModelLabels = map[string]string{
	"PER":       EntityPerson,
	"PERSON":    EntityPerson,
	"FIRSTNAME": EntityPerson,
	"SURNAME":   EntityPerson,
	"LOC":       EntityLocation,
	"GPE":       EntityLocation,
	"LOCATION":  EntityLocation,
	"CITY":      EntityLocation,
	"STREET":    EntityLocation,
	"NORP":      EntityNRP,
	"NRP":       EntityNRP,
}

// ONNXModelDetector recognizes named entities with a token-classification
// model exported to ONNX.
type ONNXModelDetector struct {
	name         string
	mu           sync.Mutex // guards session and the shared tensors
	tokenizer    *tokenizers.Tokenizer
	session      *onnxruntime.AdvancedSession
	inputTensor  *onnxruntime.Tensor[int64]
	maskTensor   *onnxruntime.Tensor[int64]
	outputTensor *onnxruntime.Tensor[float32]
	id2label     map[string]string
	entityLabels map[string]string
	numLabels    int
	modelPath    string
	closed       bool
}

// ErrDetectorClosed is returned by Detect after Close.
var ErrDetectorClosed = errors.New("detector closed")

// tokenChunk is a window of at most maxSeqLen tokens. Offsets stay absolute
// so spans from every chunk refer to the original text.
type tokenChunk struct {
	tokenIDs        []uint32
	offsets         []tokenizers.Offset
	startTokenIndex int
	isFirst         bool
	isLast          bool
}

// safeUintToInt safely converts a uint to int with bounds checking
// Returns maxInt if the value would overflow
func safeUintToInt(val uint) int {
	const maxInt = int(^uint(0) >> 1)
	if val <= uint(maxInt) {
		// #nosec G115 - Safe conversion with bounds checking
		return int(val)
	}
	return maxInt
}

// NewONNXModelDetector loads the tokenizer and label mapping. The ONNX
// session itself is created lazily on first use.
func NewONNXModelDetector(name, modelPath, tokenizerPath, labelMapPath string, entityLabels map[string]string) (*ONNXModelDetector, error) {
	if entityLabels == nil {
		entityLabels = DefaultModelLabels
	}

	if libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); libPath != "" {
		onnxruntime.SetSharedLibraryPath(libPath)
	}

	// Initialize ONNX Runtime environment only if not already initialized
	if !onnxruntime.IsInitialized() {
		if err := onnxruntime.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
		}
	}

	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	// #nosec G304 - label map path comes from validated model directory
	configData, err := os.ReadFile(labelMapPath)
	if err != nil {
		closeTokenizer(tk)
		return nil, fmt.Errorf("failed to read label mapping: %w", err)
	}

	id2label, numLabels, err := parseLabelMapping(configData)
	if err != nil {
		closeTokenizer(tk)
		return nil, err
	}

	return &ONNXModelDetector{
		name:         name,
		tokenizer:    tk,
		id2label:     id2label,
		entityLabels: entityLabels,
		numLabels:    numLabels,
		modelPath:    modelPath,
	}, nil
}

// parseLabelMapping accepts either {"id2label": {...}} or the nested
// {"pii": {"id2label": {...}}} layout.
func parseLabelMapping(data []byte) (map[string]string, int, error) {
	var config struct {
		ID2Label map[string]string `json:"id2label"`
		PII      struct {
			ID2Label map[string]string `json:"id2label"`
		} `json:"pii"`
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, 0, fmt.Errorf("failed to parse label mapping: %w", err)
	}

	id2label := config.ID2Label
	if len(id2label) == 0 {
		id2label = config.PII.ID2Label
	}
	if len(id2label) == 0 {
		return nil, 0, fmt.Errorf("label mapping has no id2label entries")
	}

	// Find the maximum label ID and add 1 (since IDs are 0-indexed)
	numLabels := 0
	for idStr := range id2label {
		var id int
		if _, err := fmt.Sscanf(idStr, "%d", &id); err == nil && id >= numLabels {
			numLabels = id + 1
		}
	}
	if numLabels == 0 {
		numLabels = len(id2label)
	}
	return id2label, numLabels, nil
}

// GetName returns the name of this detector
func (d *ONNXModelDetector) GetName() string {
	return d.name
}

// Detect runs inference and returns spans for mapped entity labels. The call
// returns as soon as ctx is done; the in-flight inference finishes in the
// background and its result is discarded.
func (d *ONNXModelDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	type result struct {
		spans []Span
		err   error
	}
	done := make(chan result, 1)

	go func() {
		spans, err := d.infer(input.Text)
		done <- result{spans: spans, err: err}
	}()

	select {
	case <-ctx.Done():
		return DetectorOutput{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return DetectorOutput{}, r.err
		}
		return DetectorOutput{Text: input.Text, Spans: r.spans}, nil
	}
}

func (d *ONNXModelDetector) infer(text string) ([]Span, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDetectorClosed
	}
	if d.session == nil {
		if err := d.initializeSession(); err != nil {
			return nil, fmt.Errorf("failed to initialize session: %w", err)
		}
	}

	encoding := d.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnOffsets())

	chunks := chunkTokens(encoding.IDs, encoding.Offsets)
	perChunk := make([][]Span, 0, len(chunks))
	for _, chunk := range chunks {
		d.updateInputTensors(chunk.tokenIDs)
		if err := d.session.Run(); err != nil {
			return nil, fmt.Errorf("failed to run inference: %w", err)
		}
		perChunk = append(perChunk, d.decodeChunk(text, chunk))
	}

	spans := mergeChunkEntities(perChunk)
	for _, s := range spans {
		slog.Debug("model span", "detector", d.name, "entity_type", s.EntityType,
			"score", s.Score, "start", s.Start, "end", s.End)
	}
	return spans, nil
}

// chunkTokens splits a token sequence into windows of maxSeqLen tokens that
// overlap by chunkOverlap tokens.
func chunkTokens(tokenIDs []uint32, offsets []tokenizers.Offset) []tokenChunk {
	n := len(tokenIDs)
	if len(offsets) < n {
		n = len(offsets)
	}
	if n <= maxSeqLen {
		return []tokenChunk{{
			tokenIDs:        tokenIDs[:n],
			offsets:         offsets[:n],
			startTokenIndex: 0,
			isFirst:         true,
			isLast:          true,
		}}
	}

	var chunks []tokenChunk
	for start := 0; start < n; start += chunkStride {
		end := start + maxSeqLen
		if end > n {
			end = n
		}
		chunks = append(chunks, tokenChunk{
			tokenIDs:        tokenIDs[start:end],
			offsets:         offsets[start:end],
			startTokenIndex: start,
			isFirst:         start == 0,
			isLast:          end == n,
		})
		if end == n {
			break
		}
	}
	return chunks
}

// mergeChunkEntities flattens per-chunk spans, collapsing duplicates that
// come from overlapping windows. Of two overlapping spans the more confident
// one is kept.
func mergeChunkEntities(perChunk [][]Span) []Span {
	var all []Span
	for _, spans := range perChunk {
		all = append(all, spans...)
	}
	if len(all) == 0 {
		return []Span{}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Start != all[j].Start {
			return all[i].Start < all[j].Start
		}
		return all[i].Score > all[j].Score
	})

	merged := make([]Span, 0, len(all))
	for _, s := range all {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.Overlaps(s) {
				if s.Score > last.Score {
					*last = s
				}
				continue
			}
		}
		merged = append(merged, s)
	}
	return merged
}

// decodeChunk turns the output logits of one chunk into spans, grouping
// B-/I- tagged tokens of the same label.
func (d *ONNXModelDetector) decodeChunk(text string, chunk tokenChunk) []Span {
	outputData := d.outputTensor.GetData()
	spans := []Span{}

	var current *Span
	var currentTokens []int
	flush := func() {
		if current != nil {
			if d.finalizeSpan(current, currentTokens, text, chunk.offsets) {
				spans = append(spans, *current)
			}
			current = nil
			currentTokens = nil
		}
	}

	for i := range chunk.tokenIDs {
		startIdx := i * d.numLabels
		endIdx := (i + 1) * d.numLabels
		if endIdx > len(outputData) {
			break
		}
		label, confidence := d.bestLabel(outputData[startIdx:endIdx])

		// Special tokens carry a zero-width offset.
		if chunk.offsets[i][0] == chunk.offsets[i][1] {
			label = "O"
		}

		isBeginning := strings.HasPrefix(label, "B-")
		baseLabel := strings.TrimPrefix(strings.TrimPrefix(label, "B-"), "I-")
		entityType, mapped := d.entityLabels[baseLabel]
		if !mapped {
			label = "O"
		}

		switch {
		case label != "O" && (isBeginning || current == nil || current.EntityType != entityType):
			flush()
			current = &Span{EntityType: entityType, Score: confidence, Recognizer: d.name}
			currentTokens = []int{i}
		case label != "O":
			currentTokens = append(currentTokens, i)
			current.Score = (current.Score + confidence) / 2
		default:
			flush()
		}
	}
	flush()
	return spans
}

// bestLabel returns the argmax label and its softmax probability.
func (d *ONNXModelDetector) bestLabel(logits []float32) (string, float64) {
	maxLogit := float64(-math.MaxFloat64)
	bestClass := 0
	for j, logit := range logits {
		if float64(logit) > maxLogit {
			maxLogit = float64(logit)
			bestClass = j
		}
	}

	var sum float64
	for _, logit := range logits {
		sum += math.Exp(float64(logit) - maxLogit)
	}
	confidence := 1 / sum

	label, exists := d.id2label[fmt.Sprintf("%d", bestClass)]
	if !exists || confidence < minTokenConfidence {
		return "O", confidence
	}
	return label, confidence
}

// finalizeSpan fills positions and text from the token offsets.
func (d *ONNXModelDetector) finalizeSpan(span *Span, tokenIndices []int, text string, offsets []tokenizers.Offset) bool {
	if len(tokenIndices) == 0 {
		return false
	}

	start := safeUintToInt(offsets[tokenIndices[0]][0])
	end := safeUintToInt(offsets[tokenIndices[len(tokenIndices)-1]][1])
	if start >= end || end > len(text) {
		return false
	}

	span.Start = start
	span.End = end
	span.Text = text[start:end]
	return true
}

// initializeSession initializes the ONNX session and tensors
func (d *ONNXModelDetector) initializeSession() error {
	inputShape := onnxruntime.NewShape(1, maxSeqLen)
	inputTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	maskTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		destroyValues(inputTensor)
		return fmt.Errorf("failed to create mask tensor: %w", err)
	}

	outputShape := onnxruntime.NewShape(1, maxSeqLen, int64(d.numLabels))
	outputTensor, err := onnxruntime.NewEmptyTensor[float32](outputShape)
	if err != nil {
		destroyValues(inputTensor, maskTensor)
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := onnxruntime.NewAdvancedSession(d.modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]onnxruntime.Value{inputTensor, maskTensor},
		[]onnxruntime.Value{outputTensor},
		nil)
	if err != nil {
		destroyValues(inputTensor, maskTensor, outputTensor)
		return fmt.Errorf("failed to create session: %w", err)
	}

	d.session = session
	d.inputTensor = inputTensor
	d.maskTensor = maskTensor
	d.outputTensor = outputTensor
	return nil
}

// updateInputTensors copies one chunk into the shared input tensors
func (d *ONNXModelDetector) updateInputTensors(tokenIDs []uint32) {
	inputData := d.inputTensor.GetData()
	maskData := d.maskTensor.GetData()

	for i := range inputData {
		inputData[i] = 0
		maskData[i] = 0
	}
	for i, id := range tokenIDs {
		inputData[i] = int64(id)
		maskData[i] = 1
	}
}

// Close implements the Detector interface
func (d *ONNXModelDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true

	var errs []error
	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
		d.session = nil
	}
	if d.inputTensor != nil {
		if err := d.inputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy input tensor: %w", err))
		}
	}
	if d.maskTensor != nil {
		if err := d.maskTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy mask tensor: %w", err))
		}
	}
	if d.outputTensor != nil {
		if err := d.outputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy output tensor: %w", err))
		}
	}
	d.inputTensor, d.maskTensor, d.outputTensor = nil, nil, nil

	if d.tokenizer != nil {
		if err := d.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
		d.tokenizer = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}

func closeTokenizer(tk *tokenizers.Tokenizer) {
	if err := tk.Close(); err != nil {
		slog.Warn("failed to close tokenizer during cleanup", "error", err)
	}
}

func destroyValues(values ...interface{ Destroy() error }) {
	for _, v := range values {
		if err := v.Destroy(); err != nil {
			slog.Warn("failed to destroy tensor during cleanup", "error", err)
		}
	}
}
