package vector

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/ryanwillie/mimirvaultd/internal/log"
	"github.com/ryanwillie/mimirvaultd/internal/vaulterr"
)

// instructionPrefix is prepended to every input string before tokenization,
// matching the convention of the instruction-tuned sentence embedding
// models this vault targets.
const instructionPrefix = "Represent this sentence: "

// degenerateNormTolerance is how close to zero an embedding's L2 norm must
// be before it is rejected as degenerate.
const degenerateNormTolerance = 1e-9

// normTolerance is the allowed deviation from unit norm after
// normalization.
const normTolerance = 1e-6

// Embedder turns text into a unit-norm float32 vector of fixed dimension D.
// The coordinator treats a nil Embedder as "absent" and still permits
// ingest/search by raw vector.
type Embedder interface {
	// Embed returns a unit-norm vector of the embedder's fixed dimension.
	Embed(text string) ([]float32, error)
	// Dimension returns D, discovered at construction time via a probe
	// inference.
	Dimension() int
}

// tokenizer is the minimal surface ONNXEmbedder needs from its paired
// tokenizer; satisfied by github.com/sugarme/tokenizer.
type tokenizer interface {
	EncodeSingle(text string) (ids, typeIDs, attentionMask []int64, err error)
}

// ONNXEmbedder runs a sentence-embedding ONNX graph via onnxruntime_go,
// paired with a tokenizer for the same model.
type ONNXEmbedder struct {
	mu        sync.Mutex
	session   *ort.DynamicAdvancedSession
	tok       tokenizer
	dimension int
}

// NewONNXEmbedder loads modelPath (an ONNX graph with inputs
// input_ids/attention_mask/token_type_ids and a last_hidden_state output)
// and tok (already loaded from tokenizerPath), then discovers D by running
// a probe inference over a short dummy sentence.
func NewONNXEmbedder(modelPath string, tok tokenizer) (*ONNXEmbedder, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, vaulterr.New(vaulterr.KindInitialization, "NewONNXEmbedder", fmt.Errorf("model not found at %s: %w", modelPath, err))
	}

	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, vaulterr.New(vaulterr.KindInitialization, "NewONNXEmbedder", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindInitialization, "NewONNXEmbedder", fmt.Errorf("load %s: %w", filepath.Base(modelPath), err))
	}

	e := &ONNXEmbedder{session: session, tok: tok}

	probe, err := e.embedRaw("warm-up probe")
	if err != nil {
		session.Destroy()
		return nil, vaulterr.New(vaulterr.KindInitialization, "NewONNXEmbedder", fmt.Errorf("probe inference: %w", err))
	}
	e.dimension = len(probe)
	log.WithComponent("embedder").Info().Int("dimension", e.dimension).Msg("embedder dimension discovered")
	return e, nil
}

// Dimension returns the probe-discovered output width D.
func (e *ONNXEmbedder) Dimension() int { return e.dimension }

// Embed tokenizes text, runs inference, extracts the CLS-position hidden
// state, and L2-normalizes it. The result's dimension must match the
// probe-discovered D or the call fails with DimensionDrift.
func (e *ONNXEmbedder) Embed(text string) ([]float32, error) {
	vec, err := e.embedRaw(text)
	if err != nil {
		return nil, err
	}
	if e.dimension != 0 && len(vec) != e.dimension {
		return nil, vaulterr.New(vaulterr.KindDimensionDrift, "ONNXEmbedder.Embed", fmt.Errorf("expected dimension %d, got %d", e.dimension, len(vec)))
	}
	return vec, nil
}

func (e *ONNXEmbedder) embedRaw(text string) ([]float32, error) {
	ids, typeIDs, mask, err := e.tok.EncodeSingle(instructionPrefix + text)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindInitialization, "ONNXEmbedder.embedRaw", err)
	}
	seqLen := int64(len(ids))

	inputIDs, err := ort.NewTensor(ort.NewShape(1, seqLen), ids)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindInitialization, "ONNXEmbedder.embedRaw", err)
	}
	defer inputIDs.Destroy()

	attentionMask, err := ort.NewTensor(ort.NewShape(1, seqLen), mask)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindInitialization, "ONNXEmbedder.embedRaw", err)
	}
	defer attentionMask.Destroy()

	tokenTypeIDs, err := ort.NewTensor(ort.NewShape(1, seqLen), typeIDs)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindInitialization, "ONNXEmbedder.embedRaw", err)
	}
	defer tokenTypeIDs.Destroy()

	// The output slot is left nil so the runtime allocates it to the
	// graph's true [1, seq, width] shape; width is then read back from the
	// tensor rather than assumed.
	outputs := []ort.Value{nil}
	e.mu.Lock()
	err = e.session.Run([]ort.Value{inputIDs, attentionMask, tokenTypeIDs}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindInitialization, "ONNXEmbedder.embedRaw", err)
	}

	output, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, vaulterr.New(vaulterr.KindInitialization, "ONNXEmbedder.embedRaw", fmt.Errorf("unexpected output tensor type %T", outputs[0]))
	}
	defer output.Destroy()

	shape := output.GetShape()
	width := int(shape[len(shape)-1])
	hidden := output.GetData()
	if width <= 0 || len(hidden) < width {
		return nil, vaulterr.New(vaulterr.KindDimensionDrift, "ONNXEmbedder.embedRaw", fmt.Errorf("hidden state narrower than reported width %d", width))
	}
	cls := make([]float32, width)
	copy(cls, hidden[:width]) // [CLS] is the first token position

	return l2Normalize(cls)
}

// Close releases the ONNX session.
func (e *ONNXEmbedder) Close() error {
	return e.session.Destroy()
}

// Normalize returns a unit-norm copy of v, failing DegenerateEmbedding on a
// (near-)zero vector. Used by callers that supply their own vectors instead
// of going through an Embedder.
func Normalize(v []float32) ([]float32, error) {
	return l2Normalize(v)
}

// l2Normalize normalizes v to unit length, failing DegenerateEmbedding on a
// (near-)zero vector.
func l2Normalize(v []float32) ([]float32, error) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm < degenerateNormTolerance {
		return nil, vaulterr.New(vaulterr.KindDegenerateEmbedding, "l2Normalize", fmt.Errorf("zero-norm embedding"))
	}

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}

	var check float64
	for _, x := range out {
		check += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(check)-1.0) > normTolerance {
		return nil, vaulterr.New(vaulterr.KindDegenerateEmbedding, "l2Normalize", fmt.Errorf("normalization did not converge to unit norm"))
	}
	return out, nil
}
