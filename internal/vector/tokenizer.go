package vector

import (
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/ryanwillie/mimirvaultd/internal/vaulterr"
)

// SugarmeTokenizer adapts github.com/sugarme/tokenizer to the minimal
// tokenizer interface ONNXEmbedder needs.
type SugarmeTokenizer struct {
	inner *tokenizer.Tokenizer
}

// NewSugarmeTokenizer loads a HuggingFace-format tokenizer.json from path.
func NewSugarmeTokenizer(path string) (*SugarmeTokenizer, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindInitialization, "NewSugarmeTokenizer", err)
	}
	return &SugarmeTokenizer{inner: tk}, nil
}

// EncodeSingle tokenizes text and returns parallel int64 id/type/mask slices
// suitable for feeding directly into an ONNX tensor.
func (t *SugarmeTokenizer) EncodeSingle(text string) (ids, typeIDs, attentionMask []int64, err error) {
	enc, err := t.inner.EncodeSingle(text, true)
	if err != nil {
		return nil, nil, nil, vaulterr.New(vaulterr.KindInitialization, "SugarmeTokenizer.EncodeSingle", err)
	}

	n := len(enc.Ids)
	ids = make([]int64, n)
	typeIDs = make([]int64, n)
	attentionMask = make([]int64, n)
	for i := 0; i < n; i++ {
		ids[i] = int64(enc.Ids[i])
		typeIDs[i] = int64(enc.TypeIds[i])
		attentionMask[i] = int64(enc.AttentionMask[i])
	}
	return ids, typeIDs, attentionMask, nil
}
