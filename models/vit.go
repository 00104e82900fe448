package models

import (
	"fmt"
	"math"

	"github.com/tsawler/go-visage/rng"
	"github.com/tsawler/go-visage/tensor"
	"github.com/tsawler/go-visage/training"
)

// ViTConfig sizes the transformer encoder. The defaults are a compact
// encoder in the vit-tiny family, sized for CPU training.
type ViTConfig struct {
	PatchSize int
	EmbedDim  int
	Depth     int
	Heads     int
	MLPRatio  int
	Dropout   float64
}

// DefaultViTConfig returns the encoder configuration the registry builds.
func DefaultViTConfig() ViTConfig {
	return ViTConfig{
		PatchSize: 16,
		EmbedDim:  192,
		Depth:     6,
		Heads:     3,
		MLPRatio:  4,
		Dropout:   0.1,
	}
}

func (c ViTConfig) validate() error {
	if c.PatchSize < 1 {
		return fmt.Errorf("patch size %d is not positive", c.PatchSize)
	}
	if c.EmbedDim < 1 || c.Depth < 1 || c.MLPRatio < 1 {
		return fmt.Errorf("invalid encoder dimensions: dim %d, depth %d, mlp ratio %d",
			c.EmbedDim, c.Depth, c.MLPRatio)
	}
	if c.Heads < 1 || c.EmbedDim%c.Heads != 0 {
		return fmt.Errorf("embed dim %d is not divisible by %d heads", c.EmbedDim, c.Heads)
	}
	return nil
}

// ViT is a vision transformer: patch embedding, a learned class token with
// position embeddings, pre-norm encoder blocks, and a linear head reading
// the class token.
type ViT struct {
	patchEmbed *training.Conv2D
	classToken *tensor.Tensor // [1, 1, D]
	posEmbed   *tensor.Tensor // [1, tokens, D]
	embedDrop  *training.Dropout
	blocks     []*encoderBlock
	norm       *training.LayerNorm
	head       *training.Linear

	numClasses int
	dim        int
	tokens     int // patches plus the class token
	training   bool
}

// NewViT creates a vision transformer producing cfg.NumClasses logits. The
// input extent must be a multiple of the patch size.
func NewViT(cfg Config, vc ViTConfig) (*ViT, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := vc.validate(); err != nil {
		return nil, err
	}
	if cfg.Width%vc.PatchSize != 0 || cfg.Height%vc.PatchSize != 0 {
		return nil, fmt.Errorf("input extent %dx%d is not a multiple of patch size %d",
			cfg.Width, cfg.Height, vc.PatchSize)
	}

	patches := (cfg.Width / vc.PatchSize) * (cfg.Height / vc.PatchSize)
	tokens := patches + 1

	patchEmbed, err := training.NewConv2D(3, vc.EmbedDim, vc.PatchSize, vc.PatchSize, 0, true, cfg.Source)
	if err != nil {
		return nil, err
	}
	classToken, err := embeddingParam([]int{1, 1, vc.EmbedDim}, cfg.Source)
	if err != nil {
		return nil, err
	}
	posEmbed, err := embeddingParam([]int{1, tokens, vc.EmbedDim}, cfg.Source)
	if err != nil {
		return nil, err
	}
	embedDrop, err := training.NewDropout(vc.Dropout, cfg.Source)
	if err != nil {
		return nil, err
	}

	blocks := make([]*encoderBlock, vc.Depth)
	for i := range blocks {
		if blocks[i], err = newEncoderBlock(vc, cfg.Source); err != nil {
			return nil, err
		}
	}

	norm, err := training.NewLayerNorm(vc.EmbedDim, 1e-6)
	if err != nil {
		return nil, err
	}
	head, err := training.NewLinear(vc.EmbedDim, cfg.NumClasses, true, cfg.Source)
	if err != nil {
		return nil, err
	}

	return &ViT{
		patchEmbed: patchEmbed,
		classToken: classToken,
		posEmbed:   posEmbed,
		embedDrop:  embedDrop,
		blocks:     blocks,
		norm:       norm,
		head:       head,
		numClasses: cfg.NumClasses,
		dim:        vc.EmbedDim,
		tokens:     tokens,
		training:   true,
	}, nil
}

// embeddingParam creates a trainable tensor filled with N(0, 0.02) values,
// the scale used for token and position embeddings.
func embeddingParam(shape []int, src *rng.Source) (*tensor.Tensor, error) {
	size := 1
	for _, d := range shape {
		size *= d
	}
	data := make([]float32, size)
	for i := range data {
		data[i] = float32(src.NormFloat64() * 0.02)
	}
	t, err := tensor.NewTensor(shape, tensor.Float32, data)
	if err != nil {
		return nil, err
	}
	t.SetRequiresGrad(true)
	return t, nil
}

// Forward maps [N, 3, H, W] images to [N, C] logits.
func (v *ViT) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("ViT expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	n := input.Shape[0]

	patched, err := v.patchEmbed.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("patch embedding: %w", err)
	}
	patches := patched.Shape[2] * patched.Shape[3]
	if patches != v.tokens-1 {
		return nil, fmt.Errorf("input yields %d patches, position embeddings hold %d", patches, v.tokens-1)
	}

	// [N, D, gh, gw] -> [N, patches, D]
	x := tensor.ReshapeAutograd(patched, []int{n, v.dim, patches})
	x = tensor.TransposeAutograd(x, 1, 2)

	// Prepend the class token, broadcast over the batch.
	anchor, err := tensor.Zeros([]int{n, 1, v.dim}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	cls := tensor.AddAutograd(anchor, v.classToken)
	x = tensor.ConcatAutograd(1, cls, x)
	x = tensor.AddAutograd(x, v.posEmbed)
	if x, err = v.embedDrop.Forward(x); err != nil {
		return nil, err
	}

	for i, block := range v.blocks {
		if x, err = block.forward(x); err != nil {
			return nil, fmt.Errorf("encoder block %d: %w", i, err)
		}
	}

	if x, err = v.norm.Forward(x); err != nil {
		return nil, err
	}
	clsOut := tensor.SliceAutograd(x, 1, 0, 1)
	clsOut = tensor.ReshapeAutograd(clsOut, []int{n, v.dim})
	return v.head.Forward(clsOut)
}

// Parameters returns the trainable parameters in traversal order.
func (v *ViT) Parameters() []*tensor.Tensor {
	params := v.patchEmbed.Parameters()
	params = append(params, v.classToken, v.posEmbed)
	for _, block := range v.blocks {
		params = append(params, block.parameters()...)
	}
	params = append(params, v.norm.Parameters()...)
	params = append(params, v.head.Parameters()...)
	return params
}

// Train sets the module to training mode
func (v *ViT) Train() {
	v.training = true
	v.embedDrop.Train()
	for _, block := range v.blocks {
		block.setTraining(true)
	}
	v.norm.Train()
	v.head.Train()
}

// Eval sets the module to evaluation mode
func (v *ViT) Eval() {
	v.training = false
	v.embedDrop.Eval()
	for _, block := range v.blocks {
		block.setTraining(false)
	}
	v.norm.Eval()
	v.head.Eval()
}

// IsTraining returns true if in training mode
func (v *ViT) IsTraining() bool { return v.training }

// Name returns the registry name.
func (v *ViT) Name() string { return "vit" }

// NumClasses returns the width of the logit output.
func (v *ViT) NumClasses() int { return v.numClasses }

// encoderBlock is one pre-norm transformer block:
// x + attn(norm1(x)), then x + mlp(norm2(x)).
type encoderBlock struct {
	norm1 *training.LayerNorm
	attn  *selfAttention
	norm2 *training.LayerNorm
	fc1   *training.Linear
	act   *training.GELU
	fc2   *training.Linear
	drop  *training.Dropout
}

func newEncoderBlock(vc ViTConfig, src *rng.Source) (*encoderBlock, error) {
	norm1, err := training.NewLayerNorm(vc.EmbedDim, 1e-6)
	if err != nil {
		return nil, err
	}
	attn, err := newSelfAttention(vc.EmbedDim, vc.Heads, src)
	if err != nil {
		return nil, err
	}
	norm2, err := training.NewLayerNorm(vc.EmbedDim, 1e-6)
	if err != nil {
		return nil, err
	}
	hidden := vc.EmbedDim * vc.MLPRatio
	fc1, err := training.NewLinear(vc.EmbedDim, hidden, true, src)
	if err != nil {
		return nil, err
	}
	fc2, err := training.NewLinear(hidden, vc.EmbedDim, true, src)
	if err != nil {
		return nil, err
	}
	drop, err := training.NewDropout(vc.Dropout, src)
	if err != nil {
		return nil, err
	}

	return &encoderBlock{
		norm1: norm1,
		attn:  attn,
		norm2: norm2,
		fc1:   fc1,
		act:   training.NewGELU(),
		fc2:   fc2,
		drop:  drop,
	}, nil
}

func (b *encoderBlock) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := b.norm1.Forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = b.attn.forward(h); err != nil {
		return nil, err
	}
	x = tensor.AddAutograd(x, h)

	if h, err = b.norm2.Forward(x); err != nil {
		return nil, err
	}
	if h, err = b.fc1.Forward(h); err != nil {
		return nil, err
	}
	if h, err = b.act.Forward(h); err != nil {
		return nil, err
	}
	if h, err = b.fc2.Forward(h); err != nil {
		return nil, err
	}
	if h, err = b.drop.Forward(h); err != nil {
		return nil, err
	}
	return tensor.AddAutograd(x, h), nil
}

func (b *encoderBlock) parameters() []*tensor.Tensor {
	params := b.norm1.Parameters()
	params = append(params, b.attn.parameters()...)
	params = append(params, b.norm2.Parameters()...)
	params = append(params, b.fc1.Parameters()...)
	params = append(params, b.fc2.Parameters()...)
	return params
}

func (b *encoderBlock) setTraining(train bool) {
	modules := []modeSwitcher{b.norm1, b.attn, b.norm2, b.fc1, b.act, b.fc2, b.drop}
	for _, m := range modules {
		if train {
			m.Train()
		} else {
			m.Eval()
		}
	}
}

// modeSwitcher is the mode-setting subset of training.Module.
type modeSwitcher interface {
	Train()
	Eval()
}

// selfAttention is multi-head scaled dot-product attention over [N, T, D]
// token tensors.
type selfAttention struct {
	query *training.Linear
	key   *training.Linear
	value *training.Linear
	proj  *training.Linear

	heads   int
	headDim int
	scale   float32

	training bool
}

func newSelfAttention(dim, heads int, src *rng.Source) (*selfAttention, error) {
	query, err := training.NewLinear(dim, dim, true, src)
	if err != nil {
		return nil, err
	}
	key, err := training.NewLinear(dim, dim, true, src)
	if err != nil {
		return nil, err
	}
	value, err := training.NewLinear(dim, dim, true, src)
	if err != nil {
		return nil, err
	}
	proj, err := training.NewLinear(dim, dim, true, src)
	if err != nil {
		return nil, err
	}

	headDim := dim / heads
	return &selfAttention{
		query:    query,
		key:      key,
		value:    value,
		proj:     proj,
		heads:    heads,
		headDim:  headDim,
		scale:    float32(1.0 / math.Sqrt(float64(headDim))),
		training: true,
	}, nil
}

func (s *selfAttention) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	n, t := x.Shape[0], x.Shape[1]

	q, err := s.query.Forward(x)
	if err != nil {
		return nil, err
	}
	k, err := s.key.Forward(x)
	if err != nil {
		return nil, err
	}
	v, err := s.value.Forward(x)
	if err != nil {
		return nil, err
	}

	// [N, T, D] -> [N, heads, T, headDim]
	q = tensor.TransposeAutograd(tensor.ReshapeAutograd(q, []int{n, t, s.heads, s.headDim}), 1, 2)
	k = tensor.TransposeAutograd(tensor.ReshapeAutograd(k, []int{n, t, s.heads, s.headDim}), 1, 2)
	v = tensor.TransposeAutograd(tensor.ReshapeAutograd(v, []int{n, t, s.heads, s.headDim}), 1, 2)

	scores := tensor.MatMulAutograd(q, tensor.TransposeAutograd(k, 2, 3))
	scores = tensor.ScaleAutograd(scores, s.scale)
	weights := tensor.SoftmaxAutograd(scores)

	out := tensor.MatMulAutograd(weights, v)
	out = tensor.TransposeAutograd(out, 1, 2)
	out = tensor.ReshapeAutograd(out, []int{n, t, s.heads * s.headDim})
	return s.proj.Forward(out)
}

func (s *selfAttention) parameters() []*tensor.Tensor {
	params := s.query.Parameters()
	params = append(params, s.key.Parameters()...)
	params = append(params, s.value.Parameters()...)
	params = append(params, s.proj.Parameters()...)
	return params
}

func (s *selfAttention) Train() { s.training = true }
func (s *selfAttention) Eval()  { s.training = false }
