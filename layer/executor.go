// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layer

import (
	"fmt"

	"github.com/cogentcore/gpuinfer/config"
	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/gpuinfer/kvcache"
	"github.com/cogentcore/gpuinfer/moe"
	"github.com/cogentcore/gpuinfer/moe/expertloader"
	"github.com/cogentcore/gpuinfer/ops"
	"github.com/cogentcore/gpuinfer/weightstore"
)

// mxfp4BlockSize is the GPT-OSS-style MXFP4 block size: each scale covers
// this many packed weight elements.
const mxfp4BlockSize = 32

// Executor runs the per-layer forward pass for one model: the attention
// and FFN sub-pipelines described by a layer's resolved Plan, sharing one
// kernel set, weight store, and KV cache across every layer and step.
type Executor struct {
	ks    *ops.KernelSet
	cfg   *config.ModelConfig
	store weightstore.Store
	cache *kvcache.Cache

	moeDispatch *moe.Dispatcher
	dequantCache *moe.DequantCache
}

// NewExecutor builds an Executor. moeDispatch is nil for dense-only models.
func NewExecutor(ks *ops.KernelSet, cfg *config.ModelConfig, store weightstore.Store, cache *kvcache.Cache, moeDispatch *moe.Dispatcher) *Executor {
	dequantEntries := 0
	if cfg.MoE != nil {
		dequantEntries = cfg.MoE.DequantCacheEntries
	}
	return &Executor{
		ks: ks, cfg: cfg, store: store, cache: cache,
		moeDispatch: moeDispatch, dequantCache: moe.NewDequantCache(dequantEntries),
	}
}

// Forward runs one layer's attention and FFN sub-pipelines over x (shape
// [n_tokens, hidden_size]) and returns the updated residual stream.
func (e *Executor) Forward(d gpu.Dispatcher, plan *Plan, x *gpu.Tensor, startPos, nTokens int) (*gpu.Tensor, error) {
	attnDelta, attnFused, err := e.attentionBlock(d, plan, x, startPos, nTokens)
	if err != nil {
		return nil, fmt.Errorf("layer %d: attention: %w", plan.Layer, err)
	}
	h := attnDelta
	if !attnFused {
		h, err = e.ks.ResidualAdd(d, x, attnDelta)
		if err != nil {
			return nil, fmt.Errorf("layer %d: attention residual: %w", plan.Layer, err)
		}
	}

	ffnDelta, ffnFused, err := e.ffnBlock(d, plan, h, nTokens)
	if err != nil {
		return nil, fmt.Errorf("layer %d: ffn: %w", plan.Layer, err)
	}
	if ffnFused {
		return ffnDelta, nil
	}
	out, err := e.ks.ResidualAdd(d, h, ffnDelta)
	if err != nil {
		return nil, fmt.Errorf("layer %d: ffn residual: %w", plan.Layer, err)
	}
	return out, nil
}

func missingWeight(layer int, name string) error {
	return fmt.Errorf("missing mandatory weight %q", name)
}

// attentionBlock runs the attention block's forward steps. The returned bool
// reports whether the result already has the residual folded in (the
// decode-only fused matmul+residual fast path).
func (e *Executor) attentionBlock(d gpu.Dispatcher, plan *Plan, x *gpu.Tensor, startPos, nTokens int) (*gpu.Tensor, bool, error) {
	inputNormW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.InputNorm))
	if !ok {
		return nil, false, missingWeight(plan.Layer, weightstore.InputNorm)
	}
	normed, err := e.ks.RMSNorm(d, x, inputNormW, e.cfg.RMSNormEps, e.cfg.RMSNormWeightOffset)
	if err != nil {
		return nil, false, err
	}

	q, k, v, err := e.qkv(d, plan, normed)
	if err != nil {
		return nil, false, err
	}

	if qNormW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.QNorm)); ok {
		if q, err = e.ks.RMSNorm(d, q, qNormW, e.cfg.RMSNormEps, e.cfg.RMSNormWeightOffset); err != nil {
			return nil, false, err
		}
	}
	if kNormW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.KNorm)); ok {
		if k, err = e.ks.RMSNorm(d, k, kNormW, e.cfg.RMSNormEps, e.cfg.RMSNormWeightOffset); err != nil {
			return nil, false, err
		}
	}

	theta := e.cfg.RoPETheta
	if plan.Attention == config.SlidingAttention && e.cfg.RoPELocalTheta != 0 {
		theta = e.cfg.RoPELocalTheta
	}
	if err := e.ks.RoPE(d, q, ops.RoPEParams{NHeads: e.cfg.NumHeads, HeadDim: e.cfg.HeadDim, StartPos: startPos, Theta: theta}); err != nil {
		return nil, false, err
	}
	if err := e.ks.RoPE(d, k, ops.RoPEParams{NHeads: e.cfg.NumKVHeads, HeadDim: e.cfg.HeadDim, StartPos: startPos, Theta: theta}); err != nil {
		return nil, false, err
	}

	kCache, err := e.ks.CastF16F32(d, k, e.cache.DType())
	if err != nil {
		return nil, false, err
	}
	vCache, err := e.ks.CastF16F32(d, v, e.cache.DType())
	if err != nil {
		return nil, false, err
	}
	if err := e.writeCache(d, plan.Layer, kCache, vCache, startPos, nTokens); err != nil {
		return nil, false, err
	}

	seqLen := startPos + nTokens
	windowStart := 0
	if plan.Attention == config.SlidingAttention && e.cfg.SlidingWindowSize > 0 {
		windowStart = windowBound(seqLen, e.cfg.SlidingWindowSize)
	}
	keys, values := e.cache.Layer(plan.Layer)
	attnOut, err := e.ks.Attention(d, q, keys, values, ops.AttentionParams{
		NHeads: e.cfg.NumHeads, HeadDim: e.cfg.HeadDim, SeqLen: seqLen, WindowStart: windowStart,
		QueryScale: e.cfg.QueryScale(), Softcap: e.cfg.AttentionSoftcap, UseSoftcap: e.cfg.AttentionSoftcap > 0,
	})
	if err != nil {
		return nil, false, err
	}

	oW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.OProj))
	if !ok {
		return nil, false, missingWeight(plan.Layer, weightstore.OProj)
	}

	if plan.EligibleFusedOutputResidual && nTokens == 1 {
		h, err := e.ks.MatMulResidual(d, attnOut, oW, x, ops.TransposeAuto)
		return h, true, err
	}

	proj, err := e.matmulLoRA(d, attnOut, oW, weightstore.OProj, plan.Layer)
	if err != nil {
		return nil, false, err
	}
	if plan.Norm == NormSandwich {
		if postAttnW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.PostAttnNorm)); ok {
			if proj, err = e.ks.RMSNorm(d, proj, postAttnW, e.cfg.RMSNormEps, e.cfg.RMSNormWeightOffset); err != nil {
				return nil, false, err
			}
		}
	}
	return proj, false, nil
}

func (e *Executor) writeCache(d gpu.Dispatcher, layer int, k, v *gpu.Tensor, startPos, nTokens int) error {
	if rd, ok := d.(*gpu.Recording); ok {
		return e.cache.RecordUpdateFromGPU(rd.Rec, e.ks.CacheWrite, layer, k, v, startPos, nTokens)
	}
	return e.cache.UpdateFromGPU(d, e.ks.CacheWrite, layer, k, v, startPos, nTokens)
}

// windowBound returns the earliest retained position for a sliding-window
// attention dispatch at the given (not-yet-advanced) sequence length.
func windowBound(seqLen, windowSize int) int {
	if seqLen <= windowSize {
		return 0
	}
	return seqLen - windowSize
}

// qkv resolves Q/K/V per the layer's QKVVariant.
func (e *Executor) qkv(d gpu.Dispatcher, plan *Plan, normed *gpu.Tensor) (q, k, v *gpu.Tensor, err error) {
	qSize := e.cfg.NumHeads * e.cfg.HeadDim
	kvSize := e.cfg.NumKVHeads * e.cfg.HeadDim

	switch plan.QKV {
	case QKVFused:
		qkvW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.QKVProj))
		if !ok {
			return nil, nil, nil, missingWeight(plan.Layer, weightstore.QKVProj)
		}
		fused, err := e.ks.MatMul(d, normed, qkvW, ops.TransposeAuto)
		if err != nil {
			return nil, nil, nil, err
		}
		return e.ks.SplitQKV(d, fused, qSize, kvSize, kvSize)

	case QKVLoRA:
		qW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.QProj))
		if !ok {
			return nil, nil, nil, missingWeight(plan.Layer, weightstore.QProj)
		}
		kW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.KProj))
		if !ok {
			return nil, nil, nil, missingWeight(plan.Layer, weightstore.KProj)
		}
		vW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.VProj))
		if !ok {
			return nil, nil, nil, missingWeight(plan.Layer, weightstore.VProj)
		}
		if q, err = e.matmulLoRA(d, normed, qW, weightstore.QProj, plan.Layer); err != nil {
			return nil, nil, nil, err
		}
		if k, err = e.matmulLoRA(d, normed, kW, weightstore.KProj, plan.Layer); err != nil {
			return nil, nil, nil, err
		}
		if v, err = e.matmulLoRA(d, normed, vW, weightstore.VProj, plan.Layer); err != nil {
			return nil, nil, nil, err
		}
		return q, k, v, nil

	default: // QKVSeparate
		qW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.QProj))
		if !ok {
			return nil, nil, nil, missingWeight(plan.Layer, weightstore.QProj)
		}
		kW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.KProj))
		if !ok {
			return nil, nil, nil, missingWeight(plan.Layer, weightstore.KProj)
		}
		vW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.VProj))
		if !ok {
			return nil, nil, nil, missingWeight(plan.Layer, weightstore.VProj)
		}
		if q, err = e.ks.MatMul(d, normed, qW, ops.TransposeAuto); err != nil {
			return nil, nil, nil, err
		}
		if k, err = e.ks.MatMul(d, normed, kW, ops.TransposeAuto); err != nil {
			return nil, nil, nil, err
		}
		if v, err = e.ks.MatMul(d, normed, vW, ops.TransposeAuto); err != nil {
			return nil, nil, nil, err
		}
		return q, k, v, nil
	}
}

// matmulLoRA computes base(x) and, if a LoRA adapter is present for this
// projection, adds its low-rank correction x·A·B.
func (e *Executor) matmulLoRA(d gpu.Dispatcher, x *gpu.Tensor, base *gpu.WeightBuffer, suffix string, layer int) (*gpu.Tensor, error) {
	out, err := e.ks.MatMul(d, x, base, ops.TransposeAuto)
	if err != nil {
		return nil, err
	}
	aW, ok := e.store.Get(weightstore.LayerKey(layer, weightstore.LoRASuffix(suffix, "a")))
	if !ok {
		return out, nil
	}
	bW, ok := e.store.Get(weightstore.LayerKey(layer, weightstore.LoRASuffix(suffix, "b")))
	if !ok {
		return out, nil
	}
	low, err := e.ks.MatMul(d, x, aW, ops.TransposeAuto)
	if err != nil {
		return nil, err
	}
	delta, err := e.ks.MatMul(d, low, bW, ops.TransposeAuto)
	if err != nil {
		return nil, err
	}
	return e.ks.ResidualAdd(d, out, delta)
}

// ffnBlock runs the FFN sub-pipeline (dense or MoE) and reports whether
// the residual has already been folded in.
func (e *Executor) ffnBlock(d gpu.Dispatcher, plan *Plan, x *gpu.Tensor, nTokens int) (*gpu.Tensor, bool, error) {
	var normSuffix string
	if plan.Norm == NormSandwich {
		normSuffix = weightstore.PreFFNNorm
	} else {
		normSuffix = weightstore.PostAttnNorm // doubles as the pre-FFN norm on standard models
	}
	normW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, normSuffix))
	if !ok {
		return nil, false, missingWeight(plan.Layer, normSuffix)
	}
	normed, err := e.ks.RMSNorm(d, x, normW, e.cfg.RMSNormEps, e.cfg.RMSNormWeightOffset)
	if err != nil {
		return nil, false, err
	}

	if plan.FFN == FFNMoE {
		out, err := e.ffnMoE(d, plan, normed)
		if err != nil {
			return nil, false, err
		}
		if plan.Norm == NormSandwich {
			if postW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.PostFFNNorm)); ok {
				if out, err = e.ks.RMSNorm(d, out, postW, e.cfg.RMSNormEps, e.cfg.RMSNormWeightOffset); err != nil {
					return nil, false, err
				}
			}
		}
		return out, false, nil
	}

	return e.ffnDense(d, plan, normed, x, nTokens)
}

func (e *Executor) ffnDense(d gpu.Dispatcher, plan *Plan, normed, residual *gpu.Tensor, nTokens int) (*gpu.Tensor, bool, error) {
	switch plan.GateUp {
	case GateUpFused:
		gateUpW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.GateUpProj))
		if !ok {
			return nil, false, missingWeight(plan.Layer, weightstore.GateUpProj)
		}
		proj, err := e.ks.MatMul(d, normed, gateUpW, ops.TransposeAuto)
		if err != nil {
			return nil, false, err
		}
		act, err := e.ks.SiLURowSplit(d, proj, e.cfg.IntermediateSize, e.cfg.Activation)
		if err != nil {
			return nil, false, err
		}
		return e.denseDown(d, act, plan, residual, nTokens)

	default: // GateUpFusedActivation, GateUpSeparate: both run as two matmuls + ActivationGate
		gateW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.GateProj))
		if !ok {
			return nil, false, missingWeight(plan.Layer, weightstore.GateProj)
		}
		upW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.UpProj))
		if !ok {
			return nil, false, missingWeight(plan.Layer, weightstore.UpProj)
		}
		gate, err := e.ks.MatMul(d, normed, gateW, ops.TransposeAuto)
		if err != nil {
			return nil, false, err
		}
		up, err := e.ks.MatMul(d, normed, upW, ops.TransposeAuto)
		if err != nil {
			return nil, false, err
		}
		act, err := e.ks.ActivationGate(d, gate, up, e.cfg.Activation)
		if err != nil {
			return nil, false, err
		}
		return e.denseDown(d, act, plan, residual, nTokens)
	}
}

// denseDown runs the down projection, taking the decode-only fused
// down+RMSNorm+residual fast path when the layer is eligible for it.
func (e *Executor) denseDown(d gpu.Dispatcher, act *gpu.Tensor, plan *Plan, residual *gpu.Tensor, nTokens int) (*gpu.Tensor, bool, error) {
	downW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.DownProj))
	if !ok {
		return nil, false, missingWeight(plan.Layer, weightstore.DownProj)
	}

	if plan.EligibleFusedDownNormResidual && nTokens == 1 && act.DType == gpu.F32 && downW.DType == gpu.F32 {
		if postW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.PostFFNNorm)); ok {
			h, err := e.ks.MatMulRMSNormResidual(d, act, downW, postW, residual, e.cfg.RMSNormEps)
			return h, true, err
		}
	}

	out, err := e.ks.MatMul(d, act, downW, ops.TransposeAuto)
	if err != nil {
		return nil, false, err
	}
	if plan.Norm == NormSandwich {
		if postW, ok := e.store.Get(weightstore.LayerKey(plan.Layer, weightstore.PostFFNNorm)); ok {
			if out, err = e.ks.RMSNorm(d, out, postW, e.cfg.RMSNormEps, e.cfg.RMSNormWeightOffset); err != nil {
				return nil, false, err
			}
		}
	}
	return out, false, nil
}

// ffnMoE delegates to the MoE dispatcher, supplying a per-expert executor
// closure that runs the expert's dense or MXFP4 FFN math.
func (e *Executor) ffnMoE(d gpu.Dispatcher, plan *Plan, x *gpu.Tensor) (*gpu.Tensor, error) {
	if e.moeDispatch == nil {
		return nil, fmt.Errorf("layer %d: MoE FFN requested but no dispatcher configured", plan.Layer)
	}
	gateKey, biasKey := moe.RouterWeights(plan.Layer)
	gateW, ok := e.store.Get(gateKey)
	if !ok {
		return nil, missingWeight(plan.Layer, gateKey)
	}
	biasW, _ := e.store.Get(biasKey)

	layer := plan.Layer
	exec := func(d gpu.Dispatcher, expert int, w *expertloader.ExpertWeights, in *gpu.Tensor) (*gpu.Tensor, error) {
		return e.runExpertFFN(d, layer, expert, w, in)
	}
	return e.moeDispatch.Forward(d, layer, x, gateW, biasW, exec)
}

func (e *Executor) runExpertFFN(d gpu.Dispatcher, layer, expert int, w *expertloader.ExpertWeights, in *gpu.Tensor) (*gpu.Tensor, error) {
	if w.Dense != nil {
		return e.denseExpertFFN(d, w.Dense, in)
	}
	return e.mxfp4ExpertFFN(d, layer, expert, w.MXFP4, in)
}

func (e *Executor) denseExpertFFN(d gpu.Dispatcher, w *expertloader.DenseExpert, in *gpu.Tensor) (*gpu.Tensor, error) {
	gate, err := e.ks.MatMul(d, in, w.Gate, ops.TransposeAuto)
	if err != nil {
		return nil, err
	}
	up, err := e.ks.MatMul(d, in, w.Up, ops.TransposeAuto)
	if err != nil {
		return nil, err
	}
	act, err := e.ks.ActivationGate(d, gate, up, e.cfg.Activation)
	if err != nil {
		return nil, err
	}
	return e.ks.MatMul(d, act, w.Down, ops.TransposeAuto)
}

func (e *Executor) mxfp4ExpertFFN(d gpu.Dispatcher, layer, expert int, w *expertloader.MXFP4Expert, in *gpu.Tensor) (*gpu.Tensor, error) {
	hidden := e.cfg.HiddenSize
	gateUpW, err := e.dequant(d, layer, expert, "gate_up", w.GateUpBlocks, w.GateUpScales, in.DType, gpu.Shape{hidden, 2 * e.cfg.IntermediateSize})
	if err != nil {
		return nil, err
	}
	proj, err := e.ks.MatMul(d, in, gateUpW, ops.TransposeAuto)
	if err != nil {
		return nil, err
	}
	if w.Bias != nil {
		if proj, err = e.ks.BiasAdd(d, proj, w.Bias); err != nil {
			return nil, err
		}
	}
	act, err := e.ks.SiLURowSplit(d, proj, e.cfg.IntermediateSize, e.cfg.Activation)
	if err != nil {
		return nil, err
	}

	downW, err := e.dequant(d, layer, expert, "down", w.DownBlocks, w.DownScales, in.DType, gpu.Shape{e.cfg.IntermediateSize, hidden})
	if err != nil {
		return nil, err
	}
	out, err := e.ks.MatMul(d, act, downW, ops.TransposeAuto)
	if err != nil {
		return nil, err
	}
	if w.DownBias != nil {
		out, err = e.ks.BiasAdd(d, out, w.DownBias)
	}
	return out, err
}

// dequant returns the cached dequantised weight for (layer, expert, which),
// dequantising and caching it on first use, and reshapes it to the logical
// weight-matrix shape the subsequent matmul expects.
func (e *Executor) dequant(d gpu.Dispatcher, layer, expert int, which string, blocks, scales *gpu.WeightBuffer, outDType gpu.DType, shape gpu.Shape) (*gpu.WeightBuffer, error) {
	key := moe.DequantKey{Layer: layer, Expert: expert, Which: which, OutDType: outDType}
	if t, ok := e.dequantCache.Get(key); ok {
		return asWeightBuffer(t, shape), nil
	}
	numBlocks := blocks.Shape.NumElements() / mxfp4BlockSize
	t, err := e.ks.DequantizeMXFP4(d, blocks, scales, mxfp4BlockSize, numBlocks, outDType)
	if err != nil {
		return nil, err
	}
	e.dequantCache.Put(d.Device().Pool, key, t)
	return asWeightBuffer(t, shape), nil
}

func asWeightBuffer(t *gpu.Tensor, shape gpu.Shape) *gpu.WeightBuffer {
	return &gpu.WeightBuffer{Buffer: t.Buffer, DType: t.DType, Layout: gpu.RowMajor, Shape: shape}
}
