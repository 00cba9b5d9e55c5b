package interp

import (
	"github.com/pkg/errors"

	"github.com/gomlx/go-edgeir/graph"
)

// evalConvolution implements the general convolution operator for 1-D and
// 2-D spatial inputs, with stride, padding, dilation, and groups. Transposed
// convolution is not needed by any lowering this repo ships and is rejected.
func (e *Evaluator) evalConvolution(n *graph.Node, in func(int) (*graph.Tensor, error)) (*graph.Tensor, error) {
	input, err := in(graph.ConvArgInput)
	if err != nil {
		return nil, err
	}
	weight, err := in(graph.ConvArgWeight)
	if err != nil {
		return nil, err
	}
	var bias []float32
	if !n.Arg(graph.ConvArgBias).IsNone() {
		biasT, err := in(graph.ConvArgBias)
		if err != nil {
			return nil, err
		}
		bias, err = biasT.Float32s()
		if err != nil {
			return nil, err
		}
	}
	if n.Arg(graph.ConvArgTransposed).Bool() {
		return nil, errors.New("transposed convolution is not supported by the evaluator")
	}

	x, err := input.Float32s()
	if err != nil {
		return nil, err
	}
	w, err := weight.Float32s()
	if err != nil {
		return nil, err
	}

	inDims := input.Dimensions()
	wDims := weight.Dimensions()
	spatial := len(inDims) - 2
	if spatial < 1 || spatial > 2 {
		return nil, errors.Errorf("evaluator supports 1-D and 2-D convolution, input has %d spatial dims", spatial)
	}
	stride := intSlice(n.Arg(graph.ConvArgStride).Ints())
	padding := intSlice(n.Arg(graph.ConvArgPadding).Ints())
	dilation := intSlice(n.Arg(graph.ConvArgDilation).Ints())
	groups := int(n.Arg(graph.ConvArgGroups).Int())
	if len(stride) != spatial || len(padding) != spatial || len(dilation) != spatial {
		return nil, errors.Errorf("stride/padding/dilation lengths do not match %d spatial dims", spatial)
	}
	if groups < 1 || inDims[1]%groups != 0 || wDims[0]%groups != 0 {
		return nil, errors.Errorf("invalid groups %d for %d input and %d output channels",
			groups, inDims[1], wDims[0])
	}

	batch, inChannels, outChannels := inDims[0], inDims[1], wDims[0]
	kernel := wDims[2:]
	outSpatial := make([]int, spatial)
	for i := 0; i < spatial; i++ {
		effective := dilation[i]*(kernel[i]-1) + 1
		outSpatial[i] = (inDims[i+2]+2*padding[i]-effective)/stride[i] + 1
		if outSpatial[i] < 1 {
			return nil, errors.Errorf("convolution spatial dim %d collapses to %d", i, outSpatial[i])
		}
	}

	inPerChannel := product(inDims[2:])
	kernelSize := product(kernel)
	outPerChannel := product(outSpatial)
	channelsPerGroup := inChannels / groups
	outChannelsPerGroup := outChannels / groups
	inStrides := rowMajorStrides(inDims[2:])
	kStrides := rowMajorStrides(kernel)

	out := make([]float32, batch*outChannels*outPerChannel)
	outPos := make([]int, spatial)
	kPos := make([]int, spatial)
	for b := 0; b < batch; b++ {
		for oc := 0; oc < outChannels; oc++ {
			group := oc / outChannelsPerGroup
			for i := range outPos {
				outPos[i] = 0
			}
			for outFlat := 0; outFlat < outPerChannel; outFlat++ {
				var sum float32
				for i := range kPos {
					kPos[i] = 0
				}
				for kFlat := 0; kFlat < kernelSize; kFlat++ {
					// Input coordinate for this kernel tap; taps landing in
					// the padding contribute zero.
					inside := true
					inOffset := 0
					for d := 0; d < spatial; d++ {
						coord := outPos[d]*stride[d] - padding[d] + kPos[d]*dilation[d]
						if coord < 0 || coord >= inDims[d+2] {
							inside = false
							break
						}
						inOffset += coord * inStrides[d]
					}
					if inside {
						for ic := 0; ic < channelsPerGroup; ic++ {
							xIdx := (b*inChannels+group*channelsPerGroup+ic)*inPerChannel + inOffset
							wIdx := (oc*channelsPerGroup+ic)*kernelSize + dot(kPos, kStrides)
							sum += x[xIdx] * w[wIdx]
						}
					}
					advance(kPos, kernel)
				}
				if bias != nil {
					sum += bias[oc]
				}
				out[(b*outChannels+oc)*outPerChannel+outFlat] = sum
				advance(outPos, outSpatial)
			}
		}
	}

	outDims := append([]int{batch, outChannels}, outSpatial...)
	return graph.NewTensor(out, outDims...)
}

// advance increments a multi-dimensional odometer in row-major order.
func advance(pos, dims []int) {
	for d := len(pos) - 1; d >= 0; d-- {
		pos[d]++
		if pos[d] < dims[d] {
			return
		}
		pos[d] = 0
	}
}

func dot(a, b []int) int {
	sum := 0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

func intSlice(v []int64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}
