package codec

import "sync"

var floatPool = sync.Pool{
	New: func() interface{} {
		b := make([]float32, 0, VectorSize)
		return &b
	},
}

// GetFloatBuffer returns a pooled float32 slice with length n.
func GetFloatBuffer(n int) *[]float32 {
	p := floatPool.Get().(*[]float32)
	if cap(*p) < n {
		*p = make([]float32, n)
	}
	*p = (*p)[:n]
	return p
}

func PutFloatBuffer(b *[]float32) {
	floatPool.Put(b)
}

// ObservationToFloat32 flattens obs into a pooled buffer suitable for ONNX
// input. Caller must return it with PutFloatBuffer.
func ObservationToFloat32(obs Observation) *[]float32 {
	n := len(obs.Vector)
	if obs.Raster != nil {
		n = len(obs.Raster.Pix)
	}
	p := GetFloatBuffer(n)
	*p = obs.Tensor(*p)
	return p
}
