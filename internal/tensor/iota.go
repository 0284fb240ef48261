package tensor

// Iota fills t with 1, 2, ..., max, 1, 2, ... and rounds to the tensor's
// DType. This is the input convention of the kernel test harness: small
// integers keep products exact for as long as possible.
func Iota(t *Tensor, max int) *Tensor {
	return IotaAffine(t, max, 0, 1)
}

// IotaCentered is Iota shifted down by center, giving signed inputs.
func IotaCentered(t *Tensor, max int, center float64) *Tensor {
	return IotaAffine(t, max, center, 1)
}

// IotaAffine fills t with (iota - offset) * scale, for inputs that need a
// sign change or a narrow range (exp, tanh) without collapsing to a constant.
func IotaAffine(t *Tensor, max int, offset, scale float64) *Tensor {
	if max < 1 {
		max = 1
	}
	for i := range t.Data {
		t.Data[i] = (float64(i%max+1) - offset) * scale
	}
	return t.RoundTo()
}

// Fill sets every element to v.
func Fill(t *Tensor, v float64) *Tensor {
	for i := range t.Data {
		t.Data[i] = v
	}
	return t.RoundTo()
}
