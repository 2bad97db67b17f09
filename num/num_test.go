package num

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 6)
	if typ := x.Dtype(); typ != Float32 {
		t.Error("dtype invalid: got", typ)
	}
	x = x.Reshape(2, -1)
	if dim := x.Dims(); !reflect.DeepEqual(dim, []int{2, 3}) {
		t.Error("dims invalid: got", dim)
	}
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, xd) {
		t.Error("got", res, "expect", xd)
	}
	t.Logf("x\n%s", x)
}

func TestCopy(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 3)
	res := make([]float32, 6)
	q.Call(
		Write(y, []float32{3, 2, 1}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	expect := []float32{3, 2, 1, 3, 2, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestOnehot(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	y := dev.NewArray(Int32, 4)
	y1h := dev.NewArray(Float32, 4, 3)
	res := make([]float32, 12)
	vec := []int32{2, 1, 0, 2}
	q.Call(
		Write(y, vec),
		Onehot(y, y1h, 3),
		Read(y1h, res),
	).Finish()
	t.Logf("y1hot %s\n%s", y, y1h)
	expect := []float32{0, 0, 1, 0, 1, 0, 1, 0, 0, 0, 0, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	res2 := make([]int32, 4)
	q.Call(
		Fill(y, 0),
		Unhot(y1h, y),
		Read(y, res2),
	).Finish()
	if !reflect.DeepEqual(res2, vec) {
		t.Error("got", res2, "expect", vec)
	}
}

func TestNeq(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Int32, 4)
	y := dev.NewArray(Int32, 4)
	z := dev.NewArray(Int32, 4)
	total := dev.NewArray(Float32)
	res := make([]float32, 1)
	q.Call(
		Write(x, []int32{1, 2, 3, 4}),
		Write(y, []int32{1, 0, 3, 0}),
		Neq(x, y, z),
		Sum(z, total, 1),
		Read(total, res),
	).Finish()
	if res[0] != 2 {
		t.Error("got", res[0], "expect", 2)
	}
}

func TestAxpy(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 2, 3)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Write(y, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}),
		Axpy(2, x, y),
		Read(y, res),
	).Finish()
	expect := []float32{2.5, 2.5, 4.5, 4.5, 6.5, 6.5}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestSum(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	sum := dev.NewArray(Float32)
	res := make([]float32, 1)
	q.Call(
		Write(x, []float32{1, 2, 3, 4, 5, 6}),
		Sum(x, sum, 1.0/6.0),
		Read(sum, res),
	).Finish()
	if res[0] != 3.5 {
		t.Error("got", res[0], "expect", 3.5)
	}
}

func TestGemm(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 3, 2)
	z := dev.NewArray(Float32, 2, 2)
	q.Call(Write(x, []float32{1, 2, 3, 4, 5, 6}))
	res := make([]float32, 4)
	for _, trans := range []TransType{NoTrans, Trans} {
		if trans == Trans {
			y = y.Reshape(2, 3)
			q.Call(Write(y, []float32{7, 9, 11, 8, 10, 12}))
		} else {
			q.Call(Write(y, []float32{7, 8, 9, 10, 11, 12}))
		}
		q.Call(
			Gemm(1, 0, x, y, z, NoTrans, trans),
			Read(z, res),
		).Finish()
		expect := []float32{58, 64, 139, 154}
		if !reflect.DeepEqual(res, expect) {
			t.Error("got", res, "expect", expect)
		}
	}
}

func TestSoftmax(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 2, 3)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 1, 0, 0, 100}),
		Softmax(x, y),
		Read(y, res),
	).Finish()
	for i := 0; i < 3; i++ {
		if abs(res[i]-1.0/3) > 1e-6 {
			t.Error("row 0 got", res[:3])
		}
	}
	if abs(res[5]-1) > 1e-6 {
		t.Error("row 1 got", res[3:])
	}
}

func TestProfile(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(2)
	q.Profiling(true)
	x := dev.NewArray(Float32, 10)
	q.Call(Fill(x, 1), Scale(2, x), Scale(2, x)).Finish()
	if got := x.Float32s()[9]; got != 4 {
		t.Error("got", got, "expect", 4)
	}
	t.Logf("\n%s", q.Profile())
}

func abs(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func randSlice(n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = float32(rand.Intn(20))
	}
	return res
}

func BenchmarkGemm(b *testing.B) {
	size := 100
	dev := NewDevice()
	q := dev.NewQueue(4)
	x := dev.NewArray(Float32, size, size)
	y := dev.NewArray(Float32, size, size)
	z := dev.NewArray(Float32, size, size)
	q.Call(
		Write(x, randSlice(size*size)),
		Write(y, randSlice(size*size)),
	).Finish()
	for i := 0; i < b.N; i++ {
		q.Call(Gemm(1, 0, x, y, z, NoTrans, NoTrans)).Finish()
	}
}

func TestAdamUpdate(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	w := dev.NewArray(Float32, 2)
	dw := dev.NewArray(Float32, 2)
	m := dev.NewArray(Float32, 2)
	v := dev.NewArray(Float32, 2)
	q.Call(
		Write(w, []float32{1, -1}),
		Write(dw, []float32{0.5, -2}),
		AdamUpdate(w, dw, m, v, 0.1, 0.9, 0.999, 1e-8, 0, 1),
	).Finish()
	// first step moves each weight by eta in the direction opposite the gradient sign
	res := w.Float32s()
	if abs(res[0]-0.9) > 1e-5 || abs(res[1]+0.9) > 1e-5 {
		t.Errorf("adam update: got %v", res)
	}
}
