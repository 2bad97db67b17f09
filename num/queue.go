package num

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const queueSize = 64

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue(threads int) Queue
	// Allocate new n dimensional array
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
	// Create new layers
	ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer
	MaxPoolLayer(inShape []int, size, stride int) Layer
	BatchNormLayer(inShape []int, momentum, epsilon float64) Layer
}

// NewDevice returns the CPU device.
func NewDevice() Device {
	return cpuDevice{}
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Number of worker goroutines used by batch kernels
	Threads() int
	// Asyncronous function call
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Enable profiling
	Profiling(on bool)
	Profile() string
}

// Function which may be called via the queue
type Function struct {
	name string
	call func(threads int)
}

func newFunction(name string, call func(threads int)) Function {
	return Function{name: name, call: call}
}

type cpuDevice struct{}

func (d cpuDevice) NewArray(dtype DataType, dims ...int) Array {
	return newArray(dtype, dims)
}

func (d cpuDevice) NewArrayLike(a Array) Array {
	return newArray(a.Dtype(), a.Dims())
}

func (d cpuDevice) NewQueue(threads int) Queue {
	if threads < 1 {
		threads = runtime.NumCPU()
	}
	return &cpuQueue{cpuDevice: d, threads: threads, profile: newProfile()}
}

type cpuQueue struct {
	cpuDevice
	threads int
	buffer  []Function
	*profile
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) Threads() int { return q.threads }

func (q *cpuQueue) exec() {
	for _, f := range q.buffer {
		if q.profile.enabled {
			start := time.Now()
			f.call(q.threads)
			q.profile.add(f.name, time.Since(start))
		} else {
			f.call(q.threads)
		}
	}
	q.buffer = q.buffer[:0]
}

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if len(q.buffer) >= queueSize {
			q.exec()
		}
		q.buffer = append(q.buffer, arg)
	}
	return q
}

func (q *cpuQueue) Finish() {
	if len(q.buffer) > 0 {
		q.exec()
	}
}

func (q *cpuQueue) Shutdown() {
	q.Finish()
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
}

type profileRec struct {
	name  string
	calls int64
	msec  float64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(name string, elapsed time.Duration) {
	r := p.prof[name]
	r.name = name
	r.calls++
	r.msec += float64(elapsed) / float64(time.Millisecond)
	p.prof[name] = r
}

func (p *profile) Profile() string {
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	totalCalls := int64(0)
	totalMsec := 0.0
	s := []string{}
	for _, r := range list {
		s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", r.name, r.calls, r.msec))
		totalCalls += r.calls
		totalMsec += r.msec
	}
	s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", "TOTAL", totalCalls, totalMsec))
	return strings.Join(s, "\n")
}

// run fn over [0, n) split into at most threads contiguous chunks
func parallel(threads, n int, fn func(lo, hi int)) {
	if threads <= 1 || n <= 1 {
		fn(0, n)
		return
	}
	chunks := min(threads, n)
	size := (n + chunks - 1) / chunks
	var g errgroup.Group
	for lo := 0; lo < n; lo += size {
		lo, hi := lo, min(lo+size, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	g.Wait()
}
