package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brensch/tankrl/codec"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	DefaultBatchSize    = 32
	DefaultBatchTimeout = 1 * time.Millisecond
)

var ErrClosed = errors.New("policy: closed")

type ONNXConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	InputName    string
	OutputName   string
	// UseCUDA appends the CUDA execution provider when it is available.
	UseCUDA bool
	Logger  *slog.Logger
}

func DefaultONNXConfig() ONNXConfig {
	return ONNXConfig{
		BatchSize:    DefaultBatchSize,
		BatchTimeout: DefaultBatchTimeout,
		InputName:    "obs",
		OutputName:   "action",
	}
}

type inferenceRequest struct {
	input    *[]float32
	shape    []int64
	respChan chan inferenceResponse
}

type inferenceResponse struct {
	action codec.Action
	err    error
}

// ONNXPolicy runs an exported actor network with ONNX Runtime. Concurrent
// Predict calls are batched into a single session run.
type ONNXPolicy struct {
	path         string
	session      *ort.DynamicAdvancedSession
	requestsChan chan inferenceRequest
	quit         chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
	cfg          ONNXConfig

	totalBatches  atomic.Int64
	totalItems    atomic.Int64
	totalRunNanos atomic.Int64
	lastBatchSize atomic.Int64
}

var ortInitOnce sync.Once
var ortInitErr error

// ONNXLoader returns a Loader opening checkpoints with cfg.
func ONNXLoader(cfg ONNXConfig) Loader {
	return func(path string) (Policy, error) {
		return NewONNXPolicy(path, cfg)
	}
}

func NewONNXPolicy(modelPath string, cfg ONNXConfig) (*ONNXPolicy, error) {
	d := DefaultONNXConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = d.BatchTimeout
	}
	if cfg.InputName == "" {
		cfg.InputName = d.InputName
	}
	if cfg.OutputName == "" {
		cfg.OutputName = d.OutputName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := initRuntime(); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	// Many envs run one policy each; keep every session single threaded.
	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	if cfg.UseCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err == nil {
			defer cudaOptions.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
				cfg.Logger.Warn("failed to append CUDA provider", "error", err)
			}
		} else {
			cfg.Logger.Warn("failed to create CUDA options", "error", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{cfg.InputName}, []string{cfg.OutputName}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", modelPath, err)
	}

	p := &ONNXPolicy{
		path:         modelPath,
		session:      session,
		cfg:          cfg,
		requestsChan: make(chan inferenceRequest, cfg.BatchSize*2),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go p.batchLoop()
	return p, nil
}

func initRuntime() error {
	ortInitOnce.Do(func() {
		if runtime.GOOS == "linux" {
			ensureLinuxLibraryPath()
		}
		if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		} else if runtime.GOOS == "linux" {
			cwd, _ := os.Getwd()
			for _, name := range []string{"libonnxruntime.so", "libonnxruntime.so.1"} {
				abs := filepath.Join(cwd, name)
				if _, err := os.Stat(abs); err == nil {
					ort.SetSharedLibraryPath(abs)
					break
				}
			}
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return fmt.Errorf("failed to init ort: %w", ortInitErr)
	}
	return nil
}

// ensureLinuxLibraryPath prepends the working directory and a project
// virtualenv's onnxruntime/nvidia library folders to LD_LIBRARY_PATH.
func ensureLinuxLibraryPath() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	candidateDirs := []string{cwd}
	patterns := []string{
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "onnxruntime", "capi"),
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "nvidia", "*", "lib"),
	}
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		candidateDirs = append(candidateDirs, matches...)
	}

	existing := os.Getenv("LD_LIBRARY_PATH")
	existingSet := map[string]bool{}
	for _, p := range strings.Split(existing, ":") {
		if p != "" {
			existingSet[p] = true
		}
	}
	var toAdd []string
	for _, d := range candidateDirs {
		if existingSet[d] {
			continue
		}
		if st, err := os.Stat(d); err == nil && st.IsDir() {
			toAdd = append(toAdd, d)
		}
	}
	if len(toAdd) == 0 {
		return
	}
	newVal := strings.Join(toAdd, ":")
	if existing != "" {
		newVal = newVal + ":" + existing
	}
	_ = os.Setenv("LD_LIBRARY_PATH", newVal)
}

func (p *ONNXPolicy) Path() string { return p.path }

func (p *ONNXPolicy) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.quit)
		<-p.done
		err = p.session.Destroy()
	})
	return err
}

func (p *ONNXPolicy) Predict(obs codec.Observation) (codec.Action, error) {
	if obs.IsZero() {
		return codec.Action{}, fmt.Errorf("empty observation")
	}
	respChan := make(chan inferenceResponse, 1)
	req := inferenceRequest{
		input:    codec.ObservationToFloat32(obs),
		shape:    obs.Shape(),
		respChan: respChan,
	}
	select {
	case p.requestsChan <- req:
	case <-p.quit:
		codec.PutFloatBuffer(req.input)
		return codec.Action{}, ErrClosed
	}
	select {
	case resp := <-respChan:
		return resp.action, resp.err
	case <-p.done:
		select {
		case resp := <-respChan:
			return resp.action, resp.err
		default:
			return codec.Action{}, ErrClosed
		}
	}
}

func (p *ONNXPolicy) Stats() RuntimeStats {
	st := RuntimeStats{
		TotalBatches:  p.totalBatches.Load(),
		TotalItems:    p.totalItems.Load(),
		TotalRunNanos: p.totalRunNanos.Load(),
		LastBatchSize: p.lastBatchSize.Load(),
		QueueLen:      len(p.requestsChan),
	}
	if st.TotalBatches > 0 {
		st.AvgBatchSize = float64(st.TotalItems) / float64(st.TotalBatches)
		st.AvgRunMs = (float64(st.TotalRunNanos) / 1e6) / float64(st.TotalBatches)
	}
	return st
}

func (p *ONNXPolicy) batchLoop() {
	defer close(p.done)
	requests := make([]inferenceRequest, 0, p.cfg.BatchSize)
	var batchInput []float32

	ticker := time.NewTicker(p.cfg.BatchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(requests) == 0 {
			return
		}
		batchInput = p.runBatch(requests, batchInput[:0])
		requests = requests[:0]
	}

	for {
		select {
		case req := <-p.requestsChan:
			// A batch shares one input shape.
			if len(requests) > 0 && !sameShape(requests[0].shape, req.shape) {
				flush()
			}
			requests = append(requests, req)
			if len(requests) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.quit:
			flush()
			for {
				select {
				case req := <-p.requestsChan:
					codec.PutFloatBuffer(req.input)
					req.respChan <- inferenceResponse{err: ErrClosed}
				default:
					return
				}
			}
		}
	}
}

func (p *ONNXPolicy) runBatch(requests []inferenceRequest, batchInput []float32) []float32 {
	for _, req := range requests {
		batchInput = append(batchInput, *req.input...)
		codec.PutFloatBuffer(req.input)
	}
	n := int64(len(requests))
	start := time.Now()

	inputShape := append([]int64{n}, requests[0].shape...)
	inputTensor, err := ort.NewTensor(ort.NewShape(inputShape...), batchInput)
	if err != nil {
		p.failBatch(requests, err)
		return batchInput
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(n, codec.ActionSize))
	if err != nil {
		p.failBatch(requests, err)
		return batchInput
	}
	defer outputTensor.Destroy()

	if err := p.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		p.failBatch(requests, err)
		return batchInput
	}

	out := outputTensor.GetData()
	for i, req := range requests {
		var a codec.Action
		copy(a[:], out[i*codec.ActionSize:(i+1)*codec.ActionSize])
		req.respChan <- inferenceResponse{action: a.Clip()}
	}

	p.totalBatches.Add(1)
	p.totalItems.Add(n)
	p.totalRunNanos.Add(time.Since(start).Nanoseconds())
	p.lastBatchSize.Store(n)
	return batchInput
}

func (p *ONNXPolicy) failBatch(requests []inferenceRequest, err error) {
	for _, req := range requests {
		req.respChan <- inferenceResponse{err: err}
	}
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
