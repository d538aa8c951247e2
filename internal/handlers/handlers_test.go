package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/traffic-sign-api/internal/cache"
	"github.com/Brownie44l1/traffic-sign-api/internal/imaging"
	"github.com/Brownie44l1/traffic-sign-api/internal/model"
	"github.com/Brownie44l1/traffic-sign-api/internal/telemetry"
	"github.com/Brownie44l1/traffic-sign-api/internal/uploads"
)

type fakeClassifier struct {
	mu    sync.Mutex
	probs []float32
	err   error
	calls int
}

func (f *fakeClassifier) Infer(batch []float32) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(batch) != 30*30*3 {
		return nil, fmt.Errorf("%w: bad batch size %d", model.ErrInference, len(batch))
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.probs, nil
}

func (f *fakeClassifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeArchiver struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (f *fakeArchiver) Archive(ctx context.Context, name, localPath, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	if f.err != nil {
		return "", f.err
	}
	f.names = append(f.names, name)
	return "low-confidence/" + name, nil
}

type testEnv struct {
	handler    *Handler
	classifier *fakeClassifier
	metrics    *telemetry.Metrics
	uploadDir  string
}

func newTestEnv(t *testing.T, probs []float32, archiver Archiver, cacheTTL time.Duration) *testEnv {
	t.Helper()

	dir := t.TempDir()
	store, err := uploads.NewStore(dir, 1<<20)
	require.NoError(t, err)

	clf := &fakeClassifier{probs: probs}
	metrics := telemetry.New()
	h := NewHandler(clf, Options{
		Metadata: model.Metadata{
			Name:                "test",
			Classes:             model.TrafficSignClasses,
			ImageSize:           30,
			ConfidenceThreshold: model.DefaultConfidenceThreshold,
		},
		Preprocessor: imaging.NewPreprocessor(30, true),
		Uploads:      store,
		Cache:        cache.New(cacheTTL, 0),
		Metrics:      metrics,
		Archiver:     archiver,
	})
	return &testEnv{handler: h, classifier: clf, metrics: metrics, uploadDir: dir}
}

func confident(idx int, val float32) []float32 {
	probs := make([]float32, len(model.TrafficSignClasses))
	rest := (1 - val) / float32(len(probs)-1)
	for i := range probs {
		probs[i] = rest
	}
	probs[idx] = val
	return probs
}

func uniform() []float32 {
	probs := make([]float32, len(model.TrafficSignClasses))
	for i := range probs {
		probs[i] = 1.0 / float32(len(probs))
	}
	return probs
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.Predict(rec, req)
	return rec
}

func (e *testEnv) assertNoScratch(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files left behind")
}

func TestPredictConfident(t *testing.T) {
	env := newTestEnv(t, confident(14, 0.95), nil, 0)

	rec := env.do(uploadRequest(t, "image", "stop.png", pngBytes(t, color.RGBA{R: 200, A: 255})))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"prediction":"Stop","class_id":14,"confidence":0.95}`, rec.Body.String())
	assert.Equal(t, 1, env.classifier.Calls())
	assert.Equal(t, int64(1), env.metrics.Count(telemetry.PredictionsTotal))
	env.assertNoScratch(t)
}

func TestPredictLowConfidence(t *testing.T) {
	archiver := &fakeArchiver{}
	env := newTestEnv(t, uniform(), archiver, 0)

	rec := env.do(uploadRequest(t, "image", "blurry.png", pngBytes(t, color.RGBA{G: 90, A: 255})))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.LowConfidenceLabel, body["prediction"])
	assert.Equal(t, model.LowConfidenceMessage, body["message"])
	assert.Equal(t, 0.023, body["confidence"])
	assert.NotContains(t, body, "class_id")

	require.Len(t, archiver.names, 1)
	assert.True(t, strings.HasSuffix(archiver.names[0], ".png"))
	assert.Equal(t, int64(1), env.metrics.Count(telemetry.PredictionsLowConf))
	assert.Equal(t, int64(1), env.metrics.Count(telemetry.ArchivedUploads))
	env.assertNoScratch(t)
}

func TestPredictArchiveFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t, uniform(), &fakeArchiver{err: errors.New("bucket unreachable")}, 0)

	rec := env.do(uploadRequest(t, "image", "sign.png", pngBytes(t, color.White)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, env.metrics.Count(telemetry.ArchivedUploads))
	env.assertNoScratch(t)
}

func TestPredictConfidentIsNotArchived(t *testing.T) {
	archiver := &fakeArchiver{}
	env := newTestEnv(t, confident(1, 0.99), archiver, 0)

	rec := env.do(uploadRequest(t, "image", "sign.png", pngBytes(t, color.White)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, archiver.names)
}

func TestPredictMissingImage(t *testing.T) {
	env := newTestEnv(t, confident(0, 0.9), nil, 0)

	t.Run("wrong field name", func(t *testing.T) {
		rec := env.do(uploadRequest(t, "file", "sign.png", pngBytes(t, color.White)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"No image uploaded"}`, rec.Body.String())
	})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"image":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := env.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"No image uploaded"}`, rec.Body.String())
	})

	assert.Zero(t, env.classifier.Calls())
	env.assertNoScratch(t)
}

func TestPredictNonImage(t *testing.T) {
	env := newTestEnv(t, confident(0, 0.9), nil, 0)

	rec := env.do(uploadRequest(t, "image", "temp.jpg", []byte("this is a text file, not a jpeg")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid image file"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "decode")
	assert.Zero(t, env.classifier.Calls())
	assert.Equal(t, int64(1), env.metrics.Count(telemetry.PredictionsFailed))
	env.assertNoScratch(t)
}

func TestPredictOversizedDimensions(t *testing.T) {
	env := newTestEnv(t, confident(0, 0.9), nil, 0)
	env.handler.preprocessor.MaxPixels = 32 * 32

	// 48x48 decodes to more pixels than allowed while staying well under the byte limit
	rec := env.do(uploadRequest(t, "image", "bomb.png", pngBytes(t, color.White)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid image file"}`, rec.Body.String())
	assert.Zero(t, env.classifier.Calls())
	env.assertNoScratch(t)
}

func TestPredictNonFiniteOutput(t *testing.T) {
	probs := confident(3, 0.9)
	probs[0] = float32(math.NaN())
	env := newTestEnv(t, probs, nil, time.Minute)

	rec := env.do(uploadRequest(t, "image", "sign.png", pngBytes(t, color.White)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Prediction failed"}`, rec.Body.String())
	assert.Equal(t, int64(1), env.metrics.Count(telemetry.PredictionsFailed))
	env.assertNoScratch(t)
}

func TestWriteJSONUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]float64{"confidence": math.NaN()})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}

func TestPredictClassifierFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil, 0)
	env.classifier.err = fmt.Errorf("%w: onnxruntime: session run failed", model.ErrInference)

	rec := env.do(uploadRequest(t, "image", "sign.png", pngBytes(t, color.White)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Prediction failed"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "onnxruntime")
	env.assertNoScratch(t)
}

func TestPredictLabelMismatch(t *testing.T) {
	env := newTestEnv(t, []float32{0.5, 0.5}, nil, 0)

	rec := env.do(uploadRequest(t, "image", "sign.png", pngBytes(t, color.White)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Prediction failed"}`, rec.Body.String())
}

func TestPredictTooLarge(t *testing.T) {
	env := newTestEnv(t, confident(0, 0.9), nil, 0)

	t.Run("declared content length", func(t *testing.T) {
		req := uploadRequest(t, "image", "sign.png", pngBytes(t, color.White))
		req.ContentLength = env.handler.uploads.MaxBytes() + formOverhead + 1
		rec := env.do(req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.JSONEq(t, `{"error":"Image too large"}`, rec.Body.String())
	})

	t.Run("file over the upload limit", func(t *testing.T) {
		big := make([]byte, env.handler.uploads.MaxBytes()+1)
		rec := env.do(uploadRequest(t, "image", "sign.png", big))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	env.assertNoScratch(t)
}

func TestPredictCachesByContent(t *testing.T) {
	env := newTestEnv(t, confident(13, 0.88), nil, time.Minute)
	img := pngBytes(t, color.RGBA{B: 250, A: 255})

	first := env.do(uploadRequest(t, "image", "a.png", img))
	second := env.do(uploadRequest(t, "image", "b.png", img))

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, env.classifier.Calls())
	assert.Equal(t, int64(1), env.metrics.Count(telemetry.CacheHits))

	third := env.do(uploadRequest(t, "image", "c.png", pngBytes(t, color.Black)))
	require.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, 2, env.classifier.Calls())
	env.assertNoScratch(t)
}

func TestPredictConcurrentUploads(t *testing.T) {
	env := newTestEnv(t, confident(38, 0.93), nil, 0)

	colors := []color.Color{color.White, color.Black, color.RGBA{R: 255, A: 255}, color.RGBA{G: 255, A: 255}}

	// every request uses the same client filename
	var reqs []*http.Request
	for i := 0; i < 4; i++ {
		for _, c := range colors {
			reqs = append(reqs, uploadRequest(t, "image", "temp.jpg", pngBytes(t, c)))
		}
	}

	var wg sync.WaitGroup
	codes := make(chan int, len(reqs))
	for _, req := range reqs {
		wg.Add(1)
		go func(req *http.Request) {
			defer wg.Done()
			codes <- env.do(req).Code
		}(req)
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, len(reqs), env.classifier.Calls())
	env.assertNoScratch(t)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, nil, 0)

	rec := httptest.NewRecorder()
	env.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","model":"test","classes":43}`, rec.Body.String())
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: png: invalid format", imaging.ErrDecode), MsgInvalidImage},
		{fmt.Errorf("%w: got (29, 30, 3)", imaging.ErrShape), MsgInvalidImage},
		{fmt.Errorf("%w: session closed", model.ErrInference), MsgPrediction},
		{fmt.Errorf("%w: 2 probabilities, 43 classes", model.ErrLabelMismatch), MsgPrediction},
		{os.ErrPermission, MsgInternalError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorMessage(tt.err), tt.err.Error())
	}
}
