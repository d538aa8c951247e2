package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/apex/log"

	"github.com/Brownie44l1/traffic-sign-api/internal/cache"
	"github.com/Brownie44l1/traffic-sign-api/internal/imaging"
	"github.com/Brownie44l1/traffic-sign-api/internal/model"
	"github.com/Brownie44l1/traffic-sign-api/internal/telemetry"
	"github.com/Brownie44l1/traffic-sign-api/internal/uploads"
)

// Messages returned to clients. Error detail stays in the server log.
const (
	MsgNoImage       = "No image uploaded"
	MsgTooLarge      = "Image too large"
	MsgInvalidImage  = "Invalid image file"
	MsgPrediction    = "Prediction failed"
	MsgInternalError = "Internal server error"
)

const archiveTimeout = 10 * time.Second

// Classifier is satisfied by *model.Server.
type Classifier interface {
	Infer(batch []float32) ([]float32, error)
}

// Archiver stores a copy of an upload under name.
type Archiver interface {
	Archive(ctx context.Context, name, localPath, contentType string) (string, error)
}

type Options struct {
	Metadata     model.Metadata
	Preprocessor *imaging.Preprocessor
	Uploads      *uploads.Store
	Cache        *cache.Predictions
	Metrics      *telemetry.Metrics
	Archiver     Archiver
}

type Handler struct {
	classifier   Classifier
	metadata     model.Metadata
	preprocessor *imaging.Preprocessor
	uploads      *uploads.Store
	cache        *cache.Predictions
	metrics      *telemetry.Metrics
	archiver     Archiver
}

func NewHandler(classifier Classifier, opts Options) *Handler {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.New()
	}
	return &Handler{
		classifier:   classifier,
		metadata:     opts.Metadata,
		preprocessor: opts.Preprocessor,
		uploads:      opts.Uploads,
		cache:        opts.Cache,
		metrics:      metrics,
		archiver:     opts.Archiver,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"model":   h.metadata.Name,
		"classes": len(h.metadata.Classes),
	})
}

// Predict classifies the multipart field "image".
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	logger := log.WithField("request_id", RequestID(r.Context()))

	maxBytes := h.uploads.MaxBytes()
	if r.ContentLength > maxBytes+formOverhead {
		writeError(w, http.StatusRequestEntityTooLarge, MsgTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+formOverhead)

	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, MsgTooLarge)
			return
		}
		logger.WithError(err).Debug("no multipart form")
		writeError(w, http.StatusBadRequest, MsgNoImage)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, MsgNoImage)
		return
	}
	defer file.Close()

	scratch, err := h.uploads.Save(file, header.Filename)
	if err != nil {
		if errors.Is(err, uploads.ErrTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, MsgTooLarge)
			return
		}
		logger.WithError(err).Error("failed to save upload")
		writeError(w, http.StatusInternalServerError, MsgInternalError)
		return
	}
	defer func() {
		if err := scratch.Release(); err != nil {
			logger.WithError(err).WithField("path", scratch.Path).Warn("failed to remove scratch file")
		}
	}()

	logger = logger.WithFields(log.Fields{
		"upload": scratch.ID,
		"file":   header.Filename,
		"bytes":  scratch.Size,
	})

	if pred, ok := h.cache.Get(scratch.Digest); ok {
		h.metrics.CacheHit()
		h.metrics.Prediction(pred.LowConfidence())
		logger.WithField("prediction", pred.Prediction).Info("served cached prediction")
		writeJSON(w, http.StatusOK, pred)
		return
	}

	pred, err := h.classify(scratch.Path)
	if err != nil {
		h.metrics.PredictionFailed()
		logger.WithError(err).Error("prediction failed")
		writeError(w, http.StatusInternalServerError, errorMessage(err))
		return
	}

	h.cache.Set(scratch.Digest, pred)
	h.metrics.Prediction(pred.LowConfidence())

	if pred.LowConfidence() {
		h.archive(r.Context(), logger, scratch)
	}

	logger.WithFields(log.Fields{
		"prediction": pred.Prediction,
		"confidence": pred.Confidence,
	}).Info("prediction served")

	writeJSON(w, http.StatusOK, pred)
}

func (h *Handler) classify(path string) (model.Prediction, error) {
	tensor, err := h.preprocessor.Load(path)
	if err != nil {
		return model.Prediction{}, err
	}

	start := time.Now()
	probs, err := h.classifier.Infer(tensor.Data)
	h.metrics.ObserveInference(start)
	if err != nil {
		return model.Prediction{}, err
	}

	return model.Decide(probs, h.metadata.Classes, h.metadata.ConfidenceThreshold)
}

func (h *Handler) archive(ctx context.Context, logger *log.Entry, scratch *uploads.Scratch) {
	if h.archiver == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	key, err := h.archiver.Archive(ctx, scratch.ID+scratch.Ext, scratch.Path, scratch.ContentType())
	if err != nil {
		logger.WithError(err).Warn("failed to archive low-confidence upload")
		return
	}
	h.metrics.Archived()
	logger.WithField("key", key).Debug("archived low-confidence upload")
}

// errorMessage maps pipeline errors onto the client vocabulary.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, imaging.ErrDecode), errors.Is(err, imaging.ErrShape):
		return MsgInvalidImage
	case errors.Is(err, model.ErrInference), errors.Is(err, model.ErrLabelMismatch):
		return MsgPrediction
	default:
		return MsgInternalError
	}
}

// writeJSON encodes before writing the status so an unencodable value
// becomes a 500 instead of a 200 with an empty body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.WithError(err).Error("failed to encode response")
		status = http.StatusInternalServerError
		buf.Reset()
		buf.WriteString(`{"error":"` + MsgInternalError + `"}` + "\n")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
