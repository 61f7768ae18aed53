package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/crop-disease-api/internal/apperr"
	"github.com/Brownie44l1/crop-disease-api/internal/model"
	"github.com/Brownie44l1/crop-disease-api/internal/preprocess"
	"github.com/Brownie44l1/crop-disease-api/internal/upload"
)

// maxTensorBody caps the JSON body of /predict/tensor.
const maxTensorBody = 64 << 20

type Handler struct {
	engine       *model.Engine
	validator    *upload.Validator
	preprocessor *preprocess.Preprocessor
	logger       *zap.Logger
}

func NewHandler(engine *model.Engine, validator *upload.Validator, preprocessor *preprocess.Preprocessor, logger *zap.Logger) *Handler {
	return &Handler{
		engine:       engine,
		validator:    validator,
		preprocessor: preprocessor,
		logger:       logger,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ML service running"})
}

// PredictFromImage runs validate -> preprocess -> infer on the uploaded file.
func (h *Handler) PredictFromImage(c *gin.Context) {
	topK, err := h.topParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	data, declaredType, err := h.readUpload(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	sig, err := h.validator.Validate(data, declaredType)
	if err != nil {
		h.fail(c, err)
		return
	}

	tensor, err := h.preprocessor.Preprocess(data)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.engine.InferTop(c.Request.Context(), tensor, topK)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Debug("prediction",
		zap.String("request_id", c.GetString(requestIDKey)),
		zap.String("format", sig.String()),
		zap.Int("bytes", len(data)),
		zap.String("prediction", result.Prediction),
		zap.Float64("confidence", result.Confidence),
	)
	c.JSON(http.StatusOK, result)
}

// Predict accepts an already normalized tensor as a flat JSON array.
func (h *Handler) Predict(c *gin.Context) {
	topK, err := h.topParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxTensorBody)

	var req model.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(c, apperr.Wrap(apperr.PayloadTooLarge, "Request body too large", err))
			return
		}
		h.fail(c, apperr.Wrap(apperr.BadRequest, "Invalid JSON", err))
		return
	}

	shape := h.engine.InputShape()
	tensor := &preprocess.Tensor{Shape: shape, Data: req.Image}
	if expected := tensor.Elements(); int64(len(req.Image)) != expected {
		h.fail(c, apperr.New(apperr.BadRequest, fmt.Sprintf("Expected %d values, got %d", expected, len(req.Image))))
		return
	}

	result, err := h.engine.InferTop(c.Request.Context(), tensor, topK)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// readUpload streams the first file part of a multipart body through the
// size-limited reader. The declared content type of the part is returned
// alongside the bytes.
func (h *Handler) readUpload(c *gin.Context) ([]byte, string, error) {
	mr, err := c.Request.MultipartReader()
	if err != nil {
		return nil, "", apperr.Wrap(apperr.BadRequest, "Expected a multipart/form-data upload", err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", apperr.New(apperr.BadRequest, "No file uploaded")
		}
		if err != nil {
			return nil, "", apperr.Wrap(apperr.BadRequest, "Malformed multipart body", err)
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		data, err := h.validator.Read(c.Request.Context(), part)
		part.Close()
		return data, part.Header.Get("Content-Type"), err
	}
}

func (h *Handler) topParam(c *gin.Context) (int, error) {
	raw := c.Query("top")
	if raw == "" {
		return 0, nil
	}
	n := len(h.engine.Labels())
	k, err := strconv.Atoi(raw)
	if err != nil || k < 1 || k > n {
		return 0, apperr.New(apperr.BadRequest, fmt.Sprintf("top must be an integer between 1 and %d", n))
	}
	return k, nil
}

// fail writes the error response. Only Internal errors are logged with their
// cause, the client always gets the generic message for those.
func (h *Handler) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	fields := []zap.Field{
		zap.String("request_id", c.GetString(requestIDKey)),
		zap.String("kind", kind.String()),
		zap.Error(err),
	}
	if kind == apperr.Internal {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Info("request rejected", fields...)
	}
	c.AbortWithStatusJSON(apperr.Status(kind), gin.H{"detail": apperr.Detail(err)})
}
