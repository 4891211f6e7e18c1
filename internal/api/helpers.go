package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qnet/internal/tensor"
)

func writeBadRequest(c *echo.Context, err error) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), errorParam(err), "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, newInvalidRequest("request body is empty")
		}
		return out, newInvalidRequest(err.Error())
	}
	return out, nil
}

// inputTensor validates the request shape against the payload.
func inputTensor(req ClassifyRequest, channels int) (*tensor.Tensor, error) {
	var s tensor.Shape
	switch len(req.Shape) {
	case 3:
		s = tensor.Shape{N: 1, C: req.Shape[0], H: req.Shape[1], W: req.Shape[2]}
	case 4:
		s = tensor.Shape{N: req.Shape[0], C: req.Shape[1], H: req.Shape[2], W: req.Shape[3]}
	default:
		return nil, newInvalidParam("shape", fmt.Sprintf("shape must have 3 or 4 dimensions, got %d", len(req.Shape)))
	}
	if !s.Valid() {
		return nil, newInvalidParam("shape", fmt.Sprintf("shape %v has a non-positive dimension or too many elements", req.Shape))
	}
	if n, _ := s.CheckedNumel(); s.H > maxSpatial || s.W > maxSpatial || n > maxInputElements {
		return nil, newInvalidParam("shape", fmt.Sprintf("shape %v exceeds the input limits (side %d, %d elements)", req.Shape, maxSpatial, maxInputElements))
	}
	if s.C != channels {
		return nil, newInvalidParam("shape", fmt.Sprintf("expected %d input channels, got %d", channels, s.C))
	}
	t, err := tensor.FromData(s, req.Data)
	if err != nil {
		return nil, newInvalidParam("data", err.Error())
	}
	return t, nil
}

func rankRow(index int, logits []float32, k int, withLogits bool) Prediction {
	probs := append([]float32(nil), logits...)
	tensor.Softmax(probs)
	p := Prediction{Index: index}
	for _, class := range tensor.TopK(probs, k) {
		p.Top = append(p.Top, ClassScore{Class: class, Probability: probs[class], Logit: logits[class]})
	}
	if withLogits {
		p.Logits = append([]float32(nil), logits...)
	}
	return p
}

func newClassificationID() string {
	return "cls_" + uuid.NewString()
}
