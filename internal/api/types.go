package api

import (
	"github.com/samcharles93/qnet/internal/qnet"
	"github.com/samcharles93/qnet/internal/version"
)

// ClassifyRequest carries an NCHW batch. Shape may omit the batch
// dimension, in which case N is 1.
type ClassifyRequest struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	TopK  int       `json:"top_k,omitempty"`
	// Logits asks for the raw classifier outputs alongside the ranking.
	Logits bool `json:"logits,omitempty"`
}

type ClassifyResponse struct {
	ID        string       `json:"id"`
	Object    string       `json:"object"`
	CreatedAt int64        `json:"created_at"`
	Results   []Prediction `json:"results"`
}

// Prediction is the ranking for one image of the batch.
type Prediction struct {
	Index  int          `json:"index"`
	Top    []ClassScore `json:"top"`
	Logits []float32    `json:"logits,omitempty"`
}

type ClassScore struct {
	Class       int     `json:"class"`
	Probability float32 `json:"probability"`
	Logit       float32 `json:"logit"`
}

type ModelResponse struct {
	Object     string              `json:"object"`
	Config     qnet.Config         `json:"config"`
	Parameters int                 `json:"parameters"`
	Layers     []qnet.LayerSummary `json:"layers"`
	Version    version.Info        `json:"version"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
