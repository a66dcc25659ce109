package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name           string
		a, b           Vector
		wantSimilarity float32
		wantDistance   float64
	}{
		{name: "identical", a: Vector{1, 0, 0}, b: Vector{1, 0, 0}, wantSimilarity: 1, wantDistance: 0},
		{name: "scaled copy", a: Vector{1, 2, 3}, b: Vector{2, 4, 6}, wantSimilarity: 1, wantDistance: 0},
		{name: "orthogonal", a: Vector{1, 0}, b: Vector{0, 1}, wantSimilarity: 0, wantDistance: 1},
		{name: "opposite", a: Vector{1, 0}, b: Vector{-1, 0}, wantSimilarity: -1, wantDistance: 2},
		{name: "45 degrees", a: Vector{1, 0}, b: Vector{0.707, 0.707}, wantSimilarity: 0.707, wantDistance: 0.293},
		// Degenerate inputs count as unrelated.
		{name: "empty", a: Vector{}, b: Vector{}, wantSimilarity: 0, wantDistance: 1},
		{name: "length mismatch", a: Vector{1, 2}, b: Vector{1, 2, 3}, wantSimilarity: 0, wantDistance: 1},
		{name: "zero vector", a: Vector{0, 0}, b: Vector{1, 1}, wantSimilarity: 0, wantDistance: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.wantSimilarity, CosineSimilarity(tt.a, tt.b), 0.01)
			assert.InDelta(t, tt.wantDistance, CosineDistance(tt.a, tt.b), 0.01)
		})
	}
}
