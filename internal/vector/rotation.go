package vector

import (
	"fmt"
	"math"
	mathrand "math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/ryanwillie/mimirvaultd/internal/log"
	"github.com/ryanwillie/mimirvaultd/internal/vaulterr"
)

// MaxDimension bounds the rotation matrix size that generateOrthogonalMatrix
// will attempt; beyond this the QR factorization cost is not worth it for a
// personal vault.
const MaxDimension = 8192

// warnDimension is the threshold past which matrix generation logs a
// performance warning rather than failing outright.
const warnDimension = 2048

// RotationMatrix is a D×D orthonormal matrix Q derived once per root,
// applied to every vector written to or queried against the index so that
// an attacker with filesystem access but not the root cannot correlate
// stored vectors with embeddings they can reproduce offline from the same
// public embedding model.
type RotationMatrix struct {
	q   *mat.Dense
	dim int
}

// NewRotationMatrix derives Q deterministically from seed (the custodian's
// DeriveRotationSeed output) for the given dimension.
func NewRotationMatrix(seed [32]byte, dim int) (*RotationMatrix, error) {
	q, err := generateOrthogonalMatrix(seed, dim)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindInitialization, "NewRotationMatrix", err)
	}
	return &RotationMatrix{q: q, dim: dim}, nil
}

// Dimension returns D.
func (r *RotationMatrix) Dimension() int { return r.dim }

// Apply computes y = Q·x for a column vector x, returning a freshly
// allocated rotated vector.
func (r *RotationMatrix) Apply(x []float32) ([]float32, error) {
	if len(x) != r.dim {
		return nil, vaulterr.New(vaulterr.KindDimensionMismatch, "RotationMatrix.Apply", fmt.Errorf("expected dimension %d, got %d", r.dim, len(x)))
	}
	xv := make([]float64, r.dim)
	for i, v := range x {
		xv[i] = float64(v)
	}
	xVec := mat.NewVecDense(r.dim, xv)
	var yVec mat.VecDense
	yVec.MulVec(r.q, xVec)

	y := make([]float32, r.dim)
	for i := 0; i < r.dim; i++ {
		y[i] = float32(yVec.AtVec(i))
	}
	return y, nil
}

// generateOrthogonalMatrix seeds a ChaCha8 CSPRNG from seed, fills a D×D
// matrix with standard-normal samples, QR-factorizes it, and validates the
// resulting Q for orthonormality.
func generateOrthogonalMatrix(seed [32]byte, dim int) (*mat.Dense, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive")
	}
	if dim > MaxDimension {
		return nil, fmt.Errorf("dimension %d exceeds maximum allowed %d", dim, MaxDimension)
	}
	if dim > warnDimension {
		log.WithComponent("vector").Warn().Int("dim", dim).Msg("generating large orthogonal matrix — this can be slow")
	}

	rng := mathrand.New(mathrand.NewChaCha8(seed))

	data := make([]float64, dim*dim)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	randomMatrix := mat.NewDense(dim, dim, data)

	var qr mat.QR
	qr.Factorize(randomMatrix)

	var q mat.Dense
	qr.QTo(&q)

	if err := ValidateOrthogonality(&q); err != nil {
		return nil, fmt.Errorf("generated matrix failed orthogonality check: %w", err)
	}
	return &q, nil
}

// ValidateOrthogonality checks that Qᵀ·Q ≈ I within 1e-6.
func ValidateOrthogonality(q *mat.Dense) error {
	r, c := q.Dims()
	if r != c {
		return fmt.Errorf("matrix is not square: %dx%d", r, c)
	}

	var product mat.Dense
	product.Mul(q.T(), q)

	const epsilon = 1e-6
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			val := product.At(i, j)
			expected := 0.0
			if i == j {
				expected = 1.0
			}
			if math.Abs(val-expected) > epsilon {
				return fmt.Errorf("orthogonality check failed at (%d, %d): got %v, expected %v", i, j, val, expected)
			}
		}
	}
	return nil
}
