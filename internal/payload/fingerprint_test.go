package payload

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStableForEqualPayloads(t *testing.T) {
	a := map[string]any{"x": 1.0, "y": "hello"}
	b := map[string]any{"y": "hello", "x": 1.0} // different insertion order
	assert.Equal(t, Fingerprint64(a), Fingerprint64(b))
}

func TestFingerprintDiffersForDifferentPayloads(t *testing.T) {
	a := map[string]any{"x": 1.0}
	b := map[string]any{"x": 2.0}
	assert.NotEqual(t, Fingerprint64(a), Fingerprint64(b))
}

func TestFingerprintNaNIsUniform(t *testing.T) {
	a := map[string]any{"x": math.NaN()}
	b := map[string]any{"x": math.NaN()}
	assert.Equal(t, Fingerprint64(a), Fingerprint64(b))
}

func TestFingerprintNegativeZeroEqualsPositiveZero(t *testing.T) {
	a := map[string]any{"x": math.Copysign(0, -1)}
	b := map[string]any{"x": 0.0}
	assert.Equal(t, Fingerprint64(a), Fingerprint64(b))
}

func TestFingerprintNestedStructures(t *testing.T) {
	a := map[string]any{"list": []any{1.0, 2.0, map[string]any{"k": "v"}}}
	b := map[string]any{"list": []any{1.0, 2.0, map[string]any{"k": "v"}}}
	assert.Equal(t, Fingerprint64(a), Fingerprint64(b))

	c := map[string]any{"list": []any{1.0, 2.0, map[string]any{"k": "w"}}}
	assert.NotEqual(t, Fingerprint64(a), Fingerprint64(c))
}

func TestFingerprintNilAndEmptyMapDiffer(t *testing.T) {
	assert.NotEqual(t, Fingerprint64(nil), Fingerprint64(map[string]any{}))
}

func TestFingerprintSelfReferentialMapDoesNotRecurseForever(t *testing.T) {
	a := map[string]any{"x": 1.0}
	a["self"] = a

	done := make(chan Fingerprint, 1)
	go func() { done <- Fingerprint64(a) }()

	select {
	case fp := <-done:
		assert.NotEmpty(t, fp)
	case <-time.After(2 * time.Second):
		t.Fatal("Fingerprint64 did not return for a self-referential map; cycle guard missing")
	}
}

func TestFingerprintSelfReferentialSliceDoesNotRecurseForever(t *testing.T) {
	s := make([]any, 1)
	s[0] = s

	done := make(chan Fingerprint, 1)
	go func() { done <- Fingerprint64(s) }()

	select {
	case fp := <-done:
		assert.NotEmpty(t, fp)
	case <-time.After(2 * time.Second):
		t.Fatal("Fingerprint64 did not return for a self-referential slice; cycle guard missing")
	}
}
