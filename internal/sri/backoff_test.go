package sri_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/facturalink/sri-engine/internal/model"
	"github.com/facturalink/sri-engine/internal/sri"
)

func TestBackoffPolicy_DelayWithoutJitter(t *testing.T) {
	p := sri.BackoffPolicy{Initial: 3 * time.Second, Multiplier: 2, Max: 10 * time.Second}

	assert.Equal(t, 3*time.Second, p.Delay(0))
	assert.Equal(t, 6*time.Second, p.Delay(1))
	assert.Equal(t, 10*time.Second, p.Delay(2), "capped at max")
	assert.Equal(t, 10*time.Second, p.Delay(10), "stays capped")
}

func TestBackoffPolicy_JitterBounds(t *testing.T) {
	p := sri.BackoffPolicy{Initial: time.Second, Multiplier: 2, Max: time.Minute, Jitter: 0.2}

	for i := 0; i < 200; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestEndpointsFor(t *testing.T) {
	test := sri.EndpointsFor(model.EnvTest)
	assert.Contains(t, test.Reception, "celcer.sri.gob.ec")
	assert.Contains(t, test.Authorization, "celcer.sri.gob.ec")

	prod := sri.EndpointsFor(model.EnvProduction)
	assert.Contains(t, prod.Reception, "https://cel.sri.gob.ec")
	assert.Contains(t, prod.Authorization, "https://cel.sri.gob.ec")
}
