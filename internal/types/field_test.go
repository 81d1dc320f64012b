package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestField_ZeroValueIsUnchanged(t *testing.T) {
	var f Field[PlanTier]
	assert.True(t, f.IsUnchanged())
	assert.False(t, f.IsSet())
	assert.False(t, f.IsClear())
}

func TestField_Set(t *testing.T) {
	f := Set(PlanPro)
	assert.False(t, f.IsUnchanged())
	assert.True(t, f.IsSet())
	assert.False(t, f.IsClear())

	v, ok := f.Value()
	assert.True(t, ok)
	assert.Equal(t, PlanPro, v)
	assert.Equal(t, any(PlanPro), f.Arg())
}

func TestField_Clear(t *testing.T) {
	f := Clear[time.Time]()
	assert.False(t, f.IsUnchanged())
	assert.False(t, f.IsSet())
	assert.True(t, f.IsClear())
	assert.Nil(t, f.Arg())

	_, ok := f.Value()
	assert.False(t, ok)
}

func TestField_SetZeroValueIsStillSet(t *testing.T) {
	// Setting the zero value must be distinguishable from Unchanged.
	// The ordering guard depends on event timestamp 0 being a real value.
	f := Set(int64(0))
	assert.True(t, f.IsSet())
	assert.Equal(t, any(int64(0)), f.Arg())
}

func TestEntitlementPatch_IsEmpty(t *testing.T) {
	var p EntitlementPatch
	assert.True(t, p.IsEmpty())

	p.Status = Set(SubStatusActive)
	assert.False(t, p.IsEmpty())

	p = EntitlementPatch{NextPlan: Clear[PlanTier]()}
	assert.False(t, p.IsEmpty())
}
