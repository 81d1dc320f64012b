package types

import "time"

// Field is a tri-state optional value for partial updates: Unchanged (zero
// value), Cleared (write NULL), or Set (write value). Webhook transitions must
// express all three in a single update -- leave one field untouched while
// clearing another -- so the distinction is enforced by the type system rather
// than a magic sentinel.
type Field[T any] struct {
	set   bool
	clear bool
	value T
}

// Set returns a Field that writes the given value.
func Set[T any](v T) Field[T] {
	return Field[T]{set: true, value: v}
}

// Clear returns a Field that writes NULL.
func Clear[T any]() Field[T] {
	return Field[T]{clear: true}
}

// IsUnchanged reports whether the field should be left untouched.
func (f Field[T]) IsUnchanged() bool { return !f.set && !f.clear }

// IsClear reports whether the field should be written as NULL.
func (f Field[T]) IsClear() bool { return f.clear }

// IsSet reports whether the field carries a value to write.
func (f Field[T]) IsSet() bool { return f.set }

// Value returns the value to write and whether one is present.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.set
}

// Arg returns the field as a SQL argument: the value when set, nil when
// cleared. Callers must skip unchanged fields before calling Arg.
func (f Field[T]) Arg() any {
	if f.set {
		return f.value
	}
	return nil
}

// EntitlementPatch is the typed partial update applied to an entitlement row.
// Every optional field is an explicit tri-state; omitted fields are untouched.
type EntitlementPatch struct {
	Plan              Field[PlanTier]
	NextPlan          Field[PlanTier]
	PlanExpiresAt     Field[time.Time]
	NextUpdateAt      Field[time.Time]
	CancelAtPeriodEnd Field[bool]
	Status            Field[SubscriptionStatus]
	CustomerRef       Field[string]
	SubscriptionRef   Field[string]
	EventTS           Field[int64]
}

// IsEmpty reports whether the patch touches no fields.
func (p EntitlementPatch) IsEmpty() bool {
	return p.Plan.IsUnchanged() &&
		p.NextPlan.IsUnchanged() &&
		p.PlanExpiresAt.IsUnchanged() &&
		p.NextUpdateAt.IsUnchanged() &&
		p.CancelAtPeriodEnd.IsUnchanged() &&
		p.Status.IsUnchanged() &&
		p.CustomerRef.IsUnchanged() &&
		p.SubscriptionRef.IsUnchanged() &&
		p.EventTS.IsUnchanged()
}
