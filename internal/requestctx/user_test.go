package requestctx

import (
	"context"
	"testing"
)

func TestUserIDFromContextRoundTrip(t *testing.T) {
	ctx := WithUserID(context.Background(), 42)
	got, ok := UserIDFromContext(ctx)
	if !ok || got != 42 {
		t.Fatalf("UserIDFromContext = (%d, %v), want (42, true)", got, ok)
	}
}

func TestUserIDFromContextEmpty(t *testing.T) {
	if got, ok := UserIDFromContext(context.Background()); ok {
		t.Fatalf("expected no user, got %d", got)
	}
}

func TestUserIDFromContextNil(t *testing.T) {
	if _, ok := UserIDFromContext(nil); ok {
		t.Fatal("expected no user for nil context")
	}
}

func TestWithUserIDIgnoresNonPositive(t *testing.T) {
	ctx := WithUserID(context.Background(), 0)
	if _, ok := UserIDFromContext(ctx); ok {
		t.Fatal("zero id must not be stored")
	}
}

func TestWithUserIDNilContext(t *testing.T) {
	ctx := WithUserID(nil, 99)
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	if got, _ := UserIDFromContext(ctx); got != 99 {
		t.Fatalf("UserIDFromContext = %d, want 99", got)
	}
}
