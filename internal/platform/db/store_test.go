package db

import (
	"context"
	"testing"
)

func TestStoreGet_NoConnection(t *testing.T) {
	s := NewStore()
	_, err := s.Get(context.Background(), "Patient", "123")
	if err == nil {
		t.Error("expected error when no connection is attached to context")
	}
}

func TestStoreInTransaction_NoConnection(t *testing.T) {
	s := NewStore()
	err := s.InTransaction(context.Background(), func(ctx context.Context) error {
		t.Fatal("fn should not run without a connection")
		return nil
	})
	if err == nil {
		t.Error("expected error when no connection is attached to context")
	}
}

func TestErrNotFoundDistinctFromErrVersionNotFound(t *testing.T) {
	if ErrNotFound == ErrVersionNotFound {
		t.Error("ErrNotFound and ErrVersionNotFound must be distinguishable")
	}
}
