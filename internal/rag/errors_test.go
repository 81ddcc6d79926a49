package rag

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", fmt.Errorf("embedder: call: %w", ErrTransient), true},
		{"busy", fmt.Errorf("docstore: query: %w", ErrStoreBusy), true},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{"not found", fmt.Errorf("docstore: %w", ErrCollectionNotFound), false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestTexts(t *testing.T) {
	t.Parallel()
	got := Texts([]RankedResult{{Text: "a"}, {Text: "b"}})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Texts = %v, want [a b]", got)
	}
}
