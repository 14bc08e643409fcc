package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	t.Parallel()

	err := E(KindTemplate, "render", ErrNoTemplate)
	if !errors.Is(err, ErrTemplate) {
		t.Fatalf("expected template kind sentinel to match: %v", err)
	}
	if !errors.Is(err, ErrNoTemplate) {
		t.Fatalf("expected cause to match: %v", err)
	}
	if errors.Is(err, ErrRuntime) {
		t.Fatalf("unexpected runtime match: %v", err)
	}
	if KindOf(err) != KindTemplate {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
}

func TestWrappedErrorKeepsKind(t *testing.T) {
	t.Parallel()

	inner := Errorf(KindLoad, "open", "missing file %q", "model.gguf")
	outer := fmt.Errorf("build pipeline: %w", inner)
	if !Is(outer, KindLoad) {
		t.Fatalf("expected load kind through fmt wrapping: %v", outer)
	}
	if KindOf(outer) != KindLoad {
		t.Fatalf("KindOf = %v", KindOf(outer))
	}
}

func TestEDoesNotRewrapSameKind(t *testing.T) {
	t.Parallel()

	first := E(KindRuntime, "forward", ErrCacheSkew)
	second := E(KindRuntime, "run", first)
	if second != first {
		t.Fatalf("expected same error back, got %v", second)
	}
	third := E(KindLoad, "load", first)
	if KindOf(third) != KindLoad {
		t.Fatalf("expected outer kind to win, got %v", KindOf(third))
	}
	if !errors.Is(third, ErrCacheSkew) {
		t.Fatalf("expected cause preserved: %v", third)
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{E(KindSampling, "sample", errors.New("all candidates masked")), "sample: sampling error: all candidates masked"},
		{&Error{Kind: KindDevice}, "device error"},
		{E(KindInvalidConfig, "", errors.New("top_p must be in (0,1]")), "invalid config: top_p must be in (0,1]"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Fatalf("Error() = %q, want %q", got, tt.want)
		}
	}
}
