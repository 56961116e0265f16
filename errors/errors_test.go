package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want []string
	}{
		{
			name: "phase and kind",
			err:  &Error{Phase: PhaseLayout, Kind: KindOutOfBounds},
			want: []string{"[layout]", "out_of_bounds"},
		},
		{
			name: "with path and detail",
			err: &Error{
				Phase:  PhaseRPC,
				Kind:   KindProtocol,
				Path:   []string{"question", "4"},
				Detail: "duplicate id",
			},
			want: []string{"[rpc]", "protocol", "at question.4", "duplicate id"},
		},
		{
			name: "with cause",
			err: &Error{
				Phase: PhaseSerialize,
				Kind:  KindTruncated,
				Cause: stderrors.New("unexpected EOF"),
			},
			want: []string{"[serialize]", "truncated", "caused by: unexpected EOF"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("Error() = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := ReadLimit(100)

	if !stderrors.Is(err, &Error{Phase: PhaseLayout, Kind: KindReadLimit}) {
		t.Error("expected Is to match on phase and kind")
	}
	if stderrors.Is(err, &Error{Phase: PhaseLayout, Kind: KindDepthLimit}) {
		t.Error("expected Is to reject differing kind")
	}
	if stderrors.Is(err, &Error{Phase: PhaseRPC, Kind: KindReadLimit}) {
		t.Error("expected Is to reject differing phase")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := stderrors.New("pipe closed")
	err := Disconnected(cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected wrapped cause to be found by errors.Is")
	}
}

func TestIsStructural(t *testing.T) {
	structural := []error{
		OutOfBounds(PhaseLayout, "pointer", 10, 5),
		ReadLimit(1),
		DepthLimit(),
		MalformedPointer("bad tag"),
		Truncated(PhasePack, "tag byte"),
		InvalidSegment(PhaseLayout, 9),
	}
	for _, err := range structural {
		if !IsStructural(err) {
			t.Errorf("IsStructural(%v) = false, want true", err)
		}
	}

	other := []error{
		Protocol("bad id"),
		Application("boom"),
		Canceled("call"),
		stderrors.New("plain"),
	}
	for _, err := range other {
		if IsStructural(err) {
			t.Errorf("IsStructural(%v) = true, want false", err)
		}
	}
}

func TestBuilder(t *testing.T) {
	cause := stderrors.New("root")
	err := New(PhasePack, KindTruncated).
		Path("word", "12").
		Detail("run of %d words", 3).
		Cause(cause).
		Build()

	if err.Phase != PhasePack || err.Kind != KindTruncated {
		t.Errorf("builder lost phase/kind: %v/%v", err.Phase, err.Kind)
	}
	if err.Detail != "run of 3 words" {
		t.Errorf("detail = %q", err.Detail)
	}
	if err.Cause != cause {
		t.Error("builder lost cause")
	}
}
