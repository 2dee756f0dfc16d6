package wire

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestWalk(t *testing.T) {
	var b []byte
	b = AppendVarint(b, 1, 300)
	b = AppendBytes(b, 2, []byte("abc"))
	b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	b = AppendString(b, 4, "x")

	var got []Field
	err := Walk(b, func(f Field) error {
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	want := []Field{
		{Num: 1, Type: protowire.VarintType, Varint: 300},
		{Num: 2, Type: protowire.BytesType, Bytes: []byte("abc")},
		{Num: 3, Type: protowire.Fixed32Type},
		{Num: 4, Type: protowire.BytesType, Bytes: []byte("x")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestWalkErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"Truncated tag", []byte{0x80}},
		{"Truncated length", []byte{0x12}},
		{"Length past end", []byte{0x12, 0x05, 'a'}},
		{"Field number zero", []byte{0x00, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Walk(tt.data, func(Field) error { return nil })
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}

	t.Run("Callback error stops the walk", func(t *testing.T) {
		stop := errors.New("stop")
		calls := 0
		b := AppendVarint(AppendVarint(nil, 1, 1), 2, 2)
		err := Walk(b, func(Field) error {
			calls++
			return stop
		})
		if !errors.Is(err, stop) || calls != 1 {
			t.Errorf("expected one call and the callback error, got %d calls, %v", calls, err)
		}
	})
}

func TestExpect(t *testing.T) {
	f := Field{Num: 1, Type: protowire.VarintType}
	if err := Expect(f, protowire.VarintType); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := Bytes(f); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}
