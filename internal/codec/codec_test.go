package codec

import (
	"testing"
)

func Test_Encode_Decode_RoundTrips_Every_Kind(t *testing.T) {
	values := []Value{
		NewNull(),
		NewBool(true),
		NewBool(false),
		NewInt(-42),
		NewFloat(3.5),
		NewLong(1 << 60),
		NewDouble(2.71828),
		NewLink(99),
		NewString("Hello"),
		NewTag("urgent"),
		NewTimestamp(1234567890),
		NewPosition(7, 3),
		NegativeInfinity(),
		PositiveInfinity(),
	}

	for _, v := range values {
		buf := Encode(nil, v)

		got, n, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode(%s): %v", v.Kind, err)
		}

		if n != len(buf) {
			t.Fatalf("Decode(%s) consumed %d bytes, want %d", v.Kind, n, len(buf))
		}

		if !ValuesEqual(got, v) {
			t.Fatalf("Decode(%s) = %+v, want %+v", v.Kind, got, v)
		}
	}
}

func Test_Decode_Returns_ErrTruncated_On_Short_Buffer(t *testing.T) {
	buf := Encode(nil, NewString("payload"))

	for i := 0; i < len(buf); i++ {
		if _, _, err := Decode(buf[:i]); err == nil {
			t.Fatalf("Decode(buf[:%d]) err=nil, want ErrTruncated", i)
		}
	}
}

func Test_Compare_Numeric_Kinds_Cross_Compare_By_Value(t *testing.T) {
	cases := []struct {
		a, b Value
		want Ordering
	}{
		{NewInt(5), NewDouble(5.0), Equal},
		{NewInt(4), NewLong(5), Less},
		{NewFloat(2.5), NewDouble(2.5), Equal},
		{NewLong(10), NewInt(3), Greater},
	}

	for _, c := range cases {
		if got := Compare(c.a, c.b); got != c.want {
			t.Fatalf("Compare(%+v, %+v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func Test_Compare_Strings_Are_Case_Insensitive(t *testing.T) {
	a := NewString("Hello")
	b := NewTag("HELLO")

	if got := Compare(a, b); got != Equal {
		t.Fatalf("Compare(Hello, HELLO) = %v, want Equal", got)
	}
}

func Test_Compare_Infinities_Dominate_Real_Values(t *testing.T) {
	neg := NegativeInfinity()
	pos := PositiveInfinity()
	mid := NewDouble(0)

	if got := Compare(neg, mid); got != Less {
		t.Fatalf("Compare(-inf, 0) = %v, want Less", got)
	}

	if got := Compare(pos, mid); got != Greater {
		t.Fatalf("Compare(+inf, 0) = %v, want Greater", got)
	}

	if got := Compare(neg, pos); got != Less {
		t.Fatalf("Compare(-inf, +inf) = %v, want Less", got)
	}
}

func Test_Compare_Large_Longs_Beyond_2_53_Use_Exact_Integer_Comparison(t *testing.T) {
	a := NewLong(longPrecisionLimit + 2)
	b := NewLong(longPrecisionLimit + 1)

	if got := Compare(a, b); got != Greater {
		t.Fatalf("Compare(2^53+2, 2^53+1) = %v, want Greater", got)
	}
}

func Test_CanonicalBytes_Numeric_Is_Always_Eight_Bytes(t *testing.T) {
	values := []Value{NewInt(1), NewFloat(1), NewLong(1), NewDouble(1), NewTimestamp(1), NewLink(1)}

	for _, v := range values {
		if got := len(CanonicalBytes(v)); got != 8 {
			t.Fatalf("len(CanonicalBytes(%s)) = %d, want 8", v.Kind, got)
		}
	}
}

func Test_CanonicalBytes_Orders_Like_Compare_For_Numerics(t *testing.T) {
	low := CanonicalBytes(NewDouble(-5))
	high := CanonicalBytes(NewDouble(5))

	if !bytesLess(low, high) {
		t.Fatalf("CanonicalBytes(-5) should sort below CanonicalBytes(5)")
	}
}

func bytesLess(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}

	return len(a) < len(b)
}
