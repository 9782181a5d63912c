package synth

// digits2 holds every two-digit decimal pair as adjacent bytes, the
// "taken and inspired from" trick used by fmt-style itoa implementations:
// indexing by 2*d for d in [0,99] yields d's two ASCII digits without a
// division in the inner loop. Grounded on
// original_source/preload/src/runtime.c's digits2()/int_to_str_().
const digits2 = "00010203040506070809" +
	"10111213141516171819" +
	"20212223242526272829" +
	"30313233343536373839" +
	"40414243444546474849" +
	"50515253545556575859" +
	"60616263646566676869" +
	"70717273747576777879" +
	"80818283848586878889" +
	"90919293949596979899"

// appendInt appends the base-10 representation of v to dst, matching
// strconv.AppendInt's output exactly (spec §4.3: "must produce identical
// decimal output to a naive stringifier") but built from the two-digit
// lookup table rather than a generic formatter.
func appendInt(dst []byte, v int64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	neg := v < 0
	u := uint64(v)
	if neg {
		u = uint64(-v)
	}

	var tmp [20]byte
	i := len(tmp)
	for u >= 100 {
		q := u / 100
		r := u - q*100
		i -= 2
		tmp[i] = digits2[r*2]
		tmp[i+1] = digits2[r*2+1]
		u = q
	}
	if u >= 10 {
		i -= 2
		tmp[i] = digits2[u*2]
		tmp[i+1] = digits2[u*2+1]
	} else {
		i--
		tmp[i] = digits2[u*2+1]
	}
	if neg {
		dst = append(dst, '-')
	}
	return append(dst, tmp[i:]...)
}
