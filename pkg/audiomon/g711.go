package audiomon

// Декодирование G.711 в линейный PCM (ITU-T G.711)

const (
	ulawBias = 0x84
)

// DecodeULaw декодирует один отсчет µ-law
func DecodeULaw(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := ((int32(mantissa) << 3) + ulawBias) << exponent
	sample -= ulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// DecodeALaw декодирует один отсчет A-law
func DecodeALaw(b byte) int16 {
	b ^= 0x55
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)
	var sample int32
	if exponent == 0 {
		sample = (mantissa << 4) + 8
	} else {
		sample = ((mantissa << 4) + 0x108) << (exponent - 1)
	}
	if sign == 0 {
		return int16(-sample)
	}
	return int16(sample)
}
